package retrieval

import "strings"

// DefaultChunkSize is the window length, in runes, when Chunker.Size is unset.
const DefaultChunkSize = 1000

// Chunker splits text into fixed-size overlapping rune windows. Each window
// starts Size-Overlap runes after the previous one, so consecutive chunks
// share Overlap runes and their union covers the whole text.
type Chunker struct {
	Size    int // window length in runes (default: 1000)
	Overlap int // shared runes between neighbours; 0 or >= Size selects Size/4
}

// Chunk splits text. Text no longer than Size comes back as a single chunk;
// whitespace-only text yields none.
func (c Chunker) Chunk(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	size, overlap := c.params()
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	var chunks []string
	for start := 0; ; start += step {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			return chunks
		}
		chunks = append(chunks, string(runes[start:end]))
	}
}

func (c Chunker) params() (size, overlap int) {
	size = c.Size
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap = c.Overlap
	if overlap <= 0 || overlap >= size {
		overlap = size / 4
	}
	return size, overlap
}
