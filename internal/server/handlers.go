package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/reconciler"
	"github.com/scrypster/tenantdb/internal/resolver"
	"github.com/scrypster/tenantdb/internal/retrieval"
	"github.com/scrypster/tenantdb/internal/session"
	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

const maxBodyBytes = 8 << 20

// Provisioner yields a tenant's database.
type Provisioner interface {
	ProvisionOrGet(ctx context.Context, tenantID string) (*types.TenantDatabase, error)
}

// Retrieval is the document indexing and search service.
type Retrieval interface {
	Index(ctx context.Context, req resolver.Request, ir retrieval.IndexRequest) ([]retrieval.IndexResult, error)
	Ingest(ctx context.Context, req resolver.Request, in retrieval.IngestRequest) ([]retrieval.IndexResult, error)
	SimilaritySearch(ctx context.Context, req resolver.Request, q retrieval.Query) ([]types.ScoredChunk, error)
	SimpleSearch(ctx context.Context, req resolver.Request, substring string, f types.SearchFilter) ([]types.Chunk, error)
}

// Schema exposes reconciler diagnostics.
type Schema interface {
	CheckAndHeal(ctx context.Context, dsn, userID string) (*reconciler.HealReport, error)
	Corrections(ctx context.Context, dsn string, limit int) ([]types.CorrectionRecord, error)
}

// Resolver picks the database for a request.
type Resolver interface {
	ResolveDetailed(ctx context.Context, req resolver.Request) (*resolver.Resolution, error)
}

// Handlers serves the /api/v1 routes.
type Handlers struct {
	prov      Provisioner
	creds     session.CredentialStore
	issuer    *session.Issuer
	retrieval Retrieval
	schema    Schema
	resolver  Resolver
	hashSalt  string
	log       *logger.Logger
}

// ErrorResponse is the JSON body of every error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type createSessionRequest struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
}

type createSessionResponse struct {
	Token     string    `json:"token"`
	TenantID  string    `json:"tenant_id"`
	Database  string    `json:"database,omitempty"`
	Degraded  bool      `json:"degraded"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateSession handles POST /api/v1/sessions. Provisioning is the first
// authenticated action; when it fails the session still opens on the default
// database.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", "INVALID_INPUT")
		return
	}

	claims := session.Claims{
		TenantID: session.HashUserID(h.hashSalt, req.UserID),
		IsAdmin:  req.IsAdmin,
	}

	if h.prov != nil {
		db, err := h.prov.ProvisionOrGet(r.Context(), claims.TenantID)
		switch {
		case err != nil:
			h.log.Warn("tenant provisioning failed, session uses default database",
				"tenant_id", claims.TenantID, "error", err)
		case h.creds == nil:
			h.log.Warn("no credential store, session uses default database", "tenant_id", claims.TenantID)
		default:
			if err := h.creds.Put(r.Context(), db.Name, db.ConnectionString); err != nil {
				h.log.Warn("failed to cache tenant credential", "ref", db.Name, "error", err)
			} else {
				claims.DatabaseRef = db.Name
			}
		}
	}

	token, err := h.issuer.Issue(claims)
	if err != nil {
		h.log.Error("failed to issue session token", "tenant_id", claims.TenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue session", "INTERNAL")
		return
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		Token:     token,
		TenantID:  claims.TenantID,
		Database:  claims.DatabaseRef,
		Degraded:  claims.DatabaseRef == "",
		ExpiresAt: time.Now().Add(h.issuer.TTL()).UTC(),
	})
}

type chunkPayload struct {
	Content   string    `json:"content"`
	Embedding []float32 `json:"embedding"`
}

type ingestRequest struct {
	FileName string         `json:"file_name"`
	Text     string         `json:"text"`
	Chunks   []chunkPayload `json:"chunks"`
	ThreadID string         `json:"thread_id"`
	AdminKB  bool           `json:"admin_kb"`
}

type indexResult struct {
	ChunkIndex int    `json:"chunk_index"`
	ID         string `json:"id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ingestResponse struct {
	Indexed  int           `json:"indexed"`
	Rejected int           `json:"rejected"`
	Results  []indexResult `json:"results"`
}

// IngestDocument handles POST /api/v1/documents. Raw text is chunked and
// embedded server-side; pre-embedded chunks are indexed as given.
func (h *Handlers) IngestDocument(w http.ResponseWriter, r *http.Request) {
	claims, _ := session.FromContext(r.Context())

	var req ingestRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.FileName) == "" {
		writeError(w, http.StatusBadRequest, "file_name is required", "INVALID_INPUT")
		return
	}
	if req.AdminKB && (claims == nil || !claims.IsAdmin) {
		writeError(w, http.StatusForbidden, "only admins can write to the knowledge base", "FORBIDDEN")
		return
	}

	rr := resolver.Request{Session: claims}
	var (
		results []retrieval.IndexResult
		err     error
	)
	if len(req.Chunks) > 0 {
		chunks := make([]retrieval.ChunkInput, len(req.Chunks))
		for i, c := range req.Chunks {
			chunks[i] = retrieval.ChunkInput{Content: c.Content, Embedding: c.Embedding}
		}
		results, err = h.retrieval.Index(r.Context(), rr, retrieval.IndexRequest{
			FileName: req.FileName, Chunks: chunks, ThreadID: req.ThreadID, AdminKB: req.AdminKB,
		})
	} else {
		results, err = h.retrieval.Ingest(r.Context(), rr, retrieval.IngestRequest{
			FileName: req.FileName, Text: req.Text, ThreadID: req.ThreadID, AdminKB: req.AdminKB,
		})
	}
	if err != nil {
		h.fail(w, "ingest failed", err)
		return
	}

	resp := ingestResponse{Results: make([]indexResult, len(results))}
	for i, res := range results {
		resp.Results[i] = indexResult{ChunkIndex: res.ChunkIndex, ID: res.ID}
		if res.Err != nil {
			resp.Results[i].Error = res.Err.Error()
			resp.Rejected++
		} else {
			resp.Indexed++
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type searchRequest struct {
	Query                string `json:"query"`
	K                    int    `json:"k"`
	ThreadID             string `json:"thread_id"`
	FileName             string `json:"file_name"`
	Mode                 string `json:"mode"`
	IncludeKnowledgeBase bool   `json:"include_knowledge_base"`
}

// Search handles POST /api/v1/search. Mode "text" is a substring match;
// anything else is a similarity search.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	claims, _ := session.FromContext(r.Context())

	var req searchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rr := resolver.Request{Session: claims}

	if req.Mode == "text" {
		chunks, err := h.retrieval.SimpleSearch(r.Context(), rr, req.Query, types.SearchFilter{
			ThreadID: req.ThreadID,
			FileName: req.FileName,
			Limit:    req.K,
		})
		if err != nil {
			h.fail(w, "text search failed", err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"mode": "text", "results": chunks})
		return
	}

	hits, err := h.retrieval.SimilaritySearch(r.Context(), rr, retrieval.Query{
		Text:                 req.Query,
		K:                    req.K,
		ThreadID:             req.ThreadID,
		IncludeKnowledgeBase: req.IncludeKnowledgeBase,
	})
	if err != nil {
		h.fail(w, "similarity search failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"mode": "similarity", "results": hits})
}

type schemaStatusResponse struct {
	Source       string   `json:"source"`
	Degraded     bool     `json:"degraded"`
	Healed       []string `json:"healed"`
	Missing      []string `json:"missing"`
	StillMissing []string `json:"still_missing"`
	OK           bool     `json:"ok"`
}

// SchemaStatus handles GET /api/v1/schema/status.
func (h *Handlers) SchemaStatus(w http.ResponseWriter, r *http.Request) {
	claims, _ := session.FromContext(r.Context())
	res, err := h.resolver.ResolveDetailed(r.Context(), resolver.Request{Session: claims})
	if err != nil {
		h.fail(w, "resolve failed", err)
		return
	}

	report, err := h.schema.CheckAndHeal(r.Context(), res.DSN, claims.TenantID)
	if report == nil {
		h.fail(w, "schema check failed", err)
		return
	}

	respondJSON(w, http.StatusOK, schemaStatusResponse{
		Source:       string(res.Source),
		Degraded:     res.Degraded,
		Healed:       nonNil(res.Missing),
		Missing:      nonNil(report.Missing),
		StillMissing: nonNil(report.StillMissing),
		OK:           err == nil && report.OK(),
	})
}

// SchemaCorrections handles GET /api/v1/schema/corrections?limit=N.
func (h *Handlers) SchemaCorrections(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_INPUT")
			return
		}
		limit = n
	}

	claims, _ := session.FromContext(r.Context())
	res, err := h.resolver.ResolveDetailed(r.Context(), resolver.Request{Session: claims})
	if err != nil {
		h.fail(w, "resolve failed", err)
		return
	}

	records, err := h.schema.Corrections(r.Context(), res.DSN, limit)
	if err != nil {
		h.fail(w, "listing corrections failed", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"source": res.Source, "corrections": records})
}

// Health handles GET /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail maps an error to a status code and logs server-side failures.
func (h *Handlers) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, retrieval.ErrEmptyQuery), errors.Is(err, storage.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_INPUT")
	case errors.Is(err, resolver.ErrNoConnection), errors.Is(err, storage.ErrUnreachable):
		h.log.Error(msg, "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable", "UNAVAILABLE")
	default:
		h.log.Error(msg, "error", err)
		writeError(w, http.StatusInternalServerError, msg, "INTERNAL")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_INPUT")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message, code string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
