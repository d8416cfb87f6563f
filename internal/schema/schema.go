// Package schema defines the canonical, ordered DDL catalog every tenant
// database must converge to. Statements are plain data; the reconciler looks
// them up by table name and never derives DDL from Go types.
package schema

// Kind orders statements within the catalog.
type Kind int

const (
	KindExtension Kind = iota
	KindTable
	KindIndex
	KindVectorIndex
)

func (k Kind) String() string {
	switch k {
	case KindExtension:
		return "extension"
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	case KindVectorIndex:
		return "vector_index"
	default:
		return "unknown"
	}
}

// Statement is one idempotent migration step.
// TableName is empty for extensions.
type Statement struct {
	Kind        Kind
	TableName   string
	Description string
	SQL         string
}

// IsIndex reports whether the statement creates an index of any kind.
func (s Statement) IsIndex() bool {
	return s.Kind == KindIndex || s.Kind == KindVectorIndex
}

// Catalog is an ordered list of statements plus the table whose absence makes
// a database unusable.
type Catalog struct {
	Statements    []Statement
	CriticalTable string
}

// Tables returns the distinct table names in catalog order.
func (c Catalog) Tables() []string {
	seen := make(map[string]bool)
	var tables []string
	for _, s := range c.Statements {
		if s.TableName == "" || seen[s.TableName] {
			continue
		}
		seen[s.TableName] = true
		tables = append(tables, s.TableName)
	}
	return tables
}

// Lookup returns the CREATE TABLE statement for table.
func (c Catalog) Lookup(table string) (Statement, bool) {
	for _, s := range c.Statements {
		if s.Kind == KindTable && s.TableName == table {
			return s, true
		}
	}
	return Statement{}, false
}

// ForTables returns, in catalog order, every statement targeting one of the
// given tables. Extensions are included whenever at least one table matches,
// since tables may depend on them.
func (c Catalog) ForTables(tables []string) []Statement {
	if len(tables) == 0 {
		return nil
	}
	want := make(map[string]bool, len(tables))
	for _, t := range tables {
		want[t] = true
	}
	var out []Statement
	for _, s := range c.Statements {
		if s.Kind == KindExtension || want[s.TableName] {
			out = append(out, s)
		}
	}
	return out
}
