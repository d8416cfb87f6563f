package types

import "time"

// CorrectionType classifies a row in the schema_corrections audit table.
type CorrectionType string

// Correction type constants, stored verbatim in schema_corrections.correction_type.
const (
	// CorrectionSchemaInit marks a statement run by full initialization.
	CorrectionSchemaInit CorrectionType = "schema_init"

	// CorrectionSchemaAutocreate marks a statement run while healing drift.
	CorrectionSchemaAutocreate CorrectionType = "schema_autocreate"

	// CorrectionSchemaError marks a statement that failed.
	CorrectionSchemaError CorrectionType = "schema_error"

	// CorrectionIndexCreation marks a successful index statement.
	CorrectionIndexCreation CorrectionType = "index_creation"
)

// CorrectionRecord is one append-only audit entry describing a DDL statement
// attempted against a database. Failed statements are recorded too.
type CorrectionRecord struct {
	ID          int64          `json:"id"`
	Type        CorrectionType `json:"correction_type"`
	TableName   string         `json:"table_name"`
	Description string         `json:"description"`
	SQL         string         `json:"sql_executed"`
	UserID      string         `json:"user_id,omitempty"`
	ExecutedAt  time.Time      `json:"executed_at"`
}
