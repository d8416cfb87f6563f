package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/scrypster/tenantdb/pkg/types"
)

// ensureCorrectionLog creates schema_corrections once per DSN.
func (r *Reconciler) ensureCorrectionLog(ctx context.Context, db *sql.DB, dsn string) error {
	r.mu.Lock()
	ready := r.logReady[dsn]
	r.mu.Unlock()
	if ready {
		return nil
	}

	qctx, cancel := context.WithTimeout(ctx, r.stmtTimeout)
	defer cancel()
	if _, err := db.ExecContext(qctx, r.pool.Dialect().CorrectionsDDL); err != nil {
		return fmt.Errorf("create schema_corrections: %w", err)
	}

	r.mu.Lock()
	r.logReady[dsn] = true
	r.mu.Unlock()
	return nil
}

func (r *Reconciler) appendCorrection(ctx context.Context, db *sql.DB, rec types.CorrectionRecord) (int64, error) {
	query := r.pool.Dialect().Rebind(`
		INSERT INTO schema_corrections
			(correction_type, table_name, description, sql_executed, user_id, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	qctx, cancel := context.WithTimeout(ctx, r.stmtTimeout)
	defer cancel()

	var id int64
	err := db.QueryRowContext(qctx, query,
		string(rec.Type),
		nullString(rec.TableName),
		rec.Description,
		rec.SQL,
		nullString(rec.UserID),
		rec.ExecutedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert schema_corrections: %w", err)
	}
	return id, nil
}

// Corrections returns up to limit audit rows for dsn, newest first.
// A database that never had a correction recorded yields an empty slice.
func (r *Reconciler) Corrections(ctx context.Context, dsn string, limit int) ([]types.CorrectionRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	db, err := r.pool.DB(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("reconciler: corrections: %w", err)
	}
	if err := r.ensureCorrectionLog(ctx, db, dsn); err != nil {
		return nil, fmt.Errorf("reconciler: corrections: %w", err)
	}

	query := r.pool.Dialect().Rebind(`
		SELECT id, correction_type, table_name, description, sql_executed, user_id, executed_at
		FROM schema_corrections
		ORDER BY id DESC
		LIMIT ?
	`)

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("reconciler: query corrections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []types.CorrectionRecord{}
	for rows.Next() {
		var (
			rec         types.CorrectionRecord
			kind        string
			table, user sql.NullString
			desc        sql.NullString
			executedAt  interface{}
		)
		if err := rows.Scan(&rec.ID, &kind, &table, &desc, &rec.SQL, &user, &executedAt); err != nil {
			return nil, fmt.Errorf("reconciler: scan correction: %w", err)
		}
		rec.Type = types.CorrectionType(kind)
		rec.TableName = table.String
		rec.Description = desc.String
		rec.UserID = user.String
		rec.ExecutedAt = parseTime(executedAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconciler: iterate corrections: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SQLite hands timestamps back as text; Postgres as time.Time.
var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

func parseTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	}
	return time.Time{}
}

func parseTimeString(s string) time.Time {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

