// Package reconciler keeps a database's schema in line with a schema.Catalog.
//
// InitializeAll runs every catalog statement for a brand-new database.
// CheckAndHeal introspects the live tables and runs only what is missing.
// Both are best-effort: a failing statement is recorded and the loop moves on,
// because later statements are usually independent of an earlier failure.
// Every attempted statement leaves one row in schema_corrections.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/schema"
	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

// ErrCriticalTableMissing is returned by CheckAndHeal when the catalog's
// critical table still does not exist after healing.
var ErrCriticalTableMissing = errors.New("critical table missing after healing")

// Outcome is the result of one attempted statement.
type Outcome struct {
	Statement schema.Statement
	Record    types.CorrectionRecord
	Err       error
}

// Report lists the outcomes of InitializeAll in execution order.
type Report struct {
	Outcomes []Outcome
}

// Failed returns the outcomes whose statement failed.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// HealReport describes one CheckAndHeal pass.
type HealReport struct {
	// Missing lists the tables absent before healing, in catalog order.
	Missing []string

	// StillMissing lists the tables absent after healing.
	StillMissing []string

	Outcomes []Outcome
}

// OK reports whether every catalog table exists after healing.
func (h *HealReport) OK() bool {
	return len(h.StillMissing) == 0
}

// Reconciler applies a catalog to databases reached through a storage.Pool.
type Reconciler struct {
	pool        *storage.Pool
	catalog     schema.Catalog
	log         *logger.Logger
	stmtTimeout time.Duration
	now         func() time.Time

	mu       sync.Mutex
	logReady map[string]bool
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithCatalog replaces schema.Canonical.
func WithCatalog(c schema.Catalog) Option {
	return func(r *Reconciler) { r.catalog = c }
}

// WithStatementTimeout bounds each DDL statement.
func WithStatementTimeout(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.stmtTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates a reconciler for the canonical catalog.
func New(pool *storage.Pool, opts ...Option) *Reconciler {
	r := &Reconciler{
		pool:        pool,
		catalog:     schema.Canonical,
		log:         logger.Nop(),
		stmtTimeout: 30 * time.Second,
		now:         time.Now,
		logReady:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With("component", "reconciler")
	return r
}

// Catalog returns the catalog the reconciler enforces.
func (r *Reconciler) Catalog() schema.Catalog {
	return r.catalog
}

// InitializeAll executes every catalog statement in order, unconditionally.
// Statement failures are recorded in the report and the audit log; the
// returned error is reserved for not being able to reach the database.
func (r *Reconciler) InitializeAll(ctx context.Context, dsn, userID string) (*Report, error) {
	db, err := r.pool.DB(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("reconciler: initialize: %w", err)
	}

	outcomes := r.run(ctx, db, dsn, r.catalog.Statements, types.CorrectionSchemaInit, userID)
	report := &Report{Outcomes: outcomes}

	r.log.Info("schema initialization finished",
		"dsn", dsn,
		"statements", len(outcomes),
		"failed", len(report.Failed()),
	)
	return report, nil
}

// CheckAndHeal creates whatever catalog tables the database lacks, together
// with their indexes, then re-introspects to confirm. The report always lists
// the tables that were missing before healing so callers can warn even when
// healing succeeded. The error wraps ErrCriticalTableMissing when the
// critical table is still absent, or storage.ErrUnreachable when the database
// cannot be reached.
func (r *Reconciler) CheckAndHeal(ctx context.Context, dsn, userID string) (*HealReport, error) {
	db, err := r.pool.DB(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("reconciler: check: %w", err)
	}

	live, err := r.listTables(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("reconciler: introspect: %w", err)
	}

	report := &HealReport{Missing: r.missing(live)}
	if len(report.Missing) == 0 {
		return report, nil
	}

	r.log.Warn("schema drift detected", "dsn", dsn, "missing", report.Missing)

	stmts := r.catalog.ForTables(report.Missing)
	report.Outcomes = r.run(ctx, db, dsn, stmts, types.CorrectionSchemaAutocreate, userID)

	live, err = r.listTables(ctx, db)
	if err != nil {
		return report, fmt.Errorf("reconciler: re-introspect: %w", err)
	}
	report.StillMissing = r.missing(live)

	if !report.OK() {
		r.log.Error("schema healing incomplete", "dsn", dsn, "still_missing", report.StillMissing)
	} else {
		r.log.Info("schema healed", "dsn", dsn, "created", report.Missing)
	}

	if r.catalog.CriticalTable != "" && slices.Contains(report.StillMissing, r.catalog.CriticalTable) {
		return report, fmt.Errorf("%w: %s", ErrCriticalTableMissing, r.catalog.CriticalTable)
	}
	return report, nil
}

// run executes stmts in order and records each attempt.
func (r *Reconciler) run(ctx context.Context, db *sql.DB, dsn string, stmts []schema.Statement, okType types.CorrectionType, userID string) []Outcome {
	if err := r.ensureCorrectionLog(ctx, db, dsn); err != nil {
		r.log.Error("correction log unavailable; statements will run unrecorded", "dsn", dsn, "error", err)
	}

	outcomes := make([]Outcome, 0, len(stmts))
	for _, s := range stmts {
		execErr := r.exec(ctx, db, s)

		rec := types.CorrectionRecord{
			Type:        okType,
			TableName:   s.TableName,
			Description: s.Description,
			SQL:         s.SQL,
			UserID:      userID,
			ExecutedAt:  r.now().UTC(),
		}
		switch {
		case execErr != nil:
			rec.Type = types.CorrectionSchemaError
			rec.Description = fmt.Sprintf("%s: %v", s.Description, execErr)
			if storage.IsDuplicateObject(execErr) {
				r.log.Info("schema object already exists", "table", s.TableName, "kind", s.Kind.String(), "error", execErr)
			} else {
				r.log.Error("schema statement failed", "table", s.TableName, "kind", s.Kind.String(), "error", execErr)
			}
		case s.IsIndex():
			rec.Type = types.CorrectionIndexCreation
		}

		id, logErr := r.appendCorrection(ctx, db, rec)
		if logErr != nil {
			r.log.Error("failed to record schema correction", "table", s.TableName, "error", logErr)
		}
		rec.ID = id

		outcomes = append(outcomes, Outcome{Statement: s, Record: rec, Err: execErr})
	}
	return outcomes
}

func (r *Reconciler) exec(ctx context.Context, db *sql.DB, s schema.Statement) error {
	stmtCtx, cancel := context.WithTimeout(ctx, r.stmtTimeout)
	defer cancel()
	_, err := db.ExecContext(stmtCtx, s.SQL)
	return err
}

func (r *Reconciler) listTables(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	qctx, cancel := context.WithTimeout(ctx, r.stmtTimeout)
	defer cancel()

	rows, err := db.QueryContext(qctx, r.pool.Dialect().ListTablesQuery)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	live := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		live[name] = true
	}
	return live, rows.Err()
}

// missing returns catalog tables absent from live, in catalog order.
func (r *Reconciler) missing(live map[string]bool) []string {
	var out []string
	for _, t := range r.catalog.Tables() {
		if !live[t] {
			out = append(out, t)
		}
	}
	return out
}
