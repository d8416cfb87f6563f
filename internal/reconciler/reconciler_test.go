package reconciler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/tenantdb/internal/schema"
	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

// sqliteCatalog mirrors the shape of the canonical catalog with SQLite DDL.
var sqliteCatalog = schema.Catalog{
	CriticalTable: "threads",
	Statements: []schema.Statement{
		{Kind: schema.KindTable, TableName: "threads", Description: "threads",
			SQL: `CREATE TABLE IF NOT EXISTS threads (id TEXT PRIMARY KEY, user_id TEXT NOT NULL)`},
		{Kind: schema.KindTable, TableName: "personas", Description: "personas",
			SQL: `CREATE TABLE IF NOT EXISTS personas (id TEXT PRIMARY KEY, name TEXT)`},
		{Kind: schema.KindTable, TableName: "messages", Description: "messages",
			SQL: `CREATE TABLE IF NOT EXISTS messages (id TEXT PRIMARY KEY, thread_id TEXT REFERENCES threads(id))`},
		{Kind: schema.KindTable, TableName: "documents", Description: "documents",
			SQL: `CREATE TABLE IF NOT EXISTS documents (id TEXT PRIMARY KEY, tenant_id TEXT, content TEXT)`},
		{Kind: schema.KindIndex, TableName: "messages", Description: "messages by thread",
			SQL: `CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages (thread_id)`},
		{Kind: schema.KindIndex, TableName: "documents", Description: "documents by tenant",
			SQL: `CREATE INDEX IF NOT EXISTS documents_tenant_idx ON documents (tenant_id)`},
	},
}

type fixture struct {
	rec  *Reconciler
	dsn  string
	db   *sql.DB
	pool *storage.Pool
}

func newFixture(t *testing.T, catalog schema.Catalog) *fixture {
	t.Helper()

	pool := storage.NewPool(storage.SQLite)
	t.Cleanup(func() { _ = pool.Close() })

	dsn := fmt.Sprintf("file:rec_%s?mode=memory", uuid.NewString())
	db, err := pool.DB(context.Background(), dsn)
	require.NoError(t, err)

	return &fixture{
		rec:  New(pool, WithCatalog(catalog), WithStatementTimeout(5*time.Second)),
		dsn:  dsn,
		db:   db,
		pool: pool,
	}
}

func (f *fixture) tables(t *testing.T) map[string]bool {
	t.Helper()
	live, err := f.rec.listTables(context.Background(), f.db)
	require.NoError(t, err)
	return live
}

func (f *fixture) corrections(t *testing.T) []types.CorrectionRecord {
	t.Helper()
	recs, err := f.rec.Corrections(context.Background(), f.dsn, 1000)
	require.NoError(t, err)
	return recs
}

func TestInitializeAll_CreatesEveryTableAndRecordsEachStatement(t *testing.T) {
	f := newFixture(t, sqliteCatalog)

	report, err := f.rec.InitializeAll(context.Background(), f.dsn, "admin-1")
	require.NoError(t, err)
	require.Len(t, report.Outcomes, len(sqliteCatalog.Statements))
	assert.Empty(t, report.Failed())

	live := f.tables(t)
	for _, table := range sqliteCatalog.Tables() {
		assert.True(t, live[table], "table %s should exist", table)
	}
	assert.True(t, live["schema_corrections"])

	recs := f.corrections(t)
	require.Len(t, recs, len(sqliteCatalog.Statements))

	var inits, indexes int
	for _, r := range recs {
		assert.Equal(t, "admin-1", r.UserID)
		assert.NotEmpty(t, r.SQL)
		assert.False(t, r.ExecutedAt.IsZero())
		switch r.Type {
		case types.CorrectionSchemaInit:
			inits++
		case types.CorrectionIndexCreation:
			indexes++
		}
	}
	assert.Equal(t, 4, inits)
	assert.Equal(t, 2, indexes)
}

func TestInitializeAll_ContinuesPastFailedStatement(t *testing.T) {
	catalog := schema.Catalog{
		CriticalTable: "threads",
		Statements: []schema.Statement{
			{Kind: schema.KindTable, TableName: "threads", Description: "threads",
				SQL: `CREATE TABLE IF NOT EXISTS threads (id TEXT PRIMARY KEY, user_id TEXT)`},
			{Kind: schema.KindIndex, TableName: "threads", Description: "first index",
				SQL: `CREATE INDEX threads_user_idx ON threads (user_id)`},
			{Kind: schema.KindIndex, TableName: "threads", Description: "duplicate index",
				SQL: `CREATE INDEX threads_user_idx ON threads (user_id)`},
			{Kind: schema.KindTable, TableName: "notes", Description: "notes",
				SQL: `CREATE TABLE IF NOT EXISTS notes (id TEXT PRIMARY KEY)`},
		},
	}
	f := newFixture(t, catalog)

	report, err := f.rec.InitializeAll(context.Background(), f.dsn, "")
	require.NoError(t, err, "statement failures are reported, not returned")

	failed := report.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "duplicate index", failed[0].Statement.Description)
	assert.Equal(t, types.CorrectionSchemaError, failed[0].Record.Type)

	assert.True(t, f.tables(t)["notes"], "statements after the failure still run")

	recs := f.corrections(t)
	require.Len(t, recs, 4, "every attempted statement is recorded, the failed one included")
	var errorRows int
	for _, r := range recs {
		if r.Type == types.CorrectionSchemaError {
			errorRows++
			assert.Contains(t, r.Description, "duplicate index")
			assert.Empty(t, r.UserID)
		}
	}
	assert.Equal(t, 1, errorRows)
}

func TestInitializeAll_IsRepeatable(t *testing.T) {
	f := newFixture(t, sqliteCatalog)
	ctx := context.Background()

	_, err := f.rec.InitializeAll(ctx, f.dsn, "")
	require.NoError(t, err)
	report, err := f.rec.InitializeAll(ctx, f.dsn, "")
	require.NoError(t, err)

	assert.Empty(t, report.Failed(), "IF NOT EXISTS makes a second run a no-op")
	assert.Len(t, f.corrections(t), 2*len(sqliteCatalog.Statements))
}

func TestCheckAndHeal_CreatesExactlyTheMissingTables(t *testing.T) {
	subsets := [][]string{
		{"threads"},
		{"personas", "documents"},
		{"threads", "messages"},
		{},
	}

	for _, present := range subsets {
		t.Run(fmt.Sprintf("present=%v", present), func(t *testing.T) {
			f := newFixture(t, sqliteCatalog)
			ctx := context.Background()

			presentSet := make(map[string]bool)
			for _, table := range present {
				s, ok := sqliteCatalog.Lookup(table)
				require.True(t, ok)
				_, err := f.db.ExecContext(ctx, s.SQL)
				require.NoError(t, err)
				presentSet[table] = true
			}
			if presentSet["threads"] {
				_, err := f.db.ExecContext(ctx, `INSERT INTO threads (id, user_id) VALUES ('t1', 'u1')`)
				require.NoError(t, err)
			}

			var wantMissing []string
			for _, table := range sqliteCatalog.Tables() {
				if !presentSet[table] {
					wantMissing = append(wantMissing, table)
				}
			}

			report, err := f.rec.CheckAndHeal(ctx, f.dsn, "")
			require.NoError(t, err)
			assert.Equal(t, wantMissing, report.Missing)
			assert.True(t, report.OK())

			for _, o := range report.Outcomes {
				if o.Statement.TableName != "" {
					assert.False(t, presentSet[o.Statement.TableName], "existing table %s must be left alone", o.Statement.TableName)
				}
				if o.Statement.IsIndex() {
					assert.Equal(t, types.CorrectionIndexCreation, o.Record.Type)
				} else {
					assert.Equal(t, types.CorrectionSchemaAutocreate, o.Record.Type)
				}
			}

			if presentSet["threads"] {
				var n int
				require.NoError(t, f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM threads`).Scan(&n))
				assert.Equal(t, 1, n, "existing rows survive healing")
			}

			again, err := f.rec.CheckAndHeal(ctx, f.dsn, "")
			require.NoError(t, err)
			assert.Empty(t, again.Missing, "second pass finds nothing to heal")
			assert.Empty(t, again.Outcomes)
		})
	}
}

func TestCheckAndHeal_NoDriftWritesNoCorrections(t *testing.T) {
	f := newFixture(t, sqliteCatalog)
	ctx := context.Background()

	_, err := f.rec.InitializeAll(ctx, f.dsn, "")
	require.NoError(t, err)
	before := len(f.corrections(t))

	report, err := f.rec.CheckAndHeal(ctx, f.dsn, "")
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Empty(t, report.Missing)
	assert.Len(t, f.corrections(t), before)
}

func TestCheckAndHeal_CriticalTableStillMissing(t *testing.T) {
	catalog := schema.Catalog{
		CriticalTable: "threads",
		Statements: []schema.Statement{
			{Kind: schema.KindTable, TableName: "threads", Description: "broken threads",
				SQL: `CREATE TABLE IF NOT EXISTS threads (`},
			{Kind: schema.KindTable, TableName: "notes", Description: "notes",
				SQL: `CREATE TABLE IF NOT EXISTS notes (id TEXT PRIMARY KEY)`},
		},
	}
	f := newFixture(t, catalog)

	report, err := f.rec.CheckAndHeal(context.Background(), f.dsn, "")
	require.ErrorIs(t, err, ErrCriticalTableMissing)
	require.NotNil(t, report)
	assert.Equal(t, []string{"threads", "notes"}, report.Missing)
	assert.Equal(t, []string{"threads"}, report.StillMissing)
	assert.False(t, report.OK())
	assert.True(t, f.tables(t)["notes"])
}

func TestCheckAndHeal_NonCriticalFailureIsNotAnError(t *testing.T) {
	catalog := schema.Catalog{
		CriticalTable: "threads",
		Statements: []schema.Statement{
			{Kind: schema.KindTable, TableName: "threads", Description: "threads",
				SQL: `CREATE TABLE IF NOT EXISTS threads (id TEXT PRIMARY KEY)`},
			{Kind: schema.KindTable, TableName: "notes", Description: "broken notes",
				SQL: `CREATE TABLE notes (`},
		},
	}
	f := newFixture(t, catalog)

	report, err := f.rec.CheckAndHeal(context.Background(), f.dsn, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"notes"}, report.StillMissing)
	assert.False(t, report.OK())
}

func TestCorrections_EmptyLog(t *testing.T) {
	f := newFixture(t, sqliteCatalog)
	recs := f.corrections(t)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestCheckAndHeal_Unreachable(t *testing.T) {
	rec := New(storage.NewPool(storage.Postgres, storage.WithPingTimeout(time.Second)))
	_, err := rec.CheckAndHeal(context.Background(), "postgres://nobody@127.0.0.1:1/none?sslmode=disable&connect_timeout=1", "")
	assert.ErrorIs(t, err, storage.ErrUnreachable)
}

// TestCanonical_Postgres runs the real catalog against a live pgvector-enabled
// Postgres when TENANTDB_TEST_POSTGRES_DSN is set.
func TestCanonical_Postgres(t *testing.T) {
	dsn := os.Getenv("TENANTDB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TENANTDB_TEST_POSTGRES_DSN not set; skipping PostgreSQL integration test")
	}
	pool := storage.NewPool(storage.Postgres)
	t.Cleanup(func() { _ = pool.Close() })
	rec := New(pool)
	ctx := context.Background()

	report, err := rec.InitializeAll(ctx, dsn, "integration")
	require.NoError(t, err)
	assert.Empty(t, report.Failed())

	heal, err := rec.CheckAndHeal(ctx, dsn, "integration")
	require.NoError(t, err)
	assert.Empty(t, heal.Missing)
}
