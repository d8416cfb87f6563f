package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/scrypster/tenantdb/internal/controlplane"
	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/reconciler"
	"github.com/scrypster/tenantdb/internal/schema"
	"github.com/scrypster/tenantdb/internal/session"
	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

const (
	defaultDSN = "postgres://app@shared/db"
	tenantDSN  = "postgres://owner@tenant-t1/db"
)

var errCritical = fmt.Errorf("%w: chat_threads", reconciler.ErrCriticalTableMissing)

// fakeHealer replays a per-DSN sequence of CheckAndHeal errors; the last
// entry repeats.
type fakeHealer struct {
	mu       sync.Mutex
	checks   map[string][]error
	missing  map[string][]string
	initErr  error
	checkLog []string
	initLog  []string
}

func newFakeHealer() *fakeHealer {
	return &fakeHealer{checks: map[string][]error{}, missing: map[string][]string{}}
}

func (f *fakeHealer) CheckAndHeal(_ context.Context, dsn, _ string) (*reconciler.HealReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.checkLog {
		if d == dsn {
			n++
		}
	}
	f.checkLog = append(f.checkLog, dsn)

	var err error
	if seq := f.checks[dsn]; len(seq) > 0 {
		if n >= len(seq) {
			n = len(seq) - 1
		}
		err = seq[n]
	}
	return &reconciler.HealReport{Missing: f.missing[dsn]}, err
}

func (f *fakeHealer) InitializeAll(_ context.Context, dsn, _ string) (*reconciler.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initLog = append(f.initLog, dsn)
	if f.initErr != nil {
		return nil, f.initErr
	}
	return &reconciler.Report{}, nil
}

type fakeProvisioner struct {
	calls int
	err   error
}

func (f *fakeProvisioner) ProvisionOrGet(_ context.Context, tenantID string) (*types.TenantDatabase, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &types.TenantDatabase{TenantID: tenantID, Name: "tenant-" + tenantID, ConnectionString: tenantDSN}, nil
}

func observed() (*logger.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return logger.FromZap(zap.New(core)), logs
}

func TestResolve_ExplicitWins(t *testing.T) {
	h := newFakeHealer()
	prov := &fakeProvisioner{}
	r := New(defaultDSN, h, prov, session.NewMemoryStore(0), nil)

	res, err := r.ResolveDetailed(context.Background(), Request{
		Explicit: "postgres://explicit/db",
		Session:  &session.Claims{TenantID: "t1", DatabaseRef: "tenant-t1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://explicit/db", res.DSN)
	assert.Equal(t, SourceExplicit, res.Source)
	assert.False(t, res.Degraded)
	assert.Zero(t, prov.calls)
	assert.Equal(t, []string{"postgres://explicit/db"}, h.checkLog, "healing always runs")
}

func TestResolve_SessionUsesCachedCredential(t *testing.T) {
	store := session.NewMemoryStore(0)
	require.NoError(t, store.Put(context.Background(), "tenant-t1", tenantDSN))
	prov := &fakeProvisioner{}
	r := New(defaultDSN, newFakeHealer(), prov, store, nil)

	res, err := r.ResolveDetailed(context.Background(), Request{Session: &session.Claims{TenantID: "t1", DatabaseRef: "tenant-t1"}})
	require.NoError(t, err)
	assert.Equal(t, tenantDSN, res.DSN)
	assert.Equal(t, SourceTenant, res.Source)
	assert.Zero(t, prov.calls)
}

func TestResolve_CacheMissReprovisionsAndRecaches(t *testing.T) {
	store := session.NewMemoryStore(0)
	prov := &fakeProvisioner{}
	r := New(defaultDSN, newFakeHealer(), prov, store, nil)
	req := Request{Session: &session.Claims{TenantID: "t1", DatabaseRef: "tenant-t1"}}

	dsn, err := r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, tenantDSN, dsn)
	assert.Equal(t, 1, prov.calls)

	cached, err := store.Get(context.Background(), "tenant-t1")
	require.NoError(t, err)
	assert.Equal(t, tenantDSN, cached)

	_, err = r.Resolve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, prov.calls, "second resolution hits the cache")
}

func TestResolve_ProvisioningFailureFallsBackWithWarning(t *testing.T) {
	log, logs := observed()
	prov := &fakeProvisioner{err: errors.New("control plane down")}
	r := New(defaultDSN, newFakeHealer(), prov, session.NewMemoryStore(0), log)

	res, err := r.ResolveDetailed(context.Background(), Request{Session: &session.Claims{TenantID: "t1"}})
	require.NoError(t, err)
	assert.Equal(t, defaultDSN, res.DSN)
	assert.Equal(t, SourceDefault, res.Source)
	assert.True(t, res.Degraded)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("tenant database unavailable, using default")
	assert.Equal(t, 1, warnings.Len())
}

func TestResolve_MissingControlPlaneCredentialsIsQuiet(t *testing.T) {
	log, logs := observed()
	prov := &fakeProvisioner{err: controlplane.ErrMissingCredentials}
	r := New(defaultDSN, newFakeHealer(), prov, nil, log)

	res, err := r.ResolveDetailed(context.Background(), Request{Session: &session.Claims{TenantID: "t1"}})
	require.NoError(t, err)
	assert.Equal(t, defaultDSN, res.DSN)
	assert.Zero(t, logs.FilterLevelExact(zapcore.WarnLevel).Len())
}

func TestResolve_NoConnection(t *testing.T) {
	prov := &fakeProvisioner{err: errors.New("down")}
	r := New("", newFakeHealer(), prov, nil, nil)

	_, err := r.Resolve(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrNoConnection)

	_, err = r.Resolve(context.Background(), Request{Session: &session.Claims{TenantID: "t1"}})
	assert.ErrorIs(t, err, ErrNoConnection)
}

func TestResolve_CriticalTableMissingRunsFullInitialization(t *testing.T) {
	h := newFakeHealer()
	h.checks[defaultDSN] = []error{errCritical, nil}
	h.missing[defaultDSN] = []string{"chat_threads"}
	r := New(defaultDSN, h, nil, nil, nil)

	res, err := r.ResolveDetailed(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, defaultDSN, res.DSN)
	assert.Equal(t, []string{"chat_threads"}, res.Missing)
	assert.Equal(t, []string{defaultDSN}, h.initLog)
	assert.Len(t, h.checkLog, 2)
}

func TestResolve_UnhealableTenantFallsBackToDefault(t *testing.T) {
	h := newFakeHealer()
	h.checks[tenantDSN] = []error{errCritical}
	store := session.NewMemoryStore(0)
	require.NoError(t, store.Put(context.Background(), "tenant-t1", tenantDSN))
	log, logs := observed()
	r := New(defaultDSN, h, nil, store, log)

	res, err := r.ResolveDetailed(context.Background(), Request{Session: &session.Claims{TenantID: "t1", DatabaseRef: "tenant-t1"}})
	require.NoError(t, err)
	assert.Equal(t, defaultDSN, res.DSN)
	assert.True(t, res.Degraded)
	assert.Equal(t, []string{tenantDSN}, h.initLog, "emergency initialization was attempted first")
	assert.Equal(t, defaultDSN, h.checkLog[len(h.checkLog)-1], "default is healed before use")
	assert.Equal(t, 1, logs.FilterMessage("database unusable, falling back to default").Len())
}

func TestResolve_DefaultUnusableTooIsAnError(t *testing.T) {
	h := newFakeHealer()
	h.checks[tenantDSN] = []error{storage.ErrUnreachable}
	h.checks[defaultDSN] = []error{errCritical}
	store := session.NewMemoryStore(0)
	require.NoError(t, store.Put(context.Background(), "tenant-t1", tenantDSN))
	r := New(defaultDSN, h, nil, store, nil)

	_, err := r.Resolve(context.Background(), Request{Session: &session.Claims{TenantID: "t1", DatabaseRef: "tenant-t1"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, reconciler.ErrCriticalTableMissing)
}

func TestResolve_ExplicitFallsBackOnlyWhenUnreachable(t *testing.T) {
	const explicit = "postgres://explicit/db"

	h := newFakeHealer()
	h.checks[explicit] = []error{fmt.Errorf("reconciler: check: %w", storage.ErrUnreachable)}
	res, err := New(defaultDSN, h, nil, nil, nil).ResolveDetailed(context.Background(), Request{Explicit: explicit})
	require.NoError(t, err)
	assert.Equal(t, defaultDSN, res.DSN)

	h = newFakeHealer()
	h.checks[explicit] = []error{errCritical}
	_, err = New(defaultDSN, h, nil, nil, nil).Resolve(context.Background(), Request{Explicit: explicit})
	assert.ErrorIs(t, err, reconciler.ErrCriticalTableMissing, "a reachable explicit database is never replaced")
}

func TestResolve_HealsRealDatabase(t *testing.T) {
	catalog := schema.Catalog{
		CriticalTable: "threads",
		Statements: []schema.Statement{
			{Kind: schema.KindTable, TableName: "threads", Description: "threads",
				SQL: `CREATE TABLE IF NOT EXISTS threads (id TEXT PRIMARY KEY)`},
			{Kind: schema.KindTable, TableName: "documents", Description: "documents",
				SQL: `CREATE TABLE IF NOT EXISTS documents (id TEXT PRIMARY KEY, tenant_id TEXT)`},
		},
	}
	pool := storage.NewPool(storage.SQLite)
	defer func() { _ = pool.Close() }()
	rec := reconciler.New(pool, reconciler.WithCatalog(catalog))
	dsn := fmt.Sprintf("file:resolver_%s?mode=memory", uuid.NewString())

	res, err := New(dsn, rec, nil, nil, nil).ResolveDetailed(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"threads", "documents"}, res.Missing)

	res, err = New(dsn, rec, nil, nil, nil).ResolveDetailed(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, res.Missing, "second resolution finds nothing to heal")
}
