// Package resolver decides which database a request talks to and makes sure
// that database has a usable schema before handing it out.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/tenantdb/internal/controlplane"
	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/reconciler"
	"github.com/scrypster/tenantdb/internal/session"
	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

// ErrNoConnection means neither an explicit, a tenant nor a default
// connection string is available. It is a configuration error.
var ErrNoConnection = errors.New("no database connection configured")

// Source tells where a resolved connection string came from.
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceTenant   Source = "tenant"
	SourceDefault  Source = "default"
)

// Request carries what a caller knows about the target database.
type Request struct {
	// Session is the caller's verified session, if any.
	Session *session.Claims

	// Explicit overrides every other source when set.
	Explicit string
}

// Resolution is the outcome of ResolveDetailed.
type Resolution struct {
	DSN    string
	Source Source

	// Degraded is set when a tenant database was wanted but the default
	// database is being used instead.
	Degraded bool

	// Missing lists the tables that had to be created on the returned
	// database during this resolution.
	Missing []string
}

// Healer is the part of the reconciler the resolver drives.
type Healer interface {
	CheckAndHeal(ctx context.Context, dsn, userID string) (*reconciler.HealReport, error)
	InitializeAll(ctx context.Context, dsn, userID string) (*reconciler.Report, error)
}

// Provisioner yields a tenant's database.
type Provisioner interface {
	ProvisionOrGet(ctx context.Context, tenantID string) (*types.TenantDatabase, error)
}

// Resolver implements the explicit → tenant → default policy.
type Resolver struct {
	defaultDSN string
	healer     Healer
	prov       Provisioner
	creds      session.CredentialStore
	log        *logger.Logger
}

// New creates a resolver. prov and creds may be nil, in which case sessions
// always resolve to the default database.
func New(defaultDSN string, healer Healer, prov Provisioner, creds session.CredentialStore, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		defaultDSN: defaultDSN,
		healer:     healer,
		prov:       prov,
		creds:      creds,
		log:        log.With("component", "resolver"),
	}
}

// Resolve returns the connection string to use for req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	res, err := r.ResolveDetailed(ctx, req)
	if err != nil {
		return "", err
	}
	return res.DSN, nil
}

// ResolveDetailed picks a connection string, heals its schema and falls back
// to the default database when the chosen one stays unusable. Explicit
// connection strings fall back only when unreachable.
func (r *Resolver) ResolveDetailed(ctx context.Context, req Request) (*Resolution, error) {
	res := &Resolution{}
	userID := ""
	if req.Session != nil {
		userID = req.Session.TenantID
	}

	switch {
	case req.Explicit != "":
		res.DSN, res.Source = req.Explicit, SourceExplicit
	case req.Session != nil:
		if dsn, ok := r.tenantDSN(ctx, req.Session); ok {
			res.DSN, res.Source = dsn, SourceTenant
		} else {
			res.Degraded = true
		}
	}
	if res.DSN == "" {
		if r.defaultDSN == "" {
			return nil, ErrNoConnection
		}
		res.DSN, res.Source = r.defaultDSN, SourceDefault
	}

	missing, err := r.ensureSchema(ctx, res.DSN, userID)
	if err == nil {
		res.Missing = missing
		return res, nil
	}

	if !r.canFallBack(res, err) {
		return nil, fmt.Errorf("resolve %s database: %w", res.Source, err)
	}

	r.log.Warn("database unusable, falling back to default",
		"source", string(res.Source),
		"tenant_id", userID,
		"error", err)

	missing, err = r.ensureSchema(ctx, r.defaultDSN, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve default database: %w", err)
	}
	return &Resolution{DSN: r.defaultDSN, Source: SourceDefault, Degraded: true, Missing: missing}, nil
}

func (r *Resolver) canFallBack(res *Resolution, err error) bool {
	if res.Source == SourceDefault || r.defaultDSN == "" || r.defaultDSN == res.DSN {
		return false
	}
	if res.Source == SourceExplicit {
		return errors.Is(err, storage.ErrUnreachable)
	}
	return true
}

// tenantDSN looks the session's database up in the credential store and
// re-provisions on a miss. Failures are logged and reported as !ok.
func (r *Resolver) tenantDSN(ctx context.Context, c *session.Claims) (string, bool) {
	if c.DatabaseRef != "" && r.creds != nil {
		dsn, err := r.creds.Get(ctx, c.DatabaseRef)
		if err == nil {
			return dsn, true
		}
		if !errors.Is(err, session.ErrNotFound) {
			r.log.Warn("credential store lookup failed", "ref", c.DatabaseRef, "error", err)
		}
	}

	if c.TenantID == "" || r.prov == nil {
		return "", false
	}

	db, err := r.prov.ProvisionOrGet(ctx, c.TenantID)
	if err != nil {
		if errors.Is(err, controlplane.ErrMissingCredentials) {
			r.log.Debug("tenant provisioning not configured", "tenant_id", c.TenantID)
		} else {
			r.log.Warn("tenant database unavailable, using default", "tenant_id", c.TenantID, "error", err)
		}
		return "", false
	}

	if r.creds != nil {
		if err := r.creds.Put(ctx, db.Name, db.ConnectionString); err != nil {
			r.log.Warn("failed to cache tenant credential", "ref", db.Name, "error", err)
		}
	}
	return db.ConnectionString, true
}

// ensureSchema runs CheckAndHeal and, when the critical table is still
// missing, a full InitializeAll followed by one more check.
func (r *Resolver) ensureSchema(ctx context.Context, dsn, userID string) ([]string, error) {
	report, err := r.healer.CheckAndHeal(ctx, dsn, userID)
	if err == nil {
		return missingOf(report), nil
	}
	if !errors.Is(err, reconciler.ErrCriticalTableMissing) {
		return nil, err
	}

	r.log.Warn("critical table missing, running full initialization", "dsn", dsn)
	if _, initErr := r.healer.InitializeAll(ctx, dsn, userID); initErr != nil {
		return nil, initErr
	}

	if _, err := r.healer.CheckAndHeal(ctx, dsn, userID); err != nil {
		return nil, err
	}
	return missingOf(report), nil
}

func missingOf(h *reconciler.HealReport) []string {
	if h == nil {
		return nil
	}
	return h.Missing
}
