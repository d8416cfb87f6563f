// Package provisioner maps a tenant to its own database, creating it through
// the control plane on first use.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scrypster/tenantdb/internal/controlplane"
	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/reconciler"
	"github.com/scrypster/tenantdb/internal/storage"
	"github.com/scrypster/tenantdb/pkg/types"
)

// ErrInconsistent means the control plane reported a project without the
// branch or endpoint every project is expected to have.
var ErrInconsistent = errors.New("control plane state is inconsistent")

// Error reports which provisioning step failed.
type Error struct {
	Tenant string
	Step   string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision %s: %s: %v", e.Tenant, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ControlPlane is the subset of controlplane.Client used here.
type ControlPlane interface {
	FindProject(ctx context.Context, name string) (*controlplane.Project, bool, error)
	CreateProject(ctx context.Context, name, region string, pgVersion int) (*controlplane.Project, error)
	ListBranches(ctx context.Context, projectID string) ([]controlplane.Branch, error)
	ListEndpoints(ctx context.Context, projectID, branchID string) ([]controlplane.Endpoint, error)
	ConnectionURI(ctx context.Context, projectID, branchID, endpointID, database, role string) (string, error)
}

// Initializer bootstraps the schema of a freshly created database.
type Initializer interface {
	InitializeAll(ctx context.Context, dsn, userID string) (*reconciler.Report, error)
}

// Config holds the creation defaults.
type Config struct {
	Region       string // default: aws-us-east-2
	PGVersion    int    // default: 16
	DatabaseName string // default: neondb
	RoleName     string // default: neondb_owner

	// Timeout bounds one provisioning flight, independent of any caller.
	// Default: 2m
	Timeout time.Duration

	// RetryBackoff is the pause before the single retry of a read-only
	// control-plane call that failed transiently. Default: 250ms
	RetryBackoff time.Duration
}

// Provisioner implements ProvisionOrGet.
type Provisioner struct {
	cp     ControlPlane
	init   Initializer
	locker Locker
	cfg    Config
	log    *logger.Logger
	group  singleflight.Group
}

// New creates a provisioner. A nil cp makes every call fail with
// controlplane.ErrMissingCredentials; a nil locker serializes within this
// process only.
func New(cp ControlPlane, init Initializer, locker Locker, cfg Config, log *logger.Logger) *Provisioner {
	if cfg.Region == "" {
		cfg.Region = "aws-us-east-2"
	}
	if cfg.PGVersion == 0 {
		cfg.PGVersion = 16
	}
	if cfg.DatabaseName == "" {
		cfg.DatabaseName = "neondb"
	}
	if cfg.RoleName == "" {
		cfg.RoleName = "neondb_owner"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Provisioner{
		cp:     cp,
		init:   init,
		locker: locker,
		cfg:    cfg,
		log:    log.With("component", "provisioner"),
	}
}

// DatabaseName is the deterministic project name for a tenant.
func DatabaseName(tenantID string) string {
	return "tenant-" + tenantID
}

// ProvisionOrGet returns the tenant's database, creating and initializing it
// when it does not exist yet. Concurrent calls for one tenant share a single
// flight in this process and are serialized by the Locker across processes.
// The flight runs under its own deadline, so a caller that gives up does not
// cancel it for the others; each caller stops waiting when its ctx is done.
func (p *Provisioner) ProvisionOrGet(ctx context.Context, tenantID string) (*types.TenantDatabase, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant id is required", storage.ErrInvalidInput)
	}
	if p.cp == nil {
		return nil, controlplane.ErrMissingCredentials
	}

	name := DatabaseName(tenantID)
	ch := p.group.DoChan(name, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.Timeout)
		defer cancel()
		return p.provision(flightCtx, tenantID, name)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			p.log.Debug("joined in-flight provisioning", "database", name)
		}
		db := *res.Val.(*types.TenantDatabase)
		return &db, nil
	case <-ctx.Done():
		return nil, &Error{Tenant: name, Step: "wait", Err: ctx.Err()}
	}
}

func (p *Provisioner) provision(ctx context.Context, tenantID, name string) (*types.TenantDatabase, error) {
	fail := func(step string, err error) (*types.TenantDatabase, error) {
		return nil, &Error{Tenant: name, Step: step, Err: err}
	}

	unlock, err := p.locker.Lock(ctx, name)
	if err != nil {
		return fail("lock", err)
	}
	defer unlock()

	var (
		project *controlplane.Project
		found   bool
	)
	err = p.retry(ctx, "list_projects", func() (err error) {
		project, found, err = p.cp.FindProject(ctx, name)
		return err
	})
	if err != nil {
		return fail("list_projects", err)
	}

	created := false
	if !found {
		project, err = p.cp.CreateProject(ctx, name, p.cfg.Region, p.cfg.PGVersion)
		switch {
		case errors.Is(err, controlplane.ErrConflict):
			p.log.Info("project already exists, reusing", "database", name)
			err = p.retry(ctx, "list_projects", func() (err error) {
				project, found, err = p.cp.FindProject(ctx, name)
				return err
			})
			if err != nil {
				return fail("list_projects", err)
			}
			if !found {
				return fail("create_project", fmt.Errorf("%w: creation conflicted but %s is not listed", ErrInconsistent, name))
			}
		case err != nil:
			return fail("create_project", err)
		default:
			created = true
			p.log.Info("project created", "database", name, "project_id", project.ID)
		}
	}

	var branches []controlplane.Branch
	err = p.retry(ctx, "list_branches", func() (err error) {
		branches, err = p.cp.ListBranches(ctx, project.ID)
		return err
	})
	if err != nil {
		return fail("list_branches", err)
	}
	branch, ok := controlplane.PrimaryBranch(branches)
	if !ok {
		return fail("branch", fmt.Errorf("%w: project %s has no primary branch", ErrInconsistent, project.ID))
	}

	var endpoints []controlplane.Endpoint
	err = p.retry(ctx, "list_endpoints", func() (err error) {
		endpoints, err = p.cp.ListEndpoints(ctx, project.ID, branch.ID)
		return err
	})
	if err != nil {
		return fail("list_endpoints", err)
	}
	endpoint, ok := controlplane.ReadWriteEndpoint(endpoints)
	if !ok {
		return fail("endpoint", fmt.Errorf("%w: branch %s has no read_write endpoint", ErrInconsistent, branch.ID))
	}

	var uri string
	err = p.retry(ctx, "connection_uri", func() (err error) {
		uri, err = p.cp.ConnectionURI(ctx, project.ID, branch.ID, endpoint.ID, p.cfg.DatabaseName, p.cfg.RoleName)
		return err
	})
	if err != nil {
		return fail("connection_uri", err)
	}

	db := &types.TenantDatabase{
		TenantID:         tenantID,
		Name:             name,
		ProjectID:        project.ID,
		BranchID:         branch.ID,
		EndpointID:       endpoint.ID,
		ConnectionString: uri,
		Created:          created,
	}

	if created && p.init != nil {
		p.initialize(ctx, db)
	}
	return db, nil
}

// retry runs a read-only control-plane call, repeating it once after a
// transient failure. CreateProject does not go through it.
func (p *Provisioner) retry(ctx context.Context, step string, call func() error) error {
	err := call()
	if err == nil || !controlplane.IsRetryable(err) || ctx.Err() != nil {
		return err
	}
	p.log.Warn("transient control plane failure, retrying", "step", step, "error", err)

	t := time.NewTimer(p.cfg.RetryBackoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return err
	case <-t.C:
	}
	return call()
}

// initialize bootstraps a new database. Failures are logged only; the
// resolver heals whatever is left missing on first use.
func (p *Provisioner) initialize(ctx context.Context, db *types.TenantDatabase) {
	report, err := p.init.InitializeAll(ctx, db.ConnectionString, db.TenantID)
	if err != nil {
		p.log.Warn("schema initialization failed", "database", db.Name, "error", err)
		return
	}
	if failed := report.Failed(); len(failed) > 0 {
		p.log.Warn("schema initialization incomplete",
			"database", db.Name,
			"failed", len(failed),
			"statements", len(report.Outcomes))
		return
	}
	p.log.Info("schema initialized", "database", db.Name, "statements", len(report.Outcomes))
}
