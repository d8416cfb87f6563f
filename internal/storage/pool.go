package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Pool hands out one shared *sql.DB per connection string. Tenant databases
// are opened lazily on first use and kept for the life of the process.
type Pool struct {
	dialect     Dialect
	maxOpen     int
	pingTimeout time.Duration

	mu      sync.Mutex
	dbs     map[string]*sql.DB
	closed  bool
	opening singleflight.Group
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithMaxOpenConns caps open connections per DSN. Ignored for SQLite, which
// always uses a single connection.
func WithMaxOpenConns(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.maxOpen = n
		}
	}
}

// WithPingTimeout bounds the connectivity check made when a DSN is first opened.
func WithPingTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pingTimeout = d
		}
	}
}

// NewPool creates an empty pool for the given dialect.
func NewPool(d Dialect, opts ...PoolOption) *Pool {
	p := &Pool{
		dialect:     d,
		maxOpen:     10,
		pingTimeout: 5 * time.Second,
		dbs:         make(map[string]*sql.DB),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dialect returns the pool's SQL dialect.
func (p *Pool) Dialect() Dialect {
	return p.dialect
}

// DB returns the handle for dsn, opening and pinging it on first use.
// Failures wrap ErrUnreachable and are not cached, so the next call retries.
// Concurrent first uses of one DSN share a single open; other DSNs are never
// blocked by it. A caller waits at most the ping timeout plus a second.
func (p *Pool) DB(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%w: connection string is required", ErrInvalidInput)
	}

	p.mu.Lock()
	db, ok := p.dbs[dsn]
	p.mu.Unlock()
	if ok {
		return db, nil
	}

	ch := p.opening.DoChan(dsn, func() (interface{}, error) {
		return p.open(context.WithoutCancel(ctx), dsn)
	})

	timer := time.NewTimer(p.pingTimeout + time.Second)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*sql.DB), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no answer within %s", ErrUnreachable, p.pingTimeout+time.Second)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	}
}

func (p *Pool) open(ctx context.Context, dsn string) (*sql.DB, error) {
	connStr := dsn
	if p.dialect.Driver == Postgres.Driver {
		connStr = withConnectTimeout(dsn, p.pingTimeout)
	}

	db, err := sql.Open(p.dialect.Driver, connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrUnreachable, err)
	}

	if p.dialect.Driver == SQLite.Driver {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases stable across calls.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else {
		db.SetMaxOpenConns(p.maxOpen)
		db.SetMaxIdleConns(p.maxOpen / 2)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnreachable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pool is closed", ErrUnreachable)
	}
	if existing, ok := p.dbs[dsn]; ok {
		_ = db.Close()
		return existing, nil
	}
	p.dbs[dsn] = db
	return db, nil
}

// withConnectTimeout adds lib/pq's connect_timeout to a Postgres connection
// string that has none. The driver applies it as a deadline on the whole
// startup handshake, which the ping context alone does not bound.
func withConnectTimeout(dsn string, d time.Duration) string {
	if strings.Contains(dsn, "connect_timeout") {
		return dsn
	}
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		q.Set("connect_timeout", strconv.Itoa(secs))
		u.RawQuery = q.Encode()
		return u.String()
	}
	return strings.TrimSpace(dsn) + " connect_timeout=" + strconv.Itoa(secs)
}

// Close closes every handle the pool opened.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var errs []error
	for dsn, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.dbs, dsn)
	}
	return errors.Join(errs...)
}
