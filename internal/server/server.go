// Package server exposes sessions, document ingestion, search and schema
// diagnostics over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/tenantdb/internal/config"
	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/session"
)

// Deps are the services behind the API. Provisioner and Credentials may be
// nil, in which case every session runs on the default database.
type Deps struct {
	Provisioner Provisioner
	Credentials session.CredentialStore
	Issuer      *session.Issuer
	Retrieval   Retrieval
	Schema      Schema
	Resolver    Resolver
	Logger      *logger.Logger
}

// NewHandler builds the routed, middleware-wrapped API handler.
func NewHandler(cfg *config.Config, deps Deps) http.Handler {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	h := &Handlers{
		prov:      deps.Provisioner,
		creds:     deps.Credentials,
		issuer:    deps.Issuer,
		retrieval: deps.Retrieval,
		schema:    deps.Schema,
		resolver:  deps.Resolver,
		hashSalt:  cfg.Session.HashSalt,
		log:       log.With("component", "http"),
	}

	withSession := func(fn http.HandlerFunc) http.Handler {
		return RequireSession(fn, deps.Issuer)
	}
	withAdmin := func(fn http.HandlerFunc) http.Handler {
		return RequireSession(RequireAdmin(fn), deps.Issuer)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.Health)
	mux.Handle("POST /api/v1/sessions", RequireBootstrap(http.HandlerFunc(h.CreateSession), cfg.Server.BootstrapToken))
	mux.Handle("POST /api/v1/documents", withSession(h.IngestDocument))
	mux.Handle("POST /api/v1/search", withSession(h.Search))
	mux.Handle("GET /api/v1/schema/status", withAdmin(h.SchemaStatus))
	mux.Handle("GET /api/v1/schema/corrections", withAdmin(h.SchemaCorrections))

	// Wrap entire server with rate limiting, then security headers
	handler := RateLimitMiddleware(mux, NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	return securityHeadersMiddleware(handler)
}

// Start listens on the configured address and serves handler until ctx is
// done. It returns the actual address, which differs from the configured one
// when the port is 0, and a channel closed once shutdown has drained.
func Start(ctx context.Context, cfg *config.Config, handler http.Handler, log *logger.Logger) (string, <-chan struct{}, error) {
	if log == nil {
		log = logger.Nop()
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown error", "error", err)
		}
	}()

	return listener.Addr().String(), done, nil
}
