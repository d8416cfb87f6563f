// Command tenantdb-server runs the tenant database HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"

	"github.com/scrypster/tenantdb/internal/config"
	"github.com/scrypster/tenantdb/internal/controlplane"
	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/provisioner"
	"github.com/scrypster/tenantdb/internal/reconciler"
	"github.com/scrypster/tenantdb/internal/resolver"
	"github.com/scrypster/tenantdb/internal/retrieval"
	"github.com/scrypster/tenantdb/internal/schema"
	"github.com/scrypster/tenantdb/internal/server"
	"github.com/scrypster/tenantdb/internal/session"
	"github.com/scrypster/tenantdb/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (optional, env vars override it)")
	flag.Parse()

	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	lg, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	deps, cleanup, err := build(ctx, cfg, lg)
	if err != nil {
		lg.Fatal("startup failed", "error", err)
	}
	defer cleanup()

	addr, done, err := server.Start(ctx, cfg, server.NewHandler(cfg, deps), lg)
	if err != nil {
		lg.Fatal("failed to start server", "error", err)
	}
	lg.Info("tenantdb listening",
		"addr", addr,
		"driver", cfg.Database.Driver,
		"provisioning", cfg.ProvisioningEnabled(),
		"redis", cfg.Redis.Addr != "")

	<-ctx.Done()
	lg.Info("shutting down")
	// Drain in-flight requests before cleanup closes the pool.
	<-done
}

// build wires the services behind the API. The returned cleanup releases
// pooled connections and the Redis client.
func build(ctx context.Context, cfg *config.Config, lg *logger.Logger) (server.Deps, func(), error) {
	dialect, err := storage.DialectFor(cfg.Database.Driver)
	if err != nil {
		return server.Deps{}, nil, err
	}
	pool := storage.NewPool(dialect, storage.WithMaxOpenConns(cfg.Database.MaxOpenConns))
	rec := reconciler.New(pool,
		reconciler.WithCatalog(schema.ForDialect(dialect.Name)),
		reconciler.WithStatementTimeout(cfg.Database.StatementTimeout),
		reconciler.WithLogger(lg))

	var rdb *goredis.Client
	cleanup := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = pool.Close()
	}

	var (
		locker provisioner.Locker
		creds  session.CredentialStore
	)
	if cfg.Redis.Addr != "" {
		rdb, err = storage.NewRedisClient(ctx, storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			cleanup()
			return server.Deps{}, nil, fmt.Errorf("redis: %w", err)
		}
		locker = provisioner.NewRedisLocker(rdb, cfg.Redis.KeyPrefix, cfg.Redis.LockTTL)
		creds = session.NewRedisStore(rdb, cfg.Redis.KeyPrefix, cfg.Redis.CredentialTTL)
	} else {
		lg.Warn("redis not configured, provisioning locks and credentials are process-local")
		locker = provisioner.NewLocalLocker()
		creds = session.NewMemoryStore(cfg.Redis.CredentialTTL)
	}

	var prov *provisioner.Provisioner
	if cfg.ProvisioningEnabled() {
		cp, err := controlplane.New(controlplane.Config{
			APIKey:            cfg.ControlPlane.APIKey,
			BaseURL:           cfg.ControlPlane.BaseURL,
			Timeout:           cfg.ControlPlane.Timeout,
			RequestsPerSecond: cfg.ControlPlane.RequestsPerSecond,
		})
		if err != nil {
			cleanup()
			return server.Deps{}, nil, err
		}
		prov = provisioner.New(cp, rec, locker, provisioner.Config{
			Region:       cfg.ControlPlane.Region,
			PGVersion:    cfg.ControlPlane.PGVersion,
			DatabaseName: cfg.ControlPlane.DatabaseName,
			RoleName:     cfg.ControlPlane.RoleName,
		}, lg)
	} else {
		lg.Info("control plane key not set, every session uses the default database")
	}

	if cfg.Database.DefaultURL != "" {
		report, err := rec.InitializeAll(ctx, cfg.Database.DefaultURL, "")
		switch {
		case err != nil:
			lg.Warn("default database initialization failed", "error", err)
		case len(report.Failed()) > 0:
			lg.Warn("default database initialization incomplete", "failed", len(report.Failed()))
		}
	}

	// A nil provisioner must reach the resolver as a nil interface.
	var resProv resolver.Provisioner
	var srvProv server.Provisioner
	if prov != nil {
		resProv, srvProv = prov, prov
	}
	res := resolver.New(cfg.Database.DefaultURL, rec, resProv, creds, lg)

	var store retrieval.ChunkStore = retrieval.NewPGStore(pool)
	if dialect.Name == storage.SQLite.Name {
		lg.Warn("sqlite has no vector type, chunks are kept in memory")
		store = retrieval.NewMemoryStore()
	}
	embedder := retrieval.NewOpenAIEmbedder(retrieval.OpenAIConfig{
		APIKey:     cfg.Embedding.APIKey,
		Model:      cfg.Embedding.Model,
		BaseURL:    cfg.Embedding.BaseURL,
		Timeout:    cfg.Embedding.Timeout,
		Dimensions: cfg.Embedding.Dimension,
	})
	svc := retrieval.NewService(embedder, store, res, retrieval.Config{
		Dimension: cfg.Embedding.Dimension,
		DefaultK:  cfg.Retrieval.DefaultK,
		Chunker:   retrieval.Chunker{Size: cfg.Retrieval.ChunkSize, Overlap: cfg.Retrieval.ChunkOverlap},
	}, lg)

	issuer, err := session.NewIssuer(cfg.Session.JWTSecret, cfg.Session.TTL)
	if err != nil {
		cleanup()
		return server.Deps{}, nil, err
	}

	return server.Deps{
		Provisioner: srvProv,
		Credentials: creds,
		Issuer:      issuer,
		Retrieval:   svc,
		Schema:      rec,
		Resolver:    res,
		Logger:      lg,
	}, cleanup, nil
}
