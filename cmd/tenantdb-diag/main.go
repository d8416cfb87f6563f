// Command tenantdb-diag inspects and repairs the schema of a single database.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrypster/tenantdb/internal/config"
	"github.com/scrypster/tenantdb/internal/logger"
	"github.com/scrypster/tenantdb/internal/reconciler"
	"github.com/scrypster/tenantdb/internal/schema"
	"github.com/scrypster/tenantdb/internal/storage"
)

var (
	configPath  = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")
	dsnFlag     = flag.String("dsn", "", "Connection string to inspect (overrides database.default_url)")
	driverFlag  = flag.String("driver", "", "postgres or sqlite (overrides database.driver)")
	initCmd     = flag.Bool("init", false, "Run full schema initialization and exit")
	healCmd     = flag.Bool("heal", false, "Create missing tables and exit")
	corrections = flag.Int("corrections", 0, "Print the N most recent schema corrections and exit")
	userID      = flag.String("user", "", "User id recorded with applied corrections")
	timeout     = flag.Duration("timeout", 2*time.Minute, "Overall deadline")
)

type options struct {
	DSN         string
	Driver      string
	Init        bool
	Heal        bool
	Corrections int
	UserID      string
	Timeout     time.Duration
}

func main() {
	flag.Parse()

	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	opts := options{
		DSN:         cfg.Database.DefaultURL,
		Driver:      cfg.Database.Driver,
		Init:        *initCmd,
		Heal:        *healCmd,
		Corrections: *corrections,
		UserID:      *userID,
		Timeout:     *timeout,
	}
	if *dsnFlag != "" {
		opts.DSN = *dsnFlag
	}
	if *driverFlag != "" {
		opts.Driver = *driverFlag
	}

	lg, err := logger.New(cfg.Log.Mode)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	code, err := run(ctx, opts, lg, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(code)
}

// run executes one diagnostic mode and writes its JSON result to out. The
// returned code is 0 on success, 1 when the operation failed and 2 when the
// schema is still incomplete afterwards.
func run(ctx context.Context, opts options, lg *logger.Logger, out io.Writer) (int, error) {
	if opts.DSN == "" {
		return 1, fmt.Errorf("no connection string: pass -dsn or set TENANTDB_DATABASE_URL")
	}
	dialect, err := storage.DialectFor(opts.Driver)
	if err != nil {
		return 1, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	pool := storage.NewPool(dialect)
	defer func() { _ = pool.Close() }()
	rec := reconciler.New(pool,
		reconciler.WithCatalog(schema.ForDialect(dialect.Name)),
		reconciler.WithLogger(lg))

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	switch {
	case opts.Corrections > 0:
		records, err := rec.Corrections(ctx, opts.DSN, opts.Corrections)
		if err != nil {
			return 1, err
		}
		return 0, enc.Encode(records)

	case opts.Init:
		report, err := rec.InitializeAll(ctx, opts.DSN, opts.UserID)
		if err != nil {
			return 1, err
		}
		failed := report.Failed()
		if err := enc.Encode(map[string]interface{}{
			"statements": len(report.Outcomes),
			"failed":     describe(failed),
		}); err != nil {
			return 1, err
		}
		if len(failed) > 0 {
			return 2, nil
		}
		return 0, nil

	default:
		if !opts.Heal {
			return check(ctx, rec, pool, dialect, opts.DSN, enc)
		}
		report, err := rec.CheckAndHeal(ctx, opts.DSN, opts.UserID)
		if report != nil {
			if encErr := enc.Encode(map[string]interface{}{
				"missing":       report.Missing,
				"still_missing": report.StillMissing,
				"ok":            report.OK(),
			}); encErr != nil {
				return 1, encErr
			}
		}
		if err != nil {
			return 2, err
		}
		if !report.OK() {
			return 2, nil
		}
		return 0, nil
	}
}

// check lists catalog tables absent from the database without changing it.
func check(ctx context.Context, rec *reconciler.Reconciler, pool *storage.Pool, d storage.Dialect, dsn string, enc *json.Encoder) (int, error) {
	db, err := pool.DB(ctx, dsn)
	if err != nil {
		return 1, err
	}
	rows, err := db.QueryContext(ctx, d.ListTablesQuery)
	if err != nil {
		return 1, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	live := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return 1, err
		}
		live[name] = true
	}
	if err := rows.Err(); err != nil {
		return 1, err
	}

	missing := []string{}
	for _, t := range rec.Catalog().Tables() {
		if !live[t] {
			missing = append(missing, t)
		}
	}
	if err := enc.Encode(map[string]interface{}{"missing": missing, "ok": len(missing) == 0}); err != nil {
		return 1, err
	}
	if len(missing) > 0 {
		return 2, nil
	}
	return 0, nil
}

func describe(outcomes []reconciler.Outcome) []string {
	out := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, fmt.Sprintf("%s: %v", o.Statement.Description, o.Err))
	}
	return out
}
