package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/wardenlabs/scanwarden/internal/api"
	appscan "github.com/wardenlabs/scanwarden/internal/app/scanning"
	apptmpl "github.com/wardenlabs/scanwarden/internal/app/templates"
	"github.com/wardenlabs/scanwarden/internal/config"
	"github.com/wardenlabs/scanwarden/internal/config/fileloader"
	"github.com/wardenlabs/scanwarden/internal/domain/scanning"
	"github.com/wardenlabs/scanwarden/internal/domain/templates"
	"github.com/wardenlabs/scanwarden/internal/infra/engine"
	eventbus "github.com/wardenlabs/scanwarden/internal/infra/eventbus/memory"
	"github.com/wardenlabs/scanwarden/internal/infra/logstore"
	jobmem "github.com/wardenlabs/scanwarden/internal/infra/storage/scanning/memory"
	jobpg "github.com/wardenlabs/scanwarden/internal/infra/storage/scanning/postgres"
	tmplmem "github.com/wardenlabs/scanwarden/internal/infra/storage/templates/memory"
	tmplpg "github.com/wardenlabs/scanwarden/internal/infra/storage/templates/postgres"
	"github.com/wardenlabs/scanwarden/pkg/common/logger"
	"github.com/wardenlabs/scanwarden/pkg/common/otel"
)

var build = "develop"

const serviceType = "scanwarden-api"

func main() {
	// Set the correct number of threads for the service.
	_, _ = maxprocs.Set()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string {
		return otel.GetTraceID(ctx)
	}

	svcName := fmt.Sprintf("SCANWARDEN-%s", hostname)
	log := logger.NewWithEvents(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents)

	ctx := context.Background()
	if err := run(ctx, log, svcName); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, svcName string) error {
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	if err := godotenv.Load(); err != nil {
		log.Info(ctx, "startup", "status", "no .env file found, using environment")
	}

	// -------------------------------------------------------------------------
	// Configuration

	loader := fileloader.NewFileLoader(os.Getenv("SCANWARDEN_CONFIG"))
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	provider := config.NewProvider(cfg, loader)

	for _, dir := range []string{cfg.TemplatesDir, cfg.ResultsDir, cfg.LogsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}

	// -------------------------------------------------------------------------
	// Start Tracing Support

	var tracer trace.Tracer
	if cfg.OTELEndpoint != "" {
		log.Info(ctx, "startup", "status", "initializing tracing support")

		traceProvider, teardown, err := otel.InitTelemetry(log, otel.Config{
			ServiceName:      serviceType,
			ExporterEndpoint: cfg.OTELEndpoint,
			Probability:      cfg.OTELProbability,
			ResourceAttributes: map[string]string{
				"library.language": "go",
				"service.instance": svcName,
			},
		})
		if err != nil {
			return fmt.Errorf("starting tracing: %w", err)
		}
		defer teardown(ctx)
		tracer = traceProvider.Tracer(serviceType)
	} else {
		tracer = noop.NewTracerProvider().Tracer(serviceType)
	}

	// -------------------------------------------------------------------------
	// Storage

	var (
		jobRepo  scanning.JobRepository
		tmplRepo templates.Repository
	)
	if cfg.DatabaseURL == "" {
		log.Info(ctx, "startup", "status", "using in-memory storage")
		jobRepo = jobmem.NewJobStore()
		tmplRepo = tmplmem.NewTemplateStore()
	} else {
		pool, err := connectDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()

		if err := runMigrations(pool); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info(ctx, "startup", "status", "database ready")

		jobRepo = jobpg.NewJobStore(pool, tracer)
		tmplRepo = tmplpg.NewTemplateStore(pool, tracer)
	}

	logs, err := logstore.NewStore(cfg.LogsDir)
	if err != nil {
		return fmt.Errorf("creating log store: %w", err)
	}

	// -------------------------------------------------------------------------
	// Application Services

	bus := eventbus.NewBroker(cfg.EventBufferSize, log)
	defer bus.Close()

	runner := engine.NewRunner(cfg.EnginePath, log)

	orch := appscan.NewOrchestrator(
		jobRepo, tmplRepo, logs, runner, bus,
		appscan.NewGate(cfg.MaxConcurrency),
		provider, log, tracer,
	)
	importer := apptmpl.NewImporter(tmplRepo, runner, bus, provider, log, tracer)
	server := api.NewServer(orch, importer, tmplRepo, bus, provider, log)

	// -------------------------------------------------------------------------
	// Start API Service

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	srv := http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", srv.Addr)
		serverErrors <- srv.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig.String())
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig.String())

		shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
			log.Error(ctx, "shutdown", "status", "could not stop server gracefully", "err", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("stopping orchestrator: %w", err)
		}
	}

	return nil
}

// connectDB establishes the pgx pool with exponential backoff so a database
// still coming up alongside the service does not fail startup.
func connectDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = 2
	poolCfg.MaxConns = 10
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	var pool *pgxpool.Pool
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = 2 * time.Minute
	expBackoff.InitialInterval = 2 * time.Second

	operation := func() error {
		var err error
		pool, err = pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("database unreachable after retries: %w", err)
	}
	return pool, nil
}

// runMigrations applies the schema migrations shipped alongside the binary.
func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	migrationsPath := os.Getenv("SCANWARDEN_MIGRATIONS_DIR")
	if migrationsPath == "" {
		migrationsPath = "db/migrations"
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
