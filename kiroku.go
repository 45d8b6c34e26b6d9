// Package kiroku is the public API for embedding the Kiroku experiment
// tracking server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kiroku.New(
//	    kiroku.WithVersion(version),
//	    kiroku.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kiroku (root) imports
// internal/*, but internal/* never imports kiroku (root).
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kiroku-ml/kiroku/internal/auth"
	"github.com/kiroku-ml/kiroku/internal/cardinality"
	"github.com/kiroku-ml/kiroku/internal/config"
	"github.com/kiroku-ml/kiroku/internal/idempotency"
	"github.com/kiroku-ml/kiroku/internal/ingest"
	"github.com/kiroku-ml/kiroku/internal/metricstore"
	"github.com/kiroku-ml/kiroku/internal/ratelimit"
	"github.com/kiroku-ml/kiroku/internal/registry"
	"github.com/kiroku-ml/kiroku/internal/server"
	"github.com/kiroku-ml/kiroku/internal/sink"
	"github.com/kiroku-ml/kiroku/internal/telemetry"
	"github.com/kiroku-ml/kiroku/migrations"
)

// App is the Kiroku server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	srv          *server.Server
	snk          sink.Sink
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Kiroku server. It connects the configured sink, runs
// migrations when needed, wires all subsystems, and returns a ready-to-run
// App. It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.sinkName != "" {
		cfg.Sink = o.sinkName
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kiroku starting", "version", version, "port", cfg.Port, "sink", cfg.Sink)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Durable sink.
	var snk sink.Sink
	switch cfg.Sink {
	case "postgres":
		pg, pgErr := sink.NewPostgres(context.Background(), cfg.DatabaseURL, logger)
		if pgErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("sink: %w", pgErr)
		}
		if mErr := pg.RunMigrations(context.Background(), migrations.FS); mErr != nil {
			_ = pg.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", mErr)
		}
		snk = pg
	case "sqlite":
		sq, sqErr := sink.NewSQLite(context.Background(), cfg.SQLitePath, logger)
		if sqErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("sink: %w", sqErr)
		}
		snk = sq
	default:
		logger.Info("durable sink: disabled (in-memory only)")
	}

	// Cardinality limits: option override wins, then env overrides, then defaults.
	limits := cardinality.DefaultLimits()
	if o.limits != nil {
		limits = *o.limits
	} else {
		if cfg.MaxTagKeysPerRun > 0 {
			limits.MaxTagKeysPerRun = cfg.MaxTagKeysPerRun
		}
		if cfg.MaxMetricNamesPerRun > 0 {
			limits.MaxMetricNamesPerRun = cfg.MaxMetricNamesPerRun
		}
		if cfg.MaxTagsPerProject > 0 {
			limits.MaxTagsPerProject = cfg.MaxTagsPerProject
		}
	}

	guard := cardinality.New(limits)

	svc := ingest.New(ingest.Deps{
		Registry: registry.New(),
		Ledger:   idempotency.NewLedger(),
		Guard:    guard,
		Metrics:  metricstore.New(),
		Sink:     snk,
		Logger:   logger,
	})

	// Auth.
	var jwtMgr *auth.JWTManager
	var keystore *auth.Keystore
	if cfg.AuthEnabled {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			closeSink(snk)
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: %w", err)
		}
		keystore = auth.NewKeystore()
		if _, err := keystore.Register("operator", cfg.BootstrapAPIKey, ""); err != nil {
			closeSink(snk)
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("auth: register bootstrap key: %w", err)
		}
		for _, spec := range o.apiKeys {
			if _, err := keystore.Register(spec.name, spec.secret, spec.projectID); err != nil {
				closeSink(snk)
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("auth: register key %q: %w", spec.name, err)
			}
		}
		logger.Info("auth: enabled", "keys", keystore.Len())
	} else {
		logger.Warn("auth: disabled (not for production)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitPerMinute, cfg.RateLimitPerMinute)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"per_minute", cfg.RateLimitPerMinute)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	ingestMetrics, err := telemetry.NewIngestMetrics()
	if err != nil {
		closeSink(snk)
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	// Unregistered implicitly when the meter provider shuts down.
	if _, err := telemetry.RegisterCardinalityGauges(guard); err != nil {
		closeSink(snk)
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	srv := server.New(server.Config{
		Service:             svc,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Keystore:            keystore,
		Sink:                snk,
		Limiter:             limiter,
		Metrics:             ingestMetrics,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		SinkName:            cfg.Sink,
		MaxQueryPoints:      cfg.MaxQueryPoints,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		srv:          srv,
		snk:          snk,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or a fatal
// server error occurs. On return, Shutdown has been called — callers should
// not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown drains in-flight HTTP requests, then closes the rate limiter,
// the sink, and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	closeSink(a.snk)
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kiroku stopped")
	return nil
}

func closeSink(s sink.Sink) {
	if s != nil {
		_ = s.Close(context.Background())
	}
}
