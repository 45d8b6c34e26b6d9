package kiroku

import (
	"log/slog"

	"github.com/kiroku-ml/kiroku/internal/cardinality"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port        int
	sinkName    string
	databaseURL string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	limits      *cardinality.Limits
	apiKeys     []apiKeySpec
}

type apiKeySpec struct {
	name      string
	secret    string
	projectID string
}

// WithPort overrides the TCP port from config (KIROKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithSink overrides the durable sink backend from config (KIROKU_SINK
// env var): "postgres", "sqlite", or "none".
func WithSink(name string) Option {
	return func(o *resolvedOptions) { o.sinkName = name }
}

// WithDatabaseURL overrides the Postgres connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath overrides the SQLite database file from config
// (KIROKU_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithCardinalityLimits replaces the built-in cardinality limits wholesale,
// taking precedence over the per-limit env overrides.
func WithCardinalityLimits(limits cardinality.Limits) Option {
	return func(o *resolvedOptions) { o.limits = &limits }
}

// WithAPIKey registers an additional API key at startup. An empty projectID
// grants access to all projects. Multiple keys may be registered.
// Only effective when auth is enabled.
func WithAPIKey(name, secret, projectID string) Option {
	return func(o *resolvedOptions) {
		o.apiKeys = append(o.apiKeys, apiKeySpec{name: name, secret: secret, projectID: projectID})
	}
}
