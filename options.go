package tsugi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	logger          *slog.Logger
	version         string
	chatModel       ChatModel
	artifactBackend ArtifactBackend
	workers         map[string]Worker
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (TSUGI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler; LISTEN needs a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
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

// WithChatModel replaces the OpenAI-compatible model client. Only the last call wins.
func WithChatModel(m ChatModel) Option {
	return func(o *resolvedOptions) { o.chatModel = m }
}

// WithArtifactBackend replaces the file or S3 artifact backend selected by
// TSUGI_ARTIFACT_BACKEND. Only the last call wins.
func WithArtifactBackend(b ArtifactBackend) Option {
	return func(o *resolvedOptions) { o.artifactBackend = b }
}

// WithWorker registers w for jobs of the given mode. It may replace the
// built-in "agent" and "command" workers. Registering the same mode twice
// keeps the last worker.
func WithWorker(mode string, w Worker) Option {
	return func(o *resolvedOptions) {
		if o.workers == nil {
			o.workers = make(map[string]Worker)
		}
		o.workers[mode] = w
	}
}

// WithMiddleware registers an outermost HTTP middleware.
// Applied in registration order: the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// embedded migrations. Filesystems are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
