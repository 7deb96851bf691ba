package shirabe

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port    int
	dataDir string
	logger  *slog.Logger
	version string
	driver  Driver
}

// WithPort overrides the TCP port from config (SHIRABE_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDataDir overrides the run state root from config (SHIRABE_DATA_DIR env var).
func WithDataDir(dir string) Option {
	return func(o *resolvedOptions) { o.dataDir = dir }
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

// WithDriver replaces the configured research driver (fixture or live
// HTTP backend) with a custom implementation.
func WithDriver(d Driver) Option {
	return func(o *resolvedOptions) { o.driver = d }
}
