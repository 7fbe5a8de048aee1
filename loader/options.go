package loader

import (
	"log/slog"
	"time"

	"github.com/tetratelabs/wazero"

	pluginhost "github.com/cognexus/plugin-host"
)

const (
	// DefaultTimeout bounds one load+invoke attempt.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxModuleSize is the largest module file the loader reads.
	DefaultMaxModuleSize int64 = 64 << 20
	// DefaultMaxPayloadSize is the largest discovery payload accepted.
	DefaultMaxPayloadSize uint32 = 4 << 20
	// DefaultMemoryLimitPages caps guest memory at 16 MiB.
	DefaultMemoryLimitPages uint32 = 256
)

// Option defines a functional option for configuring the Loader.
type Option func(*Loader)

// WithCompilationCache shares a compilation cache, e.g. one backed by a
// directory so compiled modules survive restarts. The caller owns it.
func WithCompilationCache(cache wazero.CompilationCache) Option {
	return func(l *Loader) {
		l.cache = cache
	}
}

// WithTimeout bounds each load+invoke attempt.
func WithTimeout(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithMaxModuleSize limits the size of module files.
func WithMaxModuleSize(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxModuleSize = n
		}
	}
}

// WithMaxPayloadSize limits the size of discovery payloads.
func WithMaxPayloadSize(n uint32) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxPayloadSize = n
		}
	}
}

// WithMemoryLimitPages caps guest linear memory in 64 KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(l *Loader) {
		if pages > 0 {
			l.memoryLimitPages = pages
		}
	}
}

// WithLogger sets the logger for loader events and guest log output.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithHostMiddleware wraps every host function offered to guests.
func WithHostMiddleware(mws ...pluginhost.Middleware) Option {
	return func(l *Loader) {
		l.middleware = append(l.middleware, mws...)
	}
}
