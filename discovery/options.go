package discovery

import (
	"log/slog"
	"time"
)

// PluginLoading selects when plugin-root modules are instantiated.
type PluginLoading int

const (
	// Eager loads plugin modules during Discover.
	Eager PluginLoading = iota
	// Lazy classifies plugin modules during Discover and loads them on
	// first Lookup or LoadDeferred.
	Lazy
)

const (
	// DefaultBreakerFailures is the threshold suggested for WithBreaker. The
	// breaker is off unless WithBreaker enables it.
	DefaultBreakerFailures uint32 = 5
	// DefaultBreakerTimeout is how long an enabled breaker stays open.
	DefaultBreakerTimeout = 30 * time.Second
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWorkers bounds the number of modules processed concurrently.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithPluginLoading selects eager or lazy loading for the plugins root.
// Builtin modules are always loaded eagerly.
func WithPluginLoading(mode PluginLoading) Option {
	return func(o *Orchestrator) {
		o.loading = mode
	}
}

// WithTrustGate authorizes each untrusted module before it is loaded.
func WithTrustGate(gate TrustGate) Option {
	return func(o *Orchestrator) {
		o.gate = gate
	}
}

// WithBreaker enables the plugin circuit breaker: after failures
// consecutive plugin failures, the remaining plugin modules fail fast until
// timeout elapses, so plugins are no longer isolated from each other.
// failures of zero disables it, which is the default.
func WithBreaker(failures uint32, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.breakerFailures = failures
		if timeout > 0 {
			o.breakerTimeout = timeout
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}
