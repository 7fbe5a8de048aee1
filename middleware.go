package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
)

// HostFunc handles one guest call into the host. payload is the byte range
// the guest passed in; a returned error is logged by the caller and never
// propagated into guest code as a trap.
type HostFunc func(ctx context.Context, payload []byte) error

// Middleware wraps a HostFunc to add cross-cutting behavior.
// Middleware executes in FIFO order (first registered wraps first, onion model).
type Middleware func(name string, next HostFunc) HostFunc

// Chain applies middleware to h so that mws[0] is the outermost layer.
func Chain(name string, h HostFunc, mws ...Middleware) HostFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](name, h)
	}
	return h
}

// PanicRecoveryMiddleware converts panics inside host functions into errors
// instead of crashing the host.
func PanicRecoveryMiddleware() Middleware {
	return func(name string, next HostFunc) HostFunc {
		return func(ctx context.Context, payload []byte) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("host function %s panicked: %v", name, r)
				}
			}()
			return next(ctx, payload)
		}
	}
}

// LoggingMiddleware logs host function failures at warn level and every
// invocation at debug level.
func LoggingMiddleware(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, next HostFunc) HostFunc {
		return func(ctx context.Context, payload []byte) error {
			logger.DebugContext(ctx, "host function invoked", "function", name, "bytes", len(payload))
			err := next(ctx, payload)
			if err != nil {
				logger.WarnContext(ctx, "host function failed", "function", name, "error", err)
			}
			return err
		}
	}
}
