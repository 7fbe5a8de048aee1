// Package hostfn implements the host module offered to capability modules.
// Guests may import it; they never need to.
package hostfn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	pluginhost "github.com/cognexus/plugin-host"
	"github.com/cognexus/plugin-host/abi"
)

// LogFunc is the name of the logging import.
const LogFunc = "log"

// LogMessage is the JSON document a guest passes to log.
type LogMessage struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Attrs   []LogAttr `json:"attrs,omitempty"`
}

// LogAttr is one structured attribute of a LogMessage.
type LogAttr struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
}

type modulePathKey struct{}

// WithModulePath attaches the path of the module being invoked so host
// functions can attribute their output.
func WithModulePath(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, modulePathKey{}, path)
}

// ModulePath returns the path stored by WithModulePath.
func ModulePath(ctx context.Context) string {
	p, _ := ctx.Value(modulePathKey{}).(string)
	return p
}

type config struct {
	logger     *slog.Logger
	middleware []pluginhost.Middleware
}

// Option configures Register.
type Option func(*config)

// WithLogger sets the logger guest messages are forwarded to.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMiddleware appends middleware applied to every host function.
func WithMiddleware(mws ...pluginhost.Middleware) Option {
	return func(c *config) {
		c.middleware = append(c.middleware, mws...)
	}
}

// Register instantiates the host module in rt.
func Register(ctx context.Context, rt wazero.Runtime, opts ...Option) error {
	cfg := config{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	mws := append([]pluginhost.Middleware{pluginhost.PanicRecoveryMiddleware()}, cfg.middleware...)

	logHandler := pluginhost.Chain(LogFunc, LogHandler(cfg.logger), mws...)

	_, err := rt.NewHostModuleBuilder(abi.HostModule).
		NewFunctionBuilder().
		WithGoModuleFunction(packedArg(logHandler, cfg.logger), []api.ValueType{api.ValueTypeI64}, []api.ValueType{}).
		WithParameterNames("message").
		Export(LogFunc).
		Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("failed to instantiate host module %s: %w", abi.HostModule, err)
	}
	return nil
}

// packedArg adapts a HostFunc to a wasm function taking one packed
// pointer/length argument.
func packedArg(h pluginhost.HostFunc, logger *slog.Logger) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		ptr, length := abi.UnpackPtrLen(stack[0])
		payload, ok := mod.Memory().Read(ptr, length)
		if !ok {
			logger.WarnContext(ctx, "hostfn: argument outside guest memory",
				"module", ModulePath(ctx), "ptr", ptr, "len", length)
			return
		}
		// Guest memory may be reused after the call returns.
		buf := make([]byte, len(payload))
		copy(buf, payload)
		_ = h(ctx, buf)
	}
}

// LogHandler returns the HostFunc behind the log import.
func LogHandler(logger *slog.Logger) pluginhost.HostFunc {
	return func(ctx context.Context, payload []byte) error {
		var msg LogMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("failed to unmarshal log message: %w", err)
		}

		attrs := convertLogAttrs(msg.Attrs)
		if path := ModulePath(ctx); path != "" {
			attrs = append(attrs, slog.String("module", path))
		}
		logger.LogAttrs(ctx, parseLogLevel(msg.Level), msg.Message, attrs...)
		return nil
	}
}

// parseLogLevel converts a string level to slog.Level, defaulting to info.
func parseLogLevel(levelStr string) slog.Level {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func convertLogAttrs(wireAttrs []LogAttr) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(wireAttrs)+1)
	for _, attr := range wireAttrs {
		attrs = append(attrs, convertSingleAttr(attr))
	}
	return attrs
}

func convertSingleAttr(attr LogAttr) slog.Attr {
	switch attr.Type {
	case "int64":
		if v, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
			return slog.Int64(attr.Key, v)
		}
	case "bool":
		if v, err := strconv.ParseBool(attr.Value); err == nil {
			return slog.Bool(attr.Key, v)
		}
	case "float64":
		if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
			return slog.Float64(attr.Key, v)
		}
	case "time":
		if v, err := time.Parse(time.RFC3339Nano, attr.Value); err == nil {
			return slog.Time(attr.Key, v)
		}
	}
	return slog.String(attr.Key, attr.Value)
}
