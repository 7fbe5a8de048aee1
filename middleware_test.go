package pluginhost

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var calls []string
	record := func(label string) Middleware {
		return func(name string, next HostFunc) HostFunc {
			return func(ctx context.Context, payload []byte) error {
				calls = append(calls, label+">"+name)
				return next(ctx, payload)
			}
		}
	}

	h := Chain("log", func(context.Context, []byte) error {
		calls = append(calls, "handler")
		return nil
	}, record("outer"), record("inner"))

	require.NoError(t, h(context.Background(), nil))
	assert.Equal(t, []string{"outer>log", "inner>log", "handler"}, calls)
}

func TestChain_Empty(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("handler")
	h := Chain("log", func(context.Context, []byte) error { return sentinel })
	assert.ErrorIs(t, h(context.Background(), nil), sentinel)
}

func TestPanicRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	h := Chain("log", func(context.Context, []byte) error {
		panic("guest sent nonsense")
	}, PanicRecoveryMiddleware())

	err := h(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host function log panicked")
	assert.Contains(t, err.Error(), "guest sent nonsense")
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ok := Chain("log", func(context.Context, []byte) error { return nil }, LoggingMiddleware(logger))
	require.NoError(t, ok(context.Background(), []byte("abc")))
	assert.Contains(t, buf.String(), "host function invoked")
	assert.Contains(t, buf.String(), "bytes=3")
	assert.NotContains(t, buf.String(), "host function failed")

	buf.Reset()
	failing := Chain("log", func(context.Context, []byte) error { return errors.New("bad json") },
		LoggingMiddleware(logger))
	require.Error(t, failing(context.Background(), nil))
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "bad json")
}
