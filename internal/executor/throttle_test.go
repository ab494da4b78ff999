package executor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/ipamctl/internal/ctxlog"
)

func throttleContext(t *testing.T) context.Context {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ctxlog.WithLogger(context.Background(), logger)
}

func frozenThrottle(cfg ThrottleConfig) (*AdaptiveThrottle, *time.Time) {
	th := NewAdaptiveThrottle(cfg, nil)
	current := time.Unix(1000, 0)
	th.now = func() time.Time { return current }
	th.lastAdjustment = current
	return th, &current
}

func TestAdaptiveThrottle(t *testing.T) {
	t.Run("acquire blocks at the limit and release frees a slot", func(t *testing.T) {
		ctx := throttleContext(t)
		th := NewAdaptiveThrottle(ThrottleConfig{InitialConcurrency: 1, MaxConcurrency: 1}, nil)
		require.NoError(t, th.Acquire(ctx))

		acquired := make(chan struct{})
		go func() {
			_ = th.Acquire(ctx)
			close(acquired)
		}()

		select {
		case <-acquired:
			t.Fatal("second acquire should block at the limit")
		case <-time.After(50 * time.Millisecond):
		}

		th.Release()
		select {
		case <-acquired:
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not woken after release")
		}
	})

	t.Run("acquire honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(throttleContext(t))
		th := NewAdaptiveThrottle(ThrottleConfig{InitialConcurrency: 1, MaxConcurrency: 1}, nil)
		require.NoError(t, th.Acquire(ctx))

		errCh := make(chan error, 1)
		go func() { errCh <- th.Acquire(ctx) }()
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("canceled acquire did not return")
		}
	})

	t.Run("healthy window raises the limit", func(t *testing.T) {
		ctx := throttleContext(t)
		th, now := frozenThrottle(ThrottleConfig{
			InitialConcurrency: 10,
			AdjustmentInterval: 10 * time.Second,
		})

		for i := 0; i < 20; i++ {
			th.RecordSuccess(ctx, 50*time.Millisecond)
		}
		assert.Equal(t, 10, th.Concurrency())

		*now = now.Add(11 * time.Second)
		th.RecordSuccess(ctx, 50*time.Millisecond)
		assert.Equal(t, 12, th.Concurrency())
	})

	t.Run("high error rate lowers the limit", func(t *testing.T) {
		ctx := throttleContext(t)
		th, now := frozenThrottle(ThrottleConfig{
			InitialConcurrency: 10,
			AdjustmentInterval: 10 * time.Second,
		})

		for i := 0; i < 10; i++ {
			th.RecordFailure(ctx, false)
		}
		*now = now.Add(11 * time.Second)
		th.RecordFailure(ctx, false)
		assert.Equal(t, 8, th.Concurrency())
	})

	t.Run("high latency lowers the limit", func(t *testing.T) {
		ctx := throttleContext(t)
		th, now := frozenThrottle(ThrottleConfig{
			InitialConcurrency: 10,
			AdjustmentInterval: 10 * time.Second,
			HighLatency:        time.Second,
		})

		for i := 0; i < 10; i++ {
			th.RecordSuccess(ctx, 3*time.Second)
		}
		*now = now.Add(11 * time.Second)
		th.RecordSuccess(ctx, 3*time.Second)
		assert.Equal(t, 8, th.Concurrency())
	})

	t.Run("rate limit halves the limit immediately", func(t *testing.T) {
		ctx := throttleContext(t)
		th, _ := frozenThrottle(ThrottleConfig{InitialConcurrency: 10})

		th.RecordFailure(ctx, true)
		assert.Equal(t, 5, th.Concurrency())
	})

	t.Run("limit never leaves the configured bounds", func(t *testing.T) {
		ctx := throttleContext(t)
		th, _ := frozenThrottle(ThrottleConfig{
			InitialConcurrency: 2,
			MinConcurrency:     1,
			MaxConcurrency:     3,
		})

		for i := 0; i < 10; i++ {
			th.RecordFailure(ctx, true)
		}
		assert.Equal(t, 1, th.Concurrency())
	})
}
