package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuardPassesThroughResult(t *testing.T) {
	w := New(nil)
	err := w.Guard(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 0, w.ConsecutiveTimeouts())
}

func TestGuardPassesThroughNonTimeoutError(t *testing.T) {
	w := New(nil)
	want := errors.New("boom")
	err := w.Guard(context.Background(), 50*time.Millisecond, func(ctx context.Context) error {
		return want
	})
	require.ErrorIs(t, err, want)
	require.Equal(t, 0, w.ConsecutiveTimeouts())
}

func TestGuardRecordsTimeout(t *testing.T) {
	w := New(nil)
	err := w.Guard(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, w.ConsecutiveTimeouts())
}

func TestGuardEscalatesAfterThreeConsecutiveTimeouts(t *testing.T) {
	escalated := 0
	w := New(func() { escalated++ })

	timeoutFn := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	for i := 0; i < EscalationThreshold; i++ {
		_ = w.Guard(context.Background(), 5*time.Millisecond, timeoutFn)
	}
	require.Equal(t, 1, escalated)
	require.Equal(t, 0, w.ConsecutiveTimeouts())
}

func TestSuccessResetsStreak(t *testing.T) {
	w := New(nil)
	timeoutFn := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	_ = w.Guard(context.Background(), 5*time.Millisecond, timeoutFn)
	_ = w.Guard(context.Background(), 5*time.Millisecond, timeoutFn)
	require.Equal(t, 2, w.ConsecutiveTimeouts())

	_ = w.Guard(context.Background(), 50*time.Millisecond, func(ctx context.Context) error { return nil })
	require.Equal(t, 0, w.ConsecutiveTimeouts())
}
