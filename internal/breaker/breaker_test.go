package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/metrics"
)

var errDownstream = errors.New("downstream 503")

func isCircuitOpen(t *testing.T, err error) {
	t.Helper()
	var appErr *domain.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, domain.CodeCircuitOpen, appErr.Code)
}

func TestBreaker_TripsOnFailureRatio(t *testing.T) {
	b := New("payments", Settings{MinSamples: 20, CoolDown: time.Minute}, metrics.New())
	ctx := context.Background()

	// 15 failures in 25 calls crosses the 50% threshold.
	for i := 0; i < 25; i++ {
		fail := i >= 10
		_ = b.Execute(ctx, func(context.Context) error {
			if fail {
				return errDownstream
			}
			return nil
		})
	}
	require.Equal(t, "open", b.State())

	for i := 0; i < 10; i++ {
		called := false
		err := b.Execute(ctx, func(context.Context) error {
			called = true
			return nil
		})
		isCircuitOpen(t, err)
		require.False(t, called)
	}
}

func TestBreaker_HalfOpenProbeCloses(t *testing.T) {
	b := New("payments", Settings{MinSamples: 5, CoolDown: 30 * time.Millisecond, ProbeQuota: 1}, metrics.New())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return errDownstream })
	}
	require.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	require.Equal(t, "closed", b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("payments", Settings{MinSamples: 5, CoolDown: 30 * time.Millisecond, ProbeQuota: 1}, metrics.New())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, func(context.Context) error { return errDownstream })
	}
	time.Sleep(50 * time.Millisecond)

	err := b.Execute(ctx, func(context.Context) error { return errDownstream })
	require.ErrorIs(t, err, errDownstream)
	require.Equal(t, "open", b.State())
}

func TestBreaker_ForceOpenAndClose(t *testing.T) {
	b := New("search", Settings{}, metrics.New())
	ctx := context.Background()

	b.ForceOpen()
	err := b.Execute(ctx, func(context.Context) error { return nil })
	isCircuitOpen(t, err)
	require.Equal(t, "open", b.State())

	b.ForceClose()
	require.NoError(t, b.Execute(ctx, func(context.Context) error { return nil }))
	require.Equal(t, "closed", b.State())
}

func TestRegistry_GetCreatesOnce(t *testing.T) {
	r := NewRegistry(Settings{}, metrics.New())

	a := r.Get("payments")
	require.Same(t, a, r.Get("payments"))

	_, ok := r.Lookup("missing")
	require.False(t, ok)

	r.Get("search").ForceOpen()
	states := r.States()
	require.Equal(t, "closed", states["payments"])
	require.Equal(t, "open", states["search"])
}
