package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/enginerr"
)

func TestWaitWeightWithinBurst(t *testing.T) {
	g := NewGovernor(2400, 80)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// A handful of cheap calls fit inside the initial burst allowance.
	for i := 0; i < 10; i++ {
		require.NoError(t, g.WaitWeight(ctx, 1))
	}
}

func TestWaitWeightDeadlineExceeded(t *testing.T) {
	g := NewGovernor(60, 80) // 1 weight/sec, burst 7

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// Demand far beyond what the window can admit before the deadline.
	err := g.WaitWeight(ctx, 7)
	if err == nil {
		err = g.WaitWeight(ctx, 7)
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, enginerr.ErrRateLimited))
}

func TestWaitOrderConsumesBothBudgets(t *testing.T) {
	g := NewGovernor(2400, 80)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, g.WaitOrder(ctx, 1))
	require.NoError(t, g.WaitOrder(ctx, 1))
}

func TestRegistrySharesGovernorPerAccount(t *testing.T) {
	r := NewRegistry(2400, 80)

	a1 := r.For("acct-1")
	a2 := r.For("acct-1")
	b := r.For("acct-2")

	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, b)
}

func TestCalibrateMonotonic(t *testing.T) {
	g := NewGovernor(2400, 80)

	g.Calibrate(100)
	g.Calibrate(90) // new minute window, lower reading resets the baseline
	g.Calibrate(150)

	assert.Equal(t, 150, g.lastUsed)
}
