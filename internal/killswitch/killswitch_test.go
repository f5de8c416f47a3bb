package killswitch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/persistence"
)

func TestGuardFollowsPersistedFlag(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	require.NoError(t, repo.SetKillSwitch(true))

	s, err := New(repo, 10*time.Millisecond)
	require.NoError(t, err)

	// The persisted value is loaded synchronously at construction.
	assert.True(t, s.Engaged())
	assert.True(t, errors.Is(s.Guard(), enginerr.ErrHalted))
}

func TestPollPicksUpExternalFlip(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	s, err := New(repo, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, s.Guard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Flip the flag behind the switch's back, as an operator tool would.
	require.NoError(t, repo.SetKillSwitch(true))

	assert.Eventually(t, s.Engaged, time.Second, 5*time.Millisecond)
}

func TestEngageReleaseWriteThrough(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	s, err := New(repo, time.Minute)
	require.NoError(t, err)

	require.NoError(t, s.Engage())
	persisted, err := repo.KillSwitch()
	require.NoError(t, err)
	assert.True(t, persisted)
	assert.Error(t, s.Guard())

	require.NoError(t, s.Release())
	persisted, err = repo.KillSwitch()
	require.NoError(t, err)
	assert.False(t, persisted)
	assert.NoError(t, s.Guard())
}
