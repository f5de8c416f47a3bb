package reporter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/events"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/persistence"
)

func TestTradeStatsCountsClosedRoundTrips(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	r := New(repo, events.NewBus(), time.Minute)

	require.NoError(t, repo.AppendTrade(&models.TradeRecord{
		ID: "a", BotID: "b1", RealizedProfit: 0,
	}))
	require.NoError(t, repo.AppendTrade(&models.TradeRecord{
		ID: "b", BotID: "b1", RealizedProfit: 2.5,
	}))
	require.NoError(t, repo.AppendTrade(&models.TradeRecord{
		ID: "c", BotID: "b1", RealizedProfit: -0.8,
	}))

	closed, winRate := r.tradeStats("b1")
	assert.Equal(t, 2, closed)
	assert.Equal(t, "50.00%", winRate)
}

func TestTradeStatsEmptyLedger(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	r := New(repo, events.NewBus(), time.Minute)

	closed, winRate := r.tradeStats("nope")
	assert.Equal(t, 0, closed)
	assert.Equal(t, "-", winRate)
}

func TestPrintStatusRendersWithoutTrades(t *testing.T) {
	repo := persistence.NewMemoryRepository()
	require.NoError(t, repo.SaveBot(&models.BotConfig{
		ID: "b1", Name: "eth-grid", Symbol: "ETHUSDT",
		Strategy: models.StrategyGrid, Status: models.StatusRunning,
		RealizedProfit: 12.5,
	}))
	r := New(repo, events.NewBus(), time.Minute)

	// Must not panic with or without trades on record.
	r.printStatus()
}
