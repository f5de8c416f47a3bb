package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/models"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	repo, err := NewBadgerRepository(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func TestBotRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	bot := &models.BotConfig{
		ID:       "bot-1",
		Name:     "eth grid",
		Symbol:   "ETHUSDT",
		Strategy: models.StrategyGrid,
		Grid:     &models.GridParams{LowerPrice: 2000, UpperPrice: 3000, GridCount: 10, NotionalPerLevel: 100},
		Status:   models.StatusRunning,
	}
	require.NoError(t, repo.SaveBot(bot))

	loaded, err := repo.GetBot("bot-1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, bot.Symbol, loaded.Symbol)
	assert.Equal(t, models.StatusRunning, loaded.Status)
	require.NotNil(t, loaded.Grid)
	assert.Equal(t, 10, loaded.Grid.GridCount)

	missing, err := repo.GetBot("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLevelsOrderedByID(t *testing.T) {
	repo := newTestRepo(t)

	levels := []*models.GridLevel{
		{BotID: "bot-1", ID: 12, Price: 2600, Side: models.Sell, State: models.LevelEmpty},
		{BotID: "bot-1", ID: 3, Price: 2150, Side: models.Buy, State: models.LevelPlaced},
		{BotID: "bot-1", ID: 0, Price: 2000, Side: models.Buy, State: models.LevelEmpty},
	}
	require.NoError(t, repo.SaveLevels("bot-1", levels))

	loaded, err := repo.ListLevels("bot-1")
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, 0, loaded[0].ID)
	assert.Equal(t, 3, loaded[1].ID)
	assert.Equal(t, 12, loaded[2].ID)
}

func TestAppendTradeIsImmutable(t *testing.T) {
	repo := newTestRepo(t)

	rec := &models.TradeRecord{
		ID: "t-1", BotID: "bot-1", Symbol: "ETHUSDT",
		Side: models.Sell, Price: 2100, Quantity: 0.05,
		Fee: 0.1, RealizedProfit: 4.9, Timestamp: time.Now(),
	}
	require.NoError(t, repo.AppendTrade(rec))

	// A second append with the same ID must not overwrite the original.
	dup := *rec
	dup.RealizedProfit = 999
	require.NoError(t, repo.AppendTrade(&dup))

	trades, err := repo.ListTrades("bot-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 4.9, trades[0].RealizedProfit, 1e-9)
}

func TestKillSwitchDefaultsDisengaged(t *testing.T) {
	repo := newTestRepo(t)

	engaged, err := repo.KillSwitch()
	require.NoError(t, err)
	assert.False(t, engaged)

	require.NoError(t, repo.SetKillSwitch(true))
	engaged, err = repo.KillSwitch()
	require.NoError(t, err)
	assert.True(t, engaged)
}

func TestSaveBotSnapshotPrunesStaleOrders(t *testing.T) {
	repo := newTestRepo(t)

	bot := &models.BotConfig{ID: "bot-1", Strategy: models.StrategyGrid, Status: models.StatusRunning}
	require.NoError(t, repo.SaveBot(bot))
	require.NoError(t, repo.SaveOrder(&models.OrderRef{BotID: "bot-1", ClientOrderID: "stale", LevelID: 1, Status: models.OrderNew}))

	live := &models.OrderRef{BotID: "bot-1", ClientOrderID: "live", LevelID: 2, Status: models.OrderNew}
	levels := []*models.GridLevel{{BotID: "bot-1", ID: 2, State: models.LevelPlaced, OrderID: "live"}}
	require.NoError(t, repo.SaveBotSnapshot(bot, levels, []*models.OrderRef{live}))

	orders, err := repo.ListOrders("bot-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "live", orders[0].ClientOrderID)
}
