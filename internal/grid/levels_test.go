package grid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/models"
)

func testRules(t *testing.T) *tradeRules {
	t.Helper()
	rules, err := newTradeRules(&models.SymbolInfo{
		Symbol:    "ETHUSDT",
		BaseAsset: "ETH",
		Filters: []models.Filter{
			{FilterType: "PRICE_FILTER", TickSize: "0.01"},
			{FilterType: "LOT_SIZE", StepSize: "0.001"},
			{FilterType: "MIN_NOTIONAL", MinNotional: "10"},
		},
	})
	require.NoError(t, err)
	return rules
}

func TestOrderIDRoundTrip(t *testing.T) {
	botID := "0b05b2c8-8d71-49a0-ae0b-2ad5a0a1ffbc"

	id := orderIDFor(botID, 7)
	assert.LessOrEqual(t, len(id), 36)

	level, ok := ParseOrderID(botID, id)
	require.True(t, ok)
	assert.Equal(t, 7, level)

	_, ok = ParseOrderID("another-bot-entirely", id)
	assert.False(t, ok)

	_, ok = ParseOrderID(botID, "manual-order-123")
	assert.False(t, ok)
}

func TestSeedNonceAdvancesCounter(t *testing.T) {
	botID := "0b05b2c8-8d71-49a0-ae0b-2ad5a0a1ffbc"

	recovered := orderIDFor(botID, 3)
	seedNonce(recovered)

	fresh := orderIDFor(botID, 3)
	assert.NotEqual(t, recovered, fresh)
}

func TestTruncateTo(t *testing.T) {
	assert.InDelta(t, 2500.37, truncateTo(2500.379, 0.01), 1e-12)
	assert.InDelta(t, 0.042, truncateTo(0.0429, 0.001), 1e-12)
	// Values already on the grid survive float noise.
	assert.InDelta(t, 0.3, truncateTo(0.1+0.2, 0.1), 1e-12)
}

func TestSizeForBumpsBelowNotionalFloor(t *testing.T) {
	rules := testRules(t)

	// 5 USDT at 2500 is under the 10 USDT floor; the bump clears it with margin.
	qty := rules.sizeFor(2500, 5)
	assert.GreaterOrEqual(t, qty*2500, 10.0*1.01)

	// A comfortable notional is just truncated.
	assert.InDelta(t, 0.04, rules.sizeFor(2500, 100), 1e-12)
}

func TestBuildLevelsSplitsAtPrice(t *testing.T) {
	bot := &models.BotConfig{
		ID:       "bot-1",
		Symbol:   "ETHUSDT",
		Strategy: models.StrategyGrid,
		Grid: &models.GridParams{
			LowerPrice: 2000, UpperPrice: 3000, GridCount: 10, NotionalPerLevel: 100,
		},
	}

	levels := buildLevels(bot, 2505, testRules(t))
	require.Len(t, levels, 10)

	for _, lvl := range levels {
		assert.Equal(t, models.LevelEmpty, lvl.State)
		if lvl.Price <= 2505 {
			assert.Equal(t, models.Buy, lvl.Side, "level %d at %f", lvl.ID, lvl.Price)
		} else {
			assert.Equal(t, models.Sell, lvl.Side, "level %d at %f", lvl.ID, lvl.Price)
		}
	}
	assert.InDelta(t, 2000, levels[0].Price, 1e-9)
	assert.InDelta(t, 2900, levels[9].Price, 1e-9)
}

func TestBuildLevelsShortBias(t *testing.T) {
	bot := &models.BotConfig{
		ID:       "bot-1",
		Symbol:   "ETHUSDT",
		Strategy: models.StrategyGrid,
		Grid: &models.GridParams{
			LowerPrice: 2000, UpperPrice: 3000, GridCount: 10,
			NotionalPerLevel: 100, ShortBias: true,
		},
	}

	levels := buildLevels(bot, 2505, testRules(t))
	assert.Equal(t, models.Sell, levels[0].Side)
	assert.Equal(t, models.Buy, levels[9].Side)
}
