package hedge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/events"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/killswitch"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/persistence"
)

type balancerFixture struct {
	bot      *models.BotConfig
	paper    *exchange.PaperExchange
	repo     *persistence.MemoryRepository
	guard    *killswitch.Switch
	stream   chan models.StreamEvent
	balancer *Balancer
	done     chan error
}

func newBalancerFixture(t *testing.T) *balancerFixture {
	t.Helper()

	bot := &models.BotConfig{
		ID:       "hedge-1",
		Symbol:   "ETHUSDT",
		Strategy: models.StrategyHedge,
		Status:   models.StatusRunning,
		Hedge:    &models.HedgeParams{TargetNotional: 2500, RebalanceThreshold: 0.005},
	}

	paper := exchange.NewPaperExchange(2500)
	paper.Symbol = models.SymbolInfo{
		BaseAsset: "ETH",
		Filters: []models.Filter{
			{FilterType: "PRICE_FILTER", TickSize: "0.01"},
			{FilterType: "LOT_SIZE", StepSize: "0.001"},
		},
	}
	repo := persistence.NewMemoryRepository()
	require.NoError(t, repo.SaveBot(bot))
	guard, err := killswitch.New(repo, time.Minute)
	require.NoError(t, err)

	f := &balancerFixture{
		bot:    bot,
		paper:  paper,
		repo:   repo,
		guard:  guard,
		stream: make(chan models.StreamEvent, 16),
		done:   make(chan error, 1),
	}
	f.balancer = NewBalancer(bot, paper, repo, guard, events.NewBus(), f.stream,
		50*time.Millisecond, time.Second)
	return f
}

func TestFreshAccountOpensInitialHedge(t *testing.T) {
	// No spot, no short: both legs open at once, sized target/price.
	f := newBalancerFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { f.done <- f.balancer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.paper.CallCount("PlaceMarketOrder") == 1 &&
			f.paper.CallCount("FuturesPlaceMarketOrder") == 1
	}, 2*time.Second, 10*time.Millisecond)

	pos, err := f.repo.GetHedge("hedge-1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 1.0, pos.SpotQty, 1e-9)
	assert.InDelta(t, -1.0, pos.FuturesQty, 1e-9)

	// The open happens once; later ticks must not re-buy.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, f.paper.CallCount("PlaceMarketOrder"))
}

func TestExistingLegSkipsBootstrap(t *testing.T) {
	f := newBalancerFixture(t)
	f.paper.BalanceList = []models.Balance{{Asset: "ETH", Free: "1.0"}}
	f.paper.Positions = []models.Position{{Symbol: "ETHUSDT", PositionAmt: "-1.0"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { f.done <- f.balancer.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, f.paper.CallCount("PlaceMarketOrder"))
}

func TestBalancedPositionPlacesNoOrder(t *testing.T) {
	f := newBalancerFixture(t)
	f.paper.BalanceList = []models.Balance{{Asset: "ETH", Free: "1.0"}}
	f.paper.Positions = []models.Position{{Symbol: "ETHUSDT", PositionAmt: "-1.0"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { f.done <- f.balancer.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, f.paper.CallCount("FuturesPlaceMarketOrder"))
}

func TestExcessSpotSoldOnFuturesInOneOrder(t *testing.T) {
	// Spot 1.006, short 1.000: delta 0.006 against a target of 1.0 at
	// threshold 0.005, so exactly one sell flattens it.
	f := newBalancerFixture(t)
	f.paper.BalanceList = []models.Balance{{Asset: "ETH", Free: "1.006"}}
	f.paper.Positions = []models.Position{{Symbol: "ETHUSDT", PositionAmt: "-1.000"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { f.done <- f.balancer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.paper.CallCount("FuturesPlaceMarketOrder") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	pos, err := f.repo.GetHedge("hedge-1")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, -1.006, pos.FuturesQty, 1e-9)
	assert.InDelta(t, 0, pos.SpotQty-(-pos.FuturesQty), 1e-9)
}

func TestOversizedShortBoughtBack(t *testing.T) {
	f := newBalancerFixture(t)
	f.paper.BalanceList = []models.Balance{{Asset: "ETH", Free: "1.000"}}
	f.paper.Positions = []models.Position{{Symbol: "ETHUSDT", PositionAmt: "-1.010"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { f.done <- f.balancer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.paper.CallCount("FuturesPlaceMarketOrder") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	pos, err := f.repo.GetHedge("hedge-1")
	require.NoError(t, err)
	assert.InDelta(t, -1.0, pos.FuturesQty, 1e-9)
}

func TestKillSwitchBlocksRebalance(t *testing.T) {
	f := newBalancerFixture(t)
	f.paper.BalanceList = []models.Balance{{Asset: "ETH", Free: "1.006"}}
	f.paper.Positions = []models.Position{{Symbol: "ETHUSDT", PositionAmt: "-1.000"}}
	require.NoError(t, f.guard.Engage())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { f.done <- f.balancer.Run(ctx) }()

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, f.paper.CallCount("FuturesPlaceMarketOrder"))
}

func TestAccountUpdateTriggersImmediateCheck(t *testing.T) {
	f := newBalancerFixture(t)
	f.paper.BalanceList = []models.Balance{{Asset: "ETH", Free: "1.0"}}
	f.paper.Positions = []models.Position{{Symbol: "ETHUSDT", PositionAmt: "-1.0"}}
	// A long ticker keeps the periodic path out of this test.
	f.balancer.checkEvery = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { f.done <- f.balancer.Run(ctx) }()

	require.Eventually(t, func() bool {
		return f.paper.CallCount("Balances") >= 1
	}, 2*time.Second, 10*time.Millisecond)
	before := f.paper.CallCount("Balances")

	f.stream <- models.StreamEvent{Account: &models.AccountUpdate{EventTime: 1}}

	require.Eventually(t, func() bool {
		return f.paper.CallCount("Balances") > before
	}, 2*time.Second, 10*time.Millisecond)
}
