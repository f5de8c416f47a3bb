// Package hedge keeps a spot holding and a futures short of equal size, so
// the combined position earns funding while staying price-neutral. The
// balancer's one invariant: drive the quantity delta between the two legs
// back to zero whenever it exceeds the configured threshold.
package hedge

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/events"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/killswitch"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/persistence"
)

// Balancer drives one hedge bot. All rebalancing is serialized on the Run
// goroutine; there is never more than one correction in flight.
type Balancer struct {
	bot    *models.BotConfig
	client exchange.Client
	repo   persistence.Repository
	guard  *killswitch.Switch
	bus    *events.Bus
	log    *zap.Logger

	stream      <-chan models.StreamEvent
	checkEvery  time.Duration
	callTimeout time.Duration

	stepSize  float64
	baseAsset string
	stop      chan chan error
}

// NewBalancer wires a balancer to its collaborators.
func NewBalancer(bot *models.BotConfig, client exchange.Client, repo persistence.Repository,
	guard *killswitch.Switch, bus *events.Bus, stream <-chan models.StreamEvent,
	checkEvery, callTimeout time.Duration) *Balancer {
	return &Balancer{
		bot:         bot,
		client:      client,
		repo:        repo,
		guard:       guard,
		bus:         bus,
		stream:      stream,
		checkEvery:  checkEvery,
		callTimeout: callTimeout,
		stop:        make(chan chan error),
		log:         logger.Named("hedge").With(zap.String("bot", bot.ID), zap.String("symbol", bot.Symbol)),
	}
}

// Stop asks the balancer to exit. The legs stay open; a hedged position is
// safe to leave unattended.
func (b *Balancer) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.stop <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run establishes the hedge and then corrects drift until stopped.
func (b *Balancer) Run(ctx context.Context) error {
	if err := b.initialize(ctx); err != nil {
		return b.fail(fmt.Sprintf("initialization: %v", err), err)
	}

	ticker := time.NewTicker(b.checkEvery)
	defer ticker.Stop()

	b.log.Info("balancer started", zap.Float64("target_notional", b.bot.Hedge.TargetNotional))

	for {
		select {
		case <-ctx.Done():
			b.log.Info("balancer interrupted by shutdown")
			return nil

		case reply := <-b.stop:
			b.bot.Status = models.StatusStopped
			b.bot.StatusReason = "stopped by operator"
			b.bot.UpdatedAt = time.Now()
			reply <- b.repo.SaveBot(b.bot)
			return nil

		case <-ticker.C:
			if err := b.rebalance(ctx); err != nil {
				return b.fail(fmt.Sprintf("rebalance: %v", err), err)
			}

		case ev, ok := <-b.stream:
			if !ok {
				return b.fail("event stream closed", context.Canceled)
			}
			// Account updates mean a leg moved; re-check immediately
			// instead of waiting out the ticker.
			if ev.Account != nil {
				if err := b.rebalance(ctx); err != nil {
					return b.fail(fmt.Sprintf("rebalance: %v", err), err)
				}
			}
		}
	}
}

func (b *Balancer) initialize(ctx context.Context) error {
	info, err := b.symbolInfo(ctx)
	if err != nil {
		return err
	}
	b.baseAsset = info.BaseAsset
	b.stepSize, err = strconv.ParseFloat(info.StepSize(), 64)
	if err != nil || b.stepSize <= 0 {
		return fmt.Errorf("symbol %s: bad lot step %q", b.bot.Symbol, info.StepSize())
	}
	if err := b.bootstrap(ctx); err != nil {
		return err
	}
	return b.rebalance(ctx)
}

// bootstrap opens the initial position when both legs are flat: a spot buy
// of target notional and an equal futures short, placed concurrently. With
// either leg already holding size the ordinary rebalance path takes over.
func (b *Balancer) bootstrap(ctx context.Context) error {
	price, err := b.price(ctx)
	if err != nil {
		return err
	}
	spotQty, err := b.spotQty(ctx)
	if err != nil {
		return err
	}
	futuresQty, err := b.futuresQty(ctx)
	if err != nil {
		return err
	}
	if spotQty >= b.stepSize || math.Abs(futuresQty) >= b.stepSize {
		return nil
	}

	targetQty := b.roundQty(b.bot.Hedge.TargetNotional / price)
	if targetQty <= 0 {
		return fmt.Errorf("target notional %.2f too small for lot step %v",
			b.bot.Hedge.TargetNotional, b.stepSize)
	}
	if err := b.guard.Guard(); err != nil {
		b.log.Warn("initial hedge blocked", zap.Error(err))
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	errs := make(chan error, 2)
	go func() {
		_, err := b.client.PlaceMarketOrder(callCtx, b.bot.Symbol, models.Buy, targetQty, "")
		errs <- err
	}()
	go func() {
		_, err := b.client.FuturesPlaceMarketOrder(callCtx, b.bot.Symbol, models.Sell, targetQty)
		errs <- err
	}()
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			return fmt.Errorf("opening initial hedge: %w", err)
		}
	}

	b.log.Info("initial hedge opened",
		zap.Float64("qty", targetQty), zap.Float64("price", price))
	return b.repo.SaveHedge(&models.HedgePosition{
		BotID:      b.bot.ID,
		SpotQty:    targetQty,
		FuturesQty: -targetQty,
		UpdatedAt:  time.Now(),
	})
}

// rebalance measures both legs and flattens the delta with one futures
// market order. The futures leg moves because it is the cheaper side to
// trade and keeps the spot inventory untouched.
func (b *Balancer) rebalance(ctx context.Context) error {
	price, err := b.price(ctx)
	if err != nil {
		return err
	}
	spotQty, err := b.spotQty(ctx)
	if err != nil {
		return err
	}
	futuresQty, err := b.futuresQty(ctx)
	if err != nil {
		return err
	}

	pos := &models.HedgePosition{
		BotID:      b.bot.ID,
		SpotQty:    spotQty,
		FuturesQty: futuresQty,
		UpdatedAt:  time.Now(),
	}
	if err := b.repo.SaveHedge(pos); err != nil {
		return err
	}

	targetQty := b.bot.Hedge.TargetNotional / price
	delta := spotQty - math.Abs(futuresQty)
	b.bus.Publish(events.Event{
		Kind: events.KindHedgeDelta, BotID: b.bot.ID,
		Symbol: b.bot.Symbol, Delta: delta,
	})

	if math.Abs(delta) < b.bot.Hedge.RebalanceThreshold*targetQty {
		return nil
	}

	qty := b.roundQty(math.Abs(delta))
	if qty <= 0 {
		return nil
	}
	if err := b.guard.Guard(); err != nil {
		b.log.Warn("rebalance blocked", zap.Error(err))
		return nil
	}

	// Spot exceeds the short: sell more futures. Short exceeds spot: buy
	// some back. Either way one order lands the delta on zero.
	side := models.Sell
	if delta < 0 {
		side = models.Buy
	}

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	order, err := b.client.FuturesPlaceMarketOrder(callCtx, b.bot.Symbol, side, qty)
	if err != nil {
		return err
	}
	b.log.Info("delta corrected",
		zap.Float64("delta", delta), zap.String("side", string(side)),
		zap.Float64("qty", qty), zap.Int64("order", order.OrderID))

	if side == models.Sell {
		pos.FuturesQty -= qty
	} else {
		pos.FuturesQty += qty
	}
	pos.UpdatedAt = time.Now()
	return b.repo.SaveHedge(pos)
}

func (b *Balancer) spotQty(ctx context.Context) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	balances, err := b.client.Balances(callCtx)
	if err != nil {
		return 0, err
	}
	for _, bal := range balances {
		if bal.Asset == b.baseAsset {
			free, _ := strconv.ParseFloat(bal.Free, 64)
			locked, _ := strconv.ParseFloat(bal.Locked, 64)
			return free + locked, nil
		}
	}
	return 0, nil
}

func (b *Balancer) futuresQty(ctx context.Context) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	positions, err := b.client.FuturesPositions(callCtx, b.bot.Symbol)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.Symbol == b.bot.Symbol {
			return strconv.ParseFloat(p.PositionAmt, 64)
		}
	}
	return 0, nil
}

func (b *Balancer) roundQty(qty float64) float64 {
	return math.Floor(qty/b.stepSize+1e-9) * b.stepSize
}

func (b *Balancer) price(ctx context.Context) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	return b.client.Price(callCtx, b.bot.Symbol)
}

func (b *Balancer) symbolInfo(ctx context.Context) (*models.SymbolInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	return b.client.SymbolInfo(callCtx, b.bot.Symbol)
}

func (b *Balancer) fail(reason string, err error) error {
	b.bot.Status = models.StatusError
	b.bot.StatusReason = reason
	b.bot.UpdatedAt = time.Now()
	if saveErr := b.repo.SaveBot(b.bot); saveErr != nil {
		b.log.Error("persisting error status failed", zap.Error(saveErr))
	}
	b.bus.Publish(events.Event{Kind: events.KindLifecycle, BotID: b.bot.ID, Detail: reason})
	b.log.Error("balancer failed", zap.String("reason", reason))
	return err
}
