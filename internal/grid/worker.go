// Package grid runs one event-driven worker per grid bot. A worker owns
// its bot's levels and orders exclusively; all mutations happen on the
// worker goroutine, so no locks guard the strategy state.
package grid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/events"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/killswitch"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/persistence"
)

type commandKind int

const (
	cmdStop commandKind = iota
	cmdPanicClose
)

type command struct {
	kind  commandKind
	reply chan error
}

// Worker drives one grid bot.
type Worker struct {
	bot    *models.BotConfig
	client exchange.Client
	repo   persistence.Repository
	guard  *killswitch.Switch
	bus    *events.Bus
	policy BandPolicy
	log    *zap.Logger

	stream      <-chan models.StreamEvent
	cmds        chan command
	callTimeout time.Duration

	rules     *tradeRules
	levels    []*models.GridLevel
	orders    map[string]*models.OrderRef
	lastPrice    float64
	lastPricePub time.Time
	paused       bool
	rejects      int
}

// NewWorker wires a worker to its collaborators. stream must already be
// subscribed for the bot's symbol and account.
func NewWorker(bot *models.BotConfig, client exchange.Client, repo persistence.Repository,
	guard *killswitch.Switch, bus *events.Bus, stream <-chan models.StreamEvent,
	policy BandPolicy, callTimeout time.Duration) *Worker {
	return &Worker{
		bot:         bot,
		client:      client,
		repo:        repo,
		guard:       guard,
		bus:         bus,
		policy:      policy,
		stream:      stream,
		cmds:        make(chan command),
		callTimeout: callTimeout,
		orders:      make(map[string]*models.OrderRef),
		log:         logger.Named("grid").With(zap.String("bot", bot.ID), zap.String("symbol", bot.Symbol)),
	}
}

// Stop asks the worker to cancel its open orders and exit cleanly.
func (w *Worker) Stop(ctx context.Context) error {
	return w.send(ctx, cmdStop)
}

// PanicClose asks the worker to cancel everything and flatten its position
// at market.
func (w *Worker) PanicClose(ctx context.Context) error {
	return w.send(ctx, cmdPanicClose)
}

func (w *Worker) send(ctx context.Context, kind commandKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the worker until it stops. A nil return means a clean stop;
// an error means the bot is parked in ERROR and needs reconciliation.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.initialize(ctx); err != nil {
		return w.fail(fmt.Sprintf("initialization: %v", err), err)
	}

	var analysis <-chan time.Time
	if w.policy != nil && w.bot.Grid.AdaptiveMode {
		interval := time.Duration(w.bot.Grid.AnalysisInterval) * time.Second
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		analysis = ticker.C
	}

	w.log.Info("worker started",
		zap.Float64("lower", w.bot.Grid.LowerPrice),
		zap.Float64("upper", w.bot.Grid.UpperPrice),
		zap.Int("levels", len(w.levels)))

	for {
		select {
		case <-ctx.Done():
			// Shutdown leaves open orders standing; the next start
			// reconciles against the venue before trusting anything.
			w.log.Info("worker interrupted by shutdown")
			return nil

		case cmd := <-w.cmds:
			switch cmd.kind {
			case cmdStop:
				cmd.reply <- w.gracefulStop(ctx, "stopped by operator")
				return nil
			case cmdPanicClose:
				cmd.reply <- w.panicClose(ctx, "panic close by operator")
				return nil
			}

		case ev, ok := <-w.stream:
			if !ok {
				return w.fail("event stream closed", enginerr.ErrReconciliation)
			}
			if err := w.handleEvent(ctx, ev); err != nil {
				var stop *stopSignal
				if errors.As(err, &stop) {
					return stop.err
				}
				return w.fail(err.Error(), err)
			}

		case <-analysis:
			if err := w.runAnalysis(ctx); err != nil {
				w.log.Warn("band analysis failed", zap.Error(err))
			}
		}
	}
}

// stopSignal carries a deliberate exit (stop loss, take profit) out of the
// event handlers without conflating it with a failure.
type stopSignal struct{ err error }

func (s *stopSignal) Error() string {
	if s.err != nil {
		return s.err.Error()
	}
	return "worker stopped"
}

func (w *Worker) initialize(ctx context.Context) error {
	info, err := w.fetchSymbolInfo(ctx)
	if err != nil {
		return err
	}
	w.rules, err = newTradeRules(info)
	if err != nil {
		return err
	}

	price, err := w.fetchPrice(ctx)
	if err != nil {
		return err
	}
	w.lastPrice = price

	levels, err := w.repo.ListLevels(w.bot.ID)
	if err != nil {
		return err
	}
	if len(levels) == 0 {
		levels = buildLevels(w.bot, price, w.rules)
		if err := w.repo.SaveLevels(w.bot.ID, levels); err != nil {
			return err
		}
		if err := w.bootstrap(ctx, levels); err != nil {
			return err
		}
	}
	w.levels = levels

	refs, err := w.repo.ListOrders(w.bot.ID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if !ref.Status.Terminal() {
			w.orders[ref.ClientOrderID] = ref
			seedNonce(ref.ClientOrderID)
		}
	}

	w.paused = price < w.bot.Grid.LowerPrice || price > w.bot.Grid.UpperPrice
	if w.paused {
		w.log.Warn("price outside band at start, new entries suspended", zap.Float64("price", price))
	}
	return w.placeMissingOrders(ctx)
}

// bootstrap buys the base inventory the sell rungs need before any of them
// can be armed. Without it the first sell would be rejected for balance.
func (w *Worker) bootstrap(ctx context.Context, levels []*models.GridLevel) error {
	var needed float64
	for _, lvl := range levels {
		if lvl.Side == models.Sell {
			needed += lvl.Quantity
		}
	}
	if needed == 0 {
		return nil
	}

	held, err := w.baseHolding(ctx)
	if err != nil {
		return err
	}
	deficit := w.rules.roundQty(needed - held)
	if deficit <= 0 {
		return nil
	}
	if !w.rules.meetsNotional(deficit, w.lastPrice) {
		w.log.Info("bootstrap deficit below notional floor, skipped", zap.Float64("deficit", deficit))
		return nil
	}

	if err := w.guard.Guard(); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	order, err := w.client.PlaceMarketOrder(callCtx, w.bot.Symbol, models.Buy, deficit, "")
	if err != nil {
		return fmt.Errorf("bootstrap buy: %w", err)
	}
	w.log.Info("bootstrap inventory bought",
		zap.Float64("qty", deficit), zap.Int64("order", order.OrderID))
	return nil
}

func (w *Worker) baseHolding(ctx context.Context) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	balances, err := w.client.Balances(callCtx)
	if err != nil {
		return 0, err
	}
	for _, b := range balances {
		if b.Asset == w.rules.baseAsset {
			free, _ := strconv.ParseFloat(b.Free, 64)
			return free, nil
		}
	}
	return 0, nil
}

func (w *Worker) handleEvent(ctx context.Context, ev models.StreamEvent) error {
	switch {
	case ev.Price != nil:
		return w.onPrice(ctx, ev.Price)
	case ev.Order != nil:
		return w.onOrderEvent(ctx, ev.Order)
	}
	return nil
}

func (w *Worker) onPrice(ctx context.Context, tick *models.PriceUpdate) error {
	w.lastPrice = tick.Price
	p := w.bot.Grid

	// Ticks arrive far faster than any consumer cares about; one published
	// price per second per bot is plenty.
	if now := time.Now(); now.Sub(w.lastPricePub) >= time.Second {
		w.lastPricePub = now
		w.bus.Publish(events.Event{
			Kind: events.KindPriceUpdate, BotID: w.bot.ID,
			Symbol: w.bot.Symbol, Price: tick.Price,
		})
	}

	if p.StopLossPercent > 0 {
		stopPrice := p.LowerPrice * (1 - p.StopLossPercent)
		if tick.Price <= stopPrice {
			w.log.Warn("stop loss triggered",
				zap.Float64("price", tick.Price), zap.Float64("stop", stopPrice))
			return &stopSignal{err: w.flatten(ctx, "stop loss triggered", models.StatusError)}
		}
	}

	if p.TakeProfitAmount > 0 && w.bot.RealizedProfit >= p.TakeProfitAmount {
		w.log.Info("take profit reached", zap.Float64("realized", w.bot.RealizedProfit))
		return &stopSignal{err: w.gracefulStop(ctx, "take profit reached")}
	}

	// Band bounds are inclusive: a touch of either edge is still inside.
	// An excursion only suspends new entries; resting orders stay on the
	// book so fills during the excursion are still honored.
	outside := tick.Price < p.LowerPrice || tick.Price > p.UpperPrice
	if outside && !w.paused {
		w.paused = true
		w.log.Warn("price left band, new entries suspended", zap.Float64("price", tick.Price))
		return nil
	}
	if !outside && w.paused {
		w.paused = false
		w.log.Info("price back inside band, resuming", zap.Float64("price", tick.Price))
		return w.placeMissingOrders(ctx)
	}
	return nil
}

func (w *Worker) onOrderEvent(ctx context.Context, exec *models.OrderExecution) error {
	levelID, ok := ParseOrderID(w.bot.ID, exec.ClientOrderID)
	if !ok || levelID >= len(w.levels) {
		return nil
	}
	lvl := w.levels[levelID]

	ref := w.orders[exec.ClientOrderID]
	if ref == nil {
		// Not in the live table: either a restart dropped it or this order
		// already completed. The store keeps terminal refs, so consult it
		// before trusting the event; a replayed fill must not re-run the
		// level transition.
		stored, err := w.repo.GetOrder(w.bot.ID, exec.ClientOrderID)
		if err != nil {
			return err
		}
		if stored != nil {
			ref = stored
		} else {
			ref = &models.OrderRef{
				BotID:         w.bot.ID,
				ClientOrderID: exec.ClientOrderID,
				LevelID:       levelID,
				Side:          exec.Side,
				Price:         exec.Price,
			}
		}
		if !ref.Status.Terminal() {
			w.orders[exec.ClientOrderID] = ref
		}
	}

	// Duplicate or stale event: confirmed facts never regress.
	if ref.Status.Terminal() || exec.EventTime <= ref.LastEventTime {
		return nil
	}

	ref.ExchangeOrderID = exec.ExchangeOrderID
	ref.Status = exec.Status
	ref.ExecutedQty = exec.CumFilledQty
	ref.LastEventTime = exec.EventTime
	if err := w.repo.SaveOrder(ref); err != nil {
		return err
	}
	if err := w.repo.SaveCheckpoint(&models.Checkpoint{
		BotID:     w.bot.ID,
		LastEvent: time.UnixMilli(exec.EventTime),
	}); err != nil {
		return err
	}

	switch exec.Status {
	case models.OrderFilled:
		return w.onFill(ctx, lvl, ref, exec)
	case models.OrderCanceled, models.OrderExpired:
		return w.onGone(lvl, ref)
	case models.OrderRejected:
		return w.onRejected(ctx, lvl, ref)
	}
	return nil
}

func (w *Worker) onFill(ctx context.Context, lvl *models.GridLevel, ref *models.OrderRef, exec *models.OrderExecution) error {
	delete(w.orders, ref.ClientOrderID)

	fillPrice := exec.LastFilledPrice
	if fillPrice == 0 {
		fillPrice = exec.Price
	}

	fee := w.feeInQuote(exec, fillPrice)

	switch lvl.State {
	case models.LevelPlaced:
		// Entry leg filled; arm the paired exit one step away.
		lvl.State = models.LevelFilled
		lvl.EntryPrice = fillPrice
		lvl.EntryFee = fee
		lvl.OrderID = ""
		if err := w.appendTrade(lvl, exec, fee, 0); err != nil {
			return err
		}
		if err := w.saveLevel(lvl); err != nil {
			return err
		}
		return w.placeExit(ctx, lvl)

	case models.LevelFilled:
		// Exit leg filled; the round trip is complete.
		gross := (fillPrice - lvl.EntryPrice) * exec.CumFilledQty
		if lvl.Side == models.Sell {
			gross = (lvl.EntryPrice - fillPrice) * exec.CumFilledQty
		}
		net := gross - lvl.EntryFee - fee

		lvl.State = models.LevelPaired
		lvl.OrderID = ""
		if err := w.appendTrade(lvl, exec, fee, net); err != nil {
			return err
		}

		w.bot.RealizedProfit += net
		w.bot.UpdatedAt = time.Now()
		if err := w.repo.SaveBot(w.bot); err != nil {
			return err
		}
		w.bus.Publish(events.Event{
			Kind: events.KindProfitMatched, BotID: w.bot.ID,
			Symbol: w.bot.Symbol, Profit: net,
		})
		w.log.Info("pair closed",
			zap.Int("level", lvl.ID), zap.Float64("profit", net))

		// The level is free again; rearm it.
		lvl.State = models.LevelEmpty
		lvl.EntryPrice = 0
		lvl.EntryFee = 0
		if err := w.saveLevel(lvl); err != nil {
			return err
		}
		return w.placeEntry(ctx, lvl)
	}
	return nil
}

func (w *Worker) onGone(lvl *models.GridLevel, ref *models.OrderRef) error {
	delete(w.orders, ref.ClientOrderID)
	if lvl.OrderID != ref.ClientOrderID {
		return nil
	}
	lvl.OrderID = ""
	if lvl.State == models.LevelPlaced {
		lvl.State = models.LevelEmpty
	}
	return w.saveLevel(lvl)
}

func (w *Worker) onRejected(ctx context.Context, lvl *models.GridLevel, ref *models.OrderRef) error {
	if err := w.onGone(lvl, ref); err != nil {
		return err
	}
	w.rejects++
	tolerance := w.bot.Grid.RejectTolerance
	if tolerance == 0 {
		tolerance = 3
	}
	if w.rejects > tolerance {
		return fmt.Errorf("%w: %d consecutive rejections", enginerr.ErrExchangeRejection, w.rejects)
	}
	w.log.Warn("order rejected, rearming level", zap.Int("level", lvl.ID), zap.Int("count", w.rejects))
	return w.rearmLevel(ctx, lvl)
}

// rearmLevel puts the order a level should have back on the book.
func (w *Worker) rearmLevel(ctx context.Context, lvl *models.GridLevel) error {
	if lvl.OrderID != "" {
		return nil
	}
	switch lvl.State {
	case models.LevelEmpty:
		return w.placeEntry(ctx, lvl)
	case models.LevelFilled:
		return w.placeExit(ctx, lvl)
	}
	return nil
}

// placeMissingOrders arms every level that should have a live order: empty
// levels get entries, filled levels get their exits rearmed.
func (w *Worker) placeMissingOrders(ctx context.Context) error {
	for _, lvl := range w.levels {
		if err := w.rearmLevel(ctx, lvl); err != nil {
			return err
		}
	}
	return nil
}

// placeEntry arms a level's entry leg. While price is outside the band the
// EMPTY to PLACED transition is suspended; exits are unaffected.
func (w *Worker) placeEntry(ctx context.Context, lvl *models.GridLevel) error {
	if w.paused {
		return nil
	}
	return w.placeLevelOrder(ctx, lvl, lvl.Side, lvl.Price, models.LevelPlaced)
}

// placeExit arms the closing leg one grid step on the profitable side of
// the entry.
func (w *Worker) placeExit(ctx context.Context, lvl *models.GridLevel) error {
	step := w.bot.Grid.Step()
	exitPrice := w.rules.roundPrice(lvl.Price + step)
	if lvl.Side == models.Sell {
		exitPrice = w.rules.roundPrice(lvl.Price - step)
	}
	return w.placeLevelOrder(ctx, lvl, lvl.Side.Opposite(), exitPrice, models.LevelFilled)
}

func (w *Worker) placeLevelOrder(ctx context.Context, lvl *models.GridLevel, side models.Side, price float64, nextState models.LevelState) error {
	if err := w.guard.Guard(); err != nil {
		w.log.Warn("order placement blocked", zap.Int("level", lvl.ID), zap.Error(err))
		return nil
	}
	if !w.rules.meetsNotional(lvl.Quantity, price) {
		w.log.Warn("level below notional floor, left unarmed",
			zap.Int("level", lvl.ID), zap.Float64("price", price))
		return nil
	}

	clientID := orderIDFor(w.bot.ID, lvl.ID)
	ref := &models.OrderRef{
		BotID:         w.bot.ID,
		ClientOrderID: clientID,
		LevelID:       lvl.ID,
		Side:          side,
		Price:         price,
		Quantity:      lvl.Quantity,
		Status:        models.OrderNew,
	}
	// Persist intent before the call so an unknown outcome is attributable.
	if err := w.repo.SaveOrder(ref); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	_, err := w.client.PlaceLimitOrder(callCtx, w.bot.Symbol, side, lvl.Quantity, price, clientID)
	if err != nil {
		if errors.Is(err, enginerr.ErrUnknownOutcome) {
			return fmt.Errorf("placing level %d: %w", lvl.ID, err)
		}
		if errors.Is(err, enginerr.ErrInsufficientBalance) {
			w.log.Error("level unfunded, left unarmed", zap.Int("level", lvl.ID), zap.Error(err))
			_ = w.repo.DeleteOrder(w.bot.ID, clientID)
			return nil
		}
		_ = w.repo.DeleteOrder(w.bot.ID, clientID)
		w.log.Warn("placement failed, level retried on next transition",
			zap.Int("level", lvl.ID), zap.Error(err))
		return nil
	}

	w.orders[clientID] = ref
	lvl.State = nextState
	lvl.OrderID = clientID
	return w.saveLevel(lvl)
}

func (w *Worker) cancelOrder(ctx context.Context, clientID string) error {
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	err := w.client.CancelOrder(callCtx, w.bot.Symbol, clientID)
	if err != nil && !enginerr.IsUnknownOrder(err) {
		return fmt.Errorf("canceling %s: %w", clientID, err)
	}
	_ = w.repo.DeleteOrder(w.bot.ID, clientID)
	return nil
}

// gracefulStop cancels every live order and parks the bot STOPPED.
func (w *Worker) gracefulStop(ctx context.Context, reason string) error {
	for id := range w.orders {
		if err := w.cancelOrder(ctx, id); err != nil {
			w.log.Error("cancel failed during stop", zap.String("order", id), zap.Error(err))
		}
	}
	w.bot.Status = models.StatusStopped
	w.bot.StatusReason = reason
	w.bot.UpdatedAt = time.Now()
	w.log.Info("worker stopped", zap.String("reason", reason))
	return w.repo.SaveBot(w.bot)
}

// panicClose cancels everything and flattens accumulated inventory at
// market. A residual below the notional floor cannot be sold and is left
// in the account.
func (w *Worker) panicClose(ctx context.Context, reason string) error {
	return w.flatten(ctx, reason, models.StatusStopped)
}

// flatten is the shared exit path: cancel all orders, market-sell held
// inventory, park the bot in its final status. Stop loss ends in ERROR so
// an operator has to look before the bot can run again; an operator panic
// close ends in STOPPED.
func (w *Worker) flatten(ctx context.Context, reason string, final models.BotStatus) error {
	for id := range w.orders {
		if err := w.cancelOrder(ctx, id); err != nil {
			w.log.Error("cancel failed during panic close", zap.String("order", id), zap.Error(err))
		}
	}

	var held float64
	for _, lvl := range w.levels {
		if lvl.State == models.LevelFilled && lvl.Side == models.Buy {
			held += lvl.Quantity
		}
	}
	held = w.rules.roundQty(held)

	if held > 0 && w.rules.meetsNotional(held, w.lastPrice) {
		callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
		defer cancel()
		if _, err := w.client.PlaceMarketOrder(callCtx, w.bot.Symbol, models.Sell, held, ""); err != nil {
			w.bot.Status = models.StatusError
			w.bot.StatusReason = fmt.Sprintf("panic close incomplete: %v", err)
			w.bot.UpdatedAt = time.Now()
			_ = w.repo.SaveBot(w.bot)
			return fmt.Errorf("flattening %f: %w", held, err)
		}
	} else if held > 0 {
		w.log.Warn("residual inventory below notional floor, not flattened",
			zap.Float64("qty", held))
	}

	for _, lvl := range w.levels {
		lvl.State = models.LevelEmpty
		lvl.OrderID = ""
		lvl.EntryPrice = 0
		lvl.EntryFee = 0
	}
	if err := w.repo.SaveLevels(w.bot.ID, w.levels); err != nil {
		return err
	}

	w.bot.Status = final
	w.bot.StatusReason = reason
	w.bot.UpdatedAt = time.Now()
	w.bus.Publish(events.Event{Kind: events.KindLifecycle, BotID: w.bot.ID, Detail: reason})
	w.log.Warn("position flattened", zap.String("reason", reason), zap.String("status", string(final)))
	return w.repo.SaveBot(w.bot)
}

func (w *Worker) fail(reason string, err error) error {
	w.bot.Status = models.StatusError
	w.bot.StatusReason = reason
	w.bot.UpdatedAt = time.Now()
	if saveErr := w.repo.SaveBot(w.bot); saveErr != nil {
		w.log.Error("persisting error status failed", zap.Error(saveErr))
	}
	w.bus.Publish(events.Event{Kind: events.KindLifecycle, BotID: w.bot.ID, Detail: reason})
	w.log.Error("worker failed", zap.String("reason", reason))
	return err
}

func (w *Worker) saveLevel(lvl *models.GridLevel) error {
	lvl.UpdatedAt = time.Now()
	return w.repo.SaveLevels(w.bot.ID, []*models.GridLevel{lvl})
}

// feeInQuote normalizes a fill's commission to the quote asset. The venue
// charges BUY fees in the base asset, so those convert at the fill price.
func (w *Worker) feeInQuote(exec *models.OrderExecution, fillPrice float64) float64 {
	if exec.CommissionAsset == w.rules.baseAsset {
		return exec.Commission * fillPrice
	}
	return exec.Commission
}

func (w *Worker) appendTrade(lvl *models.GridLevel, exec *models.OrderExecution, fee, profit float64) error {
	price := exec.LastFilledPrice
	if price == 0 {
		price = exec.Price
	}
	return w.repo.AppendTrade(&models.TradeRecord{
		ID:             uuid.NewString(),
		BotID:          w.bot.ID,
		Symbol:         w.bot.Symbol,
		Side:           exec.Side,
		Price:          price,
		Quantity:       exec.CumFilledQty,
		Fee:            fee,
		RealizedProfit: profit,
		Timestamp:      time.UnixMilli(exec.EventTime),
	})
}

func (w *Worker) fetchSymbolInfo(ctx context.Context) (*models.SymbolInfo, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	return w.client.SymbolInfo(callCtx, w.bot.Symbol)
}

func (w *Worker) fetchPrice(ctx context.Context) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()
	return w.client.Price(callCtx, w.bot.Symbol)
}

// runAnalysis asks the band policy whether the ladder should move. A
// recenter tears the grid down and rebuilds it around the current price,
// so it only runs while every level is idle: a PLACED level has a live
// entry and a FILLED level carries the cost basis its exit needs, and
// neither survives a rebuild.
func (w *Worker) runAnalysis(ctx context.Context) error {
	next, move, err := w.policy.Recommend(ctx, w.bot.Symbol, *w.bot.Grid, w.lastPrice)
	if err != nil || !move {
		return err
	}

	for _, lvl := range w.levels {
		if lvl.State != models.LevelEmpty || lvl.OrderID != "" {
			w.log.Info("recenter deferred, ladder not idle",
				zap.Int("level", lvl.ID), zap.String("state", string(lvl.State)))
			return nil
		}
	}

	w.log.Info("recentering band",
		zap.Float64("lower", next.LowerPrice), zap.Float64("upper", next.UpperPrice))

	w.bot.Grid = next
	w.bot.UpdatedAt = time.Now()
	if err := w.repo.SaveBot(w.bot); err != nil {
		return err
	}

	w.levels = buildLevels(w.bot, w.lastPrice, w.rules)
	if err := w.repo.SaveLevels(w.bot.ID, w.levels); err != nil {
		return err
	}
	w.paused = w.lastPrice < next.LowerPrice || w.lastPrice > next.UpperPrice
	return w.placeMissingOrders(ctx)
}
