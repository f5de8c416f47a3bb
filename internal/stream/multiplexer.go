package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
)

// Subscription identifies what a worker wants from the multiplexer.
type Subscription struct {
	BotID     string
	Symbol    string
	AccountID string
	Testnet   bool
	// Client is the account's REST client, used for listen keys.
	Client exchange.Client
}

// Multiplexer shares websocket connections across strategy workers.
type Multiplexer struct {
	liveWSURL    string
	testnetWSURL string
	queueSize    int
	renewEvery   time.Duration
	gaps         chan GapNotice
	log          *zap.Logger

	mu      sync.Mutex
	markets map[string]*marketHub
	users   map[string]*userHub
}

// NewMultiplexer builds an empty multiplexer. Gap notices arrive on Gaps
// until Close; the consumer must drain them promptly.
func NewMultiplexer(liveWSURL, testnetWSURL string, queueSize int, renewEvery time.Duration) *Multiplexer {
	return &Multiplexer{
		liveWSURL:    liveWSURL,
		testnetWSURL: testnetWSURL,
		queueSize:    queueSize,
		renewEvery:   renewEvery,
		gaps:         make(chan GapNotice, 64),
		log:          logger.Named("stream"),
		markets:      make(map[string]*marketHub),
		users:        make(map[string]*userHub),
	}
}

// Gaps returns the channel of gap notices.
func (m *Multiplexer) Gaps() <-chan GapNotice {
	return m.gaps
}

func (m *Multiplexer) wsBase(testnet bool) string {
	if testnet {
		return m.testnetWSURL
	}
	return m.liveWSURL
}

// Subscribe registers a bot on the shared market and user connections for
// its symbol and account, creating connections on first use. The returned
// channel carries price, order and account events interleaved.
func (m *Multiplexer) Subscribe(ctx context.Context, sub Subscription) (<-chan models.StreamEvent, error) {
	s := &subscriber{
		botID:  sub.BotID,
		symbol: sub.Symbol,
		ch:     make(chan models.StreamEvent, m.queueSize),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	marketKey := marketKey(sub.Symbol, sub.Testnet)
	market, ok := m.markets[marketKey]
	if !ok {
		market = newMarketHub(m, sub.Symbol, sub.Testnet)
		m.markets[marketKey] = market
		market.start(ctx)
	}
	market.add(s)

	user, ok := m.users[sub.AccountID]
	if !ok {
		user = newUserHub(m, sub.AccountID, sub.Client, sub.Testnet)
		m.users[sub.AccountID] = user
		user.start(ctx)
	}
	user.add(s)

	return s.ch, nil
}

// Unsubscribe detaches a bot from its shared connections. Connections with
// no remaining subscribers are torn down. Resubscribing after recovery
// clears any gap.
func (m *Multiplexer) Unsubscribe(botID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, hub := range m.markets {
		if hub.remove(botID) == 0 {
			hub.stop()
			delete(m.markets, key)
		}
	}
	for key, hub := range m.users {
		if hub.remove(botID) == 0 {
			hub.stop()
			delete(m.users, key)
		}
	}
}

// Close tears down every connection.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, hub := range m.markets {
		hub.stop()
		delete(m.markets, key)
	}
	for key, hub := range m.users {
		hub.stop()
		delete(m.users, key)
	}
}

// notifyGap reports a gapped subscriber without blocking the read loop.
func (m *Multiplexer) notifyGap(botID, reason string) {
	notice := GapNotice{BotID: botID, Reason: reason, Time: time.Now()}
	select {
	case m.gaps <- notice:
	default:
		m.log.Error("gap channel full, notice lost", zap.String("bot", botID))
	}
}

func marketKey(symbol string, testnet bool) string {
	if testnet {
		return symbol + "|testnet"
	}
	return symbol + "|live"
}

// marketHub is the shared market-data connection for one symbol.
type marketHub struct {
	mux     *Multiplexer
	symbol  string
	testnet bool
	conn    *wsConn
	cancel  context.CancelFunc

	mu   sync.Mutex
	subs map[string]*subscriber
}

func newMarketHub(mux *Multiplexer, symbol string, testnet bool) *marketHub {
	h := &marketHub{
		mux:     mux,
		symbol:  symbol,
		testnet: testnet,
		subs:    make(map[string]*subscriber),
	}
	wsURL := mux.wsBase(testnet) + "/ws/" + strings.ToLower(symbol) + "@trade"
	h.conn = &wsConn{
		name:        "market:" + symbol,
		urlFn:       func(context.Context) (string, error) { return wsURL, nil },
		onMessage:   h.handleFrame,
		onReconnect: h.gapAll,
		log:         mux.log.Named("market").With(zap.String("symbol", symbol)),
	}
	return h
}

func (h *marketHub) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.conn.run(runCtx)
}

func (h *marketHub) stop() { h.cancel() }

func (h *marketHub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s.botID] = s
}

func (h *marketHub) remove(botID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, botID)
	return len(h.subs)
}

func (h *marketHub) handleFrame(data []byte) {
	update, err := parseMarketFrame(data)
	if err != nil {
		h.conn.log.Debug("dropping unparseable market frame", zap.Error(err))
		return
	}
	ev := models.StreamEvent{Price: update}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.push(ev) {
			h.mux.notifyGap(s.botID, "market queue overflow")
		}
	}
}

// gapAll marks every subscriber gapped after a reconnect. Price ticks are
// droppable in principle, but a long outage hides fills of stop orders, so
// the conservative path is reconciliation.
func (h *marketHub) gapAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.gap() {
			h.mux.notifyGap(s.botID, "market stream reconnected")
		}
	}
}

// userHub is the shared user-data connection for one account, keyed by a
// listen key that must be renewed while the connection lives.
type userHub struct {
	mux       *Multiplexer
	accountID string
	client    exchange.Client
	testnet   bool
	conn      *wsConn
	cancel    context.CancelFunc

	mu        sync.Mutex
	subs      map[string]*subscriber
	listenKey string
}

func newUserHub(mux *Multiplexer, accountID string, client exchange.Client, testnet bool) *userHub {
	h := &userHub{
		mux:       mux,
		accountID: accountID,
		client:    client,
		testnet:   testnet,
		subs:      make(map[string]*subscriber),
	}
	h.conn = &wsConn{
		name:        "user:" + accountID,
		urlFn:       h.streamURL,
		onMessage:   h.handleFrame,
		onReconnect: h.gapAll,
		log:         mux.log.Named("user").With(zap.String("account", accountID)),
	}
	return h
}

// streamURL creates a fresh listen key per dial.
func (h *userHub) streamURL(ctx context.Context) (string, error) {
	key, err := h.client.CreateListenKey(ctx)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	h.listenKey = key
	h.mu.Unlock()
	return h.mux.wsBase(h.testnet) + "/ws/" + key, nil
}

func (h *userHub) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.conn.run(runCtx)
	go h.renewLoop(runCtx)
}

// stop tears the hub down and releases the listen key on the venue, which
// would otherwise linger until its server-side expiry.
func (h *userHub) stop() {
	h.cancel()
	h.mu.Lock()
	key := h.listenKey
	h.listenKey = ""
	h.mu.Unlock()
	if key == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.client.CloseListenKey(ctx, key); err != nil {
		h.conn.log.Warn("listen key close failed", zap.Error(err))
	}
}

func (h *userHub) renewLoop(ctx context.Context) {
	ticker := time.NewTicker(h.mux.renewEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			key := h.listenKey
			h.mu.Unlock()
			if key == "" {
				continue
			}
			callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := h.client.KeepAliveListenKey(callCtx, key)
			cancel()
			if err != nil {
				h.conn.log.Warn("listen key renewal failed", zap.Error(err))
			}
		}
	}
}

func (h *userHub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s.botID] = s
}

func (h *userHub) remove(botID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, botID)
	return len(h.subs)
}

func (h *userHub) handleFrame(data []byte) {
	ev, err := parseUserFrame(data)
	if err != nil {
		h.conn.log.Warn("dropping unparseable user frame", zap.Error(err))
		return
	}
	if ev == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		// Order events route by symbol; account updates go to everyone.
		if ev.Order != nil && ev.Order.Symbol != s.symbol {
			continue
		}
		if s.push(*ev) {
			h.mux.notifyGap(s.botID, "user queue overflow")
		}
	}
}

func (h *userHub) gapAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		if s.gap() {
			h.mux.notifyGap(s.botID, "user stream reconnected")
		}
	}
}
