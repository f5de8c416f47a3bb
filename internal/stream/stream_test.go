package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/models"
)

func newTestMux(queueSize int) *Multiplexer {
	return NewMultiplexer("wss://live.invalid", "wss://testnet.invalid", queueSize, time.Hour)
}

func TestParseMarketFrame(t *testing.T) {
	frame := []byte(`{"e":"trade","E":1700000000000,"s":"ETHUSDT","t":1,"p":"2501.37","q":"0.2"}`)

	update, err := parseMarketFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, "ETHUSDT", update.Symbol)
	assert.InDelta(t, 2501.37, update.Price, 1e-9)
}

func TestParseMarketFrameRejectsUnknownShape(t *testing.T) {
	_, err := parseMarketFrame([]byte(`{"e":"kline","s":"ETHUSDT"}`))
	assert.Error(t, err)

	_, err = parseMarketFrame([]byte(`{"e":"trade","s":"ETHUSDT","p":"not-a-price"}`))
	assert.Error(t, err)
}

func TestParseUserFrameExecutionReport(t *testing.T) {
	frame := []byte(`{"e":"executionReport","E":1700000000123,"s":"ETHUSDT","c":"cid-7",` +
		`"S":"BUY","o":"LIMIT","x":"TRADE","X":"FILLED","i":99,"p":"2500.00",` +
		`"l":"0.04","z":"0.04","L":"2500.00","n":"0.00004","N":"ETH"}`)

	ev, err := parseUserFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, ev.Order)
	assert.Nil(t, ev.Price)
	assert.Equal(t, "cid-7", ev.Order.ClientOrderID)
	assert.Equal(t, models.OrderFilled, ev.Order.Status)
	assert.Equal(t, int64(99), ev.Order.ExchangeOrderID)
	assert.InDelta(t, 0.04, ev.Order.CumFilledQty, 1e-9)
	assert.InDelta(t, 0.00004, ev.Order.Commission, 1e-9)
}

func TestParseUserFrameCancelUsesOriginalClientID(t *testing.T) {
	frame := []byte(`{"e":"executionReport","E":1,"s":"ETHUSDT","c":"cancel-req",` +
		`"C":"cid-7","S":"BUY","x":"CANCELED","X":"CANCELED","i":99,"p":"2500.00",` +
		`"l":"0","z":"0","L":"0"}`)

	ev, err := parseUserFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, ev.Order)
	assert.Equal(t, "cid-7", ev.Order.ClientOrderID)
}

func TestParseUserFrameIgnoresKnownNoise(t *testing.T) {
	ev, err := parseUserFrame([]byte(`{"e":"balanceUpdate","a":"ETH","d":"1.0"}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	_, err = parseUserFrame([]byte(`{"e":"somethingNew"}`))
	assert.Error(t, err)
}

func TestMarketHubFanOut(t *testing.T) {
	mux := newTestMux(8)
	hub := newMarketHub(mux, "ETHUSDT", false)

	a := &subscriber{botID: "a", symbol: "ETHUSDT", ch: make(chan models.StreamEvent, 8)}
	b := &subscriber{botID: "b", symbol: "ETHUSDT", ch: make(chan models.StreamEvent, 8)}
	hub.add(a)
	hub.add(b)

	hub.handleFrame([]byte(`{"e":"trade","E":1,"s":"ETHUSDT","p":"2500"}`))

	for _, s := range []*subscriber{a, b} {
		select {
		case ev := <-s.ch:
			require.NotNil(t, ev.Price)
			assert.InDelta(t, 2500.0, ev.Price.Price, 1e-9)
		default:
			t.Fatalf("subscriber %s got no event", s.botID)
		}
	}
}

func TestSlowSubscriberGapsWithoutBlocking(t *testing.T) {
	mux := newTestMux(2)
	hub := newMarketHub(mux, "ETHUSDT", false)

	slow := &subscriber{botID: "slow", symbol: "ETHUSDT", ch: make(chan models.StreamEvent, 2)}
	hub.add(slow)

	for i := 0; i < 5; i++ {
		hub.handleFrame([]byte(`{"e":"trade","E":1,"s":"ETHUSDT","p":"2500"}`))
	}

	assert.True(t, slow.gapped.Load())
	select {
	case notice := <-mux.Gaps():
		assert.Equal(t, "slow", notice.BotID)
	default:
		t.Fatal("expected a gap notice")
	}

	// Exactly one notice per gap episode.
	select {
	case <-mux.Gaps():
		t.Fatal("duplicate gap notice")
	default:
	}
}

func TestUserHubRoutesOrdersBySymbol(t *testing.T) {
	mux := newTestMux(8)
	hub := newUserHub(mux, "acct-1", nil, false)

	eth := &subscriber{botID: "eth-bot", symbol: "ETHUSDT", ch: make(chan models.StreamEvent, 8)}
	btc := &subscriber{botID: "btc-bot", symbol: "BTCUSDT", ch: make(chan models.StreamEvent, 8)}
	hub.add(eth)
	hub.add(btc)

	hub.handleFrame([]byte(`{"e":"executionReport","E":1,"s":"ETHUSDT","c":"cid-1",` +
		`"S":"BUY","x":"TRADE","X":"FILLED","i":1,"p":"2500","l":"0.1","z":"0.1","L":"2500"}`))

	select {
	case ev := <-eth.ch:
		require.NotNil(t, ev.Order)
	default:
		t.Fatal("symbol owner got no event")
	}
	select {
	case <-btc.ch:
		t.Fatal("event leaked to another symbol")
	default:
	}
}

func TestUserHubReleasesListenKeyOnStop(t *testing.T) {
	mux := newTestMux(8)
	paper := exchange.NewPaperExchange(2500)
	hub := newUserHub(mux, "acct-1", paper, false)

	_, err := hub.streamURL(context.Background())
	require.NoError(t, err)

	_, cancel := context.WithCancel(context.Background())
	hub.cancel = cancel
	hub.stop()
	assert.Equal(t, 1, paper.CallCount("CloseListenKey"))

	// The key is gone after the first stop; nothing left to release.
	hub.cancel = cancel
	hub.stop()
	assert.Equal(t, 1, paper.CallCount("CloseListenKey"))
}
