package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/ratelimit"
)

func newTestVenue(t *testing.T, handler http.HandlerFunc) (*LiveExchange, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/time" {
			fmt.Fprintf(w, `{"serverTime":%d}`, time.Now().UnixMilli())
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	gov := ratelimit.NewGovernor(2400, 80)
	e, err := NewLiveExchange(context.Background(), "test-key", "test-secret", srv.URL, srv.URL, gov)
	require.NoError(t, err)
	return e, srv
}

func TestPlaceLimitOrderSignsRequest(t *testing.T) {
	var gotQuery string
	e, _ := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v3/order", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-MBX-APIKEY"))
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		gotQuery = string(body)
		fmt.Fprint(w, `{"symbol":"ETHUSDT","orderId":42,"clientOrderId":"cid-1","status":"NEW"}`)
	})

	order, err := e.PlaceLimitOrder(context.Background(), "ETHUSDT", "BUY", 0.05, 2500, "cid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), order.OrderID)
	assert.Contains(t, gotQuery, "signature=")
	assert.Contains(t, gotQuery, "timestamp=")
	assert.Contains(t, gotQuery, "newClientOrderId=cid-1")
}

func TestInsufficientBalanceClassified(t *testing.T) {
	e, _ := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2010,"msg":"Account has insufficient balance for requested action."}`)
	})

	_, err := e.PlaceLimitOrder(context.Background(), "ETHUSDT", "BUY", 1000, 2500, "cid-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, enginerr.ErrInsufficientBalance))
}

func TestMutatingTimeoutIsUnknownOutcome(t *testing.T) {
	e, _ := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.PlaceLimitOrder(ctx, "ETHUSDT", "BUY", 0.05, 2500, "cid-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, enginerr.ErrUnknownOutcome))
}

func TestReadTimeoutIsTransient(t *testing.T) {
	e, _ := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := e.Price(ctx, "ETHUSDT")
	require.Error(t, err)
	assert.True(t, errors.Is(err, enginerr.ErrTransientNetwork))
}
