package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/ratelimit"
)

// Request weight costs per endpoint group, from the venue's published
// limits. Exact values matter less than keeping them over zero.
const (
	weightLight        = 1
	weightOrder        = 1
	weightOpenOrders   = 3
	weightAccount      = 10
	weightTrades       = 10
	weightExchangeInfo = 10
)

const usedWeightHeader = "X-MBX-USED-WEIGHT-1M"

// LiveExchange talks to the real venue over signed REST. One instance per
// account; all calls flow through the account's rate governor.
type LiveExchange struct {
	apiKey     string
	secretKey  string
	spotURL    string
	futuresURL string
	httpClient *http.Client
	governor   *ratelimit.Governor
	log        *zap.Logger
	timeOffset int64
}

// NewLiveExchange builds a client and syncs the local clock against the
// server so signed timestamps stay inside the venue's recv window.
func NewLiveExchange(ctx context.Context, apiKey, secretKey, spotURL, futuresURL string, governor *ratelimit.Governor) (*LiveExchange, error) {
	e := &LiveExchange{
		apiKey:     apiKey,
		secretKey:  secretKey,
		spotURL:    spotURL,
		futuresURL: futuresURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		governor:   governor,
		log:        logger.Named("exchange"),
	}

	serverTime, err := e.ServerTime(ctx)
	if err != nil {
		return nil, fmt.Errorf("server time sync: %w", err)
	}
	e.timeOffset = serverTime - time.Now().UnixMilli()
	e.log.Info("server time synced", zap.Int64("offset_ms", e.timeOffset))
	return e, nil
}

// doRequest sends one REST call. Signed requests get a timestamp and an
// HMAC-SHA256 signature over the encoded query. The venue's used-weight
// header is fed back into the governor after every response.
func (e *LiveExchange) doRequest(ctx context.Context, method, baseURL, endpoint string, params url.Values, signed bool) ([]byte, error) {
	fullURL := baseURL + endpoint
	queryParams := url.Values{}
	for k, v := range params {
		queryParams[k] = v
	}

	var encodedParams string
	if signed {
		timestamp := time.Now().UnixMilli() + e.timeOffset
		queryParams.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payload := queryParams.Encode()
		encodedParams = payload + "&signature=" + e.sign(payload)
	} else {
		encodedParams = queryParams.Encode()
	}

	var req *http.Request
	var err error
	if method == http.MethodGet {
		finalURL := fullURL
		if encodedParams != "" {
			finalURL = fullURL + "?" + encodedParams
		}
		req, err = http.NewRequestWithContext(ctx, method, finalURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encodedParams))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("X-MBX-APIKEY", e.apiKey)
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if used := resp.Header.Get(usedWeightHeader); used != "" {
		if v, convErr := strconv.Atoi(used); convErr == nil {
			e.governor.Calibrate(v)
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	apiErr := &models.APIError{}
	if json.Unmarshal(body, apiErr) == nil && apiErr.Code != 0 {
		return body, apiErr
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (e *LiveExchange) sign(data string) string {
	h := hmac.New(sha256.New, []byte(e.secretKey))
	h.Write([]byte(data))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// get runs a read-only call under the weight budget and classifies errors
// as non-mutating.
func (e *LiveExchange) get(ctx context.Context, baseURL, endpoint string, params url.Values, signed bool, weight int) ([]byte, error) {
	if err := e.governor.WaitWeight(ctx, weight); err != nil {
		return nil, err
	}
	body, err := e.doRequest(ctx, http.MethodGet, baseURL, endpoint, params, signed)
	if err != nil {
		return body, enginerr.Classify(err, false)
	}
	return body, nil
}

// mutate runs a state-changing call under both budgets and classifies
// errors as mutating, so timeouts surface as unknown outcomes.
func (e *LiveExchange) mutate(ctx context.Context, method, baseURL, endpoint string, params url.Values) ([]byte, error) {
	if err := e.governor.WaitOrder(ctx, weightOrder); err != nil {
		return nil, err
	}
	body, err := e.doRequest(ctx, method, baseURL, endpoint, params, true)
	if err != nil {
		return body, enginerr.Classify(err, true)
	}
	return body, nil
}

func (e *LiveExchange) ServerTime(ctx context.Context) (int64, error) {
	if err := e.governor.WaitWeight(ctx, weightLight); err != nil {
		return 0, err
	}
	body, err := e.doRequest(ctx, http.MethodGet, e.spotURL, "/api/v3/time", nil, false)
	if err != nil {
		return 0, enginerr.Classify(err, false)
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

func (e *LiveExchange) Price(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := e.get(ctx, e.spotURL, "/api/v3/ticker/price", params, false, weightLight)
	if err != nil {
		return 0, err
	}
	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return 0, err
	}
	return strconv.ParseFloat(ticker.Price, 64)
}

func (e *LiveExchange) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := e.get(ctx, e.spotURL, "/api/v3/exchangeInfo", params, false, weightExchangeInfo)
	if err != nil {
		return nil, err
	}
	var info models.ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, err
	}
	for i := range info.Symbols {
		if info.Symbols[i].Symbol == symbol {
			return &info.Symbols[i], nil
		}
	}
	return nil, fmt.Errorf("symbol %s not in exchange info", symbol)
}

func (e *LiveExchange) Balances(ctx context.Context) ([]models.Balance, error) {
	body, err := e.get(ctx, e.spotURL, "/api/v3/account", nil, true, weightAccount)
	if err != nil {
		return nil, err
	}
	var account struct {
		Balances []models.Balance `json:"balances"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, err
	}
	return account.Balances, nil
}

func (e *LiveExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, clientOrderID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", formatFloat(qty))
	params.Set("price", formatFloat(price))
	params.Set("newClientOrderId", clientOrderID)

	body, err := e.mutate(ctx, http.MethodPost, e.spotURL, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (e *LiveExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientOrderID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(qty))
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}

	body, err := e.mutate(ctx, http.MethodPost, e.spotURL, "/api/v3/order", params)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (e *LiveExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	_, err := e.mutate(ctx, http.MethodDelete, e.spotURL, "/api/v3/order", params)
	return err
}

func (e *LiveExchange) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := e.get(ctx, e.spotURL, "/api/v3/openOrders", params, true, weightOpenOrders)
	if err != nil {
		return nil, err
	}
	var orders []models.Order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (e *LiveExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)
	body, err := e.get(ctx, e.spotURL, "/api/v3/order", params, true, weightOrder)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (e *LiveExchange) MyTrades(ctx context.Context, symbol string, startTime int64) ([]models.Trade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if startTime > 0 {
		params.Set("startTime", strconv.FormatInt(startTime, 10))
	}
	body, err := e.get(ctx, e.spotURL, "/api/v3/myTrades", params, true, weightTrades)
	if err != nil {
		return nil, err
	}
	var trades []models.Trade
	if err := json.Unmarshal(body, &trades); err != nil {
		return nil, err
	}
	return trades, nil
}

func (e *LiveExchange) FuturesPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := e.get(ctx, e.futuresURL, "/fapi/v2/positionRisk", params, true, weightAccount)
	if err != nil {
		return nil, err
	}
	var positions []models.Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, err
	}
	var active []models.Position
	for _, p := range positions {
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt != 0 {
			active = append(active, p)
		}
	}
	return active, nil
}

func (e *LiveExchange) FuturesPlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", formatFloat(qty))

	body, err := e.mutate(ctx, http.MethodPost, e.futuresURL, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	return parseOrder(body)
}

func (e *LiveExchange) CreateListenKey(ctx context.Context) (string, error) {
	if err := e.governor.WaitWeight(ctx, weightLight); err != nil {
		return "", err
	}
	body, err := e.doRequest(ctx, http.MethodPost, e.spotURL, "/api/v3/userDataStream", nil, false)
	if err != nil {
		return "", enginerr.Classify(err, false)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

func (e *LiveExchange) KeepAliveListenKey(ctx context.Context, key string) error {
	if err := e.governor.WaitWeight(ctx, weightLight); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := e.doRequest(ctx, http.MethodPut, e.spotURL, "/api/v3/userDataStream", params, false)
	if err != nil {
		return enginerr.Classify(err, false)
	}
	return nil
}

func (e *LiveExchange) CloseListenKey(ctx context.Context, key string) error {
	if err := e.governor.WaitWeight(ctx, weightLight); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("listenKey", key)
	_, err := e.doRequest(ctx, http.MethodDelete, e.spotURL, "/api/v3/userDataStream", params, false)
	if err != nil {
		return enginerr.Classify(err, false)
	}
	return nil
}

func parseOrder(body []byte) (*models.Order, error) {
	order := &models.Order{}
	if err := json.Unmarshal(body, order); err != nil {
		return nil, err
	}
	return order, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
