package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"binance-grid-engine-go/internal/models"
)

// PaperExchange is an in-memory Client used by strategy and recovery tests.
// It records every call, keeps placed orders as open until a test fills or
// cancels them, and can inject errors per method.
type PaperExchange struct {
	mu sync.Mutex

	MarkPrice   float64
	Symbol      models.SymbolInfo
	BalanceList []models.Balance
	Positions   []models.Position
	TradeList   []models.Trade

	open   map[string]*models.Order
	closed map[string]*models.Order
	nextID int64

	// Errs maps a method name ("PlaceLimitOrder", "CancelOrder", ...) to an
	// error returned on the next call of that method.
	Errs map[string]error

	Calls map[string]int
}

// NewPaperExchange returns an empty paper venue at the given mark price.
func NewPaperExchange(price float64) *PaperExchange {
	return &PaperExchange{
		MarkPrice: price,
		open:      make(map[string]*models.Order),
		closed:    make(map[string]*models.Order),
		Errs:      make(map[string]error),
		Calls:     make(map[string]int),
	}
}

func (p *PaperExchange) record(method string) error {
	p.Calls[method]++
	if err, ok := p.Errs[method]; ok {
		delete(p.Errs, method)
		return err
	}
	return nil
}

// CallCount returns how many times method was invoked.
func (p *PaperExchange) CallCount(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls[method]
}

// TotalCalls returns the number of calls across all methods.
func (p *PaperExchange) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.Calls {
		total += n
	}
	return total
}

// OpenOrder returns the live order with the given client ID, or nil.
func (p *PaperExchange) OpenOrder(clientOrderID string) *models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open[clientOrderID]
}

// Fill marks an open order as filled and removes it from the book.
func (p *PaperExchange) Fill(clientOrderID string) *models.Order {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.open[clientOrderID]
	if !ok {
		return nil
	}
	order.Status = string(models.OrderFilled)
	order.ExecutedQty = order.OrigQty
	qty, _ := strconv.ParseFloat(order.OrigQty, 64)
	price, _ := strconv.ParseFloat(order.Price, 64)
	order.CumQuote = strconv.FormatFloat(qty*price, 'f', -1, 64)
	delete(p.open, clientOrderID)
	p.closed[clientOrderID] = order
	return order
}

func (p *PaperExchange) ServerTime(ctx context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("ServerTime"); err != nil {
		return 0, err
	}
	return 0, nil
}

func (p *PaperExchange) Price(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("Price"); err != nil {
		return 0, err
	}
	return p.MarkPrice, nil
}

func (p *PaperExchange) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("SymbolInfo"); err != nil {
		return nil, err
	}
	info := p.Symbol
	info.Symbol = symbol
	return &info, nil
}

func (p *PaperExchange) Balances(ctx context.Context) ([]models.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("Balances"); err != nil {
		return nil, err
	}
	return p.BalanceList, nil
}

func (p *PaperExchange) PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, clientOrderID string) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("PlaceLimitOrder"); err != nil {
		return nil, err
	}
	p.nextID++
	order := &models.Order{
		Symbol:        symbol,
		OrderID:       p.nextID,
		ClientOrderID: clientOrderID,
		Price:         strconv.FormatFloat(price, 'f', -1, 64),
		OrigQty:       strconv.FormatFloat(qty, 'f', -1, 64),
		Status:        string(models.OrderNew),
		Type:          "LIMIT",
		Side:          string(side),
	}
	p.open[clientOrderID] = order
	return order, nil
}

func (p *PaperExchange) PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientOrderID string) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("PlaceMarketOrder"); err != nil {
		return nil, err
	}
	p.nextID++
	p.applySpotFill(side, qty)
	return &models.Order{
		Symbol:        symbol,
		OrderID:       p.nextID,
		ClientOrderID: clientOrderID,
		Price:         strconv.FormatFloat(p.MarkPrice, 'f', -1, 64),
		OrigQty:       strconv.FormatFloat(qty, 'f', -1, 64),
		ExecutedQty:   strconv.FormatFloat(qty, 'f', -1, 64),
		Status:        string(models.OrderFilled),
		Type:          "MARKET",
		Side:          string(side),
	}, nil
}

// applySpotFill moves the base-asset balance so a market order is visible
// to the next Balances call, the way a real fill would be.
func (p *PaperExchange) applySpotFill(side models.Side, qty float64) {
	if side == models.Sell {
		qty = -qty
	}
	for i := range p.BalanceList {
		if p.BalanceList[i].Asset == p.Symbol.BaseAsset {
			free, _ := strconv.ParseFloat(p.BalanceList[i].Free, 64)
			p.BalanceList[i].Free = strconv.FormatFloat(free+qty, 'f', -1, 64)
			return
		}
	}
	p.BalanceList = append(p.BalanceList, models.Balance{
		Asset: p.Symbol.BaseAsset,
		Free:  strconv.FormatFloat(qty, 'f', -1, 64),
	})
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CancelOrder"); err != nil {
		return err
	}
	if _, ok := p.open[clientOrderID]; !ok {
		return &models.APIError{Code: -2011, Msg: "Unknown order sent."}
	}
	delete(p.open, clientOrderID)
	return nil
}

func (p *PaperExchange) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("OpenOrders"); err != nil {
		return nil, err
	}
	var out []models.Order
	for _, order := range p.open {
		out = append(out, *order)
	}
	return out, nil
}

func (p *PaperExchange) QueryOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("QueryOrder"); err != nil {
		return nil, err
	}
	if order, ok := p.open[clientOrderID]; ok {
		cp := *order
		return &cp, nil
	}
	if order, ok := p.closed[clientOrderID]; ok {
		cp := *order
		return &cp, nil
	}
	return nil, &models.APIError{Code: -2013, Msg: fmt.Sprintf("Order does not exist: %s", clientOrderID)}
}

func (p *PaperExchange) MyTrades(ctx context.Context, symbol string, startTime int64) ([]models.Trade, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("MyTrades"); err != nil {
		return nil, err
	}
	var out []models.Trade
	for _, tr := range p.TradeList {
		if tr.Time >= startTime {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (p *PaperExchange) FuturesPositions(ctx context.Context, symbol string) ([]models.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("FuturesPositions"); err != nil {
		return nil, err
	}
	return p.Positions, nil
}

func (p *PaperExchange) FuturesPlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64) (*models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("FuturesPlaceMarketOrder"); err != nil {
		return nil, err
	}
	p.nextID++
	p.applyFuturesFill(symbol, side, qty)
	return &models.Order{
		Symbol:      symbol,
		OrderID:     p.nextID,
		OrigQty:     strconv.FormatFloat(qty, 'f', -1, 64),
		ExecutedQty: strconv.FormatFloat(qty, 'f', -1, 64),
		Status:      string(models.OrderFilled),
		Type:        "MARKET",
		Side:        string(side),
	}, nil
}

func (p *PaperExchange) applyFuturesFill(symbol string, side models.Side, qty float64) {
	if side == models.Sell {
		qty = -qty
	}
	for i := range p.Positions {
		if p.Positions[i].Symbol == symbol {
			amt, _ := strconv.ParseFloat(p.Positions[i].PositionAmt, 64)
			p.Positions[i].PositionAmt = strconv.FormatFloat(amt+qty, 'f', -1, 64)
			return
		}
	}
	p.Positions = append(p.Positions, models.Position{
		Symbol:      symbol,
		PositionAmt: strconv.FormatFloat(qty, 'f', -1, 64),
	})
}

func (p *PaperExchange) CreateListenKey(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("CreateListenKey"); err != nil {
		return "", err
	}
	return "paper-listen-key", nil
}

func (p *PaperExchange) KeepAliveListenKey(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record("KeepAliveListenKey")
}

func (p *PaperExchange) CloseListenKey(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record("CloseListenKey")
}
