package models

import (
	"fmt"
	"time"
)

// Side is the direction of an order or a grid level.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderStatus mirrors the exchange-reported order status.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderExpired         OrderStatus = "EXPIRED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether no further exchange events can change this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderExpired, OrderRejected:
		return true
	}
	return false
}

// Order is the exchange's wire representation of an order.
type Order struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// Trade is the exchange's wire representation of a single fill.
type Trade struct {
	Symbol          string `json:"symbol"`
	ID              int64  `json:"id"`
	OrderID         int64  `json:"orderId"`
	ClientOrderID   string `json:"clientOrderId"`
	Side            string `json:"side"`
	Price           string `json:"price"`
	Qty             string `json:"qty"`
	QuoteQty        string `json:"quoteQty"`
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
	Time            int64  `json:"time"`
}

// Position is a futures position as reported by the exchange.
type Position struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnrealizedProfit string `json:"unRealizedProfit"`
	Notional         string `json:"notional"`
	UpdateTime       int64  `json:"updateTime"`
}

// Balance is a single asset balance.
type Balance struct {
	Asset            string `json:"asset"`
	Free             string `json:"free"`
	Locked           string `json:"locked"`
	AvailableBalance string `json:"availableBalance"`
}

// ExchangeInfo holds the full exchange information response.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo holds trading rules for a single symbol.
type SymbolInfo struct {
	Symbol     string   `json:"symbol"`
	BaseAsset  string   `json:"baseAsset"`
	QuoteAsset string   `json:"quoteAsset"`
	Filters    []Filter `json:"filters"`
}

// Filter holds filter data; PRICE_FILTER, LOT_SIZE and MIN_NOTIONAL matter here.
type Filter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize,omitempty"`
	StepSize    string `json:"stepSize,omitempty"`
	MinQty      string `json:"minQty,omitempty"`
	MinNotional string `json:"minNotional,omitempty"`
}

// TickSize returns the PRICE_FILTER tick size, or "" if absent.
func (s *SymbolInfo) TickSize() string {
	for _, f := range s.Filters {
		if f.FilterType == "PRICE_FILTER" {
			return f.TickSize
		}
	}
	return ""
}

// StepSize returns the LOT_SIZE step size, or "" if absent.
func (s *SymbolInfo) StepSize() string {
	for _, f := range s.Filters {
		if f.FilterType == "LOT_SIZE" {
			return f.StepSize
		}
	}
	return ""
}

// MinNotional returns the minimum order notional, 0 if the filter is absent.
func (s *SymbolInfo) MinNotional() float64 {
	for _, f := range s.Filters {
		if f.FilterType == "MIN_NOTIONAL" || f.FilterType == "NOTIONAL" {
			var v float64
			fmt.Sscanf(f.MinNotional, "%f", &v)
			return v
		}
	}
	return 0
}

// APIError is the error payload returned by the exchange REST API.
type APIError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("exchange API error: code=%d, msg=%s", e.Code, e.Msg)
}

// PriceUpdate is a normalized market-data tick.
type PriceUpdate struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// OrderExecution is a normalized user-data order event. All fields are
// parsed at the stream boundary; payloads that do not fit this shape are
// dropped there and never reach a strategy worker.
type OrderExecution struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID int64
	Side            Side
	Status          OrderStatus
	ExecType        string
	Price           float64
	LastFilledPrice float64
	LastFilledQty   float64
	CumFilledQty    float64
	Commission      float64
	CommissionAsset string
	EventTime       int64
}

// PositionChange is a normalized account-update position delta.
type PositionChange struct {
	Symbol string
	Amount float64
}

// AccountUpdate is a normalized user-data account event.
type AccountUpdate struct {
	Positions []PositionChange
	EventTime int64
}

// StreamEvent is the strict variant set delivered to subscribers.
// Exactly one of the pointers is non-nil.
type StreamEvent struct {
	Price   *PriceUpdate
	Order   *OrderExecution
	Account *AccountUpdate
}
