package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"binance-grid-engine-go/internal/models"
)

// Raw frame shapes. Parsing is strict: a frame that does not deserialize
// into one of these is dropped at this boundary and never reaches a worker.

type rawTrade struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
}

type rawExecutionReport struct {
	EventType       string `json:"e"`
	EventTime       int64  `json:"E"`
	Symbol          string `json:"s"`
	ClientOrderID   string `json:"c"`
	Side            string `json:"S"`
	ExecType        string `json:"x"`
	Status          string `json:"X"`
	OrderID         int64  `json:"i"`
	Price           string `json:"p"`
	LastFilledQty   string `json:"l"`
	CumFilledQty    string `json:"z"`
	LastFilledPrice string `json:"L"`
	Commission      string `json:"n"`
	CommissionAsset string `json:"N"`
	// Cancels carry the original client ID here.
	OrigClientOrderID string `json:"C"`
}

type rawAccountPosition struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Balances  []struct {
		Asset  string `json:"a"`
		Free   string `json:"f"`
		Locked string `json:"l"`
	} `json:"B"`
}

// parseMarketFrame turns a market-data frame into a price update.
func parseMarketFrame(data []byte) (*models.PriceUpdate, error) {
	var raw rawTrade
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.EventType != "trade" || raw.Symbol == "" {
		return nil, fmt.Errorf("unexpected market frame type %q", raw.EventType)
	}
	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("bad price %q: %w", raw.Price, err)
	}
	return &models.PriceUpdate{
		Symbol: raw.Symbol,
		Price:  price,
		Time:   time.UnixMilli(raw.EventTime),
	}, nil
}

// parseUserFrame turns a user-data frame into a stream event, or returns
// (nil, nil) for frame types the engine deliberately ignores.
func parseUserFrame(data []byte) (*models.StreamEvent, error) {
	// EventTime must be declared too: encoding/json matches field tags case
	// insensitively, so without it the numeric "E" lands on the "e" field
	// and decoding fails on every frame.
	var head struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	switch head.EventType {
	case "executionReport":
		var raw rawExecutionReport
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		exec, err := normalizeExecution(&raw)
		if err != nil {
			return nil, err
		}
		return &models.StreamEvent{Order: exec}, nil

	case "outboundAccountPosition":
		var raw rawAccountPosition
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		update := &models.AccountUpdate{EventTime: raw.EventTime}
		for _, b := range raw.Balances {
			free, err := strconv.ParseFloat(b.Free, 64)
			if err != nil {
				return nil, fmt.Errorf("bad balance for %s: %w", b.Asset, err)
			}
			locked, err := strconv.ParseFloat(b.Locked, 64)
			if err != nil {
				return nil, fmt.Errorf("bad balance for %s: %w", b.Asset, err)
			}
			update.Positions = append(update.Positions, models.PositionChange{
				Symbol: b.Asset,
				Amount: free + locked,
			})
		}
		return &models.StreamEvent{Account: update}, nil

	case "balanceUpdate", "listStatus":
		// Known but unused frame types.
		return nil, nil
	}
	return nil, fmt.Errorf("unknown user frame type %q", head.EventType)
}

func normalizeExecution(raw *rawExecutionReport) (*models.OrderExecution, error) {
	clientID := raw.ClientOrderID
	if raw.Status == string(models.OrderCanceled) && raw.OrigClientOrderID != "" {
		clientID = raw.OrigClientOrderID
	}

	price, err := strconv.ParseFloat(raw.Price, 64)
	if err != nil {
		return nil, fmt.Errorf("bad order price %q: %w", raw.Price, err)
	}
	lastQty, err := strconv.ParseFloat(raw.LastFilledQty, 64)
	if err != nil {
		return nil, fmt.Errorf("bad last qty %q: %w", raw.LastFilledQty, err)
	}
	cumQty, err := strconv.ParseFloat(raw.CumFilledQty, 64)
	if err != nil {
		return nil, fmt.Errorf("bad cum qty %q: %w", raw.CumFilledQty, err)
	}
	lastPrice, err := strconv.ParseFloat(raw.LastFilledPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("bad last price %q: %w", raw.LastFilledPrice, err)
	}
	commission := 0.0
	if raw.Commission != "" {
		commission, err = strconv.ParseFloat(raw.Commission, 64)
		if err != nil {
			return nil, fmt.Errorf("bad commission %q: %w", raw.Commission, err)
		}
	}

	return &models.OrderExecution{
		Symbol:          raw.Symbol,
		ClientOrderID:   clientID,
		ExchangeOrderID: raw.OrderID,
		Side:            models.Side(raw.Side),
		Status:          models.OrderStatus(raw.Status),
		ExecType:        raw.ExecType,
		Price:           price,
		LastFilledPrice: lastPrice,
		LastFilledQty:   lastQty,
		CumFilledQty:    cumQty,
		Commission:      commission,
		CommissionAsset: raw.CommissionAsset,
		EventTime:       raw.EventTime,
	}, nil
}
