package models

import (
	"fmt"
	"time"
)

// BotStatus is the lifecycle status of a bot.
type BotStatus string

const (
	StatusIdle    BotStatus = "IDLE"
	StatusRunning BotStatus = "RUNNING"
	StatusStopped BotStatus = "STOPPED"
	StatusError   BotStatus = "ERROR"
)

// StrategyKind selects the strategy a bot runs.
type StrategyKind string

const (
	StrategyGrid  StrategyKind = "grid"
	StrategyHedge StrategyKind = "hedge"
)

// GridParams are the parameters of a grid-strategy bot. The band bounds are
// owned by the management layer; the engine never mutates them.
type GridParams struct {
	LowerPrice        float64 `json:"lower_price"`
	UpperPrice        float64 `json:"upper_price"`
	GridCount         int     `json:"grid_count"`
	NotionalPerLevel  float64 `json:"notional_per_level"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitAmount  float64 `json:"take_profit_amount,omitempty"`
	ShortBias         bool    `json:"short_bias,omitempty"`
	AdaptiveMode      bool    `json:"adaptive_mode,omitempty"`
	AnalysisInterval  int     `json:"analysis_interval_sec,omitempty"`
	RejectTolerance   int     `json:"reject_tolerance,omitempty"`
}

// Validate checks the parameter set at BotConfig creation time.
func (p *GridParams) Validate() error {
	if p.LowerPrice <= 0 || p.UpperPrice <= p.LowerPrice {
		return fmt.Errorf("invalid band [%f, %f]", p.LowerPrice, p.UpperPrice)
	}
	if p.GridCount < 2 {
		return fmt.Errorf("grid_count must be >= 2, got %d", p.GridCount)
	}
	if p.NotionalPerLevel <= 0 {
		return fmt.Errorf("notional_per_level must be positive")
	}
	if p.StopLossPercent < 0 || p.StopLossPercent >= 1 {
		return fmt.Errorf("stop_loss_percent out of range: %f", p.StopLossPercent)
	}
	return nil
}

// Step returns the equal price spacing between adjacent levels.
func (p *GridParams) Step() float64 {
	return (p.UpperPrice - p.LowerPrice) / float64(p.GridCount)
}

// HedgeParams are the parameters of a hedge-strategy bot.
type HedgeParams struct {
	TargetNotional     float64 `json:"target_notional"`
	RebalanceThreshold float64 `json:"rebalance_threshold"`
}

// Validate checks the parameter set at BotConfig creation time.
func (p *HedgeParams) Validate() error {
	if p.TargetNotional <= 0 {
		return fmt.Errorf("target_notional must be positive")
	}
	if p.RebalanceThreshold <= 0 || p.RebalanceThreshold >= 1 {
		return fmt.Errorf("rebalance_threshold out of range: %f", p.RebalanceThreshold)
	}
	return nil
}

// BotConfig is the durable configuration and lifecycle record of one bot.
// Strategy parameters are a tagged union: exactly one of Grid/Hedge is set,
// matching Strategy.
type BotConfig struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	AccountID      string       `json:"account_id"` // CredentialRecord reference
	Symbol         string       `json:"symbol"`
	Strategy       StrategyKind `json:"strategy"`
	Grid           *GridParams  `json:"grid,omitempty"`
	Hedge          *HedgeParams `json:"hedge,omitempty"`
	Status         BotStatus    `json:"status"`
	StatusReason   string       `json:"status_reason,omitempty"`
	Testnet        bool         `json:"testnet"`
	RealizedProfit float64      `json:"realized_profit"` // derived counter, TradeRecords win
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate enforces the tagged-union shape of the strategy parameters.
func (c *BotConfig) Validate() error {
	switch c.Strategy {
	case StrategyGrid:
		if c.Grid == nil || c.Hedge != nil {
			return fmt.Errorf("grid bot %s must carry grid params only", c.ID)
		}
		return c.Grid.Validate()
	case StrategyHedge:
		if c.Hedge == nil || c.Grid != nil {
			return fmt.Errorf("hedge bot %s must carry hedge params only", c.ID)
		}
		return c.Hedge.Validate()
	}
	return fmt.Errorf("unknown strategy kind %q", c.Strategy)
}

// LevelState is the state of a grid level's micro state machine.
type LevelState string

const (
	LevelEmpty  LevelState = "EMPTY"
	LevelPlaced LevelState = "PLACED"
	LevelFilled LevelState = "FILLED"
	LevelPaired LevelState = "PAIRED"
)

// GridLevel is one price rung of a bot's band. At most one outstanding
// exchange order exists per level; OrderID references it while it lives.
type GridLevel struct {
	BotID      string     `json:"bot_id"`
	ID         int        `json:"id"`
	Price      float64    `json:"price"`
	Side       Side       `json:"side"`
	Quantity   float64    `json:"quantity"`
	State      LevelState `json:"state"`
	EntryPrice float64    `json:"entry_price,omitempty"` // cost basis of the paired leg
	EntryFee   float64    `json:"entry_fee,omitempty"`   // netted into profit when the pair closes
	OrderID    string     `json:"order_id,omitempty"`    // client order id, "" when none
	UpdatedAt  time.Time  `json:"updated_at"`
}

// OrderRef is the engine's view of an exchange order. It is created on
// submission and afterwards mutated only by confirmed exchange events.
type OrderRef struct {
	BotID           string      `json:"bot_id"`
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID int64       `json:"exchange_order_id,omitempty"`
	LevelID         int         `json:"level_id"`
	Side            Side        `json:"side"`
	Price           float64     `json:"price"`
	Quantity        float64     `json:"quantity"`
	ExecutedQty     float64     `json:"executed_qty"`
	Status          OrderStatus `json:"status"`
	LastEventTime   int64       `json:"last_event_time"`
}

// TradeRecord is an immutable, append-only fact about a confirmed fill.
// RealizedProfit is non-zero only on the leg that closes a round trip.
type TradeRecord struct {
	ID             string    `json:"id"`
	BotID          string    `json:"bot_id"`
	Symbol         string    `json:"symbol"`
	Side           Side      `json:"side"`
	Price          float64   `json:"price"`
	Quantity       float64   `json:"quantity"`
	Fee            float64   `json:"fee"`
	RealizedProfit float64   `json:"realized_profit"`
	Timestamp      time.Time `json:"timestamp"`
}

// HedgePosition tracks both legs of a hedge bot. FuturesQty is signed;
// negative means short.
type HedgePosition struct {
	BotID      string    `json:"bot_id"`
	SpotQty    float64   `json:"spot_qty"`
	FuturesQty float64   `json:"futures_qty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CredentialRecord holds an exchange credential at rest. Only ciphertexts
// are persisted; the plaintext secret exists transiently during signing.
type CredentialRecord struct {
	ID               string `json:"id"`
	APIKey           string `json:"api_key"`
	SecretCiphertext []byte `json:"secret_ciphertext"`
	EncryptedDEK     []byte `json:"encrypted_dek"`
	Testnet          bool   `json:"testnet"`
}

// Checkpoint marks how far a bot's state is known to be reconciled with
// the exchange. Recovery fetches trade history from this point on.
type Checkpoint struct {
	BotID     string    `json:"bot_id"`
	LastEvent time.Time `json:"last_event"`
}
