package exchange

import (
	"context"

	"binance-grid-engine-go/internal/models"
)

// Client is the REST surface the engine needs from the venue. Spot covers
// the grid strategies and the hedge spot leg; the Futures methods cover the
// hedge futures leg. All blocking calls take a context.
type Client interface {
	ServerTime(ctx context.Context) (int64, error)
	Price(ctx context.Context, symbol string) (float64, error)
	SymbolInfo(ctx context.Context, symbol string) (*models.SymbolInfo, error)
	Balances(ctx context.Context) ([]models.Balance, error)

	PlaceLimitOrder(ctx context.Context, symbol string, side models.Side, qty, price float64, clientOrderID string) (*models.Order, error)
	PlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64, clientOrderID string) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	OpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (*models.Order, error)
	MyTrades(ctx context.Context, symbol string, startTime int64) ([]models.Trade, error)

	FuturesPositions(ctx context.Context, symbol string) ([]models.Position, error)
	FuturesPlaceMarketOrder(ctx context.Context, symbol string, side models.Side, qty float64) (*models.Order, error)

	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) error
	CloseListenKey(ctx context.Context, key string) error
}
