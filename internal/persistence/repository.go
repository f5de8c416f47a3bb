package persistence

import "binance-grid-engine-go/internal/models"

// Repository is the durable store behind the engine. It abstracts the
// underlying storage mechanism (BadgerDB in production, in-memory in tests)
// from the rest of the application.
//
// Writes that must be observed together (a reconciled bot plus its levels
// and orders) go through SaveBotSnapshot, which commits in one transaction.
type Repository interface {
	SaveBot(bot *models.BotConfig) error
	GetBot(id string) (*models.BotConfig, error)
	ListBots() ([]*models.BotConfig, error)
	DeleteBot(id string) error

	// SaveLevels replaces the level set of a bot atomically.
	SaveLevels(botID string, levels []*models.GridLevel) error
	ListLevels(botID string) ([]*models.GridLevel, error)

	SaveOrder(ref *models.OrderRef) error
	GetOrder(botID, clientOrderID string) (*models.OrderRef, error)
	ListOrders(botID string) ([]*models.OrderRef, error)
	DeleteOrder(botID, clientOrderID string) error

	// AppendTrade stores an immutable fill record. Records are never
	// updated or deleted.
	AppendTrade(rec *models.TradeRecord) error
	ListTrades(botID string) ([]*models.TradeRecord, error)

	SaveHedge(pos *models.HedgePosition) error
	GetHedge(botID string) (*models.HedgePosition, error)

	SaveCredential(rec *models.CredentialRecord) error
	GetCredential(id string) (*models.CredentialRecord, error)

	SetKillSwitch(engaged bool) error
	KillSwitch() (bool, error)

	SaveCheckpoint(cp *models.Checkpoint) error
	GetCheckpoint(botID string) (*models.Checkpoint, error)

	// SaveBotSnapshot commits a bot together with its full level and order
	// sets in a single transaction. Recovery uses this so a crash can never
	// leave a half-reconciled bot behind.
	SaveBotSnapshot(bot *models.BotConfig, levels []*models.GridLevel, orders []*models.OrderRef) error

	Close() error
}
