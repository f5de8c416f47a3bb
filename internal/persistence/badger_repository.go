package persistence

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"binance-grid-engine-go/internal/models"
)

// Key layout. Every record is one JSON value under a typed prefix so that
// per-bot sets can be loaded with a prefix scan.
const (
	prefixBot        = "bot/"
	prefixLevel      = "level/"      // level/<botID>/<levelID>
	prefixOrder      = "order/"      // order/<botID>/<clientOrderID>
	prefixTrade      = "trade/"      // trade/<botID>/<tradeID>
	prefixHedge      = "hedge/"      // hedge/<botID>
	prefixCredential = "cred/"       // cred/<credentialID>
	prefixCheckpoint = "checkpoint/" // checkpoint/<botID>
	keyKillSwitch    = "meta/killswitch"
)

// badgerRepository is the BadgerDB implementation of Repository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens the database at dbPath. Badger's own logger is
// disabled; errors still surface from operations.
func NewBadgerRepository(dbPath string) (Repository, error) {
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

func (r *badgerRepository) setJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// getJSON loads one key into out. Returns badger.ErrKeyNotFound untouched
// so callers can map it to their "no record" convention.
func (r *badgerRepository) getJSON(key string, out interface{}) error {
	return r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
}

// scanPrefix calls fn with each value under prefix.
func (r *badgerRepository) scanPrefix(prefix string, fn func(val []byte) error) error {
	return r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *badgerRepository) SaveBot(bot *models.BotConfig) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return r.setJSON(txn, prefixBot+bot.ID, bot)
	})
}

func (r *badgerRepository) GetBot(id string) (*models.BotConfig, error) {
	bot := &models.BotConfig{}
	err := r.getJSON(prefixBot+id, bot)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return bot, nil
}

func (r *badgerRepository) ListBots() ([]*models.BotConfig, error) {
	var bots []*models.BotConfig
	err := r.scanPrefix(prefixBot, func(val []byte) error {
		bot := &models.BotConfig{}
		if err := json.Unmarshal(val, bot); err != nil {
			return err
		}
		bots = append(bots, bot)
		return nil
	})
	return bots, err
}

func (r *badgerRepository) DeleteBot(id string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(prefixBot + id))
	})
}

func levelKey(botID string, levelID int) string {
	return fmt.Sprintf("%s%s/%06d", prefixLevel, botID, levelID)
}

// SaveLevels replaces the whole level set of a bot in one transaction.
func (r *badgerRepository) SaveLevels(botID string, levels []*models.GridLevel) error {
	return r.db.Update(func(txn *badger.Txn) error {
		for _, lvl := range levels {
			if err := r.setJSON(txn, levelKey(botID, lvl.ID), lvl); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *badgerRepository) ListLevels(botID string) ([]*models.GridLevel, error) {
	var levels []*models.GridLevel
	err := r.scanPrefix(prefixLevel+botID+"/", func(val []byte) error {
		lvl := &models.GridLevel{}
		if err := json.Unmarshal(val, lvl); err != nil {
			return err
		}
		levels = append(levels, lvl)
		return nil
	})
	return levels, err
}

func orderKey(botID, clientOrderID string) string {
	return prefixOrder + botID + "/" + clientOrderID
}

func (r *badgerRepository) SaveOrder(ref *models.OrderRef) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return r.setJSON(txn, orderKey(ref.BotID, ref.ClientOrderID), ref)
	})
}

func (r *badgerRepository) GetOrder(botID, clientOrderID string) (*models.OrderRef, error) {
	ref := &models.OrderRef{}
	err := r.getJSON(orderKey(botID, clientOrderID), ref)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ref, nil
}

func (r *badgerRepository) ListOrders(botID string) ([]*models.OrderRef, error) {
	var refs []*models.OrderRef
	err := r.scanPrefix(prefixOrder+botID+"/", func(val []byte) error {
		ref := &models.OrderRef{}
		if err := json.Unmarshal(val, ref); err != nil {
			return err
		}
		refs = append(refs, ref)
		return nil
	})
	return refs, err
}

func (r *badgerRepository) DeleteOrder(botID, clientOrderID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(orderKey(botID, clientOrderID)))
	})
}

func (r *badgerRepository) AppendTrade(rec *models.TradeRecord) error {
	return r.db.Update(func(txn *badger.Txn) error {
		key := prefixTrade + rec.BotID + "/" + rec.ID
		// Immutable records: never overwrite an existing ID.
		if _, err := txn.Get([]byte(key)); err == nil {
			return nil
		}
		return r.setJSON(txn, key, rec)
	})
}

func (r *badgerRepository) ListTrades(botID string) ([]*models.TradeRecord, error) {
	var recs []*models.TradeRecord
	err := r.scanPrefix(prefixTrade+botID+"/", func(val []byte) error {
		rec := &models.TradeRecord{}
		if err := json.Unmarshal(val, rec); err != nil {
			return err
		}
		recs = append(recs, rec)
		return nil
	})
	return recs, err
}

func (r *badgerRepository) SaveHedge(pos *models.HedgePosition) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return r.setJSON(txn, prefixHedge+pos.BotID, pos)
	})
}

func (r *badgerRepository) GetHedge(botID string) (*models.HedgePosition, error) {
	pos := &models.HedgePosition{}
	err := r.getJSON(prefixHedge+botID, pos)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return pos, nil
}

func (r *badgerRepository) SaveCredential(rec *models.CredentialRecord) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return r.setJSON(txn, prefixCredential+rec.ID, rec)
	})
}

func (r *badgerRepository) GetCredential(id string) (*models.CredentialRecord, error) {
	rec := &models.CredentialRecord{}
	err := r.getJSON(prefixCredential+id, rec)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *badgerRepository) SetKillSwitch(engaged bool) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return r.setJSON(txn, keyKillSwitch, engaged)
	})
}

func (r *badgerRepository) KillSwitch() (bool, error) {
	var engaged bool
	err := r.getJSON(keyKillSwitch, &engaged)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return engaged, err
}

func (r *badgerRepository) SaveCheckpoint(cp *models.Checkpoint) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return r.setJSON(txn, prefixCheckpoint+cp.BotID, cp)
	})
}

func (r *badgerRepository) GetCheckpoint(botID string) (*models.Checkpoint, error) {
	cp := &models.Checkpoint{}
	err := r.getJSON(prefixCheckpoint+botID, cp)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// SaveBotSnapshot writes the bot, its levels and its orders in a single
// transaction, deleting orders not present in the snapshot.
func (r *badgerRepository) SaveBotSnapshot(bot *models.BotConfig, levels []*models.GridLevel, orders []*models.OrderRef) error {
	keep := make(map[string]bool, len(orders))
	for _, ref := range orders {
		keep[ref.ClientOrderID] = true
	}

	existing, err := r.ListOrders(bot.ID)
	if err != nil {
		return err
	}

	return r.db.Update(func(txn *badger.Txn) error {
		if err := r.setJSON(txn, prefixBot+bot.ID, bot); err != nil {
			return err
		}
		for _, lvl := range levels {
			if err := r.setJSON(txn, levelKey(bot.ID, lvl.ID), lvl); err != nil {
				return err
			}
		}
		for _, ref := range orders {
			if err := r.setJSON(txn, orderKey(bot.ID, ref.ClientOrderID), ref); err != nil {
				return err
			}
		}
		for _, ref := range existing {
			if !keep[ref.ClientOrderID] {
				if err := txn.Delete([]byte(orderKey(bot.ID, ref.ClientOrderID))); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (r *badgerRepository) Close() error {
	return r.db.Close()
}
