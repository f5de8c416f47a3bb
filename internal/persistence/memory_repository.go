package persistence

import (
	"sort"
	"sync"

	"binance-grid-engine-go/internal/models"
)

// MemoryRepository is an in-memory Repository used by tests and by the
// snapshot reporter. All values are deep-copied through JSON-free struct
// copies on the way in and out.
type MemoryRepository struct {
	mu          sync.RWMutex
	bots        map[string]models.BotConfig
	levels      map[string]map[int]models.GridLevel
	orders      map[string]map[string]models.OrderRef
	trades      map[string][]models.TradeRecord
	hedges      map[string]models.HedgePosition
	credentials map[string]models.CredentialRecord
	checkpoints map[string]models.Checkpoint
	killSwitch  bool
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bots:        make(map[string]models.BotConfig),
		levels:      make(map[string]map[int]models.GridLevel),
		orders:      make(map[string]map[string]models.OrderRef),
		trades:      make(map[string][]models.TradeRecord),
		hedges:      make(map[string]models.HedgePosition),
		credentials: make(map[string]models.CredentialRecord),
		checkpoints: make(map[string]models.Checkpoint),
	}
}

func (r *MemoryRepository) SaveBot(bot *models.BotConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bots[bot.ID] = *bot
	return nil
}

func (r *MemoryRepository) GetBot(id string) (*models.BotConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bot, ok := r.bots[id]
	if !ok {
		return nil, nil
	}
	cp := bot
	return &cp, nil
}

func (r *MemoryRepository) ListBots() ([]*models.BotConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.BotConfig, 0, len(r.bots))
	for _, bot := range r.bots {
		cp := bot
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) DeleteBot(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bots, id)
	return nil
}

func (r *MemoryRepository) SaveLevels(botID string, levels []*models.GridLevel) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.levels[botID]
	if !ok {
		set = make(map[int]models.GridLevel)
		r.levels[botID] = set
	}
	for _, lvl := range levels {
		set[lvl.ID] = *lvl
	}
	return nil
}

func (r *MemoryRepository) ListLevels(botID string) ([]*models.GridLevel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.levels[botID]
	out := make([]*models.GridLevel, 0, len(set))
	for _, lvl := range set {
		cp := lvl
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryRepository) SaveOrder(ref *models.OrderRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.orders[ref.BotID]
	if !ok {
		set = make(map[string]models.OrderRef)
		r.orders[ref.BotID] = set
	}
	set[ref.ClientOrderID] = *ref
	return nil
}

func (r *MemoryRepository) GetOrder(botID, clientOrderID string) (*models.OrderRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref, ok := r.orders[botID][clientOrderID]
	if !ok {
		return nil, nil
	}
	cp := ref
	return &cp, nil
}

func (r *MemoryRepository) ListOrders(botID string) ([]*models.OrderRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.orders[botID]
	out := make([]*models.OrderRef, 0, len(set))
	for _, ref := range set {
		cp := ref
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) DeleteOrder(botID, clientOrderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders[botID], clientOrderID)
	return nil
}

func (r *MemoryRepository) AppendTrade(rec *models.TradeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.trades[rec.BotID] {
		if existing.ID == rec.ID {
			return nil
		}
	}
	r.trades[rec.BotID] = append(r.trades[rec.BotID], *rec)
	return nil
}

func (r *MemoryRepository) ListTrades(botID string) ([]*models.TradeRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.TradeRecord, 0, len(r.trades[botID]))
	for _, rec := range r.trades[botID] {
		cp := rec
		out = append(out, &cp)
	}
	return out, nil
}

func (r *MemoryRepository) SaveHedge(pos *models.HedgePosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hedges[pos.BotID] = *pos
	return nil
}

func (r *MemoryRepository) GetHedge(botID string) (*models.HedgePosition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pos, ok := r.hedges[botID]
	if !ok {
		return nil, nil
	}
	cp := pos
	return &cp, nil
}

func (r *MemoryRepository) SaveCredential(rec *models.CredentialRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.credentials[rec.ID] = *rec
	return nil
}

func (r *MemoryRepository) GetCredential(id string) (*models.CredentialRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.credentials[id]
	if !ok {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

func (r *MemoryRepository) SetKillSwitch(engaged bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.killSwitch = engaged
	return nil
}

func (r *MemoryRepository) KillSwitch() (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.killSwitch, nil
}

func (r *MemoryRepository) SaveCheckpoint(cp *models.Checkpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkpoints[cp.BotID] = *cp
	return nil
}

func (r *MemoryRepository) GetCheckpoint(botID string) (*models.Checkpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp, ok := r.checkpoints[botID]
	if !ok {
		return nil, nil
	}
	out := cp
	return &out, nil
}

func (r *MemoryRepository) SaveBotSnapshot(bot *models.BotConfig, levels []*models.GridLevel, orders []*models.OrderRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bots[bot.ID] = *bot

	levelSet, ok := r.levels[bot.ID]
	if !ok {
		levelSet = make(map[int]models.GridLevel)
		r.levels[bot.ID] = levelSet
	}
	for _, lvl := range levels {
		levelSet[lvl.ID] = *lvl
	}

	orderSet := make(map[string]models.OrderRef, len(orders))
	for _, ref := range orders {
		orderSet[ref.ClientOrderID] = *ref
	}
	r.orders[bot.ID] = orderSet
	return nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
