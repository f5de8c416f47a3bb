// Package manager owns the bot lifecycle: it builds per-account clients,
// reconciles bots before their workers start, supervises the workers, and
// restarts a bot through recovery whenever its event stream gaps.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/events"
	"binance-grid-engine-go/internal/exchange"
	"binance-grid-engine-go/internal/grid"
	"binance-grid-engine-go/internal/hedge"
	"binance-grid-engine-go/internal/killswitch"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/persistence"
	"binance-grid-engine-go/internal/ratelimit"
	"binance-grid-engine-go/internal/recovery"
	"binance-grid-engine-go/internal/stream"
	"binance-grid-engine-go/internal/vault"
)

// ClientFactory builds the REST client for a credential. Production uses
// the live exchange; tests substitute a paper venue.
type ClientFactory func(ctx context.Context, cred *models.CredentialRecord, secret string, governor *ratelimit.Governor) (exchange.Client, error)

// Manager is the engine facade.
type Manager struct {
	cfg      *models.Config
	repo     persistence.Repository
	vault    *vault.Vault
	registry *ratelimit.Registry
	mux      *stream.Multiplexer
	guard    *killswitch.Switch
	bus      *events.Bus
	rec      *recovery.Reconciler
	factory  ClientFactory
	log      *zap.Logger

	mu      sync.Mutex
	running map[string]*runningBot
	clients map[string]exchange.Client
	wg      sync.WaitGroup
}

type runningBot struct {
	bot    *models.BotConfig
	cancel context.CancelFunc
	done   chan struct{}
	stop   func(ctx context.Context) error
	panic  func(ctx context.Context) error
}

// New wires a manager. A nil factory defaults to the live exchange.
func New(cfg *models.Config, repo persistence.Repository, v *vault.Vault,
	registry *ratelimit.Registry, mux *stream.Multiplexer, guard *killswitch.Switch,
	bus *events.Bus, factory ClientFactory) *Manager {
	if factory == nil {
		factory = func(ctx context.Context, cred *models.CredentialRecord, secret string, governor *ratelimit.Governor) (exchange.Client, error) {
			spotURL, futuresURL := cfg.LiveAPIURL, cfg.LiveFuturesURL
			if cred.Testnet {
				spotURL, futuresURL = cfg.TestnetAPIURL, cfg.TestnetFuturesURL
			}
			return exchange.NewLiveExchange(ctx, cred.APIKey, secret, spotURL, futuresURL, governor)
		}
	}
	return &Manager{
		cfg:      cfg,
		repo:     repo,
		vault:    v,
		registry: registry,
		mux:      mux,
		guard:    guard,
		bus:      bus,
		rec:      recovery.NewReconciler(repo, cfg.RecoveryMaxAttempts, callTimeout(cfg)),
		factory:  factory,
		log:      logger.Named("manager"),
		running:  make(map[string]*runningBot),
		clients:  make(map[string]exchange.Client),
	}
}

func callTimeout(cfg *models.Config) time.Duration {
	return time.Duration(cfg.OrderCallTimeoutSec) * time.Second
}

// Run resumes bots that were RUNNING at the last shutdown and supervises
// gap notices until ctx ends, then drains every worker.
func (m *Manager) Run(ctx context.Context) error {
	go m.guard.Run(ctx)
	go m.handleGaps(ctx)

	bots, err := m.repo.ListBots()
	if err != nil {
		return err
	}
	for _, bot := range bots {
		if bot.Status != models.StatusRunning {
			continue
		}
		if err := m.StartBot(ctx, bot.ID); err != nil {
			m.log.Error("resuming bot failed", zap.String("bot", bot.ID), zap.Error(err))
		}
	}

	<-ctx.Done()
	m.wg.Wait()
	m.mux.Close()
	return nil
}

// StartBot reconciles a bot against the venue and launches its worker.
func (m *Manager) StartBot(ctx context.Context, botID string) error {
	m.mu.Lock()
	if _, exists := m.running[botID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("bot %s already running", botID)
	}
	m.mu.Unlock()

	bot, err := m.repo.GetBot(botID)
	if err != nil {
		return err
	}
	if bot == nil {
		return fmt.Errorf("bot %s not found", botID)
	}
	if err := bot.Validate(); err != nil {
		return err
	}

	client, err := m.clientFor(ctx, bot.AccountID)
	if err != nil {
		return err
	}

	// Nothing starts on unverified state.
	if err := m.rec.ReconcileBot(ctx, bot, client); err != nil {
		return err
	}

	ch, err := m.mux.Subscribe(ctx, stream.Subscription{
		BotID:     bot.ID,
		Symbol:    bot.Symbol,
		AccountID: bot.AccountID,
		Testnet:   bot.Testnet,
		Client:    client,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	rb := &runningBot{bot: bot, cancel: cancel, done: make(chan struct{})}

	switch bot.Strategy {
	case models.StrategyGrid:
		var policy grid.BandPolicy
		if bot.Grid.AdaptiveMode {
			policy = grid.NewDriftPolicy(bot.Testnet)
		}
		worker := grid.NewWorker(bot, client, m.repo, m.guard, m.bus, ch, policy, callTimeout(m.cfg))
		rb.stop = worker.Stop
		rb.panic = worker.PanicClose
		m.launch(rb, botID, func() error { return worker.Run(runCtx) })

	case models.StrategyHedge:
		balancer := hedge.NewBalancer(bot, client, m.repo, m.guard, m.bus, ch,
			30*time.Second, callTimeout(m.cfg))
		rb.stop = balancer.Stop
		rb.panic = balancer.Stop
		m.launch(rb, botID, func() error { return balancer.Run(runCtx) })
	}

	bot.Status = models.StatusRunning
	bot.StatusReason = ""
	bot.UpdatedAt = time.Now()
	if err := m.repo.SaveBot(bot); err != nil {
		return err
	}
	m.log.Info("bot started", zap.String("bot", botID), zap.String("strategy", string(bot.Strategy)))
	return nil
}

func (m *Manager) launch(rb *runningBot, botID string, run func() error) {
	m.mu.Lock()
	m.running[botID] = rb
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := run(); err != nil {
			m.log.Error("worker exited with error", zap.String("bot", botID), zap.Error(err))
		}
		close(rb.done)
		m.mux.Unsubscribe(botID)
		m.mu.Lock()
		delete(m.running, botID)
		m.mu.Unlock()
	}()
}

// StopBot gracefully stops a running bot.
func (m *Manager) StopBot(ctx context.Context, botID string) error {
	rb := m.get(botID)
	if rb == nil {
		return fmt.Errorf("bot %s not running", botID)
	}
	if err := rb.stop(ctx); err != nil {
		return err
	}
	return m.await(ctx, rb)
}

// PanicCloseBot flattens and stops a running bot.
func (m *Manager) PanicCloseBot(ctx context.Context, botID string) error {
	rb := m.get(botID)
	if rb == nil {
		return fmt.Errorf("bot %s not running", botID)
	}
	if err := rb.panic(ctx); err != nil {
		return err
	}
	return m.await(ctx, rb)
}

// PanicCloseAll engages the kill switch and then flattens every running
// bot. The switch stays engaged afterwards; releasing it is the operator's
// deliberate act.
func (m *Manager) PanicCloseAll(ctx context.Context) error {
	if err := m.guard.Engage(); err != nil {
		return err
	}
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.PanicCloseBot(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) get(botID string) *runningBot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[botID]
}

func (m *Manager) await(ctx context.Context, rb *runningBot) error {
	select {
	case <-rb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running lists the IDs of currently supervised bots.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// handleGaps restarts a bot through reconciliation whenever its stream can
// no longer be trusted.
func (m *Manager) handleGaps(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case notice := <-m.mux.Gaps():
			m.log.Warn("stream gap, cycling bot through recovery",
				zap.String("bot", notice.BotID), zap.String("reason", notice.Reason))
			m.restart(ctx, notice.BotID)
		}
	}
}

func (m *Manager) restart(ctx context.Context, botID string) {
	rb := m.get(botID)
	if rb != nil {
		rb.cancel()
		select {
		case <-rb.done:
		case <-ctx.Done():
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := m.StartBot(ctx, botID); err != nil {
		m.log.Error("restart after gap failed", zap.String("bot", botID), zap.Error(err))
	}
}

// clientFor returns the shared REST client of an account, revealing its
// credential on first use. The plaintext secret is handed to the factory
// and not retained here.
func (m *Manager) clientFor(ctx context.Context, accountID string) (exchange.Client, error) {
	m.mu.Lock()
	if client, ok := m.clients[accountID]; ok {
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	cred, err := m.repo.GetCredential(accountID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("credential %s not found", accountID)
	}
	secret, err := m.vault.Reveal(cred)
	if err != nil {
		return nil, err
	}

	client, err := m.factory(ctx, cred, secret, m.registry.For(accountID))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.clients[accountID] = client
	m.mu.Unlock()
	return client, nil
}
