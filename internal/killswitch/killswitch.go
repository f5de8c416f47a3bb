// Package killswitch gates all order submission on a store-backed flag.
// The flag lives in the database so an operator tool can flip it without
// talking to the engine process; the engine polls it and caches the value.
package killswitch

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"binance-grid-engine-go/internal/enginerr"
	"binance-grid-engine-go/internal/logger"
	"binance-grid-engine-go/internal/persistence"
)

// Switch caches the persisted kill flag. Engaged is answered from the cache
// so order paths never touch the database per call.
type Switch struct {
	repo     persistence.Repository
	interval time.Duration
	engaged  atomic.Bool
	log      *zap.Logger
}

// New builds a switch and loads the current flag synchronously, so the
// engine starts with the persisted value rather than a stale default.
func New(repo persistence.Repository, pollInterval time.Duration) (*Switch, error) {
	s := &Switch{
		repo:     repo,
		interval: pollInterval,
		log:      logger.Named("killswitch"),
	}
	engaged, err := repo.KillSwitch()
	if err != nil {
		return nil, err
	}
	s.engaged.Store(engaged)
	return s, nil
}

// Run polls the store until ctx is canceled.
func (s *Switch) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engaged, err := s.repo.KillSwitch()
			if err != nil {
				s.log.Warn("kill switch poll failed, keeping last value", zap.Error(err))
				continue
			}
			if engaged != s.engaged.Load() {
				s.log.Warn("kill switch flipped", zap.Bool("engaged", engaged))
			}
			s.engaged.Store(engaged)
		}
	}
}

// Engaged reports the cached flag.
func (s *Switch) Engaged() bool {
	return s.engaged.Load()
}

// Guard returns ErrHalted when the switch is engaged. Order paths call it
// before any exchange request.
func (s *Switch) Guard() error {
	if s.engaged.Load() {
		return enginerr.ErrHalted
	}
	return nil
}

// Engage persists the flag and updates the cache immediately.
func (s *Switch) Engage() error {
	if err := s.repo.SetKillSwitch(true); err != nil {
		return err
	}
	s.engaged.Store(true)
	s.log.Warn("kill switch engaged")
	return nil
}

// Release clears the flag. Bots do not resume automatically; the operator
// restarts them, which forces reconciliation first.
func (s *Switch) Release() error {
	if err := s.repo.SetKillSwitch(false); err != nil {
		return err
	}
	s.engaged.Store(false)
	s.log.Info("kill switch released")
	return nil
}
