// Package rules manages alert rule definitions and serves the evaluator a
// consistent snapshot of the active set.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"can-logger/ingestion/internal/domain"
)

type Lister interface {
	ListRules(ctx context.Context) ([]domain.AlertRule, error)
}

// Set holds the active rules. Readers get an immutable snapshot; the
// snapshot is replaced after every mutation made through Service and on a
// fixed interval to pick up rows written by other processes. A refresh that
// started before the one currently stored is discarded.
type Set struct {
	log      *slog.Logger
	store    Lister
	clock    clockwork.Clock
	interval time.Duration
	rules    atomic.Pointer[[]domain.AlertRule]

	mu      sync.Mutex
	started uint64
	stored  uint64
}

func NewSet(log *slog.Logger, store Lister, clock clockwork.Clock, interval time.Duration) *Set {
	s := &Set{log: log, store: store, clock: clock, interval: interval}
	s.rules.Store(&[]domain.AlertRule{})
	return s
}

// Rules returns the current snapshot. Callers must not modify it.
func (s *Set) Rules() []domain.AlertRule {
	return *s.rules.Load()
}

func (s *Set) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.started++
	gen := s.started
	s.mu.Unlock()

	rules, err := s.store.ListRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh alert rules: %w", err)
	}
	if rules == nil {
		rules = []domain.AlertRule{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen < s.stored {
		return nil
	}
	s.stored = gen
	s.rules.Store(&rules)
	return nil
}

// Run refreshes the snapshot every interval until ctx is done. A failed
// refresh keeps the previous snapshot.
func (s *Set) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := s.Refresh(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("rules: refresh failed, keeping previous set", "error", err)
			}
		}
	}
}
