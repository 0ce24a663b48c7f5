package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/choice-protocol/choice/ledger"
	"github.com/choice-protocol/choice/log"
	"github.com/choice-protocol/choice/tally"
)

// Sealer is a background worker that periodically seals the ledgers of all
// registered polls, publishing a fresh root whenever new commitments have
// landed since the last seal. Polls with no new activity are skipped so
// roots are only published when they change.
type Sealer struct {
	ledger   *ledger.Ledger
	tally    *tally.Engine
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSealer creates a sealer over the given ledger and poll registry.
func NewSealer(l *ledger.Ledger, t *tally.Engine, interval time.Duration) (*Sealer, error) {
	if l == nil || t == nil {
		return nil, fmt.Errorf("ledger and tally engine cannot be nil")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("seal interval must be positive")
	}
	return &Sealer{ledger: l, tally: t, interval: interval}, nil
}

// Start begins the sealing loop. The loop runs until the context is
// canceled or Stop is called.
func (s *Sealer) Start(ctx context.Context) error {
	if ctx == nil {
		return fmt.Errorf("context cannot be nil")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	ticker := time.NewTicker(s.interval)

	go func() {
		defer ticker.Stop()
		log.Infow("sealer started", "interval", s.interval.String())
		for {
			select {
			case <-s.ctx.Done():
				log.Infow("sealer stopped")
				return
			case <-ticker.C:
				s.sealAll()
			}
		}
	}()
	return nil
}

// Stop gracefully shuts down the sealer. It's safe to call multiple times.
func (s *Sealer) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// sealAll seals every poll whose ledger has grown since its last seal.
func (s *Sealer) sealAll() {
	polls, err := s.tally.ListPolls()
	if err != nil {
		log.Errorw(err, "sealer failed to list polls")
		return
	}
	for _, p := range polls {
		count, err := s.ledger.LeafCount(p.ID)
		if err != nil || count == 0 {
			continue
		}
		if latest, err := s.ledger.LatestRoot(p.ID); err == nil && latest.LeafCount == count {
			continue
		}
		sealed, err := s.ledger.SealRoot(p.ID)
		if err != nil {
			if !errors.Is(err, ledger.ErrNoLeaves) {
				log.Warnw("sealer failed to seal poll", "poll", p.ID, "error", err.Error())
			}
			continue
		}
		log.Infow("sealed poll ledger", "poll", p.ID, "leaves", sealed.LeafCount)
	}
}
