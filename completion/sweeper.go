package completion

import (
	"context"
	"time"

	"github.com/Digital-Creators-Team/points-engine/logging"
	"github.com/rs/zerolog"
)

const sweepLockKey = "points:lock:completion-sweep"

// Locker grants a lease on a key; used so one instance sweeps at a time.
type Locker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	After    time.Duration
	Batch    int

	// Locker is optional; without it every instance sweeps.
	Locker     Locker
	InstanceID string

	Logger zerolog.Logger
}

// Sweeper periodically finishes completions whose caller never retried.
type Sweeper struct {
	processor *Processor
	cfg       SweeperConfig
	logger    zerolog.Logger
}

// NewSweeper creates a sweeper over processor.
func NewSweeper(processor *Processor, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		processor: processor,
		cfg:       cfg,
		logger:    logging.WithComponent(cfg.Logger, "completion_sweeper"),
	}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.processor.clock.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and reports how many events were finalized.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if s.cfg.Locker != nil {
		ok, err := s.cfg.Locker.SetNX(ctx, sweepLockKey, s.cfg.InstanceID, s.cfg.Interval)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Sweep lock unavailable, sweeping anyway")
		} else if !ok {
			return 0
		}
	}

	n, err := s.processor.ResumePending(ctx, s.cfg.After, s.cfg.Batch)
	if err != nil {
		s.logger.Error().Err(err).Msg("Completion sweep failed")
	}
	if n > 0 {
		s.logger.Info().Int("resumed", n).Msg("Resumed stalled completions")
	}
	return n
}
