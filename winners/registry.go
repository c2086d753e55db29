package winners

import (
	"context"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/metrics"
	"github.com/Digital-Creators-Team/points-engine/pkg/points"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Limits for ListRecent
const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Registry stores win records and answers recent-winner queries.
type Registry struct {
	store     providers.WinnerStore
	knownTier func(id string) bool
	clock     clockwork.Clock
	retry     retry.Config
	logger    zerolog.Logger
}

// Config configures a Registry.
type Config struct {
	// KnownTier reports whether a tier id exists; nil accepts any id.
	KnownTier func(id string) bool
	Clock     clockwork.Clock
	Retry     retry.Config
	Logger    zerolog.Logger
}

// NewRegistry creates a registry over store.
func NewRegistry(store providers.WinnerStore, cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Registry{
		store:     store,
		knownTier: cfg.KnownTier,
		clock:     clock,
		retry:     cfg.Retry,
		logger:    cfg.Logger.With().Str("component", "winners").Logger(),
	}
}

// RecordWin stores a win outside the completion flow (e.g. a manual award)
// and returns its id. Payout points are derived from the payout value when unset.
func (r *Registry) RecordWin(ctx context.Context, win providers.WinRecord) (string, error) {
	if win.AccountID == "" || win.TierID == "" {
		return "", errors.New(errors.ErrInvalidRequest, "account_id and tier_id are required")
	}
	if r.knownTier != nil && !r.knownTier(win.TierID) {
		return "", errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", win.TierID)
	}
	if win.PayoutValue.IsNegative() {
		return "", errors.New(errors.ErrInvalidRequest, "payout_value must be non-negative")
	}
	if win.ID == "" {
		win.ID = uuid.NewString()
	}
	if win.WonAt.IsZero() {
		win.WonAt = r.clock.Now()
	}
	if win.PayoutPoints == 0 {
		win.PayoutPoints = points.FromCurrency(win.PayoutValue)
	}
	win.Delivered = false
	win.DeliveredAt = nil

	if err := retry.Do(ctx, r.retryFor("record_win"), func() error {
		return r.store.InsertWin(ctx, &win)
	}); err != nil {
		return "", err
	}

	r.logger.Info().
		Str("win_id", win.ID).
		Str("account_id", win.AccountID).
		Str("tier_id", win.TierID).
		Msg("Win recorded")
	return win.ID, nil
}

// ListRecent returns up to limit wins, newest first, optionally for one tier.
// limit <= 0 means DefaultLimit; larger values are capped at MaxLimit.
func (r *Registry) ListRecent(ctx context.Context, tierID string, limit int) ([]providers.WinRecord, error) {
	if tierID != "" && r.knownTier != nil && !r.knownTier(tierID) {
		return nil, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}
	return retry.DoValue(ctx, r.retryFor("list_wins"), func() ([]providers.WinRecord, error) {
		return r.store.ListWins(ctx, tierID, ClampLimit(limit))
	})
}

// MarkDelivered flags a win as delivered. Repeated calls keep the first delivery time.
func (r *Registry) MarkDelivered(ctx context.Context, winID string) (*providers.WinRecord, error) {
	if winID == "" {
		return nil, errors.New(errors.ErrInvalidRequest, "win id is required")
	}
	return retry.DoValue(ctx, r.retryFor("mark_delivered"), func() (*providers.WinRecord, error) {
		return r.store.MarkDelivered(ctx, winID, r.clock.Now())
	})
}

// ClampLimit applies the ListRecent limit rules.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func (r *Registry) retryFor(operation string) retry.Config {
	cfg := r.retry
	cfg.OnRetry = metrics.RetryCounter(operation)
	return cfg
}
