package jackpot

import (
	"context"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/metrics"
	"github.com/Digital-Creators-Team/points-engine/pkg/points"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultBroadcastInterval is the default interval for broadcasting buffered updates
const DefaultBroadcastInterval = time.Second

// Manager owns the reward tiers: their configs, their persisted totals and
// the draw that decides a win. It is the only writer of pool totals outside
// the completion store's staged transactions.
type Manager struct {
	store     providers.PoolStore
	tiers     []TierConfig // ascending payout
	byID      map[string]TierConfig
	drawer    Drawer
	publisher providers.EventPublisher
	retry     retry.Config
	logger    zerolog.Logger
	interval  time.Duration
	broad     *Broadcaster

	mu     sync.Mutex
	buffer map[string]Update
	latest map[string]Update
}

// NewManager validates the tier set and builds a manager over store.
func NewManager(store providers.PoolStore, cfg ManagerConfig) (*Manager, error) {
	if err := ValidateTiers(cfg.Tiers); err != nil {
		return nil, err
	}
	drawer := cfg.Drawer
	if drawer == nil {
		drawer = CryptoDrawer{}
	}
	interval := cfg.BroadcastInterval
	if interval <= 0 {
		interval = DefaultBroadcastInterval
	}
	tiers := sortTiers(cfg.Tiers)

	return &Manager{
		store:     store,
		tiers:     tiers,
		byID:      lo.KeyBy(tiers, func(t TierConfig) string { return t.ID }),
		drawer:    drawer,
		publisher: cfg.Publisher,
		retry:     cfg.Retry,
		logger:    cfg.Logger.With().Str("component", "jackpot").Logger(),
		interval:  interval,
		broad:     NewBroadcaster(64),
		buffer:    make(map[string]Update),
		latest:    make(map[string]Update),
	}, nil
}

// Init creates a zero pool row for every configured tier that has none.
func (m *Manager) Init(ctx context.Context) error {
	ids := m.TierIDs()
	if err := retry.Do(ctx, m.retryFor("ensure_pools"), func() error {
		return m.store.EnsurePools(ctx, ids)
	}); err != nil {
		return err
	}
	m.logger.Info().Strs("tiers", ids).Msg("Reward pools initialized")
	return nil
}

// Tiers returns the tier configs in evaluation order.
func (m *Manager) Tiers() []TierConfig {
	return append([]TierConfig(nil), m.tiers...)
}

// TierIDs returns the tier ids in evaluation order.
func (m *Manager) TierIDs() []string {
	return lo.Map(m.tiers, func(t TierConfig, _ int) string { return t.ID })
}

// Tier looks up a tier config by id.
func (m *Manager) Tier(id string) (TierConfig, bool) {
	t, ok := m.byID[id]
	return t, ok
}

// Contribute adds points to a tier and returns the new total.
func (m *Manager) Contribute(ctx context.Context, tierID string, pts int64) (int64, error) {
	if _, ok := m.byID[tierID]; !ok {
		return 0, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}
	if pts < 0 {
		return 0, errors.New(errors.ErrInvalidRequest, "contribution must be non-negative")
	}

	pool, err := retry.DoValue(ctx, m.retryFor("contribute"), func() (*providers.PoolBalance, error) {
		return m.store.AddToPool(ctx, tierID, pts)
	})
	if err != nil {
		return 0, err
	}
	m.Publish(ctx, *pool)
	return pool.Points, nil
}

// ResetTier sets a tier's total to zero.
func (m *Manager) ResetTier(ctx context.Context, tierID string) error {
	if _, ok := m.byID[tierID]; !ok {
		return errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}

	pool, err := retry.DoValue(ctx, m.retryFor("reset_tier"), func() (*providers.PoolBalance, error) {
		return m.store.ResetPool(ctx, tierID)
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("tier_id", tierID).Msg("Tier reset")
	m.Publish(ctx, *pool)
	return nil
}

// GetSnapshot returns every configured tier with its current total.
func (m *Manager) GetSnapshot(ctx context.Context) (Snapshot, error) {
	pools, err := retry.DoValue(ctx, m.retryFor("list_pools"), func() ([]providers.PoolBalance, error) {
		return m.store.ListPools(ctx)
	})
	if err != nil {
		return nil, err
	}
	byTier := lo.KeyBy(pools, func(p providers.PoolBalance) string { return p.TierID })

	snap := make(Snapshot, len(m.tiers))
	for _, t := range m.tiers {
		p := byTier[t.ID]
		snap[t.ID] = TierSnapshot{
			Points:    p.Points,
			Value:     points.ToCurrency(p.Points),
			Config:    t,
			UpdatedAt: p.UpdatedAt,
		}
	}
	return snap, nil
}

// Shares splits a per-event contribution across tiers by funding fraction.
// Each share is rounded half up, so the sum may differ from total by one
// point per tier.
func (m *Manager) Shares(total int64) []providers.PoolDelta {
	return lo.Map(m.tiers, func(t TierConfig, _ int) providers.PoolDelta {
		return providers.PoolDelta{TierID: t.ID, Points: points.Share(total, t.FundingFraction)}
	})
}

// FailureContributions returns each tier's fixed no-win contribution in points.
func (m *Manager) FailureContributions() []providers.PoolDelta {
	return lo.FilterMap(m.tiers, func(t TierConfig, _ int) (providers.PoolDelta, bool) {
		pts := t.FailurePoints()
		return providers.PoolDelta{TierID: t.ID, Points: pts}, pts > 0
	})
}

// Evaluate draws once per tier in ascending payout order and returns the
// first tier whose draw is exactly 1, or nil when no tier wins.
func (m *Manager) Evaluate() (*TierConfig, error) {
	for _, t := range m.tiers {
		draw, err := m.drawer.Draw(t)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrInternalServerError, "draw failed")
		}
		if draw < 1 || draw > t.ProbabilityDenominator {
			return nil, errors.NewWithDebug(errors.ErrInternalServerError, "draw out of range", t.ID)
		}
		if draw == 1 {
			won := t
			m.logger.Debug().Str("tier_id", t.ID).Msg("Tier won")
			return &won, nil
		}
	}
	return nil, nil
}

// Publish records committed pool totals for listeners and the event bus.
func (m *Manager) Publish(ctx context.Context, pools ...providers.PoolBalance) {
	for _, p := range pools {
		metrics.PoolPoints.WithLabelValues(p.TierID).Set(float64(p.Points))
		m.bufferUpdate(Update{TierID: p.TierID, Points: p.Points, Timestamp: p.UpdatedAt})

		if m.publisher == nil {
			continue
		}
		if err := m.publisher.PublishPoolUpdate(ctx, p); err != nil {
			metrics.SideEffectFailuresTotal.WithLabelValues("kafka").Inc()
			m.logger.Warn().Err(err).Str("tier_id", p.TierID).Msg("Failed to publish pool update")
		}
	}
}

// HandlePeerUpdate buffers a pool update received from another instance.
// Unknown tiers and updates older than the last one seen are ignored.
func (m *Manager) HandlePeerUpdate(update Update) {
	if _, ok := m.byID[update.TierID]; !ok {
		return
	}
	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}
	m.bufferUpdate(update)
}

func (m *Manager) bufferUpdate(update Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if last, ok := m.latest[update.TierID]; ok && update.Timestamp.Before(last.Timestamp) {
		m.logger.Debug().
			Str("tier_id", update.TierID).
			Time("existing_timestamp", last.Timestamp).
			Time("new_timestamp", update.Timestamp).
			Msg("Ignoring stale pool update")
		return
	}
	m.latest[update.TierID] = update
	m.buffer[update.TierID] = update
}

// Listen returns a channel to receive flushed updates plus a cancel function.
func (m *Manager) Listen(ctx context.Context) (<-chan Update, context.CancelFunc) {
	return m.broad.Listen(ctx)
}

// Run flushes buffered updates to listeners until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.flush()
			return nil
		case <-ticker.C:
			m.flush()
		}
	}
}

// flush broadcasts buffered updates and clears buffer.
func (m *Manager) flush() {
	m.mu.Lock()
	if len(m.buffer) == 0 {
		m.mu.Unlock()
		return
	}
	updates := lo.Values(m.buffer)
	m.buffer = make(map[string]Update)
	m.mu.Unlock()

	for _, u := range updates {
		m.broad.Send(u)
	}
	if m.logger.GetLevel() <= zerolog.DebugLevel {
		m.logger.Debug().Int("count", len(updates)).Msg("flushed pool updates")
	}
}

func (m *Manager) retryFor(operation string) retry.Config {
	cfg := m.retry
	cfg.OnRetry = metrics.RetryCounter(operation)
	return cfg
}
