package provider

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	coreredis "github.com/Digital-Creators-Team/points-engine/db/redis"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/winners"
	"github.com/rs/zerolog"
)

const snapshotKey = "points:jackpot:snapshot"

// Cache is the part of the redis client the snapshot cache uses
type Cache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// SnapshotSource supplies pool snapshots
type SnapshotSource interface {
	GetSnapshot(ctx context.Context) (jackpot.Snapshot, error)
}

// WinnerSource supplies recent wins
type WinnerSource interface {
	ListRecent(ctx context.Context, tierID string, limit int) ([]providers.WinRecord, error)
}

// SnapshotCache is a read-through Redis cache for the dashboard reads. A
// cache failure is logged and the read falls back to the source.
type SnapshotCache struct {
	cache   Cache
	pools   SnapshotSource
	winners WinnerSource
	ttl     time.Duration
	logger  zerolog.Logger
}

// NewSnapshotCache creates a new cache. A nil cache passes reads through.
func NewSnapshotCache(cache Cache, pools SnapshotSource, winners WinnerSource, ttl time.Duration, logger zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{
		cache:   cache,
		pools:   pools,
		winners: winners,
		ttl:     ttl,
		logger:  logger.With().Str("component", "snapshot_cache").Logger(),
	}
}

// GetSnapshot returns the pool snapshot, at most ttl old
func (c *SnapshotCache) GetSnapshot(ctx context.Context) (jackpot.Snapshot, error) {
	var snap jackpot.Snapshot
	if c.lookup(ctx, snapshotKey, &snap) {
		return snap, nil
	}
	snap, err := c.pools.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	c.store(ctx, snapshotKey, snap)
	return snap, nil
}

// ListRecent returns recent wins, at most ttl old
func (c *SnapshotCache) ListRecent(ctx context.Context, tierID string, limit int) ([]providers.WinRecord, error) {
	limit = winners.ClampLimit(limit)
	key := fmt.Sprintf("points:winners:%s:%d", tierID, limit)

	var wins []providers.WinRecord
	if c.lookup(ctx, key, &wins) {
		return wins, nil
	}
	wins, err := c.winners.ListRecent(ctx, tierID, limit)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, wins)
	return wins, nil
}

func (c *SnapshotCache) lookup(ctx context.Context, key string, dest interface{}) bool {
	if c.cache == nil {
		return false
	}
	err := c.cache.GetJSON(ctx, key, dest)
	if err == nil {
		return true
	}
	if !stderrors.Is(err, coreredis.ErrCacheMiss) {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache read failed, falling back to store")
	}
	return false
}

func (c *SnapshotCache) store(ctx context.Context, key string, value interface{}) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetJSON(ctx, key, value, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}
