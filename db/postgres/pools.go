package postgres

import (
	"context"
	stderrors "errors"
	"sort"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/jackc/pgx/v5"
)

func (s *Store) EnsurePools(ctx context.Context, tierIDs []string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reward_pools (tier_id)
		SELECT unnest($1::text[])
		ON CONFLICT (tier_id) DO NOTHING`, tierIDs)
	return translate(err, "ensure pools")
}

func (s *Store) AddToPool(ctx context.Context, tierID string, points int64) (*providers.PoolBalance, error) {
	return addToPool(ctx, s.pool, tierID, points)
}

func addToPool(ctx context.Context, q querier, tierID string, points int64) (*providers.PoolBalance, error) {
	p := providers.PoolBalance{TierID: tierID}
	err := q.QueryRow(ctx, `
		UPDATE reward_pools
		SET points = points + $2, updated_at = now()
		WHERE tier_id = $1
		RETURNING points, updated_at`, tierID, points).Scan(&p.Points, &p.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}
	if err != nil {
		return nil, translate(err, "add to pool")
	}
	return &p, nil
}

func (s *Store) ResetPool(ctx context.Context, tierID string) (*providers.PoolBalance, error) {
	return resetPool(ctx, s.pool, tierID)
}

func resetPool(ctx context.Context, q querier, tierID string) (*providers.PoolBalance, error) {
	p := providers.PoolBalance{TierID: tierID}
	err := q.QueryRow(ctx, `
		UPDATE reward_pools
		SET points = 0, updated_at = now()
		WHERE tier_id = $1
		RETURNING points, updated_at`, tierID).Scan(&p.Points, &p.UpdatedAt)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}
	if err != nil {
		return nil, translate(err, "reset pool")
	}
	return &p, nil
}

// lockPool returns the pool total under a row lock held until commit.
func lockPool(ctx context.Context, q querier, tierID string) (int64, error) {
	var points int64
	err := q.QueryRow(ctx,
		`SELECT points FROM reward_pools WHERE tier_id = $1 FOR UPDATE`, tierID).Scan(&points)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return 0, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}
	if err != nil {
		return 0, translate(err, "lock pool")
	}
	return points, nil
}

func (s *Store) ListPools(ctx context.Context) ([]providers.PoolBalance, error) {
	rows, err := s.pool.Query(ctx, `SELECT tier_id, points, updated_at FROM reward_pools ORDER BY tier_id`)
	if err != nil {
		return nil, translate(err, "list pools")
	}
	defer rows.Close()

	out := make([]providers.PoolBalance, 0)
	for rows.Next() {
		var p providers.PoolBalance
		if err := rows.Scan(&p.TierID, &p.Points, &p.UpdatedAt); err != nil {
			return nil, translate(err, "scan pool")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list pools")
	}
	return out, nil
}

// applyDeltas adds each delta in tier id order so concurrent stages lock
// pools in the same sequence.
func applyDeltas(ctx context.Context, q querier, deltas []providers.PoolDelta) ([]providers.PoolBalance, error) {
	sorted := append([]providers.PoolDelta(nil), deltas...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TierID < sorted[j].TierID })

	out := make([]providers.PoolBalance, 0, len(sorted))
	for _, d := range sorted {
		p, err := addToPool(ctx, q, d.TierID, d.Points)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}
