package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const winColumns = `id, account_id, tier_id, COALESCE(survey_id, ''), payout_value::text,
	payout_points, pool_points, won_at, delivered, delivered_at`

func scanWin(row pgx.Row) (*providers.WinRecord, error) {
	var w providers.WinRecord
	var payout string
	if err := row.Scan(&w.ID, &w.AccountID, &w.TierID, &w.SurveyID, &payout,
		&w.PayoutPoints, &w.PoolPoints, &w.WonAt, &w.Delivered, &w.DeliveredAt); err != nil {
		return nil, err
	}
	value, err := decimal.NewFromString(payout)
	if err != nil {
		return nil, errors.WrapWithDebug(err, errors.ErrPersistenceFailure, "invalid payout value", payout)
	}
	w.PayoutValue = value
	return &w, nil
}

func (s *Store) InsertWin(ctx context.Context, win *providers.WinRecord) error {
	return insertWin(ctx, s.pool, win)
}

func insertWin(ctx context.Context, q querier, win *providers.WinRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO win_records (id, account_id, tier_id, survey_id, payout_value, payout_points, pool_points, won_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::numeric, $6, $7, $8)`,
		win.ID, win.AccountID, win.TierID, win.SurveyID, win.PayoutValue.String(),
		win.PayoutPoints, win.PoolPoints, win.WonAt)
	return translate(err, "insert win")
}

func (s *Store) GetWin(ctx context.Context, winID string) (*providers.WinRecord, error) {
	w, err := scanWin(s.pool.QueryRow(ctx, `SELECT `+winColumns+` FROM win_records WHERE id = $1`, winID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewWithDebug(errors.ErrWinNotFound, "win not found", winID)
	}
	if err != nil {
		return nil, translate(err, "get win")
	}
	return w, nil
}

func (s *Store) ListWins(ctx context.Context, tierID string, limit int) ([]providers.WinRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+winColumns+`
		FROM win_records
		WHERE ($1::text = '' OR tier_id = $1::text)
		ORDER BY won_at DESC, id DESC
		LIMIT $2`, tierID, limit)
	if err != nil {
		return nil, translate(err, "list wins")
	}
	defer rows.Close()

	out := make([]providers.WinRecord, 0)
	for rows.Next() {
		w, err := scanWin(rows)
		if err != nil {
			return nil, translate(err, "scan win")
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list wins")
	}
	return out, nil
}

func (s *Store) MarkDelivered(ctx context.Context, winID string, at time.Time) (*providers.WinRecord, error) {
	w, err := scanWin(s.pool.QueryRow(ctx, `
		UPDATE win_records
		SET delivered = true, delivered_at = COALESCE(delivered_at, $2)
		WHERE id = $1
		RETURNING `+winColumns, winID, at))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewWithDebug(errors.ErrWinNotFound, "win not found", winID)
	}
	if err != nil {
		return nil, translate(err, "mark delivered")
	}
	return w, nil
}
