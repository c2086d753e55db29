package postgres

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/jackc/pgx/v5"
)

const eventColumns = `account_id, survey_id, institution_id, state, outcome, user_points,
	jackpot_contribution, winning_tier, COALESCE(win_id, ''), created_at, updated_at`

func scanEvent(row pgx.Row) (*providers.CompletionEvent, error) {
	var ev providers.CompletionEvent
	var state, outcome string
	if err := row.Scan(&ev.AccountID, &ev.SurveyID, &ev.InstitutionID, &state, &outcome,
		&ev.UserPoints, &ev.JackpotContribution, &ev.WinningTier, &ev.WinID,
		&ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return nil, err
	}
	ev.State = providers.CompletionState(state)
	ev.Outcome = providers.CompletionOutcome(outcome)
	return &ev, nil
}

func notFound(key providers.CompletionKey) error {
	return errors.NewWithDebug(errors.ErrNotFound, "completion not found", key.AccountID+"/"+key.SurveyID)
}

func getEvent(ctx context.Context, q querier, key providers.CompletionKey) (*providers.CompletionEvent, error) {
	ev, err := scanEvent(q.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM completion_events
		WHERE account_id = $1 AND survey_id = $2`, key.AccountID, key.SurveyID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, translate(err, "get completion")
	}
	return ev, nil
}

// advance is the compare-and-set on an event's state. The update takes the
// event row lock, so it is always the first lock of a stage.
func advance(ctx context.Context, q querier, key providers.CompletionKey, from, to providers.CompletionState,
	winningTier *string, outcome providers.CompletionOutcome, winID string) (*providers.CompletionEvent, error) {
	ev, err := scanEvent(q.QueryRow(ctx, `
		UPDATE completion_events
		SET state = $4,
			winning_tier = COALESCE($5::text, winning_tier),
			outcome = CASE WHEN $6::text = '' THEN outcome ELSE $6::text END,
			win_id = COALESCE(NULLIF($7::text, ''), win_id),
			updated_at = now()
		WHERE account_id = $1 AND survey_id = $2 AND state = $3
		RETURNING `+eventColumns,
		key.AccountID, key.SurveyID, string(from), string(to), winningTier, string(outcome), winID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		if _, getErr := getEvent(ctx, q, key); getErr != nil {
			return nil, getErr
		}
		return nil, providers.ErrStageConflict
	}
	if err != nil {
		return nil, translate(err, "advance completion")
	}
	return ev, nil
}

func (s *Store) BeginCompletion(ctx context.Context, ev providers.CompletionEvent, credit providers.Posting) (*providers.CompletionEvent, bool, error) {
	var stored *providers.CompletionEvent
	var created bool
	err := s.inTx(ctx, "begin completion", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO completion_events (account_id, survey_id, institution_id, state, user_points, jackpot_contribution)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (account_id, survey_id) DO NOTHING`,
			ev.AccountID, ev.SurveyID, ev.InstitutionID, string(providers.StateCredited),
			ev.UserPoints, ev.JackpotContribution)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		if created {
			if _, err := post(ctx, tx, credit); err != nil {
				return err
			}
		}
		stored, err = getEvent(ctx, tx, ev.Key())
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

func (s *Store) GetCompletion(ctx context.Context, key providers.CompletionKey) (*providers.CompletionEvent, error) {
	return getEvent(ctx, s.pool, key)
}

func (s *Store) ApplyContributions(ctx context.Context, key providers.CompletionKey, deltas []providers.PoolDelta) (*providers.CompletionEvent, []providers.PoolBalance, error) {
	var ev *providers.CompletionEvent
	var pools []providers.PoolBalance
	err := s.inTx(ctx, "apply contributions", func(tx pgx.Tx) error {
		var err error
		ev, err = advance(ctx, tx, key, providers.StateCredited, providers.StatePoolsUpdated, nil, providers.OutcomePending, "")
		if err != nil {
			return err
		}
		pools, err = applyDeltas(ctx, tx, deltas)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return ev, pools, nil
}

func (s *Store) RecordEvaluation(ctx context.Context, key providers.CompletionKey, winningTier string) (*providers.CompletionEvent, error) {
	var ev *providers.CompletionEvent
	err := s.inTx(ctx, "record evaluation", func(tx pgx.Tx) error {
		var err error
		ev, err = advance(ctx, tx, key, providers.StatePoolsUpdated, providers.StateWinEvaluated, &winningTier, providers.OutcomePending, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *Store) FinalizeWin(ctx context.Context, key providers.CompletionKey, win *providers.WinRecord, payout providers.Posting) (*providers.CompletionEvent, *providers.PoolBalance, error) {
	var ev *providers.CompletionEvent
	var reset *providers.PoolBalance
	err := s.inTx(ctx, "finalize win", func(tx pgx.Tx) error {
		var err error
		ev, err = advance(ctx, tx, key, providers.StateWinEvaluated, providers.StateFinalized, nil, providers.OutcomeWinRecorded, win.ID)
		if err != nil {
			return err
		}
		if win.PoolPoints, err = lockPool(ctx, tx, win.TierID); err != nil {
			return err
		}
		if err := insertWin(ctx, tx, win); err != nil {
			return err
		}
		if _, err := post(ctx, tx, payout); err != nil {
			return err
		}
		reset, err = resetPool(ctx, tx, win.TierID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return ev, reset, nil
}

func (s *Store) FinalizeNoWin(ctx context.Context, key providers.CompletionKey, deltas []providers.PoolDelta) (*providers.CompletionEvent, []providers.PoolBalance, error) {
	var ev *providers.CompletionEvent
	var pools []providers.PoolBalance
	err := s.inTx(ctx, "finalize no win", func(tx pgx.Tx) error {
		var err error
		ev, err = advance(ctx, tx, key, providers.StateWinEvaluated, providers.StateFinalized, nil, providers.OutcomeNoWin, "")
		if err != nil {
			return err
		}
		pools, err = applyDeltas(ctx, tx, deltas)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return ev, pools, nil
}

func (s *Store) ListUnfinished(ctx context.Context, cutoff time.Time, limit int) ([]providers.CompletionEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM completion_events
		WHERE state <> $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT NULLIF($3::int, 0)`, string(providers.StateFinalized), cutoff, limit)
	if err != nil {
		return nil, translate(err, "list unfinished")
	}
	defer rows.Close()

	out := make([]providers.CompletionEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, translate(err, "scan completion")
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list unfinished")
	}
	return out, nil
}
