package postgres

import (
	"context"
	stderrors "errors"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/jackc/pgx/v5"
)

const accountColumns = `id, balance, created_at, updated_at`

func scanAccount(row pgx.Row) (*providers.Account, error) {
	var acc providers.Account
	if err := row.Scan(&acc.ID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (s *Store) OpenAccount(ctx context.Context, accountID string) (*providers.Account, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING`, accountID)
	if err != nil {
		return nil, translate(err, "open account")
	}
	return s.GetAccount(ctx, accountID)
}

func (s *Store) GetAccount(ctx context.Context, accountID string) (*providers.Account, error) {
	acc, err := scanAccount(s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewWithDebug(errors.ErrAccountNotFound, "account not found", accountID)
	}
	if err != nil {
		return nil, translate(err, "get account")
	}
	return acc, nil
}

func (s *Store) Post(ctx context.Context, posting providers.Posting) (*providers.Transaction, error) {
	var tx *providers.Transaction
	err := s.inTx(ctx, "post", func(q pgx.Tx) error {
		var err error
		tx, err = post(ctx, q, posting)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// post moves the balance and appends its transaction row. The balance check
// constraint rejects overdrafts atomically.
func post(ctx context.Context, q querier, p providers.Posting) (*providers.Transaction, error) {
	delta := p.Delta()

	var newBalance int64
	err := q.QueryRow(ctx, `
		UPDATE accounts
		SET balance = balance + $2, updated_at = now()
		WHERE id = $1
		RETURNING balance`, p.AccountID, delta).Scan(&newBalance)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NewWithDebug(errors.ErrAccountNotFound, "account not found", p.AccountID)
	}
	if err != nil {
		return nil, translate(err, "post balance")
	}

	tx := providers.Transaction{
		AccountID:       p.AccountID,
		Delta:           delta,
		Type:            p.Type,
		Source:          p.Source,
		SurveyID:        p.SurveyID,
		PreviousBalance: newBalance - delta,
		NewBalance:      newBalance,
	}
	err = q.QueryRow(ctx, `
		INSERT INTO transactions (account_id, delta, type, source, survey_id, previous_balance, new_balance)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
		RETURNING id, created_at`,
		tx.AccountID, tx.Delta, string(tx.Type), tx.Source, tx.SurveyID, tx.PreviousBalance, tx.NewBalance,
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return nil, translate(err, "insert transaction")
	}
	return &tx, nil
}

func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]providers.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, delta, type, source, COALESCE(survey_id, ''), previous_balance, new_balance, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY id`, accountID)
	if err != nil {
		return nil, translate(err, "list transactions")
	}
	defer rows.Close()

	out := make([]providers.Transaction, 0)
	for rows.Next() {
		var tx providers.Transaction
		var typ string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Delta, &typ, &tx.Source, &tx.SurveyID,
			&tx.PreviousBalance, &tx.NewBalance, &tx.CreatedAt); err != nil {
			return nil, translate(err, "scan transaction")
		}
		tx.Type = providers.TransactionType(typ)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err, "list transactions")
	}
	return out, nil
}
