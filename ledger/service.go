package ledger

import (
	"context"
	"fmt"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/metrics"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/rs/zerolog"
)

// Service owns account balances. Every balance change is a posting that the
// store writes together with its transaction record.
type Service struct {
	store  providers.LedgerStore
	retry  retry.Config
	logger zerolog.Logger
}

// NewService creates a ledger service over store.
func NewService(store providers.LedgerStore, retryCfg retry.Config, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		retry:  retryCfg,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

// OpenAccount creates an account with a zero balance, or returns the existing one.
func (s *Service) OpenAccount(ctx context.Context, accountID string) (*providers.Account, error) {
	if accountID == "" {
		return nil, errors.New(errors.ErrInvalidRequest, "account_id is required")
	}
	return retry.DoValue(ctx, s.retryFor("open_account"), func() (*providers.Account, error) {
		return s.store.OpenAccount(ctx, accountID)
	})
}

// Credit adds points to an existing account and returns the new balance.
func (s *Service) Credit(ctx context.Context, accountID string, points int64, source, surveyID string) (int64, error) {
	return s.post(ctx, providers.Posting{
		AccountID: accountID,
		Points:    points,
		Type:      providers.TransactionCredit,
		Source:    source,
		SurveyID:  surveyID,
	})
}

// Debit removes points from an account. It fails with ErrInsufficientBalance
// rather than letting the balance go negative.
func (s *Service) Debit(ctx context.Context, accountID string, points int64, reason string) (int64, error) {
	return s.post(ctx, providers.Posting{
		AccountID: accountID,
		Points:    points,
		Type:      providers.TransactionDebit,
		Source:    reason,
	})
}

func (s *Service) post(ctx context.Context, p providers.Posting) (int64, error) {
	if p.AccountID == "" {
		return 0, errors.New(errors.ErrInvalidRequest, "account_id is required")
	}
	if p.Points <= 0 {
		return 0, errors.New(errors.ErrInvalidRequest, "points must be positive")
	}
	if p.Source == "" {
		return 0, errors.New(errors.ErrInvalidRequest, "source is required")
	}

	tx, err := retry.DoValue(ctx, s.retryFor(string(p.Type)), func() (*providers.Transaction, error) {
		return s.store.Post(ctx, p)
	})
	if err != nil {
		return 0, err
	}

	s.logger.Debug().
		Str("account_id", p.AccountID).
		Str("type", string(p.Type)).
		Str("source", p.Source).
		Int64("delta", tx.Delta).
		Int64("balance", tx.NewBalance).
		Msg("Posted")
	return tx.NewBalance, nil
}

// GetBalance returns the account balance, or 0 for an unknown account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	acc, err := retry.DoValue(ctx, s.retryFor("get_balance"), func() (*providers.Account, error) {
		return s.store.GetAccount(ctx, accountID)
	})
	if errors.Is(err, errors.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// GetAccount returns the account or ErrAccountNotFound.
func (s *Service) GetAccount(ctx context.Context, accountID string) (*providers.Account, error) {
	return retry.DoValue(ctx, s.retryFor("get_account"), func() (*providers.Account, error) {
		return s.store.GetAccount(ctx, accountID)
	})
}

// History returns the account's transactions, oldest first.
func (s *Service) History(ctx context.Context, accountID string) ([]providers.Transaction, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return retry.DoValue(ctx, s.retryFor("history"), func() ([]providers.Transaction, error) {
		return s.store.ListTransactions(ctx, accountID)
	})
}

// VerifyConsistency replays the account's transactions from zero and checks
// that every entry chains onto the previous one and that the replay ends at
// the stored balance.
func (s *Service) VerifyConsistency(ctx context.Context, accountID string) error {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	txs, err := retry.DoValue(ctx, s.retryFor("history"), func() ([]providers.Transaction, error) {
		return s.store.ListTransactions(ctx, accountID)
	})
	if err != nil {
		return err
	}

	var running int64
	for _, tx := range txs {
		if tx.PreviousBalance != running || tx.NewBalance != running+tx.Delta || tx.NewBalance < 0 {
			return s.drift(accountID, fmt.Sprintf("transaction %d: previous=%d new=%d delta=%d replayed=%d",
				tx.ID, tx.PreviousBalance, tx.NewBalance, tx.Delta, running))
		}
		running = tx.NewBalance
	}
	if running != acc.Balance {
		return s.drift(accountID, fmt.Sprintf("replayed=%d stored=%d", running, acc.Balance))
	}
	return nil
}

func (s *Service) drift(accountID, detail string) error {
	s.logger.Error().Str("account_id", accountID).Str("detail", detail).Msg("Ledger drift detected")
	return errors.NewWithDebug(errors.ErrPersistenceFailure, "ledger replay does not match balance", detail)
}

func (s *Service) retryFor(operation string) retry.Config {
	cfg := s.retry
	cfg.OnRetry = metrics.RetryCounter("ledger_" + operation)
	return cfg
}
