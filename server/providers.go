package server

import (
	"context"

	"github.com/Digital-Creators-Team/points-engine/completion"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
)

// CompletionProcessor runs survey completions through the reward flow.
type CompletionProcessor interface {
	ProcessCompletion(ctx context.Context, req completion.Request) (*completion.Result, error)
}

// AccountService is the part of the ledger the HTTP surface exposes.
type AccountService interface {
	OpenAccount(ctx context.Context, accountID string) (*providers.Account, error)
	GetAccount(ctx context.Context, accountID string) (*providers.Account, error)
	Debit(ctx context.Context, accountID string, points int64, reason string) (int64, error)
	History(ctx context.Context, accountID string) ([]providers.Transaction, error)
}

// PoolReader serves pool snapshots and recent winners, usually cached.
type PoolReader interface {
	GetSnapshot(ctx context.Context) (jackpot.Snapshot, error)
	ListRecent(ctx context.Context, tierID string, limit int) ([]providers.WinRecord, error)
}

// PoolFeed streams committed pool totals.
type PoolFeed interface {
	Listen(ctx context.Context) (<-chan jackpot.Update, context.CancelFunc)
}

// WinnerService records manual awards and delivery confirmations.
type WinnerService interface {
	RecordWin(ctx context.Context, win providers.WinRecord) (string, error)
	MarkDelivered(ctx context.Context, winID string) (*providers.WinRecord, error)
}

// HealthChecker reports whether the primary store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Services bundles everything the HTTP surface calls into.
type Services struct {
	Completions CompletionProcessor
	Accounts    AccountService
	Pools       PoolReader
	Feed        PoolFeed
	Winners     WinnerService
	Health      HealthChecker
}
