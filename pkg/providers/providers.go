package providers

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrStageConflict is returned by a CompletionStore when a stage transition
// loses its compare-and-set because the event already moved on.
var ErrStageConflict = stderrors.New("completion stage already advanced")

// TransactionType is the direction of a ledger posting
type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

// Ledger sources
const (
	SourceSurveyResponse = "survey_response"
	SourceJackpotWin     = "jackpot_win"
)

// Account is a point balance holder
type Account struct {
	ID        string    `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transaction is an immutable ledger entry
type Transaction struct {
	ID              int64           `json:"id"`
	AccountID       string          `json:"account_id"`
	Delta           int64           `json:"delta"`
	Type            TransactionType `json:"type"`
	Source          string          `json:"source"`
	SurveyID        string          `json:"survey_id,omitempty"`
	PreviousBalance int64           `json:"previous_balance"`
	NewBalance      int64           `json:"new_balance"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Posting is a request to move points in or out of one account
type Posting struct {
	AccountID string
	Points    int64 // always positive; Type gives the direction
	Type      TransactionType
	Source    string
	SurveyID  string
}

// Delta returns the signed balance change of the posting
func (p Posting) Delta() int64 {
	if p.Type == TransactionDebit {
		return -p.Points
	}
	return p.Points
}

// PoolBalance is the accumulated total of one reward tier
type PoolBalance struct {
	TierID    string    `json:"tier_id"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PoolDelta is an amount to add to one tier
type PoolDelta struct {
	TierID string `json:"tier_id"`
	Points int64  `json:"points"`
}

// WinRecord is a single tier win
type WinRecord struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	TierID       string          `json:"tier_id"`
	SurveyID     string          `json:"survey_id,omitempty"`
	PayoutValue  decimal.Decimal `json:"payout_value"`
	PayoutPoints int64           `json:"payout_points"`
	PoolPoints   int64           `json:"pool_points"`
	WonAt        time.Time       `json:"won_at"`
	Delivered    bool            `json:"delivered"`
	DeliveredAt  *time.Time      `json:"delivered_at,omitempty"`
}

// CompletionKey identifies a completion event; it is the idempotency key
type CompletionKey struct {
	AccountID string `json:"account_id"`
	SurveyID  string `json:"survey_id"`
}

// CompletionState is the persisted stage of a completion event
type CompletionState string

const (
	StateReceived     CompletionState = "received"
	StateCredited     CompletionState = "credited"
	StatePoolsUpdated CompletionState = "pools_updated"
	StateWinEvaluated CompletionState = "win_evaluated"
	StateFinalized    CompletionState = "finalized"
)

// CompletionOutcome is set when an event is finalized
type CompletionOutcome string

const (
	OutcomePending     CompletionOutcome = ""
	OutcomeWinRecorded CompletionOutcome = "win_recorded"
	OutcomeNoWin       CompletionOutcome = "no_win"
)

// CompletionEvent is the persisted progress of one survey completion
type CompletionEvent struct {
	AccountID           string            `json:"account_id"`
	SurveyID            string            `json:"survey_id"`
	InstitutionID       string            `json:"institution_id"`
	State               CompletionState   `json:"state"`
	Outcome             CompletionOutcome `json:"outcome,omitempty"`
	UserPoints          int64             `json:"user_points"`
	JackpotContribution int64             `json:"jackpot_contribution"`
	WinningTier         string            `json:"winning_tier,omitempty"` // set at win_evaluated; empty means no win
	WinID               string            `json:"win_id,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Key returns the idempotency key of the event
func (e *CompletionEvent) Key() CompletionKey {
	return CompletionKey{AccountID: e.AccountID, SurveyID: e.SurveyID}
}

// LedgerStore persists balances and their transaction log.
// Every mutation writes the balance and its Transaction atomically.
type LedgerStore interface {
	OpenAccount(ctx context.Context, accountID string) (*Account, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	Post(ctx context.Context, posting Posting) (*Transaction, error)
	ListTransactions(ctx context.Context, accountID string) ([]Transaction, error)
}

// PoolStore persists reward pool totals
type PoolStore interface {
	EnsurePools(ctx context.Context, tierIDs []string) error
	AddToPool(ctx context.Context, tierID string, points int64) (*PoolBalance, error)
	ResetPool(ctx context.Context, tierID string) (*PoolBalance, error)
	ListPools(ctx context.Context) ([]PoolBalance, error)
}

// WinnerStore persists win records
type WinnerStore interface {
	InsertWin(ctx context.Context, win *WinRecord) error
	GetWin(ctx context.Context, winID string) (*WinRecord, error)
	ListWins(ctx context.Context, tierID string, limit int) ([]WinRecord, error)
	MarkDelivered(ctx context.Context, winID string, at time.Time) (*WinRecord, error)
}

// CompletionStore persists completion events and applies each stage as one
// atomic unit together with the ledger and pool changes it implies.
type CompletionStore interface {
	// BeginCompletion inserts ev in state credited and applies credit in the
	// same unit. When the key already exists nothing is mutated and the stored
	// event is returned with created=false.
	BeginCompletion(ctx context.Context, ev CompletionEvent, credit Posting) (stored *CompletionEvent, created bool, err error)
	GetCompletion(ctx context.Context, key CompletionKey) (*CompletionEvent, error)
	// GetWin loads the win record a finalized event points to.
	GetWin(ctx context.Context, winID string) (*WinRecord, error)
	// ApplyContributions moves credited -> pools_updated and adds deltas.
	ApplyContributions(ctx context.Context, key CompletionKey, deltas []PoolDelta) (*CompletionEvent, []PoolBalance, error)
	// RecordEvaluation moves pools_updated -> win_evaluated, persisting the winning tier ("" for none).
	RecordEvaluation(ctx context.Context, key CompletionKey, winningTier string) (*CompletionEvent, error)
	// FinalizeWin moves win_evaluated -> finalized, inserts win, credits payout
	// and resets the won tier to zero. win.PoolPoints is filled from the locked pool.
	FinalizeWin(ctx context.Context, key CompletionKey, win *WinRecord, payout Posting) (*CompletionEvent, *PoolBalance, error)
	// FinalizeNoWin moves win_evaluated -> finalized and adds the failure contributions.
	FinalizeNoWin(ctx context.Context, key CompletionKey, deltas []PoolDelta) (*CompletionEvent, []PoolBalance, error)
	// ListUnfinished returns events not yet finalized whose last update is before cutoff, oldest first.
	ListUnfinished(ctx context.Context, cutoff time.Time, limit int) ([]CompletionEvent, error)
}

// Store is a complete persistence backend
type Store interface {
	LedgerStore
	PoolStore
	WinnerStore
	CompletionStore
	Ping(ctx context.Context) error
	Close()
}

// EventPublisher emits domain events after state has committed
type EventPublisher interface {
	PublishCompletion(ctx context.Context, ev CompletionEvent) error
	PublishWin(ctx context.Context, win WinRecord) error
	PublishPoolUpdate(ctx context.Context, pool PoolBalance) error
}

// FulfillmentProvider hands wins to the external fulfillment service
type FulfillmentProvider interface {
	NotifyWin(ctx context.Context, win WinRecord) error
}
