package completion

import (
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Request is one accepted survey submission.
type Request struct {
	AccountID     string `json:"account_id"`
	SurveyID      string `json:"survey_id"`
	InstitutionID string `json:"institution_id"`
}

// Validate checks the idempotency key is complete.
func (r Request) Validate() error {
	if r.AccountID == "" || r.SurveyID == "" {
		return errors.New(errors.ErrInvalidRequest, "account_id and survey_id are required")
	}
	return nil
}

// Key returns the request's idempotency key.
func (r Request) Key() providers.CompletionKey {
	return providers.CompletionKey{AccountID: r.AccountID, SurveyID: r.SurveyID}
}

// WinResult describes the tier won by a completion.
type WinResult struct {
	WinID        string          `json:"win_id"`
	TierID       string          `json:"tier_id"`
	PayoutValue  decimal.Decimal `json:"payout_value"`
	PayoutPoints int64           `json:"payout_points"`
	PoolPoints   int64           `json:"pool_points,omitempty"`
}

// Result is what ProcessCompletion reports for a finalized event.
type Result struct {
	Success             bool                        `json:"success"`
	UserPointsEarned    int64                       `json:"user_points_earned"`
	JackpotContribution int64                       `json:"jackpot_contribution"`
	Win                 *WinResult                  `json:"win_result"`
	State               providers.CompletionState   `json:"state"`
	Outcome             providers.CompletionOutcome `json:"outcome"`
}

// Config configures a Processor.
type Config struct {
	UserReward          int64
	JackpotContribution int64

	Retry retry.Config

	// Clock is optional; defaults to the real clock.
	Clock clockwork.Clock

	// Publisher and Fulfillment are optional post-commit sinks.
	Publisher   providers.EventPublisher
	Fulfillment providers.FulfillmentProvider

	// SideEffectTimeout bounds each post-commit call.
	SideEffectTimeout time.Duration

	Logger zerolog.Logger
}
