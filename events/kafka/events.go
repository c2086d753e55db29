package kafka

import (
	"time"

	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/shopspring/decimal"
)

// Event types carried in Event.Type
const (
	EventCompletionFinalized = "completion.finalized"
	EventJackpotWon          = "jackpot.won"
	EventPoolUpdated         = "pool.updated"
)

// Event is the envelope written to every topic
type Event struct {
	Type       string      `json:"type"`
	InstanceID string      `json:"instance_id"`
	Payload    interface{} `json:"payload"`
	Timestamp  time.Time   `json:"timestamp"`
}

// CompletionPayload describes a finalized completion
type CompletionPayload struct {
	AccountID           string `json:"account_id"`
	SurveyID            string `json:"survey_id"`
	InstitutionID       string `json:"institution_id"`
	Outcome             string `json:"outcome"`
	UserPoints          int64  `json:"user_points"`
	JackpotContribution int64  `json:"jackpot_contribution"`
	WinningTier         string `json:"winning_tier,omitempty"`
	WinID               string `json:"win_id,omitempty"`
}

// NewCompletionPayload builds the payload from a finalized event
func NewCompletionPayload(ev providers.CompletionEvent) CompletionPayload {
	return CompletionPayload{
		AccountID:           ev.AccountID,
		SurveyID:            ev.SurveyID,
		InstitutionID:       ev.InstitutionID,
		Outcome:             string(ev.Outcome),
		UserPoints:          ev.UserPoints,
		JackpotContribution: ev.JackpotContribution,
		WinningTier:         ev.WinningTier,
		WinID:               ev.WinID,
	}
}

// WinPayload describes a recorded tier win
type WinPayload struct {
	WinID        string          `json:"win_id"`
	AccountID    string          `json:"account_id"`
	TierID       string          `json:"tier_id"`
	SurveyID     string          `json:"survey_id,omitempty"`
	PayoutValue  decimal.Decimal `json:"payout_value"`
	PayoutPoints int64           `json:"payout_points"`
	PoolPoints   int64           `json:"pool_points"`
	WonAt        time.Time       `json:"won_at"`
}

// NewWinPayload builds the payload from a win record
func NewWinPayload(w providers.WinRecord) WinPayload {
	return WinPayload{
		WinID:        w.ID,
		AccountID:    w.AccountID,
		TierID:       w.TierID,
		SurveyID:     w.SurveyID,
		PayoutValue:  w.PayoutValue,
		PayoutPoints: w.PayoutPoints,
		PoolPoints:   w.PoolPoints,
		WonAt:        w.WonAt,
	}
}

// PoolUpdateEvent is the committed total of one tier
type PoolUpdateEvent struct {
	TierID    string    `json:"tier_id"`
	Points    int64     `json:"points"`
	UpdatedAt time.Time `json:"updated_at"`
}
