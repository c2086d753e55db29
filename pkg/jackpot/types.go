package jackpot

import (
	"fmt"
	"sort"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/points"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TierConfig describes a reward tier. Monetary values are in currency units
// and become points through pkg/points.
type TierConfig struct {
	ID                     string          `mapstructure:"id" json:"id"`
	PayoutValue            decimal.Decimal `mapstructure:"payout_value" json:"payout_value"`
	ProbabilityDenominator int64           `mapstructure:"probability_denominator" json:"probability_denominator"`
	FundingFraction        decimal.Decimal `mapstructure:"funding_fraction" json:"funding_fraction"`
	FailureContribution    decimal.Decimal `mapstructure:"failure_contribution" json:"failure_contribution"`
}

// PayoutPoints is the payout credited to a winner.
func (t TierConfig) PayoutPoints() int64 {
	return points.FromCurrency(t.PayoutValue)
}

// FailurePoints is what the tier's pool gains when an event does not win.
func (t TierConfig) FailurePoints() int64 {
	return points.FromCurrency(t.FailureContribution)
}

// DefaultTiers returns the lucky / major / grand tier set.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{
			ID:                     "lucky",
			PayoutValue:            decimal.NewFromInt(20),
			ProbabilityDenominator: 500,
			FundingFraction:        decimal.RequireFromString("0.5"),
			FailureContribution:    decimal.RequireFromString("0.01"),
		},
		{
			ID:                     "major",
			PayoutValue:            decimal.NewFromInt(100),
			ProbabilityDenominator: 5000,
			FundingFraction:        decimal.RequireFromString("0.3"),
			FailureContribution:    decimal.RequireFromString("0.02"),
		},
		{
			ID:                     "grand",
			PayoutValue:            decimal.NewFromInt(1000),
			ProbabilityDenominator: 50000,
			FundingFraction:        decimal.RequireFromString("0.2"),
			FailureContribution:    decimal.RequireFromString("0.05"),
		},
	}
}

// ValidateTiers checks a tier set before a Manager is built from it.
func ValidateTiers(tiers []TierConfig) error {
	if len(tiers) == 0 {
		return errors.New(errors.ErrConfigError, "at least one reward tier is required")
	}

	seen := make(map[string]struct{}, len(tiers))
	sum := decimal.Zero
	for _, t := range tiers {
		if t.ID == "" {
			return errors.New(errors.ErrConfigError, "tier id is required")
		}
		if _, dup := seen[t.ID]; dup {
			return errors.NewWithDebug(errors.ErrConfigError, "duplicate tier id", t.ID)
		}
		seen[t.ID] = struct{}{}

		if t.ProbabilityDenominator < 1 {
			return errors.NewWithDebug(errors.ErrConfigError, "probability_denominator must be at least 1", t.ID)
		}
		if t.FundingFraction.IsNegative() || t.FundingFraction.GreaterThan(decimal.NewFromInt(1)) {
			return errors.NewWithDebug(errors.ErrConfigError, "funding_fraction must be within [0, 1]", t.ID)
		}
		if t.PayoutValue.IsNegative() || t.FailureContribution.IsNegative() {
			return errors.NewWithDebug(errors.ErrConfigError, "payout_value and failure_contribution must be non-negative", t.ID)
		}
		sum = sum.Add(t.FundingFraction)
	}

	if !sum.Equal(decimal.NewFromInt(1)) {
		return errors.NewWithDebug(errors.ErrConfigError, "funding fractions must sum to 1",
			fmt.Sprintf("sum=%s", sum.String()))
	}
	return nil
}

// sortTiers orders tiers by ascending payout value, ties broken by id.
func sortTiers(tiers []TierConfig) []TierConfig {
	out := append([]TierConfig(nil), tiers...)
	sort.SliceStable(out, func(i, j int) bool {
		if c := out[i].PayoutValue.Cmp(out[j].PayoutValue); c != 0 {
			return c < 0
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update represents a committed pool value (local or from a peer instance).
type Update struct {
	TierID    string    `json:"tier_id"`
	Points    int64     `json:"points"`
	Timestamp time.Time `json:"updated_at"`
	Origin    string    `json:"origin,omitempty"` // instance id for peer updates
}

// TierSnapshot is the read-only view of one tier.
type TierSnapshot struct {
	Points    int64           `json:"points"`
	Value     decimal.Decimal `json:"value"`
	Config    TierConfig      `json:"config"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot maps tier id to its current total and config.
type Snapshot map[string]TierSnapshot

// ManagerConfig configures the pool manager.
type ManagerConfig struct {
	Tiers []TierConfig

	// Drawer is optional; defaults to CryptoDrawer.
	Drawer Drawer

	// Publisher is optional; committed pool changes are also sent there.
	Publisher providers.EventPublisher

	// BroadcastInterval controls how often buffered updates are flushed to listeners.
	BroadcastInterval time.Duration

	Retry  retry.Config
	Logger zerolog.Logger
}
