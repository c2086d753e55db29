package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

// Reward constants, in points
const (
	DefaultUserReward          = 20
	DefaultJackpotContribution = 10
	DefaultTotalResponseCost   = 50
)

// RewardsConfig holds the economy constants and the jackpot tier set
type RewardsConfig struct {
	UserReward          int64                `mapstructure:"user_reward"`
	JackpotContribution int64                `mapstructure:"jackpot_contribution"`
	TotalResponseCost   int64                `mapstructure:"total_response_cost"`
	Tiers               []jackpot.TierConfig `mapstructure:"tiers"`
	Retry               RetryConfig          `mapstructure:"retry"`
	Resume              ResumeConfig         `mapstructure:"resume"`
}

// ResumeConfig controls the sweep that finishes completions left unfinalized
type ResumeConfig struct {
	Interval time.Duration `mapstructure:"interval"` // 0 uses the default; negative disables the sweep
	After    time.Duration `mapstructure:"after"`
	Batch    int           `mapstructure:"batch"`
}

// RetryConfig bounds retries of transient store contention
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// Policy converts the config section to a retry policy
func (r RetryConfig) Policy() retry.Config {
	return retry.Config{
		MaxAttempts: r.MaxAttempts,
		BaseBackoff: r.BaseBackoff,
		MaxBackoff:  r.MaxBackoff,
	}
}

func (r *RewardsConfig) setDefaults() {
	if len(r.Tiers) == 0 {
		r.Tiers = jackpot.DefaultTiers()
	}
	def := retry.DefaultConfig()
	if r.Retry.MaxAttempts == 0 {
		r.Retry.MaxAttempts = def.MaxAttempts
	}
	if r.Retry.BaseBackoff == 0 {
		r.Retry.BaseBackoff = def.BaseBackoff
	}
	if r.Retry.MaxBackoff == 0 {
		r.Retry.MaxBackoff = def.MaxBackoff
	}
	if r.Resume.Interval == 0 {
		r.Resume.Interval = 30 * time.Second
	}
	if r.Resume.After == 0 {
		r.Resume.After = time.Minute
	}
	if r.Resume.Batch == 0 {
		r.Resume.Batch = 100
	}
}

// Validate checks the economy constants and the tier set
func (r *RewardsConfig) Validate() error {
	if r.UserReward < 0 || r.JackpotContribution < 0 {
		return errors.NewWithDebug(errors.ErrConfigError, "rewards: user_reward and jackpot_contribution must be non-negative",
			fmt.Sprintf("user_reward=%d jackpot_contribution=%d", r.UserReward, r.JackpotContribution))
	}
	if r.UserReward+r.JackpotContribution > r.TotalResponseCost {
		return errors.NewWithDebug(errors.ErrConfigError, "rewards: user_reward + jackpot_contribution exceeds total_response_cost",
			fmt.Sprintf("%d + %d > %d", r.UserReward, r.JackpotContribution, r.TotalResponseCost))
	}
	if r.Retry.MaxAttempts < 1 {
		return errors.New(errors.ErrConfigError, "rewards.retry.max_attempts must be at least 1")
	}
	if err := jackpot.ValidateTiers(r.Tiers); err != nil {
		return errors.Wrap(err, errors.ErrConfigError, "rewards: invalid tier set")
	}
	return nil
}

// decodeHook keeps viper's default hooks and adds decimal decoding for tier values
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook,
	)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case decimal.Decimal:
		return v, nil
	default:
		return nil, fmt.Errorf("cannot decode %T into decimal", data)
	}
}
