package completion

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/logging"
	"github.com/Digital-Creators-Team/points-engine/metrics"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const defaultSideEffectTimeout = 10 * time.Second

// Processor drives completion events through
// credited -> pools_updated -> win_evaluated -> finalized.
//
// Every stage is a compare-and-set on the persisted event, committed in the
// same unit as the ledger and pool writes it implies. A retry, or a second
// caller holding the same key, resumes from the persisted stage and can never
// apply a stage twice.
type Processor struct {
	store  providers.CompletionStore
	pools  *jackpot.Manager
	cfg    Config
	clock  clockwork.Clock
	logger zerolog.Logger

	wg sync.WaitGroup
}

// NewProcessor creates a processor. pools supplies tier shares and draws.
func NewProcessor(store providers.CompletionStore, pools *jackpot.Manager, cfg Config) *Processor {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.SideEffectTimeout <= 0 {
		cfg.SideEffectTimeout = defaultSideEffectTimeout
	}
	return &Processor{
		store:  store,
		pools:  pools,
		cfg:    cfg,
		clock:  clock,
		logger: logging.WithComponent(cfg.Logger, "completion"),
	}
}

// run carries per-call state through the stages.
type run struct {
	key    providers.CompletionKey
	logger zerolog.Logger
	win    *providers.WinRecord // set when this call recorded the win
}

// ProcessCompletion credits the user reward, funds the pools, draws for a win
// and finalizes the event, exactly once per (account, survey).
//
// Exactly one call per key reports success: the one whose commit finalized
// the event. Every other call returns the stored result together with an
// ErrDuplicateCompletion error, including a call that helped drive an
// unfinished event another caller then finalized. A retry after a failure
// resumes the event and succeeds if it commits the final stage. Cancelling
// ctx only has effect before the user reward is committed.
func (p *Processor) ProcessCompletion(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := p.clock.Now()
	r := &run{key: req.Key(), logger: logging.WithCompletion(p.logger, req.AccountID, req.SurveyID)}

	ev, created, err := p.begin(ctx, req)
	if err != nil {
		metrics.RecordCompletion("error", p.clock.Since(start))
		r.logger.Warn().Err(err).Msg("Completion rejected")
		return nil, err
	}
	if !created {
		if ev.State == providers.StateFinalized {
			return p.duplicate(ctx, r, ev, start)
		}
		r.logger.Info().Str("state", string(ev.State)).Msg("Resuming completion")
	}

	// The user reward is committed; from here the event runs to finalized.
	ctx = context.WithoutCancel(ctx)

	ev, finalizedHere, err := p.drive(ctx, r, ev)
	if err != nil {
		metrics.RecordCompletion("error", p.clock.Since(start))
		r.logger.Error().Err(err).Msg("Completion left unfinalized; safe to retry")
		return nil, err
	}

	if !finalizedHere {
		return p.duplicate(ctx, r, ev, start)
	}

	p.afterFinalize(ctx, r, *ev)
	metrics.RecordCompletion(string(ev.Outcome), p.clock.Since(start))
	r.logger.Info().
		Str("outcome", string(ev.Outcome)).
		Str("winning_tier", ev.WinningTier).
		Msg("Completion finalized")
	return p.result(ctx, r, ev), nil
}

func (p *Processor) duplicate(ctx context.Context, r *run, ev *providers.CompletionEvent, start time.Time) (*Result, error) {
	metrics.RecordCompletion("duplicate", p.clock.Since(start))
	r.logger.Info().Str("outcome", string(ev.Outcome)).Msg("Duplicate completion")
	return p.result(ctx, r, ev), errors.NewWithDebug(errors.ErrDuplicateCompletion,
		"completion already processed", r.key.AccountID+"/"+r.key.SurveyID)
}

// ResumePending drives events left unfinished for longer than olderThan to
// finalized. It returns how many were finalized; one failing event does not
// stop the sweep.
func (p *Processor) ResumePending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	pending, err := p.store.ListUnfinished(ctx, p.clock.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return resumed, err
		}
		ev := &pending[i]
		r := &run{key: ev.Key(), logger: logging.WithCompletion(p.logger, ev.AccountID, ev.SurveyID)}
		r.logger.Info().Str("state", string(ev.State)).Msg("Resuming stalled completion")

		done, finalizedHere, err := p.drive(context.WithoutCancel(ctx), r, ev)
		if err != nil {
			r.logger.Error().Err(err).Msg("Stalled completion still unfinalized")
			continue
		}
		if finalizedHere {
			p.afterFinalize(ctx, r, *done)
			metrics.RecordResumed(string(done.Outcome))
		}
		resumed++
	}
	return resumed, nil
}

// Wait blocks until in-flight post-commit side effects have finished.
func (p *Processor) Wait() {
	p.wg.Wait()
}

func (p *Processor) begin(ctx context.Context, req Request) (*providers.CompletionEvent, bool, error) {
	ev := providers.CompletionEvent{
		AccountID:           req.AccountID,
		SurveyID:            req.SurveyID,
		InstitutionID:       req.InstitutionID,
		UserPoints:          p.cfg.UserReward,
		JackpotContribution: p.cfg.JackpotContribution,
	}
	credit := providers.Posting{
		AccountID: req.AccountID,
		Points:    p.cfg.UserReward,
		Type:      providers.TransactionCredit,
		Source:    providers.SourceSurveyResponse,
		SurveyID:  req.SurveyID,
	}

	var created bool
	stored, err := retry.DoValue(ctx, p.retryFor("begin"), func() (*providers.CompletionEvent, error) {
		stored, ok, err := p.store.BeginCompletion(ctx, ev, credit)
		created = ok
		return stored, err
	})
	return stored, created, err
}

// drive advances ev until it is finalized. finalizedHere reports whether this
// call performed the final transition.
func (p *Processor) drive(ctx context.Context, r *run, ev *providers.CompletionEvent) (*providers.CompletionEvent, bool, error) {
	finalizedHere := false
	for ev.State != providers.StateFinalized {
		next, err := p.step(ctx, r, ev)
		switch {
		case stderrors.Is(err, providers.ErrStageConflict):
			r.logger.Debug().Str("state", string(ev.State)).Msg("Stage already advanced, reloading")
			next, err = p.reload(ctx, r.key)
			if err != nil {
				return nil, false, err
			}
		case err != nil:
			return nil, false, err
		case next.State == providers.StateFinalized:
			finalizedHere = true
		}
		ev = next
	}
	return ev, finalizedHere, nil
}

func (p *Processor) step(ctx context.Context, r *run, ev *providers.CompletionEvent) (*providers.CompletionEvent, error) {
	switch ev.State {
	case providers.StateCredited:
		return p.contribute(ctx, r, ev)
	case providers.StatePoolsUpdated:
		return p.evaluate(ctx, r)
	case providers.StateWinEvaluated:
		if ev.WinningTier == "" {
			return p.finalizeNoWin(ctx, r)
		}
		return p.finalizeWin(ctx, r, ev)
	default:
		return nil, errors.NewWithDebug(errors.ErrPersistenceFailure, "unexpected completion state", string(ev.State))
	}
}

func (p *Processor) contribute(ctx context.Context, r *run, ev *providers.CompletionEvent) (*providers.CompletionEvent, error) {
	deltas := p.pools.Shares(ev.JackpotContribution)

	var next *providers.CompletionEvent
	var pools []providers.PoolBalance
	err := retry.Do(ctx, p.retryFor("contribute"), func() error {
		var err error
		next, pools, err = p.store.ApplyContributions(ctx, r.key, deltas)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.pools.Publish(ctx, pools...)
	return next, nil
}

// evaluate draws once and persists the outcome, so a retry never re-rolls.
func (p *Processor) evaluate(ctx context.Context, r *run) (*providers.CompletionEvent, error) {
	won, err := p.pools.Evaluate()
	if err != nil {
		return nil, err
	}
	winningTier := ""
	if won != nil {
		winningTier = won.ID
	}

	return retry.DoValue(ctx, p.retryFor("evaluate"), func() (*providers.CompletionEvent, error) {
		return p.store.RecordEvaluation(ctx, r.key, winningTier)
	})
}

func (p *Processor) finalizeWin(ctx context.Context, r *run, ev *providers.CompletionEvent) (*providers.CompletionEvent, error) {
	tier, ok := p.pools.Tier(ev.WinningTier)
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrTierNotFound, "winning tier is no longer configured", ev.WinningTier)
	}

	win := &providers.WinRecord{
		ID:           uuid.NewString(),
		AccountID:    r.key.AccountID,
		TierID:       tier.ID,
		SurveyID:     r.key.SurveyID,
		PayoutValue:  tier.PayoutValue,
		PayoutPoints: tier.PayoutPoints(),
		WonAt:        p.clock.Now(),
	}
	payout := providers.Posting{
		AccountID: r.key.AccountID,
		Points:    win.PayoutPoints,
		Type:      providers.TransactionCredit,
		Source:    providers.SourceJackpotWin,
		SurveyID:  r.key.SurveyID,
	}

	var next *providers.CompletionEvent
	var pool *providers.PoolBalance
	err := retry.Do(ctx, p.retryFor("finalize_win"), func() error {
		var err error
		next, pool, err = p.store.FinalizeWin(ctx, r.key, win, payout)
		return err
	})
	if err != nil {
		return nil, err
	}

	r.win = win
	metrics.JackpotWinsTotal.WithLabelValues(tier.ID).Inc()
	winLogger := logging.WithTierID(r.logger, tier.ID)
	winLogger.Info().
		Str("win_id", win.ID).
		Int64("payout_points", win.PayoutPoints).
		Int64("pool_points", win.PoolPoints).
		Msg("Jackpot won")
	p.pools.Publish(ctx, *pool)
	return next, nil
}

func (p *Processor) finalizeNoWin(ctx context.Context, r *run) (*providers.CompletionEvent, error) {
	deltas := p.pools.FailureContributions()

	var next *providers.CompletionEvent
	var pools []providers.PoolBalance
	err := retry.Do(ctx, p.retryFor("finalize_no_win"), func() error {
		var err error
		next, pools, err = p.store.FinalizeNoWin(ctx, r.key, deltas)
		return err
	})
	if err != nil {
		return nil, err
	}
	p.pools.Publish(ctx, pools...)
	return next, nil
}

func (p *Processor) reload(ctx context.Context, key providers.CompletionKey) (*providers.CompletionEvent, error) {
	return retry.DoValue(ctx, p.retryFor("reload"), func() (*providers.CompletionEvent, error) {
		return p.store.GetCompletion(ctx, key)
	})
}

// result reports ev. The win comes from this call when it recorded one,
// otherwise from the stored record.
func (p *Processor) result(ctx context.Context, r *run, ev *providers.CompletionEvent) *Result {
	res := &Result{
		Success:             true,
		UserPointsEarned:    ev.UserPoints,
		JackpotContribution: ev.JackpotContribution,
		State:               ev.State,
		Outcome:             ev.Outcome,
	}
	if ev.Outcome != providers.OutcomeWinRecorded {
		return res
	}

	win := r.win
	if win == nil && ev.WinID != "" {
		stored, err := retry.DoValue(ctx, p.retryFor("get_win"), func() (*providers.WinRecord, error) {
			return p.store.GetWin(ctx, ev.WinID)
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("win_id", ev.WinID).Msg("Failed to load win record, reporting tier defaults")
		} else {
			win = stored
		}
	}
	if win != nil {
		res.Win = &WinResult{
			WinID:        win.ID,
			TierID:       win.TierID,
			PayoutValue:  win.PayoutValue,
			PayoutPoints: win.PayoutPoints,
			PoolPoints:   win.PoolPoints,
		}
		return res
	}
	res.Win = &WinResult{WinID: ev.WinID, TierID: ev.WinningTier}
	if tier, ok := p.pools.Tier(ev.WinningTier); ok {
		res.Win.PayoutValue = tier.PayoutValue
		res.Win.PayoutPoints = tier.PayoutPoints()
	}
	return res
}

// afterFinalize emits events and the fulfillment notice. These never touch
// the ledger; failures are logged and counted.
func (p *Processor) afterFinalize(ctx context.Context, r *run, ev providers.CompletionEvent) {
	if p.cfg.Publisher == nil && (r.win == nil || p.cfg.Fulfillment == nil) {
		return
	}
	win := r.win
	logger := r.logger

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Interface("panic", rec).Msg("Recovered from panic in completion side effects")
			}
		}()

		if pub := p.cfg.Publisher; pub != nil {
			p.sideEffect(ctx, logger, "kafka", func(ctx context.Context) error {
				return pub.PublishCompletion(ctx, ev)
			})
			if win != nil {
				p.sideEffect(ctx, logger, "kafka", func(ctx context.Context) error {
					return pub.PublishWin(ctx, *win)
				})
			}
		}
		if f := p.cfg.Fulfillment; f != nil && win != nil {
			p.sideEffect(ctx, logger, "fulfillment", func(ctx context.Context) error {
				return f.NotifyWin(ctx, *win)
			})
		}
	}()
}

func (p *Processor) sideEffect(ctx context.Context, logger zerolog.Logger, sink string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SideEffectTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues(sink).Inc()
		logger.Warn().Err(err).Str("sink", sink).Msg("Post-commit side effect failed")
	}
}

func (p *Processor) retryFor(operation string) retry.Config {
	cfg := p.cfg.Retry
	cfg.OnRetry = metrics.RetryCounter("completion_" + operation)
	return cfg
}
