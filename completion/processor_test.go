package completion

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/points-engine/db/memory"
	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/metrics"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// scenarioTiers has no failure contributions so pool growth is exactly the
// funding share.
func scenarioTiers() []jackpot.TierConfig {
	tiers := jackpot.DefaultTiers()
	for i := range tiers {
		tiers[i].FailureContribution = decimal.Zero
	}
	return tiers
}

type harness struct {
	store     providers.Store
	mem       *memory.Store
	pools     *jackpot.Manager
	processor *Processor
	clock     *clockwork.FakeClock
}

type harnessOpts struct {
	tiers       []jackpot.TierConfig
	drawer      jackpot.Drawer
	wrap        func(*memory.Store) providers.Store
	publisher   providers.EventPublisher
	fulfillment providers.FulfillmentProvider
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.tiers == nil {
		opts.tiers = scenarioTiers()
	}
	if opts.drawer == nil {
		opts.drawer = jackpot.FixedDrawer("")
	}

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC))
	mem := memory.New(clock)
	var store providers.Store = mem
	if opts.wrap != nil {
		store = opts.wrap(mem)
	}

	fast := retry.Config{MaxAttempts: 3, BaseBackoff: time.Microsecond, MaxBackoff: time.Millisecond}
	pools, err := jackpot.NewManager(store, jackpot.ManagerConfig{
		Tiers:  opts.tiers,
		Drawer: opts.drawer,
		Retry:  fast,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, pools.Init(context.Background()))

	p := NewProcessor(store, pools, Config{
		UserReward:          20,
		JackpotContribution: 10,
		Retry:               fast,
		Clock:               clock,
		Publisher:           opts.publisher,
		Fulfillment:         opts.fulfillment,
		Logger:              zerolog.Nop(),
	})
	return &harness{store: store, mem: mem, pools: pools, processor: p, clock: clock}
}

func (h *harness) open(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.mem.OpenAccount(context.Background(), id)
		require.NoError(t, err)
	}
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	acc, err := h.mem.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func (h *harness) pool(t *testing.T, tier string) int64 {
	t.Helper()
	snap, err := h.pools.GetSnapshot(context.Background())
	require.NoError(t, err)
	return snap[tier].Points
}

func req(account, survey string) Request {
	return Request{AccountID: account, SurveyID: survey, InstitutionID: "inst-1"}
}

func TestScenarioA_NoWinCreditsAndFundsPools(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "acc-1")

	res, err := h.processor.ProcessCompletion(context.Background(), req("acc-1", "survey-1"))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, int64(20), res.UserPointsEarned)
	assert.Equal(t, int64(10), res.JackpotContribution)
	assert.Nil(t, res.Win)
	assert.Equal(t, providers.StateFinalized, res.State)
	assert.Equal(t, providers.OutcomeNoWin, res.Outcome)

	assert.Equal(t, int64(20), h.balance(t, "acc-1"))
	assert.Equal(t, int64(5), h.pool(t, "lucky"))
	assert.Equal(t, int64(3), h.pool(t, "major"))
	assert.Equal(t, int64(2), h.pool(t, "grand"))

	txs, err := h.mem.ListTransactions(context.Background(), "acc-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, providers.SourceSurveyResponse, txs[0].Source)
	assert.Equal(t, "survey-1", txs[0].SurveyID)
}

func TestScenarioB_WinResetsPoolAndPaysOut(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{drawer: jackpot.FixedDrawer("lucky")})
	h.open(t, "acc-1")

	_, err := h.pools.Contribute(ctx, "lucky", 500)
	require.NoError(t, err)
	majorBefore, grandBefore := h.pool(t, "major"), h.pool(t, "grand")

	res, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err)

	require.NotNil(t, res.Win)
	assert.Equal(t, providers.OutcomeWinRecorded, res.Outcome)
	assert.Equal(t, "lucky", res.Win.TierID)
	assert.Equal(t, int64(2000), res.Win.PayoutPoints)
	assert.True(t, res.Win.PayoutValue.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, int64(505), res.Win.PoolPoints, "pool size at win includes this event's share")

	assert.Equal(t, int64(0), h.pool(t, "lucky"))
	assert.Equal(t, majorBefore+3, h.pool(t, "major"))
	assert.Equal(t, grandBefore+2, h.pool(t, "grand"))
	assert.Equal(t, int64(20+2000), h.balance(t, "acc-1"))

	wins, err := h.mem.ListWins(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, wins, 1)
	assert.Equal(t, res.Win.WinID, wins[0].ID)
	assert.Equal(t, "acc-1", wins[0].AccountID)
	assert.Equal(t, "survey-1", wins[0].SurveyID)
	assert.False(t, wins[0].Delivered)

	txs, _ := h.mem.ListTransactions(ctx, "acc-1")
	require.Len(t, txs, 2)
	assert.Equal(t, providers.SourceJackpotWin, txs[1].Source)
	assert.Equal(t, int64(2000), txs[1].Delta)
}

func TestScenarioC_DuplicateReturnsPriorResult(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})
	h.open(t, "acc-1")

	first, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err)

	second, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrDuplicateCompletion, errors.GetCode(err))
	require.NotNil(t, second)
	assert.Equal(t, first.UserPointsEarned, second.UserPointsEarned)
	assert.Equal(t, first.Outcome, second.Outcome)

	assert.Equal(t, int64(20), h.balance(t, "acc-1"))
	assert.Equal(t, int64(5), h.pool(t, "lucky"))
}

func TestDuplicateOfWinReportsWin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{drawer: jackpot.FixedDrawer("grand")})
	h.open(t, "acc-1")

	first, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err)

	second, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	assert.Equal(t, errors.ErrDuplicateCompletion, errors.GetCode(err))
	require.NotNil(t, second.Win)
	assert.Equal(t, first.Win.WinID, second.Win.WinID)
	assert.Equal(t, int64(100000), second.Win.PayoutPoints)
	assert.Equal(t, int64(2), first.Win.PoolPoints)
	assert.Equal(t, first.Win.PoolPoints, second.Win.PoolPoints, "duplicate reports the stored pool size")
	assert.Equal(t, int64(20+100000), h.balance(t, "acc-1"))
}

func TestScenarioD_ConcurrentDistinctAccounts(t *testing.T) {
	const n = 100
	h := newHarness(t, harnessOpts{})
	for i := 0; i < n; i++ {
		h.open(t, fmt.Sprintf("acc-%d", i))
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := h.processor.ProcessCompletion(context.Background(), req(fmt.Sprintf("acc-%d", i), "survey-1"))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(n*5), h.pool(t, "lucky"))
	assert.Equal(t, int64(n*3), h.pool(t, "major"))
	assert.Equal(t, int64(n*2), h.pool(t, "grand"))
	for i := 0; i < n; i++ {
		assert.Equal(t, int64(20), h.balance(t, fmt.Sprintf("acc-%d", i)))
	}
}

func TestConcurrentCompletionsOnOneAccountAreNotLost(t *testing.T) {
	const n = 50
	h := newHarness(t, harnessOpts{})
	h.open(t, "acc-1")

	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := h.processor.ProcessCompletion(context.Background(), req("acc-1", fmt.Sprintf("survey-%d", i)))
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(n*20), h.balance(t, "acc-1"))
}

func TestConcurrentSameKeyCreditsOnce(t *testing.T) {
	const n = 20
	h := newHarness(t, harnessOpts{})
	h.open(t, "acc-1")

	var successes, duplicates atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			res, err := h.processor.ProcessCompletion(context.Background(), req("acc-1", "survey-1"))
			if res == nil {
				return fmt.Errorf("missing result: %w", err)
			}
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, errors.ErrDuplicateCompletion):
				duplicates.Add(1)
			default:
				return err
			}
			if res.State != providers.StateFinalized {
				return fmt.Errorf("unexpected state %s", res.State)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(n-1), duplicates.Load())
	assert.Equal(t, int64(20), h.balance(t, "acc-1"))
	assert.Equal(t, int64(5), h.pool(t, "lucky"))
	assert.Equal(t, int64(3), h.pool(t, "major"))
	assert.Equal(t, int64(2), h.pool(t, "grand"))
}

// gatedStore parks the first ApplyContributions call until release is closed.
type gatedStore struct {
	*memory.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ApplyContributions(ctx context.Context, key providers.CompletionKey, deltas []providers.PoolDelta) (*providers.CompletionEvent, []providers.PoolBalance, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.Store.ApplyContributions(ctx, key, deltas)
}

func TestSameKeyCallerFinishingSecondGetsDuplicate(t *testing.T) {
	ctx := context.Background()
	gate := &gatedStore{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, harnessOpts{
		drawer: jackpot.FixedDrawer("lucky"),
		wrap: func(m *memory.Store) providers.Store {
			gate.Store = m
			return gate
		},
	})
	h.open(t, "acc-1")

	type outcome struct {
		res *Result
		err error
	}
	creator := make(chan outcome, 1)
	go func() {
		res, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
		creator <- outcome{res, err}
	}()
	<-gate.entered

	// The second caller finds the event credited, drives it to finalized and owns the result.
	res, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Win)
	assert.Equal(t, int64(5), res.Win.PoolPoints)

	close(gate.release)
	got := <-creator
	assert.Equal(t, errors.ErrDuplicateCompletion, errors.GetCode(got.err))
	require.NotNil(t, got.res)
	assert.Equal(t, providers.StateFinalized, got.res.State)
	require.NotNil(t, got.res.Win)
	assert.Equal(t, res.Win.WinID, got.res.Win.WinID)
	assert.Equal(t, int64(5), got.res.Win.PoolPoints)

	assert.Equal(t, int64(20+2000), h.balance(t, "acc-1"))
	assert.Equal(t, int64(0), h.pool(t, "lucky"))
}

func TestUnknownAccountHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, harnessOpts{})

	_, err := h.processor.ProcessCompletion(ctx, req("ghost", "survey-1"))
	assert.Equal(t, errors.ErrAccountNotFound, errors.GetCode(err))

	_, err = h.mem.GetCompletion(ctx, providers.CompletionKey{AccountID: "ghost", SurveyID: "survey-1"})
	assert.Equal(t, errors.ErrNotFound, errors.GetCode(err))
	assert.Equal(t, int64(0), h.pool(t, "lucky"))
}

func TestCancelledBeforeCreditHasNoSideEffects(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "acc-1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), h.balance(t, "acc-1"))
}

func TestInvalidRequest(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	_, err := h.processor.ProcessCompletion(context.Background(), Request{AccountID: "acc-1"})
	assert.Equal(t, errors.ErrInvalidRequest, errors.GetCode(err))
}

// flakyStore fails the named stage a fixed number of times.
type flakyStore struct {
	*memory.Store
	failNoWin atomic.Int32
	failWin   atomic.Int32
}

func (f *flakyStore) FinalizeNoWin(ctx context.Context, key providers.CompletionKey, deltas []providers.PoolDelta) (*providers.CompletionEvent, []providers.PoolBalance, error) {
	if f.failNoWin.Add(-1) >= 0 {
		return nil, nil, errors.New(errors.ErrPersistenceFailure, "connection lost during commit")
	}
	return f.Store.FinalizeNoWin(ctx, key, deltas)
}

func (f *flakyStore) FinalizeWin(ctx context.Context, key providers.CompletionKey, win *providers.WinRecord, payout providers.Posting) (*providers.CompletionEvent, *providers.PoolBalance, error) {
	if f.failWin.Add(-1) >= 0 {
		return nil, nil, errors.New(errors.ErrPersistenceFailure, "connection lost during commit")
	}
	return f.Store.FinalizeWin(ctx, key, win, payout)
}

func TestRetryAfterFailureResumesWithoutRecrediting(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyStore
	h := newHarness(t, harnessOpts{wrap: func(m *memory.Store) providers.Store {
		flaky = &flakyStore{Store: m}
		return flaky
	}})
	h.open(t, "acc-1")
	flaky.failNoWin.Store(1)

	_, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.Error(t, err)
	assert.Equal(t, errors.ErrPersistenceFailure, errors.GetCode(err))

	ev, err := h.mem.GetCompletion(ctx, providers.CompletionKey{AccountID: "acc-1", SurveyID: "survey-1"})
	require.NoError(t, err)
	assert.Equal(t, providers.StateWinEvaluated, ev.State)
	assert.Equal(t, int64(20), h.balance(t, "acc-1"))

	res, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err, "an unfinished event resumes instead of reporting a duplicate")
	assert.Equal(t, providers.OutcomeNoWin, res.Outcome)
	assert.Equal(t, int64(20), h.balance(t, "acc-1"))
	assert.Equal(t, int64(5), h.pool(t, "lucky"))

	_, err = h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	assert.Equal(t, errors.ErrDuplicateCompletion, errors.GetCode(err))
}

func TestResumePendingFinalizesStalledEvents(t *testing.T) {
	ctx := context.Background()
	var flaky *flakyStore
	h := newHarness(t, harnessOpts{wrap: func(m *memory.Store) providers.Store {
		flaky = &flakyStore{Store: m}
		return flaky
	}})
	h.open(t, "acc-1", "acc-2")
	flaky.failNoWin.Store(1)

	_, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.Error(t, err)
	_, err = h.processor.ProcessCompletion(ctx, req("acc-2", "survey-1"))
	require.NoError(t, err)

	n, err := h.processor.ResumePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, n, "events younger than the cutoff are left alone")

	resumedBefore := testutil.ToFloat64(metrics.ResumedCompletionsTotal.WithLabelValues("no_win"))
	finalizedBefore := testutil.ToFloat64(metrics.CompletionsTotal.WithLabelValues("no_win"))

	h.clock.Advance(2 * time.Minute)
	n, err = h.processor.ResumePending(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, resumedBefore+1, testutil.ToFloat64(metrics.ResumedCompletionsTotal.WithLabelValues("no_win")))
	assert.Equal(t, finalizedBefore, testutil.ToFloat64(metrics.CompletionsTotal.WithLabelValues("no_win")),
		"sweeps stay out of the request latency series")

	ev, err := h.mem.GetCompletion(ctx, providers.CompletionKey{AccountID: "acc-1", SurveyID: "survey-1"})
	require.NoError(t, err)
	assert.Equal(t, providers.StateFinalized, ev.State)
	assert.Equal(t, int64(20), h.balance(t, "acc-1"))
	assert.Equal(t, int64(10), h.pool(t, "lucky"))
}

func TestRetryNeverRerollsTheDraw(t *testing.T) {
	ctx := context.Background()
	var draws atomic.Int32
	drawer := jackpot.DrawerFunc(func(tier jackpot.TierConfig) (int64, error) {
		draws.Add(1)
		return 1, nil
	})
	var flaky *flakyStore
	h := newHarness(t, harnessOpts{drawer: drawer, wrap: func(m *memory.Store) providers.Store {
		flaky = &flakyStore{Store: m}
		return flaky
	}})
	h.open(t, "acc-1")
	_, _ = h.pools.Contribute(ctx, "lucky", 100)
	flaky.failWin.Store(1)

	_, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.Error(t, err)
	assert.Equal(t, int64(105), h.pool(t, "lucky"), "failed finalize leaves the pool intact")

	res, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err)
	require.NotNil(t, res.Win)
	assert.Equal(t, "lucky", res.Win.TierID)
	assert.Equal(t, int32(1), draws.Load())
	assert.Equal(t, int64(0), h.pool(t, "lucky"))
	assert.Equal(t, int64(2020), h.balance(t, "acc-1"))
}

func TestFailureContributionsAppliedOnNoWin(t *testing.T) {
	h := newHarness(t, harnessOpts{tiers: jackpot.DefaultTiers()})
	h.open(t, "acc-1")

	_, err := h.processor.ProcessCompletion(context.Background(), req("acc-1", "survey-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(5+1), h.pool(t, "lucky"))
	assert.Equal(t, int64(3+2), h.pool(t, "major"))
	assert.Equal(t, int64(2+5), h.pool(t, "grand"))
}

type recorder struct {
	mu          sync.Mutex
	completions []providers.CompletionEvent
	wins        []providers.WinRecord
	notified    []providers.WinRecord
	failPublish bool
}

func (r *recorder) PublishCompletion(_ context.Context, ev providers.CompletionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completions = append(r.completions, ev)
	if r.failPublish {
		return fmt.Errorf("broker unavailable")
	}
	return nil
}

func (r *recorder) PublishWin(_ context.Context, w providers.WinRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wins = append(r.wins, w)
	return nil
}

func (r *recorder) PublishPoolUpdate(context.Context, providers.PoolBalance) error { return nil }

func (r *recorder) NotifyWin(_ context.Context, w providers.WinRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, w)
	return nil
}

func TestSideEffectsRunOnceAfterFinalize(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{failPublish: true}
	h := newHarness(t, harnessOpts{drawer: jackpot.FixedDrawer("major"), publisher: rec, fulfillment: rec})
	h.open(t, "acc-1")

	res, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err, "a failing publisher must not fail the completion")
	_, _ = h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	h.processor.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.completions, 1)
	assert.Equal(t, providers.OutcomeWinRecorded, rec.completions[0].Outcome)
	require.Len(t, rec.wins, 1)
	assert.Equal(t, res.Win.WinID, rec.wins[0].ID)
	require.Len(t, rec.notified, 1)
	assert.Equal(t, "major", rec.notified[0].TierID)
}

func TestPoolUpdatesReachListeners(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, harnessOpts{})
	h.open(t, "acc-1")

	updates, stop := h.pools.Listen(ctx)
	defer stop()
	go func() { _ = h.pools.Run(ctx) }()

	_, err := h.processor.ProcessCompletion(ctx, req("acc-1", "survey-1"))
	require.NoError(t, err)

	seen := map[string]int64{}
	deadline := time.After(5 * time.Second)
	for len(seen) < 3 {
		select {
		case u := <-updates:
			seen[u.TierID] = u.Points
		case <-deadline:
			t.Fatalf("only saw %v", seen)
		}
	}
	assert.Equal(t, map[string]int64{"lucky": 5, "major": 3, "grand": 2}, seen)
}

func TestZeroUserRewardStillFundsPools(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.open(t, "acc-1")
	p := NewProcessor(h.store, h.pools, Config{
		UserReward:          0,
		JackpotContribution: 10,
		Retry:               retry.Config{MaxAttempts: 1},
		Clock:               h.clock,
		Logger:              zerolog.Nop(),
	})

	res, err := p.ProcessCompletion(context.Background(), req("acc-1", "survey-1"))
	require.NoError(t, err)
	assert.Zero(t, res.UserPointsEarned)
	assert.Equal(t, int64(0), h.balance(t, "acc-1"))
	assert.Equal(t, int64(5), h.pool(t, "lucky"))
}
