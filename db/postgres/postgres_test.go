package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"golang.org/x/sync/errgroup"
)

var (
	containerOnce sync.Once
	containerDSN  string
	containerErr  error
	container     *tcpostgres.PostgresContainer
)

func TestMain(m *testing.M) {
	code := m.Run()
	if container != nil {
		if err := testcontainers.TerminateContainer(container); err != nil {
			fmt.Fprintf(os.Stderr, "failed to terminate postgres container: %v\n", err)
		}
	}
	os.Exit(code)
}

// newTestStore returns a migrated store on a fresh schema-clean database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	containerOnce.Do(func() {
		container, containerErr = tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("points"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if containerErr != nil {
			return
		}
		containerDSN, containerErr = container.ConnectionString(ctx, "sslmode=disable")
	})
	require.NoError(t, containerErr)

	store, err := New(ctx, config.PostgresConfig{DSN: containerDSN, MaxConns: 10, RunMigrations: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.pool.Exec(ctx,
		`TRUNCATE completion_events, win_records, reward_pools, transactions, accounts RESTART IDENTITY`)
	require.NoError(t, err)
	require.NoError(t, store.EnsurePools(ctx, []string{"grand", "lucky", "major"}))
	return store
}

func TestLedgerPostAndOverdraft(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.OpenAccount(ctx, "acc-1")
	require.NoError(t, err)
	_, err = s.OpenAccount(ctx, "acc-1")
	require.NoError(t, err, "opening twice is a no-op")

	tx, err := s.Post(ctx, providers.Posting{AccountID: "acc-1", Points: 50, Type: providers.TransactionCredit, Source: "test"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), tx.PreviousBalance)
	assert.Equal(t, int64(50), tx.NewBalance)

	_, err = s.Post(ctx, providers.Posting{AccountID: "acc-1", Points: 80, Type: providers.TransactionDebit, Source: "test"})
	assert.Equal(t, errors.ErrInsufficientBalance, errors.GetCode(err))

	_, err = s.Post(ctx, providers.Posting{AccountID: "nobody", Points: 1, Type: providers.TransactionCredit, Source: "test"})
	assert.Equal(t, errors.ErrAccountNotFound, errors.GetCode(err))

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Balance)

	txs, err := s.ListTransactions(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, providers.TransactionCredit, txs[0].Type)
}

func TestConcurrentPostsKeepBalanceConsistent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.OpenAccount(ctx, "acc-1")
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 40; i++ {
		g.Go(func() error {
			_, err := s.Post(ctx, providers.Posting{AccountID: "acc-1", Points: 5, Type: providers.TransactionCredit, Source: "test"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), acc.Balance)

	txs, err := s.ListTransactions(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, txs, 40)
	for i := 1; i < len(txs); i++ {
		assert.Equal(t, txs[i-1].NewBalance, txs[i].PreviousBalance)
	}
}

func TestCompletionStagesAreCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.OpenAccount(ctx, "acc-1")
	require.NoError(t, err)

	ev := providers.CompletionEvent{AccountID: "acc-1", SurveyID: "survey-1", InstitutionID: "inst", UserPoints: 20, JackpotContribution: 10}
	credit := providers.Posting{AccountID: "acc-1", Points: 20, Type: providers.TransactionCredit, Source: providers.SourceSurveyResponse, SurveyID: "survey-1"}

	stored, created, err := s.BeginCompletion(ctx, ev, credit)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, providers.StateCredited, stored.State)

	_, created, err = s.BeginCompletion(ctx, ev, credit)
	require.NoError(t, err)
	assert.False(t, created)

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), acc.Balance, "second begin does not credit again")

	key := ev.Key()
	_, pools, err := s.ApplyContributions(ctx, key, []providers.PoolDelta{{TierID: "lucky", Points: 5}, {TierID: "grand", Points: 2}, {TierID: "major", Points: 3}})
	require.NoError(t, err)
	require.Len(t, pools, 3)
	assert.Equal(t, "grand", pools[0].TierID)

	_, _, err = s.ApplyContributions(ctx, key, []providers.PoolDelta{{TierID: "lucky", Points: 5}})
	assert.ErrorIs(t, err, providers.ErrStageConflict)

	evaluated, err := s.RecordEvaluation(ctx, key, "lucky")
	require.NoError(t, err)
	assert.Equal(t, "lucky", evaluated.WinningTier)

	win := &providers.WinRecord{
		ID: uuid.NewString(), AccountID: "acc-1", TierID: "lucky", SurveyID: "survey-1",
		PayoutValue: decimal.NewFromInt(20), PayoutPoints: 2000, WonAt: time.Now().UTC(),
	}
	payout := providers.Posting{AccountID: "acc-1", Points: 2000, Type: providers.TransactionCredit, Source: providers.SourceJackpotWin, SurveyID: "survey-1"}
	final, reset, err := s.FinalizeWin(ctx, key, win, payout)
	require.NoError(t, err)
	assert.Equal(t, providers.StateFinalized, final.State)
	assert.Equal(t, providers.OutcomeWinRecorded, final.Outcome)
	assert.Equal(t, win.ID, final.WinID)
	assert.Equal(t, int64(0), reset.Points)
	assert.Equal(t, int64(5), win.PoolPoints)

	_, _, err = s.FinalizeNoWin(ctx, key, nil)
	assert.ErrorIs(t, err, providers.ErrStageConflict)

	acc, err = s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2020), acc.Balance)

	wins, err := s.ListWins(ctx, "lucky", 10)
	require.NoError(t, err)
	require.Len(t, wins, 1)
	assert.True(t, wins[0].PayoutValue.Equal(decimal.NewFromInt(20)))

	stored, err := s.GetWin(ctx, final.WinID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.PoolPoints)
	_, err = s.GetWin(ctx, "missing")
	assert.Equal(t, errors.ErrWinNotFound, errors.GetCode(err))

	delivered, err := s.MarkDelivered(ctx, win.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, delivered.Delivered)
	again, err := s.MarkDelivered(ctx, win.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, delivered.DeliveredAt.Equal(*again.DeliveredAt))
}

func TestBeginCompletionForUnknownAccountLeavesNoEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := providers.CompletionEvent{AccountID: "ghost", SurveyID: "survey-1", UserPoints: 20, JackpotContribution: 10}
	credit := providers.Posting{AccountID: "ghost", Points: 20, Type: providers.TransactionCredit, Source: providers.SourceSurveyResponse}
	_, _, err := s.BeginCompletion(ctx, ev, credit)
	assert.Equal(t, errors.ErrAccountNotFound, errors.GetCode(err))

	_, err = s.GetCompletion(ctx, ev.Key())
	assert.Equal(t, errors.ErrNotFound, errors.GetCode(err))
}

func TestConcurrentContributionsAreNotLost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var g errgroup.Group
	for i := 0; i < 25; i++ {
		account := fmt.Sprintf("acc-%d", i)
		g.Go(func() error {
			if _, err := s.OpenAccount(ctx, account); err != nil {
				return err
			}
			ev := providers.CompletionEvent{AccountID: account, SurveyID: "s", UserPoints: 20, JackpotContribution: 10}
			credit := providers.Posting{AccountID: account, Points: 20, Type: providers.TransactionCredit, Source: providers.SourceSurveyResponse}
			if _, _, err := s.BeginCompletion(ctx, ev, credit); err != nil {
				return err
			}
			_, _, err := s.ApplyContributions(ctx, ev.Key(), []providers.PoolDelta{{TierID: "major", Points: 3}, {TierID: "lucky", Points: 5}})
			return err
		})
	}
	require.NoError(t, g.Wait())

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	byTier := map[string]int64{}
	for _, p := range pools {
		byTier[p.TierID] = p.Points
	}
	assert.Equal(t, int64(125), byTier["lucky"])
	assert.Equal(t, int64(75), byTier["major"])
}

func TestListUnfinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.OpenAccount(ctx, "acc-1")
	require.NoError(t, err)

	ev := providers.CompletionEvent{AccountID: "acc-1", SurveyID: "survey-1", UserPoints: 20, JackpotContribution: 10}
	_, _, err = s.BeginCompletion(ctx, ev, providers.Posting{AccountID: "acc-1", Points: 20, Type: providers.TransactionCredit, Source: "test"})
	require.NoError(t, err)

	pending, err := s.ListUnfinished(ctx, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, providers.StateCredited, pending[0].State)

	pending, err = s.ListUnfinished(ctx, time.Now().Add(-time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
