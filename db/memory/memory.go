// Package memory is a single-process Store. One mutex guards all state, so
// every operation, including each completion stage, is serializable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/pkg/providers"
	"github.com/jonboulle/clockwork"
)

// Store implements providers.Store in memory.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock

	accounts  map[string]*providers.Account
	txs       map[string][]providers.Transaction
	nextTxID  int64
	pools     map[string]*providers.PoolBalance
	wins      map[string]*providers.WinRecord
	winByKey  map[providers.CompletionKey]string
	events    map[providers.CompletionKey]*providers.CompletionEvent
	winsOrder []string
}

var _ providers.Store = (*Store)(nil)

// New creates an empty store. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:    clock,
		accounts: make(map[string]*providers.Account),
		txs:      make(map[string][]providers.Transaction),
		pools:    make(map[string]*providers.PoolBalance),
		wins:     make(map[string]*providers.WinRecord),
		winByKey: make(map[providers.CompletionKey]string),
		events:   make(map[providers.CompletionKey]*providers.CompletionEvent),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

// Ledger

func (s *Store) OpenAccount(_ context.Context, accountID string) (*providers.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acc, ok := s.accounts[accountID]; ok {
		cp := *acc
		return &cp, nil
	}
	now := s.clock.Now()
	acc := &providers.Account{ID: accountID, CreatedAt: now, UpdatedAt: now}
	s.accounts[accountID] = acc
	cp := *acc
	return &cp, nil
}

func (s *Store) GetAccount(_ context.Context, accountID string) (*providers.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[accountID]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrAccountNotFound, "account not found", accountID)
	}
	cp := *acc
	return &cp, nil
}

func (s *Store) Post(_ context.Context, posting providers.Posting) (*providers.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.post(posting)
}

// post applies one posting; callers hold s.mu.
func (s *Store) post(p providers.Posting) (*providers.Transaction, error) {
	acc, ok := s.accounts[p.AccountID]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrAccountNotFound, "account not found", p.AccountID)
	}
	delta := p.Delta()
	if acc.Balance+delta < 0 {
		return nil, errors.NewWithDebug(errors.ErrInsufficientBalance, "insufficient balance", p.AccountID)
	}

	now := s.clock.Now()
	s.nextTxID++
	tx := providers.Transaction{
		ID:              s.nextTxID,
		AccountID:       p.AccountID,
		Delta:           delta,
		Type:            p.Type,
		Source:          p.Source,
		SurveyID:        p.SurveyID,
		PreviousBalance: acc.Balance,
		NewBalance:      acc.Balance + delta,
		CreatedAt:       now,
	}
	acc.Balance = tx.NewBalance
	acc.UpdatedAt = now
	s.txs[p.AccountID] = append(s.txs[p.AccountID], tx)
	return &tx, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string) ([]providers.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providers.Transaction(nil), s.txs[accountID]...), nil
}

// Pools

func (s *Store) EnsurePools(_ context.Context, tierIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tierIDs {
		if _, ok := s.pools[id]; !ok {
			s.pools[id] = &providers.PoolBalance{TierID: id, UpdatedAt: s.clock.Now()}
		}
	}
	return nil
}

func (s *Store) AddToPool(_ context.Context, tierID string, points int64) (*providers.PoolBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addToPool(tierID, points)
}

func (s *Store) addToPool(tierID string, points int64) (*providers.PoolBalance, error) {
	p, ok := s.pools[tierID]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}
	p.Points += points
	p.UpdatedAt = s.clock.Now()
	cp := *p
	return &cp, nil
}

func (s *Store) ResetPool(_ context.Context, tierID string) (*providers.PoolBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetPool(tierID)
}

func (s *Store) resetPool(tierID string) (*providers.PoolBalance, error) {
	p, ok := s.pools[tierID]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", tierID)
	}
	p.Points = 0
	p.UpdatedAt = s.clock.Now()
	cp := *p
	return &cp, nil
}

func (s *Store) ListPools(context.Context) ([]providers.PoolBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]providers.PoolBalance, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TierID < out[j].TierID })
	return out, nil
}

// Winners

func (s *Store) InsertWin(_ context.Context, win *providers.WinRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertWin(win)
}

func (s *Store) insertWin(win *providers.WinRecord) error {
	if _, ok := s.wins[win.ID]; ok {
		return errors.NewWithDebug(errors.ErrConflict, "win already recorded", win.ID)
	}
	key := providers.CompletionKey{AccountID: win.AccountID, SurveyID: win.SurveyID}
	if win.SurveyID != "" {
		if _, ok := s.winByKey[key]; ok {
			return errors.NewWithDebug(errors.ErrConflict, "win already recorded for survey", win.SurveyID)
		}
		s.winByKey[key] = win.ID
	}
	cp := *win
	s.wins[win.ID] = &cp
	s.winsOrder = append(s.winsOrder, win.ID)
	return nil
}

func (s *Store) GetWin(_ context.Context, winID string) (*providers.WinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wins[winID]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrWinNotFound, "win not found", winID)
	}
	cp := *w
	return &cp, nil
}

func (s *Store) ListWins(_ context.Context, tierID string, limit int) ([]providers.WinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]providers.WinRecord, 0)
	for _, id := range s.winsOrder {
		w := s.wins[id]
		if tierID != "" && w.TierID != tierID {
			continue
		}
		out = append(out, *w)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WonAt.After(out[j].WonAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkDelivered(_ context.Context, winID string, at time.Time) (*providers.WinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wins[winID]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrWinNotFound, "win not found", winID)
	}
	if !w.Delivered {
		w.Delivered = true
		deliveredAt := at
		w.DeliveredAt = &deliveredAt
	}
	cp := *w
	return &cp, nil
}

// Completions

func (s *Store) BeginCompletion(_ context.Context, ev providers.CompletionEvent, credit providers.Posting) (*providers.CompletionEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ev.Key()
	if existing, ok := s.events[key]; ok {
		cp := *existing
		return &cp, false, nil
	}
	if _, err := s.post(credit); err != nil {
		return nil, false, err
	}

	now := s.clock.Now()
	ev.State = providers.StateCredited
	ev.CreatedAt = now
	ev.UpdatedAt = now
	stored := ev
	s.events[key] = &stored
	return &ev, true, nil
}

func (s *Store) GetCompletion(_ context.Context, key providers.CompletionKey) (*providers.CompletionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[key]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrNotFound, "completion not found", key.AccountID+"/"+key.SurveyID)
	}
	cp := *ev
	return &cp, nil
}

// advance is the compare-and-set on an event's state; callers hold s.mu.
func (s *Store) advance(key providers.CompletionKey, from, to providers.CompletionState) (*providers.CompletionEvent, error) {
	ev, ok := s.events[key]
	if !ok {
		return nil, errors.NewWithDebug(errors.ErrNotFound, "completion not found", key.AccountID+"/"+key.SurveyID)
	}
	if ev.State != from {
		return nil, providers.ErrStageConflict
	}
	ev.State = to
	ev.UpdatedAt = s.clock.Now()
	return ev, nil
}

func (s *Store) checkTiers(deltas []providers.PoolDelta) error {
	for _, d := range deltas {
		if _, ok := s.pools[d.TierID]; !ok {
			return errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", d.TierID)
		}
	}
	return nil
}

func (s *Store) ApplyContributions(_ context.Context, key providers.CompletionKey, deltas []providers.PoolDelta) (*providers.CompletionEvent, []providers.PoolBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTiers(deltas); err != nil {
		return nil, nil, err
	}
	ev, err := s.advance(key, providers.StateCredited, providers.StatePoolsUpdated)
	if err != nil {
		return nil, nil, err
	}
	pools := s.applyDeltas(deltas)
	cp := *ev
	return &cp, pools, nil
}

func (s *Store) applyDeltas(deltas []providers.PoolDelta) []providers.PoolBalance {
	out := make([]providers.PoolBalance, 0, len(deltas))
	for _, d := range deltas {
		p, _ := s.addToPool(d.TierID, d.Points)
		out = append(out, *p)
	}
	return out
}

func (s *Store) RecordEvaluation(_ context.Context, key providers.CompletionKey, winningTier string) (*providers.CompletionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.advance(key, providers.StatePoolsUpdated, providers.StateWinEvaluated)
	if err != nil {
		return nil, err
	}
	ev.WinningTier = winningTier
	cp := *ev
	return &cp, nil
}

func (s *Store) FinalizeWin(_ context.Context, key providers.CompletionKey, win *providers.WinRecord, payout providers.Posting) (*providers.CompletionEvent, *providers.PoolBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[key]
	if !ok {
		return nil, nil, errors.NewWithDebug(errors.ErrNotFound, "completion not found", key.AccountID+"/"+key.SurveyID)
	}
	if ev.State != providers.StateWinEvaluated {
		return nil, nil, providers.ErrStageConflict
	}
	pool, ok := s.pools[win.TierID]
	if !ok {
		return nil, nil, errors.NewWithDebug(errors.ErrTierNotFound, "tier not found", win.TierID)
	}

	// Validate everything before the first write so a failure leaves no trace.
	if _, ok := s.accounts[payout.AccountID]; !ok {
		return nil, nil, errors.NewWithDebug(errors.ErrAccountNotFound, "account not found", payout.AccountID)
	}
	win.PoolPoints = pool.Points
	if err := s.insertWin(win); err != nil {
		return nil, nil, err
	}
	if _, err := s.post(payout); err != nil {
		return nil, nil, err
	}
	reset, _ := s.resetPool(win.TierID)

	ev.State = providers.StateFinalized
	ev.Outcome = providers.OutcomeWinRecorded
	ev.WinID = win.ID
	ev.UpdatedAt = s.clock.Now()
	cp := *ev
	return &cp, reset, nil
}

func (s *Store) FinalizeNoWin(_ context.Context, key providers.CompletionKey, deltas []providers.PoolDelta) (*providers.CompletionEvent, []providers.PoolBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkTiers(deltas); err != nil {
		return nil, nil, err
	}
	ev, err := s.advance(key, providers.StateWinEvaluated, providers.StateFinalized)
	if err != nil {
		return nil, nil, err
	}
	ev.Outcome = providers.OutcomeNoWin
	pools := s.applyDeltas(deltas)
	cp := *ev
	return &cp, pools, nil
}

func (s *Store) ListUnfinished(_ context.Context, cutoff time.Time, limit int) ([]providers.CompletionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]providers.CompletionEvent, 0)
	for _, ev := range s.events {
		if ev.State != providers.StateFinalized && ev.UpdatedAt.Before(cutoff) {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
