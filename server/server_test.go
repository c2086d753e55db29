package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Digital-Creators-Team/points-engine/auth"
	"github.com/Digital-Creators-Team/points-engine/completion"
	"github.com/Digital-Creators-Team/points-engine/config"
	"github.com/Digital-Creators-Team/points-engine/db/memory"
	"github.com/Digital-Creators-Team/points-engine/errors"
	"github.com/Digital-Creators-Team/points-engine/ledger"
	"github.com/Digital-Creators-Team/points-engine/pkg/jackpot"
	"github.com/Digital-Creators-Team/points-engine/pkg/retry"
	"github.com/Digital-Creators-Team/points-engine/provider"
	"github.com/Digital-Creators-Team/points-engine/winners"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "server-test-secret"

type testEnv struct {
	app   *App
	store *memory.Store
	pools *jackpot.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tiers := jackpot.DefaultTiers()
	for i := range tiers {
		tiers[i].FailureContribution = decimal.Zero
	}

	fast := retry.Config{MaxAttempts: 2, BaseBackoff: time.Microsecond, MaxBackoff: time.Millisecond}
	store := memory.New(clockwork.NewRealClock())
	pools, err := jackpot.NewManager(store, jackpot.ManagerConfig{
		Tiers:             tiers,
		Drawer:            jackpot.FixedDrawer(""),
		BroadcastInterval: 5 * time.Millisecond,
		Retry:             fast,
		Logger:            zerolog.Nop(),
	})
	require.NoError(t, err)
	require.NoError(t, pools.Init(ctx))
	go pools.Run(ctx) //nolint:errcheck

	registry := winners.NewRegistry(store, winners.Config{
		KnownTier: func(id string) bool { _, ok := pools.Tier(id); return ok },
		Retry:     fast,
		Logger:    zerolog.Nop(),
	})
	processor := completion.NewProcessor(store, pools, completion.Config{
		UserReward:          20,
		JackpotContribution: 10,
		Retry:               fast,
		Logger:              zerolog.Nop(),
	})

	cfg := &config.Config{Environment: "test"}
	cfg.JWT.Secret = testSecret
	cfg.Server.RequestTimeout = 5 * time.Second

	app := New(Options{
		Config: cfg,
		Logger: zerolog.Nop(),
		Services: Services{
			Completions: processor,
			Accounts:    ledger.NewService(store, fast, zerolog.Nop()),
			Pools:       provider.NewSnapshotCache(nil, pools, registry, time.Second, zerolog.Nop()),
			Feed:        pools,
			Winners:     registry,
			Health:      store,
		},
	})
	app.UseCommonMiddlewares()
	app.RegisterHealthCheck()
	app.RegisterRoutes()
	return &testEnv{app: app, store: store, pools: pools}
}

func bearer(t *testing.T, accountID, role string) string {
	t.Helper()
	tok, err := auth.GenerateToken(testSecret, accountID, accountID, role, time.Hour)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (e *testEnv) do(t *testing.T, method, path, authz string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	e.app.Router().ServeHTTP(w, req)
	return w
}

type envelope struct {
	StatusCode int             `json:"status_code"`
	IsSuccess  bool            `json:"is_success"`
	Data       json.RawMessage `json:"data"`
	Error      ErrorDetail     `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestCompletionFlow(t *testing.T) {
	e := newTestEnv(t)
	svc := bearer(t, "survey-svc", auth.RoleService)

	w := e.do(t, http.MethodPost, "/api/accounts", svc, map[string]string{"account_id": "acc-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := completion.Request{AccountID: "acc-1", SurveyID: "s-1", InstitutionID: "inst"}
	w = e.do(t, http.MethodPost, "/api/completions", svc, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result completion.Result
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &result))
	assert.True(t, result.Success)
	assert.Equal(t, int64(20), result.UserPointsEarned)
	assert.Nil(t, result.Win)

	// Same key again: 409 with the stored result.
	w = e.do(t, http.MethodPost, "/api/completions", svc, body)
	require.Equal(t, http.StatusConflict, w.Code)
	env := decode(t, w)
	assert.Equal(t, errors.ErrDuplicateCompletion, env.Error.ErrorCode)
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, int64(20), result.UserPointsEarned)

	w = e.do(t, http.MethodGet, "/api/accounts/acc-1/balance", bearer(t, "acc-1", auth.RoleUser), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"account_id":"acc-1","balance":20}`, string(decode(t, w).Data))

	w = e.do(t, http.MethodGet, "/api/jackpot/pools", bearer(t, "acc-1", auth.RoleUser), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap map[string]struct {
		Points int64 `json:"points"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &snap))
	assert.Equal(t, int64(5), snap["lucky"].Points)
	assert.Equal(t, int64(3), snap["major"].Points)
	assert.Equal(t, int64(2), snap["grand"].Points)
}

func TestCompletionErrors(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/completions", bearer(t, "acc-1", auth.RoleUser),
		completion.Request{AccountID: "acc-1", SurveyID: "s-1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	svc := bearer(t, "survey-svc", auth.RoleService)
	w = e.do(t, http.MethodPost, "/api/completions", svc, completion.Request{AccountID: "ghost", SurveyID: "s-1"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrAccountNotFound, decode(t, w).Error.ErrorCode)

	w = e.do(t, http.MethodPost, "/api/completions", svc, completion.Request{AccountID: "acc-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrInvalidRequest, decode(t, w).Error.ErrorCode)

	w = e.do(t, http.MethodPost, "/api/completions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDebit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	_, err := e.store.OpenAccount(ctx, "acc-1")
	require.NoError(t, err)
	svc := bearer(t, "survey-svc", auth.RoleService)
	_ = e.do(t, http.MethodPost, "/api/completions", svc, completion.Request{AccountID: "acc-1", SurveyID: "s-1"})

	w := e.do(t, http.MethodPost, "/api/accounts/acc-1/debit", svc, map[string]interface{}{"points": 50, "reason": "gift card"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrInsufficientBalance, decode(t, w).Error.ErrorCode)

	w = e.do(t, http.MethodPost, "/api/accounts/acc-1/debit", svc, map[string]interface{}{"points": 15, "reason": "gift card"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"account_id":"acc-1","balance":5}`, string(decode(t, w).Data))

	// Users cannot debit, even their own account.
	w = e.do(t, http.MethodPost, "/api/accounts/acc-1/debit", bearer(t, "acc-1", auth.RoleUser), map[string]interface{}{"points": 1, "reason": "x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodGet, "/api/accounts/acc-1/transactions", bearer(t, "acc-1", auth.RoleUser), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var txs transactionsResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &txs))
	require.Len(t, txs.Transactions, 2)

	w = e.do(t, http.MethodGet, "/api/accounts/acc-1/transactions", bearer(t, "acc-2", auth.RoleUser), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWinners(t *testing.T) {
	e := newTestEnv(t)
	admin := bearer(t, "ops", auth.RoleAdmin)

	w := e.do(t, http.MethodPost, "/api/winners", admin, map[string]interface{}{
		"account_id": "acc-1", "tier_id": "major", "payout_value": 100,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		WinID string `json:"win_id"`
	}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &created))
	require.NotEmpty(t, created.WinID)

	w = e.do(t, http.MethodPost, "/api/winners", admin, map[string]interface{}{"account_id": "acc-1", "tier_id": "mega"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrTierNotFound, decode(t, w).Error.ErrorCode)

	user := bearer(t, "acc-1", auth.RoleUser)
	w = e.do(t, http.MethodGet, "/api/winners?tier=major&limit=5", user, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list listWinnersResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &list))
	require.Len(t, list.Winners, 1)
	assert.Equal(t, int64(10000), list.Winners[0].PayoutPoints)

	w = e.do(t, http.MethodGet, "/api/winners?limit=abc", user, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/winners/"+created.WinID+"/delivered", bearer(t, "fulfil", auth.RoleService), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), `"delivered":true`)

	w = e.do(t, http.MethodPost, "/api/winners/nope/delivered", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrWinNotFound, decode(t, w).Error.ErrorCode)
}

func TestStreamRejectsUnknownTier(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodGet, "/api/jackpot/updates?tiers=lucky,mega", bearer(t, "acc-1", auth.RoleUser), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSSEStreamsPoolUpdates(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.app.Router())
	defer srv.Close()

	tok := strings.TrimPrefix(bearer(t, "acc-1", auth.RoleUser), "Bearer ")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/jackpot/updates?tiers=lucky&token="+tok, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	messages := make(chan Response, 8)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var msg Response
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &msg) == nil {
				messages <- msg
			}
		}
		close(messages)
	}()

	next := func() Response {
		select {
		case msg, ok := <-messages:
			require.True(t, ok, "stream closed")
			return msg
		case <-ctx.Done():
			t.Fatal("timed out waiting for stream message")
			return Response{}
		}
	}

	assert.Equal(t, EventTypeConnected, next().Type)
	initial := next()
	assert.Equal(t, EventTypeUpdated, initial.Type)
	assert.Equal(t, int64(0), initial.Pools["lucky"].Points)
	assert.NotContains(t, initial.Pools, "grand")

	_, err = e.store.OpenAccount(ctx, "acc-1")
	require.NoError(t, err)
	w := e.do(t, http.MethodPost, "/api/completions", bearer(t, "svc", auth.RoleService),
		completion.Request{AccountID: "acc-1", SurveyID: "s-1"})
	require.Equal(t, http.StatusOK, w.Code)

	update := next()
	assert.Equal(t, EventTypeUpdated, update.Type)
	assert.Equal(t, int64(5), update.Pools["lucky"].Points)
	assert.Len(t, update.Pools, 1)
}

func TestWebSocketStreamsInitialPools(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.app.Router())
	defer srv.Close()

	tok := strings.TrimPrefix(bearer(t, "acc-1", auth.RoleUser), "Bearer ")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/jackpot/updates/ws?token=" + tok
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var msg Response
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventTypeConnected, msg.Type)

	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, EventTypeUpdated, msg.Type)
	assert.ElementsMatch(t, []string{"lucky", "major", "grand"}, lo.Keys(msg.Pools))
}
