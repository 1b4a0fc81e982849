package receiver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tradebots/internal/engine"
	"tradebots/internal/exchange"
	"tradebots/internal/metrics"
	"tradebots/internal/persistence"
	"tradebots/internal/types"
)

const (
	testSecret = "test-secret"
	testKey    = "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
)

type apiHarness struct {
	t       *testing.T
	handler http.Handler
	eng     *engine.Engine
}

func newAPIHarness(t *testing.T, rateLimit int) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	store, err := persistence.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "api.db"), testKey, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	market := exchange.NewMock(logger, exchange.WithMockPrice("BTCUSDT", 50000))
	registry := exchange.NewRegistry(exchange.MockCredentials{Source: store}, exchange.NewMockFactory(logger, market), logger)
	t.Cleanup(func() { registry.Close() })

	m := metrics.New()
	cfg := engine.DefaultConfig()
	cfg.ConfirmInterval = time.Millisecond
	eng := engine.NewEngine(store, registry, market, cfg, logger, m)
	t.Cleanup(func() { eng.Stop(false) })

	rcv := NewHTTPReceiver(eng, Options{JWTSecret: testSecret, RateLimit: rateLimit, Metrics: m.Handler()}, logger)
	return &apiHarness{t: t, handler: rcv.Handler(), eng: eng}
}

func (h *apiHarness) token(userID, role string) string {
	h.t.Helper()
	tok, err := IssueToken(userID, role, testSecret, time.Hour)
	require.NoError(h.t, err)
	return tok
}

func (h *apiHarness) do(method, path, token string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	decodeBody(t, w, &body)
	code, _ := body["code"].(string)
	return code
}

func TestHTTPReceiver_Health(t *testing.T) {
	h := newAPIHarness(t, 0)

	w := h.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var body map[string]any
	decodeBody(t, w, &body)
	assert.Equal(t, "healthy", body["status"])
}

func TestHTTPReceiver_Metrics(t *testing.T) {
	h := newAPIHarness(t, 0)

	w := h.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tradebots_running_subscriptions")
}

func TestHTTPReceiver_RequestIDEchoed(t *testing.T) {
	h := newAPIHarness(t, 0)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	h.handler.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestHTTPReceiver_Auth(t *testing.T) {
	h := newAPIHarness(t, 0)

	w := h.do(http.MethodGet, "/api/bots", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "MISSING_TOKEN", errorCode(t, w))

	w = h.do(http.MethodGet, "/api/bots", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "INVALID_TOKEN", errorCode(t, w))

	forged, err := IssueToken("alice", RoleAdmin, "other-secret", time.Hour)
	require.NoError(t, err)
	w = h.do(http.MethodGet, "/api/bots", forged, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := IssueToken("alice", "", testSecret, -time.Minute)
	require.NoError(t, err)
	w = h.do(http.MethodGet, "/api/bots", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	user := h.token("alice", "")
	w = h.do(http.MethodGet, "/api/bots", user, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPost, "/api/bots", user, createBotRequest{Symbol: "BTCUSDT", Timeframe: "1m"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = h.do(http.MethodGet, "/api/engine/status", user, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHTTPReceiver_BotAdministration(t *testing.T) {
	h := newAPIHarness(t, 0)
	admin := h.token("root", RoleAdmin)
	user := h.token("alice", "")

	w := h.do(http.MethodPost, "/api/bots", admin, createBotRequest{Symbol: "btcusdt", Timeframe: "1m"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var bot types.Bot
	decodeBody(t, w, &bot)
	assert.Equal(t, "BTCUSDT", bot.Symbol)
	assert.True(t, bot.Active)

	hidden := false
	w = h.do(http.MethodPost, "/api/bots", admin, createBotRequest{Symbol: "ETHUSDT", Timeframe: "1h", Visible: &hidden})
	require.Equal(t, http.StatusCreated, w.Code)

	w = h.do(http.MethodPost, "/api/bots", admin, createBotRequest{Symbol: "ETHUSDT", Timeframe: "2x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/bots", admin, map[string]any{"symbol": "ETHUSDT", "timeframe": "1m", "grid": true})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PAYLOAD", errorCode(t, w))

	var list struct {
		Bots []types.Bot `json:"bots"`
	}
	decodeBody(t, h.do(http.MethodGet, "/api/bots", user, nil), &list)
	require.Len(t, list.Bots, 1)
	assert.Equal(t, bot.ID, list.Bots[0].ID)

	decodeBody(t, h.do(http.MethodGet, "/api/bots", admin, nil), &list)
	assert.Len(t, list.Bots, 2)

	off := false
	w = h.do(http.MethodPatch, "/api/bots/"+bot.ID, admin, updateBotRequest{Active: &off})
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &bot)
	assert.False(t, bot.Active)

	w = h.do(http.MethodPost, "/api/subscriptions", user, subscribeRequest{BotID: bot.ID, Amount: 100, Leverage: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "BOT_INACTIVE", errorCode(t, w))

	w = h.do(http.MethodPatch, "/api/bots/missing", admin, updateBotRequest{Active: &off})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodDelete, "/api/bots/"+bot.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHTTPReceiver_SubscriptionLifecycle(t *testing.T) {
	h := newAPIHarness(t, 0)
	admin := h.token("root", RoleAdmin)
	alice := h.token("alice", "")
	bob := h.token("bob", "")

	var bot types.Bot
	decodeBody(t, h.do(http.MethodPost, "/api/bots", admin, createBotRequest{Symbol: "BTCUSDT", Timeframe: "1m"}), &bot)

	w := h.do(http.MethodPost, "/api/subscriptions", alice, subscribeRequest{BotID: bot.ID, Amount: 5, Leverage: 1})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var minBody map[string]any
	decodeBody(t, w, &minBody)
	assert.Equal(t, "BELOW_MINIMUM", minBody["code"])
	assert.InDelta(t, 50.0, minBody["minimum_amount"], 1e-9)
	assert.Contains(t, minBody["error"], "$50.00")

	w = h.do(http.MethodPost, "/api/subscriptions", alice, subscribeRequest{BotID: bot.ID, Amount: 20000, Leverage: 1})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "INSUFFICIENT_FUNDS", errorCode(t, w))

	w = h.do(http.MethodPost, "/api/subscriptions", alice, subscribeRequest{BotID: "missing", Amount: 100, Leverage: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(http.MethodPost, "/api/subscriptions", alice, subscribeRequest{BotID: bot.ID, Amount: 100, Leverage: 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPost, "/api/subscriptions", alice, subscribeRequest{BotID: bot.ID, Amount: 100, Leverage: 2})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var sub types.Subscription
	decodeBody(t, w, &sub)
	assert.Equal(t, 0.002, sub.Quantity)
	assert.Equal(t, types.PositionNone, sub.Position)

	w = h.do(http.MethodPost, "/api/subscriptions", alice, subscribeRequest{BotID: bot.ID, Amount: 100, Leverage: 2})
	assert.Equal(t, http.StatusBadRequest, w.Code, "duplicate")

	var subs struct {
		Subscriptions []types.Subscription `json:"subscriptions"`
	}
	decodeBody(t, h.do(http.MethodGet, "/api/subscriptions", alice, nil), &subs)
	require.Len(t, subs.Subscriptions, 1)
	decodeBody(t, h.do(http.MethodGet, "/api/subscriptions", bob, nil), &subs)
	assert.Empty(t, subs.Subscriptions)

	w = h.do(http.MethodGet, "/api/subscriptions/"+sub.ID+"/trades?limit=10", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodGet, "/api/subscriptions/"+sub.ID+"/trades", bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code, "other users cannot read trades")
	w = h.do(http.MethodGet, "/api/subscriptions/"+sub.ID+"/trades?limit=x", alice, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	amount := 200.0
	w = h.do(http.MethodPatch, "/api/subscriptions/"+sub.ID, alice, engine.SubscriptionPatch{Amount: &amount})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decodeBody(t, w, &sub)
	assert.Equal(t, 0.004, sub.Quantity)

	var status engine.Status
	decodeBody(t, h.do(http.MethodGet, "/api/engine/status", admin, nil), &status)
	require.Len(t, status.Subscriptions, 1)
	assert.Equal(t, sub.ID, status.Subscriptions[0].SubscriptionID)
	require.Len(t, status.Feeds, 1)
	assert.Equal(t, "BTCUSDT", status.Feeds[0].Symbol)

	w = h.do(http.MethodDelete, "/api/bots/"+bot.ID, admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "BOT_IN_USE", errorCode(t, w))

	w = h.do(http.MethodDelete, "/api/subscriptions/"+sub.ID, bob, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = h.do(http.MethodDelete, "/api/subscriptions/"+sub.ID, alice, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.do(http.MethodDelete, "/api/bots/"+bot.ID, admin, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHTTPReceiver_CredentialsAndAccount(t *testing.T) {
	h := newAPIHarness(t, 0)
	admin := h.token("root", RoleAdmin)
	alice := h.token("alice", "")

	var bot types.Bot
	decodeBody(t, h.do(http.MethodPost, "/api/bots", admin, createBotRequest{Symbol: "BTCUSDT", Timeframe: "1m"}), &bot)
	w := h.do(http.MethodPost, "/api/subscriptions", alice, subscribeRequest{BotID: bot.ID, Amount: 100, Leverage: 1})
	require.Equal(t, http.StatusCreated, w.Code)

	cred := credentialRequest{Exchange: types.ExchangeMock, APIKey: "k", APISecret: "s"}
	w = h.do(http.MethodPut, "/api/credentials", alice, cred)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CREDENTIALS_IN_USE", errorCode(t, w))

	w = h.do(http.MethodPost, "/api/subscriptions/stop-all", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodPut, "/api/credentials", alice, credentialRequest{Exchange: "ftx", APIKey: "k", APISecret: "s"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodPut, "/api/credentials", alice, cred)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodPost, "/api/subscriptions/start-all", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/api/account/summary", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var summary types.AccountSummary
	decodeBody(t, w, &summary)
	assert.Equal(t, "alice", summary.UserID)
	assert.Equal(t, types.ExchangeMock, summary.Exchange)
	assert.InDelta(t, 10000.0, summary.Balance, 1e-9)
}

func TestHTTPReceiver_RateLimit(t *testing.T) {
	h := newAPIHarness(t, 1)

	// Burst is twice the per-second rate.
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "", nil).Code)

	w := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, w))
}
