package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"gwi.com/companion-bot/internal/bot"
	"gwi.com/companion-bot/internal/config"
	"gwi.com/companion-bot/internal/core"
	"gwi.com/companion-bot/internal/ledger"
	"gwi.com/companion-bot/internal/metrics"
	"gwi.com/companion-bot/internal/payment"
	"gwi.com/companion-bot/internal/referral"
	"gwi.com/companion-bot/internal/store"
)

const (
	testAdmin    = "admin"
	testPassword = "correct horse"
	testSecret   = "hook-secret"
)

type staticCompleter struct{}

func (staticCompleter) GetChatCompletion(context.Context, []*genai.Content) (string, error) {
	return "hello from the model", nil
}

type staticImages struct{}

func (staticImages) GenerateImage(context.Context, string) (string, error) {
	return "https://img.example/1.png", nil
}

type testServer struct {
	*httptest.Server
	ledger    *ledger.Ledger
	referrals *referral.Engine
	payments  *payment.Service
	token     string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	b, err := store.NewFileBackend(t.TempDir())
	require.NoError(t, err)

	credits := config.CreditConfig{
		StartingMessages:      50,
		StartingImages:        5,
		ReferralBonusMessages: 12,
		ReferralBonusImages:   2,
	}
	botCfg := config.BotConfig{Name: "Lily", Link: "https://t.me/Lilyforyou_bot"}
	log := zaptest.NewLogger(t)
	m := metrics.New()
	l := ledger.New(store.New(b), credits, log)
	refs := referral.NewEngine(l, botCfg.Link, credits, log)
	pay := payment.NewService(l, config.PaymentConfig{
		UPIID: "shop@upi",
		Tier1: config.Plan{Price: 50, Messages: 100, Images: 25},
		Tier2: config.Plan{Price: 100, Messages: 210, Images: 32},
	}, log)

	botHandler := bot.NewHandler(bot.Deps{
		Ledger:    l,
		Referrals: refs,
		Payments:  pay,
		Chat:      core.NewChatService(l, staticCompleter{}, m, log),
		Images:    staticImages{},
		Metrics:   m,
		Bot:       botCfg,
		Credits:   credits,
		Log:       log,
	})

	h, err := NewAPIHandler(Deps{
		Ledger:        l,
		Referrals:     refs,
		Payments:      pay,
		Bot:           botHandler,
		Metrics:       m,
		Admin:         config.AdminConfig{Username: testAdmin, Password: testPassword, JWTSecret: "jwt-secret"},
		WebhookSecret: testSecret,
		Log:           log,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(h))
	t.Cleanup(srv.Close)
	ts := &testServer{Server: srv, ledger: l, referrals: refs, payments: pay}
	ts.token = ts.login(t, testAdmin, testPassword)
	return ts
}

func (ts *testServer) login(t *testing.T, username, password string) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: username, Password: password})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["token"]
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func (ts *testServer) admin(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	resp := ts.do(t, method, path, ts.token, body)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) seedUser(t *testing.T, id int64, username string) {
	t.Helper()
	require.NotNil(t, ts.ledger.CreateUser(context.Background(), ledger.NewUser{TelegramID: id, Username: username}))
}

func TestLogin(t *testing.T) {
	ts := newTestServer(t)
	require.NotEmpty(t, ts.token)
	require.Empty(t, ts.login(t, testAdmin, "wrong"))
	require.Empty(t, ts.login(t, "someone", testPassword))

	resp := ts.do(t, http.MethodPost, "/api/login", "", LoginRequest{Username: testAdmin})
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/users", "", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/users", "garbage", nil)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var users []store.User
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/users", nil, &users))
	require.Empty(t, users)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/health", "", nil)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	require.Equal(t, "ok", health["status"])

	resp = ts.do(t, http.MethodGet, "/metrics", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `companion_bot_http_requests_total{method="GET",route="/api/health",status="200"} 1`)
}

func TestUserCreditsAndBonus(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, 7, "alice")

	var user store.User
	code := ts.admin(t, http.MethodPost, "/api/users/7/credits", CreditsRequest{Messages: 10, Images: 1, Action: "add"}, &user)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 60, user.MessagesLeft)
	require.Equal(t, 6, user.ImagesLeft)

	code = ts.admin(t, http.MethodPost, "/api/users/7/credits", CreditsRequest{Messages: 100, Action: "subtract"}, &user)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0, user.MessagesLeft)
	require.Equal(t, 6, user.ImagesLeft)

	require.Equal(t, http.StatusBadRequest,
		ts.admin(t, http.MethodPost, "/api/users/7/credits", CreditsRequest{Messages: 1, Action: "double"}, nil))
	require.Equal(t, http.StatusNotFound,
		ts.admin(t, http.MethodPost, "/api/users/8/credits", CreditsRequest{Messages: 1, Action: "add"}, nil))
	require.Equal(t, http.StatusBadRequest,
		ts.admin(t, http.MethodPost, "/api/users/abc/credits", CreditsRequest{Messages: 1, Action: "add"}, nil))

	code = ts.admin(t, http.MethodPost, "/api/users/7/bonus", BonusRequest{Messages: 5, Images: 2}, &user)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 5, user.MessagesLeft)
	require.Equal(t, 8, user.ImagesLeft)

	logs := ts.ledger.Logs(context.Background(), 0)
	require.Equal(t, ledger.ActionManualBonus, logs[0].Action)
	require.Equal(t, "Manual bonus", logs[0].Data["reason"])
	require.Equal(t, ledger.ActionAdminCreditUpdate, logs[1].Action)
	require.Equal(t, "subtract", logs[1].Data["action"])
	require.Equal(t, testAdmin, logs[1].Data["admin"])
}

func TestGetAndDeleteUser(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, 7, "alice")

	var details map[string]any
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/users/7", nil, &details))
	require.Equal(t, "alice", details["username"])
	require.Contains(t, details, "referralStats")
	require.Contains(t, details, "referralHistory")

	require.Equal(t, http.StatusNoContent, ts.admin(t, http.MethodDelete, "/api/users/7", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.admin(t, http.MethodGet, "/api/users/7", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.admin(t, http.MethodDelete, "/api/users/7", nil, nil))

	logs := ts.ledger.Logs(context.Background(), 2)
	require.Equal(t, ledger.ActionAdminUserDeleted, logs[0].Action)
	require.Equal(t, ledger.ActionUserDeleted, logs[1].Action)
}

func TestSearchStatsAndLogs(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, 1, "alice")
	ts.seedUser(t, 2, "bob")

	var found []store.User
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/search?q=ALI", nil, &found))
	require.Len(t, found, 1)
	require.EqualValues(t, 1, found[0].TelegramID)
	require.Equal(t, http.StatusBadRequest, ts.admin(t, http.MethodGet, "/api/search", nil, nil))

	var stats StatsResponse
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/stats", nil, &stats))
	require.Equal(t, 2, stats.Summary.TotalUsers)
	require.Equal(t, 2, stats.Counters.TotalUsers)
	require.Equal(t, 0, stats.Payments.TotalOrders)
	require.Len(t, stats.RecentLogs, 2)
	require.Equal(t, ledger.ActionUserCreated, stats.RecentLogs[0].Action)

	var logs []store.LogEntry
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/logs?limit=1", nil, &logs))
	require.Len(t, logs, 1)
	require.Equal(t, ledger.ActionUserCreated, logs[0].Action)
	require.Equal(t, http.StatusBadRequest, ts.admin(t, http.MethodGet, "/api/logs?limit=x", nil, nil))

	var report AbuseReport
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/referral-abuse", nil, &report))
	require.Empty(t, report.Patterns)
	require.Empty(t, report.Logs)

	ctx := context.Background()
	link, ok := ts.referrals.ReferralLink(ctx, 1)
	require.True(t, ok)
	code := link[strings.LastIndex(link, "=")+1:]
	require.Equal(t, referral.OutcomeSelfReferral, ts.referrals.ProcessReferral(ctx, code, 1))

	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/referral-abuse", nil, &report))
	require.Empty(t, report.Patterns)
	require.Len(t, report.Logs, 1)
	require.Equal(t, ledger.ActionReferralAbuse, report.Logs[0].Action)
	require.EqualValues(t, 1, report.Logs[0].Data["userId"])
}

func TestAdminCreditGrantSaturates(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, 7, "alice")

	var user store.User
	require.Equal(t, http.StatusOK,
		ts.admin(t, http.MethodPost, "/api/users/7/credits", CreditsRequest{Messages: math.MaxInt, Action: "add"}, &user))
	require.Equal(t, math.MaxInt, user.MessagesLeft)
	require.Equal(t, 5, user.ImagesLeft)
}

func TestBroadcastIsLogged(t *testing.T) {
	ts := newTestServer(t)
	ts.seedUser(t, 1, "alice")

	var body map[string]any
	require.Equal(t, http.StatusAccepted,
		ts.admin(t, http.MethodPost, "/api/broadcast", BroadcastRequest{Message: " New plans! "}, &body))
	require.EqualValues(t, 1, body["recipients"])

	logs := ts.ledger.Logs(context.Background(), 1)
	require.Equal(t, ledger.ActionAdminBroadcast, logs[0].Action)
	require.Equal(t, "New plans!", logs[0].Data["message"])

	require.Equal(t, http.StatusBadRequest,
		ts.admin(t, http.MethodPost, "/api/broadcast", BroadcastRequest{Message: "  "}, nil))
}

func TestCompleteOrder(t *testing.T) {
	ctx := context.Background()
	ts := newTestServer(t)
	ts.seedUser(t, 1, "alice")
	_, order, ok := ts.payments.RequestUpgrade(ctx, 1, payment.PlanTier1)
	require.True(t, ok)

	var orders []store.PaymentOrder
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/orders", nil, &orders))
	require.Len(t, orders, 1)

	var done store.PaymentOrder
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodPost, "/api/orders/"+order.OrderID+"/complete", nil, &done))
	require.Equal(t, store.OrderCompleted, done.Status)

	u := ts.ledger.GetUser(ctx, 1)
	require.Equal(t, 150, u.MessagesLeft)
	require.Equal(t, 30, u.ImagesLeft)

	require.Equal(t, http.StatusConflict, ts.admin(t, http.MethodPost, "/api/orders/"+order.OrderID+"/complete", nil, nil))
	require.Equal(t, http.StatusNotFound, ts.admin(t, http.MethodPost, "/api/orders/nope/complete", nil, nil))
	require.Equal(t, 150, ts.ledger.GetUser(ctx, 1).MessagesLeft)

	var ps ledger.PaymentStats
	require.Equal(t, http.StatusOK, ts.admin(t, http.MethodGet, "/api/payments/stats", nil, &ps))
	require.Equal(t, 1, ps.CompletedOrders)
	require.Equal(t, "50", ps.TotalRevenue.String())
}

func TestBotEventIngress(t *testing.T) {
	ts := newTestServer(t)
	post := func(secret string, ev any) *http.Response {
		b, err := json.Marshal(ev)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/bot/events", bytes.NewReader(b))
		require.NoError(t, err)
		if secret != "" {
			req.Header.Set(BotSecretHeader, secret)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := post("", bot.Event{SenderID: 1, Text: "/start"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post("wrong", bot.Event{SenderID: 1, Text: "/start"})
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(testSecret, bot.Event{SenderID: 1})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(testSecret, bot.Event{SenderID: 1, Username: "alice", Text: "/start"})
	var reply bot.Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, strings.Contains(reply.Text, "Messages left: 50"))
	require.NotEmpty(t, reply.Buttons)

	resp = post(testSecret, bot.Event{SenderID: 1, Text: "hi"})
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	resp.Body.Close()
	require.Equal(t, "hello from the model", reply.Text)
	require.Equal(t, 49, ts.ledger.GetUser(context.Background(), 1).MessagesLeft)
}
