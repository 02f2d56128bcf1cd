package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/config"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
	shutdownDrain = 0
}

const testSecret = "test-secret-test-secret-test-secret!"

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		LogFormat:          "text",
		JWTSecret:          testSecret,
		RateLimitPerMinute: 1000,
		PlatformFeePercent: "5",
		AutoReleaseAfter:   72 * time.Hour,
		DisputeWindow:      168 * time.Hour,
		PaymentWindow:      30 * time.Minute,
		MinWithdrawal:      1_000,
		SettingsTTL:        time.Minute,
		SweepInterval:      time.Hour,
		ReconcileInterval:  time.Hour,
		NotifyTimeout:      time.Second,
	}
}

type client struct {
	t      *testing.T
	srv    *Server
	tokens map[string]string
}

func newTestServer(t *testing.T, cfg *config.Config) *client {
	t.Helper()
	s, err := New(cfg, WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.dispatcher.Close(context.Background()) })

	c := &client{t: t, srv: s, tokens: map[string]string{}}
	for id, role := range map[string]auth.Role{"u_admin": auth.RoleAdmin, "u_buyer": auth.RoleUser, "u_seller": auth.RoleUser} {
		tok, _, err := s.Tokens().Issue(id, role, 0)
		require.NoError(t, err)
		c.tokens[id] = tok
	}
	return c
}

func (c *client) do(as, method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tok, ok := c.tokens[as]; ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	c.srv.Router().ServeHTTP(w, req)
	return w
}

func (c *client) ok(w *httptest.ResponseRecorder, want int) map[string]any {
	c.t.Helper()
	require.Equal(c.t, want, w.Code, w.Body.String())
	var out map[string]any
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	c := newTestServer(t, testConfig())

	c.ok(c.do("", http.MethodGet, "/health", nil), http.StatusOK)

	// Nothing is running until Run is called.
	body := c.ok(c.do("", http.MethodGet, "/health/ready", nil), http.StatusServiceUnavailable)
	assert.Equal(t, "degraded", body["status"])
	assert.Len(t, body["checks"], 3)
}

func TestMiddleware_RequestIDAndHeaders(t *testing.T) {
	c := newTestServer(t, testConfig())

	w := c.do("", http.MethodGet, "/v1/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodGet, "/v1/info", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w = httptest.NewRecorder()
	c.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestInfo_ReportsFee(t *testing.T) {
	c := newTestServer(t, testConfig())
	body := c.ok(c.do("", http.MethodGet, "/v1/info", nil), http.StatusOK)
	assert.EqualValues(t, 500, body["platformFeeBps"])
	assert.Equal(t, "72h0m0s", body["autoReleaseAfter"])
}

func TestRoutes_RequireAuth(t *testing.T) {
	c := newTestServer(t, testConfig())
	for _, path := range []string{"/v1/orders", "/v1/wallet", "/v1/withdrawals", "/ws"} {
		assert.Equal(t, http.StatusUnauthorized, c.do("", http.MethodGet, path, nil).Code, path)
	}
	assert.Equal(t, http.StatusForbidden, c.do("u_buyer", http.MethodGet, "/v1/admin/reconciliation", nil).Code)
	assert.Equal(t, http.StatusForbidden, c.do("u_buyer", http.MethodPost, "/v1/admin/tokens", map[string]string{"userId": "x", "role": "admin"}).Code)
}

func TestMarketplaceFlow(t *testing.T) {
	c := newTestServer(t, testConfig())

	c.ok(c.do("u_admin", http.MethodPost, "/v1/admin/deposits",
		escrow.DepositRequest{UserID: "u_buyer", Amount: 300_000, Reference: "psp_1"}), http.StatusOK)
	c.ok(c.do("u_admin", http.MethodPut, "/v1/admin/listings/lst_1",
		escrow.Listing{SellerID: "u_seller", Title: "Desk", Price: 100_000, Stock: 2, Active: true}), http.StatusOK)

	// A runtime fee change applies to the next order.
	c.ok(c.do("u_admin", http.MethodPut, "/v1/admin/settings/platform_fee_percent",
		map[string]string{"value": "10"}), http.StatusOK)

	created := c.ok(c.do("u_buyer", http.MethodPost, "/v1/orders",
		escrow.CreateOrderRequest{ListingID: "lst_1"}), http.StatusCreated)
	order := created["order"].(map[string]any)
	id := order["id"].(string)
	assert.EqualValues(t, 10_000, order["platformFeeAmount"])

	c.ok(c.do("u_seller", http.MethodPost, "/v1/orders/"+id+"/deliver", escrow.DeliverRequest{Content: "pickup code 7"}), http.StatusOK)
	c.ok(c.do("u_buyer", http.MethodPost, "/v1/orders/"+id+"/complete", nil), http.StatusOK)

	wallet := c.ok(c.do("u_seller", http.MethodGet, "/v1/wallet", nil), http.StatusOK)
	assert.EqualValues(t, 90_000, wallet["sellerBalance"])
	wallet = c.ok(c.do("u_buyer", http.MethodGet, "/v1/wallet", nil), http.StatusOK)
	assert.EqualValues(t, 200_000, wallet["buyerBalance"])

	report := c.ok(c.do("u_admin", http.MethodPost, "/v1/admin/reconciliation/run", nil), http.StatusOK)
	assert.Equal(t, true, report["healthy"])

	sweep := c.ok(c.do("u_admin", http.MethodPost, "/v1/admin/sweep", nil), http.StatusOK)
	assert.Equal(t, map[string]any{"released": 0.0, "expired": 0.0, "cancelled": 0.0, "failed": 0.0}, sweep["stats"])
}

func TestAdminIssuesTokens(t *testing.T) {
	c := newTestServer(t, testConfig())
	body := c.ok(c.do("u_admin", http.MethodPost, "/v1/admin/tokens",
		map[string]string{"userId": "u_new", "role": "user"}), http.StatusCreated)
	tok, _ := body["token"].(string)
	require.NotEmpty(t, tok)

	c.tokens["u_new"] = tok
	me := c.ok(c.do("u_new", http.MethodGet, "/v1/auth/me", nil), http.StatusOK)
	assert.Equal(t, "u_new", me["userId"])
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitPerMinute = 2
	c := newTestServer(t, cfg)

	assert.Equal(t, http.StatusOK, c.do("", http.MethodGet, "/v1/info", nil).Code)
	assert.Equal(t, http.StatusOK, c.do("", http.MethodGet, "/v1/info", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, c.do("", http.MethodGet, "/v1/info", nil).Code)

	// Authenticated callers have their own budget.
	assert.Equal(t, http.StatusOK, c.do("u_buyer", http.MethodGet, "/v1/info", nil).Code)
}

func TestNew_RejectsPrivateWebhookInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.WebhookURL = "https://127.0.0.1/hook"
	_, err := New(cfg, WithLogger(logging.Discard()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_URL")
	gin.SetMode(gin.TestMode)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	c := newTestServer(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		return c.srv.escrowTimer.Running() && c.srv.reconcileTimer.Running()
	}, 2*time.Second, 10*time.Millisecond)
	body := c.ok(c.do("", http.MethodGet, "/health/ready", nil), http.StatusOK)
	assert.Equal(t, "ready", body["status"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.False(t, c.srv.escrowTimer.Running())
}

func TestMaskDSN(t *testing.T) {
	masked := maskDSN("postgres://bazaar:hunter2@db:5432/bazaar")
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "@db:5432/bazaar")
	assert.Equal(t, "***", maskDSN("://bad"))
}
