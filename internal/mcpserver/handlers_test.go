package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/reconciliation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// --- Test helpers ---

var (
	admin  = escrow.Actor{ID: "u_admin", Role: auth.RoleAdmin}
	buyer  = escrow.Actor{ID: "u_buyer", Role: auth.RoleUser}
	seller = escrow.Actor{ID: "u_seller", Role: auth.RoleUser}
)

type marketplace struct {
	svc      *escrow.Service
	url      string
	handlers map[string]*Handlers
}

// newMarketplace serves the real order API over HTTP with a seeded buyer
// balance and one handler set per actor.
func newMarketplace(t *testing.T) *marketplace {
	t.Helper()
	ctx := context.Background()

	store := escrow.NewMemoryStore()
	svc := escrow.NewService(store, escrow.FixedFee(500), escrow.DefaultConfig(), logging.Discard())
	tm := auth.NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour)

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(tm), auth.RequireAuth())
	eh := escrow.NewHandler(svc)
	eh.RegisterRoutes(v1)
	ledger.NewHandler(store).RegisterRoutes(v1)
	adminGroup := v1.Group("/admin", auth.RequireAdmin())
	eh.RegisterAdminRoutes(adminGroup)
	reconciliation.NewHandler(reconciliation.NewService(store, logging.Discard())).RegisterAdminRoutes(adminGroup)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	m := &marketplace{svc: svc, url: ts.URL, handlers: map[string]*Handlers{}}
	for _, a := range []escrow.Actor{admin, buyer, seller} {
		tok, _, err := tm.Issue(a.ID, a.Role, 0)
		require.NoError(t, err)
		m.handlers[a.ID] = NewHandlers(NewClient(Config{APIURL: ts.URL, Token: tok}))
	}

	_, err := svc.Deposit(ctx, admin, escrow.DepositRequest{UserID: buyer.ID, Amount: 500_000, Reference: "psp_seed"})
	require.NoError(t, err)
	return m
}

func (m *marketplace) listing(t *testing.T, id string, price int64) {
	t.Helper()
	_, err := m.svc.UpsertListing(context.Background(), admin, escrow.Listing{
		ID: id, SellerID: seller.ID, Title: "Camera " + id, Price: price, Stock: 1, Active: true,
	})
	require.NoError(t, err)
}

func (m *marketplace) latestOrder(t *testing.T) string {
	t.Helper()
	page, err := m.handlers[buyer.ID].client.ListOrders(context.Background(), "buyer", "", "", 1)
	require.NoError(t, err)
	require.NotEmpty(t, page.Orders)
	return page.Orders[0].ID
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

type toolFunc func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

func call(t *testing.T, fn toolFunc, args map[string]any) (string, bool) {
	t.Helper()
	result, err := fn(context.Background(), makeRequest(args))
	require.NoError(t, err)
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text, result.IsError
}

// ============================================================
// Client tests
// ============================================================

func TestClient_SendsTokenAndIdempotencyKey(t *testing.T) {
	var gotAuth, gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order":{"id":"ord_1","status":"paid"}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, Token: "tok_secret"})
	res, err := client.CreateOrder(context.Background(), escrow.CreateOrderRequest{ListingID: "lst_1", IdempotencyKey: "k-1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok_secret", gotAuth)
	assert.Equal(t, "k-1", gotKey)
	assert.Equal(t, escrow.StatusPaid, res.Order.Status)
}

func TestClient_APIErrorCarriesReason(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":         "voucher_invalid",
			"message":       "voucher cannot be applied",
			"reason":        "expired",
			"correlationId": "ord_9",
		})
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetOrder(context.Background(), "ord_9")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Equal(t, "voucher_invalid", apiErr.Code)
	assert.Equal(t, "expired", apiErr.Reason)
	assert.Contains(t, err.Error(), "422")
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewClient(Config{APIURL: ts.URL}).GetWallet(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewClient(Config{APIURL: "http://127.0.0.1:1"}).GetWallet(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Tool tests against the real API
// ============================================================

func TestTools_PurchaseDeliverComplete(t *testing.T) {
	m := newMarketplace(t)
	m.listing(t, "lst_cam", 200_000)
	b, s, a := m.handlers[buyer.ID], m.handlers[seller.ID], m.handlers[admin.ID]

	text, isErr := call(t, b.HandleGetListing, map[string]any{"listing_id": "lst_cam"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "2,000.00")

	text, isErr = call(t, b.HandleCreateOrder, map[string]any{"listing_id": "lst_cam", "idempotency_key": "buy-1"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "paid")
	assert.Contains(t, text, "Seller gets:  1,900.00")

	text, isErr = call(t, b.HandleCreateOrder, map[string]any{"listing_id": "lst_cam", "idempotency_key": "buy-1"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "already placed")

	id := m.latestOrder(t)

	text, isErr = call(t, s.HandleOrderAction, map[string]any{"order_id": id, "action": "deliver", "content": "tracking 42"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "tracking 42")

	text, isErr = call(t, b.HandleOrderAction, map[string]any{"order_id": id, "action": "complete"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "completed")

	text, isErr = call(t, s.HandleCheckWallet, nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "Seller balance: 1,900.00")

	text, isErr = call(t, s.HandleRequestWithdrawal, map[string]any{
		"amount": float64(50_000), "method": "bank_transfer", "account_name": "Seller", "account_number": "0123456789",
	})
	require.False(t, isErr, text)
	assert.Contains(t, text, "500.00")

	text, isErr = call(t, s.HandleListWithdrawals, map[string]any{"status": "pending"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "Found 1 withdrawal(s)")

	text, isErr = call(t, a.HandleReconcile, nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "Reconciliation passed")
}

func TestTools_DisputeResolvedForBuyer(t *testing.T) {
	m := newMarketplace(t)
	m.listing(t, "lst_vase", 100_000)
	b, s, a := m.handlers[buyer.ID], m.handlers[seller.ID], m.handlers[admin.ID]

	_, isErr := call(t, b.HandleCreateOrder, map[string]any{"listing_id": "lst_vase"})
	require.False(t, isErr)
	id := m.latestOrder(t)

	text, isErr := call(t, b.HandleOpenDispute, map[string]any{"order_id": id, "reason": "arrived broken"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "disputed")

	text, isErr = call(t, s.HandleDisputeThread, map[string]any{"order_id": id, "message": "it left intact"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "arrived broken")
	assert.Contains(t, text, "it left intact")

	text, isErr = call(t, b.HandleResolveDispute, map[string]any{"order_id": id, "verdict": "buyer"})
	assert.True(t, isErr, "buyers cannot resolve")
	assert.Contains(t, text, "not_authorized")

	text, isErr = call(t, a.HandleResolveDispute, map[string]any{"order_id": id, "verdict": "buyer", "notes": "photos attached"})
	require.False(t, isErr, text)
	assert.Contains(t, text, "resolved_buyer")

	text, isErr = call(t, b.HandleCheckWallet, nil)
	require.False(t, isErr, text)
	assert.Contains(t, text, "Buyer balance:  5,000.00")
}

func TestTools_ErrorsAreToolResults(t *testing.T) {
	m := newMarketplace(t)
	m.listing(t, "lst_big", 900_000)
	b := m.handlers[buyer.ID]

	text, isErr := call(t, b.HandleCreateOrder, map[string]any{"listing_id": "lst_big"})
	assert.True(t, isErr)
	assert.Contains(t, text, "insufficient_funds")

	text, isErr = call(t, b.HandleCreateOrder, map[string]any{"listing_id": "lst_big", "voucher_code": "NOPE"})
	assert.True(t, isErr)
	assert.Contains(t, text, "reason: not_found")

	text, isErr = call(t, b.HandleGetOrder, map[string]any{"order_id": "ord_missing"})
	assert.True(t, isErr)
	assert.Contains(t, text, "not_found")
}

func TestTools_ValidateArguments(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	tests := []struct {
		name string
		fn   toolFunc
		args map[string]any
	}{
		{"listing id", h.HandleGetListing, nil},
		{"order id", h.HandleGetOrder, nil},
		{"unknown action", h.HandleOrderAction, map[string]any{"order_id": "ord_1", "action": "teleport"}},
		{"dispute reason", h.HandleOpenDispute, map[string]any{"order_id": "ord_1"}},
		{"verdict", h.HandleResolveDispute, map[string]any{"order_id": "ord_1", "verdict": "expired"}},
		{"withdrawal amount", h.HandleRequestWithdrawal, map[string]any{"amount": float64(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, isErr := call(t, tt.fn, tt.args)
			assert.True(t, isErr)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	for minor, want := range map[int64]string{
		0:          "0.00",
		5:          "0.05",
		190_000:    "1,900.00",
		123_456_78: "123,456.78",
		-2_050:     "-20.50",
	} {
		assert.Equal(t, want, formatAmount(minor), minor)
	}
}

func TestNewMCPServer(t *testing.T) {
	assert.NotNil(t, NewMCPServer(Config{APIURL: "http://localhost:8080", Token: "t"}, "test"))
}
