package escrow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type api struct {
	router *gin.Engine
	tokens map[string]string
}

func setupAPI(t *testing.T, f *fixture) *api {
	t.Helper()
	tm := auth.NewTokenManager("0123456789abcdef0123456789abcdef", time.Hour)
	a := &api{router: gin.New(), tokens: map[string]string{}}
	for _, act := range []Actor{buyer, seller, admin} {
		tok, _, err := tm.Issue(act.ID, act.Role, 0)
		require.NoError(t, err)
		a.tokens[act.ID] = tok
	}

	h := NewHandler(f.svc)
	v1 := a.router.Group("/v1", auth.Middleware(tm), auth.RequireAuth())
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(v1.Group("/admin", auth.RequireAdmin()))
	return a
}

func (a *api) do(t *testing.T, as Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok, ok := a.tokens[as.ID]; ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	CorrelationID string `json:"correlationId"`
	Reason        string `json:"reason"`
}

func TestHandler_OrderFlow(t *testing.T) {
	f := newFixture(t)
	a := setupAPI(t, f)

	w := a.do(t, admin, http.MethodPost, "/v1/admin/deposits", DepositRequest{UserID: buyer.ID, Amount: 500_000, Reference: "psp_1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = a.do(t, admin, http.MethodPut, "/v1/admin/listings/lst_1", Listing{SellerID: seller.ID, Title: "Camera", Price: 200_000, Stock: 1, Active: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, buyer, http.MethodPost, "/v1/orders", CreateOrderRequest{ListingID: "lst_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[OrderResult](t, w)
	id := created.Order.ID
	assert.Equal(t, StatusPaid, created.Order.Status)

	w = a.do(t, seller, http.MethodPost, "/v1/orders/"+id+"/deliver", DeliverRequest{Content: "tracking 42"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, buyer, http.MethodPost, "/v1/orders/"+id+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decode[OrderResult](t, w)
	assert.Equal(t, StatusCompleted, done.Order.Status)
	assert.False(t, done.AlreadyProcessed)

	w = a.do(t, buyer, http.MethodPost, "/v1/orders/"+id+"/complete", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[OrderResult](t, w).AlreadyProcessed)

	w = a.do(t, buyer, http.MethodGet, "/v1/orders/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		Order Order `json:"order"`
	}](t, w)
	assert.Equal(t, "tracking 42", got.Order.DeliveryContent)

	w = a.do(t, seller, http.MethodGet, "/v1/orders?role=seller&limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Orders  []Order `json:"orders"`
		HasMore bool    `json:"hasMore"`
	}](t, w)
	require.Len(t, list.Orders, 1)
	assert.False(t, list.HasMore)

	assert.Equal(t, int64(190_000), f.balance(t, ledger.SellerAccount(seller.ID)))
}

func TestHandler_ErrorMapping(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, buyer.ID, 10_000)
	f.listing(t, "lst_1", 200_000, 1)
	a := setupAPI(t, f)

	t.Run("insufficient funds is 422", func(t *testing.T) {
		w := a.do(t, buyer, http.MethodPost, "/v1/orders", CreateOrderRequest{ListingID: "lst_1"})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		body := decode[errorBody](t, w)
		assert.Equal(t, "insufficient_funds", body.Error)
		assert.NotEmpty(t, body.CorrelationID)
	})

	t.Run("voucher reason is reported", func(t *testing.T) {
		w := a.do(t, buyer, http.MethodPost, "/v1/orders", CreateOrderRequest{ListingID: "lst_1", VoucherCode: "GHOST"})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)
		body := decode[errorBody](t, w)
		assert.Equal(t, "voucher_invalid", body.Error)
		assert.Equal(t, "not_found", body.Reason)
	})

	t.Run("unknown order is 404", func(t *testing.T) {
		w := a.do(t, buyer, http.MethodGet, "/v1/orders/ord_missing", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad id is 400", func(t *testing.T) {
		w := a.do(t, buyer, http.MethodGet, "/v1/orders/bad%20id", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing listing id fails validation", func(t *testing.T) {
		w := a.do(t, buyer, http.MethodPost, "/v1/orders", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("admin routes need admin", func(t *testing.T) {
		w := a.do(t, buyer, http.MethodPost, "/v1/admin/deposits", DepositRequest{UserID: buyer.ID, Amount: 1, Reference: "x"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("no token", func(t *testing.T) {
		w := a.do(t, Actor{ID: "anon"}, http.MethodGet, "/v1/orders", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandler_DisputeAndResolve(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, buyer.ID, 500_000)
	f.listing(t, "lst_1", 200_000, 1)
	a := setupAPI(t, f)

	w := a.do(t, buyer, http.MethodPost, "/v1/orders", CreateOrderRequest{ListingID: "lst_1"})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[OrderResult](t, w).Order.ID

	w = a.do(t, buyer, http.MethodPost, "/v1/orders/"+id+"/dispute", ReasonRequest{Reason: "never arrived"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(t, seller, http.MethodPost, "/v1/orders/"+id+"/dispute/messages", MessageRequest{Body: "shipped on Monday"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = a.do(t, admin, http.MethodPost, "/v1/admin/orders/"+id+"/resolve", ResolveRequest{Verdict: VerdictBuyer})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[DisputeResult](t, w)
	assert.Equal(t, StatusResolvedBuyer, res.Order.Status)

	w = a.do(t, admin, http.MethodPost, "/v1/admin/orders/"+id+"/resolve", ResolveRequest{Verdict: VerdictBuyer})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, buyer, http.MethodGet, "/v1/orders/"+id+"/dispute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	thread := decode[struct {
		Dispute Dispute `json:"dispute"`
	}](t, w)
	assert.Len(t, thread.Dispute.Messages, 1)
	assert.Equal(t, int64(500_000), f.balance(t, ledger.BuyerAccount(buyer.ID)))
}

func TestHandler_Withdrawals(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, buyer.ID, 500_000)
	f.earn(t, "lst_1", 200_000)
	a := setupAPI(t, f)

	w := a.do(t, seller, http.MethodPost, "/v1/withdrawals", WithdrawalRequest{Amount: 500_000, Destination: bank})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = a.do(t, seller, http.MethodPost, "/v1/withdrawals", WithdrawalRequest{Amount: 100_000, Destination: bank})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wd := decode[WithdrawalResult](t, w).Withdrawal

	w = a.do(t, admin, http.MethodGet, "/v1/admin/withdrawals?status=pending", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode[struct {
		Withdrawals []Withdrawal `json:"withdrawals"`
	}](t, w)
	require.Len(t, pending.Withdrawals, 1)

	w = a.do(t, admin, http.MethodPost, "/v1/admin/withdrawals/"+wd.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = a.do(t, admin, http.MethodPost, "/v1/admin/withdrawals/"+wd.ID+"/process", ProcessRequest{Decision: DecisionCompleted})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, WithdrawalCompleted, decode[WithdrawalResult](t, w).Withdrawal.Status)

	w = a.do(t, seller, http.MethodGet, "/v1/withdrawals/"+wd.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = a.do(t, buyer, http.MethodGet, "/v1/withdrawals/"+wd.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Equal(t, int64(90_000), f.balance(t, ledger.SellerAccount(seller.ID)))
}
