package reconciliation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/auth"
	"github.com/mbd888/bazaar/internal/escrow"
	"github.com/mbd888/bazaar/internal/ledger"
	"github.com/mbd888/bazaar/internal/logging"
	"github.com/mbd888/bazaar/internal/notify"
)

var (
	admin = escrow.Actor{ID: "u_admin", Role: auth.RoleAdmin}
	buyer = escrow.Actor{ID: "u_buyer", Role: auth.RoleUser}
)

func seed(t *testing.T) (*escrow.MemoryStore, string) {
	t.Helper()
	ctx := context.Background()
	store := escrow.NewMemoryStore()
	svc := escrow.NewService(store, escrow.FixedFee(500), escrow.DefaultConfig(), logging.Discard())

	_, err := svc.Deposit(ctx, admin, escrow.DepositRequest{UserID: buyer.ID, Amount: 100_000, Reference: "dep_1"})
	require.NoError(t, err)
	_, err = svc.UpsertListing(ctx, admin, escrow.Listing{ID: "lst_1", SellerID: "u_seller", Title: "Lamp", Price: 40_000, Stock: 1, Active: true})
	require.NoError(t, err)
	res, err := svc.CreateOrder(ctx, buyer, escrow.CreateOrderRequest{ListingID: "lst_1"})
	require.NoError(t, err)
	return store, res.Order.ID
}

func TestRun_Healthy(t *testing.T) {
	store, orderID := seed(t)
	svc := NewService(store, logging.Discard())
	assert.Nil(t, svc.Last())

	report, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy())
	assert.True(t, report.Conserved)
	assert.Equal(t, int64(40_000), report.Totals.Escrowed)
	assert.Equal(t, []string{orderID}, report.Totals.OpenEscrows)
	assert.Same(t, report, svc.Last())
}

func TestRun_DetectsOrphanEscrow(t *testing.T) {
	store, _ := seed(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx escrow.Tx) error {
		_, err := ledger.Deposit(ctx, tx, ledger.EscrowAccount("ord_ghost"), 500, "stray", time.Now())
		return err
	}))

	report, err := NewService(store, logging.Discard()).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.Conserved)
	require.Len(t, report.StuckEscrows, 1)
	assert.Equal(t, "ord_ghost", report.StuckEscrows[0].OrderID)
	assert.Equal(t, int64(500), report.StuckEscrows[0].Held)
	assert.False(t, report.Healthy())
}

func TestRun_DetectsUnbalancedLedger(t *testing.T) {
	store, _ := seed(t)
	ctx := context.Background()
	require.NoError(t, store.WithTx(ctx, func(tx escrow.Tx) error {
		return tx.Credit(ctx, ledger.BuyerAccount(buyer.ID), 7)
	}))

	report, err := NewService(store, logging.Discard()).Run(ctx)
	require.NoError(t, err)
	assert.False(t, report.Conserved)
	assert.Equal(t, 1, report.Mismatches)
}

func TestHandler_RunAndLast(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store, _ := seed(t)
	h := NewHandler(NewService(store, logging.Discard()))
	r := gin.New()
	h.RegisterAdminRoutes(r.Group("/v1/admin"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/reconciliation/run", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/reconciliation", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

type alertRecorder struct{ events []*notify.Event }

func (r *alertRecorder) Publish(events ...*notify.Event) { r.events = append(r.events, events...) }

func (r *alertRecorder) types() []notify.EventType {
	out := make([]notify.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func TestTimer_AlertsOnHealthChange(t *testing.T) {
	store, _ := seed(t)
	ctx := context.Background()
	alerts := &alertRecorder{}
	timer := NewTimer(NewService(store, logging.Discard()), time.Hour, logging.Discard()).WithAlerts(alerts)
	assert.True(t, timer.LastRun().IsZero())

	timer.check(ctx)
	assert.Empty(t, alerts.events)
	assert.False(t, timer.LastRun().IsZero())

	// Money appears from nowhere.
	require.NoError(t, store.WithTx(ctx, func(tx escrow.Tx) error {
		return tx.Credit(ctx, ledger.BuyerAccount(buyer.ID), 7)
	}))
	timer.check(ctx)
	timer.check(ctx)
	assert.Equal(t, []notify.EventType{notify.EventLedgerUnhealthy}, alerts.types())
	assert.Equal(t, 1, alerts.events[0].Data["mismatches"])

	require.NoError(t, store.WithTx(ctx, func(tx escrow.Tx) error {
		return tx.Debit(ctx, ledger.BuyerAccount(buyer.ID), 7)
	}))
	timer.check(ctx)
	assert.Equal(t, []notify.EventType{notify.EventLedgerUnhealthy, notify.EventLedgerRecovered}, alerts.types())
}

func TestTimer_RunsOnStartAndStops(t *testing.T) {
	store, _ := seed(t)
	timer := NewTimer(NewService(store, logging.Discard()), time.Hour, logging.Discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return !timer.LastRun().IsZero() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}
