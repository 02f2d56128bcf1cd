package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bazaar/internal/escrow"
)

type fakeSweeper struct {
	calls int
	stats escrow.SweepStats
}

func (f *fakeSweeper) Sweep(context.Context) escrow.SweepStats {
	f.calls++
	return f.stats
}

type fakeLoop struct {
	running bool
	last    time.Time
}

func (f fakeLoop) Running() bool      { return f.running }
func (f fakeLoop) LastRun() time.Time { return f.last }

type bareLoop bool

func (b bareLoop) Running() bool { return bool(b) }

func router(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1/admin"))
	return r
}

func TestSweep(t *testing.T) {
	sw := &fakeSweeper{stats: escrow.SweepStats{Released: 2, Cancelled: 1}}
	r := router(NewHandler().WithSweeper(sw))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/sweep", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var report SweepReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, sw.stats, report.Stats)
	assert.Equal(t, 1, sw.calls)
}

func TestSweep_NotConfigured(t *testing.T) {
	w := httptest.NewRecorder()
	router(NewHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/admin/sweep", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestListLoops(t *testing.T) {
	last := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h := NewHandler().
		WithLoop("escrow_timer", fakeLoop{running: true, last: last}).
		WithLoop("reconciliation_timer", bareLoop(false)).
		WithLoop("idle", fakeLoop{running: true})

	w := httptest.NewRecorder()
	router(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/admin/loops", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Loops []LoopStatus `json:"loops"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Loops, 3)
	assert.Equal(t, "escrow_timer", body.Loops[0].Name)
	require.NotNil(t, body.Loops[0].LastRun)
	assert.True(t, last.Equal(*body.Loops[0].LastRun))
	assert.False(t, body.Loops[1].Running)
	assert.Nil(t, body.Loops[1].LastRun)
	assert.Nil(t, body.Loops[2].LastRun, "a loop that never ran has no last run")
}
