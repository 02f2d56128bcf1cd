package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/logging"
)

type namedLoop struct {
	name string
	loop Loop
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	sweeper Sweeper
	loops   []namedLoop
	now     func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithSweeper sets the escrow sweeper used by POST /admin/sweep.
func (h *Handler) WithSweeper(s Sweeper) *Handler {
	h.sweeper = s
	return h
}

// WithLoop adds a background loop to the status report.
func (h *Handler) WithLoop(name string, l Loop) *Handler {
	h.loops = append(h.loops, namedLoop{name: name, loop: l})
	return h
}

// RegisterRoutes sets up admin routes. The group must require admin.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sweep", h.sweep)
	r.GET("/loops", h.listLoops)
}

// sweep runs the escrow sweep now instead of waiting for the next tick.
func (h *Handler) sweep(c *gin.Context) {
	if h.sweeper == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "escrow sweeper not configured"})
		return
	}

	start := h.now()
	stats := h.sweeper.Sweep(c.Request.Context())
	report := SweepReport{Stats: stats, Duration: h.now().Sub(start).String(), RanAt: start.UTC()}

	logging.L(c.Request.Context()).Info("manual escrow sweep",
		"released", stats.Released, "expired", stats.Expired,
		"cancelled", stats.Cancelled, "failed", stats.Failed)

	c.JSON(http.StatusOK, report)
}

func (h *Handler) listLoops(c *gin.Context) {
	out := make([]LoopStatus, 0, len(h.loops))
	for _, nl := range h.loops {
		st := LoopStatus{Name: nl.name, Running: nl.loop.Running()}
		if lr, ok := nl.loop.(lastRunner); ok {
			if t := lr.LastRun(); !t.IsZero() {
				t = t.UTC()
				st.LastRun = &t
			}
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, gin.H{"loops": out})
}
