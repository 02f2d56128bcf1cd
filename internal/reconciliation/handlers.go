package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/logging"
)

// Handler exposes reconciliation to admins.
type Handler struct {
	service *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up reconciliation routes. The group must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Last)
	r.POST("/reconciliation/run", h.Run)
}

// Last handles GET /v1/admin/reconciliation
func (h *Handler) Last(c *gin.Context) {
	report := h.service.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation has run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// Run handles POST /v1/admin/reconciliation/run
func (h *Handler) Run(c *gin.Context) {
	report, err := h.service.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}
