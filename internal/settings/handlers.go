package settings

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/logging"
)

// Handler exposes settings to admins.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterAdminRoutes sets up settings routes. The group must require admin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/settings/:key", h.Get)
	r.PUT("/settings/:key", h.Put)
}

// Get handles GET /v1/admin/settings/:key
func (h *Handler) Get(c *gin.Context) {
	key := c.Param("key")
	if !knownKey(key) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "unknown setting " + key})
		return
	}
	v, err := h.svc.Get(c.Request.Context(), key)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to read setting", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to read setting"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": v})
}

// PutRequest is the body of PUT /v1/admin/settings/:key
type PutRequest struct {
	Value string `json:"value" binding:"required"`
}

// Put handles PUT /v1/admin/settings/:key
func (h *Handler) Put(c *gin.Context) {
	key := c.Param("key")
	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "value is required"})
		return
	}
	if err := Validate(key, req.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.svc.Set(c.Request.Context(), key, req.Value); err != nil {
		if errors.Is(err, ErrReadOnly) {
			c.JSON(http.StatusConflict, gin.H{"error": "read_only", "message": err.Error()})
			return
		}
		logging.L(c.Request.Context()).Error("failed to write setting", "key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to write setting"})
		return
	}
	logging.L(c.Request.Context()).Info("setting updated", "key", key, "value", req.Value)
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}

func knownKey(key string) bool {
	return key == KeyPlatformFeePercent
}
