package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for token management
type Handler struct {
	tokens *TokenManager
}

// NewHandler creates a new auth handler
func NewHandler(m *TokenManager) *Handler {
	return &Handler{tokens: m}
}

// RegisterRoutes sets up public auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireAuth(), h.Me)
}

// RegisterAdminRoutes sets up admin-only auth routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/tokens", h.IssueToken)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"header": "Authorization: Bearer <jwt>",
		"roles":  []Role{RoleUser, RoleAdmin},
	})
}

// Me returns the authenticated identity
func (h *Handler) Me(c *gin.Context) {
	id, _ := Caller(c)
	c.JSON(http.StatusOK, gin.H{"userId": id.UserID, "role": id.Role})
}

// IssueTokenRequest is the body of POST /v1/admin/tokens
type IssueTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Role   Role   `json:"role" binding:"required"`
	TTL    string `json:"ttl"` // e.g. "24h"
}

// IssueToken handles POST /v1/admin/tokens
func (h *Handler) IssueToken(c *gin.Context) {
	var req IssueTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId and role are required",
		})
		return
	}

	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "ttl must be a positive duration",
			})
			return
		}
		ttl = d
	}

	token, exp, err := h.tokens.Issue(req.UserID, req.Role, ttl)
	if err != nil {
		c.JSON(StatusFor(err), gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token": token, "expiresAt": exp})
}
