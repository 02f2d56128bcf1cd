package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bazaar/internal/logging"
)

const (
	// ContextKeyUserID is the key for storing the authenticated user id in gin context
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the key for storing the authenticated role
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the bearer token.
// Sets authUserID and authRole in context if valid; never aborts.
func Middleware(m *TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearer(c.GetHeader("Authorization"))
		if raw == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			raw = c.Query("access_token")
		}
		if raw != "" {
			if claims, err := m.Parse(raw); err == nil {
				c.Set(ContextKeyUserID, claims.UserID)
				c.Set(ContextKeyRole, claims.Role)
				c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), claims.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid token
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Caller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose token is not an admin token
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := Caller(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if id.Role != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "not_authorized",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// Identity is the caller attached to a request.
type Identity struct {
	UserID string
	Role   Role
}

// Caller returns the authenticated identity, if any.
func Caller(c *gin.Context) (Identity, bool) {
	id := c.GetString(ContextKeyUserID)
	if id == "" {
		return Identity{}, false
	}
	role, _ := c.Get(ContextKeyRole)
	r, _ := role.(Role)
	return Identity{UserID: id, Role: r}, true
}

func bearer(header string) string {
	if header == "" {
		return ""
	}
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// StatusFor maps auth errors to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidRole):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoToken), errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
