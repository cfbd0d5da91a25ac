package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID holds the authenticated user id (int64).
	ContextKeyUserID = "authUserID"
	// ContextKeyRole holds the authenticated role.
	ContextKeyRole = "authRole"

	RoleAdmin = "admin"
)

// StatusFunc looks up a user's account status so banned accounts lose
// access immediately rather than when their token expires.
type StatusFunc func(ctx context.Context, userID int64) (string, error)

// Middleware rejects requests without a valid bearer token and stores the
// caller's id and role in the gin context. A nil status lookup skips the
// ban check.
func Middleware(m *Manager, status StatusFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		raw, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok {
			raw = ""
		}
		claims, err := m.Verify(strings.TrimSpace(raw))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		userID, _ := claims.UserID()

		if status != nil {
			s, err := status(c.Request.Context(), userID)
			if err != nil || s == "banned" {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error":   "forbidden",
					"message": "Account is not active.",
				})
				return
			}
		}

		c.Set(ContextKeyUserID, userID)
		c.Set(ContextKeyRole, claims.Role)
		c.Next()
	}
}

// RequireAdmin rejects callers without the admin role. It must run after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyRole) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Administrator access required.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or 0.
func UserID(c *gin.Context) int64 {
	return c.GetInt64(ContextKeyUserID)
}
