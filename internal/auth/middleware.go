package auth

import (
	"net/http"
	"strings"

	"github.com/castline/escrowd/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// ContextKeyUserID is the gin context key for the authenticated user id
	ContextKeyUserID = "authUserID"
	// ContextKeyRoles is the gin context key for the authenticated user's roles
	ContextKeyRoles = "authRoles"
)

// Middleware reads a bearer token and, when valid, stores the caller in
// the gin context. Requests without a valid token pass through anonymous;
// RequireAuth decides whether that is acceptable.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token != "" {
			if claims, err := m.Parse(token); err == nil {
				c.Set(ContextKeyUserID, claims.Subject)
				c.Set(ContextKeyRoles, claims.Roles)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), claims.Subject))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated caller.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if UserID(c) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireSelf requires the :paramName URL parameter to be the caller's own id.
func RequireSelf(paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := UserID(c)
		if uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required.",
			})
			return
		}
		if c.Param(paramName) != uid {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You can only access your own records.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole requires the caller to hold role.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasRole(c, role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This operation requires the " + role + " role.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user id, or "" for anonymous requests.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Roles returns the authenticated caller's roles.
func Roles(c *gin.Context) []string {
	return c.GetStringSlice(ContextKeyRoles)
}

// HasRole reports whether the authenticated caller holds role.
func HasRole(c *gin.Context, role string) bool {
	for _, r := range Roles(c) {
		if r == role {
			return true
		}
	}
	return false
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on websocket handshakes, so upgrades may pass ?access_token= instead.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if websocket.IsWebSocketUpgrade(c.Request) {
		return c.Query("access_token")
	}
	return ""
}
