package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/distrokit/internal/logging"
)

const (
	// ContextKeyAPIKey holds the validated *APIKey in the gin context.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyAccountID holds the authenticated account id.
	ContextKeyAccountID = "authAccountID"

	adminSecretHeader = "X-Admin-Secret"
)

// requestToken prefers the Authorization header and falls back to X-API-Key.
func requestToken(c *gin.Context) string {
	if t := c.GetHeader("Authorization"); t != "" {
		return t
	}
	return c.GetHeader("X-API-Key")
}

// Middleware authenticates the request when it carries a valid key. It
// never aborts; RequireAuth does that.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := requestToken(c); token != "" {
			if key, err := m.ValidateKey(c.Request.Context(), token); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAccountID, key.AccountID)
				c.Request = c.Request.WithContext(logging.WithAccountID(c.Request.Context(), key.AccountID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator endpoints. With a secret configured the
// X-Admin-Secret header must match it; with none (development) any
// authenticated caller passes.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		switch {
		case secret == "" && !IsAuthenticated(c):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "API key required."})
		case secret != "" && !HasAdminSecret(c, secret):
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Admin access required."})
		default:
			c.Next()
		}
	}
}

// GetAPIKey returns the key the request authenticated with.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	k, ok := v.(*APIKey)
	return k, ok
}

// GetAuthenticatedAccount returns the authenticated account id, or "".
func GetAuthenticatedAccount(c *gin.Context) string {
	return c.GetString(ContextKeyAccountID)
}

func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetAPIKey(c)
	return ok
}

// HasAdminSecret reports whether the request carries the configured admin
// secret. It is always false when no secret is configured.
func HasAdminSecret(c *gin.Context, secret string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.GetHeader(adminSecretHeader)), []byte(secret)) == 1
}
