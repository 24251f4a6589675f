package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ContextKeyAPIKey is the key for storing the validated key in gin context
const ContextKeyAPIKey = "apiKey"

// RequireAuth rejects requests without a valid key. With no keys
// configured every request passes.
func RequireAuth(k *Keyring) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !k.Enabled() {
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}
		key, err := k.Validate(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": err.Error() + ". Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Set(ContextKeyAPIKey, key)
		c.Next()
	}
}

// GetKey returns the validated key from context, if any.
func GetKey(c *gin.Context) (*Key, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*Key)
	return key, ok
}

// MayActAs reports whether the request may act for wallet. Requests that
// passed without a key (auth disabled) may act for anyone.
func MayActAs(c *gin.Context, wallet string) bool {
	key, ok := GetKey(c)
	if !ok {
		return true
	}
	return key.CanActAs(wallet)
}
