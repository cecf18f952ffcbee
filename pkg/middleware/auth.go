package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextUserKey is the gin context key holding the authenticated principal.
const ContextUserKey = "user_id"

// ParseTokens reads "token:user" pairs. A bare token maps to user "device".
func ParseTokens(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		token, user, found := strings.Cut(strings.TrimSpace(p), ":")
		if token == "" {
			continue
		}
		if !found || user == "" {
			user = "device"
		}
		out[token] = user
	}
	return out
}

// BearerAuth requires an Authorization: Bearer header naming a known token.
func BearerAuth(tokens map[string]string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		scheme, token, _ := strings.Cut(h, " ")
		token = strings.TrimSpace(token)
		if !strings.EqualFold(scheme, "Bearer") || token == "" {
			unauthorized(c)
			return
		}
		user, ok := lookupToken(tokens, token)
		if !ok {
			unauthorized(c)
			return
		}
		c.Set(ContextUserKey, user)
		c.Next()
	}
}

func lookupToken(tokens map[string]string, token string) (string, bool) {
	var user string
	found := false
	for t, u := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			user, found = u, true
		}
	}
	return user, found
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer realm="trailwatch"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

// CurrentUser returns the principal set by BearerAuth.
func CurrentUser(c *gin.Context) string {
	return c.GetString(ContextUserKey)
}
