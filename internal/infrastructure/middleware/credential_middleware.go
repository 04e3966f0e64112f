package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CredentialKey is the gin context key holding the caller's relay token.
const CredentialKey = "credential"

// CredentialMiddleware lifts an "Authorization: Bearer <token>" header into the
// gin context so handlers can pass it to the relay verbatim. A missing header is
// fine: the session layer mints a token when none is supplied.
func CredentialMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			return
		}

		c.Set(CredentialKey, parts[1])
		c.Next()
	}
}

// Credential returns the token stored by CredentialMiddleware, if any.
func Credential(c *gin.Context) string {
	return c.GetString(CredentialKey)
}
