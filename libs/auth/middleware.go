package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ContextPrincipalKey = "principal"

// Middleware verifies the bearer token and stores the resulting
// Principal on the request context. Tokens without a subject or an
// account binding are rejected outright.
func Middleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ExtractBearer(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "missing token"})
			return
		}

		claims, err := ParseJWT(token, secret)
		if err != nil || claims.Subject == "" || claims.AccountID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHORIZED", "message": "invalid token"})
			return
		}

		c.Set(ContextPrincipalKey, PrincipalFromClaims(claims))
		c.Next()
	}
}

// PrincipalFromContext retrieves the Principal set by Middleware.
func PrincipalFromContext(c *gin.Context) (Principal, bool) {
	val, ok := c.Get(ContextPrincipalKey)
	if !ok {
		return Principal{}, false
	}
	p, ok := val.(Principal)
	return p, ok
}
