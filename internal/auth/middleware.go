package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"fieldsync/internal/rules"
)

// ActorAuth enforces bearer JWT tokens signed with HS256 and resolves
// them into the actor scope the reconciliation rules consume.
func ActorAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Set("scope", rules.ActorScope{
			ActorID: claims.Subject,
			Role:    claims.Role,
			ClassID: claims.ClassScope,
		})
		c.Next()
	}
}

// Scope returns the actor scope placed by ActorAuth.
func Scope(c *gin.Context) rules.ActorScope {
	val, ok := c.Get("scope")
	if !ok {
		return rules.ActorScope{}
	}
	scope, _ := val.(rules.ActorScope)
	return scope
}
