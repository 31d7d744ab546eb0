package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"campusride/internal/domain"
)

// Headers set by the gateway after authenticating the caller.
const (
	ActorIDHeader   = "X-Actor-ID"
	ActorRoleHeader = "X-Actor-Role"
)

const principalKey = "principal"

// Principal reads the authenticated actor from the gateway headers and
// rejects requests without one.
func Principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(ActorIDHeader)
		role := domain.ActorRole(c.GetHeader(ActorRoleHeader))

		if id == "" || (role != domain.ActorRoleStudent && role != domain.ActorRoleDriver) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing or invalid actor headers",
				"code":  "unauthenticated",
			})
			return
		}

		c.Set(principalKey, domain.Principal{ID: id, Role: role})
		c.Next()
	}
}

// RequireRole rejects principals with a different role.
func RequireRole(role domain.ActorRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := PrincipalFrom(c)
		if !ok || p.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "this operation requires role " + string(role),
				"code":  "forbidden",
			})
			return
		}
		c.Next()
	}
}

// PrincipalFrom returns the principal stored by Principal.
func PrincipalFrom(c *gin.Context) (domain.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return domain.Principal{}, false
	}
	p, ok := v.(domain.Principal)
	return p, ok
}
