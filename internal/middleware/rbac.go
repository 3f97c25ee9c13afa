package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/clefhq/lesson-engine/internal/models"
	appErrors "github.com/clefhq/lesson-engine/pkg/errors"
	"github.com/clefhq/lesson-engine/pkg/response"
)

// RBAC enforces role-based access control for routes. The special role
// "SELF" allows a request whose :id path parameter matches the caller's own
// user ID, so teachers can manage their own availability without admin.
func RBAC(allowed ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		allowSelf := false
		allowedRoles := make(map[models.UserRole]struct{})

		for _, a := range allowed {
			if a == "SELF" {
				allowSelf = true
				continue
			}
			allowedRoles[models.UserRole(a)] = struct{}{}
		}

		if _, ok := allowedRoles[claims.Role]; ok {
			c.Next()
			return
		}

		if allowSelf {
			if targetID := c.Param("id"); targetID != "" && targetID == claims.UserID {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
