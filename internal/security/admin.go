package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminSecretHeader carries the shared admin secret.
const AdminSecretHeader = "X-Admin-Secret"

// AdminAuth rejects requests whose X-Admin-Secret does not match secret.
// An empty secret closes the group entirely.
func AdminAuth(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}
		got := []byte(c.GetHeader(AdminSecretHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid " + AdminSecretHeader,
			})
			return
		}
		c.Next()
	}
}
