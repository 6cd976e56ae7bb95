package delivery

import (
	"net/http"
	"strings"

	authdomain "harvest-backend/internal/auth/domain"
	"harvest-backend/internal/auth/usecase"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware requires a bearer token carrying the given role and stores
// the subject under "principal"
func AuthMiddleware(authUsecase usecase.AuthUsecase, role authdomain.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization header required"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header format"})
			c.Abort()
			return
		}

		principal, err := authUsecase.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			c.Abort()
			return
		}

		if principal.Role != role {
			c.JSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			c.Abort()
			return
		}

		c.Set("principal", principal.Subject)
		c.Set("role", string(principal.Role))
		c.Next()
	}
}
