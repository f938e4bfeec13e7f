package middleware

import (
	"strings"

	"pikacall/internal/core/domain"
	"pikacall/internal/core/services"
	"pikacall/pkg/errors"
	"pikacall/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	subjectKey = "subject"
	roleKey    = "role"
)

// AuthMiddleware validates the bearer token and stores its claims.
// A nil authService disables authentication and grants the operator role.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if authService == nil {
			c.Set(roleKey, domain.RoleOperator)
			c.Next()
			return
		}

		token := bearerToken(c)
		if token == "" {
			abortWith(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWith(c, errors.WrapError(err, errors.ErrCodeUnauthorized, err.Error(), 401))
			return
		}

		c.Set(subjectKey, claims.Subject)
		c.Set(roleKey, claims.Role)
		c.Request = c.Request.WithContext(logger.WithSubject(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

// RequireRole aborts with 403 unless the caller's role covers required.
func RequireRole(required domain.APIRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := c.Get(roleKey)
		r, ok := role.(domain.APIRole)
		if !ok || !r.Allows(required) {
			abortWith(c, errors.NewAppError("FORBIDDEN", "insufficient role", 403).
				WithContext("required", string(required)))
			return
		}
		c.Next()
	}
}

// bearerToken reads the Authorization header, or the access_token query
// parameter for EventSource clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return c.Query("access_token")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
