package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"crm_messenger/internal/service"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/logger"
)

type AuthMiddleware struct {
	authService service.AuthService
	log         logger.Logger
}

func NewAuthMiddleware(authService service.AuthService, log logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		authService: authService,
		log:         log,
	}
}

// RequireAuth проверяет bearer-токен и кладет сотрудника в контекст запроса.
// Неактивные учетные записи отсекаются здесь же.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, pkgerrors.APIError{
				Message:  "authorization header required",
				Category: pkgerrors.CategoryAuthentication,
			})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, pkgerrors.APIError{
				Message:  "invalid authorization header format",
				Category: pkgerrors.CategoryAuthentication,
			})
			c.Abort()
			return
		}

		user, err := m.authService.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(pkgerrors.HTTPStatusFromError(err), pkgerrors.APIError{
				Message:  err.Error(),
				Category: pkgerrors.CategoryFromError(err),
			})
			c.Abort()
			return
		}

		c.Set("user", user)
		c.Set("user_id", user.ID)
		c.Set("user_email", user.Email)
		c.Set("user_role", user.Role)
		c.Next()
	}
}
