package middleware

import (
	"github.com/gin-gonic/gin"

	pkgerrors "crm_messenger/pkg/errors"
)

func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Проверяем есть ли ошибки
		if len(c.Errors) > 0 {
			err := c.Errors.Last()

			c.JSON(pkgerrors.HTTPStatusFromError(err.Err), pkgerrors.APIError{
				Message:  err.Error(),
				Category: pkgerrors.CategoryFromError(err.Err),
			})
		}
	}
}
