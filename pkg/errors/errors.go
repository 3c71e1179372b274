package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthorizationDenied  = errors.New("authorization denied")
	ErrValidationFailure    = errors.New("validation failure")
	ErrTransportFailure     = errors.New("transport failure")
	ErrInternalServer       = errors.New("internal server error")
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrUserInactive         = errors.New("user is deactivated")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotMember            = errors.New("user is not a member of the conversation")
)

// Стабильные категории ошибок, которые видит клиент
const (
	CategoryAuthentication = "AUTHENTICATION_FAILURE"
	CategoryAuthorization  = "AUTHORIZATION_DENIED"
	CategoryNotFound       = "NOT_FOUND"
	CategoryValidation     = "VALIDATION_FAILURE"
	CategoryTransport      = "TRANSPORT_FAILURE"
	CategoryInternal       = "INTERNAL_ERROR"
)

type APIError struct {
	Message  string `json:"error"`
	Category string `json:"category"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message, category string) *APIError {
	return &APIError{
		Message:  message,
		Category: category,
	}
}

func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrUserInactive):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorizationDenied), errors.Is(err, ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, ErrValidationFailure):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransportFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func CategoryFromError(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationFailed), errors.Is(err, ErrInvalidToken), errors.Is(err, ErrTokenExpired), errors.Is(err, ErrUserInactive):
		return CategoryAuthentication
	case errors.Is(err, ErrAuthorizationDenied), errors.Is(err, ErrNotMember):
		return CategoryAuthorization
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConversationNotFound), errors.Is(err, ErrMessageNotFound):
		return CategoryNotFound
	case errors.Is(err, ErrValidationFailure):
		return CategoryValidation
	case errors.Is(err, ErrTransportFailure):
		return CategoryTransport
	default:
		return CategoryInternal
	}
}
