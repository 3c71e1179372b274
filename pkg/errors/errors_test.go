package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrConversationNotFound, http.StatusNotFound},
		{ErrMessageNotFound, http.StatusNotFound},
		{ErrAuthenticationFailed, http.StatusUnauthorized},
		{ErrInvalidToken, http.StatusUnauthorized},
		{ErrUserInactive, http.StatusUnauthorized},
		{ErrAuthorizationDenied, http.StatusForbidden},
		{ErrNotMember, http.StatusForbidden},
		{ErrValidationFailure, http.StatusBadRequest},
		{ErrTransportFailure, http.StatusBadGateway},
		{errors.New("driver exploded"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := HTTPStatusFromError(tc.err); got != tc.want {
			t.Errorf("HTTPStatusFromError(%v) = %d, want %d", tc.err, got, tc.want)
		}
		// Обертки не должны менять классификацию
		wrapped := fmt.Errorf("context: %w", tc.err)
		if got := HTTPStatusFromError(wrapped); got != tc.want {
			t.Errorf("HTTPStatusFromError(wrapped %v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestCategoryFromError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrAuthenticationFailed, CategoryAuthentication},
		{ErrInvalidToken, CategoryAuthentication},
		{ErrUserInactive, CategoryAuthentication},
		{ErrAuthorizationDenied, CategoryAuthorization},
		{ErrNotMember, CategoryAuthorization},
		{ErrNotFound, CategoryNotFound},
		{ErrMessageNotFound, CategoryNotFound},
		{ErrValidationFailure, CategoryValidation},
		{ErrTransportFailure, CategoryTransport},
		{errors.New("driver exploded"), CategoryInternal},
	}

	for _, tc := range cases {
		wrapped := fmt.Errorf("service: %w", fmt.Errorf("repo: %w", tc.err))
		if got := CategoryFromError(wrapped); got != tc.want {
			t.Errorf("CategoryFromError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestAPIErrorMessage(t *testing.T) {
	apiErr := NewAPIError("conversation not found", CategoryNotFound)
	if apiErr.Error() != "conversation not found" {
		t.Fatalf("unexpected message: %q", apiErr.Error())
	}
	if apiErr.Category != CategoryNotFound {
		t.Fatalf("unexpected category: %q", apiErr.Category)
	}
}
