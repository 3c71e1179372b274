package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"crm_messenger/internal/domain"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/jwt"
)

func TestValidateTokenResolvesUser(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleManager)

	token, err := jwt.GenerateAccessToken(alice.ID, alice.Email, alice.Role, "test-secret", time.Hour)
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}

	user, err := env.services.Auth.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("valid token must resolve: %v", err)
	}
	if user.ID != alice.ID || user.Role != domain.RoleManager {
		t.Fatalf("resolved the wrong user: %+v", user)
	}
}

func TestValidateTokenRejectsBadSignature(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)

	token, _ := jwt.GenerateAccessToken(alice.ID, alice.Email, alice.Role, "other-secret", time.Hour)
	if _, err := env.services.Auth.ValidateToken(context.Background(), token); !errors.Is(err, pkgerrors.ErrInvalidToken) {
		t.Fatalf("foreign signature must be rejected, got %v", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	env := newTestEnv()
	alice := env.store.AddUser("Alice", domain.RoleAgent)

	token, _ := jwt.GenerateAccessToken(alice.ID, alice.Email, alice.Role, "test-secret", -time.Minute)
	if _, err := env.services.Auth.ValidateToken(context.Background(), token); !errors.Is(err, pkgerrors.ErrInvalidToken) {
		t.Fatalf("expired token must be rejected, got %v", err)
	}
}

func TestValidateTokenRejectsUnknownUser(t *testing.T) {
	env := newTestEnv()

	// Подпись верная, но сотрудника с таким id нет
	token, _ := jwt.GenerateAccessToken(uuid.New(), "ghost@crm.test", domain.RoleAgent, "test-secret", time.Hour)
	if _, err := env.services.Auth.ValidateToken(context.Background(), token); !errors.Is(err, pkgerrors.ErrAuthenticationFailed) {
		t.Fatalf("unknown subject must be rejected, got %v", err)
	}
}

func TestValidateTokenRejectsInactiveUser(t *testing.T) {
	env := newTestEnv()
	gone := &domain.User{ID: uuid.New(), Email: "gone@crm.test", DisplayName: "Gone", Role: domain.RoleAgent, IsActive: false}
	env.store.Users.Add(gone)

	token, _ := jwt.GenerateAccessToken(gone.ID, gone.Email, gone.Role, "test-secret", time.Hour)
	if _, err := env.services.Auth.ValidateToken(context.Background(), token); !errors.Is(err, pkgerrors.ErrUserInactive) {
		t.Fatalf("deactivated account must be rejected, got %v", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	env := newTestEnv()

	if _, err := env.services.Auth.ValidateToken(context.Background(), "not-a-token"); !errors.Is(err, pkgerrors.ErrInvalidToken) {
		t.Fatalf("garbage must be rejected, got %v", err)
	}
}
