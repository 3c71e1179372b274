package service

import (
	"context"

	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/repository"
	pkgerrors "crm_messenger/pkg/errors"
	"crm_messenger/pkg/jwt"
	"crm_messenger/pkg/logger"
)

// AuthService резолвит bearer-токены в сотрудников. Токены выпускает внешний
// Auth-сервис CRM, здесь только проверка подписи и актуальности учётной записи.
type AuthService interface {
	ValidateToken(ctx context.Context, tokenString string) (*domain.User, error)
}

type authService struct {
	userRepo repository.UserRepository
	jwtCfg   config.JWTConfig
	log      logger.Logger
}

func NewAuthService(userRepo repository.UserRepository, jwtCfg config.JWTConfig, log logger.Logger) AuthService {
	return &authService{
		userRepo: userRepo,
		jwtCfg:   jwtCfg,
		log:      log,
	}
}

func (s *authService) ValidateToken(ctx context.Context, tokenString string) (*domain.User, error) {
	claims, err := jwt.ValidateToken(tokenString, s.jwtCfg.Secret)
	if err != nil {
		s.log.Debug("Token validation failed", "error", err)
		return nil, pkgerrors.ErrInvalidToken
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		// Токен подписан верно, но такого сотрудника нет. Детали не раскрываем
		return nil, pkgerrors.ErrAuthenticationFailed
	}

	if !user.IsActive {
		return nil, pkgerrors.ErrUserInactive
	}

	return user, nil
}
