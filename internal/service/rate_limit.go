package service

import (
	"context"
	"time"

	"crm_messenger/internal/repository"
	"crm_messenger/pkg/logger"
)

type RateLimitService interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

type rateLimitService struct {
	rateLimitRepo repository.RateLimitRepository
	log           logger.Logger
}

func NewRateLimitService(rateLimitRepo repository.RateLimitRepository, log logger.Logger) RateLimitService {
	return &rateLimitService{
		rateLimitRepo: rateLimitRepo,
		log:           log,
	}
}

func (s *rateLimitService) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return s.rateLimitRepo.CheckLimit(ctx, key, limit, window)
}

func (s *rateLimitService) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	return s.rateLimitRepo.Increment(ctx, key, window)
}
