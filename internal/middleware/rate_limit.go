package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"crm_messenger/internal/config"
	"crm_messenger/internal/metrics"
	"crm_messenger/internal/service"
	"crm_messenger/pkg/logger"
)

type RateLimitMiddleware struct {
	rateLimitService service.RateLimitService
	cfg              config.RateLimitConfig
	log              logger.Logger
}

func NewRateLimitMiddleware(rateLimitService service.RateLimitService, cfg config.RateLimitConfig, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rateLimitService: rateLimitService,
		cfg:              cfg,
		log:              log,
	}
}

func (m *RateLimitMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.cfg.Enabled {
			c.Next()
			return
		}

		// Лимит на сотрудника, а не на адрес: за одним NAT сидит весь офис
		key := "chat:rl:ip:" + c.ClientIP()
		if userID, ok := c.Get("user_id"); ok {
			key = fmt.Sprintf("chat:rl:user:%s", userID)
		}

		allowed, err := m.rateLimitService.CheckLimit(c.Request.Context(), key, m.cfg.Requests, m.cfg.Window)
		if err != nil {
			// Redis недоступен: запрос пропускаем, лимитер не должен
			// ронять трафик
			m.log.Error("Rate limit check failed", "error", err)
			c.Next()
			return
		}

		if !allowed {
			metrics.RateLimitHits.Inc()
			c.Header("X-RateLimit-Limit", strconv.Itoa(m.cfg.Requests))
			c.Header("X-RateLimit-Remaining", "0")
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}

		count, err := m.rateLimitService.Increment(c.Request.Context(), key, m.cfg.Window)
		if err != nil {
			m.log.Error("Rate limit increment failed", "error", err)
		}

		remaining := m.cfg.Requests - int(count)
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(m.cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Next()
	}
}
