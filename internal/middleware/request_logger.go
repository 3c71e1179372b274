package middleware

import (
	"net/url"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"crm_messenger/internal/metrics"
	"crm_messenger/pkg/logger"
)

func RequestLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		// Для метрик берем шаблон маршрута, чтобы не плодить лейблы
		route := c.FullPath()
		if route == "" {
			route = path
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, route).Observe(latency.Seconds())

		if raw != "" {
			path = path + "?" + redactToken(raw)
		}

		log.Info("HTTP request",
			"client_ip", c.ClientIP(),
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency.String(),
		)
	}
}

// redactToken прячет токен рукопожатия WebSocket из строки запроса
func redactToken(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil || !values.Has("token") {
		return raw
	}
	values.Set("token", "[REDACTED]")
	return values.Encode()
}
