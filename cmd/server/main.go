package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm_messenger/internal/config"
	"crm_messenger/internal/domain"
	"crm_messenger/internal/handler"
	"crm_messenger/internal/middleware"
	"crm_messenger/internal/repository"
	"crm_messenger/internal/service"
	"crm_messenger/internal/ws"
	"crm_messenger/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Инициализация логгера
	appLogger := logger.New(cfg.Log.Level)
	defer appLogger.Sync()

	// Подключение к PostgreSQL
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		appLogger.Fatal("Failed to parse database DSN", "error", err)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConnections)
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime
	poolConfig.MaxConnLifetime = cfg.Database.ConnMaxLifetime

	dbPool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	// Проверка подключения к БД
	if err := dbPool.Ping(context.Background()); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	// Применение миграций
	if err := repository.RunMigrations(context.Background(), dbPool); err != nil {
		appLogger.Fatal("Failed to run migrations", "error", err)
	}

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	// Проверка подключения к Redis
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	// Ролевая политика из конфигурации
	policy := domain.NewRolePolicy(cfg.Chat.PrivilegedRoles, cfg.Chat.GroupManagerRoles)

	// Инициализация репозиториев
	repos := repository.NewRepositories(dbPool, rdb, cfg.Chat, appLogger)

	// Реестр подключений и диспетчер событий
	registry := ws.NewRegistry(appLogger)
	dispatcher := ws.NewDispatcher(registry, repos.Notification, appLogger)

	// Инициализация сервисов
	services := service.NewServices(repos, dispatcher, policy, cfg, appLogger)

	// Инициализация middleware
	authMiddleware := middleware.NewAuthMiddleware(services.Auth, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.RateLimit, appLogger)

	// Инициализация handlers
	handlers := handler.NewHandlers(services, registry, dispatcher, cfg, appLogger)

	// Настройка роутера
	router := setupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	// Запуск HTTP сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		appLogger.Info("Starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Fatal("Failed to start server", "error", err)
		}
	}()

	// Ожидание сигнала для graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Сначала закрываем WebSocket-подключения, чтобы клиенты получили
	// close frame и пошли на реконнект
	registry.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Fatal("Server forced to shutdown", "error", err)
	}

	appLogger.Info("Server exited")
}

func setupRouter(
	handlers *handler.Handlers,
	authMiddleware *middleware.AuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	// Health check
	router.GET("/health", handlers.Health.Check)

	// Метрики Prometheus
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket endpoint: токен проверяется при рукопожатии, auth middleware
	// здесь не нужен
	router.GET("/ws/chat", handlers.WebSocket.HandleChat)

	// API v1
	v1 := router.Group("/api/v1")
	protected := v1.Group("")
	protected.Use(authMiddleware.RequireAuth())
	{
		// Беседы
		conversations := protected.Group("/conversations")
		{
			conversations.POST("", rateLimitMiddleware.Limit(), handlers.Conversation.Create)
			conversations.GET("", handlers.Conversation.List)
			conversations.GET("/:id", handlers.Conversation.GetByID)
			conversations.DELETE("/:id", handlers.Conversation.Deactivate)

			conversations.GET("/:id/messages", handlers.Message.GetHistory)
			conversations.POST("/:id/messages", rateLimitMiddleware.Limit(), handlers.Message.Send)
			conversations.POST("/:id/read", handlers.Message.MarkConversationRead)

			conversations.GET("/:id/members", handlers.Conversation.GetMembers)
			conversations.POST("/:id/members", handlers.Conversation.AddMember)
			conversations.DELETE("/:id/members/:userId", handlers.Conversation.RemoveMember)
		}

		// Сообщения
		messages := protected.Group("/messages")
		{
			messages.GET("/unread-count", handlers.Message.GetUnreadCount)
			messages.PUT("/:messageId", rateLimitMiddleware.Limit(), handlers.Message.Edit)
			messages.DELETE("/:messageId", handlers.Message.Delete)
			messages.POST("/:messageId/read", handlers.Message.MarkRead)
			messages.POST("/:messageId/unread", handlers.Message.MarkUnread)
			messages.GET("/:messageId/readers", handlers.Message.GetReaders)
		}

		// Офлайн-уведомления
		notifications := protected.Group("/notifications")
		{
			notifications.GET("", handlers.Notification.List)
			notifications.DELETE("", handlers.Notification.Clear)
		}
	}

	return router
}
