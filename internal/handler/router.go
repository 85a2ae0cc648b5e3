package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"event_messenger/internal/config"
	"event_messenger/internal/domain"
	"event_messenger/internal/middleware"
	"event_messenger/pkg/logger"
)

func SetupRouter(
	handlers *Handlers,
	authMiddleware *middleware.ExternalAuthMiddleware,
	rateLimitMiddleware *middleware.RateLimitMiddleware,
	cfg *config.Config,
	log logger.Logger,
) *gin.Engine {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.MaxMultipartMemory = cfg.Attachments.MaxTotalSize
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(middleware.NewOriginPolicy(cfg.Server.AllowedOrigins)))
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.ErrorHandler())

	router.GET("/health", handlers.Health.Check)
	router.GET("/ready", handlers.Health.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Push-канал
	router.GET("/ws", authMiddleware.RequireAuth(), handlers.WebSocket.Handle)

	v4 := router.Group("/api/v4")
	v4.Use(rateLimitMiddleware.Limit(), authMiddleware.RequireAuth())
	{
		conversations := v4.Group("/conversations")
		{
			conversations.POST("", handlers.Conversation.Create)
			conversations.GET("", handlers.Conversation.List)
			conversations.GET("/:id", handlers.Conversation.Get)
			conversations.POST("/:id/read", handlers.Conversation.MarkRead)
			conversations.POST("/:id/delivered", handlers.Conversation.MarkDelivered)
			conversations.POST("/:id/archive", handlers.Conversation.Archive)
			conversations.DELETE("/:id/archive", handlers.Conversation.Unarchive)
			conversations.PUT("/:id/pin", handlers.Conversation.Pin)
			conversations.PUT("/:id/mute", handlers.Conversation.Mute)
			conversations.POST("/:id/typing", handlers.Conversation.Typing)

			conversations.GET("/:id/messages", handlers.Message.List)
			conversations.POST("/:id/messages", handlers.Message.Send)
		}

		messages := v4.Group("/messages")
		{
			messages.PATCH("/:messageId", handlers.Message.Edit)
			messages.DELETE("/:messageId", handlers.Message.Delete)
			messages.POST("/:messageId/reactions", handlers.Message.React)
			messages.PUT("/:messageId/flags", handlers.Message.SetFlags)
		}

		v4.GET("/attachments/:id", handlers.Attachment.Download)

		// Пакетные операции и их откат
		bulk := v4.Group("/bulk")
		{
			bulk.POST("/messages/delete", handlers.Bulk.BulkDelete)
			bulk.POST("/conversations/read", handlers.Bulk.BulkMarkRead)
		}
		operations := v4.Group("/operations")
		{
			operations.GET("/:id", handlers.Bulk.GetOperation)
			operations.POST("/:id/undo", handlers.Bulk.Undo)
		}

		// Офлайн-очередь клиента
		queue := v4.Group("/queue")
		{
			queue.POST("", handlers.Queue.Enqueue)
			queue.GET("", handlers.Queue.List)
			queue.POST("/:id/retry", handlers.Queue.Retry)
			queue.DELETE("/:id", handlers.Queue.Remove)
		}

		v4.GET("/presence/:userId", handlers.Presence.Get)
		v4.POST("/presence/bulk", handlers.Presence.GetBulk)

		admin := v4.Group("/admin")
		admin.Use(authMiddleware.RequireRole(domain.GlobalRoleAdmin))
		{
			admin.POST("/broadcast", handlers.Admin.Broadcast)
		}
	}

	return router
}
