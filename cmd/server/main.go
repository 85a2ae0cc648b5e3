package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"event_messenger/internal/config"
	"event_messenger/internal/handler"
	"event_messenger/internal/middleware"
	"event_messenger/internal/repository"
	"event_messenger/internal/service"
	"event_messenger/internal/supervisor"
	"event_messenger/internal/websocket"
	"event_messenger/pkg/logger"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	appLogger := logger.NewWithOptions(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Подключение к PostgreSQL
	dbPool, err := newPool(ctx, cfg.Database)
	if err != nil {
		appLogger.Fatal("Failed to connect to database", "error", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		appLogger.Fatal("Failed to ping database", "error", err)
	}
	appLogger.Info("Database connection established")

	if cfg.Database.AutoMigrate {
		if err := repository.Migrate(ctx, dbPool); err != nil {
			appLogger.Fatal("Failed to apply schema", "error", err)
		}
		appLogger.Info("Database schema is up to date")
	}

	// Подключение к Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		appLogger.Fatal("Failed to connect to Redis", "error", err)
	}
	appLogger.Info("Redis connection established")

	repos := repository.NewRepositories(dbPool, rdb, appLogger)

	fallbackAttachments, err := repository.NewFilesystemAttachmentBackend(cfg.Attachments.Dir, appLogger)
	if err != nil {
		appLogger.Fatal("Failed to prepare attachment directory", "dir", cfg.Attachments.Dir, "error", err)
	}

	hub := websocket.NewHub(appLogger)

	// Очередь email-уведомлений; при рестарте неотправленные уведомления теряются,
	// сами сообщения уже сохранены
	pubSub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.Delivery.ShardBuffer),
	}, service.NewWatermillLogger(appLogger))
	defer pubSub.Close()

	readiness := service.NewReadiness(
		service.HealthCheck{Name: "postgres", Check: dbPool.Ping},
		service.HealthCheck{Name: "redis", Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)

	services := service.NewServices(repos, service.Dependencies{
		Emitter:             hub,
		Publisher:           pubSub,
		Subscriber:          pubSub,
		FallbackAttachments: fallbackAttachments,
		Mailer:              service.NewMailer(cfg.Mail, appLogger),
		Readiness:           readiness,
	}, cfg, appLogger)
	hub.SetListener(services.Realtime)

	// Фоновые воркеры
	tree := supervisor.NewTree(appLogger, supervisor.DefaultTreeConfig())
	tree.AddDeliveryService(hub)
	for _, w := range services.Delivery.Workers() {
		tree.AddDeliveryService(w)
	}
	tree.AddDeliveryService(services.Notifications)
	tree.AddBackgroundService(supervisor.NewPeriodic("undo-sweeper", cfg.Messaging.UndoSweep, services.Bulk.ExpireStale, appLogger))
	tree.AddBackgroundService(supervisor.NewPeriodic("offline-queue", cfg.Queue.PollInterval, services.Queue.ProcessDue, appLogger))

	treeCtx, cancelTree := context.WithCancel(context.Background())
	treeDone := tree.ServeBackground(treeCtx)

	authMiddleware := middleware.NewExternalAuthMiddleware(cfg.JWT.Secret, cfg.JWT.Issuer, appLogger)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(services.RateLimit, cfg.Limits.IPRequests, cfg.Limits.IPWindow, appLogger)

	handlers := handler.NewHandlers(services, hub, cfg, appLogger)
	router := handler.SetupRouter(handlers, authMiddleware, rateLimitMiddleware, cfg, appLogger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	if err := startServer(srv, readiness, appLogger); err != nil {
		appLogger.Fatal("Failed to bind server address", "addr", srv.Addr, "error", err)
	}

	<-ctx.Done()
	appLogger.Info("Shutting down server...")
	readiness.MarkNotReady()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", "error", err)
	}

	// воркеры останавливаем после HTTP, чтобы последние события успели уйти в шарды
	cancelTree()
	if err := <-treeDone; err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Supervisor stopped with error", "error", err)
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		appLogger.Warn("Some workers did not stop in time", "count", len(report))
	}

	appLogger.Info("Server exited")
}

// startServer занимает порт и только потом отмечает готовность
func startServer(srv *http.Server, readiness *service.Readiness, appLog logger.Logger) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	go func() {
		appLog.Info("Starting server", "addr", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatal("Failed to start server", "error", err)
		}
	}()

	readiness.MarkReady()
	return nil
}

func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConnections)
	}
	poolCfg.MaxConnIdleTime = cfg.MaxIdleTime
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	return pgxpool.NewWithConfig(ctx, poolCfg)
}
