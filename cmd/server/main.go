package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecoshare/backend/config"
	"github.com/ecoshare/backend/internal/auth"
	"github.com/ecoshare/backend/internal/cache"
	"github.com/ecoshare/backend/internal/chat"
	"github.com/ecoshare/backend/internal/handlers"
	"github.com/ecoshare/backend/internal/logger"
	"github.com/ecoshare/backend/internal/metrics"
	"github.com/ecoshare/backend/internal/middleware"
	"github.com/ecoshare/backend/internal/notify"
	"github.com/ecoshare/backend/internal/registry"
	"github.com/ecoshare/backend/internal/websocket"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg, err := logger.New(cfg.Server.Env)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logg.Sync() //nolint:errcheck

	if err := run(cfg, logg); err != nil {
		logg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Register(prometheus.DefaultRegisterer)

	st, err := openStores(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := st.close(closeCtx); err != nil {
			logg.Warn("failed to close store", zap.Error(err))
		}
	}()

	// Redis is optional: without it the hub delivers locally and presence
	// is answered from this instance only.
	var (
		relay  websocket.Relay
		mirror websocket.StateMirror
		state  handlers.StateReader
	)
	if cfg.Redis.Enabled {
		redis, err := cache.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logg.Warn("running without redis; rooms are local to this instance", zap.Error(err))
		} else {
			defer redis.Close()
			relay, mirror, state = redis, redis, redis
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpiryHours)
	limits := chat.Limits{
		DefaultPageSize:     cfg.Chat.DefaultPageSize,
		MaxPageSize:         cfg.Chat.MaxPageSize,
		SearchLimit:         cfg.Chat.SearchLimit,
		ReportThreshold:     cfg.Chat.ReportThreshold,
		DirectCreateRetries: cfg.Chat.DirectCreateRetries,
	}
	convService := chat.NewConversationService(st.convs, st.msgs, st.users, limits, logg)
	msgService := chat.NewMessageService(st.convs, st.msgs, st.users, limits, logg)

	reg := registry.New()
	hub := websocket.NewHub(reg, relay, mirror, logg)
	go hub.Run(ctx)

	channel, closeChannel := notificationChannel(cfg, logg)
	defer closeChannel()
	dispatcher := notify.NewDispatcher(channel, reg, notify.Options{
		Workers:       cfg.Notify.Workers,
		QueueSize:     cfg.Notify.QueueSize,
		PreviewLength: cfg.Notify.PreviewLength,
		Timeout:       cfg.Notify.Timeout,
	}, logg)
	dispatcher.Start()
	defer dispatcher.Stop()

	events := websocket.NewEvents(hub, dispatcher)
	proto := websocket.NewProtocol(hub, convService, msgService, events, cfg.WebSocket.EventTimeout, logg)
	wsHandler := websocket.NewHandler(ctx, hub, proto, jwtService, websocket.Settings{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		SendBuffer:     cfg.WebSocket.SendBuffer,
		EventsPerSec:   cfg.WebSocket.EventsPerSec,
		EventBurst:     cfg.WebSocket.EventBurst,
	}, cfg.CORS.AllowedOrigins, logg)

	authHandler := handlers.NewAuthHandler(st.users, jwtService, logg)
	convHandler := handlers.NewConversationHandler(convService, msgService, events, logg)
	msgHandler := handlers.NewMessageHandler(msgService, events, logg)
	presenceHandler := handlers.NewPresenceHandler(convService, state, hub, logg)

	rateLimiter := middleware.NewRateLimiter(cfg.API.RateLimitMessagesPerSec)
	go rateLimiter.Cleanup(ctx, time.Minute)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(logg), middleware.Metrics())
	router.Use(middleware.CORSMiddleware(cfg.CORS.AllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": reg.Count()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.HandleWebSocket)

	// Public routes
	authRoutes := router.Group("/auth")
	{
		authRoutes.POST("/register", authHandler.Register)
		authRoutes.POST("/login", authHandler.Login)
	}

	// Protected routes
	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(jwtService))
	{
		api.GET("/me", authHandler.GetMe)
		api.GET("/online-users", wsHandler.GetOnlineUsers)
		api.GET("/users/:id/presence", presenceHandler.GetUserPresence)

		// Conversation routes
		api.GET("/conversations", convHandler.GetConversations)
		api.POST("/conversations", convHandler.CreateConversation)
		api.GET("/conversations/:id", convHandler.GetConversation)
		api.PATCH("/conversations/:id", convHandler.UpdateConversation)
		api.POST("/conversations/:id/participants", convHandler.AddParticipant)
		api.DELETE("/conversations/:id/participants/:userId", convHandler.RemoveParticipant)
		api.POST("/conversations/:id/read-all", convHandler.ReadAll)
		api.GET("/conversations/:id/messages", convHandler.GetMessages)
		api.POST("/conversations/:id/messages", middleware.RateLimitMiddleware(rateLimiter), convHandler.SendMessage)
		api.GET("/conversations/:id/typing", presenceHandler.GetTypingUsers)
		api.GET("/items/:kind/:itemId/conversations", convHandler.GetItemConversations)

		// Message routes
		api.GET("/messages/search", msgHandler.SearchMessages)
		api.GET("/messages/:id", msgHandler.GetMessage)
		api.PUT("/messages/:id", msgHandler.EditMessage)
		api.DELETE("/messages/:id", msgHandler.DeleteMessage)
		api.POST("/messages/:id/read", msgHandler.MarkRead)
		api.POST("/messages/:id/reactions", msgHandler.ToggleReaction)
		api.POST("/messages/:id/pin", msgHandler.PinMessage)
		api.DELETE("/messages/:id/pin", msgHandler.UnpinMessage)
		api.POST("/messages/:id/report", msgHandler.ReportMessage)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logg.Info("starting server",
			zap.String("addr", srv.Addr),
			zap.String("env", cfg.Server.Env),
			zap.String("store", cfg.Store.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// notificationChannel publishes to Kafka behind a circuit breaker, or logs
// notifications when no brokers are configured.
func notificationChannel(cfg *config.Config, logg *zap.Logger) (notify.Channel, func()) {
	if len(cfg.Kafka.Brokers) == 0 {
		logg.Info("no kafka brokers configured; notifications are logged only")
		return notify.NewLogChannel(logg), func() {}
	}
	kafka := notify.NewKafkaChannel(cfg.Kafka.Brokers, cfg.Kafka.NotificationTopic)
	breaker := notify.NewBreakerChannel("kafka-notifications", kafka, notify.BreakerSettings{
		MaxFailures: 5,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
	}, logg)
	return breaker, func() {
		if err := kafka.Close(); err != nil {
			logg.Warn("failed to close kafka writer", zap.Error(err))
		}
	}
}
