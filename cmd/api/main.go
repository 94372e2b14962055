package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"marketchat/internal/adapter/api"
	"marketchat/internal/adapter/api/handler"
	apimiddleware "marketchat/internal/adapter/api/middleware"
	"marketchat/internal/adapter/api/router"
	"marketchat/internal/infrastructure/ratelimit"
	"marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Fatal().Err(err).Msg("Failed to load configuration")
	}

	logger.Init(logger.Config{
		Level:       cfg.LogLevel,
		Pretty:      cfg.LogPretty,
		ServiceName: "marketchat",
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap(ctx, cfg)
	if err != nil {
		logger.L().Fatal().Err(err).Msg("Failed to initialize dependencies")
	}
	defer deps.Close()

	rateLimiter := ratelimit.NewRateLimiter()
	rateLimiter.StartCleanupRoutine(ctx)

	wsManager := websocket.NewManager(cfg.WebSocket, cfg.Chat, deps.verifier)
	fanout := deps.fanout(ctx, wsManager)

	chatUseCase := usecase.NewChatUseCase(
		deps.chatRepo,
		wsManager,
		fanout,
		deps.attachments,
		rateLimiter,
		usecase.ChatOptions{
			AdminRoomPolicy:  cfg.Chat.AdminRoomPolicy,
			MessageRetention: cfg.Chat.MessageRetention,
		},
	)
	wsManager.Start(ctx, chatUseCase)

	if cfg.Chat.MessageRetention > 0 {
		go chatUseCase.RunRetention(ctx, retentionInterval(cfg.Chat.MessageRetention))
	}

	validate := api.NewValidate()
	dispatcher := websocket.NewDispatcher(chatUseCase, validate)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = api.NewValidator(validate)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(apimiddleware.RequestLogger()...)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.AllowedOrigins,
	}))

	handlers := handler.Handlers{
		Chat:      handler.NewChatHandler(chatUseCase, deps.uploads),
		WebSocket: handler.NewWebSocketHandler(wsManager, dispatcher, cfg.AllowedOrigins),
		Health:    handler.NewHealthHandler(deps.health),
	}
	if cfg.IsDevelopment() && deps.devIssuer != nil {
		handlers.DevToken = handler.NewDevTokenHandler(deps.devIssuer)
		logger.Warn("Development token issuer enabled at POST /_dev/token")
	}

	router.Setup(e, handlers,
		apimiddleware.NewAuthMiddleware(deps.verifier),
		apimiddleware.NewAdminMiddleware(),
		apimiddleware.RateLimit(rateLimiter),
	)

	go func() {
		logger.Info("Starting server on port %s...", cfg.ServerPort)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal().Err(err).Msg("Server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	wsManager.CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.L().Error().Err(err).Msg("Graceful shutdown failed")
	}
}

func retentionInterval(retention time.Duration) time.Duration {
	interval := retention / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	if interval > time.Hour {
		interval = time.Hour
	}
	return interval
}
