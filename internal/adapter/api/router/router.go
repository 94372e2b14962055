package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
)

func Setup(e *echo.Echo, h handler.Handlers, authMiddleware *middleware.AuthMiddleware, adminMiddleware *middleware.AdminMiddleware, apiLimit echo.MiddlewareFunc) {
	SetupHealthRouter(e, h.Health)
	SetupWebSocketRouter(e, h.WebSocket)
	SetupChatRouter(e, h.Chat, authMiddleware, apiLimit)
	SetupPresenceRouter(e, h.WebSocket, authMiddleware, adminMiddleware, apiLimit)
	SetupDevRouter(e, h.DevToken)
}
