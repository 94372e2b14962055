package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
)

// SetupWebSocketRouter registers the upgrade route. The handler authenticates the handshake itself.
func SetupWebSocketRouter(e *echo.Echo, wsHandler *handler.WebSocketHandler) {
	e.GET("/ws", wsHandler.HandleWebSocket)
}

func SetupPresenceRouter(e *echo.Echo, wsHandler *handler.WebSocketHandler, authMiddleware *middleware.AuthMiddleware, adminMiddleware *middleware.AdminMiddleware, apiLimit echo.MiddlewareFunc) {
	e.GET("/v1/presence/:userId", wsHandler.Presence, apiLimit, authMiddleware.Authenticate)

	admin := e.Group("/v1/admin", apiLimit, authMiddleware.Authenticate, adminMiddleware.AdminOnly)
	admin.GET("/connections", wsHandler.Connections)
}
