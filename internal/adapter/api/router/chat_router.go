package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/api/middleware"
)

// SetupChatRouter sets up the REST chat routes. Sending goes over the websocket.
func SetupChatRouter(e *echo.Echo, chatHandler *handler.ChatHandler, authMiddleware *middleware.AuthMiddleware, apiLimit echo.MiddlewareFunc) {
	chatGroup := e.Group("/v1/chats", apiLimit, authMiddleware.Authenticate)

	chatGroup.POST("", chatHandler.CreateChat)
	chatGroup.GET("", chatHandler.GetUserChats)
	chatGroup.GET("/:id", chatHandler.GetChatByID)
	chatGroup.GET("/:id/messages", chatHandler.GetChatMessages)
	chatGroup.PUT("/:id/read", chatHandler.MarkChatAsRead)
	chatGroup.PUT("/:id/close", chatHandler.CloseChat)
	chatGroup.PUT("/:id/escalate", chatHandler.EscalateChat)
	chatGroup.POST("/:id/attachments", chatHandler.CreateUploadURL)
}
