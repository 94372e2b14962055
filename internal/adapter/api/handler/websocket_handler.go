package handler

import (
	"net/http"
	"strings"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/middleware"
	ws "marketchat/internal/infrastructure/websocket"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

type WebSocketHandler struct {
	wsManager  *ws.Manager
	dispatcher *ws.Dispatcher
	upgrader   gorillaws.Upgrader
}

func NewWebSocketHandler(wsManager *ws.Manager, dispatcher *ws.Dispatcher, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		wsManager:  wsManager,
		dispatcher: dispatcher,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// HandleWebSocket authenticates the handshake before upgrading. A rejected token gets a plain 401 and no
// socket is opened.
func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	identity, err := h.wsManager.Authenticate(c.Request().Context(), middleware.BearerToken(c))
	if err != nil {
		logger.Ctx(c.Request().Context()).Warn().Err(err).Msg("websocket handshake rejected")
		return response.Error(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		logger.Ctx(c.Request().Context()).Warn().Err(err).Str(logger.FieldUserID, identity.UserID).Msg("websocket upgrade failed")
		return nil
	}

	client := h.wsManager.Register(identity, conn)
	go h.wsManager.Serve(client, h.dispatcher.HandleClientMessage)

	return nil
}

// Connections reports live connection counts for admins.
func (h *WebSocketHandler) Connections(c echo.Context) error {
	return response.Success(c, h.wsManager.Stats())
}

// Presence reports whether a user is online on this instance.
func (h *WebSocketHandler) Presence(c echo.Context) error {
	userID := c.Param("userId")
	if userID == "" {
		return response.Error(c, errors.Validation("userId is required", nil))
	}

	online, lastSeen := h.wsManager.Presence().Status(userID)
	return response.Success(c, ws.UserStatusData{
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	})
}
