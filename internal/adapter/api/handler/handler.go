package handler

// Handlers groups the HTTP handlers wired by the router. DevToken is nil outside development.
type Handlers struct {
	Chat      *ChatHandler
	WebSocket *WebSocketHandler
	Health    *HealthHandler
	DevToken  *DevTokenHandler
}
