package router

import (
	"github.com/labstack/echo/v4"

	"marketchat/internal/adapter/api/handler"
)

// SetupDevRouter registers the token issuer. It is a no-op unless a dev handler was built.
func SetupDevRouter(e *echo.Echo, devTokenHandler *handler.DevTokenHandler) {
	if devTokenHandler == nil {
		return
	}
	e.POST("/_dev/token", devTokenHandler.GenerateToken)
}
