package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"marketchat/pkg/logger"
)

// RequestLogger writes one zerolog event per request and stores a request-scoped logger in the request
// context. It must run after echo's RequestID middleware.
func RequestLogger() []echo.MiddlewareFunc {
	scope := func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			l := logger.L().With().Str(logger.FieldRequestID, reqID).Logger()
			c.SetRequest(c.Request().WithContext(logger.WithLogger(c.Request().Context(), l)))
			return next(c)
		}
	}

	access := echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			l := logger.Ctx(c.Request().Context())
			ev := l.Info()
			if v.Status >= 500 || v.Error != nil {
				ev = l.Error().Err(v.Error)
			}
			ev.Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Msg("request")
			return nil
		},
	})

	return []echo.MiddlewareFunc{scope, access}
}
