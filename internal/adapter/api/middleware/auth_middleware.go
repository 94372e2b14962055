package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/internal/domain/service"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

const (
	ContextKeyUID      = "uid"
	ContextKeyIdentity = "identity"
)

type AuthMiddleware struct {
	verifier service.IdentityVerifier
}

func NewAuthMiddleware(verifier service.IdentityVerifier) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
	}
}

// BearerToken reads the token from the Authorization header, falling back to the token query parameter
// that browsers must use for websocket upgrades.
func BearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.QueryParam("token")
}

func (m *AuthMiddleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := BearerToken(c)
		if token == "" {
			return response.Error(c, errors.Unauthorized("Authorization header is required", nil))
		}

		identity, err := m.verifier.VerifyToken(c.Request().Context(), token)
		if err != nil {
			return response.Error(c, errors.Unauthorized("Invalid or expired token", err))
		}

		c.Set(ContextKeyUID, identity.UserID)
		c.Set(ContextKeyIdentity, identity)

		ctx := c.Request().Context()
		l := logger.Ctx(ctx).With().Str(logger.FieldUserID, identity.UserID).Logger()
		c.SetRequest(c.Request().WithContext(logger.WithLogger(ctx, l)))

		return next(c)
	}
}

// IdentityFrom returns the identity stored by Authenticate.
func IdentityFrom(c echo.Context) (*entity.Identity, bool) {
	identity, ok := c.Get(ContextKeyIdentity).(*entity.Identity)
	return identity, ok && identity != nil
}
