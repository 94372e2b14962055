package handler

import (
	"time"

	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
	"marketchat/pkg/response"
)

// TokenIssuer signs development tokens.
type TokenIssuer interface {
	Issue(userID string, role entity.Role) (string, time.Time, error)
}

type DevTokenHandler struct {
	issuer TokenIssuer
}

func NewDevTokenHandler(issuer TokenIssuer) *DevTokenHandler {
	return &DevTokenHandler{
		issuer: issuer,
	}
}

type devTokenRequest struct {
	UserID string `json:"user_id" validate:"required,max=128"`
	Role   string `json:"role" validate:"omitempty,oneof=buyer seller admin"`
}

// GenerateToken issues a token for any user and role. Only routed in development.
func (h *DevTokenHandler) GenerateToken(c echo.Context) error {
	var req devTokenRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	role, _ := entity.ParseRole(req.Role)
	token, expiresAt, err := h.issuer.Issue(req.UserID, role)
	if err != nil {
		return response.Error(c, errors.Internal("Failed to issue token", err))
	}

	return response.Success(c, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt,
		"user": map[string]interface{}{
			"id":   req.UserID,
			"role": role,
		},
	})
}
