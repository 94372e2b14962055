package service

import (
	"context"

	"marketchat/internal/domain/entity"
)

// IdentityVerifier is the identity bridge. VerifyToken returns errors.Unauthorized for any token it does
// not accept; callers never fall back to an anonymous identity.
type IdentityVerifier interface {
	VerifyToken(ctx context.Context, token string) (*entity.Identity, error)
}
