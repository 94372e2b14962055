package jwtauth

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

const defaultIssuer = "marketchat"

// Claims is the token body understood by both verifiers.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func identityFrom(claims *Claims) (*entity.Identity, error) {
	if claims.Subject == "" {
		return nil, errors.Unauthorized("Token has no subject", nil)
	}
	role, ok := entity.ParseRole(claims.Role)
	if !ok {
		return nil, errors.Unauthorized("Token carries an unknown role", nil)
	}
	return &entity.Identity{UserID: claims.Subject, Role: role}, nil
}

func tokenError(err error) error {
	if stderrors.Is(err, jwt.ErrTokenExpired) {
		return errors.Unauthorized("Token has expired", err)
	}
	return errors.Unauthorized("Invalid token", err)
}

// Manager signs and verifies HS256 tokens with a shared secret.
type Manager struct {
	secret []byte
	expiry time.Duration
	issuer string
}

func NewManager(secret string, expiry time.Duration) *Manager {
	if expiry <= 0 {
		expiry = 24 * time.Hour
	}
	return &Manager{
		secret: []byte(secret),
		expiry: expiry,
		issuer: defaultIssuer,
	}
}

// Issue signs a token for userID with role.
func (m *Manager) Issue(userID string, role entity.Role) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(m.expiry)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: string(role),
	})

	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

func (m *Manager) VerifyToken(ctx context.Context, tokenString string) (*entity.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, tokenError(err)
	}
	if !token.Valid {
		return nil, errors.Unauthorized("Invalid token", nil)
	}
	return identityFrom(claims)
}

// JWKSVerifier checks tokens signed by an external identity provider against its published key set.
type JWKSVerifier struct {
	jwks *keyfunc.JWKS
}

func NewJWKSVerifier(jwksURL string, refresh time.Duration) (*JWKSVerifier, error) {
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   refresh,
		RefreshRateLimit:  time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.L().Warn().Err(err).Str("jwks_url", jwksURL).Msg("failed to refresh JWKS")
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load JWKS: %w", err)
	}
	return &JWKSVerifier{jwks: jwks}, nil
}

// NewJWKSVerifierFromJSON builds a verifier from a static key set.
func NewJWKSVerifierFromJSON(raw []byte) (*JWKSVerifier, error) {
	jwks, err := keyfunc.NewJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS: %w", err)
	}
	return &JWKSVerifier{jwks: jwks}, nil
}

func (v *JWKSVerifier) VerifyToken(ctx context.Context, tokenString string) (*entity.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc)
	if err != nil {
		return nil, tokenError(err)
	}
	if !token.Valid {
		return nil, errors.Unauthorized("Invalid token", nil)
	}
	return identityFrom(claims)
}

// Close stops the background refresh.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}
