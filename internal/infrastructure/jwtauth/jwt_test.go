package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
)

func TestManager_IssueAndVerify(t *testing.T) {
	m := NewManager("secret", time.Hour)

	token, exp, err := m.Issue("seller-1", entity.RoleSeller)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	identity, err := m.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "seller-1", identity.UserID)
	assert.Equal(t, entity.RoleSeller, identity.Role)
}

func TestManager_Rejects(t *testing.T) {
	m := NewManager("secret", time.Hour)
	ctx := context.Background()

	other, _, err := NewManager("other-secret", time.Hour).Issue("buyer-1", entity.RoleBuyer)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "buyer-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{}).SignedString([]byte("secret"))
	require.NoError(t, err)

	badRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "buyer-1"},
		Role:             "superuser",
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := map[string]string{
		"garbage":      "not-a-token",
		"wrong secret": other,
		"expired":      expiredToken,
		"no subject":   noSubject,
		"unknown role": badRole,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := m.VerifyToken(ctx, token)
			assert.True(t, errors.Is(err, errors.CodeUnauthorized))
		})
	}
}

func TestManager_ExpiredMessage(t *testing.T) {
	m := NewManager("secret", time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "buyer-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = m.VerifyToken(context.Background(), token)
	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, "Token has expired", appErr.Message)
}

func TestJWKSVerifier(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwks, err := json.Marshal(map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": "test-key",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	require.NoError(t, err)

	v, err := NewJWKSVerifierFromJSON(jwks)
	require.NoError(t, err)

	sign := func(kid string, k *rsa.PrivateKey) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, &Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "admin-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Role: "admin",
		})
		tok.Header["kid"] = kid
		s, err := tok.SignedString(k)
		require.NoError(t, err)
		return s
	}

	identity, err := v.VerifyToken(context.Background(), sign("test-key", key))
	require.NoError(t, err)
	assert.Equal(t, "admin-1", identity.UserID)
	assert.Equal(t, entity.RoleAdmin, identity.Role)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = v.VerifyToken(context.Background(), sign("test-key", otherKey))
	assert.True(t, errors.Is(err, errors.CodeUnauthorized))

	_, err = v.VerifyToken(context.Background(), sign("unknown-kid", key))
	assert.True(t, errors.Is(err, errors.CodeUnauthorized))
}
