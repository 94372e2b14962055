package firebase

import (
	"context"
	"fmt"
	"os"

	fbapp "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/config"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

// RoleClaim is the custom claim carrying the marketplace role.
const RoleClaim = "role"

// ClientOption picks the service account credentials: inline JSON first, then the file path. It returns
// nil when neither is available so the default credentials chain applies.
func ClientOption(cfg *config.Config) option.ClientOption {
	if cfg.FirebaseServiceAccountJSON != "" {
		logger.Info("Using Firebase service account from environment variable")
		return option.WithCredentialsJSON([]byte(cfg.FirebaseServiceAccountJSON))
	}
	if cfg.FirebaseServiceAccountPath != "" {
		if _, err := os.Stat(cfg.FirebaseServiceAccountPath); err == nil {
			logger.Info("Using Firebase service account from file: %s", cfg.FirebaseServiceAccountPath)
			return option.WithCredentialsFile(cfg.FirebaseServiceAccountPath)
		}
	}
	logger.Warn("No Firebase service account configured, using application default credentials")
	return nil
}

func NewApp(ctx context.Context, cfg *config.Config) (*fbapp.App, error) {
	var opts []option.ClientOption
	if opt := ClientOption(cfg); opt != nil {
		opts = append(opts, opt)
	}
	app, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: cfg.FirebaseProject}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase: %w", err)
	}
	return app, nil
}

type tokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*auth.Token, error)
}

type FirebaseAuthClient struct {
	client tokenVerifier
}

func NewFirebaseAuthClient(client *auth.Client) *FirebaseAuthClient {
	return &FirebaseAuthClient{
		client: client,
	}
}

// VerifyToken checks a Firebase ID token and reads the role from its custom claims.
func (f *FirebaseAuthClient) VerifyToken(ctx context.Context, token string) (*entity.Identity, error) {
	result, err := f.client.VerifyIDToken(ctx, token)
	if err != nil {
		return nil, errors.Unauthorized("Invalid or expired token", err)
	}

	claim, _ := result.Claims[RoleClaim].(string)
	role, ok := entity.ParseRole(claim)
	if !ok {
		return nil, errors.Unauthorized("Token carries an unknown role", nil)
	}

	return &entity.Identity{UserID: result.UID, Role: role}, nil
}
