package main

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"marketchat/internal/adapter/api/handler"
	"marketchat/internal/adapter/repository"
	domainrepo "marketchat/internal/domain/repository"
	"marketchat/internal/domain/service"
	"marketchat/internal/infrastructure/firebase"
	"marketchat/internal/infrastructure/jwtauth"
	"marketchat/internal/infrastructure/relay"
	"marketchat/internal/infrastructure/storage"
	"marketchat/internal/infrastructure/websocket"
	"marketchat/internal/usecase"
	"marketchat/pkg/config"
	"marketchat/pkg/logger"
)

type dependencies struct {
	verifier    service.IdentityVerifier
	devIssuer   handler.TokenIssuer
	chatRepo    domainrepo.ChatRepository
	attachments service.AttachmentVerifier
	uploads     handler.UploadURLIssuer
	redis       *redis.Client
	health      map[string]handler.Pinger
	closers     []func()
}

func bootstrap(ctx context.Context, cfg *config.Config) (*dependencies, error) {
	d := &dependencies{health: map[string]handler.Pinger{}}

	if err := d.initAuth(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initStore(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}
	if err := d.initStorage(ctx, cfg); err != nil {
		d.Close()
		return nil, err
	}

	if cfg.RedisAddr != "" {
		client, err := relay.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			d.Close()
			return nil, err
		}
		d.redis = client
		d.health["redis"] = handler.PingFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		d.closers = append(d.closers, func() { client.Close() })
		logger.Info("Connected to Redis at %s", cfg.RedisAddr)
	}

	return d, nil
}

func (d *dependencies) initAuth(ctx context.Context, cfg *config.Config) error {
	switch cfg.AuthProvider {
	case "jwt":
		m := jwtauth.NewManager(cfg.JWTSecret, time.Duration(cfg.JWTExpiry)*time.Second)
		d.verifier = m
		d.devIssuer = m
		logger.Info("Using HS256 JWT authentication")
	case "jwks":
		v, err := jwtauth.NewJWKSVerifier(cfg.JWKSURL, time.Hour)
		if err != nil {
			return err
		}
		d.verifier = v
		d.closers = append(d.closers, v.Close)
		logger.Info("Using JWKS authentication from %s", cfg.JWKSURL)
	default:
		app, err := firebase.NewApp(ctx, cfg)
		if err != nil {
			return err
		}
		authClient, err := app.Auth(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize Firebase Auth: %w", err)
		}
		d.verifier = firebase.NewFirebaseAuthClient(authClient)
		logger.Info("Using Firebase authentication")
	}
	return nil
}

func (d *dependencies) initStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.StoreDriver {
	case "postgres", "sqlite":
		db, err := repository.OpenGormDB(cfg.StoreDriver, cfg.DatabaseDSN)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("failed to access database handle: %w", err)
		}
		d.chatRepo = repository.NewGormChatRepository(db)
		d.health["database"] = handler.PingFunc(sqlDB.PingContext)
		d.closers = append(d.closers, func() { sqlDB.Close() })
		logger.Info("Using %s chat store", cfg.StoreDriver)
	case "memory":
		d.chatRepo = repository.NewMemoryChatRepository()
		logger.Warn("Using in-memory chat store, history is lost on restart")
	default:
		client, err := firestore.NewClient(ctx, cfg.FirebaseProject, clientOptions(cfg)...)
		if err != nil {
			return fmt.Errorf("failed to create Firestore client: %w", err)
		}
		d.chatRepo = repository.NewFirestoreChatRepository(client)
		d.health["firestore"] = handler.PingFunc(func(ctx context.Context) error {
			_, err := client.Collection("chats").Limit(1).Documents(ctx).GetAll()
			return err
		})
		d.closers = append(d.closers, func() { client.Close() })
		logger.Info("Using Firestore chat store")
	}
	return nil
}

func (d *dependencies) initStorage(ctx context.Context, cfg *config.Config) error {
	if cfg.StorageBucket == "" {
		d.attachments = storage.URLVerifier{}
		logger.Info("No storage bucket configured, attachments are checked by URL only")
		return nil
	}

	client, err := storage.NewCloudStorageClient(ctx, cfg.StorageBucket, clientOptions(cfg)...)
	if err != nil {
		return err
	}
	d.attachments = client
	d.uploads = client
	d.closers = append(d.closers, func() { client.Close() })
	logger.Info("Using Cloud Storage bucket %s for attachments", cfg.StorageBucket)
	return nil
}

const sharedPresenceTTL = time.Minute

// fanout returns the cross-instance relay when Redis is configured, otherwise local delivery. With Redis,
// presence transitions are also made global across instances.
func (d *dependencies) fanout(ctx context.Context, local *websocket.Manager) usecase.Fanout {
	if d.redis == nil {
		return local
	}
	r := relay.NewRedisRelay(d.redis, local)
	go r.Run(ctx)

	instanceID := uuid.NewString()
	local.Presence().SetStore(relay.NewRedisPresence(d.redis, instanceID, sharedPresenceTTL))
	logger.L().Info().Str("instance", instanceID).Msg("Sharing presence through Redis")
	return r
}

// Close releases clients in reverse order of creation.
func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

func clientOptions(cfg *config.Config) []option.ClientOption {
	if opt := firebase.ClientOption(cfg); opt != nil {
		return []option.ClientOption{opt}
	}
	return nil
}
