package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServerPort     string
	Environment    string
	AllowedOrigins []string

	LogLevel  string
	LogPretty bool

	AuthProvider               string // firebase, jwt, jwks
	FirebaseProject            string
	FirebaseServiceAccountJSON string
	FirebaseServiceAccountPath string
	JWTSecret                  string
	JWTExpiry                  int64 // seconds
	JWKSURL                    string

	StoreDriver   string // firestore, postgres, sqlite, memory
	DatabaseDSN   string
	StorageBucket string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	WebSocket WebSocketConfig
	Chat      ChatConfig
}

type WebSocketConfig struct {
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
	SendBuffer       int
}

type ChatConfig struct {
	TypingTimeout    time.Duration
	PresenceGrace    time.Duration
	MessageRetention time.Duration
	AdminRoomPolicy  string // escalated, any
}

// Load reads .env (if present), an optional config.yaml and the environment, in that order of precedence
// from lowest to highest.
func Load() (*Config, error) {
	godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		ServerPort:     v.GetString("SERVER_PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		AllowedOrigins: splitList(v.GetString("ALLOWED_ORIGINS")),

		LogLevel:  v.GetString("LOG_LEVEL"),
		LogPretty: v.GetBool("LOG_PRETTY"),

		AuthProvider:               strings.ToLower(v.GetString("AUTH_PROVIDER")),
		FirebaseProject:            v.GetString("FIREBASE_PROJECT_ID"),
		FirebaseServiceAccountJSON: v.GetString("FIREBASE_SERVICE_ACCOUNT_JSON"),
		FirebaseServiceAccountPath: v.GetString("FIREBASE_SERVICE_ACCOUNT_PATH"),
		JWTSecret:                  v.GetString("JWT_SECRET"),
		JWTExpiry:                  v.GetInt64("JWT_EXPIRY"),
		JWKSURL:                    v.GetString("JWKS_URL"),

		StoreDriver:   strings.ToLower(v.GetString("STORE_DRIVER")),
		DatabaseDSN:   v.GetString("DATABASE_DSN"),
		StorageBucket: v.GetString("STORAGE_BUCKET"),

		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),

		WebSocket: WebSocketConfig{
			PingInterval:     v.GetDuration("WS_PING_INTERVAL"),
			PongWait:         v.GetDuration("WS_PONG_WAIT"),
			WriteWait:        v.GetDuration("WS_WRITE_WAIT"),
			HandshakeTimeout: v.GetDuration("WS_HANDSHAKE_TIMEOUT"),
			MaxMessageSize:   v.GetInt64("WS_MAX_MESSAGE_SIZE"),
			SendBuffer:       v.GetInt("WS_SEND_BUFFER"),
		},
		Chat: ChatConfig{
			TypingTimeout:    v.GetDuration("TYPING_TIMEOUT"),
			PresenceGrace:    v.GetDuration("PRESENCE_GRACE"),
			MessageRetention: v.GetDuration("MESSAGE_RETENTION"),
			AdminRoomPolicy:  strings.ToLower(v.GetString("ADMIN_ROOM_POLICY")),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "*")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	v.SetDefault("AUTH_PROVIDER", "firebase")
	v.SetDefault("FIREBASE_PROJECT_ID", "")
	v.SetDefault("FIREBASE_SERVICE_ACCOUNT_JSON", "")
	v.SetDefault("FIREBASE_SERVICE_ACCOUNT_PATH", "./firebase-service-account.json")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_EXPIRY", 24*60*60)
	v.SetDefault("JWKS_URL", "")

	v.SetDefault("STORE_DRIVER", "firestore")
	v.SetDefault("DATABASE_DSN", "")
	v.SetDefault("STORAGE_BUCKET", "")

	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("WS_PING_INTERVAL", "30s")
	v.SetDefault("WS_PONG_WAIT", "60s")
	v.SetDefault("WS_WRITE_WAIT", "10s")
	v.SetDefault("WS_HANDSHAKE_TIMEOUT", "10s")
	v.SetDefault("WS_MAX_MESSAGE_SIZE", 64*1024)
	v.SetDefault("WS_SEND_BUFFER", 256)

	v.SetDefault("TYPING_TIMEOUT", "5s")
	v.SetDefault("PRESENCE_GRACE", "5s")
	v.SetDefault("MESSAGE_RETENTION", "0s")
	v.SetDefault("ADMIN_ROOM_POLICY", "escalated")
}

func (c *Config) validate() error {
	switch c.AuthProvider {
	case "firebase", "jwks":
	case "jwt":
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required when AUTH_PROVIDER=jwt")
		}
	default:
		return fmt.Errorf("unsupported AUTH_PROVIDER %q", c.AuthProvider)
	}

	if c.AuthProvider == "jwks" && c.JWKSURL == "" {
		return fmt.Errorf("JWKS_URL is required when AUTH_PROVIDER=jwks")
	}

	switch c.StoreDriver {
	case "firestore", "memory":
	case "postgres", "sqlite":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required when STORE_DRIVER=%s", c.StoreDriver)
		}
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.Chat.AdminRoomPolicy {
	case "escalated", "any":
	default:
		return fmt.Errorf("unsupported ADMIN_ROOM_POLICY %q", c.Chat.AdminRoomPolicy)
	}

	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
