// Package config loads the relay configuration: an embedded YAML file
// (stage 1) finalized by environment overrides and validation (stage 2).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

const (
	RunModeLocal = "local"
	RunModeProd  = "prod"
)

type MessageStoreConfig struct {
	Type                string
	BaseURL             string
	RedisAddr           string
	RedisTTL            time.Duration
	FirestoreProjectID  string
	FirestoreCollection string
	BadgerDir           string
}

type PushGatewayConfig struct {
	Type          string
	ExpoURL       string
	ExpoBatchSize int
	PubSubProject string
	PubSubTopicID string
}

type EurekaConfig struct {
	Enabled           bool
	Host              string
	Port              int
	ServicePath       string
	HeartbeatInterval time.Duration
}

// SocketConfig bounds each websocket connection. Zero values keep the
// transport defaults.
type SocketConfig struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	MaxMessageBytes int64
}

// AppConfig is the canonical, validated configuration object used throughout the application.
// It is created by NewConfigFromYaml (Stage 1) and finalized by
// UpdateConfigWithEnvOverrides (Stage 2).
type AppConfig struct {
	ServiceName         string
	ServiceVersion      string
	RunMode             string
	ServerIP            string
	Protocol            string
	APIPort             string
	WebSocketPort       string
	LogLevel            string
	CollaboratorTimeout time.Duration
	PushTitle           string
	Socket              SocketConfig
	MessageStore        MessageStoreConfig
	PushGateway         PushGatewayConfig
	Eureka              EurekaConfig
}

// envOverrides lists every variable that may override the YAML values.
// Unset variables leave the field nil.
type envOverrides struct {
	APIPort           *string `env:"API_PORT"`
	WebSocketPort     *string `env:"WEBSOCKET_PORT"`
	ServerIP          *string `env:"SERVER_IP"`
	Protocol          *string `env:"PROTOCOL"`
	LogLevel          *string `env:"LOG_LEVEL"`
	RunMode           *string `env:"RUN_MODE"`
	MessageStoreURL   *string `env:"MESSAGE_STORE_URL"`
	RedisAddr         *string `env:"REDIS_ADDR"`
	GCPProjectID      *string `env:"GCP_PROJECT_ID"`
	ExpoPushURL       *string `env:"EXPO_PUSH_URL"`
	EurekaHost        *string `env:"EUREKA_HOST"`
	EurekaPort        *int    `env:"EUREKA_PORT"`
	EurekaServicePath *string `env:"EUREKA_SERVICE_PATH"`
	EurekaEnabled     *bool   `env:"EUREKA_ENABLED"`
}

// LoadDotEnv loads .env.prod when RELAY_ENV is "production" and .env.dev
// otherwise, from dir. A missing file is not an error; variables already
// set in the environment win.
func LoadDotEnv(dir string) (string, error) {
	name := ".env.dev"
	if os.Getenv("RELAY_ENV") == "production" {
		name = ".env.prod"
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return "", fmt.Errorf("failed to load %s: %w", path, err)
	}
	return path, nil
}

// UpdateConfigWithEnvOverrides takes the base configuration (created from YAML)
// and completes it by applying environment variables and final validation.
// This function completes "Stage 2" of configuration loading.
func UpdateConfigWithEnvOverrides(cfg *AppConfig, logger zerolog.Logger) (*AppConfig, error) {
	logger.Debug().Msg("Applying environment variable overrides...")

	var overrides envOverrides
	if _, err := env.UnmarshalFromEnviron(&overrides); err != nil {
		return nil, fmt.Errorf("failed to read environment overrides: %w", err)
	}

	// 1. Apply Environment Overrides
	override(logger, "API_PORT", overrides.APIPort, &cfg.APIPort)
	override(logger, "WEBSOCKET_PORT", overrides.WebSocketPort, &cfg.WebSocketPort)
	override(logger, "SERVER_IP", overrides.ServerIP, &cfg.ServerIP)
	override(logger, "PROTOCOL", overrides.Protocol, &cfg.Protocol)
	override(logger, "LOG_LEVEL", overrides.LogLevel, &cfg.LogLevel)
	override(logger, "RUN_MODE", overrides.RunMode, &cfg.RunMode)
	override(logger, "MESSAGE_STORE_URL", overrides.MessageStoreURL, &cfg.MessageStore.BaseURL)
	override(logger, "REDIS_ADDR", overrides.RedisAddr, &cfg.MessageStore.RedisAddr)
	override(logger, "GCP_PROJECT_ID", overrides.GCPProjectID, &cfg.MessageStore.FirestoreProjectID)
	override(logger, "GCP_PROJECT_ID", overrides.GCPProjectID, &cfg.PushGateway.PubSubProject)
	override(logger, "EXPO_PUSH_URL", overrides.ExpoPushURL, &cfg.PushGateway.ExpoURL)
	override(logger, "EUREKA_HOST", overrides.EurekaHost, &cfg.Eureka.Host)
	override(logger, "EUREKA_PORT", overrides.EurekaPort, &cfg.Eureka.Port)
	override(logger, "EUREKA_SERVICE_PATH", overrides.EurekaServicePath, &cfg.Eureka.ServicePath)
	override(logger, "EUREKA_ENABLED", overrides.EurekaEnabled, &cfg.Eureka.Enabled)

	// 2. Final Validation
	if err := validate(cfg); err != nil {
		logger.Error().Err(err).Msg("Final config validation failed")
		return nil, err
	}

	logger.Debug().Msg("Configuration finalized and validated successfully")
	return cfg, nil
}

func override[T any](logger zerolog.Logger, key string, value *T, target *T) {
	if value == nil {
		return
	}
	logger.Debug().Str("key", key).Str("source", "env").Msg("Overriding config value")
	*target = *value
}

func validate(cfg *AppConfig) error {
	if cfg.APIPort == "" {
		return fmt.Errorf("API_PORT is not set in config or env var")
	}
	if cfg.WebSocketPort == "" {
		return fmt.Errorf("WEBSOCKET_PORT is not set in config or env var")
	}
	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
		}
	}

	switch cfg.RunMode {
	case RunModeLocal:
	case RunModeProd:
		if err := validateMessageStore(cfg.MessageStore); err != nil {
			return err
		}
		if err := validatePushGateway(cfg.PushGateway); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown run mode %q", cfg.RunMode)
	}

	if cfg.Eureka.Enabled && cfg.Eureka.Host == "" {
		return fmt.Errorf("EUREKA_HOST is not set but eureka is enabled")
	}
	return nil
}

func validateMessageStore(cfg MessageStoreConfig) error {
	switch cfg.Type {
	case "http":
		if cfg.BaseURL == "" {
			return fmt.Errorf("MESSAGE_STORE_URL is not set in config or env var")
		}
	case "redis":
		if cfg.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is not set in config or env var")
		}
	case "firestore":
		if cfg.FirestoreProjectID == "" {
			return fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
		if cfg.FirestoreCollection == "" {
			return fmt.Errorf("message_store.firestore.collection is not set")
		}
	case "tiered":
		if err := validateMessageStore(MessageStoreConfig{Type: "redis", RedisAddr: cfg.RedisAddr}); err != nil {
			return err
		}
		return validateMessageStore(MessageStoreConfig{
			Type:                "firestore",
			FirestoreProjectID:  cfg.FirestoreProjectID,
			FirestoreCollection: cfg.FirestoreCollection,
		})
	case "badger":
	default:
		return fmt.Errorf("unknown message store type %q", cfg.Type)
	}
	return nil
}

func validatePushGateway(cfg PushGatewayConfig) error {
	switch cfg.Type {
	case "expo":
	case "pubsub":
		if cfg.PubSubProject == "" {
			return fmt.Errorf("GCP_PROJECT_ID is not set in config or env var")
		}
		if cfg.PubSubTopicID == "" {
			return fmt.Errorf("push_gateway.pubsub.topic_id is not set")
		}
	default:
		return fmt.Errorf("unknown push gateway type %q", cfg.Type)
	}
	return nil
}
