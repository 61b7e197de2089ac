package config

import (
	"fmt"
	"time"
)

// --- YAML-Specific Structs ---

type YamlHTTPStoreConfig struct {
	BaseURL string `yaml:"base_url"`
}

type YamlRedisConfig struct {
	Addr string `yaml:"addr"`
	TTL  string `yaml:"ttl"`
}

type YamlFirestoreConfig struct {
	ProjectID  string `yaml:"project_id"`
	Collection string `yaml:"collection"`
}

type YamlBadgerConfig struct {
	Dir string `yaml:"dir"`
}

type YamlMessageStoreConfig struct {
	Type      string              `yaml:"type"` // "http", "redis", "firestore", "tiered" or "badger"
	HTTP      YamlHTTPStoreConfig `yaml:"http"`
	Redis     YamlRedisConfig     `yaml:"redis"`
	Firestore YamlFirestoreConfig `yaml:"firestore"`
	Badger    YamlBadgerConfig    `yaml:"badger"`
}

type YamlExpoConfig struct {
	URL       string `yaml:"url"`
	BatchSize int    `yaml:"batch_size"`
}

type YamlPubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type YamlPushGatewayConfig struct {
	Type   string           `yaml:"type"` // "expo" or "pubsub"
	Expo   YamlExpoConfig   `yaml:"expo"`
	PubSub YamlPubSubConfig `yaml:"pubsub"`
}

type YamlEurekaConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	ServicePath       string `yaml:"service_path"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
}

type YamlSocketConfig struct {
	PingInterval    string `yaml:"ping_interval"`
	PongTimeout     string `yaml:"pong_timeout"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

// YamlConfig defines the structure for unmarshaling the embedded config.yaml file.
type YamlConfig struct {
	ServiceName         string                 `yaml:"service_name"`
	ServiceVersion      string                 `yaml:"service_version"`
	RunMode             string                 `yaml:"run_mode"`
	ServerIP            string                 `yaml:"server_ip"`
	Protocol            string                 `yaml:"protocol"`
	APIPort             string                 `yaml:"api_port"`
	WebSocketPort       string                 `yaml:"websocket_port"`
	LogLevel            string                 `yaml:"log_level"`
	CollaboratorTimeout string                 `yaml:"collaborator_timeout"`
	PushTitle           string                 `yaml:"push_title"`
	Socket              YamlSocketConfig       `yaml:"socket"`
	MessageStore        YamlMessageStoreConfig `yaml:"message_store"`
	PushGateway         YamlPushGatewayConfig  `yaml:"push_gateway"`
	Eureka              YamlEurekaConfig       `yaml:"eureka"`
}

// --- Stage 1 Function ---

// NewConfigFromYaml converts the raw unmarshaled data (YamlConfig) into a
// base AppConfig. Durations are parsed here; empty durations keep their
// defaults.
func NewConfigFromYaml(yamlCfg *YamlConfig) (*AppConfig, error) {
	collaboratorTimeout, err := parseDuration("collaborator_timeout", yamlCfg.CollaboratorTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	redisTTL, err := parseDuration("message_store.redis.ttl", yamlCfg.MessageStore.Redis.TTL, 0)
	if err != nil {
		return nil, err
	}
	pingInterval, err := parseDuration("socket.ping_interval", yamlCfg.Socket.PingInterval, 0)
	if err != nil {
		return nil, err
	}
	pongTimeout, err := parseDuration("socket.pong_timeout", yamlCfg.Socket.PongTimeout, 0)
	if err != nil {
		return nil, err
	}
	heartbeat, err := parseDuration("eureka.heartbeat_interval", yamlCfg.Eureka.HeartbeatInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}

	appCfg := &AppConfig{
		ServiceName:         yamlCfg.ServiceName,
		ServiceVersion:      yamlCfg.ServiceVersion,
		RunMode:             yamlCfg.RunMode,
		ServerIP:            yamlCfg.ServerIP,
		Protocol:            yamlCfg.Protocol,
		APIPort:             yamlCfg.APIPort,
		WebSocketPort:       yamlCfg.WebSocketPort,
		LogLevel:            yamlCfg.LogLevel,
		CollaboratorTimeout: collaboratorTimeout,
		PushTitle:           yamlCfg.PushTitle,
		Socket: SocketConfig{
			PingInterval:    pingInterval,
			PongTimeout:     pongTimeout,
			MaxMessageBytes: yamlCfg.Socket.MaxMessageBytes,
		},
		MessageStore: MessageStoreConfig{
			Type:                yamlCfg.MessageStore.Type,
			BaseURL:             yamlCfg.MessageStore.HTTP.BaseURL,
			RedisAddr:           yamlCfg.MessageStore.Redis.Addr,
			RedisTTL:            redisTTL,
			FirestoreProjectID:  yamlCfg.MessageStore.Firestore.ProjectID,
			FirestoreCollection: yamlCfg.MessageStore.Firestore.Collection,
			BadgerDir:           yamlCfg.MessageStore.Badger.Dir,
		},
		PushGateway: PushGatewayConfig{
			Type:          yamlCfg.PushGateway.Type,
			ExpoURL:       yamlCfg.PushGateway.Expo.URL,
			ExpoBatchSize: yamlCfg.PushGateway.Expo.BatchSize,
			PubSubProject: yamlCfg.PushGateway.PubSub.ProjectID,
			PubSubTopicID: yamlCfg.PushGateway.PubSub.TopicID,
		},
		Eureka: EurekaConfig{
			Enabled:           yamlCfg.Eureka.Enabled,
			Host:              yamlCfg.Eureka.Host,
			Port:              yamlCfg.Eureka.Port,
			ServicePath:       yamlCfg.Eureka.ServicePath,
			HeartbeatInterval: heartbeat,
		},
	}

	return appCfg, nil
}

func parseDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
