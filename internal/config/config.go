package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/tailscale/hujson"
)

// EnvPrefix is prepended to every environment override, as in
// BRIDGE_SERVER_AUTH_TOKEN.
const EnvPrefix = "BRIDGE"

const (
	TransportMock = "mock"
	TransportWS   = "ws"
	TransportNATS = "nats"
)

type Config struct {
	Server     ServerConfig `json:"server" split_words:"true"`
	Store      StoreConfig  `json:"store" split_words:"true"`
	NATS       NATSConfig   `json:"nats" split_words:"true"`
	Frame      FrameConfig  `json:"frame" split_words:"true"`
	SchemaPath string       `json:"schema_path" split_words:"true"`
	LogLevel   string       `json:"log_level" split_words:"true"`
}

type ServerConfig struct {
	ListenAddr string `json:"listen_addr" split_words:"true"`
	Host       string `json:"host" split_words:"true"`
	Port       int    `json:"port" split_words:"true"`
	FramePath  string `json:"frame_path" split_words:"true"`
	AuthToken  string `json:"auth_token" split_words:"true"`
}

type StoreConfig struct {
	RedisAddr  string `json:"redis_addr" split_words:"true"`
	TTLSeconds int    `json:"ttl_seconds" split_words:"true"`
}

// NATSConfig enables the NATS relay on the host and the nats transport on
// frames. An empty URL disables both.
type NATSConfig struct {
	URL           string `json:"url" split_words:"true"`
	Name          string `json:"name" split_words:"true"`
	SubjectPrefix string `json:"subject_prefix" split_words:"true"`
}

type FrameConfig struct {
	Transport     string `json:"transport" split_words:"true"`
	HostURL       string `json:"host_url" split_words:"true"`
	FrameID       string `json:"frame_id" split_words:"true"`
	APIVersion    int    `json:"api_version" split_words:"true"`
	ResizeDelayMS int    `json:"resize_delay_ms" split_words:"true"`
	Policy        string `json:"policy" split_words:"true"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			FramePath:  "/ws/frame",
		},
		Store: StoreConfig{
			TTLSeconds: 86400,
		},
		NATS: NATSConfig{
			Name:          "framebridge",
			SubjectPrefix: "bridge.frames",
		},
		Frame: FrameConfig{
			Transport:     TransportMock,
			HostURL:       "ws://127.0.0.1:8080/ws/frame",
			APIVersion:    1,
			ResizeDelayMS: 100,
			Policy:        "authoritative",
		},
		LogLevel: "info",
	}
}

// Load reads path over the defaults and then applies BRIDGE_* environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config failed: %w", err)
		}
		std, err := hujson.Standardize(content)
		if err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config failed: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("read env overrides failed: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.Server.FramePath == "" {
		c.Server.FramePath = "/ws/frame"
	}
	if c.Server.Host != "" && c.Server.Port > 0 {
		c.Server.ListenAddr = fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Store.TTLSeconds <= 0 {
		c.Store.TTLSeconds = 86400
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "bridge.frames"
	}
	if c.Frame.APIVersion <= 0 {
		c.Frame.APIVersion = 1
	}
	if c.Frame.ResizeDelayMS <= 0 {
		c.Frame.ResizeDelayMS = 100
	}
	if c.Frame.Policy == "" {
		c.Frame.Policy = "authoritative"
	}
	switch c.Frame.Transport {
	case "":
		c.Frame.Transport = TransportMock
	case TransportMock, TransportWS:
	case TransportNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("frame transport nats needs nats.url")
		}
	default:
		return fmt.Errorf("unknown frame transport %q", c.Frame.Transport)
	}
	return nil
}

func (c Config) StoreTTL() time.Duration {
	return time.Duration(c.Store.TTLSeconds) * time.Second
}

func (c Config) ResizeDelay() time.Duration {
	return time.Duration(c.Frame.ResizeDelayMS) * time.Millisecond
}
