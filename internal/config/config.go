package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goveelink/internal/scenes"
)

const (
	BackendCloud = "cloud"
	BackendLocal = "local"
)

type Config struct {
	Backend string      `yaml:"backend"`
	Cloud   CloudConfig `yaml:"cloud"`
	Local   LocalConfig `yaml:"local"`
	MQTT    MQTTConfig  `yaml:"mqtt"`
	Log     LogConfig   `yaml:"log"`

	Scenes []scenes.Scene `yaml:"scenes"`
}

type CloudConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

type LocalConfig struct {
	SweepInterval string `yaml:"sweep_interval"`
}

type MQTTConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Broker          string `yaml:"broker"`
	ClientID        string `yaml:"client_id"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	TopicPrefix     string `yaml:"topic_prefix"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	SyncInterval    string `yaml:"sync_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in data before decoding it.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = BackendLocal
	}
	if c.Cloud.Timeout == "" {
		c.Cloud.Timeout = "15s"
	}
	if c.Local.SweepInterval == "" {
		c.Local.SweepInterval = "5s"
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = "tcp://localhost:1883"
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "goveelink"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "goveelink"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.SyncInterval == "" {
		c.MQTT.SyncInterval = "30s"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendCloud:
		if c.Cloud.APIKey == "" {
			return fmt.Errorf("cloud backend requires cloud.api_key")
		}
	case BackendLocal:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	for name, v := range map[string]string{
		"cloud.timeout":        c.Cloud.Timeout,
		"local.sweep_interval": c.Local.SweepInterval,
		"mqtt.sync_interval":   c.MQTT.SyncInterval,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if err := scenes.Validate(c.Scenes); err != nil {
		return fmt.Errorf("invalid scenes: %w", err)
	}
	return nil
}

// Duration parses a duration already checked by Validate.
func Duration(v string) time.Duration {
	d, _ := time.ParseDuration(v)
	return d
}
