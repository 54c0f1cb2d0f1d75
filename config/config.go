package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT          MQTTConfig           `json:"mqtt" yaml:"mqtt"`
	Logging       LogConfig            `json:"logging" yaml:"logging"`
	Metrics       MetricsConfig        `json:"metrics" yaml:"metrics"`
	Client        ClientConfig         `json:"client" yaml:"client"`
	Relay         RelayConfig          `json:"relay" yaml:"relay"`
	Subscriptions []SubscriptionConfig `json:"subscriptions" yaml:"subscriptions"`
}

type MQTTConfig struct {
	Host              string `json:"host" yaml:"host"`
	Port              int    `json:"port" yaml:"port"`
	ClientID          string `json:"clientId" yaml:"clientId"`
	Username          string `json:"username" yaml:"username"`
	Password          string `json:"password" yaml:"password"`
	Keepalive         string `json:"keepalive" yaml:"keepalive"` // Duration string
	PersistentSession bool   `json:"persistentSession" yaml:"persistentSession"`
	Engine            string `json:"engine" yaml:"engine"`                   // native or paho
	ProtocolVersion   int    `json:"protocolVersion" yaml:"protocolVersion"` // 4 (3.1.1) or 5
	TLS               struct {
		Enable   bool   `json:"enable" yaml:"enable"`
		CertFile string `json:"certFile" yaml:"certFile"`
		KeyFile  string `json:"keyFile" yaml:"keyFile"`
		CAFile   string `json:"caFile" yaml:"caFile"`
	} `json:"tls" yaml:"tls"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string `json:"outputPath" yaml:"outputPath"` // file path or "stdout"
	Encoding   string `json:"encoding" yaml:"encoding"`     // json or console
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

// ClientConfig tunes the async bridge.
type ClientConfig struct {
	MiscInterval     string `json:"miscInterval" yaml:"miscInterval"`
	OperationTimeout string `json:"operationTimeout" yaml:"operationTimeout"` // empty or "0s" disables
	FlushMinInterval string `json:"flushMinInterval" yaml:"flushMinInterval"`
	FlushMaxInterval string `json:"flushMaxInterval" yaml:"flushMaxInterval"`
	DisableQueue     bool   `json:"disableQueue" yaml:"disableQueue"`
	Limit            int    `json:"limit" yaml:"limit"` // disconnect after this many messages, 0 = never
}

type RelayConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	URL           string `json:"url" yaml:"url"`
	ClientID      string `json:"clientId" yaml:"clientId"`
	SubjectPrefix string `json:"subjectPrefix" yaml:"subjectPrefix"`
}

type SubscriptionConfig struct {
	Topic string `json:"topic" yaml:"topic"`
	QoS   byte   `json:"qos" yaml:"qos"`
}

// Engine kinds
const (
	EngineNative = "native"
	EnginePaho   = "paho"
)

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are decoded as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	// Validate the configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults fills every unset field with its default value
func (c *Config) SetDefaults() {
	// Set defaults for mqtt
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.Keepalive == "" {
		c.MQTT.Keepalive = "60s"
	}
	if c.MQTT.Engine == "" {
		c.MQTT.Engine = EngineNative
	}
	if c.MQTT.ProtocolVersion == 0 {
		c.MQTT.ProtocolVersion = 4
	}

	// Set defaults for logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	// Set defaults for metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}

	// Set defaults for the client
	if c.Client.MiscInterval == "" {
		c.Client.MiscInterval = "1s"
	}
	if c.Client.OperationTimeout == "" {
		c.Client.OperationTimeout = "0s"
	}
	if c.Client.FlushMinInterval == "" {
		c.Client.FlushMinInterval = "5ms"
	}
	if c.Client.FlushMaxInterval == "" {
		c.Client.FlushMaxInterval = "100ms"
	}

	// Set defaults for the relay
	if c.Relay.URL == "" {
		c.Relay.URL = "nats://127.0.0.1:4222"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate MQTT config
	if cfg.MQTT.Host == "" {
		return fmt.Errorf("mqtt host is required")
	}
	if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("invalid mqtt port: %d", cfg.MQTT.Port)
	}
	keepalive, err := time.ParseDuration(cfg.MQTT.Keepalive)
	if err != nil {
		return fmt.Errorf("invalid mqtt keepalive: %w", err)
	}
	if keepalive < time.Second || keepalive > 65535*time.Second {
		return fmt.Errorf("mqtt keepalive out of range: %s", keepalive)
	}

	switch cfg.MQTT.Engine {
	case EngineNative:
		if cfg.MQTT.TLS.Enable {
			return fmt.Errorf("tls is only supported by the %s engine", EnginePaho)
		}
	case EnginePaho:
		if cfg.MQTT.ProtocolVersion == 5 {
			return fmt.Errorf("mqtt protocol version 5 is only supported by the %s engine", EngineNative)
		}
	default:
		return fmt.Errorf("invalid mqtt engine: %s", cfg.MQTT.Engine)
	}
	if cfg.MQTT.ProtocolVersion != 4 && cfg.MQTT.ProtocolVersion != 5 {
		return fmt.Errorf("invalid mqtt protocol version: %d", cfg.MQTT.ProtocolVersion)
	}

	// Validate TLS config if enabled
	if cfg.MQTT.TLS.Enable {
		if cfg.MQTT.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	// Validate client config
	for name, value := range map[string]string{
		"misc interval":      cfg.Client.MiscInterval,
		"operation timeout":  cfg.Client.OperationTimeout,
		"flush min interval": cfg.Client.FlushMinInterval,
		"flush max interval": cfg.Client.FlushMaxInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	misc, _, flushMin, flushMax := cfg.Client.Durations()
	if misc == 0 {
		return fmt.Errorf("misc interval must be greater than 0")
	}
	if flushMin == 0 || flushMax < flushMin {
		return fmt.Errorf("flush intervals must satisfy 0 < min <= max")
	}
	if cfg.Client.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}

	// Validate relay config
	if cfg.Relay.Enabled && cfg.Relay.URL == "" {
		return fmt.Errorf("relay url is required when relay is enabled")
	}

	// Validate subscriptions
	for _, sub := range cfg.Subscriptions {
		if sub.Topic == "" {
			return fmt.Errorf("subscription topic must not be empty")
		}
		if sub.QoS > 2 {
			return fmt.Errorf("invalid qos %d for topic %s", sub.QoS, sub.Topic)
		}
	}

	return nil
}

// KeepaliveDuration returns the parsed keepalive interval
func (m *MQTTConfig) KeepaliveDuration() time.Duration {
	d, _ := time.ParseDuration(m.Keepalive)
	return d
}

// Durations returns the parsed client intervals: misc, operation timeout,
// flush min and flush max.
func (c *ClientConfig) Durations() (misc, opTimeout, flushMin, flushMax time.Duration) {
	misc, _ = time.ParseDuration(c.MiscInterval)
	opTimeout, _ = time.ParseDuration(c.OperationTimeout)
	flushMin, _ = time.ParseDuration(c.FlushMinInterval)
	flushMax, _ = time.ParseDuration(c.FlushMaxInterval)
	return misc, opTimeout, flushMin, flushMax
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(host string, port int, clientID, engine string, topics []string, qos int, limit int, metricsAddr string) {
	if host != "" {
		c.MQTT.Host = host
	}
	if port > 0 {
		c.MQTT.Port = port
	}
	if clientID != "" {
		c.MQTT.ClientID = clientID
	}
	if engine != "" {
		c.MQTT.Engine = engine
	}
	if len(topics) > 0 {
		c.Subscriptions = c.Subscriptions[:0]
		for _, topic := range topics {
			c.Subscriptions = append(c.Subscriptions, SubscriptionConfig{Topic: topic, QoS: byte(qos)})
		}
	}
	if limit > 0 {
		c.Client.Limit = limit
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
		c.Metrics.Enabled = true
	}
}

// Validate re-runs validation, used after overrides are applied
func (c *Config) Validate() error {
	return validateConfig(c)
}
