// Copyright 2024 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway configuration from YAML or JSON files.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration is a time.Duration written as "15s" in YAML and JSON.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	*d = Duration(n)
	return nil
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// EmbeddedBrokerConfig starts an in-process MQTT broker for development.
type EmbeddedBrokerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// TLSConfig selects trust roots and an optional client certificate for
// tls and wss broker connections.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file" json:"ca_file"`
	CertFile           string `yaml:"cert_file" json:"cert_file"`
	KeyFile            string `yaml:"key_file" json:"key_file"`
	ServerName         string `yaml:"server_name" json:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
	MinVersion         string `yaml:"min_version" json:"min_version"`
}

// GatewayConfig configures the broker client lifecycle.
type GatewayConfig struct {
	NodeID            string               `yaml:"node_id" json:"node_id"`
	ConnectTimeout    Duration             `yaml:"connect_timeout" json:"connect_timeout"`
	OperationTimeout  Duration             `yaml:"operation_timeout" json:"operation_timeout"`
	DisconnectQuiesce Duration             `yaml:"disconnect_quiesce" json:"disconnect_quiesce"`
	KeepAlive         Duration             `yaml:"keep_alive" json:"keep_alive"`
	RestoreOnStart    bool                 `yaml:"restore_on_start" json:"restore_on_start"`
	TLS               TLSConfig            `yaml:"tls" json:"tls"`
	EmbeddedBroker    EmbeddedBrokerConfig `yaml:"embedded_broker" json:"embedded_broker"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	Shards              int `yaml:"shards" json:"shards"`
	QueueSize           int `yaml:"queue_size" json:"queue_size"`
	HighWaterMark       int `yaml:"high_water_mark" json:"high_water_mark"`
	RetentionCheckEvery int `yaml:"retention_check_every" json:"retention_check_every"`
}

// HubConfig configures the fan-out hub.
type HubConfig struct {
	BufferSize     int      `yaml:"buffer_size" json:"buffer_size"`
	PingInterval   Duration `yaml:"ping_interval" json:"ping_interval"`
	MaxMissedPongs int      `yaml:"max_missed_pongs" json:"max_missed_pongs"`
	WriteTimeout   Duration `yaml:"write_timeout" json:"write_timeout"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Address     string `yaml:"address" json:"address"`
	WSPath      string `yaml:"ws_path" json:"ws_path"`
	MetricsPath string `yaml:"metrics_path" json:"metrics_path"`
	// MetricsAddress serves the metrics on a separate listener when set.
	MetricsAddress  string   `yaml:"metrics_address" json:"metrics_address"`
	AllowedOrigins  []string `yaml:"allowed_origins" json:"allowed_origins"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StorageConfig selects the directory and message store backend.
type StorageConfig struct {
	Driver          string   `yaml:"driver" json:"driver"`
	DSN             string   `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig configures the cross-instance relay.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config holds the complete configuration.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`
	Ingest  IngestConfig  `yaml:"ingest" json:"ingest"`
	Hub     HubConfig     `yaml:"hub" json:"hub"`
	HTTP    HTTPConfig    `yaml:"http" json:"http"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Redis   RedisConfig   `yaml:"redis" json:"redis"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DefaultConfig returns a configuration that runs without external services.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			NodeID:            "mqtt-gateway",
			ConnectTimeout:    Duration(15 * time.Second),
			OperationTimeout:  Duration(10 * time.Second),
			DisconnectQuiesce: Duration(250 * time.Millisecond),
			KeepAlive:         Duration(30 * time.Second),
			EmbeddedBroker: EmbeddedBrokerConfig{
				Address: ":1883",
			},
		},
		Ingest: IngestConfig{
			Shards:              8,
			QueueSize:           1024,
			HighWaterMark:       100000,
			RetentionCheckEvery: 1000,
		},
		Hub: HubConfig{
			BufferSize:     64,
			PingInterval:   Duration(30 * time.Second),
			MaxMissedPongs: 2,
			WriteTimeout:   Duration(10 * time.Second),
		},
		HTTP: HTTPConfig{
			Address:         ":8080",
			WSPath:          "/ws",
			MetricsPath:     "/metrics",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Storage: StorageConfig{
			Driver:       DriverMemory,
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "mqtt-gateway:events",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads a configuration file on top of DefaultConfig. An empty
// path returns the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes cfg in the format chosen by the file extension.
func SaveConfig(cfg *Config, configPath string) error {
	var (
		data []byte
		err  error
	)
	ext := strings.ToLower(filepath.Ext(configPath))
	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validateConfig(c)
}

func validateConfig(cfg *Config) error {
	if cfg.Gateway.NodeID == "" {
		return fmt.Errorf("gateway.node_id cannot be empty")
	}
	if cfg.Gateway.ConnectTimeout <= 0 {
		return fmt.Errorf("gateway.connect_timeout must be positive")
	}
	if cfg.Gateway.OperationTimeout <= 0 {
		return fmt.Errorf("gateway.operation_timeout must be positive")
	}
	if (cfg.Gateway.TLS.CertFile == "") != (cfg.Gateway.TLS.KeyFile == "") {
		return fmt.Errorf("gateway.tls.cert_file and gateway.tls.key_file must be set together")
	}
	switch cfg.Gateway.TLS.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported gateway.tls.min_version: %s (supported: 1.2, 1.3)", cfg.Gateway.TLS.MinVersion)
	}
	if cfg.Gateway.EmbeddedBroker.Enabled && cfg.Gateway.EmbeddedBroker.Address == "" {
		return fmt.Errorf("gateway.embedded_broker.address cannot be empty")
	}

	if cfg.Ingest.Shards < 1 {
		return fmt.Errorf("ingest.shards must be at least 1")
	}
	if cfg.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.queue_size must be at least 1")
	}
	if cfg.Ingest.HighWaterMark < 0 {
		return fmt.Errorf("ingest.high_water_mark cannot be negative")
	}

	if cfg.Hub.BufferSize < 1 {
		return fmt.Errorf("hub.buffer_size must be at least 1")
	}
	if cfg.Hub.MaxMissedPongs < 1 {
		return fmt.Errorf("hub.max_missed_pongs must be at least 1")
	}
	if cfg.Hub.PingInterval <= 0 {
		return fmt.Errorf("hub.ping_interval must be positive")
	}

	if cfg.HTTP.Address == "" {
		return fmt.Errorf("http.address cannot be empty")
	}
	if !strings.HasPrefix(cfg.HTTP.WSPath, "/") {
		return fmt.Errorf("http.ws_path must start with '/'")
	}

	switch cfg.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for driver %s", cfg.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s (supported: memory, sqlite, postgres)", cfg.Storage.Driver)
	}

	if cfg.Redis.Enabled {
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr cannot be empty when the relay is enabled")
		}
		if cfg.Redis.Channel == "" {
			return fmt.Errorf("redis.channel cannot be empty when the relay is enabled")
		}
	}

	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s (supported: json, console)", cfg.Log.Format)
	}
	return nil
}
