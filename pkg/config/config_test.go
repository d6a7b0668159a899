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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 15*time.Second, cfg.Gateway.ConnectTimeout.Std())
	assert.Equal(t, 10*time.Second, cfg.Gateway.OperationTimeout.Std())
	assert.Equal(t, 64, cfg.Hub.BufferSize)
	assert.Equal(t, 2, cfg.Hub.MaxMissedPongs)
	assert.Equal(t, DriverMemory, cfg.Storage.Driver)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoadConfigYAML(t *testing.T) {
	yamlContent := `
gateway:
  node_id: node-a
  connect_timeout: 5s
  restore_on_start: true
ingest:
  shards: 4
  high_water_mark: 500
hub:
  buffer_size: 16
  ping_interval: 1m
storage:
  driver: sqlite
  dsn: file:/tmp/gateway.db
redis:
  enabled: true
  addr: redis:6379
  channel: events
`
	path := createTempFile(t, "config.yaml", yamlContent)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Gateway.NodeID)
	assert.Equal(t, 5*time.Second, cfg.Gateway.ConnectTimeout.Std())
	assert.True(t, cfg.Gateway.RestoreOnStart)
	assert.Equal(t, 4, cfg.Ingest.Shards)
	assert.Equal(t, 500, cfg.Ingest.HighWaterMark)
	assert.Equal(t, 16, cfg.Hub.BufferSize)
	assert.Equal(t, time.Minute, cfg.Hub.PingInterval.Std())
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.True(t, cfg.Redis.Enabled)

	// Unset fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Gateway.OperationTimeout.Std())
	assert.Equal(t, 1024, cfg.Ingest.QueueSize)
}

func TestLoadConfigJSON(t *testing.T) {
	jsonContent := `{
  "gateway": {"node_id": "json-node", "operation_timeout": "3s"},
  "hub": {"write_timeout": 2000000000},
  "log": {"level": "debug", "format": "console"}
}`
	path := createTempFile(t, "config.json", jsonContent)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "json-node", cfg.Gateway.NodeID)
	assert.Equal(t, 3*time.Second, cfg.Gateway.OperationTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Hub.WriteTimeout.Std())
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigNonExistent(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		contains string
	}{
		{"bad yaml", "c.yaml", "gateway: [", "failed to parse"},
		{"bad duration", "c.yaml", "gateway:\n  connect_timeout: soon\n", "invalid duration"},
		{"unsupported extension", "c.toml", "", "unsupported config file format"},
		{"sqlite without dsn", "c.yaml", "storage:\n  driver: sqlite\n", "storage.dsn is required"},
		{"unknown driver", "c.yaml", "storage:\n  driver: mongo\n", "unsupported storage driver"},
		{"zero shards", "c.json", `{"ingest":{"shards":0}}`, "ingest.shards"},
		{"relay without channel", "c.yaml", "redis:\n  enabled: true\n  channel: \"\"\n", "redis.channel"},
		{"bad ws path", "c.yaml", "http:\n  ws_path: ws\n", "http.ws_path"},
		{"tls cert without key", "c.yaml", "gateway:\n  tls:\n    cert_file: client.crt\n", "must be set together"},
		{"tls version", "c.yaml", "gateway:\n  tls:\n    min_version: \"1.1\"\n", "gateway.tls.min_version"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(createTempFile(t, tt.filename, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	for _, name := range []string{"out.yaml", "out.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Gateway.NodeID = "saved"
			cfg.Hub.PingInterval = Duration(45 * time.Second)
			cfg.HTTP.AllowedOrigins = []string{"https://dashboard.example.com"}

			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, SaveConfig(cfg, path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, cfg, loaded)
		})
	}

	assert.Error(t, SaveConfig(DefaultConfig(), filepath.Join(t.TempDir(), "out.ini")))
}

func createTempFile(t *testing.T, filename, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}
