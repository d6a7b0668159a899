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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/turtacn/mqtt-gateway/pkg/api"
	"github.com/turtacn/mqtt-gateway/pkg/config"
	"github.com/turtacn/mqtt-gateway/pkg/hub"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
	"github.com/turtacn/mqtt-gateway/pkg/storage/storagetest"
)

func execute(t *testing.T, args ...string) (string, error) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")

	_, err = execute(t, "config", "init", path)
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "config", "init", "--force", path)
	assert.NoError(t, err)

	out, err = execute(t, "config", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	_, err = execute(t, "config", "validate", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	dir, store, closer, err := openStorage(ctx, config.StorageConfig{Driver: config.DriverMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &storage.MemDirectory{}, dir)
	assert.NotNil(t, store)
	require.NoError(t, closer.Close())

	dsn := "file:" + filepath.Join(t.TempDir(), "gateway.db")
	dir, store, closer, err = openStorage(ctx, config.StorageConfig{Driver: config.DriverSQLite, DSN: dsn}, logger)
	require.NoError(t, err)
	conn := storagetest.NewConnection("alice")
	require.NoError(t, dir.Create(ctx, conn))
	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, closer.Close())

	_, _, _, err = openStorage(ctx, config.StorageConfig{Driver: "mongo"}, logger)
	assert.ErrorContains(t, err, "unsupported storage driver")
}

func TestBrokerTLS(t *testing.T) {
	logger := zaptest.NewLogger(t)

	cfg, err := brokerTLS(config.TLSConfig{}, logger)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = brokerTLS(config.TLSConfig{ServerName: "broker.internal", MinVersion: "1.3"}, logger)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "broker.internal", cfg.ServerName)

	_, err = brokerTLS(config.TLSConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}, logger)
	assert.ErrorContains(t, err, "broker TLS")
}

func TestAppEndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Gateway.EmbeddedBroker.Enabled = true
	cfg.Gateway.EmbeddedBroker.Address = "127.0.0.1:0"
	cfg.Gateway.ConnectTimeout = config.Duration(2 * time.Second)
	cfg.Gateway.OperationTimeout = config.Duration(2 * time.Second)
	cfg.Ingest.Shards = 2

	a, err := newApp(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, a.start(ctx, l))
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.stop(stopCtx))
	})
	base := "http://" + l.Addr().String()

	conn := storagetest.NewConnection("alice")
	conn.Host, conn.Port = a.broker.HostPort()
	require.NoError(t, a.dir.Create(ctx, conn))

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+l.Addr().String()+cfg.HTTP.WSPath, nil)
	require.NoError(t, err)
	defer ws.Close()

	post := func(path, body string) int {
		req, err := http.NewRequest(http.MethodPost, base+path, strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(api.OwnerHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode
	}

	require.Equal(t, http.StatusOK, post("/api/connections/"+conn.ID+"/connect", ""))
	require.Equal(t, http.StatusOK, post("/api/connections/"+conn.ID+"/subscribe", `{"pattern":"plant/#","qos":1}`))
	require.NoError(t, a.broker.Publish("plant/line1", []byte(`{"rpm":1200}`), false, 0))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var e hub.Event
		require.NoError(t, ws.ReadJSON(&e))
		if e.Type == hub.EventMessage {
			assert.Equal(t, conn.ID, e.ConnectionID)
			assert.Equal(t, "plant/line1", e.Topic)
			assert.Equal(t, `{"rpm":1200}`, string(e.Payload))
			break
		}
	}

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	var health api.APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, float64(1), health.Data.(map[string]any)["live_connections"])

	resp, err = http.Get(base + cfg.HTTP.MetricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "mqtt_gateway_messages_ingested_total")
}
