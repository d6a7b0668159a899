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

package metrics

import (
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(IngestDroppedTotal)
	IngestDroppedTotal.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(IngestDroppedTotal))

	SupervisorRestartsTotal.WithLabelValues("shard-0").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(SupervisorRestartsTotal.WithLabelValues("shard-0")), 1.0)
}

func TestNewServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(listener.Addr().String(), "/metrics")
	go func() { _ = srv.Serve(listener) }()
	defer srv.Close()

	ConnectAttemptsTotal.WithLabelValues("success").Inc()
	HubDroppedTotal.Inc()

	resp, err := http.Get("http://" + listener.Addr().String() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "mqtt_gateway_connect_attempts_total")
	assert.Contains(t, string(body), "mqtt_gateway_hub_dropped_total")
}
