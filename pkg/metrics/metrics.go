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

// Package metrics provides the Prometheus collectors of the gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqtt_gateway"

var (
	// ConnectionsActive is the number of live broker client handles.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "Number of broker connections currently held by the lifecycle manager.",
	})

	// ConnectAttemptsTotal counts connect attempts by result.
	ConnectAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_attempts_total",
		Help:      "Broker connect attempts partitioned by result.",
	}, []string{"result"})

	// ConnectionLostTotal counts unsolicited broker disconnects.
	ConnectionLostTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_lost_total",
		Help:      "Broker connections lost without a disconnect request.",
	})

	// MessagesIngestedTotal counts persisted messages by direction.
	MessagesIngestedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_ingested_total",
		Help:      "Messages persisted by the ingestion pipeline.",
	}, []string{"direction"})

	// IngestDroppedTotal counts messages dropped because a shard queue was full.
	IngestDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_dropped_total",
		Help:      "Inbound messages dropped because the ingestion queue was full.",
	})

	// IngestQueueDepth is the number of messages waiting in the shard queues.
	IngestQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ingest_queue_depth",
		Help:      "Inbound messages queued for asynchronous ingestion.",
	})

	// IngestErrorsTotal counts ingestion failures by stage.
	IngestErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_errors_total",
		Help:      "Ingestion failures partitioned by pipeline stage.",
	}, []string{"stage"})

	// IngestDuration observes the synchronous ingest latency.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ingest_duration_seconds",
		Help:      "Time spent persisting and fanning out one message.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	// MessagesPrunedTotal counts messages removed by retention.
	MessagesPrunedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_pruned_total",
		Help:      "Messages deleted by the retention worker.",
	})

	// HubSessions is the number of registered fan-out sessions.
	HubSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_sessions",
		Help:      "Number of registered real-time sessions.",
	})

	// HubEventsTotal counts events broadcast by type.
	HubEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_events_total",
		Help:      "Events broadcast to real-time sessions partitioned by type.",
	}, []string{"type"})

	// HubDroppedTotal counts events discarded from full session buffers.
	HubDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_dropped_total",
		Help:      "Events dropped from slow session buffers.",
	})

	// HubEvictedTotal counts sessions removed by the heartbeat.
	HubEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_evicted_total",
		Help:      "Sessions unregistered after missing heartbeats.",
	})

	// RelayMessagesTotal counts relay traffic by direction (published|received).
	RelayMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_messages_total",
		Help:      "Events exchanged with other gateway instances.",
	}, []string{"direction"})

	// RelayErrorsTotal counts relay failures.
	RelayErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_errors_total",
		Help:      "Failures publishing to or decoding from the relay channel.",
	})

	// SupervisorRestartsTotal counts restarts of supervised workers.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "The total number of times a supervised worker has been restarted.",
	}, []string{"actor_id"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns an HTTP server exposing the metrics at path.
func NewServer(addr, path string) *http.Server {
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
