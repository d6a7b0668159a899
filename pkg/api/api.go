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

// Package api exposes the gateway facade over REST. Authentication is done
// upstream; the caller identity arrives in the X-Owner-ID header.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/errdefs"
	"github.com/turtacn/mqtt-gateway/pkg/gateway"
	"github.com/turtacn/mqtt-gateway/pkg/monitor"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
)

// OwnerHeader carries the authenticated owner of a request.
const OwnerHeader = "X-Owner-ID"

const maxBodyBytes = 1 << 20

// Facade is the part of the gateway the API serves.
type Facade interface {
	Connect(ctx context.Context, ownerID, id string) error
	Disconnect(ctx context.Context, ownerID, id string) error
	Subscribe(ctx context.Context, ownerID, id, pattern string, qos byte) (*storage.Subscription, error)
	Unsubscribe(ctx context.Context, ownerID, id, pattern string) error
	Publish(ctx context.Context, ownerID, id, topic string, payload []byte, qos byte, retain bool) (*storage.IngestedMessage, error)
	Status(ctx context.Context, ownerID, id string) (*gateway.Status, error)
	Delete(ctx context.Context, ownerID, id string) error
	Messages(ctx context.Context, ownerID, id string, limit int) ([]storage.IngestedMessage, error)
	TopicKeys(ctx context.Context, topic string) ([]storage.TopicKey, error)
	KeyHistory(ctx context.Context, topic, key string, limit int) ([]storage.KeyValuePoint, error)
	LiveConnections() int
}

// APIResponse is the envelope of every response.
type APIResponse struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// SubscribeRequest is the body of the subscribe route.
type SubscribeRequest struct {
	Pattern string `json:"pattern"`
	QoS     byte   `json:"qos"`
}

// UnsubscribeRequest is the body of the unsubscribe route.
type UnsubscribeRequest struct {
	Pattern string `json:"pattern"`
}

// PublishRequest is the body of the publish route. With Encoding "base64"
// the payload is decoded before publishing.
type PublishRequest struct {
	Topic    string `json:"topic"`
	Payload  string `json:"payload"`
	Encoding string `json:"encoding,omitempty"`
	QoS      byte   `json:"qos"`
	Retain   bool   `json:"retain"`
}

// APIServer serves the REST routes.
type APIServer struct {
	gw     Facade
	health *monitor.HealthChecker
	logger *zap.Logger
}

// NewAPIServer creates an APIServer.
func NewAPIServer(gw Facade, logger *zap.Logger) *APIServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIServer{gw: gw, logger: logger.Named("api")}
}

// SetHealthChecker makes /healthz run hc and answer 503 while a critical
// check fails.
func (s *APIServer) SetHealthChecker(hc *monitor.HealthChecker) {
	s.health = hc
}

// RegisterRoutes registers all API routes.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/connections/{id}/connect", s.owned(s.handleConnect))
	mux.HandleFunc("POST /api/connections/{id}/disconnect", s.owned(s.handleDisconnect))
	mux.HandleFunc("POST /api/connections/{id}/subscribe", s.owned(s.handleSubscribe))
	mux.HandleFunc("POST /api/connections/{id}/unsubscribe", s.owned(s.handleUnsubscribe))
	mux.HandleFunc("POST /api/connections/{id}/publish", s.owned(s.handlePublish))
	mux.HandleFunc("GET /api/connections/{id}/status", s.owned(s.handleStatus))
	mux.HandleFunc("GET /api/connections/{id}/messages", s.owned(s.handleMessages))
	mux.HandleFunc("DELETE /api/connections/{id}", s.owned(s.handleDelete))
	mux.HandleFunc("GET /api/topics/keys", s.owned(s.handleTopicKeys))
	mux.HandleFunc("GET /api/topics/history", s.owned(s.handleKeyHistory))
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the routes wrapped with request logging.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

type ownedHandler func(w http.ResponseWriter, r *http.Request, owner string)

// owned rejects requests without an owner.
func (s *APIServer) owned(next ownedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(OwnerHeader)
		if owner == "" {
			s.writeError(w, http.StatusUnauthorized, "", "missing "+OwnerHeader+" header")
			return
		}
		next(w, r, owner)
	}
}

func (s *APIServer) handleConnect(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	if err := s.gw.Connect(r.Context(), owner, id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"id": id, "state": "connected"})
}

func (s *APIServer) handleDisconnect(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	if err := s.gw.Disconnect(r.Context(), owner, id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"id": id, "state": "disconnected"})
}

func (s *APIServer) handleSubscribe(w http.ResponseWriter, r *http.Request, owner string) {
	var req SubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	sub, err := s.gw.Subscribe(r.Context(), owner, r.PathValue("id"), req.Pattern, req.QoS)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, sub)
}

func (s *APIServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request, owner string) {
	var req UnsubscribeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.gw.Unsubscribe(r.Context(), owner, r.PathValue("id"), req.Pattern); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"pattern": req.Pattern})
}

func (s *APIServer) handlePublish(w http.ResponseWriter, r *http.Request, owner string) {
	var req PublishRequest
	if !s.decode(w, r, &req) {
		return
	}
	payload := []byte(req.Payload)
	switch req.Encoding {
	case "":
	case "base64":
		decoded, err := base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "", "payload is not valid base64")
			return
		}
		payload = decoded
	default:
		s.writeError(w, http.StatusBadRequest, "", "unsupported encoding "+strconv.Quote(req.Encoding))
		return
	}

	msg, err := s.gw.Publish(r.Context(), owner, r.PathValue("id"), req.Topic, payload, req.QoS, req.Retain)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if msg == nil {
		s.writeSuccess(w, map[string]string{"topic": req.Topic})
		return
	}
	s.writeSuccess(w, msg)
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request, owner string) {
	status, err := s.gw.Status(r.Context(), owner, r.PathValue("id"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, status)
}

func (s *APIServer) handleMessages(w http.ResponseWriter, r *http.Request, owner string) {
	msgs, err := s.gw.Messages(r.Context(), owner, r.PathValue("id"), queryLimit(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, msgs)
}

func (s *APIServer) handleDelete(w http.ResponseWriter, r *http.Request, owner string) {
	id := r.PathValue("id")
	if err := s.gw.Delete(r.Context(), owner, id); err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, map[string]string{"id": id})
}

func (s *APIServer) handleTopicKeys(w http.ResponseWriter, r *http.Request, _ string) {
	keys, err := s.gw.TopicKeys(r.Context(), r.URL.Query().Get("topic"))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, keys)
}

func (s *APIServer) handleKeyHistory(w http.ResponseWriter, r *http.Request, _ string) {
	q := r.URL.Query()
	points, err := s.gw.KeyHistory(r.Context(), q.Get("topic"), q.Get("key"), queryLimit(r))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	s.writeSuccess(w, points)
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"status":           "ok",
		"live_connections": s.gw.LiveConnections(),
	}
	if s.health == nil {
		s.writeSuccess(w, data)
		return
	}

	status := s.health.RunChecks(r.Context())
	data["status"] = status.Status
	data["checks"] = status.Checks
	data["system_info"] = status.SystemInfo
	data["uptime"] = status.Uptime
	if !status.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Code:    http.StatusServiceUnavailable,
			Kind:    "unavailable",
			Message: "critical health check failed",
			Data:    data,
		})
		return
	}
	s.writeSuccess(w, data)
}

func (s *APIServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return limit
}

// statusFor maps the error taxonomy to HTTP status codes.
func statusFor(err error) (int, string) {
	switch errdefs.KindOf(err) {
	case errdefs.ErrNotFound:
		return http.StatusNotFound, "not_found"
	case errdefs.ErrNotConnected:
		return http.StatusConflict, "not_connected"
	case errdefs.ErrTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case errdefs.ErrProtocol:
		return http.StatusUnprocessableEntity, "protocol_error"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *APIServer) writeFailure(w http.ResponseWriter, err error) {
	code, kind := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeError(w, code, kind, err.Error())
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, APIResponse{Code: 0, Data: data})
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, kind, message string) {
	s.writeJSON(w, statusCode, APIResponse{Code: statusCode, Kind: kind, Message: message})
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}
