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

// Package lifecycle owns the live broker connections of the gateway.
//
// Each logical connection has at most one handle in the registry. Connect
// swaps a fresh handle in before any network work starts, so a later
// Connect or Disconnect always wins over an attempt still in flight: the
// stale attempt is discarded and its socket closed. Writes of the desired
// state to the directory are serialised per connection ID and only made by
// the handle that is current at the time of the write.
package lifecycle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/errdefs"
	"github.com/turtacn/mqtt-gateway/pkg/hub"
	"github.com/turtacn/mqtt-gateway/pkg/ingest"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

// Defaults for Options.
const (
	DefaultConnectTimeout    = 15 * time.Second
	DefaultOperationTimeout  = 10 * time.Second
	DefaultDisconnectQuiesce = 250 * time.Millisecond
	DefaultKeepAlive         = 30 * time.Second
)

// subackFailure is the SUBACK return code for a rejected filter.
const subackFailure = 0x80

var (
	// ErrSuperseded is returned to a Connect whose handle was replaced or
	// removed while it was connecting.
	ErrSuperseded = errors.New("connect superseded by a newer request")
	// ErrHandleClosed is returned when a handle is torn down while an
	// operation waits on it.
	ErrHandleClosed = errors.New("connection closed during operation")
	// ErrManagerClosed is returned after Shutdown.
	ErrManagerClosed = errors.New("lifecycle manager is shut down")
	// ErrSubscriptionRejected is returned when the broker refuses a filter.
	ErrSubscriptionRejected = errors.New("subscription rejected by broker")
)

// Sink receives messages delivered by broker clients.
type Sink interface {
	// Submit queues an inbound message without blocking.
	Submit(raw ingest.Raw) bool
	// Ingest records a message synchronously.
	Ingest(ctx context.Context, raw ingest.Raw) (*storage.IngestedMessage, error)
}

// ClientFactory creates a paho client. Tests replace it to observe clients.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Options configures a Manager.
type Options struct {
	ConnectTimeout    time.Duration
	OperationTimeout  time.Duration
	DisconnectQuiesce time.Duration
	KeepAlive         time.Duration
	// TLSConfig is used for tls and wss connections. ServerName defaults
	// to the connection host.
	TLSConfig *tls.Config
	NewClient ClientFactory
	Logger    *zap.Logger
}

// Manager is the broker client lifecycle manager.
type Manager struct {
	dir    storage.Directory
	sink   Sink
	events hub.Broadcaster
	opts   Options
	logger *zap.Logger

	locks *idLocks

	mu      sync.Mutex
	handles map[string]*handle
	closed  bool
}

// New creates a Manager. events may be nil.
func New(dir storage.Directory, sink Sink, events hub.Broadcaster, opts Options) *Manager {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = DefaultOperationTimeout
	}
	if opts.DisconnectQuiesce <= 0 {
		opts.DisconnectQuiesce = DefaultDisconnectQuiesce
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.NewClient == nil {
		opts.NewClient = mqtt.NewClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dir:     dir,
		sink:    sink,
		events:  events,
		opts:    opts,
		logger:  logger.Named("lifecycle"),
		locks:   newIDLocks(),
		handles: make(map[string]*handle),
	}
}

// Connect opens the broker connection of a logical connection. An existing
// handle for the same ID is torn down first. On success the desired state is
// persisted and every subscribed row is restored on the broker. A record
// deleted while connecting yields NotFound and no live handle.
func (m *Manager) Connect(ctx context.Context, id string) error {
	const op = "connect"
	log := m.logger.With(zap.String("connection_id", id))

	conn, err := m.dir.Get(ctx, id)
	if err != nil {
		return storeError(op, id, err)
	}

	h, old, err := m.attach(id)
	if err != nil {
		return err
	}
	if old != nil {
		log.Debug("Replacing existing handle", zap.Stringer("state", old.state.load()))
		m.teardown(old)
	}
	m.broadcastStatus(id, StatusConnecting, nil)

	client := m.opts.NewClient(m.clientOptions(conn, h))
	if !h.setClient(client) {
		metrics.ConnectAttemptsTotal.WithLabelValues("superseded").Inc()
		return errdefs.Timeout(op, id, ErrSuperseded)
	}

	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	token := client.Connect()
	select {
	case <-token.Done():
	case <-h.ctx.Done():
		metrics.ConnectAttemptsTotal.WithLabelValues("superseded").Inc()
		return errdefs.Timeout(op, id, ErrSuperseded)
	case <-cctx.Done():
		m.abandon(h)
		metrics.ConnectAttemptsTotal.WithLabelValues("failure").Inc()
		m.broadcastStatus(id, StatusError, cctx.Err())
		return errdefs.Timeout(op, id, cctx.Err())
	}

	if err := token.Error(); err != nil {
		if h.done() {
			metrics.ConnectAttemptsTotal.WithLabelValues("superseded").Inc()
			return errdefs.Timeout(op, id, ErrSuperseded)
		}
		h.state.store(StateError)
		m.abandon(h)
		metrics.ConnectAttemptsTotal.WithLabelValues("failure").Inc()
		log.Warn("Broker connect failed", zap.String("broker", conn.BrokerURL()), zap.Error(err))
		m.broadcastStatus(id, StatusError, err)
		return classify(op, id, err)
	}

	unlock := m.locks.lock(id)
	if !m.isCurrent(h) {
		unlock()
		m.teardown(h)
		metrics.ConnectAttemptsTotal.WithLabelValues("superseded").Inc()
		return errdefs.Timeout(op, id, ErrSuperseded)
	}
	connected, now := true, time.Now().UTC()
	_, err = m.dir.Update(ctx, id, storage.ConnectionUpdate{Connected: &connected, LastConnectedAt: &now})
	if errors.Is(err, storage.ErrNotFound) {
		// The record was deleted while the socket was opening.
		m.detach(id, h)
		unlock()
		m.teardown(h)
		h.state.store(StateIdle)
		metrics.ConnectAttemptsTotal.WithLabelValues("failure").Inc()
		log.Info("Connection deleted during connect")
		m.broadcastStatus(id, StatusDisconnected, nil)
		return errdefs.NotFound(op, id, err)
	}
	h.state.store(StateConnected)
	unlock()
	if err != nil {
		log.Warn("Failed to persist connected state", zap.Error(err))
	}

	metrics.ConnectAttemptsTotal.WithLabelValues("success").Inc()
	m.refreshGauge()
	log.Info("Broker connected", zap.String("broker", conn.BrokerURL()))
	m.broadcastStatus(id, StatusConnected, nil)

	m.resubscribe(ctx, h)
	return nil
}

// resubscribe restores every subscribed row on a fresh connection.
func (m *Manager) resubscribe(ctx context.Context, h *handle) {
	log := m.logger.With(zap.String("connection_id", h.id))
	subs, err := m.dir.ListSubscriptions(ctx, h.id)
	if err != nil {
		log.Warn("Failed to list subscriptions", zap.Error(err))
		return
	}
	filters := make(map[string]byte)
	for _, s := range subs {
		if s.Subscribed {
			filters[s.Pattern] = s.QoS
		}
	}
	if len(filters) == 0 {
		return
	}

	client := h.getClient()
	token := client.SubscribeMultiple(filters, nil)
	if err := m.await(ctx, h, "resubscribe", token); err != nil {
		log.Warn("Failed to restore subscriptions", zap.Int("count", len(filters)), zap.Error(err))
		return
	}
	granted := grantedCodes(token)
	for pattern, qos := range filters {
		if code, ok := granted[pattern]; ok && code == subackFailure {
			log.Warn("Broker rejected restored subscription", zap.String("pattern", pattern))
			continue
		}
		h.patterns.Add(pattern, qos)
	}
	log.Debug("Subscriptions restored", zap.Int("count", h.patterns.Len()))
}

// Disconnect closes the broker connection and persists the disconnected
// desired state. It succeeds when no handle exists.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	const op = "disconnect"

	unlock := m.locks.lock(id)
	h := m.detach(id, nil)
	_, err := m.dir.Update(ctx, id, storage.DesiredState(false))
	unlock()

	if h != nil {
		h.state.store(StateDisconnecting)
		m.teardown(h)
		h.state.store(StateIdle)
		m.logger.Info("Broker disconnected", zap.String("connection_id", id))
		m.broadcastStatus(id, StatusDisconnected, nil)
	}

	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errdefs.Internal(op, id, err)
	}
	return nil
}

// Subscribe subscribes the connection to pattern and records the row.
func (m *Manager) Subscribe(ctx context.Context, id, pattern string, qos byte) (*storage.Subscription, error) {
	const op = "subscribe"
	if err := topic.ValidateFilter(pattern); err != nil {
		return nil, errdefs.Protocol(op, id, err)
	}
	if qos > 2 {
		return nil, errdefs.Protocol(op, id, fmt.Errorf("invalid qos %d", qos))
	}
	h := m.connected(id)
	if h == nil {
		return nil, errdefs.NotConnected(op, id, nil)
	}

	token := h.getClient().Subscribe(pattern, qos, nil)
	if err := m.await(ctx, h, op, token); err != nil {
		return nil, err
	}
	if code, ok := grantedCodes(token)[pattern]; ok && code == subackFailure {
		return nil, errdefs.Protocol(op, id, ErrSubscriptionRejected)
	}

	sub, err := m.dir.UpsertSubscription(ctx, storage.Subscription{
		ConnectionID: id,
		Pattern:      pattern,
		QoS:          qos,
		Subscribed:   true,
	})
	if err != nil {
		return nil, storeError(op, id, err)
	}
	h.patterns.Add(pattern, qos)
	m.logger.Debug("Subscribed", zap.String("connection_id", id), zap.String("pattern", pattern), zap.Uint8("qos", qos))
	return sub, nil
}

// Unsubscribe removes pattern from the broker connection. The row is marked
// unsubscribed even when the broker does not acknowledge; the network error
// is returned afterwards.
func (m *Manager) Unsubscribe(ctx context.Context, id, pattern string) error {
	const op = "unsubscribe"
	if err := topic.ValidateFilter(pattern); err != nil {
		return errdefs.Protocol(op, id, err)
	}
	h := m.current(id)
	if h == nil {
		return errdefs.NotConnected(op, id, nil)
	}

	var netErr error
	if client := h.getClient(); client != nil && h.state.load() == StateConnected {
		netErr = m.await(ctx, h, op, client.Unsubscribe(pattern))
	} else {
		netErr = errdefs.NotConnected(op, id, nil)
	}

	if err := m.dir.MarkUnsubscribed(ctx, id, pattern); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storeError(op, id, err)
	}
	h.patterns.Remove(pattern)
	return netErr
}

// Publish sends a message on the broker connection and records it as an
// outbound message once acknowledged. A recording failure is logged; the
// returned message is then nil.
func (m *Manager) Publish(ctx context.Context, id, topicName string, payload []byte, qos byte, retain bool) (*storage.IngestedMessage, error) {
	const op = "publish"
	if err := topic.ValidateTopic(topicName); err != nil {
		return nil, errdefs.Protocol(op, id, err)
	}
	if qos > 2 {
		return nil, errdefs.Protocol(op, id, fmt.Errorf("invalid qos %d", qos))
	}
	h := m.connected(id)
	if h == nil {
		return nil, errdefs.NotConnected(op, id, nil)
	}

	token := h.getClient().Publish(topicName, qos, retain, payload)
	if err := m.await(ctx, h, op, token); err != nil {
		return nil, err
	}

	msg, err := m.sink.Ingest(ctx, ingest.Raw{
		ConnectionID: id,
		Topic:        topicName,
		Payload:      payload,
		QoS:          qos,
		Retain:       retain,
		Direction:    storage.DirectionOutbound,
		ReceivedAt:   time.Now(),
	})
	if err != nil {
		m.logger.Warn("Failed to record published message",
			zap.String("connection_id", id), zap.String("topic", topicName), zap.Error(err))
		return nil, nil
	}
	return msg, nil
}

// State returns the handle state of id, StateIdle when there is none.
func (m *Manager) State(id string) State {
	if h := m.current(id); h != nil {
		return h.state.load()
	}
	return StateIdle
}

// Connected reports whether id has a connected handle.
func (m *Manager) Connected(id string) bool {
	return m.State(id) == StateConnected
}

// Patterns returns the patterns subscribed on the broker connection of id.
func (m *Manager) Patterns(id string) []string {
	if h := m.current(id); h != nil {
		return h.patterns.Patterns()
	}
	return nil
}

// Count returns the number of connected handles.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handles {
		if h.state.load() == StateConnected {
			n++
		}
	}
	return n
}

// Restore connects every directory record whose desired state is connected.
// It returns the number of connections opened; failures are joined.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	conns, err := m.dir.List(ctx)
	if err != nil {
		return 0, errdefs.Internal("restore", "", err)
	}
	var (
		restored int
		errs     []error
	)
	for _, c := range conns {
		if !c.Connected {
			continue
		}
		if err := m.Connect(ctx, c.ID); err != nil {
			m.logger.Warn("Failed to restore connection", zap.String("connection_id", c.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		restored++
	}
	m.logger.Info("Connections restored", zap.Int("restored", restored), zap.Int("failed", len(errs)))
	return restored, errors.Join(errs...)
}

// Shutdown closes every handle. Desired states are left untouched so that
// Restore reopens them on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*handle, 0, len(m.handles))
	for id, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *handle) {
			defer wg.Done()
			m.teardown(h)
		}(h)
	}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("Lifecycle manager shut down", zap.Int("closed", len(handles)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) attach(id string) (h, old *handle, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, errdefs.Internal("connect", id, ErrManagerClosed)
	}
	h = newHandle(id)
	old = m.handles[id]
	m.handles[id] = h
	return h, old, nil
}

// detach removes the handle of id. When want is non-nil it is removed only if
// it is still the current handle.
func (m *Manager) detach(id string, want *handle) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[id]
	if !ok || (want != nil && h != want) {
		return nil
	}
	delete(m.handles, id)
	return h
}

func (m *Manager) current(id string) *handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}

func (m *Manager) isCurrent(h *handle) bool {
	return m.current(h.id) == h
}

func (m *Manager) connected(id string) *handle {
	h := m.current(id)
	if h == nil || h.state.load() != StateConnected {
		return nil
	}
	return h
}

// abandon drops a failed attempt from the registry if it is still current.
func (m *Manager) abandon(h *handle) {
	unlock := m.locks.lock(h.id)
	m.detach(h.id, h)
	unlock()
	m.teardown(h)
}

// teardown cancels the handle, clears its pattern set and closes its socket.
// A socket still in its MQTT handshake is closed directly, since paho leaves
// it open until the attempt finishes.
func (m *Manager) teardown(h *handle) {
	client, conn, ok := h.close()
	if !ok {
		return
	}
	h.cancel()
	h.patterns.Clear()
	handshaking := client == nil || !client.IsConnectionOpen()
	if client != nil {
		client.Disconnect(uint(m.opts.DisconnectQuiesce.Milliseconds()))
	}
	if conn != nil && handshaking {
		_ = conn.Close()
	}
	m.refreshGauge()
}

func (m *Manager) refreshGauge() {
	metrics.ConnectionsActive.Set(float64(m.Count()))
}

// await waits for token bounded by OperationTimeout, the caller's context
// and the lifetime of the handle.
func (m *Manager) await(ctx context.Context, h *handle, op string, token mqtt.Token) error {
	timer := time.NewTimer(m.opts.OperationTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return classify(op, h.id, err)
		}
		return nil
	case <-timer.C:
		return errdefs.Timeout(op, h.id, fmt.Errorf("no acknowledgement within %s", m.opts.OperationTimeout))
	case <-ctx.Done():
		return errdefs.Timeout(op, h.id, ctx.Err())
	case <-h.ctx.Done():
		return errdefs.NotConnected(op, h.id, ErrHandleClosed)
	}
}

func (m *Manager) clientOptions(conn *storage.LogicalConnection, h *handle) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(conn.BrokerURL()).
		SetClientID(conn.ClientID).
		SetCleanSession(true).
		SetKeepAlive(m.opts.KeepAlive).
		SetConnectTimeout(m.opts.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetCustomOpenConnectionFn(openConnection(h)).
		SetDefaultPublishHandler(m.onMessage(h)).
		SetConnectionLostHandler(m.onConnectionLost(h))
	if conn.Username != "" {
		opts.SetUsername(conn.Username)
	}
	if conn.Password != "" {
		opts.SetPassword(conn.Password)
	}
	if conn.Transport.Secure() {
		opts.SetTLSConfig(m.tlsConfig(conn))
	}
	return opts
}

func (m *Manager) tlsConfig(conn *storage.LogicalConnection) *tls.Config {
	var cfg *tls.Config
	if m.opts.TLSConfig != nil {
		cfg = m.opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = conn.Host
	}
	return cfg
}

// onMessage hands inbound messages of h to the sink. Messages arriving on a
// handle that is no longer current are dropped.
func (m *Manager) onMessage(h *handle) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if h.done() {
			return
		}
		raw := ingest.Raw{
			ConnectionID: h.id,
			Topic:        msg.Topic(),
			Payload:      msg.Payload(),
			QoS:          msg.Qos(),
			Retain:       msg.Retained(),
			Direction:    storage.DirectionInbound,
			ReceivedAt:   time.Now(),
		}
		if !m.sink.Submit(raw) {
			m.logger.Debug("Inbound message dropped", zap.String("connection_id", h.id), zap.String("topic", raw.Topic))
		}
	}
}

// onConnectionLost handles an unsolicited loss. There is no automatic retry.
func (m *Manager) onConnectionLost(h *handle) mqtt.ConnectionLostHandler {
	return func(_ mqtt.Client, cause error) {
		unlock := m.locks.lock(h.id)
		if m.detach(h.id, h) == nil {
			unlock()
			return
		}
		h.state.store(StateError)
		_, err := m.dir.Update(context.Background(), h.id, storage.DesiredState(false))
		unlock()

		m.teardown(h)
		metrics.ConnectionLostTotal.Inc()
		log := m.logger.With(zap.String("connection_id", h.id))
		log.Warn("Broker connection lost", zap.Error(cause))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Warn("Failed to persist disconnected state", zap.Error(err))
		}
		m.broadcastStatus(h.id, StatusError, cause)
	}
}

func (m *Manager) broadcastStatus(id, state string, cause error) {
	if m.events != nil {
		m.events.Broadcast(hub.StatusEvent(id, state, cause))
	}
}

func grantedCodes(token mqtt.Token) map[string]byte {
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		return st.Result()
	}
	return nil
}

// classify converts a paho error into the error taxonomy.
func classify(op, id string, err error) error {
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		return errdefs.NotConnected(op, id, err)
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedIDRejected),
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion),
		errors.Is(err, packets.ErrorProtocolViolation):
		return errdefs.Protocol(op, id, err)
	case errors.Is(err, packets.ErrorRefusedServerUnavailable),
		errors.Is(err, packets.ErrorNetworkError),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return errdefs.Timeout(op, id, err)
	}
	// Dial failures and tokens failed by a dropped connection.
	return errdefs.Timeout(op, id, err)
}

func storeError(op, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errdefs.NotFound(op, id, err)
	}
	return errdefs.Internal(op, id, err)
}
