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

// Package relay shares the fan-out stream between gateway instances over
// Redis pub/sub. Each instance broadcasts locally and publishes the event;
// events received from other instances are broadcast locally only.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/hub"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
)

// DefaultQueueSize bounds the events waiting to be published.
const DefaultQueueSize = 1024

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("relay already started")

// Options configures a Relay.
type Options struct {
	// NodeID tags published events so an instance ignores its own echo.
	NodeID    string
	Channel   string
	QueueSize int
	Logger    *zap.Logger
}

// envelope is the pub/sub payload.
type envelope struct {
	Origin string    `json:"origin"`
	Event  hub.Event `json:"event"`
}

// Relay is a hub.Broadcaster that also forwards events through Redis.
type Relay struct {
	client redis.UniversalClient
	local  hub.Broadcaster
	opts   Options
	logger *zap.Logger

	outbox chan []byte

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a relay in front of local.
func New(client redis.UniversalClient, local hub.Broadcaster, opts Options) *Relay {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		client: client,
		local:  local,
		opts:   opts,
		logger: logger.Named("relay").With(zap.String("channel", opts.Channel)),
		outbox: make(chan []byte, opts.QueueSize),
	}
}

// Broadcast delivers e locally and queues it for the other instances. It
// never blocks; when the outbox is full the event is only delivered locally.
func (r *Relay) Broadcast(e hub.Event) {
	r.local.Broadcast(e)

	data, err := json.Marshal(envelope{Origin: r.opts.NodeID, Event: e})
	if err != nil {
		metrics.RelayErrorsTotal.Inc()
		r.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	select {
	case r.outbox <- data:
	default:
		metrics.RelayErrorsTotal.Inc()
		r.logger.Warn("relay outbox full, event not forwarded", zap.String("connection_id", e.ConnectionID))
	}
}

// Start subscribes to the channel and starts the publish and receive loops.
// It returns once the subscription is confirmed.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	pubsub := r.client.Subscribe(ctx, r.opts.Channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.opts.Channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.publishLoop(ctx)
	}()
	go func() {
		defer r.wg.Done()
		defer pubsub.Close()
		r.receiveLoop(ctx, pubsub.Channel())
	}()

	r.logger.Info("relay started", zap.String("node_id", r.opts.NodeID))
	return nil
}

// Stop ends both loops and waits for them.
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-r.outbox:
			if err := r.client.Publish(ctx, r.opts.Channel, data).Err(); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.RelayErrorsTotal.Inc()
				r.logger.Warn("failed to publish event", zap.Error(err))
				continue
			}
			metrics.RelayMessagesTotal.WithLabelValues("published").Inc()
		}
	}
}

func (r *Relay) receiveLoop(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				metrics.RelayErrorsTotal.Inc()
				r.logger.Warn("failed to decode relayed event", zap.Error(err))
				continue
			}
			if env.Origin == r.opts.NodeID {
				continue
			}
			metrics.RelayMessagesTotal.WithLabelValues("received").Inc()
			r.local.Broadcast(env.Event)
		}
	}
}

var _ hub.Broadcaster = (*Relay)(nil)
