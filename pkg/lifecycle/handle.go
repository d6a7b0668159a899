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

package lifecycle

import (
	"context"
	"net"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

// handle is the runtime state of one logical connection: its paho client,
// FSM state and the patterns currently subscribed on the broker.
type handle struct {
	id       string
	state    atomicState
	patterns *topic.PatternSet

	// ctx is cancelled when the handle is torn down.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	client mqtt.Client
	// conn is the broker socket, set as soon as it is dialled.
	conn   net.Conn
	closed bool
}

func newHandle(id string) *handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		id:       id,
		patterns: topic.NewPatternSet(),
		ctx:      ctx,
		cancel:   cancel,
	}
	h.state.store(StateConnecting)
	return h
}

// setClient attaches c unless the handle was already torn down.
func (h *handle) setClient(c mqtt.Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.client = c
	return true
}

// setConn records the dialled socket unless the handle was already torn down.
func (h *handle) setConn(c net.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conn = c
	return true
}

func (h *handle) getClient() mqtt.Client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client
}

// close marks the handle closed and returns its client and socket. Only the
// first call returns ok.
func (h *handle) close() (mqtt.Client, net.Conn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, false
	}
	h.closed = true
	return h.client, h.conn, true
}

func (h *handle) done() bool {
	return h.ctx.Err() != nil
}
