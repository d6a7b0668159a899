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

// package broker runs an embedded MQTT broker for development setups and
// integration tests.
package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned by operations that need a running broker.
	ErrNotStarted = errors.New("broker not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("broker already started")
)

// Broker wraps a mochi-mqtt server with a single TCP listener that accepts
// every client.
type Broker struct {
	addr   string
	logger *zap.Logger

	mu     sync.Mutex
	server *mqtt.Server
}

// New creates a broker that will listen on addr. A zero port picks a free one.
func New(addr string, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{addr: addr, logger: logger.Named("broker")}
}

// Start binds the listener and starts serving.
func (b *Broker) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server != nil {
		return ErrAlreadyStarted
	}

	addr, err := resolveAddr(b.addr)
	if err != nil {
		return err
	}

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return fmt.Errorf("failed to add auth hook: %w", err)
	}
	tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})
	if err := server.AddListener(tcp); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			b.logger.Error("Embedded broker stopped", zap.Error(err))
		}
	}()

	b.server = server
	b.addr = addr
	b.logger.Info("Embedded MQTT broker listening", zap.String("addr", addr))
	return nil
}

// Addr returns the listen address. After Start it carries the real port.
func (b *Broker) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.addr
}

// HostPort splits Addr for building connection records.
func (b *Broker) HostPort() (string, int) {
	addr, _ := net.ResolveTCPAddr("tcp", b.Addr())
	if addr == nil {
		return "", 0
	}
	host := addr.IP.String()
	if addr.IP == nil || addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return host, addr.Port
}

// Publish injects a message as if a client had published it.
func (b *Broker) Publish(topic string, payload []byte, retain bool, qos byte) error {
	server, err := b.running()
	if err != nil {
		return err
	}
	return server.Publish(topic, payload, retain, qos)
}

// Kick drops the connection of clientID and reports whether it was found.
func (b *Broker) Kick(clientID string) bool {
	server, err := b.running()
	if err != nil {
		return false
	}
	cl, ok := server.Clients.Get(clientID)
	if !ok {
		return false
	}
	cl.Stop(errors.New("kicked by embedded broker"))
	return true
}

// Close stops the listener and disconnects every client.
func (b *Broker) Close() error {
	b.mu.Lock()
	server := b.server
	b.server = nil
	b.mu.Unlock()
	if server == nil {
		return nil
	}
	b.logger.Info("Embedded MQTT broker stopping")
	return server.Close()
}

func (b *Broker) running() (*mqtt.Server, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.server == nil {
		return nil, ErrNotStarted
	}
	return b.server, nil
}

// resolveAddr replaces a zero port with a free one.
func resolveAddr(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid broker address %q: %w", addr, err)
	}
	if port != "0" {
		return addr, nil
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}
