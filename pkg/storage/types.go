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

package storage

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/turtacn/mqtt-gateway/pkg/extract"
)

// Transport is the network transport used to reach a broker.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
	TransportWS  Transport = "ws"
	TransportWSS Transport = "wss"
)

// Valid reports whether t is a supported transport.
func (t Transport) Valid() bool {
	switch t {
	case TransportTCP, TransportTLS, TransportWS, TransportWSS:
		return true
	}
	return false
}

// Secure reports whether the transport uses TLS.
func (t Transport) Secure() bool {
	return t == TransportTLS || t == TransportWSS
}

// DefaultWebSocketPath is used for ws/wss connections without a path.
const DefaultWebSocketPath = "/mqtt"

// LogicalConnection is a user-configured broker endpoint with credentials,
// independent of whether a socket is currently open.
type LogicalConnection struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name,omitempty"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Transport Transport `json:"transport"`
	Path      string    `json:"path,omitempty"`
	ClientID  string    `json:"client_id"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"-"`

	// Connected is the desired-state flag.
	Connected       bool      `json:"connected"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Validate checks the configuration fields of the connection.
func (c *LogicalConnection) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalid)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if !c.Transport.Valid() {
		return fmt.Errorf("%w: unsupported transport %q (supported: tcp, tls, ws, wss)", ErrInvalid, c.Transport)
	}
	if c.ClientID == "" {
		return fmt.Errorf("%w: client_id cannot be empty", ErrInvalid)
	}
	return nil
}

// BrokerURL returns the URL the MQTT client dials.
func (c *LogicalConnection) BrokerURL() string {
	hostPort := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	switch c.Transport {
	case TransportWS, TransportWSS:
		path := c.Path
		if path == "" {
			path = DefaultWebSocketPath
		}
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		return fmt.Sprintf("%s://%s%s", c.Transport, hostPort, path)
	case TransportTLS:
		return "tls://" + hostPort
	default:
		return "tcp://" + hostPort
	}
}

// ConnectionUpdate is a partial update. Nil fields are left unchanged.
type ConnectionUpdate struct {
	Name            *string
	Host            *string
	Port            *int
	Transport       *Transport
	Path            *string
	ClientID        *string
	Username        *string
	Password        *string
	Connected       *bool
	LastConnectedAt *time.Time
}

// Apply copies the set fields of u onto c.
func (u ConnectionUpdate) Apply(c *LogicalConnection) {
	if u.Name != nil {
		c.Name = *u.Name
	}
	if u.Host != nil {
		c.Host = *u.Host
	}
	if u.Port != nil {
		c.Port = *u.Port
	}
	if u.Transport != nil {
		c.Transport = *u.Transport
	}
	if u.Path != nil {
		c.Path = *u.Path
	}
	if u.ClientID != nil {
		c.ClientID = *u.ClientID
	}
	if u.Username != nil {
		c.Username = *u.Username
	}
	if u.Password != nil {
		c.Password = *u.Password
	}
	if u.Connected != nil {
		c.Connected = *u.Connected
	}
	if u.LastConnectedAt != nil {
		c.LastConnectedAt = *u.LastConnectedAt
	}
}

// DesiredState returns an update that only sets the desired-state flag.
func DesiredState(connected bool) ConnectionUpdate {
	return ConnectionUpdate{Connected: &connected}
}

// Subscription is a (connection, pattern) subscription record.
type Subscription struct {
	ConnectionID  string    `json:"connection_id"`
	Pattern       string    `json:"pattern"`
	QoS           byte      `json:"qos"`
	Subscribed    bool      `json:"subscribed"`
	MessageCount  int64     `json:"message_count"`
	LastMessageAt time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Direction tells received messages from ones the gateway published.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// IngestedMessage is a persisted message. It is never edited.
type IngestedMessage struct {
	ID            string       `json:"id"`
	ConnectionID  string       `json:"connection_id"`
	Topic         string       `json:"topic"`
	Payload       []byte       `json:"payload"`
	QoS           byte         `json:"qos"`
	Retain        bool         `json:"retain"`
	Direction     Direction    `json:"direction"`
	Timestamp     time.Time    `json:"timestamp"`
	ExtractedKeys extract.Keys `json:"extracted_keys,omitempty"`
}

// TopicKey is the index entry of one extracted key on one concrete topic.
type TopicKey struct {
	Topic       string       `json:"topic"`
	Key         string       `json:"key"`
	Type        extract.Type `json:"type"`
	LastValue   string       `json:"last_value"`
	Count       int64        `json:"count"`
	FirstSeenAt time.Time    `json:"first_seen_at"`
	LastSeenAt  time.Time    `json:"last_seen_at"`
}

// KeyValuePoint is one historical value of a topic key.
type KeyValuePoint struct {
	MessageID string        `json:"message_id"`
	Timestamp time.Time     `json:"timestamp"`
	Value     extract.Value `json:"value"`
}
