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

package hub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/turtacn/mqtt-gateway/pkg/extract"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
)

// EventType distinguishes ingested messages from connection state changes.
type EventType string

const (
	EventMessage EventType = "message"
	EventStatus  EventType = "status"
)

// Event is one item of the real-time stream.
type Event struct {
	Type          EventType
	ConnectionID  string
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	Timestamp     time.Time
	ExtractedKeys extract.Keys
	Direction     storage.Direction

	// Status events only.
	State string
	Error string
}

// MessageEvent builds the event broadcast for an ingested message.
func MessageEvent(m *storage.IngestedMessage) Event {
	return Event{
		Type:          EventMessage,
		ConnectionID:  m.ConnectionID,
		Topic:         m.Topic,
		Payload:       m.Payload,
		QoS:           m.QoS,
		Retain:        m.Retain,
		Timestamp:     m.Timestamp,
		ExtractedKeys: m.ExtractedKeys,
		Direction:     m.Direction,
	}
}

// StatusEvent builds a connection state event.
func StatusEvent(connectionID, state string, cause error) Event {
	e := Event{
		Type:         EventStatus,
		ConnectionID: connectionID,
		Timestamp:    time.Now(),
		State:        state,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

const payloadBase64 = "base64"

type wireEvent struct {
	Type            EventType         `json:"type"`
	ConnectionID    string            `json:"connectionId"`
	Topic           string            `json:"topic,omitempty"`
	Payload         string            `json:"payload,omitempty"`
	PayloadEncoding string            `json:"payloadEncoding,omitempty"`
	QoS             byte              `json:"qos"`
	Retain          bool              `json:"retain"`
	Timestamp       time.Time         `json:"timestamp"`
	ExtractedKeys   extract.Keys      `json:"extractedKeys,omitempty"`
	Direction       storage.Direction `json:"direction,omitempty"`
	State           string            `json:"state,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// MarshalJSON encodes the payload as text, or as base64 with
// payloadEncoding set when it is not valid UTF-8.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:          e.Type,
		ConnectionID:  e.ConnectionID,
		Topic:         e.Topic,
		QoS:           e.QoS,
		Retain:        e.Retain,
		Timestamp:     e.Timestamp,
		ExtractedKeys: e.ExtractedKeys,
		Direction:     e.Direction,
		State:         e.State,
		Error:         e.Error,
	}
	if utf8.Valid(e.Payload) {
		w.Payload = string(e.Payload)
	} else {
		w.Payload = base64.StdEncoding.EncodeToString(e.Payload)
		w.PayloadEncoding = payloadBase64
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var payload []byte
	switch w.PayloadEncoding {
	case "":
		if w.Payload != "" {
			payload = []byte(w.Payload)
		}
	case payloadBase64:
		b, err := base64.StdEncoding.DecodeString(w.Payload)
		if err != nil {
			return fmt.Errorf("hub: decode payload: %w", err)
		}
		payload = b
	default:
		return fmt.Errorf("hub: unknown payload encoding %q", w.PayloadEncoding)
	}
	*e = Event{
		Type:          w.Type,
		ConnectionID:  w.ConnectionID,
		Topic:         w.Topic,
		Payload:       payload,
		QoS:           w.QoS,
		Retain:        w.Retain,
		Timestamp:     w.Timestamp,
		ExtractedKeys: w.ExtractedKeys,
		Direction:     w.Direction,
		State:         w.State,
		Error:         w.Error,
	}
	return nil
}
