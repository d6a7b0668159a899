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
	"sync"
	"sync/atomic"
	"time"
)

// Channel is the bounded event queue of one session. Producers never block:
// when the queue is full the oldest queued event is discarded.
type Channel struct {
	id     string
	events chan Event
	pings  chan struct{}
	done   chan struct{}

	// mu serialises producers and close.
	mu     sync.Mutex
	closed bool

	awaitingPong atomic.Bool
	missedPongs  atomic.Int32
	lastPong     atomic.Int64
	dropped      atomic.Uint64
}

func newChannel(id string, size int) *Channel {
	c := &Channel{
		id:     id,
		events: make(chan Event, size),
		pings:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// ID returns the session ID.
func (c *Channel) ID() string { return c.id }

// Events delivers the session's events in broadcast order.
func (c *Channel) Events() <-chan Event { return c.events }

// Pings fires when the transport should send a ping to the peer.
func (c *Channel) Pings() <-chan struct{} { return c.pings }

// Done is closed when the session is unregistered.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Pong records a pong from the peer and resets the missed counter.
func (c *Channel) Pong() {
	c.awaitingPong.Store(false)
	c.missedPongs.Store(0)
	c.lastPong.Store(time.Now().UnixNano())
}

// LastPong returns the time of the last pong, or of registration.
func (c *Channel) LastPong() time.Time {
	return time.Unix(0, c.lastPong.Load())
}

// Dropped returns how many events were discarded for this session.
func (c *Channel) Dropped() uint64 { return c.dropped.Load() }

// push enqueues e, evicting the oldest queued events while the queue is full.
// It reports how many events were evicted.
func (c *Channel) push(e Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	evicted := 0
	for {
		select {
		case c.events <- e:
			if evicted > 0 {
				c.dropped.Add(uint64(evicted))
			}
			return evicted
		default:
		}
		select {
		case <-c.events:
			evicted++
		default:
		}
	}
}

// heartbeat runs one heartbeat round and reports the consecutive misses.
func (c *Channel) heartbeat() int {
	missed := 0
	if c.awaitingPong.Load() {
		missed = int(c.missedPongs.Add(1))
	}
	c.awaitingPong.Store(true)
	select {
	case c.pings <- struct{}{}:
	default:
	}
	return missed
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}
