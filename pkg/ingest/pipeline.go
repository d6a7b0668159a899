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

// Package ingest turns raw broker messages into persisted, indexed and
// broadcast IngestedMessages.
//
// Network callbacks hand messages to Submit, which never blocks: messages are
// routed to a bounded per-shard mailbox chosen by connection ID, so messages
// of one connection are processed in arrival order and a slow connection
// never holds up another. Each shard worker runs under a supervisor.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/actor"
	"github.com/turtacn/mqtt-gateway/pkg/errdefs"
	"github.com/turtacn/mqtt-gateway/pkg/extract"
	"github.com/turtacn/mqtt-gateway/pkg/hub"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
	"github.com/turtacn/mqtt-gateway/pkg/storage"
	"github.com/turtacn/mqtt-gateway/pkg/supervisor"
	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

// Defaults for Options.
const (
	DefaultShards              = 8
	DefaultQueueSize           = 1024
	DefaultHighWaterMark       = 100000
	DefaultRetentionCheckEvery = 1000
)

var (
	// ErrNotStarted is returned by Stop before Start.
	ErrNotStarted = errors.New("pipeline not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline already started")
)

// Raw is a message as delivered by a broker client, before ingestion.
type Raw struct {
	ConnectionID string
	Topic        string
	Payload      []byte
	QoS          byte
	Retain       bool
	Direction    storage.Direction
	ReceivedAt   time.Time
}

// Options configures a Pipeline.
type Options struct {
	Shards    int
	QueueSize int
	// HighWaterMark is the stored message count above which the oldest half
	// is pruned. Zero disables retention.
	HighWaterMark int
	// RetentionCheckEvery is the number of ingests between retention checks.
	RetentionCheckEvery int
	// RestartDelay is the pause before a crashed shard worker restarts.
	RestartDelay time.Duration
	Logger       *zap.Logger
}

// Pipeline is the ingestion pipeline.
type Pipeline struct {
	dir   storage.Directory
	store storage.MessageStore
	out   hub.Broadcaster
	opts  Options

	logger *zap.Logger

	shards    []*actor.Mailbox
	retention chan struct{}
	ingested  atomic.Uint64

	mu     sync.Mutex
	sup    *supervisor.OneForOneSupervisor
	cancel context.CancelFunc
}

// New creates a pipeline. out may be nil when nothing listens for events.
func New(dir storage.Directory, store storage.MessageStore, out hub.Broadcaster, opts Options) *Pipeline {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RetentionCheckEvery < 0 {
		opts.RetentionCheckEvery = 0
	}
	if opts.RestartDelay <= 0 {
		opts.RestartDelay = 100 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pipeline{
		dir:       dir,
		store:     store,
		out:       out,
		opts:      opts,
		logger:    logger.Named("ingest"),
		shards:    make([]*actor.Mailbox, opts.Shards),
		retention: make(chan struct{}, 1),
	}
	for i := range p.shards {
		p.shards[i] = actor.NewMailbox(opts.QueueSize)
	}
	return p
}

// Start launches the shard workers and the retention worker.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	sup := supervisor.NewOneForOneSupervisor(
		supervisor.WithLogger(p.logger),
		supervisor.WithRestartDelay(p.opts.RestartDelay),
	)

	specs := make([]supervisor.Spec, 0, len(p.shards)+1)
	for i, mb := range p.shards {
		specs = append(specs, supervisor.Spec{
			ID:      fmt.Sprintf("ingest-shard-%d", i),
			Actor:   actor.Func(p.runShard),
			Restart: supervisor.RestartPermanent,
			Mailbox: mb,
		})
	}
	specs = append(specs, supervisor.Spec{
		ID:      "ingest-retention",
		Actor:   actor.Func(p.runRetention),
		Restart: supervisor.RestartPermanent,
	})
	if err := sup.Start(ctx, specs); err != nil {
		cancel()
		return err
	}

	p.sup = sup
	p.cancel = cancel
	return nil
}

// Stop stops the workers and waits for them. Queued messages are discarded.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	sup, cancel := p.sup, p.cancel
	p.sup, p.cancel = nil, nil
	p.mu.Unlock()

	if sup == nil {
		return ErrNotStarted
	}
	cancel()
	sup.Wait()
	return nil
}

// Submit queues raw for asynchronous ingestion. It never blocks; when the
// shard queue is full the message is dropped and Submit returns false.
func (p *Pipeline) Submit(raw Raw) bool {
	if raw.ReceivedAt.IsZero() {
		raw.ReceivedAt = time.Now()
	}
	mb := p.shard(raw.ConnectionID)
	if mb.TrySend(raw) {
		metrics.IngestQueueDepth.Set(float64(p.Pending()))
		return true
	}
	metrics.IngestDroppedTotal.Inc()
	p.logger.Warn("ingest queue full, message dropped",
		zap.String("connection_id", raw.ConnectionID), zap.String("topic", raw.Topic),
		zap.Int("queue_capacity", mb.Cap()))
	return false
}

// Pending returns the number of queued messages across all shards.
func (p *Pipeline) Pending() int {
	n := 0
	for _, mb := range p.shards {
		n += mb.Len()
	}
	return n
}

func (p *Pipeline) shard(connectionID string) *actor.Mailbox {
	h := fnv.New32a()
	_, _ = h.Write([]byte(connectionID))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

func (p *Pipeline) runShard(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}
		metrics.IngestQueueDepth.Set(float64(p.Pending()))
		raw, ok := msg.(Raw)
		if !ok {
			continue
		}
		if _, err := p.Ingest(ctx, raw); err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				p.logger.Debug("message for unknown connection dropped",
					zap.String("connection_id", raw.ConnectionID), zap.String("topic", raw.Topic))
				continue
			}
			p.logger.Warn("ingest failed", zap.String("connection_id", raw.ConnectionID),
				zap.String("topic", raw.Topic), zap.Error(err))
		}
	}
}

// Ingest runs the pipeline synchronously for one message: it checks the
// connection still exists, extracts keys, updates the key index, appends the
// message, bumps the counters of matching subscriptions and broadcasts.
func (p *Pipeline) Ingest(ctx context.Context, raw Raw) (*storage.IngestedMessage, error) {
	const op = "ingest"
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	if _, err := p.dir.Get(ctx, raw.ConnectionID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errdefs.NotFound(op, raw.ConnectionID, err)
		}
		metrics.IngestErrorsTotal.WithLabelValues("directory").Inc()
		return nil, errdefs.Internal(op, raw.ConnectionID, err)
	}

	ts := raw.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	direction := raw.Direction
	if direction == "" {
		direction = storage.DirectionInbound
	}

	keys := extract.Extract(raw.Payload)
	p.indexKeys(ctx, raw, keys, ts)

	msg := &storage.IngestedMessage{
		ConnectionID:  raw.ConnectionID,
		Topic:         raw.Topic,
		Payload:       raw.Payload,
		QoS:           raw.QoS,
		Retain:        raw.Retain,
		Direction:     direction,
		Timestamp:     ts,
		ExtractedKeys: keys,
	}
	if err := p.store.Append(ctx, msg); err != nil {
		metrics.IngestErrorsTotal.WithLabelValues("append").Inc()
		return nil, errdefs.Internal(op, raw.ConnectionID, err)
	}
	metrics.MessagesIngestedTotal.WithLabelValues(string(direction)).Inc()

	if direction == storage.DirectionInbound {
		p.countSubscriptions(ctx, raw, ts)
	}

	if p.out != nil {
		p.out.Broadcast(hub.MessageEvent(msg))
	}

	p.noteIngested()
	return msg, nil
}

func (p *Pipeline) indexKeys(ctx context.Context, raw Raw, keys extract.Keys, at time.Time) {
	if len(keys) == 0 {
		return
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if err := p.store.UpsertTopicKey(ctx, raw.Topic, k, keys[k], at); err != nil {
			metrics.IngestErrorsTotal.WithLabelValues("topic_key").Inc()
			p.logger.Warn("failed to index key", zap.String("topic", raw.Topic),
				zap.String("key", k), zap.Error(err))
		}
	}
}

// countSubscriptions bumps every subscribed row whose pattern matches. A
// message matching several overlapping patterns counts once for each.
func (p *Pipeline) countSubscriptions(ctx context.Context, raw Raw, at time.Time) {
	subs, err := p.dir.ListSubscriptions(ctx, raw.ConnectionID)
	if err != nil {
		metrics.IngestErrorsTotal.WithLabelValues("subscription").Inc()
		p.logger.Warn("failed to list subscriptions", zap.String("connection_id", raw.ConnectionID), zap.Error(err))
		return
	}
	for _, sub := range subs {
		if !sub.Subscribed || !topic.Matches(sub.Pattern, raw.Topic) {
			continue
		}
		if err := p.dir.RecordSubscriptionMessage(ctx, raw.ConnectionID, sub.Pattern, at); err != nil {
			metrics.IngestErrorsTotal.WithLabelValues("subscription").Inc()
			p.logger.Warn("failed to count subscription message", zap.String("connection_id", raw.ConnectionID),
				zap.String("pattern", sub.Pattern), zap.Error(err))
		}
	}
}
