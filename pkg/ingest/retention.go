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

package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/actor"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
)

func (p *Pipeline) noteIngested() {
	every := uint64(p.opts.RetentionCheckEvery)
	if p.opts.HighWaterMark <= 0 || every == 0 {
		return
	}
	if p.ingested.Add(1)%every != 0 {
		return
	}
	select {
	case p.retention <- struct{}{}:
	default:
	}
}

func (p *Pipeline) runRetention(ctx context.Context, _ *actor.Mailbox) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.retention:
			if _, err := p.EnforceRetention(ctx); err != nil {
				p.logger.Warn("retention failed", zap.Error(err))
			}
		}
	}
}

// EnforceRetention prunes the oldest half of the stored messages when the
// count exceeds the high-water mark. It returns the number pruned.
func (p *Pipeline) EnforceRetention(ctx context.Context) (int, error) {
	if p.opts.HighWaterMark <= 0 {
		return 0, nil
	}
	count, err := p.store.Count(ctx)
	if err != nil {
		metrics.IngestErrorsTotal.WithLabelValues("retention").Inc()
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	if count <= p.opts.HighWaterMark {
		return 0, nil
	}

	pruned, err := p.store.PruneOldest(ctx, count/2)
	if err != nil {
		metrics.IngestErrorsTotal.WithLabelValues("retention").Inc()
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	metrics.MessagesPrunedTotal.Add(float64(pruned))
	p.logger.Info("pruned oldest messages", zap.Int("count", count), zap.Int("pruned", pruned))
	return pruned, nil
}
