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

// Package supervisor restarts failed workers one at a time, in the manner of
// an OTP one-for-one supervisor.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turtacn/mqtt-gateway/pkg/actor"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
)

// RestartStrategy decides whether a terminated child is started again.
type RestartStrategy int

const (
	// RestartPermanent always restarts the child.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary never restarts the child.
	RestartTemporary
)

// DefaultRestartDelay is the pause between a child's exit and its restart.
const DefaultRestartDelay = time.Second

// ErrNoSpecs is returned by Start when called without children.
var ErrNoSpecs = errors.New("no child specs provided")

// Spec describes one supervised child.
type Spec struct {
	// ID names the child in logs and the restart metric.
	ID      string
	Actor   actor.Actor
	Restart RestartStrategy
	// Mailbox is handed to every incarnation of the child.
	Mailbox *actor.Mailbox
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	logger       *zap.Logger
	restartDelay time.Duration
	wg           sync.WaitGroup
}

// Option configures a supervisor.
type Option func(*OneForOneSupervisor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *OneForOneSupervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithRestartDelay sets the pause before a restart.
func WithRestartDelay(d time.Duration) Option {
	return func(s *OneForOneSupervisor) { s.restartDelay = d }
}

// NewOneForOneSupervisor creates a supervisor.
func NewOneForOneSupervisor(opts ...Option) *OneForOneSupervisor {
	s := &OneForOneSupervisor{
		logger:       zap.NewNop(),
		restartDelay: DefaultRestartDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("supervisor")
	return s
}

// Start launches every child and returns immediately.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors one child until ctx is done.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(ctx, spec)
	}()
}

// Wait blocks until every child has stopped for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	log := s.logger.With(zap.String("actor_id", spec.ID))

	for {
		err := s.runOnce(ctx, spec)

		if ctx.Err() != nil {
			log.Debug("actor stopped with supervisor", zap.Error(err))
			return
		}

		restart := false
		switch spec.Restart {
		case RestartPermanent:
			restart = true
		case RestartTransient:
			restart = err != nil
		}
		if !restart {
			log.Debug("actor terminated, not restarting", zap.Error(err))
			return
		}

		log.Warn("actor terminated, restarting", zap.Error(err), zap.Duration("delay", s.restartDelay))
		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// runOnce runs one incarnation of the child, converting a panic to an error.
func (s *OneForOneSupervisor) runOnce(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
