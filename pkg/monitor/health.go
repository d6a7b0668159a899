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

// Package monitor runs the readiness checks reported by the health endpoint.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Overall statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Per-check results.
const (
	CheckPassed = "passed"
	CheckFailed = "failed"
)

// DefaultCheckTimeout bounds a single check run.
const DefaultCheckTimeout = 2 * time.Second

// CheckFunc reports a problem by returning an error.
type CheckFunc func(ctx context.Context) error

type check struct {
	name     string
	fn       CheckFunc
	critical bool
}

// HealthStatus is the outcome of one RunChecks call.
type HealthStatus struct {
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     int64                  `json:"uptime"`
	Node       string                 `json:"node,omitempty"`
	Checks     map[string]CheckResult `json:"checks"`
	SystemInfo SystemInfo             `json:"system_info"`
}

// Healthy reports whether no critical check failed.
func (s HealthStatus) Healthy() bool { return s.Status != StatusUnhealthy }

// CheckResult is the result of a single check.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Critical bool   `json:"critical"`
	Duration string `json:"duration"`
}

// SystemInfo contains process level information.
type SystemInfo struct {
	Goroutines int        `json:"goroutines"`
	Memory     MemoryInfo `json:"memory"`
	GoVersion  string     `json:"go_version"`
	NumCPU     int        `json:"num_cpu"`
}

// MemoryInfo contains memory usage information.
type MemoryInfo struct {
	Alloc   uint64  `json:"alloc"`
	Sys     uint64  `json:"sys"`
	NumGC   uint32  `json:"num_gc"`
	GCPause float64 `json:"gc_pause_ms"`
}

// HealthChecker runs registered checks concurrently. A failing critical
// check makes the node unhealthy; a failing non-critical one degrades it.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]check
	node    string
	started time.Time
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthChecker creates a checker for node. A goroutine ceiling check is
// registered as non-critical.
func NewHealthChecker(node string, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		checks:  make(map[string]check),
		node:    node,
		started: time.Now(),
		timeout: DefaultCheckTimeout,
		logger:  logger.Named("health"),
	}
	hc.RegisterCheck("goroutines", false, func(context.Context) error {
		if n := runtime.NumGoroutine(); n > 100000 {
			return fmt.Errorf("high goroutine count: %d", n)
		}
		return nil
	})
	return hc
}

// SetTimeout changes the per-check time box.
func (hc *HealthChecker) SetTimeout(d time.Duration) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if d > 0 {
		hc.timeout = d
	}
}

// RegisterCheck adds or replaces the check called name.
func (hc *HealthChecker) RegisterCheck(name string, critical bool, fn CheckFunc) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check{name: name, fn: fn, critical: critical}
}

// UnregisterCheck removes a check.
func (hc *HealthChecker) UnregisterCheck(name string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	delete(hc.checks, name)
}

// Names returns the registered check names in order.
func (hc *HealthChecker) Names() []string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunChecks executes every check, each bounded by the checker timeout.
func (hc *HealthChecker) RunChecks(ctx context.Context) HealthStatus {
	hc.mu.RLock()
	checks := make([]check, 0, len(hc.checks))
	for _, c := range hc.checks {
		checks = append(checks, c)
	}
	timeout := hc.timeout
	hc.mu.RUnlock()

	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = hc.run(ctx, c, timeout)
			return nil
		})
	}
	_ = g.Wait()

	status := HealthStatus{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     int64(time.Since(hc.started).Seconds()),
		Node:       hc.node,
		Checks:     make(map[string]CheckResult, len(checks)),
		SystemInfo: systemInfo(),
	}
	for i, c := range checks {
		r := results[i]
		status.Checks[c.name] = r
		if r.Status == CheckPassed {
			continue
		}
		if c.critical {
			status.Status = StatusUnhealthy
		} else if status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}
	return status
}

func (hc *HealthChecker) run(ctx context.Context, c check, timeout time.Duration) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.fn(cctx)
	elapsed := time.Since(start)

	r := CheckResult{Status: CheckPassed, Critical: c.critical, Duration: elapsed.String()}
	if err != nil {
		r.Status = CheckFailed
		r.Message = err.Error()
		hc.logger.Warn("Health check failed",
			zap.String("check", c.name),
			zap.Bool("critical", c.critical),
			zap.Error(err))
	}
	if elapsed > time.Second {
		hc.logger.Warn("Slow health check", zap.String("check", c.name), zap.Duration("took", elapsed))
	}
	return r
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	var gcPause float64
	if m.NumGC > 0 {
		gcPause = float64(m.PauseNs[(m.NumGC+255)%256]) / 1e6
	}
	return SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		Memory: MemoryInfo{
			Alloc:   m.Alloc,
			Sys:     m.Sys,
			NumGC:   m.NumGC,
			GCPause: gcPause,
		},
		GoVersion: runtime.Version(),
		NumCPU:    runtime.NumCPU(),
	}
}
