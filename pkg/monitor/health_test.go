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

package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewHealthChecker(t *testing.T) {
	hc := NewHealthChecker("node-1", zaptest.NewLogger(t))
	assert.Equal(t, []string{"goroutines"}, hc.Names())

	status := hc.RunChecks(context.Background())
	assert.Equal(t, StatusHealthy, status.Status)
	assert.True(t, status.Healthy())
	assert.Equal(t, "node-1", status.Node)
	assert.Equal(t, CheckPassed, status.Checks["goroutines"].Status)
	assert.Positive(t, status.SystemInfo.Goroutines)
	assert.NotEmpty(t, status.SystemInfo.GoVersion)
}

func TestRegisterAndUnregister(t *testing.T) {
	hc := NewHealthChecker("", nil)
	var calls atomic.Int32
	hc.RegisterCheck("storage", true, func(context.Context) error {
		calls.Add(1)
		return nil
	})
	assert.Equal(t, []string{"goroutines", "storage"}, hc.Names())

	hc.RunChecks(context.Background())
	assert.Equal(t, int32(1), calls.Load())

	hc.UnregisterCheck("storage")
	hc.RunChecks(context.Background())
	assert.Equal(t, int32(1), calls.Load())
}

func TestOverallStatus(t *testing.T) {
	failing := func(context.Context) error { return errors.New("down") }
	passing := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		critical CheckFunc
		optional CheckFunc
		want     string
	}{
		{"all pass", passing, passing, StatusHealthy},
		{"optional fails", passing, failing, StatusDegraded},
		{"critical fails", failing, passing, StatusUnhealthy},
		{"both fail", failing, failing, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker("", zaptest.NewLogger(t))
			hc.RegisterCheck("storage", true, tt.critical)
			hc.RegisterCheck("relay", false, tt.optional)

			status := hc.RunChecks(context.Background())
			assert.Equal(t, tt.want, status.Status)
			assert.Equal(t, tt.want != StatusUnhealthy, status.Healthy())
			assert.True(t, status.Checks["storage"].Critical)
			assert.False(t, status.Checks["relay"].Critical)
		})
	}
}

func TestFailureMessage(t *testing.T) {
	hc := NewHealthChecker("", zaptest.NewLogger(t))
	hc.RegisterCheck("redis", false, func(context.Context) error { return errors.New("connection refused") })

	result := hc.RunChecks(context.Background()).Checks["redis"]
	assert.Equal(t, CheckFailed, result.Status)
	assert.Equal(t, "connection refused", result.Message)
}

func TestCheckTimeout(t *testing.T) {
	hc := NewHealthChecker("", zaptest.NewLogger(t))
	hc.SetTimeout(20 * time.Millisecond)
	hc.RegisterCheck("slow", true, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	status := hc.RunChecks(context.Background())
	require.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"].Message)
}
