// Copyright 2026 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockStopper struct {
	sleepTime time.Duration
	completed atomic.Bool
	cancelled atomic.Bool
}

// Simulates in-flight work taking `sleepTime` to drain.
func (m *mockStopper) Stop(ctx context.Context) error {
	select {
	case <-time.After(m.sleepTime):
		m.completed.Store(true)
		return nil
	case <-ctx.Done():
		m.cancelled.Store(true)
		return ctx.Err()
	}
}

func TestServer_HandleShutdown(t *testing.T) {
	ctx := context.Background()

	t.Run("when no grace_period_sec is set in-flight work is not awaited", func(t *testing.T) {
		stopper := &mockStopper{sleepTime: 2 * time.Second}
		c := make(chan os.Signal, 2)

		now := time.Now()
		HandleShutdown(ctx, logger, stopper, 0, c)
		elapsedSec := time.Since(now).Truncate(time.Second).Seconds()

		assert.LessOrEqual(t, int(elapsedSec), 0)
		assert.False(t, stopper.completed.Load())
		assert.True(t, stopper.cancelled.Load())
	})

	t.Run("when in-flight work completes within grace_period_sec it is awaited", func(t *testing.T) {
		graceSeconds := 2
		stopper := &mockStopper{sleepTime: 500 * time.Millisecond}
		c := make(chan os.Signal, 2)

		now := time.Now()
		HandleShutdown(ctx, logger, stopper, graceSeconds, c)
		elapsed := time.Since(now).Truncate(time.Second).Seconds()

		assert.LessOrEqual(t, int(elapsed), graceSeconds)
		assert.True(t, stopper.completed.Load())
	})

	t.Run("when in-flight work takes longer than grace_period_sec it is cancelled", func(t *testing.T) {
		graceSeconds := 1
		stopper := &mockStopper{sleepTime: 3 * time.Second}
		c := make(chan os.Signal, 2)

		now := time.Now()
		HandleShutdown(ctx, logger, stopper, graceSeconds, c)
		elapsed := time.Since(now).Truncate(time.Second).Seconds()

		assert.LessOrEqual(t, int(elapsed), graceSeconds)
		assert.False(t, stopper.completed.Load())
		assert.True(t, stopper.cancelled.Load())
	})

	t.Run("when a second signal arrives the grace period is skipped", func(t *testing.T) {
		graceSeconds := 5
		stopper := &mockStopper{sleepTime: 3 * time.Second}
		c := make(chan os.Signal, 2)
		c <- os.Interrupt

		now := time.Now()
		HandleShutdown(ctx, logger, stopper, graceSeconds, c)
		elapsed := time.Since(now).Truncate(time.Second).Seconds()

		assert.LessOrEqual(t, int(elapsed), 0)
		assert.True(t, stopper.cancelled.Load())
	})
}
