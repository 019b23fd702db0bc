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
	"time"

	"go.uber.org/zap"
)

// GracefulStopper is stopped once with a context bounding how long in-flight work may take.
type GracefulStopper interface {
	Stop(ctx context.Context) error
}

// HandleShutdown Stops purchases within the grace period. A second signal on c skips the wait.
func HandleShutdown(ctx context.Context, logger *zap.Logger, stopper GracefulStopper, graceSeconds int, c chan os.Signal) {
	stopCtx, stopCtxCancelFn := context.WithCancel(ctx)
	defer stopCtxCancelFn()

	// If a shutdown grace period is allowed, prepare a timer.
	var timer *time.Timer
	timerCh := make(<-chan time.Time, 1)
	if graceSeconds != 0 {
		timer = time.NewTimer(time.Duration(graceSeconds) * time.Second)
		timerCh = timer.C
		logger.Info("Shutdown started - use CTRL^C to force stop", zap.Int("grace_period_sec", graceSeconds))
	} else {
		// No grace period, in-flight verifications are abandoned and redelivered on next start.
		logger.Info("Shutdown started")
		stopCtxCancelFn()
	}

	stopDone := make(chan error, 1)
	go func() {
		stopDone <- stopper.Stop(stopCtx)
	}()

	select {
	case err := <-stopDone:
		if err != nil {
			logger.Info("Stopped with verifications still in flight", zap.Error(err))
		} else {
			logger.Info("All in-flight verifications completed")
		}
	case <-timerCh:
		logger.Info("Shutdown grace period expired")
		stopCtxCancelFn()
		<-stopDone
	case <-c:
		// A second interrupt has been received.
		logger.Info("Skipping graceful shutdown")
		stopCtxCancelFn()
		<-stopDone
	}

	if timer != nil {
		timer.Stop()
	}
}
