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

import "time"

// retryDelay returns min(base * 2^(retries-1), max) for retries >= 1.
func retryDelay(retries int, base, max time.Duration) time.Duration {
	if retries < 1 {
		retries = 1
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < retries; i++ {
		delay *= 2
		if delay <= 0 || (max > 0 && delay >= max) {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
