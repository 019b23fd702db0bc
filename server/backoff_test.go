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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelay(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, max},
		{200, max},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelay(tt.retries, base, max), "retries %d", tt.retries)
	}

	assert.Equal(t, time.Duration(0), retryDelay(3, 0, max))
	assert.Equal(t, 8*time.Second, retryDelay(4, base, 0), "no cap")
}
