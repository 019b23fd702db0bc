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
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurchaserInfoCache_ReplaceIfNewer(t *testing.T) {
	cache := NewLocalPurchaserInfoCache()
	base := time.Now()

	assert.Nil(t, cache.Get(testIdentity))
	assert.True(t, cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(base, "a")))
	assert.False(t, cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(base.Add(-time.Second), "old")))
	assert.True(t, cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(base, "same")), "equal timestamps are accepted")
	assert.False(t, cache.ReplaceIfNewer(testIdentity, nil))

	info := cache.Get(testIdentity)
	require.NotNil(t, info)
	assert.True(t, info.IsEntitled("same"))
}

func TestPurchaserInfoCache_IdentitiesIndependent(t *testing.T) {
	cache := NewLocalPurchaserInfoCache()
	base := time.Now()

	assert.True(t, cache.ReplaceIfNewer("user-a", newTestPurchaserInfo(base)))
	assert.True(t, cache.ReplaceIfNewer("user-b", newTestPurchaserInfo(base.Add(-time.Hour))))
	assert.Nil(t, cache.Get("user-c"))
}

func TestPurchaserInfoCache_GetReturnsCopy(t *testing.T) {
	cache := NewLocalPurchaserInfoCache()
	require.True(t, cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(time.Now(), "premium")))

	info := cache.Get(testIdentity)
	info.ActiveEntitlements[0] = "tampered"
	info.ExpirationDates["x"] = time.Now()

	again := cache.Get(testIdentity)
	assert.True(t, again.IsEntitled("premium"))
	assert.NotContains(t, again.ExpirationDates, "x")
}

func TestPurchaserInfoCache_ConcurrentMonotonic(t *testing.T) {
	cache := NewLocalPurchaserInfoCache()
	base := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(base.Add(time.Duration(offset)*time.Millisecond)))
		}(rand.Intn(1000))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(base.Add(time.Hour)))
	}()
	wg.Wait()

	assert.True(t, cache.Get(testIdentity).RequestDate.Equal(base.Add(time.Hour)))
}

func TestPurchaserInfoCache_IsStale(t *testing.T) {
	cache := NewLocalPurchaserInfoCache()
	now := time.Now()
	cache.nowFn = func() time.Time { return now }

	assert.True(t, cache.IsStale(testIdentity, time.Minute))
	require.True(t, cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(now.Add(-30*time.Second))))
	assert.False(t, cache.IsStale(testIdentity, time.Minute))

	now = now.Add(time.Minute)
	assert.True(t, cache.IsStale(testIdentity, time.Minute), "age counts from the backend request date")
}

func TestPurchaserInfoCache_IsStaleOldSnapshot(t *testing.T) {
	cache := NewLocalPurchaserInfoCache()

	// Loaded from the store long after the backend issued it.
	require.True(t, cache.ReplaceIfNewer(testIdentity, newTestPurchaserInfo(time.Now().Add(-48*time.Hour), "premium")))
	assert.True(t, cache.IsStale(testIdentity, 5*time.Minute))
}
