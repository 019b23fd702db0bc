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
	"sync"
	"time"

	"go.uber.org/atomic"
)

type PurchaserInfoCache interface {
	// Get returns a copy of the cached snapshot for identity, or nil.
	Get(identity string) *PurchaserInfo
	// ReplaceIfNewer stores info unless the cached snapshot has a later RequestDate.
	// Returns whether the replace took effect.
	ReplaceIfNewer(identity string, info *PurchaserInfo) bool
	// IsStale is true when nothing is cached for identity or the cached snapshot was issued
	// by the backend more than maxAge ago.
	IsStale(identity string, maxAge time.Duration) bool
}

// Writers for one identity serialize on the entry mutex, readers only load the pointer.
type purchaserInfoEntry struct {
	sync.Mutex
	value atomic.Pointer[PurchaserInfo]
}

type LocalPurchaserInfoCache struct {
	sync.RWMutex
	entries map[string]*purchaserInfoEntry
	nowFn   func() time.Time
}

func NewLocalPurchaserInfoCache() *LocalPurchaserInfoCache {
	return &LocalPurchaserInfoCache{
		entries: make(map[string]*purchaserInfoEntry),
		nowFn:   time.Now,
	}
}

func (c *LocalPurchaserInfoCache) Get(identity string) *PurchaserInfo {
	c.RLock()
	entry, found := c.entries[identity]
	c.RUnlock()
	if !found {
		return nil
	}
	return entry.value.Load().Copy()
}

func (c *LocalPurchaserInfoCache) ReplaceIfNewer(identity string, info *PurchaserInfo) bool {
	if info == nil {
		return false
	}

	entry := c.entry(identity)
	entry.Lock()
	defer entry.Unlock()

	if current := entry.value.Load(); current != nil && info.RequestDate.Before(current.RequestDate) {
		return false
	}
	entry.value.Store(info.Copy())
	return true
}

func (c *LocalPurchaserInfoCache) IsStale(identity string, maxAge time.Duration) bool {
	c.RLock()
	entry, found := c.entries[identity]
	c.RUnlock()
	if !found {
		return true
	}
	cached := entry.value.Load()
	if cached == nil {
		return true
	}
	return c.nowFn().Sub(cached.RequestDate) > maxAge
}

func (c *LocalPurchaserInfoCache) entry(identity string) *purchaserInfoEntry {
	c.RLock()
	entry, found := c.entries[identity]
	c.RUnlock()
	if found {
		return entry
	}

	c.Lock()
	defer c.Unlock()
	if entry, found = c.entries[identity]; !found {
		entry = &purchaserInfoEntry{}
		c.entries[identity] = entry
	}
	return entry
}
