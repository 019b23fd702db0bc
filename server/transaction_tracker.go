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
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

type TransactionTracker interface {
	Stop()
	// Admit Starts tracking the transaction. Returns false if the id is already tracked or was
	// recently finalized, in which case the caller must ignore it.
	Admit(tx *Transaction) bool
	// Get Returns a copy of the tracked transaction and its admission generation.
	Get(id string) (tx *Transaction, generation uint64, found bool)
	// Transition Moves the transaction from one state to another if it is still in the given
	// state under the given admission generation. Returns a copy of the updated transaction.
	Transition(id string, generation uint64, from, to TransactionState) (*Transaction, bool)
	// IncrementRetries Bumps the retry counter and returns the new value.
	IncrementRetries(id string, generation uint64) (int, bool)
	// Release Stops tracking the id. Terminal transactions are remembered for the finalized TTL.
	Release(id string)
	// NonTerminalCount Number of tracked transactions in Pending or Verifying.
	NonTerminalCount() int
	// PendingIDs Lists tracked transactions currently in Pending, oldest admission first.
	PendingIDs() []string
}

type trackedTransaction struct {
	tx         *Transaction
	generation uint64
}

type LocalTransactionTracker struct {
	sync.RWMutex
	ctx         context.Context
	ctxCancelFn context.CancelFunc

	finalizedTTL time.Duration
	generation   *atomic.Uint64
	nowFn        func() time.Time

	tracked   map[string]*trackedTransaction
	finalized map[string]time.Time
}

func NewLocalTransactionTracker(finalizedTTL time.Duration) *LocalTransactionTracker {
	ctx, ctxCancelFn := context.WithCancel(context.Background())

	t := &LocalTransactionTracker{
		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		finalizedTTL: finalizedTTL,
		generation:   atomic.NewUint64(0),
		nowFn:        time.Now,

		tracked:   make(map[string]*trackedTransaction),
		finalized: make(map[string]time.Time),
	}

	sweepInterval := finalizedTTL
	if sweepInterval <= 0 || sweepInterval > time.Minute {
		sweepInterval = time.Minute
	}

	go func() {
		ticker := time.NewTicker(sweepInterval)
		for {
			select {
			case <-t.ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				t.sweep()
			}
		}
	}()

	return t
}

func (t *LocalTransactionTracker) Stop() {
	t.ctxCancelFn()
}

func (t *LocalTransactionTracker) Admit(tx *Transaction) bool {
	if tx == nil || tx.ID == "" {
		return false
	}

	now := t.nowFn()
	t.Lock()
	defer t.Unlock()

	if _, found := t.tracked[tx.ID]; found {
		return false
	}
	if finalizedAt, found := t.finalized[tx.ID]; found {
		if now.Sub(finalizedAt) < t.finalizedTTL {
			return false
		}
		delete(t.finalized, tx.ID)
	}

	t.tracked[tx.ID] = &trackedTransaction{
		tx:         tx.Copy(),
		generation: t.generation.Inc(),
	}
	return true
}

func (t *LocalTransactionTracker) Get(id string) (*Transaction, uint64, bool) {
	t.RLock()
	defer t.RUnlock()
	entry, found := t.tracked[id]
	if !found {
		return nil, 0, false
	}
	return entry.tx.Copy(), entry.generation, true
}

func (t *LocalTransactionTracker) Transition(id string, generation uint64, from, to TransactionState) (*Transaction, bool) {
	t.Lock()
	defer t.Unlock()
	entry, found := t.tracked[id]
	if !found || entry.generation != generation || entry.tx.State != from {
		return nil, false
	}
	entry.tx.State = to
	return entry.tx.Copy(), true
}

func (t *LocalTransactionTracker) IncrementRetries(id string, generation uint64) (int, bool) {
	t.Lock()
	defer t.Unlock()
	entry, found := t.tracked[id]
	if !found || entry.generation != generation {
		return 0, false
	}
	entry.tx.Retries++
	return entry.tx.Retries, true
}

func (t *LocalTransactionTracker) Release(id string) {
	now := t.nowFn()
	t.Lock()
	if entry, found := t.tracked[id]; found {
		delete(t.tracked, id)
		if entry.tx.State.IsTerminal() && t.finalizedTTL > 0 {
			t.finalized[id] = now
		}
	}
	t.Unlock()
}

func (t *LocalTransactionTracker) NonTerminalCount() int {
	t.RLock()
	defer t.RUnlock()
	var count int
	for _, entry := range t.tracked {
		if !entry.tx.State.IsTerminal() {
			count++
		}
	}
	return count
}

func (t *LocalTransactionTracker) PendingIDs() []string {
	t.RLock()
	pending := make([]*trackedTransaction, 0, len(t.tracked))
	for _, entry := range t.tracked {
		if entry.tx.State == TransactionPending {
			pending = append(pending, entry)
		}
	}
	t.RUnlock()

	// Generations are handed out in admission order.
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].generation < pending[j].generation
	})
	ids := make([]string, 0, len(pending))
	for _, entry := range pending {
		ids = append(ids, entry.tx.ID)
	}
	return ids
}

func (t *LocalTransactionTracker) sweep() {
	now := t.nowFn()
	t.Lock()
	for id, finalizedAt := range t.finalized {
		if now.Sub(finalizedAt) >= t.finalizedTTL {
			delete(t.finalized, id)
		}
	}
	t.Unlock()
}
