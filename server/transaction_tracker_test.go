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
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestTransactionTracker_AdmitOnce(t *testing.T) {
	tracker := NewLocalTransactionTracker(time.Minute)
	defer tracker.Stop()

	tx := &Transaction{ID: "tx-1", ProductID: "coins_100", Quantity: 1}
	assert.True(t, tracker.Admit(tx))
	assert.False(t, tracker.Admit(tx))
	assert.False(t, tracker.Admit(&Transaction{}))
	assert.Equal(t, 1, tracker.NonTerminalCount())
}

func TestTransactionTracker_ConcurrentAdmit(t *testing.T) {
	tracker := NewLocalTransactionTracker(time.Minute)
	defer tracker.Stop()

	admitted := atomic.NewInt32(0)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.Admit(&Transaction{ID: "tx-race"}) {
				admitted.Inc()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, admitted.Load())
}

func TestTransactionTracker_Transition(t *testing.T) {
	tracker := NewLocalTransactionTracker(time.Minute)
	defer tracker.Stop()

	require.True(t, tracker.Admit(&Transaction{ID: "tx-1", State: TransactionPending}))
	_, generation, found := tracker.Get("tx-1")
	require.True(t, found)

	tx, ok := tracker.Transition("tx-1", generation, TransactionPending, TransactionVerifying)
	require.True(t, ok)
	assert.Equal(t, TransactionVerifying, tx.State)

	_, ok = tracker.Transition("tx-1", generation, TransactionPending, TransactionVerifying)
	assert.False(t, ok, "from state no longer matches")

	_, ok = tracker.Transition("tx-1", generation+1, TransactionVerifying, TransactionFinalized)
	assert.False(t, ok, "stale generation")

	retries, ok := tracker.IncrementRetries("tx-1", generation)
	require.True(t, ok)
	assert.Equal(t, 1, retries)

	_, ok = tracker.Transition("tx-1", generation, TransactionVerifying, TransactionFinalized)
	require.True(t, ok)
	assert.Equal(t, 0, tracker.NonTerminalCount())
}

func TestTransactionTracker_ReleaseRemembersTerminal(t *testing.T) {
	tracker := NewLocalTransactionTracker(time.Minute)
	defer tracker.Stop()

	now := time.Now()
	tracker.nowFn = func() time.Time { return now }

	require.True(t, tracker.Admit(&Transaction{ID: "tx-1"}))
	_, generation, _ := tracker.Get("tx-1")
	_, ok := tracker.Transition("tx-1", generation, TransactionPending, TransactionFailed)
	require.True(t, ok)
	tracker.Release("tx-1")

	_, _, found := tracker.Get("tx-1")
	assert.False(t, found)
	assert.False(t, tracker.Admit(&Transaction{ID: "tx-1"}), "redelivery within ttl")

	now = now.Add(2 * time.Minute)
	assert.True(t, tracker.Admit(&Transaction{ID: "tx-1"}), "redelivery after ttl")
}

func TestTransactionTracker_ReleaseNonTerminalForgets(t *testing.T) {
	tracker := NewLocalTransactionTracker(time.Minute)
	defer tracker.Stop()

	require.True(t, tracker.Admit(&Transaction{ID: "tx-1"}))
	tracker.Release("tx-1")
	assert.True(t, tracker.Admit(&Transaction{ID: "tx-1"}))
}

func TestTransactionTracker_PendingIDsInAdmissionOrder(t *testing.T) {
	tracker := NewLocalTransactionTracker(time.Minute)
	defer tracker.Stop()

	for i := 0; i < 10; i++ {
		require.True(t, tracker.Admit(&Transaction{ID: fmt.Sprintf("tx-%d", i)}))
	}
	_, generation, _ := tracker.Get("tx-3")
	_, ok := tracker.Transition("tx-3", generation, TransactionPending, TransactionVerifying)
	require.True(t, ok)

	assert.Equal(t, []string{"tx-0", "tx-1", "tx-2", "tx-4", "tx-5", "tx-6", "tx-7", "tx-8", "tx-9"}, tracker.PendingIDs())
}

func TestTransactionTracker_GetReturnsCopy(t *testing.T) {
	tracker := NewLocalTransactionTracker(time.Minute)
	defer tracker.Stop()

	require.True(t, tracker.Admit(&Transaction{ID: "tx-1", Quantity: 2}))
	tx, _, _ := tracker.Get("tx-1")
	tx.Quantity = 99

	again, _, _ := tracker.Get("tx-1")
	assert.Equal(t, 2, again.Quantity)
}
