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
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
)

const (
	testSharedSecret = "shared-secret"
	testIdentity     = "app-user-1"
)

var (
	logger  = NewConsoleLogger(os.Stdout, true)
	cfg     = NewConfig()
	metrics = NewScopedMetrics(tally.NewTestScope("", nil))
)

func newTestReconcileConfig() *ReconcileConfig {
	c := NewReconcileConfig()
	c.MaxRetries = 3
	c.BaseDelayMs = 10
	c.MaxDelayMs = 40
	c.VerifyTimeoutMs = 500
	c.FinishTimeoutMs = 100
	c.FinishAttempts = 3
	c.FinalizedTTLSec = 600
	c.DispatcherQueueSize = 8
	c.PurchaserInfoMaxAgeSec = 300
	return c
}

func counterValue(scope tally.TestScope, name string) int64 {
	var total int64
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			total += c.Value()
		}
	}
	return total
}

func newTestPurchaserInfo(requestDate time.Time, entitlements ...string) *PurchaserInfo {
	return &PurchaserInfo{
		OriginalAppUserID:  testIdentity,
		ActiveEntitlements: entitlements,
		ExpirationDates:    map[string]time.Time{},
		PurchaseDates:      map[string]time.Time{},
		RequestDate:        requestDate,
	}
}

type testHarness struct {
	purchases *Purchases
	queue     *fakePaymentQueue
	backend   *fakeBackend
	catalog   *fakeCatalog
	listener  *recordingListener
	scope     tally.TestScope
}

// newTestHarness Builds and starts Purchases over fakes. The listener is not attached.
func newTestHarness(t *testing.T, backend *fakeBackend, store PurchaserInfoStore) *testHarness {
	t.Helper()
	scope := tally.NewTestScope("", nil)
	queue := newFakePaymentQueue()
	catalog := &fakeCatalog{}
	p, err := NewPurchases(logger, testSharedSecret, testIdentity, newTestReconcileConfig(), NewScopedMetrics(scope), queue, backend, catalog, store, nil)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, ctxCancelFn := context.WithTimeout(context.Background(), 2*time.Second)
		defer ctxCancelFn()
		_ = p.Stop(ctx)
	})
	return &testHarness{
		purchases: p,
		queue:     queue,
		backend:   backend,
		catalog:   catalog,
		listener:  newRecordingListener(),
		scope:     scope,
	}
}

type fakePaymentQueue struct {
	sync.Mutex
	observer   PaymentQueueObserver
	payments   []*Payment
	finished   []string
	nextID     int
	addErr     error
	addFailure *StoreError
	// Number of Finish calls to fail before succeeding.
	finishFailures int
	unsubscribed   bool
}

func newFakePaymentQueue() *fakePaymentQueue {
	return &fakePaymentQueue{}
}

func (q *fakePaymentQueue) Subscribe(observer PaymentQueueObserver) error {
	q.Lock()
	defer q.Unlock()
	q.observer = observer
	return nil
}

func (q *fakePaymentQueue) Unsubscribe() {
	q.Lock()
	defer q.Unlock()
	q.observer = nil
	q.unsubscribed = true
}

func (q *fakePaymentQueue) AddPayment(ctx context.Context, payment *Payment) (*TransactionEvent, error) {
	q.Lock()
	defer q.Unlock()
	if q.addErr != nil {
		return nil, q.addErr
	}
	q.payments = append(q.payments, payment)
	q.nextID++
	return &TransactionEvent{
		TransactionID:   fmt.Sprintf("local-%d", q.nextID),
		ProductID:       payment.ProductID,
		Quantity:        payment.Quantity,
		Receipt:         "receipt-" + payment.ProductID,
		TransactionDate: time.Now(),
		Failure:         q.addFailure,
	}, nil
}

func (q *fakePaymentQueue) Finish(ctx context.Context, id string) error {
	q.Lock()
	defer q.Unlock()
	if q.finishFailures > 0 {
		q.finishFailures--
		return fmt.Errorf("finish failed for %v", id)
	}
	q.finished = append(q.finished, id)
	return nil
}

// deliver Simulates the platform pushing transaction updates to the subscribed observer.
func (q *fakePaymentQueue) deliver(events ...*TransactionEvent) {
	q.Lock()
	observer := q.observer
	q.Unlock()
	if observer != nil {
		observer.OnTransactionsUpdated(events)
	}
}

func (q *fakePaymentQueue) finishedIDs() []string {
	q.Lock()
	defer q.Unlock()
	return append([]string{}, q.finished...)
}

type fakeBackend struct {
	sync.Mutex
	verifyFn      func(ctx context.Context, identity, receipt, productID string, quantity int) (*PurchaserInfo, error)
	infoFn        func(ctx context.Context, identity string) (*PurchaserInfo, error)
	verifyCalls   int
	sharedSecrets []string
}

func (b *fakeBackend) Verify(ctx context.Context, identity, receipt, productID string, quantity int) (*PurchaserInfo, error) {
	b.Lock()
	b.verifyCalls++
	fn := b.verifyFn
	b.Unlock()
	if fn == nil {
		return newTestPurchaserInfo(time.Now(), productID), nil
	}
	return fn(ctx, identity, receipt, productID, quantity)
}

func (b *fakeBackend) GetPurchaserInfo(ctx context.Context, identity string) (*PurchaserInfo, error) {
	b.Lock()
	fn := b.infoFn
	b.Unlock()
	if fn == nil {
		return newTestPurchaserInfo(time.Now()), nil
	}
	return fn(ctx, identity)
}

func (b *fakeBackend) UpdateSharedSecret(secret string) error {
	b.Lock()
	defer b.Unlock()
	b.sharedSecrets = append(b.sharedSecrets, secret)
	return nil
}

func (b *fakeBackend) setVerify(fn func(ctx context.Context, identity, receipt, productID string, quantity int) (*PurchaserInfo, error)) {
	b.Lock()
	defer b.Unlock()
	b.verifyFn = fn
}

func (b *fakeBackend) calls() int {
	b.Lock()
	defer b.Unlock()
	return b.verifyCalls
}

type fakeCatalog struct {
	products []*Product
	err      error
}

func (c *fakeCatalog) Products(ctx context.Context, ids []string) ([]*Product, error) {
	if c.err != nil {
		return nil, c.err
	}
	resolved := make([]*Product, 0, len(ids))
	for _, p := range c.products {
		for _, id := range ids {
			if p.ID == id {
				resolved = append(resolved, p)
			}
		}
	}
	return resolved, nil
}

type recordingListener struct {
	sync.Mutex
	completed   []*Transaction
	infos       []*PurchaserInfo
	failed      []*Transaction
	reasons     []error
	infoUpdates []*PurchaserInfo
}

func newRecordingListener() *recordingListener {
	return &recordingListener{}
}

func (l *recordingListener) OnCompleted(tx *Transaction, info *PurchaserInfo) {
	l.Lock()
	defer l.Unlock()
	l.completed = append(l.completed, tx)
	l.infos = append(l.infos, info)
}

func (l *recordingListener) OnFailed(tx *Transaction, reason error) {
	l.Lock()
	defer l.Unlock()
	l.failed = append(l.failed, tx)
	l.reasons = append(l.reasons, reason)
}

func (l *recordingListener) OnPurchaserInfoUpdated(info *PurchaserInfo) {
	l.Lock()
	defer l.Unlock()
	l.infoUpdates = append(l.infoUpdates, info)
}

func (l *recordingListener) outcomes() int {
	l.Lock()
	defer l.Unlock()
	return len(l.completed) + len(l.failed)
}

func (l *recordingListener) snapshot() ([]*Transaction, []*PurchaserInfo, []*Transaction, []error) {
	l.Lock()
	defer l.Unlock()
	return append([]*Transaction{}, l.completed...), append([]*PurchaserInfo{}, l.infos...), append([]*Transaction{}, l.failed...), append([]error{}, l.reasons...)
}
