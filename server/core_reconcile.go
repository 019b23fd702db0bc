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
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const storeWriteTimeout = 5 * time.Second

// ReconciliationEngine drives every admitted transaction through
// Pending -> Verifying -> {Finalized, Failed} and delivers exactly one terminal
// notification per transaction before acknowledging it to the payment queue.
//
// A transaction only leaves Pending while a listener is attached and verification
// is not halted by an authentication failure. Parked transactions are picked up
// again by Resume.
type ReconciliationEngine struct {
	logger     *zap.Logger
	metrics    Metrics
	config     *ReconcileConfig
	identity   string
	queue      PaymentQueue
	backend    Backend
	cache      PurchaserInfoCache
	store      PurchaserInfoStore
	tracker    TransactionTracker
	dispatcher DelegateDispatcher

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	// Guards stopped together with wg.Add so Stop never races a new goroutine.
	lifecycleMu sync.Mutex
	stopped     bool
	wg          sync.WaitGroup

	authHalted *atomic.Bool

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	purchasingMu sync.Mutex
	purchasing   bool
	purchasingCh chan bool

	nowFn func() time.Time
}

func NewReconciliationEngine(logger *zap.Logger, metrics Metrics, config *ReconcileConfig, identity string, queue PaymentQueue, backend Backend, cache PurchaserInfoCache, store PurchaserInfoStore, tracker TransactionTracker, dispatcher DelegateDispatcher) *ReconciliationEngine {
	ctx, ctxCancelFn := context.WithCancel(context.Background())
	return &ReconciliationEngine{
		logger:     logger,
		metrics:    metrics,
		config:     config,
		identity:   identity,
		queue:      queue,
		backend:    backend,
		cache:      cache,
		store:      store,
		tracker:    tracker,
		dispatcher: dispatcher,

		ctx:         ctx,
		ctxCancelFn: ctxCancelFn,

		authHalted: atomic.NewBool(false),
		timers:     make(map[string]*time.Timer),

		purchasingCh: make(chan bool, 1),

		nowFn: time.Now,
	}
}

// OnTransactionsUpdated Admits every event delivered by the payment queue. Redeliveries of
// tracked or recently finished transactions are ignored.
func (e *ReconciliationEngine) OnTransactionsUpdated(events []*TransactionEvent) {
	for _, ev := range events {
		if ev == nil || ev.TransactionID == "" {
			continue
		}
		e.admit(ev, OriginQueue)
	}
}

// Purchase Submits a payment for product and admits the resulting transaction. Only usage
// errors and payment submission errors are returned, the outcome arrives through the listener.
func (e *ReconciliationEngine) Purchase(ctx context.Context, product *Product, quantity int) (*Transaction, error) {
	if product == nil {
		return nil, ErrUnknownProduct
	}
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	if quantity > 1 && product.Type != ProductConsumable {
		return nil, fmt.Errorf("%w: %v products allow a quantity of 1, got %v", ErrInvalidQuantity, product.Type, quantity)
	}
	if e.isStopped() {
		return nil, ErrEngineStopped
	}

	ev, err := e.queue.AddPayment(ctx, &Payment{
		ProductID:           product.ID,
		Quantity:            quantity,
		ApplicationUsername: e.identity,
	})
	if err != nil {
		return nil, fmt.Errorf("error adding payment: %w", err)
	}
	if ev.ProductID == "" {
		ev.ProductID = product.ID
	}
	if ev.Quantity == 0 {
		ev.Quantity = quantity
	}

	tx, admitted := e.admit(ev, OriginLocal)
	if !admitted {
		return nil, ErrDuplicateTransaction
	}
	return tx, nil
}

// IsPurchasing True while any tracked transaction is in Pending or Verifying.
func (e *ReconciliationEngine) IsPurchasing() bool {
	return e.tracker.NonTerminalCount() > 0
}

// PurchasingChanges Receives the latest purchasing state whenever it changes. Intermediate
// values may be skipped by a slow reader.
func (e *ReconciliationEngine) PurchasingChanges() <-chan bool {
	return e.purchasingCh
}

// Resume Advances every parked transaction. Called when a listener attaches or
// credentials are replaced.
func (e *ReconciliationEngine) Resume() {
	if !e.canAdvance() {
		return
	}
	for _, id := range e.tracker.PendingIDs() {
		if e.hasRetryTimer(id) {
			continue
		}
		e.advance(id)
	}
}

// ClearAuthHalt Lifts an authentication halt and resumes parked transactions.
func (e *ReconciliationEngine) ClearAuthHalt() {
	if e.authHalted.CompareAndSwap(true, false) {
		e.logger.Info("Verification resumed with updated credentials")
	}
	e.Resume()
}

func (e *ReconciliationEngine) IsAuthHalted() bool {
	return e.authHalted.Load()
}

// Stop Cancels pending retries and waits for in-flight work until ctx is done.
// Transactions not yet terminal stay unacknowledged so the queue redelivers them.
func (e *ReconciliationEngine) Stop(ctx context.Context) error {
	e.lifecycleMu.Lock()
	if e.stopped {
		e.lifecycleMu.Unlock()
		return nil
	}
	e.stopped = true
	e.lifecycleMu.Unlock()

	e.ctxCancelFn()

	e.timersMu.Lock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
	e.timersMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	defer e.tracker.Stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		e.logger.Warn("Stopped before in-flight verifications completed", zap.Int("in_flight", e.tracker.NonTerminalCount()))
		return ctx.Err()
	}
}

// ApplyPurchaserInfo Replaces the cached snapshot if info is not older than it, writes it
// through to the store and notifies the listener. Returns whether the cache accepted it.
func (e *ReconciliationEngine) ApplyPurchaserInfo(info *PurchaserInfo) bool {
	if info == nil {
		return false
	}

	accepted := e.cache.ReplaceIfNewer(e.identity, info)
	e.metrics.PurchaserInfoReplaced(accepted)
	if !accepted {
		e.logger.Debug("Discarded purchaser info older than cached snapshot", zap.Time("request_date", info.RequestDate))
		return false
	}

	if e.store != nil {
		ctx, ctxCancelFn := context.WithTimeout(context.Background(), storeWriteTimeout)
		if err := e.store.Save(ctx, e.identity, info); err != nil {
			e.metrics.StoreWriteFailed()
			if errors.Is(err, ErrSchemaMissing) {
				e.logger.Error("Purchaser info table missing, run `purchases migrate up`", zap.Error(err))
			} else {
				e.logger.Warn("Could not persist purchaser info", zap.Error(err))
			}
		}
		ctxCancelFn()
	}

	e.dispatcher.NotifyPurchaserInfo(info)
	return true
}

func (e *ReconciliationEngine) admit(ev *TransactionEvent, origin TransactionOrigin) (*Transaction, bool) {
	if e.isStopped() {
		return nil, false
	}

	tx := newTransaction(ev, origin, e.nowFn())
	if !e.tracker.Admit(tx) {
		e.metrics.TransactionDuplicate()
		e.logger.Debug("Ignoring transaction already in flight or finalized", zap.String("tx_id", tx.ID), zap.Stringer("origin", origin))
		return nil, false
	}

	e.metrics.TransactionAdmitted(origin)
	e.logger.Debug("Admitted transaction", zap.String("tx_id", tx.ID), zap.String("product_id", tx.ProductID), zap.Int("quantity", tx.Quantity), zap.Stringer("origin", origin))
	e.updatePurchasing()

	e.advance(tx.ID)
	return tx.Copy(), true
}

func (e *ReconciliationEngine) advance(id string) {
	tx, generation, found := e.tracker.Get(id)
	if !found || tx.State != TransactionPending {
		return
	}

	if !e.canAdvance() {
		e.logger.Debug("Transaction parked in pending", zap.String("tx_id", id), zap.Bool("listener", e.dispatcher.HasListener()), zap.Bool("auth_halted", e.authHalted.Load()))
		return
	}

	if tx.StoreError != nil {
		failed, ok := e.tracker.Transition(id, generation, TransactionPending, TransactionFailed)
		if !ok {
			return
		}
		e.metrics.TransactionStoreFailed()
		e.logger.Info("Transaction failed in payment queue", zap.String("tx_id", id), zap.String("code", tx.StoreError.Code), zap.String("message", tx.StoreError.Message))
		e.goTracked(func() {
			e.complete(failed, nil, failed.StoreError)
		})
		return
	}

	verifying, ok := e.tracker.Transition(id, generation, TransactionPending, TransactionVerifying)
	if !ok {
		return
	}
	if !e.goTracked(func() {
		e.verify(verifying, generation)
	}) {
		// Stopping, leave it for redelivery.
		e.tracker.Transition(id, generation, TransactionVerifying, TransactionPending)
	}
}

func (e *ReconciliationEngine) verify(tx *Transaction, generation uint64) {
	ctx, ctxCancelFn := context.WithTimeout(context.Background(), e.config.VerifyTimeout())
	defer ctxCancelFn()

	e.metrics.VerifyAttempt()
	start := e.nowFn()
	info, err := e.backend.Verify(ctx, e.identity, tx.Receipt, tx.ProductID, tx.Quantity)
	e.metrics.VerifyLatency(e.nowFn().Sub(start))

	if err == nil && info == nil {
		err = NewVerificationError(FailureTransient, 0, "backend returned no purchaser info", nil)
	}

	logger := e.logger.With(zap.String("tx_id", tx.ID), zap.String("product_id", tx.ProductID))

	if err == nil {
		e.ApplyPurchaserInfo(info)
		finalized, ok := e.tracker.Transition(tx.ID, generation, TransactionVerifying, TransactionFinalized)
		if !ok {
			logger.Debug("Discarding late verification result")
			return
		}
		current := e.cache.Get(e.identity)
		if current == nil {
			current = info
		}
		e.metrics.TransactionFinalized()
		logger.Info("Transaction verified")
		e.complete(finalized, current, nil)
		return
	}

	switch kind := FailureKindOf(err); kind {
	case FailureTransient:
		e.metrics.VerifyTransient()
		retries, ok := e.tracker.IncrementRetries(tx.ID, generation)
		if !ok {
			logger.Debug("Discarding late verification failure")
			return
		}
		if retries >= e.config.MaxRetries {
			failed, ok := e.tracker.Transition(tx.ID, generation, TransactionVerifying, TransactionFailed)
			if !ok {
				return
			}
			e.metrics.TransactionFailed(kind)
			logger.Warn("Verification retries exhausted", zap.Int("retries", retries), zap.Error(err))
			e.complete(failed, nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, retries, err))
			return
		}
		if _, ok := e.tracker.Transition(tx.ID, generation, TransactionVerifying, TransactionPending); !ok {
			return
		}
		delay := retryDelay(retries, e.config.BaseDelay(), e.config.MaxDelay())
		logger.Debug("Verification failed transiently, retrying", zap.Int("retries", retries), zap.Duration("delay", delay), zap.Error(err))
		e.scheduleRetry(tx.ID, delay)
	case FailureAuthentication:
		e.metrics.VerifyAuthFailed()
		e.halt(err)
		failed, ok := e.tracker.Transition(tx.ID, generation, TransactionVerifying, TransactionFailed)
		if !ok {
			return
		}
		e.metrics.TransactionFailed(kind)
		e.complete(failed, nil, err)
	default:
		failed, ok := e.tracker.Transition(tx.ID, generation, TransactionVerifying, TransactionFailed)
		if !ok {
			return
		}
		e.metrics.TransactionFailed(kind)
		logger.Info("Verification rejected", zap.Error(err))
		e.complete(failed, nil, err)
	}
}

// complete Delivers the single terminal notification, then acknowledges and releases the transaction.
func (e *ReconciliationEngine) complete(tx *Transaction, info *PurchaserInfo, reason error) {
	if reason == nil {
		e.dispatcher.NotifySuccess(tx, info)
	} else {
		e.dispatcher.NotifyFailure(tx, reason)
	}
	e.updatePurchasing()

	e.finish(tx.ID)
	e.tracker.Release(tx.ID)
}

func (e *ReconciliationEngine) finish(id string) {
	attempts := e.config.FinishAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		ctx, ctxCancelFn := context.WithTimeout(context.Background(), e.config.FinishTimeout())
		err := e.queue.Finish(ctx, id)
		ctxCancelFn()
		if err == nil {
			return
		}

		e.metrics.FinishFailed()
		e.logger.Warn("Could not acknowledge transaction", zap.String("tx_id", id), zap.Int("attempt", attempt), zap.Error(err))
		if attempt == attempts {
			break
		}
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(retryDelay(attempt, e.config.BaseDelay(), e.config.MaxDelay())):
		}
	}
	e.logger.Error("Giving up acknowledging transaction, it may be redelivered", zap.String("tx_id", id))
}

func (e *ReconciliationEngine) halt(err error) {
	if e.authHalted.CompareAndSwap(false, true) {
		e.logger.Error("Backend rejected credentials, verification halted", zap.Error(err))
	}
}

func (e *ReconciliationEngine) scheduleRetry(id string, delay time.Duration) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.isStopped() {
		return
	}
	if timer, found := e.timers[id]; found {
		timer.Stop()
	}
	e.timers[id] = time.AfterFunc(delay, func() {
		e.timersMu.Lock()
		delete(e.timers, id)
		e.timersMu.Unlock()
		e.advance(id)
	})
}

func (e *ReconciliationEngine) hasRetryTimer(id string) bool {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	_, found := e.timers[id]
	return found
}

func (e *ReconciliationEngine) canAdvance() bool {
	return !e.isStopped() && !e.authHalted.Load() && e.dispatcher.HasListener()
}

func (e *ReconciliationEngine) isStopped() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.stopped
}

// goTracked Runs fn on its own goroutine unless the engine is stopping.
func (e *ReconciliationEngine) goTracked(fn func()) bool {
	e.lifecycleMu.Lock()
	if e.stopped {
		e.lifecycleMu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.lifecycleMu.Unlock()

	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

func (e *ReconciliationEngine) updatePurchasing() {
	// Count under the lock so concurrent updates publish in the order they observed.
	e.purchasingMu.Lock()
	defer e.purchasingMu.Unlock()
	count := e.tracker.NonTerminalCount()
	e.metrics.GaugeInFlight(float64(count))
	purchasing := count > 0
	if purchasing == e.purchasing {
		return
	}
	e.purchasing = purchasing
	// Keep only the latest value for slow readers.
	select {
	case <-e.purchasingCh:
	default:
	}
	e.purchasingCh <- purchasing
}
