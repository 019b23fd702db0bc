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

	"go.uber.org/zap"
)

// PurchasesListener receives exactly one terminal notification per admitted transaction.
type PurchasesListener interface {
	OnCompleted(tx *Transaction, info *PurchaserInfo)
	OnFailed(tx *Transaction, reason error)
}

// PurchaserInfoListener is optionally implemented by a PurchasesListener to observe
// every accepted purchaser info replacement, including refreshes not tied to a transaction.
type PurchaserInfoListener interface {
	OnPurchaserInfoUpdated(info *PurchaserInfo)
}

type DelegateDispatcher interface {
	// Attach Sets the listener and flushes held notifications to it in order.
	Attach(listener PurchasesListener)
	Detach()
	HasListener() bool
	NotifySuccess(tx *Transaction, info *PurchaserInfo)
	NotifyFailure(tx *Transaction, reason error)
	NotifyPurchaserInfo(info *PurchaserInfo)
}

type notificationKind int

const (
	notificationSuccess notificationKind = iota
	notificationFailure
	notificationPurchaserInfo
)

type notification struct {
	kind   notificationKind
	tx     *Transaction
	info   *PurchaserInfo
	reason error
}

// LocalDelegateDispatcher delivers notifications in order with at most one goroutine
// inside the listener at a time. No lock is held while the listener runs, so a listener
// may call back into Purchases. Notifications raised during a callback are delivered
// once it returns.
type LocalDelegateDispatcher struct {
	logger  *zap.Logger
	metrics Metrics

	sync.Mutex
	listener PurchasesListener
	// Held while no listener is attached, bounded by maxQueue.
	pending []*notification
	// Accepted for the attached listener, not yet delivered. Always older than pending.
	outbox     []*notification
	delivering bool
	maxQueue   int
}

func NewLocalDelegateDispatcher(logger *zap.Logger, metrics Metrics, maxQueue int) *LocalDelegateDispatcher {
	if maxQueue < 1 {
		maxQueue = 1
	}
	return &LocalDelegateDispatcher{
		logger:   logger,
		metrics:  metrics,
		pending:  make([]*notification, 0, maxQueue),
		maxQueue: maxQueue,
	}
}

func (d *LocalDelegateDispatcher) Attach(listener PurchasesListener) {
	if listener == nil {
		d.Detach()
		return
	}

	d.Lock()
	d.listener = listener
	if len(d.pending) > 0 {
		d.logger.Debug("Flushing held notifications to listener", zap.Int("count", len(d.pending)))
		d.outbox = append(d.outbox, d.pending...)
		d.pending = make([]*notification, 0, d.maxQueue)
	}
	d.drain()
}

func (d *LocalDelegateDispatcher) Detach() {
	d.Lock()
	d.listener = nil
	d.Unlock()
}

func (d *LocalDelegateDispatcher) HasListener() bool {
	d.Lock()
	defer d.Unlock()
	return d.listener != nil
}

func (d *LocalDelegateDispatcher) NotifySuccess(tx *Transaction, info *PurchaserInfo) {
	d.notify(&notification{kind: notificationSuccess, tx: tx, info: info})
}

func (d *LocalDelegateDispatcher) NotifyFailure(tx *Transaction, reason error) {
	d.notify(&notification{kind: notificationFailure, tx: tx, reason: reason})
}

func (d *LocalDelegateDispatcher) NotifyPurchaserInfo(info *PurchaserInfo) {
	d.notify(&notification{kind: notificationPurchaserInfo, info: info})
}

func (d *LocalDelegateDispatcher) notify(n *notification) {
	d.Lock()
	if d.listener == nil {
		d.hold(n)
		d.Unlock()
		return
	}
	d.outbox = append(d.outbox, n)
	d.drain()
}

// drain Must be called with the lock held and releases it. Returns at once if another
// goroutine, or an outer frame of this one, is already delivering.
func (d *LocalDelegateDispatcher) drain() {
	if d.delivering {
		d.Unlock()
		return
	}
	d.delivering = true

	for {
		if len(d.outbox) == 0 {
			d.delivering = false
			d.Unlock()
			return
		}
		listener := d.listener
		if listener == nil {
			// Detached mid-flush, keep the rest for the next listener.
			rest := d.outbox
			d.outbox = nil
			held := d.pending
			d.pending = make([]*notification, 0, d.maxQueue)
			for _, n := range append(rest, held...) {
				d.hold(n)
			}
			d.delivering = false
			d.Unlock()
			return
		}

		n := d.outbox[0]
		d.outbox[0] = nil
		d.outbox = d.outbox[1:]
		d.Unlock()

		d.deliver(listener, n)

		d.Lock()
	}
}

// hold Must be called with the lock held.
func (d *LocalDelegateDispatcher) hold(n *notification) {
	if len(d.pending) >= d.maxQueue {
		dropped := d.pending[0]
		d.pending = append(d.pending[:0], d.pending[1:]...)
		d.metrics.DispatcherDropped()
		fields := []zap.Field{zap.Int("max_queue", d.maxQueue)}
		if dropped.tx != nil {
			fields = append(fields, zap.String("tx_id", dropped.tx.ID))
		}
		d.logger.Warn("Dispatcher queue full, dropped oldest held notification", fields...)
	}
	d.pending = append(d.pending, n)
}

func (d *LocalDelegateDispatcher) deliver(listener PurchasesListener, n *notification) {
	defer func() {
		if r := recover(); r != nil {
			fields := []zap.Field{zap.Any("panic", r)}
			if n.tx != nil {
				fields = append(fields, zap.String("tx_id", n.tx.ID))
			}
			d.logger.Error("Listener panicked during notification", fields...)
		}
	}()

	switch n.kind {
	case notificationSuccess:
		listener.OnCompleted(n.tx.Copy(), n.info.Copy())
	case notificationFailure:
		listener.OnFailed(n.tx.Copy(), n.reason)
	case notificationPurchaserInfo:
		if infoListener, ok := listener.(PurchaserInfoListener); ok {
			infoListener.OnPurchaserInfoUpdated(n.info.Copy())
		}
	}
}
