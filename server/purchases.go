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
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	frameworkVersion  = "1.4.0"
	maxIdentityLength = 256
)

// FrameworkVersion Static version string reported for diagnostics.
func FrameworkVersion() string {
	return frameworkVersion
}

// IdentityPolicy decides whether an app user identity is acceptable.
type IdentityPolicy func(identity string) error

// DefaultIdentityPolicy Accepts non-empty identities of at most 256 bytes without whitespace
// or control characters.
func DefaultIdentityPolicy(identity string) error {
	if identity == "" {
		return ErrEmptyIdentity
	}
	if len(identity) > maxIdentityLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidIdentity, maxIdentityLength)
	}
	if !utf8.ValidString(identity) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidIdentity)
	}
	for _, r := range identity {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: contains whitespace or control characters", ErrInvalidIdentity)
		}
	}
	return nil
}

// Purchases is the entry point used by an application to buy products, observe outcomes
// and read entitlements for a single app user.
type Purchases struct {
	sync.Mutex
	logger     *zap.Logger
	config     *ReconcileConfig
	identity   string
	queue      PaymentQueue
	backend    Backend
	catalog    ProductCatalog
	cache      PurchaserInfoCache
	store      PurchaserInfoStore
	dispatcher *LocalDelegateDispatcher
	engine     *ReconciliationEngine

	started bool
	stopped bool
}

// NewPurchases Validates credentials and wires the engine. The store and identityPolicy may be nil.
func NewPurchases(logger *zap.Logger, sharedSecret, appUserID string, config *ReconcileConfig, metrics Metrics, queue PaymentQueue, backend Backend, catalog ProductCatalog, store PurchaserInfoStore, identityPolicy IdentityPolicy) (*Purchases, error) {
	if sharedSecret == "" {
		return nil, ErrEmptySharedSecret
	}
	if identityPolicy == nil {
		identityPolicy = DefaultIdentityPolicy
	}
	if err := identityPolicy(appUserID); err != nil {
		if errors.Is(err, ErrEmptyIdentity) || errors.Is(err, ErrInvalidIdentity) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	if updater, ok := backend.(CredentialUpdater); ok {
		if err := updater.UpdateSharedSecret(sharedSecret); err != nil {
			return nil, err
		}
	}

	logger = logger.With(zap.String("identity", appUserID))
	cache := NewLocalPurchaserInfoCache()
	tracker := NewLocalTransactionTracker(config.FinalizedTTL())
	dispatcher := NewLocalDelegateDispatcher(logger, metrics, config.DispatcherQueueSize)
	engine := NewReconciliationEngine(logger, metrics, config, appUserID, queue, backend, cache, store, tracker, dispatcher)

	return &Purchases{
		logger:     logger,
		config:     config,
		identity:   appUserID,
		queue:      queue,
		backend:    backend,
		catalog:    catalog,
		cache:      cache,
		store:      store,
		dispatcher: dispatcher,
		engine:     engine,
	}, nil
}

// Start Seeds the cache from the store and subscribes to the payment queue. Transactions
// delivered before a listener is set stay pending.
func (p *Purchases) Start(ctx context.Context) error {
	p.Lock()
	defer p.Unlock()
	if p.stopped {
		return ErrEngineStopped
	}
	if p.started {
		return nil
	}

	if p.store != nil {
		info, err := p.store.Load(ctx, p.identity)
		switch {
		case err != nil:
			p.logger.Warn("Could not load stored purchaser info", zap.Error(err))
		case info != nil:
			if p.cache.ReplaceIfNewer(p.identity, info) {
				p.logger.Info("Loaded stored purchaser info", zap.Time("request_date", info.RequestDate))
			}
		}
	}

	if err := p.queue.Subscribe(p.engine); err != nil {
		return fmt.Errorf("error subscribing to payment queue: %w", err)
	}
	p.started = true
	return nil
}

// SetListener Attaches listener, flushes notifications queued while detached and resumes
// parked transactions. The listener is not owned.
func (p *Purchases) SetListener(listener PurchasesListener) {
	if listener == nil {
		p.RemoveListener()
		return
	}
	p.dispatcher.Attach(listener)
	p.engine.Resume()
}

func (p *Purchases) RemoveListener() {
	p.dispatcher.Detach()
}

// FetchProducts Best effort catalog lookup, an empty slice means nothing was resolved.
func (p *Purchases) FetchProducts(ctx context.Context, ids []string) []*Product {
	if len(ids) == 0 || p.catalog == nil {
		return []*Product{}
	}
	products, err := p.catalog.Products(ctx, ids)
	if err != nil {
		p.logger.Warn("Could not fetch products", zap.Strings("product_ids", ids), zap.Error(err))
		return []*Product{}
	}
	if products == nil {
		return []*Product{}
	}
	return products
}

// FetchPurchaserInfo Refreshes purchaser info from the backend. Falls back to the cached
// snapshot, returning nil only when the backend failed and nothing is cached.
func (p *Purchases) FetchPurchaserInfo(ctx context.Context) *PurchaserInfo {
	info, err := p.backend.GetPurchaserInfo(ctx, p.identity)
	if err != nil {
		if FailureKindOf(err) == FailureAuthentication {
			p.engine.halt(err)
		} else {
			p.logger.Warn("Could not refresh purchaser info, using cached value", zap.Error(err))
		}
		return p.cache.Get(p.identity)
	}

	p.engine.ApplyPurchaserInfo(info)
	if current := p.cache.Get(p.identity); current != nil {
		return current
	}
	return info.Copy()
}

// CachedPurchaserInfo Returns the cached snapshot while it is fresh, otherwise refreshes.
func (p *Purchases) CachedPurchaserInfo(ctx context.Context) *PurchaserInfo {
	if !p.cache.IsStale(p.identity, p.config.PurchaserInfoMaxAge()) {
		if info := p.cache.Get(p.identity); info != nil {
			return info
		}
	}
	return p.FetchPurchaserInfo(ctx)
}

func (p *Purchases) Purchase(ctx context.Context, product *Product, quantity int) (*Transaction, error) {
	return p.engine.Purchase(ctx, product, quantity)
}

func (p *Purchases) IsPurchasing() bool {
	return p.engine.IsPurchasing()
}

func (p *Purchases) PurchasingChanges() <-chan bool {
	return p.engine.PurchasingChanges()
}

// UpdateSharedSecret Replaces the backend credential and resumes verification halted by
// an authentication failure.
func (p *Purchases) UpdateSharedSecret(secret string) error {
	if secret == "" {
		return ErrEmptySharedSecret
	}
	if updater, ok := p.backend.(CredentialUpdater); ok {
		if err := updater.UpdateSharedSecret(secret); err != nil {
			return err
		}
	}
	p.engine.ClearAuthHalt()
	return nil
}

func (p *Purchases) AppUserID() string {
	return p.identity
}

// Stop Unsubscribes from the payment queue and waits for in-flight verifications until ctx is done.
func (p *Purchases) Stop(ctx context.Context) error {
	p.Lock()
	if p.stopped {
		p.Unlock()
		return nil
	}
	p.stopped = true
	started := p.started
	p.Unlock()

	if started {
		p.queue.Unsubscribe()
	}
	err := p.engine.Stop(ctx)
	p.dispatcher.Detach()
	return err
}

// LoggingListener Logs every outcome. Used when the process runs without an application listener.
type LoggingListener struct {
	logger *zap.Logger
}

func NewLoggingListener(logger *zap.Logger) *LoggingListener {
	return &LoggingListener{logger: logger}
}

func (l *LoggingListener) OnCompleted(tx *Transaction, info *PurchaserInfo) {
	fields := []zap.Field{zap.String("tx_id", tx.ID), zap.String("product_id", tx.ProductID), zap.Int("quantity", tx.Quantity)}
	if info != nil {
		fields = append(fields, zap.Strings("entitlements", info.ActiveEntitlements))
	}
	l.logger.Info("Purchase completed", fields...)
}

func (l *LoggingListener) OnFailed(tx *Transaction, reason error) {
	l.logger.Warn("Purchase failed", zap.String("tx_id", tx.ID), zap.String("product_id", tx.ProductID), zap.Error(reason))
}

func (l *LoggingListener) OnPurchaserInfoUpdated(info *PurchaserInfo) {
	l.logger.Debug("Purchaser info updated", zap.Time("request_date", info.RequestDate), zap.Strings("entitlements", info.ActiveEntitlements))
}
