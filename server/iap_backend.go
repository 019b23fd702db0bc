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
	"net/http"
	"sort"
	"time"

	"github.com/heroiclabs/purchases/iap"
	"go.uber.org/zap"
)

// IAPBackend adapts the iap HTTP client to the Backend and ProductCatalog contracts.
type IAPBackend struct {
	logger    *zap.Logger
	client    *iap.Client
	appUserID string
}

func NewIAPBackend(logger *zap.Logger, client *iap.Client, appUserID string) *IAPBackend {
	return &IAPBackend{
		logger:    logger,
		client:    client,
		appUserID: appUserID,
	}
}

func (b *IAPBackend) Verify(ctx context.Context, identity, receipt, productID string, quantity int) (*PurchaserInfo, error) {
	resp, err := b.client.PostReceipt(ctx, &iap.ReceiptRequest{
		FetchToken: receipt,
		AppUserID:  identity,
		ProductID:  productID,
		Quantity:   quantity,
	})
	if err != nil {
		return nil, classifyBackendError(err)
	}
	return b.purchaserInfoFromSubscriber(resp), nil
}

func (b *IAPBackend) GetPurchaserInfo(ctx context.Context, identity string) (*PurchaserInfo, error) {
	resp, err := b.client.GetSubscriber(ctx, identity)
	if err != nil {
		return nil, classifyBackendError(err)
	}
	return b.purchaserInfoFromSubscriber(resp), nil
}

func (b *IAPBackend) UpdateSharedSecret(secret string) error {
	if err := b.client.SetSharedSecret(secret); err != nil {
		return ErrEmptySharedSecret
	}
	return nil
}

func (b *IAPBackend) Products(ctx context.Context, ids []string) ([]*Product, error) {
	resp, err := b.client.GetProducts(ctx, b.appUserID, ids)
	if err != nil {
		return nil, classifyBackendError(err)
	}

	products := make([]*Product, 0, len(resp.Products))
	for _, p := range resp.Products {
		productType, err := ParseProductType(p.Type)
		if err != nil {
			b.logger.Warn("Skipping product with unknown type", zap.String("product_id", p.Identifier), zap.String("type", p.Type))
			continue
		}
		products = append(products, &Product{
			ID:           p.Identifier,
			Title:        p.Title,
			Description:  p.Description,
			Type:         productType,
			Price:        p.Price,
			CurrencyCode: p.CurrencyCode,
		})
	}
	return products, nil
}

func classifyBackendError(err error) error {
	var vErr *iap.ValidationError
	if errors.As(err, &vErr) {
		switch {
		case vErr.StatusCode == http.StatusUnauthorized || vErr.StatusCode == http.StatusForbidden:
			return NewVerificationError(FailureAuthentication, vErr.StatusCode, vErr.Message, err)
		case vErr.StatusCode == http.StatusRequestTimeout, vErr.StatusCode == http.StatusTooManyRequests, vErr.StatusCode >= http.StatusInternalServerError:
			return NewVerificationError(FailureTransient, vErr.StatusCode, vErr.Message, err)
		default:
			return NewVerificationError(FailureRejected, vErr.StatusCode, vErr.Message, err)
		}
	}

	switch {
	case errors.Is(err, iap.ErrEmptyAppUserID), errors.Is(err, iap.ErrEmptyReceipt), errors.Is(err, iap.ErrEmptyProductID):
		return NewVerificationError(FailureRejected, 0, "", err)
	case errors.Is(err, iap.ErrEmptySharedSecret):
		return NewVerificationError(FailureAuthentication, 0, "", err)
	default:
		// Transport errors, timeouts and malformed responses.
		return NewVerificationError(FailureTransient, 0, "", err)
	}
}

func (b *IAPBackend) purchaserInfoFromSubscriber(resp *iap.SubscriberResponse) *PurchaserInfo {
	if resp.RequestDate.IsZero() {
		// A zero request date would lose to any cached snapshot.
		resp.RequestDate = time.Now().UTC()
		b.logger.Warn("Backend response carried no request date, using local time", zap.Time("request_date", resp.RequestDate))
	}

	sub := resp.Subscriber
	info := &PurchaserInfo{
		OriginalAppUserID:  sub.OriginalAppUserID,
		ActiveEntitlements: make([]string, 0, len(sub.Entitlements)),
		ExpirationDates:    make(map[string]time.Time, len(sub.Subscriptions)),
		PurchaseDates:      make(map[string]time.Time, len(sub.Subscriptions)+len(sub.NonSubscriptions)),
		FirstSeen:          sub.FirstSeen,
		RequestDate:        resp.RequestDate,
	}

	for id, ent := range sub.Entitlements {
		if ent == nil {
			continue
		}
		if ent.ExpiresDate == nil || ent.ExpiresDate.After(resp.RequestDate) {
			info.ActiveEntitlements = append(info.ActiveEntitlements, id)
		}
	}
	sort.Strings(info.ActiveEntitlements)

	for productID, s := range sub.Subscriptions {
		if s == nil {
			continue
		}
		if s.ExpiresDate != nil {
			info.ExpirationDates[productID] = *s.ExpiresDate
		}
		info.PurchaseDates[productID] = s.PurchaseDate
	}

	for productID, purchases := range sub.NonSubscriptions {
		for _, ns := range purchases {
			if ns == nil {
				continue
			}
			info.NonSubscriptionTransactions = append(info.NonSubscriptionTransactions, &NonSubscriptionTransaction{
				TransactionID: ns.ID,
				ProductID:     productID,
				PurchaseDate:  ns.PurchaseDate,
			})
			if latest, found := info.PurchaseDates[productID]; !found || ns.PurchaseDate.After(latest) {
				info.PurchaseDates[productID] = ns.PurchaseDate
			}
		}
	}
	sort.Slice(info.NonSubscriptionTransactions, func(i, j int) bool {
		a, b := info.NonSubscriptionTransactions[i], info.NonSubscriptionTransactions[j]
		if a.PurchaseDate.Equal(b.PurchaseDate) {
			return a.TransactionID < b.TransactionID
		}
		return a.PurchaseDate.Before(b.PurchaseDate)
	})

	return info
}
