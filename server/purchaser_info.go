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
	"sort"
	"time"
)

type NonSubscriptionTransaction struct {
	TransactionID string    `json:"transaction_id"`
	ProductID     string    `json:"product_id"`
	PurchaseDate  time.Time `json:"purchase_date"`
}

// PurchaserInfo is the backend's authoritative entitlement snapshot for one app user id.
// Values stored in a PurchaserInfoCache are never mutated, callers always get a copy.
type PurchaserInfo struct {
	OriginalAppUserID string `json:"original_app_user_id"`
	// Entitlement identifiers active at RequestDate, sorted.
	ActiveEntitlements []string `json:"active_entitlements"`
	// Subscription product id to expiration date.
	ExpirationDates map[string]time.Time `json:"expiration_dates"`
	// Product id to latest purchase date, subscriptions and non-subscriptions alike.
	PurchaseDates               map[string]time.Time          `json:"purchase_dates"`
	NonSubscriptionTransactions []*NonSubscriptionTransaction `json:"non_subscription_transactions"`
	FirstSeen                   time.Time                     `json:"first_seen"`
	// Server time the snapshot was issued. Used as the freshness timestamp.
	RequestDate time.Time `json:"request_date"`
}

func (p *PurchaserInfo) IsEntitled(entitlement string) bool {
	i := sort.SearchStrings(p.ActiveEntitlements, entitlement)
	return i < len(p.ActiveEntitlements) && p.ActiveEntitlements[i] == entitlement
}

// ActiveSubscriptions lists subscription product ids not yet expired at RequestDate.
func (p *PurchaserInfo) ActiveSubscriptions() []string {
	active := make([]string, 0, len(p.ExpirationDates))
	for productID, expires := range p.ExpirationDates {
		if expires.After(p.RequestDate) {
			active = append(active, productID)
		}
	}
	sort.Strings(active)
	return active
}

func (p *PurchaserInfo) AllPurchasedProductIDs() []string {
	ids := make([]string, 0, len(p.PurchaseDates))
	for productID := range p.PurchaseDates {
		ids = append(ids, productID)
	}
	sort.Strings(ids)
	return ids
}

func (p *PurchaserInfo) LatestExpirationDate() time.Time {
	var latest time.Time
	for _, expires := range p.ExpirationDates {
		if expires.After(latest) {
			latest = expires
		}
	}
	return latest
}

func (p *PurchaserInfo) Copy() *PurchaserInfo {
	if p == nil {
		return nil
	}
	c := *p
	c.ActiveEntitlements = append([]string(nil), p.ActiveEntitlements...)
	c.ExpirationDates = copyTimeMap(p.ExpirationDates)
	c.PurchaseDates = copyTimeMap(p.PurchaseDates)
	if p.NonSubscriptionTransactions != nil {
		c.NonSubscriptionTransactions = make([]*NonSubscriptionTransaction, 0, len(p.NonSubscriptionTransactions))
		for _, t := range p.NonSubscriptionTransactions {
			tc := *t
			c.NonSubscriptionTransactions = append(c.NonSubscriptionTransactions, &tc)
		}
	}
	return &c
}

func copyTimeMap(m map[string]time.Time) map[string]time.Time {
	if m == nil {
		return nil
	}
	c := make(map[string]time.Time, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
