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
)

// Backend verifies receipts against the remote entitlement service. Implementations do
// not retry, the engine owns the retry policy. A repeated Verify for the same receipt
// must not grant entitlements twice.
//
// Errors should be *VerificationError so the engine can tell transient, rejected and
// authentication failures apart. Any other error is treated as transient.
type Backend interface {
	Verify(ctx context.Context, identity, receipt, productID string, quantity int) (*PurchaserInfo, error)
	GetPurchaserInfo(ctx context.Context, identity string) (*PurchaserInfo, error)
}

// CredentialUpdater is implemented by backends that can rotate the shared secret in place.
type CredentialUpdater interface {
	UpdateSharedSecret(secret string) error
}

type ProductType int

const (
	ProductConsumable ProductType = iota
	ProductNonConsumable
	ProductSubscription
)

func (t ProductType) String() string {
	switch t {
	case ProductConsumable:
		return "consumable"
	case ProductNonConsumable:
		return "non_consumable"
	case ProductSubscription:
		return "subscription"
	default:
		return fmt.Sprintf("ProductType(%d)", int(t))
	}
}

func ParseProductType(s string) (ProductType, error) {
	switch s {
	case "consumable":
		return ProductConsumable, nil
	case "non_consumable", "nonconsumable":
		return ProductNonConsumable, nil
	case "subscription", "auto_renewable", "non_renewable":
		return ProductSubscription, nil
	default:
		return ProductNonConsumable, fmt.Errorf("unknown product type %q", s)
	}
}

type Product struct {
	ID           string
	Title        string
	Description  string
	Type         ProductType
	Price        string
	CurrencyCode string
}

// ProductCatalog is a best-effort lookup. Callers degrade to an empty result on error.
type ProductCatalog interface {
	Products(ctx context.Context, ids []string) ([]*Product, error)
}
