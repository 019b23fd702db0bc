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

package iap

import "time"

const (
	CONTENT_TYPE_APP_JSON = "application/json"

	receiptsPath    = "/v1/receipts"
	subscribersPath = "/v1/subscribers/{app_user_id}"
	productsPath    = "/v1/products"
)

type ReceiptRequest struct {
	// The opaque receipt data returned by the platform purchase.
	FetchToken string `json:"fetch_token"`
	AppUserID  string `json:"app_user_id"`
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	// Platform transaction identifier, lets the backend deduplicate a repeated post.
	TransactionID string `json:"transaction_id,omitempty"`
}

type SubscriberResponse struct {
	// Server time the response was issued.
	RequestDate   time.Time   `json:"request_date"`
	RequestDateMs int64       `json:"request_date_ms"`
	Subscriber    *Subscriber `json:"subscriber"`
	// Present on otherwise successful responses when part of the request was refused.
	AttributeErrors []*AttributeError `json:"attribute_errors,omitempty"`
}

type Subscriber struct {
	OriginalAppUserID string                        `json:"original_app_user_id"`
	FirstSeen         time.Time                     `json:"first_seen"`
	Entitlements      map[string]*Entitlement       `json:"entitlements"`
	Subscriptions     map[string]*Subscription      `json:"subscriptions"`
	NonSubscriptions  map[string][]*NonSubscription `json:"non_subscriptions"`
}

type Entitlement struct {
	ProductIdentifier string `json:"product_identifier"`
	// Nil for lifetime entitlements.
	ExpiresDate  *time.Time `json:"expires_date"`
	PurchaseDate time.Time  `json:"purchase_date"`
}

type Subscription struct {
	ExpiresDate          *time.Time `json:"expires_date"`
	PurchaseDate         time.Time  `json:"purchase_date"`
	OriginalPurchaseDate time.Time  `json:"original_purchase_date"`
	IsSandbox            bool       `json:"is_sandbox"`
	Store                string     `json:"store"`
}

type NonSubscription struct {
	ID           string    `json:"id"`
	PurchaseDate time.Time `json:"purchase_date"`
	IsSandbox    bool      `json:"is_sandbox"`
	Store        string    `json:"store"`
}

type AttributeError struct {
	KeyName string `json:"key_name"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Code            int               `json:"code"`
	Message         string            `json:"message"`
	AttributeErrors []*AttributeError `json:"attribute_errors,omitempty"`
}

type ProductsResponse struct {
	Products []*Product `json:"products"`
}

type Product struct {
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description"`
	// One of "consumable", "non_consumable" or "subscription".
	Type         string `json:"type"`
	Price        string `json:"price"`
	CurrencyCode string `json:"currency_code"`
}
