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

import "context"

// PaymentQueueObserver receives transaction updates from the platform payment queue.
// Implementations must return promptly, the queue does not deliver the next batch
// until the callback returns.
type PaymentQueueObserver interface {
	OnTransactionsUpdated(events []*TransactionEvent)
}

type Payment struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	// Opaque hint tying the payment to the purchasing user.
	ApplicationUsername string `json:"application_username"`
}

// PaymentQueue is the platform in-app-purchase queue. Unfinished transactions are
// redelivered to the observer until Finish is called for them.
type PaymentQueue interface {
	Subscribe(observer PaymentQueueObserver) error
	Unsubscribe()
	// AddPayment Submits a payment and returns the transaction the platform created for it.
	AddPayment(ctx context.Context, payment *Payment) (*TransactionEvent, error)
	// Finish Acknowledges the transaction so it is not redelivered.
	Finish(ctx context.Context, transactionID string) error
}
