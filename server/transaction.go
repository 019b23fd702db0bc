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
	"time"
)

type TransactionState int

const (
	TransactionPending TransactionState = iota
	TransactionVerifying
	TransactionFinalized
	TransactionFailed
)

func (s TransactionState) String() string {
	switch s {
	case TransactionPending:
		return "pending"
	case TransactionVerifying:
		return "verifying"
	case TransactionFinalized:
		return "finalized"
	case TransactionFailed:
		return "failed"
	default:
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
}

func (s TransactionState) IsTerminal() bool {
	return s == TransactionFinalized || s == TransactionFailed
}

type TransactionOrigin int

const (
	// Delivered by the payment queue observer feed, including redeliveries after restart.
	OriginQueue TransactionOrigin = iota
	// Created through a Purchase call in this process.
	OriginLocal
)

func (o TransactionOrigin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "queue"
}

// Transaction is one purchase attempt. Listeners receive copies.
type Transaction struct {
	ID         string
	ProductID  string
	Quantity   int
	Receipt    string
	State      TransactionState
	Origin     TransactionOrigin
	CreateTime time.Time
	Retries    int
	// Set when the platform itself failed the payment. Such transactions skip verification.
	StoreError *StoreError
}

func (t *Transaction) Copy() *Transaction {
	c := *t
	if t.StoreError != nil {
		se := *t.StoreError
		c.StoreError = &se
	}
	return &c
}

// TransactionEvent is what the payment queue reports for a transaction.
type TransactionEvent struct {
	TransactionID   string      `json:"transaction_id"`
	ProductID       string      `json:"product_id"`
	Quantity        int         `json:"quantity"`
	Receipt         string      `json:"receipt"`
	TransactionDate time.Time   `json:"transaction_date"`
	Failure         *StoreError `json:"failure,omitempty"`
}

func newTransaction(ev *TransactionEvent, origin TransactionOrigin, now time.Time) *Transaction {
	quantity := ev.Quantity
	if quantity < 1 {
		quantity = 1
	}
	createTime := ev.TransactionDate
	if createTime.IsZero() {
		createTime = now
	}
	tx := &Transaction{
		ID:         ev.TransactionID,
		ProductID:  ev.ProductID,
		Quantity:   quantity,
		Receipt:    ev.Receipt,
		State:      TransactionPending,
		Origin:     origin,
		CreateTime: createTime,
	}
	if ev.Failure != nil {
		se := *ev.Failure
		tx.StoreError = &se
	}
	return tx
}
