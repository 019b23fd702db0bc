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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

var ErrPaymentQueueClosed = errors.New("payment queue connection is closed")

type finishMessage struct {
	TransactionID string `json:"transaction_id"`
}

type paymentReply struct {
	Transaction *TransactionEvent `json:"transaction"`
	Error       string            `json:"error,omitempty"`
}

// NATSPaymentQueue bridges a platform payment queue that publishes transaction
// events over NATS. Finish acknowledgements and payment requests travel back on
// their own subjects.
type NATSPaymentQueue struct {
	logger *zap.Logger
	config *QueueConfig
	nc     *nats.Conn

	sync.Mutex
	sub      *nats.Subscription
	observer PaymentQueueObserver
}

func NewNATSPaymentQueue(logger *zap.Logger, config *QueueConfig) (*NATSPaymentQueue, error) {
	q := &NATSPaymentQueue{
		logger: logger,
		config: config,
	}

	var opts []nats.Option
	if config.User != "" && config.Password != "" {
		opts = append(opts, nats.UserInfo(config.User, config.Password))
	}
	opts = append(opts,
		nats.Name(config.Subject),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("Payment queue disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Payment queue reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("Payment queue connection closed")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("Payment queue error", zap.Error(err))
		}),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2*time.Second),
	)

	nc, err := nats.Connect(config.NatsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("error connecting to payment queue: %w", err)
	}
	q.nc = nc

	logger.Info("Connected to payment queue", zap.String("url", nc.ConnectedUrl()), zap.String("subject", config.Subject))
	return q, nil
}

func (q *NATSPaymentQueue) Subscribe(observer PaymentQueueObserver) error {
	q.Lock()
	defer q.Unlock()

	if q.nc.IsClosed() {
		return ErrPaymentQueueClosed
	}
	if q.sub != nil {
		_ = q.sub.Unsubscribe()
		q.sub = nil
	}
	q.observer = observer

	sub, err := q.nc.Subscribe(q.config.Subject, q.handleMessage)
	if err != nil {
		q.observer = nil
		return fmt.Errorf("error subscribing to %v: %w", q.config.Subject, err)
	}
	q.sub = sub
	q.logger.Debug("Subscribed to payment queue", zap.String("subject", q.config.Subject))
	return nil
}

func (q *NATSPaymentQueue) Unsubscribe() {
	q.Lock()
	defer q.Unlock()

	if q.sub != nil {
		if err := q.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			q.logger.Warn("Error unsubscribing from payment queue", zap.Error(err))
		}
		q.sub = nil
	}
	q.observer = nil
}

func (q *NATSPaymentQueue) AddPayment(ctx context.Context, payment *Payment) (*TransactionEvent, error) {
	data, err := json.Marshal(payment)
	if err != nil {
		return nil, err
	}

	msg, err := q.nc.RequestWithContext(ctx, q.config.PurchaseSubject, data)
	if err != nil {
		return nil, fmt.Errorf("error requesting payment: %w", err)
	}

	var reply paymentReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("error decoding payment reply: %w", err)
	}
	if reply.Error != "" {
		return nil, &StoreError{Message: reply.Error}
	}
	if reply.Transaction == nil || reply.Transaction.TransactionID == "" {
		return nil, errors.New("payment reply did not contain a transaction")
	}
	return reply.Transaction, nil
}

func (q *NATSPaymentQueue) Finish(ctx context.Context, transactionID string) error {
	data, err := json.Marshal(&finishMessage{TransactionID: transactionID})
	if err != nil {
		return err
	}
	if err := q.nc.Publish(q.config.FinishSubject, data); err != nil {
		return fmt.Errorf("error publishing finish: %w", err)
	}
	return q.nc.FlushWithContext(ctx)
}

func (q *NATSPaymentQueue) Close() {
	q.Unsubscribe()
	if err := q.nc.Drain(); err != nil {
		q.logger.Warn("Error draining payment queue connection", zap.Error(err))
		q.nc.Close()
	}
}

func (q *NATSPaymentQueue) handleMessage(msg *nats.Msg) {
	events, err := decodeTransactionEvents(msg.Data)
	if err != nil {
		q.logger.Warn("Discarding malformed payment queue message", zap.Error(err), zap.Int("size", len(msg.Data)))
		return
	}
	if len(events) == 0 {
		return
	}

	q.Lock()
	observer := q.observer
	q.Unlock()
	if observer == nil {
		return
	}
	observer.OnTransactionsUpdated(events)
}

// decodeTransactionEvents accepts either a single event object or an array of events.
// Events without a transaction id are dropped.
func decodeTransactionEvents(data []byte) ([]*TransactionEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty message")
	}

	var events []*TransactionEvent
	if data[0] == '[' {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, err
		}
	} else {
		var ev TransactionEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, err
		}
		events = []*TransactionEvent{&ev}
	}

	valid := events[:0]
	for _, ev := range events {
		if ev != nil && ev.TransactionID != "" {
			valid = append(valid, ev)
		}
	}
	return valid, nil
}
