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
	"errors"
	"fmt"
)

// Usage errors. These are returned synchronously and never reach the dispatcher.
var (
	ErrEmptySharedSecret    = errors.New("shared secret must not be empty")
	ErrEmptyIdentity        = errors.New("app user id must not be empty")
	ErrInvalidIdentity      = errors.New("app user id is malformed")
	ErrInvalidQuantity      = errors.New("invalid purchase quantity")
	ErrUnknownProduct       = errors.New("product must not be nil")
	ErrDuplicateTransaction = errors.New("transaction is already in flight or finalized")
	ErrEngineStopped        = errors.New("reconciliation engine is stopped")
)

// Terminal failure reasons produced by the engine itself.
var (
	ErrRetriesExhausted = errors.New("verification retries exhausted")
	ErrSchemaMissing    = errors.New("purchaser info schema is missing")
)

type FailureKind int

const (
	// Network timeouts, connection errors, 5xx and 429 responses. Eligible for retry.
	FailureTransient FailureKind = iota
	// Invalid receipt, unknown product and other 4xx responses.
	FailureRejected
	// Bad shared secret. Halts verification until credentials are updated.
	FailureAuthentication
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailureRejected:
		return "rejected"
	case FailureAuthentication:
		return "authentication"
	default:
		return fmt.Sprintf("FailureKind(%d)", int(k))
	}
}

// VerificationError is the classified failure returned by a Backend.
type VerificationError struct {
	Kind       FailureKind
	StatusCode int
	Message    string
	Err        error
}

func NewVerificationError(kind FailureKind, statusCode int, message string, cause error) *VerificationError {
	return &VerificationError{
		Kind:       kind,
		StatusCode: statusCode,
		Message:    message,
		Err:        cause,
	}
}

func (e *VerificationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s verification failure (status %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s verification failure: %s", e.Kind, msg)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// FailureKindOf classifies any error returned from a Backend. Unclassified
// errors are treated as transient since they are most likely transport problems.
func FailureKindOf(err error) FailureKind {
	var vErr *VerificationError
	if errors.As(err, &vErr) {
		return vErr.Kind
	}
	return FailureTransient
}

// StoreError is a failure reported by the platform payment queue itself, for
// example a user cancelling the payment sheet.
type StoreError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StoreError) Error() string {
	if e.Code == "" {
		return "store failure: " + e.Message
	}
	return fmt.Sprintf("store failure %s: %s", e.Code, e.Message)
}
