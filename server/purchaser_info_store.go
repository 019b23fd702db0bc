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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// PurchaserInfoStore persists accepted purchaser info snapshots so a restarted process
// can serve entitlements before the backend is reachable.
type PurchaserInfoStore interface {
	// Load Returns nil without error when nothing is stored for identity.
	Load(ctx context.Context, identity string) (*PurchaserInfo, error)
	// Save Writes info unless a snapshot with a later request date is already stored.
	Save(ctx context.Context, identity string, info *PurchaserInfo) error
}

type SQLPurchaserInfoStore struct {
	logger *zap.Logger
	db     *sql.DB
}

func NewSQLPurchaserInfoStore(logger *zap.Logger, db *sql.DB) *SQLPurchaserInfoStore {
	return &SQLPurchaserInfoStore{
		logger: logger,
		db:     db,
	}
}

func (s *SQLPurchaserInfoStore) Load(ctx context.Context, identity string) (*PurchaserInfo, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, "SELECT info FROM purchaser_info WHERE app_user_id = $1", identity).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if isSchemaMissing(err) {
			return nil, ErrSchemaMissing
		}
		return nil, fmt.Errorf("error loading purchaser info: %w", err)
	}

	info := &PurchaserInfo{}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, fmt.Errorf("error decoding stored purchaser info: %w", err)
	}
	return info, nil
}

func (s *SQLPurchaserInfoStore) Save(ctx context.Context, identity string, info *PurchaserInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("error encoding purchaser info: %w", err)
	}

	query := `
INSERT INTO purchaser_info (app_user_id, request_date, info)
VALUES ($1, $2, $3)
ON CONFLICT (app_user_id) DO UPDATE
SET request_date = EXCLUDED.request_date, info = EXCLUDED.info, update_time = now()
WHERE purchaser_info.request_date <= EXCLUDED.request_date`

	err = ExecuteRetryable(func() error {
		_, err := s.db.ExecContext(ctx, query, identity, info.RequestDate.UTC(), string(raw))
		return err
	})
	if err != nil {
		if isSchemaMissing(err) {
			return ErrSchemaMissing
		}
		return fmt.Errorf("error saving purchaser info: %w", err)
	}
	return nil
}
