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
	"errors"
	"os"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewDB Opens the database named by TEST_DB_URL, skipping the test when it is not set.
func NewDB(t *testing.T) *sql.DB {
	t.Helper()
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		t.Skip("TEST_DB_URL not set")
	}
	db, err := sql.Open("pgx", dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS purchaser_info (
    PRIMARY KEY (app_user_id),
    app_user_id  VARCHAR(256) NOT NULL,
    request_date TIMESTAMPTZ  NOT NULL,
    info         JSONB        NOT NULL DEFAULT '{}',
    create_time  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    update_time  TIMESTAMPTZ  NOT NULL DEFAULT now()
)`)
	require.NoError(t, err)
	return db
}

func TestSQLPurchaserInfoStore_SaveLoad(t *testing.T) {
	db := NewDB(t)
	store := NewSQLPurchaserInfoStore(logger, db)
	ctx := context.Background()
	identity := "store-" + uuid.Must(uuid.NewV4()).String()

	info, err := store.Load(ctx, identity)
	require.NoError(t, err)
	assert.Nil(t, info)

	newer := newTestPurchaserInfo(time.Now().UTC().Truncate(time.Millisecond), "premium")
	newer.ExpirationDates["premium_monthly"] = newer.RequestDate.Add(30 * 24 * time.Hour)
	require.NoError(t, store.Save(ctx, identity, newer))

	older := newTestPurchaserInfo(newer.RequestDate.Add(-time.Hour), "stale")
	require.NoError(t, store.Save(ctx, identity, older))

	loaded, err := store.Load(ctx, identity)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, loaded.IsEntitled("premium"), "older snapshot must not overwrite a newer one")
	assert.True(t, loaded.RequestDate.Equal(newer.RequestDate))
	assert.True(t, loaded.ExpirationDates["premium_monthly"].Equal(newer.ExpirationDates["premium_monthly"]))
}

func TestExecuteRetryable(t *testing.T) {
	attempts := 0
	err := ExecuteRetryable(func() error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	permanent := errors.New("syntax error")
	err = ExecuteRetryable(func() error {
		attempts++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)

	attempts = 0
	err = ExecuteRetryable(func() error {
		attempts++
		return &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	})
	assert.Error(t, err)
	assert.Equal(t, maxRetryableAttempts, attempts)
}

func TestIsSchemaMissing(t *testing.T) {
	assert.True(t, isSchemaMissing(&pgconn.PgError{Code: pgerrcode.UndefinedTable}))
	assert.False(t, isSchemaMissing(&pgconn.PgError{Code: pgerrcode.UniqueViolation}))
	assert.False(t, isSchemaMissing(errors.New("boom")))
}
