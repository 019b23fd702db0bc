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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindFlags(t *testing.T) {
	c := NewConfig()
	fs := pflag.NewFlagSet("purchases", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs, c))

	for _, name := range []string{"name", "config", "logger.level", "metrics.prometheus_port", "database.address", "backend.shared_secret", "reconcile.max_retries", "queue.nats_url"} {
		assert.NotNil(t, fs.Lookup(name), name)
	}

	require.NoError(t, fs.Parse([]string{"--reconcile.max_retries=7", "--backend.app_user_id=user-9", "--logger.stdout=false"}))
	assert.Equal(t, 7, c.GetReconcile().MaxRetries)
	assert.Equal(t, "user-9", c.GetBackend().AppUserID)
	assert.False(t, c.GetLogger().Stdout)

	assert.Error(t, BindFlags(fs, *c))
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
name: purchases-test
backend:
  url: https://entitlements.example.com
  shared_secret: from-file
  app_user_id: file-user
reconcile:
  max_retries: 5
  base_delay_ms: 250
queue:
  subject: store.transactions
`)), 0644))

	c := NewConfig()
	fs := pflag.NewFlagSet("purchases", pflag.ContinueOnError)
	require.NoError(t, BindFlags(fs, c))
	require.NoError(t, fs.Parse([]string{"--config", path, "--reconcile.max_retries=9"}))
	require.NoError(t, LoadConfig(c, fs))

	assert.Equal(t, "purchases-test", c.GetName())
	assert.Equal(t, "from-file", c.GetBackend().SharedSecret)
	assert.Equal(t, 9, c.GetReconcile().MaxRetries, "command line wins over file")
	assert.Equal(t, 250*time.Millisecond, c.GetReconcile().BaseDelay())
	assert.Equal(t, 30*time.Second, c.GetReconcile().MaxDelay(), "defaults kept for missing keys")
	assert.Equal(t, "store.transactions", c.GetQueue().Subject)
	assert.Equal(t, "purchases.finish", c.GetQueue().FinishSubject)

	assert.Empty(t, validateConfig(c))
}

func TestLoadConfig_MissingFile(t *testing.T) {
	c := NewConfig()
	c.Config = filepath.Join(t.TempDir(), "absent.yml")
	assert.Error(t, LoadConfig(c, pflag.NewFlagSet("purchases", pflag.ContinueOnError)))
}

func TestValidateConfig(t *testing.T) {
	c := NewConfig()
	errs := validateConfig(c)
	require.NotEmpty(t, errs)

	var secretErr, identityErr bool
	for _, err := range errs {
		secretErr = secretErr || errors.Is(err, ErrEmptySharedSecret)
		identityErr = identityErr || errors.Is(err, ErrEmptyIdentity)
	}
	assert.True(t, secretErr)
	assert.True(t, identityErr)

	c.Backend.SharedSecret = testSharedSecret
	c.Backend.AppUserID = testIdentity
	assert.Empty(t, validateConfig(c))

	c.Reconcile.MaxRetries = 0
	c.Logger.Level = "trace"
	c.Queue.User = "only-user"
	assert.Len(t, validateConfig(c), 3)
}
