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
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config interface is the purchases node configuration.
type Config interface {
	GetName() string
	GetConfig() string
	GetDataDir() string
	GetShutdownGraceSec() int
	GetLogger() *LoggerConfig
	GetMetrics() *MetricsConfig
	GetDatabase() *DatabaseConfig
	GetBackend() *BackendConfig
	GetReconcile() *ReconcileConfig
	GetQueue() *QueueConfig
}

// LoadConfig Applies the YAML file named by --config on top of the defaults, keeping
// any value explicitly set on the command line. The flag set must have been bound
// to the same config with BindFlags and already parsed.
func LoadConfig(config *config, fs *pflag.FlagSet) error {
	if config.Config == "" {
		return nil
	}

	overrides := captureChangedFlags(fs)

	data, err := os.ReadFile(config.Config)
	if err != nil {
		return fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("could not parse config file: %w", err)
	}

	return restoreChangedFlags(fs, overrides)
}

// CheckConfig Fails fast on any invalid configuration value.
func CheckConfig(logger *zap.Logger, config Config) {
	if errs := validateConfig(config); len(errs) > 0 {
		for _, err := range errs {
			logger.Error("Invalid configuration", zap.Error(err))
		}
		logger.Fatal("Configuration check failed", zap.Int("errors", len(errs)))
	}

	if config.GetReconcile().MaxDelayMs < config.GetReconcile().BaseDelayMs {
		logger.Warn("WARNING: reconcile.max_delay_ms is lower than reconcile.base_delay_ms, every retry will wait max_delay_ms")
	}
	if config.GetDatabase().Address == "" {
		logger.Warn("WARNING: no database.address set, purchaser info will not persist across restarts")
	}
}

func validateConfig(config Config) []error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if config.GetName() == "" {
		add("name must be set")
	}
	if config.GetShutdownGraceSec() < 0 {
		add("shutdown_grace_sec must be >= 0")
	}
	switch strings.ToLower(config.GetLogger().Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logger.level must be one of debug, info, warn or error")
	}
	switch strings.ToLower(config.GetLogger().Format) {
	case "", "json", "console":
	default:
		add("logger.format must be one of json or console")
	}
	if config.GetMetrics().PrometheusPort < 0 {
		add("metrics.prometheus_port must be >= 0")
	}
	if config.GetMetrics().ReportingFreqSec < 1 {
		add("metrics.reporting_freq_sec must be >= 1")
	}

	backend := config.GetBackend()
	if backend.URL == "" {
		add("backend.url must be set")
	}
	if backend.SharedSecret == "" {
		errs = append(errs, fmt.Errorf("backend.shared_secret: %w", ErrEmptySharedSecret))
	}
	if err := DefaultIdentityPolicy(backend.AppUserID); err != nil {
		errs = append(errs, fmt.Errorf("backend.app_user_id: %w", err))
	}
	if backend.TimeoutMs < 1 {
		add("backend.timeout_ms must be >= 1")
	}

	reconcile := config.GetReconcile()
	if reconcile.MaxRetries < 1 {
		add("reconcile.max_retries must be >= 1")
	}
	if reconcile.BaseDelayMs < 1 {
		add("reconcile.base_delay_ms must be >= 1")
	}
	if reconcile.MaxDelayMs < 1 {
		add("reconcile.max_delay_ms must be >= 1")
	}
	if reconcile.VerifyTimeoutMs < 1 {
		add("reconcile.verify_timeout_ms must be >= 1")
	}
	if reconcile.FinishTimeoutMs < 1 {
		add("reconcile.finish_timeout_ms must be >= 1")
	}
	if reconcile.FinishAttempts < 1 {
		add("reconcile.finish_attempts must be >= 1")
	}
	if reconcile.FinalizedTTLSec < 0 {
		add("reconcile.finalized_ttl_sec must be >= 0")
	}
	if reconcile.DispatcherQueueSize < 1 {
		add("reconcile.dispatcher_queue_size must be >= 1")
	}
	if reconcile.PurchaserInfoMaxAgeSec < 0 {
		add("reconcile.purchaser_info_max_age_sec must be >= 0")
	}

	queue := config.GetQueue()
	if queue.NatsURL == "" {
		add("queue.nats_url must be set")
	}
	if queue.Subject == "" || queue.FinishSubject == "" || queue.PurchaseSubject == "" {
		add("queue.subject, queue.finish_subject and queue.purchase_subject must all be set")
	}
	if (queue.User == "") != (queue.Password == "") {
		errs = append(errs, errors.New("queue.user and queue.password must be set together"))
	}

	return errs
}

type config struct {
	Name             string           `yaml:"name" json:"name" usage:"Node name, unique per process."`
	Config           string           `yaml:"config" json:"config" usage:"The absolute file path to configuration YAML file."`
	Datadir          string           `yaml:"data_dir" json:"data_dir" usage:"An absolute path to a writeable folder where log files are stored."`
	ShutdownGraceSec int              `yaml:"shutdown_grace_sec" json:"shutdown_grace_sec" usage:"Seconds to wait for in-flight verifications to complete on shutdown. 0 stops immediately."`
	Logger           *LoggerConfig    `yaml:"logger" json:"logger" usage:"Logger levels and output."`
	Metrics          *MetricsConfig   `yaml:"metrics" json:"metrics" usage:"Metrics settings."`
	Database         *DatabaseConfig  `yaml:"database" json:"database" usage:"Purchaser info store connection settings."`
	Backend          *BackendConfig   `yaml:"backend" json:"backend" usage:"Entitlement backend settings."`
	Reconcile        *ReconcileConfig `yaml:"reconcile" json:"reconcile" usage:"Transaction reconciliation settings."`
	Queue            *QueueConfig     `yaml:"queue" json:"queue" usage:"Payment queue settings."`
}

// NewConfig constructs a config struct which represents node settings.
func NewConfig() *config {
	cwd, _ := os.Getwd()
	nodeName := "purchases-" + strings.Split(uuid.Must(uuid.NewV4()).String(), "-")[3]
	return &config{
		Name:             nodeName,
		Datadir:          filepath.Join(cwd, "data"),
		ShutdownGraceSec: 5,
		Logger:           NewLoggerConfig(),
		Metrics:          NewMetricsConfig(),
		Database:         NewDatabaseConfig(),
		Backend:          NewBackendConfig(),
		Reconcile:        NewReconcileConfig(),
		Queue:            NewQueueConfig(),
	}
}

func (c *config) GetName() string {
	return c.Name
}

func (c *config) GetConfig() string {
	return c.Config
}

func (c *config) GetDataDir() string {
	return c.Datadir
}

func (c *config) GetShutdownGraceSec() int {
	return c.ShutdownGraceSec
}

func (c *config) GetLogger() *LoggerConfig {
	return c.Logger
}

func (c *config) GetMetrics() *MetricsConfig {
	return c.Metrics
}

func (c *config) GetDatabase() *DatabaseConfig {
	return c.Database
}

func (c *config) GetBackend() *BackendConfig {
	return c.Backend
}

func (c *config) GetReconcile() *ReconcileConfig {
	return c.Reconcile
}

func (c *config) GetQueue() *QueueConfig {
	return c.Queue
}

// LoggerConfig is configuration relevant to logging levels and output.
type LoggerConfig struct {
	Level      string `yaml:"level" json:"level" usage:"Log level to set. Valid values are 'debug', 'info', 'warn', 'error'."`
	Stdout     bool   `yaml:"stdout" json:"stdout" usage:"Log to standard console output (as well as to a log file if set)."`
	File       string `yaml:"file" json:"file" usage:"Log output to a file (as well as stdout if set). Make sure that the directory and the file is writable."`
	Rotation   bool   `yaml:"rotation" json:"rotation" usage:"Rotate log files. Default is false."`
	MaxSize    int    `yaml:"max_size" json:"max_size" usage:"The maximum size in megabytes of the log file before it gets rotated. It defaults to 100 megabytes."`
	MaxAge     int    `yaml:"max_age" json:"max_age" usage:"The maximum number of days to retain old log files based on the timestamp encoded in their filename."`
	MaxBackups int    `yaml:"max_backups" json:"max_backups" usage:"The maximum number of old log files to retain. The default is to retain all old log files."`
	LocalTime  bool   `yaml:"local_time" json:"local_time" usage:"Use the computer's local time for formatting the timestamps in backup files. The default is UTC."`
	Compress   bool   `yaml:"compress" json:"compress" usage:"Compress rotated log files using gzip."`
	Format     string `yaml:"format" json:"format" usage:"Set logging output format. Can be 'json' or 'console'. Default is 'json'."`
}

func NewLoggerConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Stdout:  true,
		MaxSize: 100,
		Format:  "json",
	}
}

// MetricsConfig is configuration relevant to metrics capturing and output.
type MetricsConfig struct {
	ReportingFreqSec int    `yaml:"reporting_freq_sec" json:"reporting_freq_sec" usage:"Frequency of metrics exports. Default is 60 seconds."`
	Namespace        string `yaml:"namespace" json:"namespace" usage:"Namespace for Prometheus metrics. It will always prefix node name."`
	PrometheusPort   int    `yaml:"prometheus_port" json:"prometheus_port" usage:"Port to expose Prometheus. If '0' Prometheus exports are disabled."`
	Prefix           string `yaml:"prefix" json:"prefix" usage:"Prefix for metric names. Default is 'purchases', empty string '' disables the prefix."`
}

func NewMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		ReportingFreqSec: 60,
		Prefix:           "purchases",
	}
}

// DatabaseConfig is configuration relevant to the purchaser info store.
type DatabaseConfig struct {
	Address           string `yaml:"address" json:"address" usage:"Postgres address (username:password@address:port/dbname). Empty disables the persistent purchaser info store."`
	ConnMaxLifetimeMs int    `yaml:"conn_max_lifetime_ms" json:"conn_max_lifetime_ms" usage:"Time in milliseconds to reuse a database connection before the connection is killed and a new one is created."`
	MaxOpenConns      int    `yaml:"max_open_conns" json:"max_open_conns" usage:"Maximum number of allowed open connections to the database."`
	MaxIdleConns      int    `yaml:"max_idle_conns" json:"max_idle_conns" usage:"Maximum number of allowed open but unused connections to the database."`
}

func NewDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		ConnMaxLifetimeMs: 3600000,
		MaxOpenConns:      10,
		MaxIdleConns:      5,
	}
}

// BackendConfig is configuration relevant to the remote entitlement backend.
type BackendConfig struct {
	URL            string `yaml:"url" json:"url" usage:"Base URL of the entitlement backend."`
	SharedSecret   string `yaml:"shared_secret" json:"shared_secret" usage:"Shared secret used to sign backend requests."`
	AppUserID      string `yaml:"app_user_id" json:"app_user_id" usage:"App user id all purchases are reconciled for."`
	TimeoutMs      int    `yaml:"timeout_ms" json:"timeout_ms" usage:"HTTP timeout in milliseconds for a single backend request."`
	TokenExpirySec int    `yaml:"token_expiry_sec" json:"token_expiry_sec" usage:"Lifetime in seconds of the signed token attached to each backend request."`
}

func NewBackendConfig() *BackendConfig {
	return &BackendConfig{
		URL:            "http://127.0.0.1:8080",
		TimeoutMs:      10000,
		TokenExpirySec: 300,
	}
}

func (c *BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c *BackendConfig) TokenExpiry() time.Duration {
	return time.Duration(c.TokenExpirySec) * time.Second
}

// ReconcileConfig is configuration relevant to the transaction state machine.
type ReconcileConfig struct {
	MaxRetries             int `yaml:"max_retries" json:"max_retries" usage:"Verification attempts after which a transiently failing transaction is failed."`
	BaseDelayMs            int `yaml:"base_delay_ms" json:"base_delay_ms" usage:"Delay in milliseconds before the first retry. Doubles on every retry."`
	MaxDelayMs             int `yaml:"max_delay_ms" json:"max_delay_ms" usage:"Upper bound in milliseconds for the retry delay."`
	VerifyTimeoutMs        int `yaml:"verify_timeout_ms" json:"verify_timeout_ms" usage:"Deadline in milliseconds for a single verification call."`
	FinishTimeoutMs        int `yaml:"finish_timeout_ms" json:"finish_timeout_ms" usage:"Deadline in milliseconds for acknowledging a transaction to the payment queue."`
	FinishAttempts         int `yaml:"finish_attempts" json:"finish_attempts" usage:"Attempts at acknowledging a transaction before it is released regardless."`
	FinalizedTTLSec        int `yaml:"finalized_ttl_sec" json:"finalized_ttl_sec" usage:"Seconds a finished transaction id is remembered to ignore late redeliveries."`
	DispatcherQueueSize    int `yaml:"dispatcher_queue_size" json:"dispatcher_queue_size" usage:"Maximum notifications held while no listener is attached. Oldest are dropped beyond this."`
	PurchaserInfoMaxAgeSec int `yaml:"purchaser_info_max_age_sec" json:"purchaser_info_max_age_sec" usage:"Seconds a cached purchaser info is served before a refresh is forced."`
}

func NewReconcileConfig() *ReconcileConfig {
	return &ReconcileConfig{
		MaxRetries:             3,
		BaseDelayMs:            1000,
		MaxDelayMs:             30000,
		VerifyTimeoutMs:        15000,
		FinishTimeoutMs:        5000,
		FinishAttempts:         3,
		FinalizedTTLSec:        600,
		DispatcherQueueSize:    64,
		PurchaserInfoMaxAgeSec: 300,
	}
}

func (c *ReconcileConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

func (c *ReconcileConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c *ReconcileConfig) VerifyTimeout() time.Duration {
	return time.Duration(c.VerifyTimeoutMs) * time.Millisecond
}

func (c *ReconcileConfig) FinishTimeout() time.Duration {
	return time.Duration(c.FinishTimeoutMs) * time.Millisecond
}

func (c *ReconcileConfig) FinalizedTTL() time.Duration {
	return time.Duration(c.FinalizedTTLSec) * time.Second
}

func (c *ReconcileConfig) PurchaserInfoMaxAge() time.Duration {
	return time.Duration(c.PurchaserInfoMaxAgeSec) * time.Second
}

// QueueConfig is configuration relevant to the NATS payment queue bridge.
type QueueConfig struct {
	NatsURL         string `yaml:"nats_url" json:"nats_url" usage:"NATS server URL the platform payment queue publishes to."`
	Subject         string `yaml:"subject" json:"subject" usage:"Subject transaction updates are received on."`
	FinishSubject   string `yaml:"finish_subject" json:"finish_subject" usage:"Subject transaction acknowledgements are published to."`
	PurchaseSubject string `yaml:"purchase_subject" json:"purchase_subject" usage:"Request subject new payments are submitted to."`
	User            string `yaml:"user" json:"user" usage:"NATS username."`
	Password        string `yaml:"password" json:"password" usage:"NATS password."`
}

func NewQueueConfig() *QueueConfig {
	return &QueueConfig{
		NatsURL:         "nats://127.0.0.1:4222",
		Subject:         "purchases.transactions",
		FinishSubject:   "purchases.finish",
		PurchaseSubject: "purchases.payments",
	}
}
