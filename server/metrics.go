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
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/uber-go/tally/v4"
	"github.com/uber-go/tally/v4/prometheus"
	"go.uber.org/zap"
)

type Metrics interface {
	Stop(logger *zap.Logger)

	TransactionAdmitted(origin TransactionOrigin)
	TransactionDuplicate()
	TransactionFinalized()
	TransactionFailed(reason FailureKind)
	TransactionStoreFailed()
	GaugeInFlight(count float64)

	VerifyAttempt()
	VerifyTransient()
	VerifyAuthFailed()
	VerifyLatency(elapsed time.Duration)

	FinishFailed()
	DispatcherDropped()
	PurchaserInfoReplaced(accepted bool)
	StoreWriteFailed()
}

type LocalMetrics struct {
	logger *zap.Logger
	config Config

	scope       tally.Scope
	scopeCloser io.Closer

	prometheusHTTPServer *http.Server
}

func NewLocalMetrics(logger, startupLogger *zap.Logger, config Config) *LocalMetrics {
	m := &LocalMetrics{
		logger: logger,
		config: config,
	}

	tags := map[string]string{"node_name": config.GetName()}
	if namespace := config.GetMetrics().Namespace; namespace != "" {
		tags["namespace"] = namespace
	}

	registry := prom.NewRegistry()
	reporter := prometheus.NewReporter(prometheus.Options{
		Registerer: registry,
		Gatherer:   registry,
		OnRegisterError: func(err error) {
			logger.Error("Could not register Prometheus metric", zap.Error(err))
		},
	})
	m.scope, m.scopeCloser = tally.NewRootScope(tally.ScopeOptions{
		Prefix:          config.GetMetrics().Prefix,
		Tags:            tags,
		CachedReporter:  reporter,
		Separator:       prometheus.DefaultSeparator,
		SanitizeOptions: &prometheus.DefaultSanitizerOpts,
	}, time.Duration(config.GetMetrics().ReportingFreqSec)*time.Second)

	if config.GetMetrics().PrometheusPort > 0 {
		router := mux.NewRouter()
		router.Handle("/", reporter.HTTPHandler()).Methods(http.MethodGet)
		CORSHeaders := handlers.AllowedHeaders([]string{"Content-Type", "User-Agent"})
		CORSOrigins := handlers.AllowedOrigins([]string{"*"})
		CORSMethods := handlers.AllowedMethods([]string{http.MethodGet, http.MethodHead})
		handlerWithCORS := handlers.CORS(CORSHeaders, CORSOrigins, CORSMethods)(router)
		m.prometheusHTTPServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", config.GetMetrics().PrometheusPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			Handler:      handlerWithCORS,
		}

		startupLogger.Info("Starting Prometheus server for metrics requests", zap.Int("port", config.GetMetrics().PrometheusPort))
		go func() {
			if err := m.prometheusHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				startupLogger.Fatal("Prometheus listener failed", zap.Error(err))
			}
		}()
	}

	return m
}

// NewScopedMetrics Wraps an existing scope without starting a reporter or HTTP endpoint.
func NewScopedMetrics(scope tally.Scope) *LocalMetrics {
	return &LocalMetrics{
		logger: zap.NewNop(),
		scope:  scope,
	}
}

func (m *LocalMetrics) Stop(logger *zap.Logger) {
	if m.prometheusHTTPServer != nil {
		// Stop Prometheus server if one is running.
		if err := m.prometheusHTTPServer.Shutdown(context.Background()); err != nil {
			logger.Error("Prometheus listener shutdown failed", zap.Error(err))
		}
	}

	// Close the scope to flush any final metrics.
	if m.scopeCloser != nil {
		if err := m.scopeCloser.Close(); err != nil {
			logger.Error("Error closing metrics scope", zap.Error(err))
		}
	}
}

func (m *LocalMetrics) TransactionAdmitted(origin TransactionOrigin) {
	m.scope.Tagged(map[string]string{"origin": origin.String()}).Counter("tx_admitted").Inc(1)
}

func (m *LocalMetrics) TransactionDuplicate() {
	m.scope.Counter("tx_duplicate").Inc(1)
}

func (m *LocalMetrics) TransactionFinalized() {
	m.scope.Counter("tx_finalized").Inc(1)
}

func (m *LocalMetrics) TransactionFailed(reason FailureKind) {
	m.scope.Tagged(map[string]string{"reason": reason.String()}).Counter("tx_failed").Inc(1)
}

func (m *LocalMetrics) TransactionStoreFailed() {
	m.scope.Tagged(map[string]string{"reason": "store"}).Counter("tx_failed").Inc(1)
}

func (m *LocalMetrics) GaugeInFlight(count float64) {
	m.scope.Gauge("tx_in_flight").Update(count)
}

func (m *LocalMetrics) VerifyAttempt() {
	m.scope.Counter("verify_attempts").Inc(1)
}

func (m *LocalMetrics) VerifyTransient() {
	m.scope.Counter("verify_transient").Inc(1)
}

func (m *LocalMetrics) VerifyAuthFailed() {
	m.scope.Counter("verify_auth_failed").Inc(1)
}

func (m *LocalMetrics) VerifyLatency(elapsed time.Duration) {
	m.scope.Timer("verify_latency").Record(elapsed)
}

func (m *LocalMetrics) FinishFailed() {
	m.scope.Counter("tx_finish_failed").Inc(1)
}

func (m *LocalMetrics) DispatcherDropped() {
	m.scope.Counter("dispatcher_dropped").Inc(1)
}

func (m *LocalMetrics) PurchaserInfoReplaced(accepted bool) {
	if accepted {
		m.scope.Counter("purchaser_info_replaced").Inc(1)
		return
	}
	m.scope.Counter("purchaser_info_stale").Inc(1)
}

func (m *LocalMetrics) StoreWriteFailed() {
	m.scope.Counter("store_write_failed").Inc(1)
}
