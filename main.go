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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/heroiclabs/purchases/iap"
	"github.com/heroiclabs/purchases/migrate"
	"github.com/heroiclabs/purchases/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "1.4.0"
	commitID string = "dev"
)

func main() {
	semver := fmt.Sprintf("%s+%s", version, commitID)

	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	config := server.NewConfig()
	rootCmd := &cobra.Command{
		Use:          "purchases",
		Short:        "Reconciles payment queue transactions against the entitlement backend",
		Version:      semver,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := server.LoadConfig(config, cmd.Flags()); err != nil {
				tmpLogger.Fatal("Could not load configuration", zap.Error(err))
			}
			run(cmd.Context(), tmpLogger, config, semver)
			return nil
		},
	}
	if err := server.BindFlags(rootCmd.Flags(), config); err != nil {
		tmpLogger.Fatal("Could not bind configuration flags", zap.Error(err))
	}
	rootCmd.AddCommand(migrate.NewCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, tmpLogger *zap.Logger, config server.Config, semver string) {
	server.CheckConfig(tmpLogger, config)
	if err := os.MkdirAll(config.GetDataDir(), 0755); err != nil {
		tmpLogger.Fatal("Could not create data directory", zap.Error(err))
	}

	logger, startupLogger := server.SetupLogging(tmpLogger, config)

	startupLogger.Info("Purchases starting")
	startupLogger.Info("Node", zap.String("name", config.GetName()), zap.String("version", semver), zap.String("framework_version", server.FrameworkVersion()), zap.String("runtime", runtime.Version()), zap.Int("cpu", runtime.NumCPU()))
	startupLogger.Info("Data directory", zap.String("path", config.GetDataDir()))

	metrics := server.NewLocalMetrics(logger, startupLogger, config)

	var store server.PurchaserInfoStore
	closeDB := func() {}
	if config.GetDatabase().Address != "" {
		db, dbVersion := server.DbConnect(ctx, startupLogger, config)
		startupLogger.Info("Database information", zap.String("version", dbVersion))
		// Check migration status and fail fast if the schema has diverged.
		migrate.StartupCheck(startupLogger, db)
		store = server.NewSQLPurchaserInfoStore(logger, db)
		closeDB = func() {
			if err := db.Close(); err != nil {
				logger.Error("Error closing database", zap.Error(err))
			}
		}
	}

	backendConfig := config.GetBackend()
	client, err := iap.NewClient(backendConfig.URL, backendConfig.SharedSecret, backendConfig.Timeout(), backendConfig.TokenExpiry())
	if err != nil {
		startupLogger.Fatal("Could not create backend client", zap.Error(err))
	}
	backend := server.NewIAPBackend(logger, client, backendConfig.AppUserID)

	queue, err := server.NewNATSPaymentQueue(logger, config.GetQueue())
	if err != nil {
		startupLogger.Fatal("Could not connect to payment queue", zap.Error(err))
	}

	purchases, err := server.NewPurchases(logger, backendConfig.SharedSecret, backendConfig.AppUserID, config.GetReconcile(), metrics, queue, backend, backend, store, nil)
	if err != nil {
		startupLogger.Fatal("Could not create purchases", zap.Error(err))
	}
	if err = purchases.Start(ctx); err != nil {
		startupLogger.Fatal("Could not start purchases", zap.Error(err))
	}
	purchases.SetListener(server.NewLoggingListener(logger))

	// Respect OS stop signals.
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	startupLogger.Info("Startup done")

	// Wait for a termination signal.
	<-c

	server.HandleShutdown(ctx, startupLogger, purchases, config.GetShutdownGraceSec(), c)

	startupLogger.Info("Shutting down")

	queue.Close()
	metrics.Stop(logger)
	closeDB()

	startupLogger.Info("Shutdown complete")

	os.Exit(0)
}
