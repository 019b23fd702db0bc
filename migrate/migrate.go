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

package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/heroiclabs/purchases/server"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib" // Blank import to register SQL driver
	migrate "github.com/rubenv/sql-migrate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	migrationTable = "migration_info"
	dialect        = "postgres"
	defaultLimit   = -1
)

//go:embed sql/*
var sqlMigrateFS embed.FS

type statusRow struct {
	ID        string
	Migrated  bool
	AppliedAt time.Time
}

type migrationService struct {
	dbAddress    string
	limit        int
	loggerFormat string
	migrations   migrate.MigrationSource
	db           *sql.DB
}

func migrationSource() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: sqlMigrateFS,
		Root:       "sql",
	}
}

// StartupCheck Fails fast when the purchaser info schema is behind the bundled migrations.
func StartupCheck(logger *zap.Logger, db *sql.DB) {
	migrate.SetTable(migrationTable)

	migrations, err := migrationSource().FindMigrations()
	if err != nil {
		logger.Fatal("Could not find migrations", zap.Error(err))
	}
	records, err := migrate.GetMigrationRecords(db, dialect)
	if err != nil {
		logger.Fatal("Could not get migration records, run `purchases migrate up`", zap.Error(err))
	}

	diff := len(migrations) - len(records)
	if diff > 0 {
		logger.Fatal("DB schema outdated, run `purchases migrate up`", zap.Int("migrations", diff))
	}
	if diff < 0 {
		logger.Warn("DB schema newer, update purchases", zap.Int("migrations", -diff))
	}
}

// NewCommand Builds the `migrate` command tree with up, down, redo and status subcommands.
func NewCommand() *cobra.Command {
	ms := &migrationService{
		migrations: migrationSource(),
	}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the purchaser info database schema",
	}
	cmd.PersistentFlags().StringVar(&ms.dbAddress, "database.address", "postgres@localhost:5432", "Address of the PostgreSQL server (username:password@address:port/dbname).")
	cmd.PersistentFlags().IntVar(&ms.limit, "limit", defaultLimit, "Number of migrations to apply forwards or backwards.")
	cmd.PersistentFlags().StringVar(&ms.loggerFormat, "logger.format", "json", "Log output format, one of 'json' or 'console'.")

	for _, sub := range []struct {
		use   string
		short string
		exec  func(logger *zap.Logger)
	}{
		{"up", "Apply pending migrations", ms.up},
		{"down", "Roll back migrations, one by default", ms.down},
		{"redo", "Roll back and reapply the latest migration", ms.redo},
		{"status", "List migrations and when they were applied", ms.status},
	} {
		exec := sub.exec
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				format, ok := server.ParseLoggingFormat(ms.loggerFormat)
				if !ok {
					return fmt.Errorf("logger format invalid, must be one of: 'json' or 'console'")
				}
				logger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, format)
				if err := ms.connect(cmd.Context(), logger); err != nil {
					return err
				}
				defer ms.db.Close()

				migrate.SetTable(migrationTable)
				exec(logger)
				return nil
			},
		})
	}

	return cmd
}

// connect Creates the target database if missing and opens a connection to it.
func (ms *migrationService) connect(ctx context.Context, logger *zap.Logger) error {
	if ms.dbAddress == "" {
		return errors.New("database connection details are required")
	}

	parsedURL, err := url.Parse(fmt.Sprintf("postgresql://%s", ms.dbAddress))
	if err != nil {
		return fmt.Errorf("bad connection URL: %w", err)
	}
	query := parsedURL.Query()
	if len(query.Get("sslmode")) == 0 {
		query.Set("sslmode", "prefer")
		parsedURL.RawQuery = query.Encode()
	}
	if len(parsedURL.User.Username()) < 1 {
		parsedURL.User = url.User("postgres")
	}
	dbname := "purchases"
	if len(parsedURL.Path) > 1 {
		dbname = parsedURL.Path[1:]
	}

	logger.Info("Database connection", zap.String("dsn", parsedURL.Redacted()))

	parsedURL.Path = "/postgres"
	db, err := sql.Open("pgx", parsedURL.String())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("error pinging database: %w", err)
	}

	var dbVersion string
	if err = db.QueryRowContext(ctx, "SELECT version()").Scan(&dbVersion); err != nil {
		_ = db.Close()
		return fmt.Errorf("error querying database version: %w", err)
	}
	logger.Info("Database information", zap.String("version", dbVersion))

	if _, err = db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %q", dbname)); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.DuplicateDatabase {
			logger.Info("Using existing database", zap.String("name", dbname))
		} else {
			_ = db.Close()
			return fmt.Errorf("database query failed: %w", err)
		}
	} else {
		logger.Info("Creating new database", zap.String("name", dbname))
	}
	_ = db.Close()

	parsedURL.Path = fmt.Sprintf("/%s", dbname)
	db, err = sql.Open("pgx", parsedURL.String())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("error pinging database: %w", err)
	}
	ms.db = db
	return nil
}

func (ms *migrationService) up(logger *zap.Logger) {
	limit := ms.limit
	if limit < defaultLimit {
		limit = 0
	}

	appliedMigrations, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Up, limit)
	if err != nil {
		logger.Fatal("Failed to apply migrations", zap.Int("count", appliedMigrations), zap.Error(err))
	}

	logger.Info("Successfully applied migration", zap.Int("count", appliedMigrations))
}

func (ms *migrationService) down(logger *zap.Logger) {
	limit := ms.limit
	if limit <= defaultLimit {
		limit = 1
	}

	appliedMigrations, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Down, limit)
	if err != nil {
		logger.Fatal("Failed to migrate back", zap.Int("count", appliedMigrations), zap.Error(err))
	}

	logger.Info("Successfully migrated back", zap.Int("count", appliedMigrations))
}

func (ms *migrationService) redo(logger *zap.Logger) {
	if ms.limit > defaultLimit {
		logger.Warn("Limit is ignored when redo is invoked")
	}

	appliedMigrations, err := migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Down, 1)
	if err != nil {
		logger.Fatal("Failed to migrate back", zap.Int("count", appliedMigrations), zap.Error(err))
	}
	logger.Info("Successfully migrated back", zap.Int("count", appliedMigrations))

	appliedMigrations, err = migrate.ExecMax(ms.db, dialect, ms.migrations, migrate.Up, 1)
	if err != nil {
		logger.Fatal("Failed to apply migrations", zap.Int("count", appliedMigrations), zap.Error(err))
	}
	logger.Info("Successfully applied migration", zap.Int("count", appliedMigrations))
}

func (ms *migrationService) status(logger *zap.Logger) {
	if ms.limit > defaultLimit {
		logger.Warn("Limit is ignored when status is invoked")
	}

	migrations, err := ms.migrations.FindMigrations()
	if err != nil {
		logger.Fatal("Could not find migrations", zap.Error(err))
	}

	records, err := migrate.GetMigrationRecords(ms.db, dialect)
	if err != nil {
		logger.Fatal("Could not get migration records", zap.Error(err))
	}

	rows := make(map[string]*statusRow, len(migrations))
	for _, m := range migrations {
		rows[m.Id] = &statusRow{
			ID: m.Id,
		}
	}
	for _, r := range records {
		row, found := rows[r.Id]
		if !found {
			logger.Warn("Applied migration not bundled with this build", zap.String("id", r.Id))
			continue
		}
		row.Migrated = true
		row.AppliedAt = r.AppliedAt
	}

	for _, m := range migrations {
		if rows[m.Id].Migrated {
			logger.Info(m.Id, zap.String("applied", rows[m.Id].AppliedAt.Format(time.RFC822Z)))
		} else {
			logger.Info(m.Id, zap.String("applied", ""))
		}
	}
}
