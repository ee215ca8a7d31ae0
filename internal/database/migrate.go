// Package database はauth_storageを置くPostgreSQLへの接続とスキーマ管理を提供する。
package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtyDatabase は前回のマイグレーションが途中で失敗したままであることを示す。
// 手動で修復し、migrate force で版を確定させるまで適用を進めない。
var ErrDirtyDatabase = errors.New("database schema is dirty")

// migrateLogger はgolang-migrateのログをslogへ流す。
type migrateLogger struct {
	logger *slog.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return false
}

// NewMigrator は埋め込みのマイグレーションを適用するmigrateインスタンスを生成する。
// loggerがnilの場合はslog.Defaultを使う。
func NewMigrator(databaseURL string, logger *slog.Logger) (*migrate.Migrate, error) {
	if logger == nil {
		logger = slog.Default()
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}
	m.Log = migrateLogger{logger: logger.With(slog.String("component", "migrate"))}

	return m, nil
}

// SchemaVersion は適用済みのスキーマ版を返す。未適用の場合は0を返す。
func SchemaVersion(m *migrate.Migrate) (version uint, dirty bool, err error) {
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, dirty, nil
}

// RunMigrations は未適用のマイグレーションをすべて適用し、適用後の版を返す。
// すでに最新の場合は何もしない。dirtyな状態ではErrDirtyDatabaseを返す。
func RunMigrations(databaseURL string, logger *slog.Logger) (uint, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := NewMigrator(databaseURL, logger)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	from, dirty, err := SchemaVersion(m)
	if err != nil {
		return 0, err
	}
	if dirty {
		return from, fmt.Errorf("%w at version %d", ErrDirtyDatabase, from)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return from, fmt.Errorf("failed to run migrations: %w", err)
	}

	to, _, err := SchemaVersion(m)
	if err != nil {
		return from, err
	}
	if to == from {
		logger.Info("schema is up to date", slog.Uint64("version", uint64(to)))
	} else {
		logger.Info("schema migrated",
			slog.Uint64("from", uint64(from)),
			slog.Uint64("to", uint64(to)),
		)
	}
	return to, nil
}
