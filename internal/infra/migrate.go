package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations brings the ledger, outbox and round schema up to date.
// MIGRATIONS_DIR wins; otherwise db/migrations is searched for upward from
// the working directory so tests in nested packages find it too.
func RunMigrations(cfg *Config, logger *slog.Logger) error {
	dir := cfg.MigrationsDir
	if dir == "" {
		found, err := findMigrationDir()
		if err != nil {
			return err
		}
		dir = found
	}

	m, err := migrate.New("file://"+filepath.ToSlash(dir), cfg.DSN())
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer m.Close()

	from, _, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	to, dirty, _ := m.Version()
	if dirty {
		return fmt.Errorf("schema version %d is dirty", to)
	}
	if to != from {
		logger.Info("schema migrated", "from", from, "to", to, "dir", dir)
	} else {
		logger.Debug("schema up to date", "version", to)
	}
	return nil
}

func findMigrationDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("locate migrations: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "db", "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("db/migrations not found above working directory; set MIGRATIONS_DIR")
		}
		dir = parent
	}
}
