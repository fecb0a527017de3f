package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema file.
type Migration struct {
	Version  string
	Filename string
	Content  string
	Checksum string
}

// MigrationRunner applies embedded migrations in version order and refuses
// to run when an applied file has since been edited.
type MigrationRunner struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewMigrationRunner(db *sql.DB, logger *zap.Logger) *MigrationRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MigrationRunner{db: db, logger: logger}
}

// Migrate applies all pending migrations.
func (mr *MigrationRunner) Migrate(ctx context.Context) error {
	if _, err := mr.db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := mr.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	for _, m := range migrations {
		applied, err := mr.apply(ctx, m)
		if err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", m.Version, err)
		}
		if applied {
			mr.logger.Info("applied migration", zap.String("version", m.Version), zap.String("file", m.Filename))
		}
	}

	return nil
}

func loadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration file %s: %w", entry.Name(), err)
		}

		// "001_signals_log.sql" -> "001"
		version, _, _ := strings.Cut(entry.Name(), "_")
		sum := sha256.Sum256(content)
		migrations = append(migrations, Migration{
			Version:  version,
			Filename: entry.Name(),
			Content:  string(content),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// apply runs m inside a transaction unless it is already recorded.
func (mr *MigrationRunner) apply(ctx context.Context, m Migration) (bool, error) {
	var existing string
	err := mr.db.QueryRowContext(ctx,
		"SELECT checksum FROM schema_migrations WHERE version = ?", m.Version,
	).Scan(&existing)
	switch {
	case err == nil:
		if existing != m.Checksum {
			return false, fmt.Errorf("checksum mismatch for migration %s: expected %s, got %s",
				m.Version, existing, m.Checksum)
		}
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}

	tx, err := mr.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.Content); err != nil {
		return false, fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)", m.Version, m.Checksum,
	); err != nil {
		return false, fmt.Errorf("failed to record migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit migration: %w", err)
	}
	return true, nil
}
