package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Migrations contains all database migrations
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "users",
		Up: `
			CREATE EXTENSION IF NOT EXISTS "uuid-ossp";

			CREATE TABLE IF NOT EXISTS users (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				email VARCHAR(255) UNIQUE NOT NULL,
				display_name VARCHAR(255) NOT NULL,
				avatar_url TEXT,
				password_hash VARCHAR(255) NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);
		`,
		Down: `
			DROP TABLE IF EXISTS users;
		`,
	},
	{
		Version: 2,
		Name:    "conversations",
		Up: `
			CREATE TABLE IF NOT EXISTS conversations (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				type VARCHAR(32) NOT NULL,
				direct_key TEXT,
				item_id UUID,
				item_kind VARCHAR(16),
				association_id UUID,
				last_message_id UUID,
				metadata JSONB NOT NULL DEFAULT '{}',
				message_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			-- one direct conversation per unordered pair of users
			CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_direct_key
				ON conversations(direct_key) WHERE direct_key IS NOT NULL;
			CREATE INDEX IF NOT EXISTS idx_conversations_item ON conversations(item_id, item_kind);
			CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at DESC);
		`,
		Down: `
			DROP TABLE IF EXISTS conversations;
		`,
	},
	{
		Version: 3,
		Name:    "conversation_participants",
		Up: `
			CREATE TABLE IF NOT EXISTS conversation_participants (
				conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				last_read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				is_active BOOLEAN NOT NULL DEFAULT true,
				PRIMARY KEY (conversation_id, user_id)
			);

			CREATE INDEX IF NOT EXISTS idx_conversation_participants_user
				ON conversation_participants(user_id) WHERE is_active;
		`,
		Down: `
			DROP TABLE IF EXISTS conversation_participants;
		`,
	},
	{
		Version: 4,
		Name:    "messages",
		Up: `
			CREATE TABLE IF NOT EXISTS messages (
				id UUID PRIMARY KEY DEFAULT uuid_generate_v4(),
				seq BIGSERIAL,
				conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				sender_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				content TEXT NOT NULL DEFAULT '',
				type VARCHAR(32) NOT NULL DEFAULT 'text',
				metadata JSONB NOT NULL DEFAULT '{}',
				reply_to_id UUID REFERENCES messages(id) ON DELETE SET NULL,
				status VARCHAR(16) NOT NULL DEFAULT 'sent',
				reactions JSONB NOT NULL DEFAULT '[]',
				is_pinned BOOLEAN NOT NULL DEFAULT false,
				is_deleted BOOLEAN NOT NULL DEFAULT false,
				is_hidden BOOLEAN NOT NULL DEFAULT false,
				deleted_at TIMESTAMPTZ,
				deleted_by UUID,
				deletion_reason TEXT NOT NULL DEFAULT '',
				edited JSONB NOT NULL DEFAULT '{"isEdited": false, "editHistory": []}',
				moderation JSONB NOT NULL DEFAULT '{"isReported": false, "reports": [], "isModerated": false}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_messages_conversation
				ON messages(conversation_id, created_at DESC, seq DESC);
			CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
		`,
		Down: `
			DROP TABLE IF EXISTS messages;
		`,
	},
	{
		Version: 5,
		Name:    "message_reads",
		Up: `
			CREATE TABLE IF NOT EXISTS message_reads (
				message_id UUID NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (message_id, user_id)
			);

			CREATE INDEX IF NOT EXISTS idx_message_reads_user ON message_reads(user_id);
		`,
		Down: `
			DROP TABLE IF EXISTS message_reads;
		`,
	},
	{
		Version: 6,
		Name:    "message_search",
		Up: `
			CREATE EXTENSION IF NOT EXISTS pg_trgm;

			CREATE INDEX IF NOT EXISTS idx_messages_content_trgm
				ON messages USING gin (content gin_trgm_ops);
		`,
		Down: `
			DROP INDEX IF EXISTS idx_messages_content_trgm;
		`,
	},
}

// AppliedMigration is one row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt *time.Time
}

func sortedMigrations() []Migration {
	sorted := make([]Migration, len(Migrations))
	copy(sorted, Migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	return sorted
}

// RunMigrations runs all pending migrations
func RunMigrations(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	currentVersion, err := getCurrentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range sortedMigrations() {
		if migration.Version <= currentVersion {
			continue
		}

		log.Info("running migration", zap.Int("version", migration.Version), zap.String("name", migration.Name))

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", migration.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// RollbackLast reverts the newest applied migration. It returns the reverted
// version, or 0 when nothing was applied.
func RollbackLast(ctx context.Context, db *sql.DB, log *zap.Logger) (int, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return 0, err
	}
	currentVersion, err := getCurrentVersion(ctx, db)
	if err != nil || currentVersion == 0 {
		return 0, err
	}

	var migration *Migration
	for _, m := range Migrations {
		if m.Version == currentVersion {
			m := m
			migration = &m
			break
		}
	}
	if migration == nil {
		return 0, fmt.Errorf("no migration with version %d", currentVersion)
	}

	log.Info("reverting migration", zap.Int("version", migration.Version), zap.String("name", migration.Name))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, migration.Down); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to revert migration %d: %w", migration.Version, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", migration.Version); err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("failed to unrecord migration %d: %w", migration.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rollback of %d: %w", migration.Version, err)
	}
	return migration.Version, nil
}

// Status lists every known migration with its applied time, if any.
func Status(ctx context.Context, db *sql.DB) ([]AppliedMigration, error) {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := map[int]time.Time{}
	for rows.Next() {
		var version int
		var at time.Time
		if err := rows.Scan(&version, &at); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied[version] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}

	var out []AppliedMigration
	for _, m := range sortedMigrations() {
		entry := AppliedMigration{Version: m.Version, Name: m.Name}
		if at, ok := applied[m.Version]; ok {
			at := at
			entry.AppliedAt = &at
		}
		out = append(out, entry)
	}
	return out, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}
	return nil
}

func getCurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}
