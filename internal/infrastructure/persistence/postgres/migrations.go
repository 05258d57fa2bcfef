package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: CREATE SNAPSHOT ARCHIVE
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Migration: Create snapshot archive
-- Version: 001

CREATE TABLE IF NOT EXISTS koda_snapshots (
    name VARCHAR(255) PRIMARY KEY,
    taken_at TIMESTAMP WITH TIME ZONE NOT NULL,
    size_bytes INTEGER NOT NULL,
    users INTEGER NOT NULL DEFAULT 0,
    document JSONB NOT NULL,
    archived_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_size CHECK (size_bytes >= 0)
);

CREATE INDEX IF NOT EXISTS idx_koda_snapshots_taken_at ON koda_snapshots(taken_at DESC);
`

const migrationsTableUp = `
CREATE TABLE IF NOT EXISTS koda_schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
);
`

type migration struct {
	version int
	up      string
}

var migrations = []migration{
	{version: 1, up: migration001Up},
}

// Migrate applies every pending migration, each in its own transaction.
func Migrate(ctx context.Context, conn *Connection) error {
	if _, err := conn.Pool().Exec(ctx, migrationsTableUp); err != nil {
		return fmt.Errorf("%w: migrations table: %v", ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		err := conn.WithTx(ctx, func(tx pgx.Tx) error {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM koda_schema_migrations WHERE version = $1)`, m.version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, m.up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO koda_schema_migrations (version) VALUES ($1)`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, m.version, err)
		}
	}
	return nil
}
