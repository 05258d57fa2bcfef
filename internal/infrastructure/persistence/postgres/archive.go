package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/koda-community/koda-bot/pkg/logger"
	"github.com/koda-community/koda-bot/pkg/retry"
)

// ArchivedSnapshot describes one row of the archive.
type ArchivedSnapshot struct {
	Name       string
	TakenAt    time.Time
	SizeBytes  int
	Users      int
	ArchivedAt time.Time
}

// SnapshotArchive stores permanent snapshots as JSONB documents.
// It satisfies snapshot.Archiver.
type SnapshotArchive struct {
	conn    *Connection
	retrier *retry.Retrier
	log     *slog.Logger
}

// NewSnapshotArchive creates an archive over an open connection.
func NewSnapshotArchive(conn *Connection, log *slog.Logger) *SnapshotArchive {
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotArchive{
		conn:    conn,
		retrier: retry.ArchiveRetrier(),
		log:     log.With(logger.Component("snapshot-archive")),
	}
}

// Archive inserts the snapshot document. Re-archiving the same name is a no-op.
func (a *SnapshotArchive) Archive(ctx context.Context, name string, takenAt time.Time, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("postgres: archive %s: document is not valid JSON", name)
	}
	users := countUsers(data)

	err := a.retrier.Do(ctx, func(ctx context.Context) error {
		_, err := a.conn.Pool().Exec(ctx, `
			INSERT INTO koda_snapshots (name, taken_at, size_bytes, users, document)
			VALUES ($1, $2, $3, $4, $5::jsonb)
			ON CONFLICT (name) DO NOTHING`,
			name, takenAt.UTC(), len(data), users, string(data),
		)
		if err != nil && !errors.Is(err, ErrConnectionClosed) {
			return retry.Retryable(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: archive %s: %w", name, err)
	}

	a.log.Info("snapshot archived", slog.String("name", name), slog.Int("users", users))
	return nil
}

// Latest returns metadata of the most recent archived snapshot.
func (a *SnapshotArchive) Latest(ctx context.Context) (ArchivedSnapshot, error) {
	var s ArchivedSnapshot
	err := a.conn.Pool().QueryRow(ctx, `
		SELECT name, taken_at, size_bytes, users, archived_at
		FROM koda_snapshots
		ORDER BY taken_at DESC
		LIMIT 1`,
	).Scan(&s.Name, &s.TakenAt, &s.SizeBytes, &s.Users, &s.ArchivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ArchivedSnapshot{}, ErrNoRows
	}
	if err != nil {
		return ArchivedSnapshot{}, fmt.Errorf("postgres: latest snapshot: %w", err)
	}
	return s, nil
}

// Document returns the stored JSON document for name.
func (a *SnapshotArchive) Document(ctx context.Context, name string) ([]byte, error) {
	var doc []byte
	err := a.conn.Pool().QueryRow(ctx,
		`SELECT document::text FROM koda_snapshots WHERE name = $1`, name,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: snapshot %s: %w", name, err)
	}
	return doc, nil
}

// countUsers reads the size of the "users" object without decoding records.
func countUsers(data []byte) int {
	var doc struct {
		Users map[string]json.RawMessage `json:"users"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0
	}
	return len(doc.Users)
}
