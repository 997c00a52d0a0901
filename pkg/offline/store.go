// Package offline keeps edits made while disconnected. A Queue persists the
// whole document, debounced, to a local sqlite Store with one row per
// board, and replays it on the next start.
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNotFound = errors.New("no pending snapshot")

// PendingSnapshot is the single persisted row of a board.
type PendingSnapshot struct {
	BoardID     string
	Snapshot    []byte
	CapturedAt  time.Time
	ChangeCount int
	Synced      bool
}

var expectedColumns = []string{"id", "board_id", "snapshot", "timestamp", "change_count", "synced"}

const createTable = `CREATE TABLE IF NOT EXISTS pending_snapshots (
	id text not null primary key,
	board_id text not null,
	snapshot blob not null,
	timestamp integer not null,
	change_count integer not null,
	synced integer not null default 0
)`

type Store struct {
	database *sql.DB
	logger   *slog.Logger
}

// Open opens or creates the store at path. A file that is not a readable
// database, or a table without the expected columns, is wiped and
// recreated rather than failing. When the path cannot be used at all the
// store lives in memory for the rest of the process.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := open(ctx, path, logger)
	if err == nil {
		return s, nil
	}
	if path == ":memory:" {
		return nil, err
	}
	logger.Warn("resetting unreadable offline store", "path", path, "err", err)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("falling back to in-memory offline store", "path", path, "err", err)
		return open(ctx, ":memory:", logger)
	}
	if s, err = open(ctx, path, logger); err != nil {
		logger.Warn("falling back to in-memory offline store", "path", path, "err", err)
		return open(ctx, ":memory:", logger)
	}
	return s, nil
}

func open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offline store: %w", err)
	}
	// a single connection keeps :memory: databases alive and serialises writers
	database.SetMaxOpenConns(1)
	s := &Store{database: database, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	rows, err := s.database.QueryContext(ctx, `PRAGMA table_info(pending_snapshots)`)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	found := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, kind string
			notNull    int
			fallback   sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &kind, &notNull, &fallback, &pk); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to read schema: %w", err)
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("failed to read schema: %w", err)
	}
	_ = rows.Close()

	if len(found) > 0 {
		for _, column := range expectedColumns {
			if !found[column] {
				s.logger.Warn("offline store schema mismatch, recreating", "missing", column)
				if _, err := s.database.ExecContext(ctx, `DROP TABLE pending_snapshots`); err != nil {
					return fmt.Errorf("failed to drop table: %w", err)
				}
				break
			}
		}
	}
	if _, err := s.database.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}
	return nil
}

// Put overwrites the row for p.BoardID.
func (s *Store) Put(ctx context.Context, p PendingSnapshot) error {
	if _, err := s.database.ExecContext(
		ctx,
		`INSERT INTO pending_snapshots(id, board_id, snapshot, timestamp, change_count, synced) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET snapshot = excluded.snapshot, timestamp = excluded.timestamp,
			change_count = excluded.change_count, synced = excluded.synced`,
		p.BoardID, p.BoardID, p.Snapshot, p.CapturedAt.UnixMilli(), p.ChangeCount, p.Synced,
	); err != nil {
		return fmt.Errorf("failed to write pending snapshot: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, boardID string) (*PendingSnapshot, error) {
	var (
		p  = PendingSnapshot{BoardID: boardID}
		ts int64
	)
	if err := s.database.QueryRowContext(
		ctx,
		`SELECT snapshot, timestamp, change_count, synced FROM pending_snapshots WHERE id = ?`,
		boardID,
	).Scan(&p.Snapshot, &ts, &p.ChangeCount, &p.Synced); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read pending snapshot: %w", err)
	}
	p.CapturedAt = time.UnixMilli(ts)
	return &p, nil
}

// SetSynced flips the synced flag of an existing row.
func (s *Store) SetSynced(ctx context.Context, boardID string, synced bool) error {
	if _, err := s.database.ExecContext(ctx, `UPDATE pending_snapshots SET synced = ? WHERE id = ?`, synced, boardID); err != nil {
		return fmt.Errorf("failed to mark pending snapshot: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, boardID string) error {
	if _, err := s.database.ExecContext(ctx, `DELETE FROM pending_snapshots WHERE id = ?`, boardID); err != nil {
		return fmt.Errorf("failed to delete pending snapshot: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}
