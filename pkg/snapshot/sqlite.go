package snapshot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps every saved snapshot and points each board at its
// latest one.
type SQLiteStore struct {
	database *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.SetMaxOpenConns(1)
	s := &SQLiteStore{database: database}
	if err := s.init(ctx); err != nil {
		_ = database.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS boards (
		id text not null primary key,
		snapshot_id text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create boards table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		board_id text not null,
		author_id text not null,
		created_at integer not null,
		content blob not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, boardID string, state []byte, authorID string) error {
	tx, err := s.database.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()

	snapshotID := uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, board_id, author_id, created_at, content) VALUES (?, ?, ?, ?, ?)`,
		snapshotID, boardID, authorID, time.Now().UnixMilli(), state,
	); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO boards(id, snapshot_id) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
		boardID, snapshotID,
	); err != nil {
		return fmt.Errorf("failed to update board: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, boardID string) ([]byte, error) {
	var content []byte
	if err := s.database.QueryRowContext(ctx,
		`SELECT content FROM snapshots sn INNER JOIN boards b ON sn.id = b.snapshot_id WHERE b.id = ?`,
		boardID,
	).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return content, nil
}

func (s *SQLiteStore) Boards(ctx context.Context) ([]string, error) {
	rows, err := s.database.QueryContext(ctx, `SELECT id FROM boards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Prune deletes all but the newest keep snapshots of boardID.
func (s *SQLiteStore) Prune(ctx context.Context, boardID string, keep int) (int64, error) {
	res, err := s.database.ExecContext(ctx,
		`DELETE FROM snapshots WHERE board_id = ? AND id NOT IN (
			SELECT id FROM snapshots WHERE board_id = ? ORDER BY created_at DESC LIMIT ?
		)`,
		boardID, boardID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.database.Close()
}
