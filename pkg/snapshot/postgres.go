package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the SQLiteStore schema on a shared postgres database,
// for relays that run on more than one node.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS snapshots (
		id text not null primary key,
		board_id text not null,
		author_id text not null,
		created_at timestamptz not null default now(),
		content bytea not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS boards (
		id text not null primary key,
		snapshot_id text not null references snapshots(id)
		)`,
	); err != nil {
		return fmt.Errorf("failed to create boards table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, boardID string, state []byte, authorID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		snapshotID := uuid.NewString()
		if _, err := tx.Exec(ctx,
			`INSERT INTO snapshots(id, board_id, author_id, content) VALUES ($1, $2, $3, $4)`,
			snapshotID, boardID, authorID, state,
		); err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO boards(id, snapshot_id) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET snapshot_id = excluded.snapshot_id`,
			boardID, snapshotID,
		); err != nil {
			return fmt.Errorf("failed to update board: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Load(ctx context.Context, boardID string) ([]byte, error) {
	var content []byte
	if err := s.pool.QueryRow(ctx,
		`SELECT content FROM snapshots sn INNER JOIN boards b ON sn.id = b.snapshot_id WHERE b.id = $1`,
		boardID,
	).Scan(&content); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	return content, nil
}

func (s *PostgresStore) Boards(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM boards ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Prune deletes all but the newest keep snapshots of boardID.
func (s *PostgresStore) Prune(ctx context.Context, boardID string, keep int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM snapshots WHERE board_id = $1 AND id NOT IN (
			SELECT id FROM snapshots WHERE board_id = $1 ORDER BY created_at DESC LIMIT $2
		)`,
		boardID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune: %w", err)
	}
	return tag.RowsAffected(), nil
}
