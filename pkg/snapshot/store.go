// Package snapshot persists full board snapshots to durable storage and
// periodically saves a live document into it.
package snapshot

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("snapshot not found")

// Store is durable board storage. Load returns ErrNotFound for a board
// that was never saved.
type Store interface {
	Save(ctx context.Context, boardID string, state []byte, authorID string) error
	Load(ctx context.Context, boardID string) ([]byte, error)
}

// Boards is implemented by stores that can enumerate what they hold.
type Boards interface {
	Boards(ctx context.Context) ([]string, error)
}

// Pruner is implemented by stores that keep a snapshot history.
type Pruner interface {
	Prune(ctx context.Context, boardID string, keep int) (int64, error)
}

// PruneAll trims the history of every board held by store to keep
// snapshots and returns how many were deleted. Keep must be positive.
func PruneAll(ctx context.Context, store interface {
	Boards
	Pruner
}, keep int) (int64, error) {
	if keep <= 0 {
		return 0, errors.New("keep must be positive")
	}
	ids, err := store.Boards(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, id := range ids {
		n, err := store.Prune(ctx, id, keep)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
