package offline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/canvas-sync/pkg/clock"
	"github.com/astromechza/canvas-sync/pkg/doc"
)

type QueueSettings struct {
	// Debounce is the quiet period after the last offline change before
	// the document is persisted.
	Debounce time.Duration
	// Grace is how long a confirmed snapshot is kept before deletion, in
	// case the confirming connection drops straight away.
	Grace time.Duration
}

func DefaultQueueSettings() *QueueSettings {
	return &QueueSettings{
		Debounce: 2 * time.Second,
		Grace:    5 * time.Second,
	}
}

type QueueOptions struct {
	Settings *QueueSettings
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Queue watches one document. While offline every local change bumps the
// pending count and restarts the debounce; when it fires the full
// document replaces the board's row in the Store. A nil Store gives a
// Queue that counts changes but persists nothing.
type Queue struct {
	store    *Store
	document *doc.Document
	boardID  string
	settings *QueueSettings
	clock    clock.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	online    bool
	changes   int
	stored    bool
	grace     *clock.Timer
	closed    bool
	debouncer *clock.Debouncer
	stop      func()
}

func NewQueue(store *Store, d *doc.Document, boardID string, opts QueueOptions) *Queue {
	q := &Queue{
		store:    store,
		document: d,
		boardID:  boardID,
		settings: opts.Settings,
		clock:    clock.OrReal(opts.Clock),
		logger:   opts.Logger,
	}
	if q.settings == nil {
		q.settings = DefaultQueueSettings()
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}
	q.logger = q.logger.With("board", boardID)
	q.debouncer = clock.NewDebouncer(q.clock, q.settings.Debounce, q.persist)
	q.stop = d.OnUpdate(func(local bool) {
		if local {
			q.NoteChange()
		}
	})
	return q
}

// Recover merges an unsynced persisted snapshot into the document and
// returns how many changes it carried. A synced leftover is deleted.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, nil
	}
	p, err := q.store.Get(ctx, q.boardID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	} else if err != nil {
		return 0, err
	}
	if p.Synced {
		return 0, q.store.Delete(ctx, q.boardID)
	}
	if err := q.document.MergeSnapshot(p.Snapshot); err != nil {
		q.logger.Warn("discarding unreadable pending snapshot", "err", err)
		return 0, q.store.Delete(ctx, q.boardID)
	}
	q.mu.Lock()
	q.changes += p.ChangeCount
	q.stored = true
	q.mu.Unlock()
	q.logger.Info("recovered offline changes", "changes", p.ChangeCount, "captured", p.CapturedAt)
	return p.ChangeCount, nil
}

// SetOnline tells the queue whether the document transport is connected.
// Going offline during the grace period reinstates the stored snapshot as
// unsynced.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.online == online {
		return
	}
	q.online = online
	if !online && q.grace != nil {
		q.grace.Stop()
		q.grace = nil
		if q.store != nil {
			if err := q.store.SetSynced(context.Background(), q.boardID, false); err != nil {
				q.logger.Warn("failed to reinstate pending snapshot", "err", err)
			} else {
				q.stored = true
			}
		}
	}
}

// NoteChange records one local change. It is ignored while online.
func (q *Queue) NoteChange() {
	q.mu.Lock()
	if q.closed || q.online {
		q.mu.Unlock()
		return
	}
	q.changes++
	q.mu.Unlock()
	q.debouncer.Trigger()
}

// Pending returns the number of changes not yet confirmed by the remote.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changes
}

func (q *Queue) persist() {
	q.mu.Lock()
	if q.store == nil || q.online {
		q.mu.Unlock()
		return
	}
	count := q.changes
	q.mu.Unlock()

	snapshot := q.document.Save()
	if err := q.store.Put(context.Background(), PendingSnapshot{
		BoardID:     q.boardID,
		Snapshot:    snapshot,
		CapturedAt:  q.clock.Now(),
		ChangeCount: count,
	}); err != nil {
		q.logger.Error("failed to persist offline snapshot", "err", err)
		return
	}
	q.mu.Lock()
	q.stored = true
	q.mu.Unlock()
	q.logger.Debug("persisted offline snapshot", "changes", count, "bytes", len(snapshot))
}

// Confirm is called once the remote holds everything the local document
// holds. The stored snapshot is marked synced and deleted after the grace
// period.
func (q *Queue) Confirm(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || (q.changes == 0 && !q.stored) {
		return
	}
	q.debouncer.Cancel()
	q.changes = 0
	if !q.stored || q.store == nil {
		return
	}
	if err := q.store.SetSynced(ctx, q.boardID, true); err != nil {
		q.logger.Warn("failed to mark offline snapshot synced", "err", err)
		return
	}
	q.stored = false
	if q.grace != nil {
		q.grace.Stop()
	}
	q.grace = q.clock.AfterFunc(q.settings.Grace, q.expire)
}

func (q *Queue) expire() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.grace == nil || q.closed {
		return
	}
	q.grace = nil
	if err := q.store.Delete(context.Background(), q.boardID); err != nil {
		q.logger.Warn("failed to delete synced snapshot", "err", err)
		return
	}
	q.logger.Debug("deleted synced offline snapshot")
}

// Close stops every timer. A debounced snapshot still pending is written
// immediately.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	q.stop()
	q.debouncer.Flush()
	q.debouncer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.grace != nil {
		q.grace.Stop()
		q.grace = nil
	}
}
