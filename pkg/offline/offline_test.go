package offline

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/astromechza/canvas-sync/pkg/board"
	"github.com/astromechza/canvas-sync/pkg/clock"
	"github.com/astromechza/canvas-sync/pkg/doc"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.sqlite3")
	s, err := Open(context.Background(), path, nil)
	assert.Equal(t, nil, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func newQueue(t *testing.T, s *Store, fake *clock.FakeClock) (*Queue, *doc.Document) {
	t.Helper()
	d, err := doc.New(doc.Options{Clock: fake})
	assert.Equal(t, nil, err)
	q := NewQueue(s, d, "board-1", QueueOptions{Clock: fake})
	t.Cleanup(q.Close)
	return q, d
}

func sticky(id, text string) *board.Sticky {
	return &board.Sticky{Base: board.Base{ID: id}, Box: board.Box{Width: 100, Height: 100}, Text: text}
}

func TestStorePutOverwrites(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	_, err := s.Get(ctx, "b")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	assert.Equal(t, nil, s.Put(ctx, PendingSnapshot{BoardID: "b", Snapshot: []byte{1}, CapturedAt: time.UnixMilli(5), ChangeCount: 1}))
	assert.Equal(t, nil, s.Put(ctx, PendingSnapshot{BoardID: "b", Snapshot: []byte{2}, CapturedAt: time.UnixMilli(9), ChangeCount: 3}))

	p, err := s.Get(ctx, "b")
	assert.Equal(t, nil, err)
	assert.Equal(t, []byte{2}, p.Snapshot)
	assert.Equal(t, 3, p.ChangeCount)
	assert.Equal(t, int64(9), p.CapturedAt.UnixMilli())
	assert.Equal(t, false, p.Synced)

	var rows int
	assert.Equal(t, nil, s.database.QueryRow(`SELECT count(*) FROM pending_snapshots`).Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestOpenResetsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.sqlite3")
	assert.Equal(t, nil, os.WriteFile(path, bytes.Repeat([]byte("not a database "), 64), 0o600))

	s, err := Open(context.Background(), path, nil)
	assert.Equal(t, nil, err)
	defer s.Close()
	assert.Equal(t, nil, s.Put(context.Background(), PendingSnapshot{BoardID: "b", Snapshot: []byte{1}}))
}

func TestOpenRecreatesMismatchedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.sqlite3")
	database, err := sql.Open("sqlite3", path)
	assert.Equal(t, nil, err)
	_, err = database.Exec(`CREATE TABLE pending_snapshots (id text primary key, blob_data blob)`)
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, database.Close())

	s, err := Open(context.Background(), path, nil)
	assert.Equal(t, nil, err)
	defer s.Close()
	assert.Equal(t, nil, s.Put(context.Background(), PendingSnapshot{BoardID: "b", Snapshot: []byte{1}, ChangeCount: 2}))
	p, err := s.Get(context.Background(), "b")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, p.ChangeCount)
}

func TestOpenFallsBackToMemory(t *testing.T) {
	// a directory can neither be opened as a database nor removed
	dir := filepath.Join(t.TempDir(), "offline.sqlite3")
	assert.Equal(t, nil, os.MkdirAll(filepath.Join(dir, "child"), 0o755))

	s, err := Open(context.Background(), dir, nil)
	assert.Equal(t, nil, err)
	defer s.Close()

	ctx := context.Background()
	assert.Equal(t, nil, s.Put(ctx, PendingSnapshot{BoardID: "b", Snapshot: []byte{1}, CapturedAt: time.UnixMilli(1), ChangeCount: 1}))
	p, err := s.Get(ctx, "b")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, p.ChangeCount)
}

func TestOfflineRoundTrip(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "one")))
	assert.Equal(t, nil, d.CreateObject(sticky("s2", "two")))
	_, err := d.UpdateObject("s1", board.Patch{"text": "uno"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, q.Pending())

	fake.Advance(2 * time.Second)
	p, err := s.Get(context.Background(), "board-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, p.ChangeCount)
	want := d.String()
	q.Close()

	// a fresh process
	fresh, err := doc.New(doc.Options{})
	assert.Equal(t, nil, err)
	q2 := NewQueue(s, fresh, "board-1", QueueOptions{Clock: fake})
	defer q2.Close()
	n, err := q2.Recover(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, want, fresh.String())
	assert.Equal(t, 3, q2.Pending())

	// applying the same snapshot again changes nothing
	assert.Equal(t, nil, fresh.MergeSnapshot(p.Snapshot))
	assert.Equal(t, want, fresh.String())
}

func TestDebounceRestartsOnEachChange(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	_, d := newQueue(t, s, fake)

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	fake.Advance(1500 * time.Millisecond)
	assert.Equal(t, nil, d.CreateObject(sticky("s2", "b")))
	fake.Advance(1500 * time.Millisecond)

	_, err := s.Get(context.Background(), "board-1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))

	fake.Advance(500 * time.Millisecond)
	p, err := s.Get(context.Background(), "board-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, p.ChangeCount)
}

func TestOnlineChangesAreNotQueued(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)
	q.SetOnline(true)

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	fake.Advance(5 * time.Second)
	assert.Equal(t, 0, q.Pending())
	_, err := s.Get(context.Background(), "board-1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestConfirmDeletesAfterGrace(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)
	ctx := context.Background()

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	fake.Advance(2 * time.Second)

	q.SetOnline(true)
	q.Confirm(ctx)
	assert.Equal(t, 0, q.Pending())
	p, err := s.Get(ctx, "board-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, p.Synced)

	fake.Advance(5 * time.Second)
	_, err = s.Get(ctx, "board-1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestDropDuringGraceKeepsSnapshot(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)
	ctx := context.Background()

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	fake.Advance(2 * time.Second)
	q.SetOnline(true)
	q.Confirm(ctx)

	fake.Advance(time.Second)
	q.SetOnline(false)
	fake.Advance(10 * time.Second)

	p, err := s.Get(ctx, "board-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, p.Synced)
}

func TestReconfirmAfterDropDeletesSnapshot(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)
	ctx := context.Background()

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	fake.Advance(2 * time.Second)
	q.SetOnline(true)
	q.Confirm(ctx)

	fake.Advance(time.Second)
	q.SetOnline(false)
	q.SetOnline(true)
	q.Confirm(ctx)

	p, err := s.Get(ctx, "board-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, p.Synced)

	fake.Advance(10 * time.Second)
	_, err = s.Get(ctx, "board-1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestConfirmBeforeDebounceDropsTimer(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	q.SetOnline(true)
	q.Confirm(context.Background())
	fake.Advance(10 * time.Second)

	_, err := s.Get(context.Background(), "board-1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
	assert.Equal(t, 0, fake.PendingCount())
}

func TestCloseFlushesPendingSnapshot(t *testing.T) {
	s, _ := openStore(t)
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)

	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	q.Close()
	q.Close()

	p, err := s.Get(context.Background(), "board-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, p.ChangeCount)
	assert.Equal(t, 0, fake.PendingCount())

	// closed queues ignore further changes
	assert.Equal(t, nil, d.CreateObject(sticky("s2", "b")))
	assert.Equal(t, 1, q.Pending())
}

func TestRecoverDropsSyncedLeftover(t *testing.T) {
	s, _ := openStore(t)
	ctx := context.Background()
	assert.Equal(t, nil, s.Put(ctx, PendingSnapshot{BoardID: "board-1", Snapshot: []byte{1}, Synced: true}))

	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, s, fake)
	n, err := q.Recover(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, d.Len())
	_, err = s.Get(ctx, "board-1")
	assert.Equal(t, true, errors.Is(err, ErrNotFound))
}

func TestNilStoreOnlyCounts(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(0))
	q, d := newQueue(t, nil, fake)
	assert.Equal(t, nil, d.CreateObject(sticky("s1", "a")))
	fake.Advance(3 * time.Second)
	assert.Equal(t, 1, q.Pending())
	n, err := q.Recover(context.Background())
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, n)
}
