package doc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/astromechza/canvas-sync/pkg/board"
	"github.com/astromechza/canvas-sync/pkg/clock"
)

func newDoc(t *testing.T, actor string) *Document {
	t.Helper()
	d, err := New(Options{ActorID: actor, Author: "user-" + actor})
	assert.Equal(t, nil, err)
	return d
}

// syncPeers exchanges messages until neither side has anything to send.
func syncPeers(t *testing.T, a, b *Peer) {
	t.Helper()
	for rounds := 0; rounds < 100; rounds++ {
		sent := false
		for {
			msg, ok := a.Generate()
			if !ok {
				break
			}
			sent = true
			_, err := b.Receive(msg)
			assert.Equal(t, nil, err)
		}
		for {
			msg, ok := b.Generate()
			if !ok {
				break
			}
			sent = true
			_, err := a.Receive(msg)
			assert.Equal(t, nil, err)
		}
		if !sent {
			return
		}
	}
	t.Fatal("peers did not settle")
}

func rect(id string, x float64) *board.Rect {
	return &board.Rect{Base: board.Base{ID: id, X: x}, Box: board.Box{Width: 10, Height: 10}}
}

func TestCreateAndGet(t *testing.T) {
	d := newDoc(t, "aa")
	assert.Equal(t, nil, d.CreateObject(rect("r1", 5)))

	o, ok := d.GetObject("r1")
	assert.Equal(t, true, ok)
	assert.Equal(t, 5.0, o.Common().X)
	assert.Equal(t, "user-aa", o.Common().CreatedBy)
	assert.NotEqual(t, int64(0), o.Common().CreatedAt)
	assert.Equal(t, 1, d.Len())
}

func TestCreateDoesNotRetainCallerObject(t *testing.T) {
	d := newDoc(t, "aa")
	r := rect("r1", 5)
	assert.Equal(t, nil, d.CreateObject(r))
	r.X = 99
	o, _ := d.GetObject("r1")
	assert.Equal(t, 5.0, o.Common().X)
}

func TestUpdateStampsModification(t *testing.T) {
	fake := clock.Fake(time.UnixMilli(1000))
	d, err := New(Options{ActorID: "aa", Author: "alice", Clock: fake})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, d.CreateObject(rect("r1", 0)))

	fake.Advance(time.Second)
	ok, err := d.UpdateObject("r1", board.Patch{"x": 40.0})
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)

	o, _ := d.GetObject("r1")
	assert.Equal(t, 40.0, o.Common().X)
	assert.Equal(t, "alice", o.Common().ModifiedBy)
	assert.Equal(t, int64(2000), o.Common().ModifiedAt)
	assert.Equal(t, int64(1000), o.Common().CreatedAt)
}

func TestUpdateUnknownIsNoop(t *testing.T) {
	d := newDoc(t, "aa")
	calls := 0
	d.OnUpdate(func(bool) { calls++ })
	heads := d.Heads()

	ok, err := d.UpdateObject("missing", board.Patch{"x": 1.0})
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)
	assert.Equal(t, 0, calls)
	assert.Equal(t, heads, d.Heads())
	assert.Equal(t, 0, d.Len())
}

func TestBatchIsOneChange(t *testing.T) {
	d := newDoc(t, "aa")
	var changes []ObjectsChange
	d.OnObjectsChange(func(c ObjectsChange) { changes = append(changes, c) })

	objs := make([]board.Object, 50)
	for i := range objs {
		objs[i] = rect(fmt.Sprintf("r%02d", i), float64(i))
	}
	assert.Equal(t, nil, d.CreateObjects(objs))

	assert.Equal(t, 1, len(changes))
	assert.Equal(t, 50, len(changes[0].Added))
	assert.Equal(t, true, changes[0].Local)

	history, err := d.History()
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(history))
	assert.Equal(t, 50, history[0].Objects)
}

func TestBatchErrorAppliesNothing(t *testing.T) {
	d := newDoc(t, "aa")
	err := d.Batch("broken", func(tx *Tx) error {
		tx.Create(rect("r1", 0))
		return fmt.Errorf("nope")
	})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 0, d.Len())
	assert.Equal(t, false, d.HasUnsavedChanges())
}

func TestBatchStagingErrorAppliesNothing(t *testing.T) {
	d := newDoc(t, "aa")
	assert.Equal(t, nil, d.CreateObject(rect("r1", 0)))
	heads := d.Heads()
	calls := 0
	d.OnObjectsChange(func(ObjectsChange) { calls++ })

	err := d.Batch("broken", func(tx *Tx) error {
		tx.Create(rect("r2", 0))
		tx.Update("r1", board.Patch{"x": "left"})
		return nil
	})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, 1, d.Len())
	assert.Equal(t, heads, d.Heads())
	assert.Equal(t, 0, calls)
	o, _ := d.GetObject("r1")
	assert.Equal(t, 0.0, o.Common().X)
}

func TestBatchSeesStagedWrites(t *testing.T) {
	d := newDoc(t, "aa")
	assert.Equal(t, nil, d.Batch("move", func(tx *Tx) error {
		tx.Create(rect("r1", 0))
		assert.Equal(t, true, tx.Update("r1", board.Patch{"x": 7.0}))
		o, ok := tx.Get("r1")
		assert.Equal(t, true, ok)
		assert.Equal(t, 7.0, o.Common().X)
		return nil
	}))
	o, _ := d.GetObject("r1")
	assert.Equal(t, 7.0, o.Common().X)
}

func TestDelete(t *testing.T) {
	d := newDoc(t, "aa")
	assert.Equal(t, nil, d.CreateObjects([]board.Object{rect("a", 0), rect("b", 0), rect("c", 0)}))
	var got ObjectsChange
	d.OnObjectsChange(func(c ObjectsChange) { got = c })

	assert.Equal(t, nil, d.DeleteObjects([]string{"a", "c", "zzz"}))
	assert.Equal(t, []string{"a", "c"}, got.Removed)
	assert.Equal(t, 1, d.Len())

	_, ok := d.GetObject("a")
	assert.Equal(t, false, ok)
}

func TestAllObjectsOrdering(t *testing.T) {
	d := newDoc(t, "aa")
	a, b, c := rect("a", 0), rect("b", 0), rect("c", 0)
	a.ZIndex, b.ZIndex, c.ZIndex = 2, 1, 1
	assert.Equal(t, nil, d.CreateObjects([]board.Object{a, b, c}))

	var ids []string
	for _, o := range d.AllObjects() {
		ids = append(ids, o.Common().ID)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestUnsubscribe(t *testing.T) {
	d := newDoc(t, "aa")
	calls := 0
	stop := d.OnObjectsChange(func(ObjectsChange) { calls++ })
	assert.Equal(t, nil, d.CreateObject(rect("r1", 0)))
	stop()
	stop()
	assert.Equal(t, nil, d.CreateObject(rect("r2", 0)))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, d.objectSubs.Len())
}

func TestObserverMayWrite(t *testing.T) {
	d := newDoc(t, "aa")
	d.OnObjectsChange(func(c ObjectsChange) {
		if len(c.Added) == 1 && c.Added[0] == "r1" {
			assert.Equal(t, nil, d.SetMeta("last", "r1"))
		}
	})
	assert.Equal(t, nil, d.CreateObject(rect("r1", 0)))
	v, ok := d.Meta("last")
	assert.Equal(t, true, ok)
	assert.Equal(t, "r1", v)
}

func TestMeta(t *testing.T) {
	d := newDoc(t, "aa")
	var keys []string
	d.OnMetaChange(func(c MetaChange) { keys = append(keys, c.Keys...) })
	assert.Equal(t, nil, d.SetMeta("title", "Planning"))
	assert.Equal(t, nil, d.SetMeta("title", "Planning"))
	assert.Equal(t, []string{"title"}, keys)

	assert.Equal(t, nil, d.Batch("drop", func(tx *Tx) error {
		tx.DeleteMeta("title")
		return nil
	}))
	_, ok := d.Meta("title")
	assert.Equal(t, false, ok)
}

func TestPeersConverge(t *testing.T) {
	a, b := newDoc(t, "aa"), newDoc(t, "bb")
	assert.Equal(t, nil, a.CreateObject(rect("from-a", 1)))
	assert.Equal(t, nil, b.CreateObject(rect("from-b", 2)))

	var remote []ObjectsChange
	b.OnObjectsChange(func(c ObjectsChange) {
		if !c.Local {
			remote = append(remote, c)
		}
	})
	syncPeers(t, a.NewPeer(), b.NewPeer())

	assert.Equal(t, a.Heads(), b.Heads())
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, 2, a.Len())
	assert.Equal(t, 1, len(remote))
	assert.Equal(t, []string{"from-a"}, remote[0].Added)
}

func TestConcurrentWritesSameObjectPickOneWinner(t *testing.T) {
	a, b := newDoc(t, "aa"), newDoc(t, "bb")
	assert.Equal(t, nil, a.CreateObject(&board.Sticky{Base: board.Base{ID: "s1"}, Text: "base"}))
	syncPeers(t, a.NewPeer(), b.NewPeer())

	_, err := a.UpdateObject("s1", board.Patch{"x": 100.0})
	assert.Equal(t, nil, err)
	_, err = b.UpdateObject("s1", board.Patch{"text": "edited"})
	assert.Equal(t, nil, err)
	syncPeers(t, a.NewPeer(), b.NewPeer())

	oa, _ := a.GetObject("s1")
	ob, _ := b.GetObject("s1")
	assert.Equal(t, oa, ob)

	s := oa.(*board.Sticky)
	movedWon := s.X == 100 && s.Text == "base"
	editWon := s.X == 0 && s.Text == "edited"
	assert.Equal(t, true, movedWon != editWon)
}

func TestReceiveReportsInSync(t *testing.T) {
	a, b := newDoc(t, "aa"), newDoc(t, "bb")
	assert.Equal(t, nil, a.CreateObject(rect("r1", 0)))
	pa, pb := a.NewPeer(), b.NewPeer()

	inSync := false
	for i := 0; i < 10 && !inSync; i++ {
		if msg, ok := pa.Generate(); ok {
			_, err := pb.Receive(msg)
			assert.Equal(t, nil, err)
		}
		if msg, ok := pb.Generate(); ok {
			var err error
			inSync, err = pa.Receive(msg)
			assert.Equal(t, nil, err)
		}
	}
	assert.Equal(t, true, inSync)
	assert.Equal(t, a.Heads(), b.Heads())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := newDoc(t, "aa")
	assert.Equal(t, nil, a.CreateObject(&board.Circle{Base: board.Base{ID: "c1", X: 3, Y: 4}, Radius: 9}))
	assert.Equal(t, nil, a.SetMeta("title", "t"))

	b, err := Load(a.Save(), Options{})
	assert.Equal(t, nil, err)
	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, false, b.HasUnsavedChanges())
}

func TestLoadGarbage(t *testing.T) {
	_, err := Load([]byte("not a doc"), Options{})
	assert.NotEqual(t, nil, err)
}

func TestMergeSnapshotIsIdempotent(t *testing.T) {
	a, b := newDoc(t, "aa"), newDoc(t, "bb")
	assert.Equal(t, nil, a.CreateObject(rect("r1", 1)))
	assert.Equal(t, nil, b.CreateObject(rect("r2", 2)))
	snap := a.Save()

	calls := 0
	b.OnUpdate(func(local bool) {
		assert.Equal(t, false, local)
		calls++
	})
	assert.Equal(t, nil, b.MergeSnapshot(snap))
	heads := b.Heads()
	assert.Equal(t, nil, b.MergeSnapshot(snap))

	assert.Equal(t, 1, calls)
	assert.Equal(t, heads, b.Heads())
	assert.Equal(t, 2, b.Len())
}

func TestMarkSaved(t *testing.T) {
	d := newDoc(t, "aa")
	assert.Equal(t, false, d.HasUnsavedChanges())

	assert.Equal(t, nil, d.CreateObject(rect("r1", 0)))
	_, v1 := d.Capture()
	assert.Equal(t, nil, d.CreateObject(rect("r2", 0)))
	_, v2 := d.Capture()
	assert.Equal(t, true, d.HasUnsavedChanges())

	d.MarkSaved(v2)
	assert.Equal(t, false, d.HasUnsavedChanges())

	// a late acknowledgement of an older save does not resurrect dirtiness
	d.MarkSaved(v1)
	assert.Equal(t, false, d.HasUnsavedChanges())

	assert.Equal(t, nil, d.CreateObject(rect("r3", 0)))
	assert.Equal(t, true, d.HasUnsavedChanges())
}

func TestConcurrentWriters(t *testing.T) {
	d := newDoc(t, "aa")
	var mu sync.Mutex
	added := 0
	d.OnObjectsChange(func(c ObjectsChange) {
		mu.Lock()
		added += len(c.Added)
		mu.Unlock()
	})

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.Equal(t, nil, d.CreateObject(rect(fmt.Sprintf("w%d-%d", i, j), 0)))
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 80, d.Len())
	assert.Equal(t, 80, added)
}
