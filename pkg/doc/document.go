// Package doc is the replicated board document: a map of object id to
// object snapshot plus a small string metadata map, stored in one
// automerge document.
//
// Objects are stored whole, as a JSON string under a flat root key. Two
// replicas writing different objects merge cleanly; two replicas writing
// the same object concurrently converge on a single winner and the other
// write is discarded in full, including fields the winner did not touch.
package doc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/canvas-sync/pkg/board"
	"github.com/astromechza/canvas-sync/pkg/clock"
	"github.com/astromechza/canvas-sync/pkg/observer"
)

const (
	objectPrefix = "obj/"
	metaPrefix   = "meta/"
)

// ObjectsChange describes one mutation of the objects map.
type ObjectsChange struct {
	Added   []string
	Updated []string
	Removed []string
	// Local is true when the change was made through this replica's API,
	// false when it arrived from a peer or a snapshot merge.
	Local bool
}

func (c ObjectsChange) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// MetaChange lists the meta keys whose value changed or were removed.
type MetaChange struct {
	Keys  []string
	Local bool
}

// Options configures a Document.
type Options struct {
	// ActorID overrides automerge's random actor id. Must be hex.
	ActorID string
	// Author stamps CreatedBy and ModifiedBy on local writes when set.
	Author string
	Clock  clock.Clock
	Logger *slog.Logger
}

// Document is safe for concurrent use. Observers are called on the
// mutating goroutine after the internal lock has been released, so they
// may read from or write to the document.
type Document struct {
	mu      sync.Mutex
	am      *automerge.Doc
	objects map[string]string
	meta    map[string]string
	version uint64
	saved   uint64

	author string
	clock  clock.Clock
	logger *slog.Logger

	objectSubs observer.List[ObjectsChange]
	metaSubs   observer.List[MetaChange]
	updateSubs observer.List[bool]
}

// New returns an empty document.
func New(opts Options) (*Document, error) {
	return wrap(automerge.New(), opts)
}

// Load returns a document restored from a snapshot produced by Save.
func Load(raw []byte, opts Options) (*Document, error) {
	am, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return wrap(am, opts)
}

func wrap(am *automerge.Doc, opts Options) (*Document, error) {
	if opts.ActorID != "" {
		if err := am.SetActorID(opts.ActorID); err != nil {
			return nil, fmt.Errorf("failed to set actor id: %w", err)
		}
	}
	d := &Document{
		am:      am,
		objects: make(map[string]string),
		meta:    make(map[string]string),
		author:  opts.Author,
		clock:   clock.OrReal(opts.Clock),
		logger:  opts.Logger,
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if _, _, err := d.refreshLocked(); err != nil {
		return nil, err
	}
	d.saved = d.version
	return d, nil
}

// ActorID returns the automerge actor id of this replica.
func (d *Document) ActorID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.ActorID()
}

// GetObject returns a copy of the object with the given id.
func (d *Document) GetObject(id string) (board.Object, bool) {
	d.mu.Lock()
	raw, ok := d.objects[id]
	d.mu.Unlock()
	if !ok {
		return nil, false
	}
	o, err := board.Unmarshal([]byte(raw))
	if err != nil {
		d.logger.Warn("skipping undecodable object", "id", id, "err", err)
		return nil, false
	}
	return o, true
}

// AllObjects returns every object ordered by zIndex, then id. Objects that
// fail to decode are skipped.
func (d *Document) AllObjects() []board.Object {
	d.mu.Lock()
	raws := make(map[string]string, len(d.objects))
	for id, raw := range d.objects {
		raws[id] = raw
	}
	d.mu.Unlock()

	out := make([]board.Object, 0, len(raws))
	for id, raw := range raws {
		o, err := board.Unmarshal([]byte(raw))
		if err != nil {
			d.logger.Warn("skipping undecodable object", "id", id, "err", err)
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Common(), out[j].Common()
		if a.ZIndex != b.ZIndex {
			return a.ZIndex < b.ZIndex
		}
		return a.ID < b.ID
	})
	return out
}

// Len returns the number of objects.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.objects)
}

// CreateObject inserts obj, replacing any object with the same id.
func (d *Document) CreateObject(obj board.Object) error {
	return d.Batch("createObject", func(tx *Tx) error {
		tx.Create(obj)
		return nil
	})
}

// CreateObjects inserts objs as one change.
func (d *Document) CreateObjects(objs []board.Object) error {
	return d.Batch("createObjects", func(tx *Tx) error {
		for _, o := range objs {
			tx.Create(o)
		}
		return nil
	})
}

// UpdateObject merges patch into the object with the given id and writes
// the whole merged object. It reports false, without error, when the id
// is unknown.
func (d *Document) UpdateObject(id string, patch board.Patch) (bool, error) {
	updated := false
	err := d.Batch("updateObject", func(tx *Tx) error {
		updated = tx.Update(id, patch)
		return nil
	})
	return updated, err
}

// Update is one element of UpdateObjects.
type Update struct {
	ID    string
	Patch board.Patch
}

// UpdateObjects applies every update as one change. Unknown ids are
// skipped.
func (d *Document) UpdateObjects(updates []Update) error {
	return d.Batch("updateObjects", func(tx *Tx) error {
		for _, u := range updates {
			tx.Update(u.ID, u.Patch)
		}
		return nil
	})
}

// DeleteObject removes the object with the given id, if present.
func (d *Document) DeleteObject(id string) error {
	return d.Batch("deleteObject", func(tx *Tx) error {
		tx.Delete(id)
		return nil
	})
}

// DeleteObjects removes every listed object as one change.
func (d *Document) DeleteObjects(ids []string) error {
	return d.Batch("deleteObjects", func(tx *Tx) error {
		for _, id := range ids {
			tx.Delete(id)
		}
		return nil
	})
}

// SetMeta stores a metadata value.
func (d *Document) SetMeta(key, value string) error {
	return d.Batch("setMeta", func(tx *Tx) error {
		tx.SetMeta(key, value)
		return nil
	})
}

// Meta returns a metadata value.
func (d *Document) Meta(key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.meta[key]
	return v, ok
}

// OnObjectsChange registers fn for every change of the objects map. The
// returned function unsubscribes; fn is not called for any change applied
// after it returns.
func (d *Document) OnObjectsChange(fn func(ObjectsChange)) (unsubscribe func()) {
	return d.objectSubs.Add(fn)
}

// OnMetaChange registers fn for every change of the meta map.
func (d *Document) OnMetaChange(fn func(MetaChange)) (unsubscribe func()) {
	return d.metaSubs.Add(fn)
}

// OnUpdate registers fn for every change of document state, local or
// remote. The argument reports whether the change was local.
func (d *Document) OnUpdate(fn func(local bool)) (unsubscribe func()) {
	return d.updateSubs.Add(fn)
}

// Version increases with every applied change, local or remote.
func (d *Document) Version() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version
}

// HasUnsavedChanges reports whether a change happened since the last
// MarkSaved.
func (d *Document) HasUnsavedChanges() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.version != d.saved
}

// MarkSaved records that the state at version has been persisted. A
// version older than the latest saved one is ignored.
func (d *Document) MarkSaved(version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if version > d.saved {
		d.saved = version
	}
}

// Save returns a full snapshot of the document.
func (d *Document) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save()
}

// Capture returns a snapshot together with the version it reflects.
func (d *Document) Capture() ([]byte, uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.am.Save(), d.version
}

// MergeSnapshot merges a snapshot into the document. Merging is
// idempotent and independent of order.
func (d *Document) MergeSnapshot(raw []byte) error {
	other, err := automerge.Load(raw)
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	d.mu.Lock()
	if _, err := d.am.Merge(other); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to merge snapshot: %w", err)
	}
	objects, meta, err := d.refreshLocked()
	d.mu.Unlock()
	if err != nil {
		return err
	}
	d.notify(objects, meta)
	return nil
}

// Heads returns the current automerge heads as strings.
func (d *Document) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return headStrings(d.am.Heads())
}

func headStrings(heads []automerge.ChangeHash) []string {
	out := make([]string, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	sort.Strings(out)
	return out
}

// refreshLocked rebuilds the decoded views from the automerge root map and
// returns what changed. Must be called with d.mu held.
func (d *Document) refreshLocked() (ObjectsChange, MetaChange, error) {
	values, err := d.am.RootMap().Values()
	if err != nil {
		return ObjectsChange{}, MetaChange{}, fmt.Errorf("failed to read root map: %w", err)
	}
	objects := make(map[string]string)
	meta := make(map[string]string)
	for key, value := range values {
		if value.Kind() != automerge.KindStr {
			continue
		}
		switch {
		case strings.HasPrefix(key, objectPrefix):
			objects[strings.TrimPrefix(key, objectPrefix)] = value.Str()
		case strings.HasPrefix(key, metaPrefix):
			meta[strings.TrimPrefix(key, metaPrefix)] = value.Str()
		}
	}

	var oc ObjectsChange
	for id, raw := range objects {
		prev, ok := d.objects[id]
		switch {
		case !ok:
			oc.Added = append(oc.Added, id)
		case prev != raw:
			oc.Updated = append(oc.Updated, id)
		}
	}
	for id := range d.objects {
		if _, ok := objects[id]; !ok {
			oc.Removed = append(oc.Removed, id)
		}
	}
	var mc MetaChange
	for key, value := range meta {
		if prev, ok := d.meta[key]; !ok || prev != value {
			mc.Keys = append(mc.Keys, key)
		}
	}
	for key := range d.meta {
		if _, ok := meta[key]; !ok {
			mc.Keys = append(mc.Keys, key)
		}
	}
	sort.Strings(oc.Added)
	sort.Strings(oc.Updated)
	sort.Strings(oc.Removed)
	sort.Strings(mc.Keys)

	d.objects = objects
	d.meta = meta
	if !oc.empty() || len(mc.Keys) > 0 {
		d.version++
	}
	return oc, mc, nil
}

func (d *Document) notify(oc ObjectsChange, mc MetaChange) {
	if !oc.empty() {
		d.objectSubs.Emit(oc)
	}
	if len(mc.Keys) > 0 {
		d.metaSubs.Emit(mc)
	}
	if !oc.empty() || len(mc.Keys) > 0 {
		d.updateSubs.Emit(oc.Local || mc.Local)
	}
}

func encodeObject(o board.Object) (string, error) {
	raw, err := board.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// String renders the decoded document for debugging.
func (d *Document) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw, _ := json.Marshal(struct {
		Objects map[string]json.RawMessage `json:"objects"`
		Meta    map[string]string          `json:"meta"`
	}{rawObjects(d.objects), d.meta})
	return string(raw)
}

func rawObjects(objects map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(objects))
	for id, raw := range objects {
		out[id] = json.RawMessage(raw)
	}
	return out
}
