package doc

import (
	"fmt"

	"github.com/automerge/automerge-go"

	"github.com/astromechza/canvas-sync/pkg/board"
)

// Tx stages the writes of one Batch. Reads through Tx observe earlier
// staged writes of the same batch.
type Tx struct {
	d      *Document
	now    int64
	order  []string
	staged map[string]*string
	meta   map[string]*string
	keys   []string
	err    error
}

func (tx *Tx) fail(err error) {
	if tx.err == nil {
		tx.err = err
	}
}

func (tx *Tx) current(id string) (string, bool) {
	if v, ok := tx.staged[id]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	raw, ok := tx.d.objects[id]
	return raw, ok
}

func (tx *Tx) stage(id string, raw *string) {
	if _, ok := tx.staged[id]; !ok {
		tx.order = append(tx.order, id)
	}
	tx.staged[id] = raw
}

// Get returns the object as seen by this batch.
func (tx *Tx) Get(id string) (board.Object, bool) {
	raw, ok := tx.current(id)
	if !ok {
		return nil, false
	}
	o, err := board.Unmarshal([]byte(raw))
	if err != nil {
		return nil, false
	}
	return o, true
}

// Create stages an insert of o, replacing any object with the same id.
// Missing creation stamps are filled in.
func (tx *Tx) Create(o board.Object) {
	o = board.Clone(o)
	base := o.Common()
	if base.ID == "" {
		base.ID = board.NewID()
	}
	if base.CreatedBy == "" {
		base.CreatedBy = tx.d.author
	}
	if base.CreatedAt == 0 {
		base.CreatedAt = tx.now
	}
	raw, err := encodeObject(o)
	if err != nil {
		tx.fail(err)
		return
	}
	tx.stage(base.ID, &raw)
}

// Update stages the merge of patch into the object with the given id. It
// reports false when no such object exists.
func (tx *Tx) Update(id string, patch board.Patch) bool {
	raw, ok := tx.current(id)
	if !ok {
		return false
	}
	o, err := board.Unmarshal([]byte(raw))
	if err != nil {
		tx.fail(err)
		return false
	}
	merged, err := board.ApplyPatch(o, patch)
	if err != nil {
		tx.fail(err)
		return false
	}
	base := merged.Common()
	base.ModifiedAt = tx.now
	if tx.d.author != "" {
		base.ModifiedBy = tx.d.author
	}
	out, err := encodeObject(merged)
	if err != nil {
		tx.fail(err)
		return false
	}
	tx.stage(id, &out)
	return true
}

// Delete stages removal of the object with the given id.
func (tx *Tx) Delete(id string) {
	if _, ok := tx.current(id); !ok {
		return
	}
	tx.stage(id, nil)
}

// SetMeta stages a metadata write.
func (tx *Tx) SetMeta(key, value string) {
	if _, ok := tx.meta[key]; !ok {
		tx.keys = append(tx.keys, key)
	}
	tx.meta[key] = &value
}

// DeleteMeta stages removal of a metadata key.
func (tx *Tx) DeleteMeta(key string) {
	if _, ok := tx.meta[key]; !ok {
		tx.keys = append(tx.keys, key)
	}
	tx.meta[key] = nil
}

// Batch runs fn and applies everything it staged as a single automerge
// commit, which travels as one delta and produces one notification per
// observer kind. Nothing is applied if fn returns an error or a write
// cannot be staged. Automerge itself rejecting a write is not rolled
// back: the writes before it are committed and observers are told about
// them, and the error is returned. fn must only use tx to access the
// document.
func (d *Document) Batch(message string, fn func(tx *Tx) error) error {
	d.mu.Lock()
	tx := &Tx{
		d:      d,
		now:    d.clock.Now().UnixMilli(),
		staged: make(map[string]*string),
		meta:   make(map[string]*string),
	}
	if err := fn(tx); err != nil {
		d.mu.Unlock()
		return err
	}
	if tx.err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to stage %s: %w", message, tx.err)
	}

	oc, mc, err := d.applyLocked(message, tx)
	d.mu.Unlock()
	d.notify(oc, mc)
	return err
}

func (d *Document) applyLocked(message string, tx *Tx) (ObjectsChange, MetaChange, error) {
	oc := ObjectsChange{Local: true}
	mc := MetaChange{Local: true}
	root := d.am.RootMap()
	wrote := false

	for _, id := range tx.order {
		next := tx.staged[id]
		prev, existed := d.objects[id]
		if next == nil {
			if !existed {
				continue
			}
			if err := root.Delete(objectPrefix + id); err != nil {
				return d.recoverLocked(fmt.Errorf("failed to delete %s: %w", id, err))
			}
			delete(d.objects, id)
			oc.Removed = append(oc.Removed, id)
			wrote = true
			continue
		}
		if err := root.Set(objectPrefix+id, *next); err != nil {
			return d.recoverLocked(fmt.Errorf("failed to write %s: %w", id, err))
		}
		d.objects[id] = *next
		wrote = true
		switch {
		case !existed:
			oc.Added = append(oc.Added, id)
		case prev != *next:
			oc.Updated = append(oc.Updated, id)
		}
	}

	for _, key := range tx.keys {
		next := tx.meta[key]
		prev, existed := d.meta[key]
		if next == nil {
			if !existed {
				continue
			}
			if err := root.Delete(metaPrefix + key); err != nil {
				return d.recoverLocked(fmt.Errorf("failed to delete meta %s: %w", key, err))
			}
			delete(d.meta, key)
			mc.Keys = append(mc.Keys, key)
			wrote = true
			continue
		}
		if err := root.Set(metaPrefix+key, *next); err != nil {
			return d.recoverLocked(fmt.Errorf("failed to write meta %s: %w", key, err))
		}
		d.meta[key] = *next
		wrote = true
		if !existed || prev != *next {
			mc.Keys = append(mc.Keys, key)
		}
	}

	if !wrote {
		return ObjectsChange{}, MetaChange{}, nil
	}
	if _, err := d.am.Commit(message); err != nil {
		return d.recoverLocked(fmt.Errorf("failed to commit %s: %w", message, err))
	}
	if !oc.empty() || len(mc.Keys) > 0 {
		d.version++
	}
	return oc, mc, nil
}

// recoverLocked commits whatever automerge accepted before a failed write
// and resynchronises the decoded views with it.
func (d *Document) recoverLocked(cause error) (ObjectsChange, MetaChange, error) {
	d.logger.Error("document write failed", "err", cause)
	if _, err := d.am.Commit("recover", automerge.CommitOptions{AllowEmpty: true}); err != nil {
		d.logger.Warn("failed to commit partial write", "err", err)
	}
	oc, mc, err := d.refreshLocked()
	if err != nil {
		return ObjectsChange{}, MetaChange{}, err
	}
	return oc, mc, cause
}
