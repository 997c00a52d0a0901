package doc

import (
	"fmt"
	"strings"
	"time"
)

// HistoryEntry describes one automerge change of the document.
type HistoryEntry struct {
	Hash    string
	Actor   string
	Seq     uint64
	Message string
	Time    time.Time
	Deps    []string
	// Objects is the number of objects in the document as of this change.
	Objects int
}

// History lists every change in causal order.
func (d *Document) History() ([]HistoryEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes, err := d.am.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]HistoryEntry, 0, len(changes))
	for _, change := range changes {
		at, err := d.am.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		values, err := at.RootMap().Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", change.Hash(), err)
		}
		count := 0
		for key := range values {
			if strings.HasPrefix(key, objectPrefix) {
				count++
			}
		}
		deps := change.Dependencies()
		entry := HistoryEntry{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Time:    change.Timestamp(),
			Deps:    make([]string, len(deps)),
			Objects: count,
		}
		for i, h := range deps {
			entry.Deps[i] = h.String()
		}
		out = append(out, entry)
	}
	return out, nil
}
