package protocol

import (
	"encoding/json"
	"fmt"
)

// User identifies a participant. Color is any CSS color.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

type Cursor struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	LastUpdate int64   `json:"lastUpdate"`
}

// SelectionTransform is a pending move of a multi-selection that has not
// yet been committed to the document.
type SelectionTransform struct {
	SelectedIDs []string `json:"selectedIds"`
	DX          float64  `json:"dx"`
	DY          float64  `json:"dy"`
	Timestamp   int64    `json:"timestamp"`
}

// AwarenessState is what one client announces about itself. It lives only
// as long as the client's connection.
type AwarenessState struct {
	User               User                `json:"user"`
	Cursor             *Cursor             `json:"cursor,omitempty"`
	SelectionTransform *SelectionTransform `json:"selectionTransform,omitempty"`
}

// Clone returns a deep copy of s.
func (s *AwarenessState) Clone() *AwarenessState {
	if s == nil {
		return nil
	}
	c := *s
	if s.Cursor != nil {
		cursor := *s.Cursor
		c.Cursor = &cursor
	}
	if s.SelectionTransform != nil {
		st := *s.SelectionTransform
		st.SelectedIDs = append([]string(nil), s.SelectionTransform.SelectedIDs...)
		c.SelectionTransform = &st
	}
	return &c
}

// AwarenessUpdate is the text frame on the document channel. A nil state
// means the client has gone.
type AwarenessUpdate struct {
	States map[string]*AwarenessState `json:"states"`
}

func DecodeAwareness(data []byte) (*AwarenessUpdate, error) {
	var u AwarenessUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to decode awareness update: %w", err)
	}
	if u.States == nil {
		u.States = map[string]*AwarenessState{}
	}
	return &u, nil
}

func EncodeAwareness(u *AwarenessUpdate) ([]byte, error) {
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode awareness update: %w", err)
	}
	return raw, nil
}
