package board

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestMarshalCarriesType(t *testing.T) {
	for _, kind := range Kinds {
		o, err := New(kind)
		assert.Equal(t, nil, err)
		o.Common().ID = "obj-" + string(kind)

		raw, err := Marshal(o)
		assert.Equal(t, nil, err)

		back, err := Unmarshal(raw)
		assert.Equal(t, nil, err)
		assert.Equal(t, kind, back.Kind())
		assert.Equal(t, o.Common().ID, back.Common().ID)
	}
}

func TestUnmarshalLine(t *testing.T) {
	raw := []byte(`{"type":"line","id":"l1","x":0,"y":0,"rotation":0,"zIndex":3,
		"createdBy":"u1","createdAt":10,"points":[1,2,3,4],
		"startAnchor":{"objectId":"r1","anchor":"right"}}`)
	o, err := Unmarshal(raw)
	assert.Equal(t, nil, err)

	line, ok := o.(*Line)
	assert.Equal(t, true, ok)
	assert.Equal(t, [4]float64{1, 2, 3, 4}, line.Points)
	assert.Equal(t, &AnchorRef{ObjectID: "r1", Anchor: AnchorRight}, line.StartAnchor)
	assert.Equal(t, (*AnchorRef)(nil), line.EndAnchor)
	assert.Equal(t, 3, line.ZIndex)
}

func TestUnmarshalUnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"hexagon","id":"h"}`))
	assert.Equal(t, true, errors.Is(err, ErrUnknownKind))
}

func TestApplyPatchMergesFields(t *testing.T) {
	rect := &Rect{Base: Base{ID: "r1", X: 1, Y: 2}, Box: Box{Width: 10, Height: 20, Fill: "red"}}

	patched, err := ApplyPatch(rect, Patch{"x": 50.0, "fill": "blue"})
	assert.Equal(t, nil, err)

	out := patched.(*Rect)
	assert.Equal(t, 50.0, out.X)
	assert.Equal(t, 2.0, out.Y)
	assert.Equal(t, "blue", out.Fill)
	assert.Equal(t, 10.0, out.Width)
	// the input is untouched
	assert.Equal(t, 1.0, rect.X)
}

func TestApplyPatchKeepsIdentity(t *testing.T) {
	sticky := &Sticky{Base: Base{ID: "s1"}, Text: "hi"}
	patched, err := ApplyPatch(sticky, Patch{"id": "other", "type": "circle", "text": "bye"})
	assert.Equal(t, nil, err)
	assert.Equal(t, KindSticky, patched.Kind())
	assert.Equal(t, "s1", patched.Common().ID)
	assert.Equal(t, "bye", patched.(*Sticky).Text)
}

func TestApplyPatchNilClearsOptionalField(t *testing.T) {
	line := &Line{Base: Base{ID: "l1"}, StartAnchor: &AnchorRef{ObjectID: "r1", Anchor: AnchorTop}}
	patched, err := ApplyPatch(line, Patch{"startAnchor": nil})
	assert.Equal(t, nil, err)
	assert.Equal(t, (*AnchorRef)(nil), patched.(*Line).StartAnchor)
}

func TestCloneLineDoesNotShareAnchors(t *testing.T) {
	line := &Line{Base: Base{ID: "l1"}, EndAnchor: &AnchorRef{ObjectID: "a", Anchor: AnchorLeft}}
	c := Clone(line).(*Line)
	c.EndAnchor.ObjectID = "b"
	assert.Equal(t, "a", line.EndAnchor.ObjectID)
}

func TestNewIDsAreDistinct(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		assert.Equal(t, false, seen[id])
		seen[id] = true
	}
}
