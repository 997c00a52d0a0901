package protocol

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeTextAndBinaryAgree(t *testing.T) {
	rotation := 45.0
	want := &Message{
		Type:      TypeLiveDrag,
		UserID:    "u1",
		ObjectID:  "o1",
		X:         10,
		Y:         20,
		Rotation:  &rotation,
		Timestamp: 1234,
	}
	text, err := Encode(want)
	assert.Equal(t, nil, err)
	bin, err := EncodeBinary(want)
	assert.Equal(t, nil, err)

	fromText, err := Decode(text, false)
	assert.Equal(t, nil, err)
	fromJSONBytes, err := Decode(text, true)
	assert.Equal(t, nil, err)
	fromCBOR, err := Decode(bin, true)
	assert.Equal(t, nil, err)

	assert.Equal(t, want, fromText)
	assert.Equal(t, want, fromJSONBytes)
	assert.Equal(t, want, fromCBOR)
}

func TestDecodeRejectsInvalid(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`{"type":"teleport","userId":"u"}`,
		`{"userId":"u"}`,
		`{"type":"cursor","x":1}`,
		`{"type":"liveDrag","userId":"u"}`,
		`{"type":"liveDrag","userId":"u","objectId":"o","points":[1,2,3]}`,
	} {
		_, err := Decode([]byte(raw), false)
		assert.Equal(t, true, errors.Is(err, ErrInvalidMessage))
	}
	_, err := Decode([]byte{0xff, 0x00, 0x13}, true)
	assert.Equal(t, true, errors.Is(err, ErrInvalidMessage))
}

func TestPingNeedsNoFields(t *testing.T) {
	m, err := Decode([]byte(`{"type":"ping"}`), false)
	assert.Equal(t, nil, err)
	assert.Equal(t, TypePing, m.Type)
}

func TestLivePositionCarriesOptionalFields(t *testing.T) {
	w := 30.0
	m := &Message{Type: TypeLiveDrag, UserID: "u", ObjectID: "o", X: 1, Y: 2, Width: &w}
	pos := m.LivePosition()
	assert.Equal(t, 1.0, pos.X)
	assert.Equal(t, &w, pos.Width)
	assert.Equal(t, (*float64)(nil), pos.Height)
	assert.Equal(t, DragKey{ObjectID: "o", UserID: "u"}, m.DragKey())
}

func TestAwarenessRemovalIsNull(t *testing.T) {
	u, err := DecodeAwareness([]byte(`{"states":{"a":{"user":{"id":"u1","name":"Ann"}},"b":null}}`))
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(u.States))
	assert.Equal(t, "Ann", u.States["a"].User.Name)
	gone, ok := u.States["b"]
	assert.Equal(t, true, ok)
	assert.Equal(t, (*AwarenessState)(nil), gone)
}

func TestAwarenessCloneIsDeep(t *testing.T) {
	s := &AwarenessState{
		User:               User{ID: "u"},
		Cursor:             &Cursor{X: 1},
		SelectionTransform: &SelectionTransform{SelectedIDs: []string{"a"}},
	}
	c := s.Clone()
	c.Cursor.X = 5
	c.SelectionTransform.SelectedIDs[0] = "b"
	assert.Equal(t, 1.0, s.Cursor.X)
	assert.Equal(t, "a", s.SelectionTransform.SelectedIDs[0])
}
