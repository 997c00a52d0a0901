// Package protocol defines the messages exchanged over the ephemeral live
// channel and the awareness frames carried beside document sync.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/astromechza/canvas-sync/pkg/geometry"
)

// Type discriminates live messages.
type Type string

const (
	TypeCursor      Type = "cursor"
	TypeLiveDrag    Type = "liveDrag"
	TypeLiveDragEnd Type = "liveDragEnd"
	TypeLeave       Type = "leave"
	TypePing        Type = "ping"
)

var ErrInvalidMessage = errors.New("invalid live message")

// Message is the single schema every live frame is normalised to, whether
// it arrived as JSON text, JSON bytes or CBOR.
type Message struct {
	Type     Type    `json:"type"`
	UserID   string  `json:"userId,omitempty"`
	UserName string  `json:"userName,omitempty"`
	ObjectID string  `json:"objectId,omitempty"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`

	Rotation *float64  `json:"rotation,omitempty"`
	Width    *float64  `json:"width,omitempty"`
	Height   *float64  `json:"height,omitempty"`
	Radius   *float64  `json:"radius,omitempty"`
	Points   []float64 `json:"points,omitempty"`

	// Timestamp is unix milliseconds at the sender.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// DragKey identifies the live drag a message replaces.
type DragKey struct {
	ObjectID string
	UserID   string
}

func (m *Message) DragKey() DragKey {
	return DragKey{ObjectID: m.ObjectID, UserID: m.UserID}
}

// LivePosition converts a liveDrag message into the overlay used by
// geometry.
func (m *Message) LivePosition() geometry.LivePosition {
	return geometry.LivePosition{
		X:        m.X,
		Y:        m.Y,
		Rotation: m.Rotation,
		Width:    m.Width,
		Height:   m.Height,
		Radius:   m.Radius,
	}
}

// Validate checks the fields required by the message type.
func (m *Message) Validate() error {
	switch m.Type {
	case TypePing:
		return nil
	case TypeCursor, TypeLeave:
		if m.UserID == "" {
			return fmt.Errorf("%w: %s without userId", ErrInvalidMessage, m.Type)
		}
	case TypeLiveDrag, TypeLiveDragEnd:
		if m.UserID == "" || m.ObjectID == "" {
			return fmt.Errorf("%w: %s without userId or objectId", ErrInvalidMessage, m.Type)
		}
		if m.Points != nil && len(m.Points) != 4 {
			return fmt.Errorf("%w: expected 4 points, got %d", ErrInvalidMessage, len(m.Points))
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

var cborEnc cbor.EncMode
var cborDec cbor.DecMode

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Decode parses a live frame. Text frames are JSON. Binary frames are
// either UTF-8 JSON or CBOR. The result is validated.
func Decode(data []byte, binary bool) (*Message, error) {
	var m Message
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidMessage)
	}
	if !binary || trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	} else if err := cborDec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode renders m as a JSON text frame.
func Encode(m *Message) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return raw, nil
}

// EncodeBinary renders m as a CBOR binary frame.
func EncodeBinary(m *Message) ([]byte, error) {
	raw, err := cborEnc.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", m.Type, err)
	}
	return raw, nil
}
