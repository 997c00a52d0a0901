package board

import (
	"encoding/json"
	"fmt"
)

// Marshal encodes o as a JSON object carrying its kind in "type".
func Marshal(o Object) ([]byte, error) {
	switch v := o.(type) {
	case *Sticky:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Sticky
		}{v.Kind(), v})
	case *Rect:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Rect
		}{v.Kind(), v})
	case *TextBubble:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*TextBubble
		}{v.Kind(), v})
	case *Triangle:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Triangle
		}{v.Kind(), v})
	case *Star:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Star
		}{v.Kind(), v})
	case *Frame:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Frame
		}{v.Kind(), v})
	case *Circle:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Circle
		}{v.Kind(), v})
	case *Line:
		return json.Marshal(struct {
			Type Kind `json:"type"`
			*Line
		}{v.Kind(), v})
	}
	return nil, fmt.Errorf("failed to marshal %T: %w", o, ErrUnknownKind)
}

// Unmarshal decodes an object previously encoded with Marshal.
func Unmarshal(data []byte) (Object, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode object header: %w", err)
	}
	o, err := New(head.Type)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object of type %q: %w", head.Type, err)
	}
	if err := json.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("failed to decode %s object: %w", head.Type, err)
	}
	return o, nil
}

// Patch is a partial set of JSON fields to merge into an object. A nil
// value removes an optional field. The "id" and "type" keys are ignored.
type Patch map[string]any

// ApplyPatch returns a new object equal to o with patch merged in. o is not
// modified.
func ApplyPatch(o Object, patch Patch) (Object, error) {
	raw, err := Marshal(o)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("failed to expand object: %w", err)
	}
	for key, value := range patch {
		switch key {
		case "id", "type":
			continue
		}
		if value == nil {
			delete(fields, key)
			continue
		}
		fields[key] = value
	}
	merged, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode patched object: %w", err)
	}
	out, err := New(o.Kind())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(merged, out); err != nil {
		return nil, fmt.Errorf("failed to apply patch: %w", err)
	}
	return out, nil
}
