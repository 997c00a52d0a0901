package geometry

import "github.com/astromechza/canvas-sync/pkg/board"

// LivePosition is an in-flight drag or transform of an object received
// over the ephemeral channel. Nil fields keep the stored value.
type LivePosition struct {
	X, Y     float64
	Rotation *float64
	Width    *float64
	Height   *float64
	Radius   *float64
}

// ApplyLive returns a copy of o moved to the live position. The input is
// not modified.
func ApplyLive(o board.Object, pos LivePosition) board.Object {
	out := board.Clone(o)
	base := out.Common()
	base.X, base.Y = pos.X, pos.Y
	if pos.Rotation != nil {
		base.Rotation = *pos.Rotation
	}
	switch v := out.(type) {
	case *board.Circle:
		if pos.Radius != nil {
			v.Radius = *pos.Radius
		}
	case *board.Line:
	default:
		if box, ok := board.BoxOf(out); ok {
			if pos.Width != nil {
				box.Width = *pos.Width
			}
			if pos.Height != nil {
				box.Height = *pos.Height
			}
		}
	}
	return out
}

// OverlayLive returns a copy of byID where every object with a live
// position is replaced by its overlaid copy. Connectors resolved against
// the result follow shapes that are still being dragged.
func OverlayLive(byID map[string]board.Object, live map[string]LivePosition) map[string]board.Object {
	if len(live) == 0 {
		return byID
	}
	out := make(map[string]board.Object, len(byID))
	for id, o := range byID {
		if pos, ok := live[id]; ok {
			out[id] = ApplyLive(o, pos)
			continue
		}
		out[id] = o
	}
	return out
}
