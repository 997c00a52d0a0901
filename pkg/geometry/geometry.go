// Package geometry computes connector anchors, snapping and bounding boxes
// from document state. Everything here is pure: anchors are derived from
// the referenced shape on every call, so a connector follows its shapes
// without any extra synchronization.
package geometry

import (
	"math"

	"github.com/astromechza/canvas-sync/pkg/board"
)

const (
	// SnapRadius is the maximum distance, inclusive, at which a point
	// snaps to an anchor.
	SnapRadius = 20.0

	// FramePadding is the inset applied to a frame's bounds when testing
	// containment.
	FramePadding = 10.0
)

// AnchorPoint is a resolved anchor position in canvas space.
type AnchorPoint struct {
	ObjectID string
	Anchor   board.Anchor
	X, Y     float64
}

// Bounds is an axis-aligned box in canvas space.
type Bounds struct {
	MinX, MinY, MaxX, MaxY float64
}

func (b Bounds) Width() float64  { return b.MaxX - b.MinX }
func (b Bounds) Height() float64 { return b.MaxY - b.MinY }

// Contains reports whether other lies entirely inside b.
func (b Bounds) Contains(other Bounds) bool {
	return other.MinX >= b.MinX && other.MinY >= b.MinY &&
		other.MaxX <= b.MaxX && other.MaxY <= b.MaxY
}

// Inset shrinks b by d on every side.
func (b Bounds) Inset(d float64) Bounds {
	return Bounds{MinX: b.MinX + d, MinY: b.MinY + d, MaxX: b.MaxX - d, MaxY: b.MaxY - d}
}

// Index maps objects by id.
func Index(objects []board.Object) map[string]board.Object {
	byID := make(map[string]board.Object, len(objects))
	for _, o := range objects {
		byID[o.Common().ID] = o
	}
	return byID
}

// rotate turns (x, y) about (cx, cy) by deg degrees, clockwise on a
// y-down canvas.
func rotate(x, y, cx, cy, deg float64) (float64, float64) {
	if deg == 0 {
		return x, y
	}
	rad := deg * math.Pi / 180
	sin, cos := math.Sincos(rad)
	dx, dy := x-cx, y-cy
	return cx + dx*cos - dy*sin, cy + dx*sin + dy*cos
}

// AnchorPoints returns the four anchors of a shape. Box anchors are the
// edge midpoints of the unrotated box turned about the box centre, not its
// top-left origin (x, y), so the top anchor of a square turned 90 degrees
// lands on the unrotated right anchor. ObjectBounds uses the same pivot.
// Circle anchors sit at the radius along each axis turned about the
// centre. Lines have no anchors.
func AnchorPoints(o board.Object) []AnchorPoint {
	base := o.Common()
	var local [4][2]float64
	var cx, cy float64

	switch v := o.(type) {
	case *board.Circle:
		r := v.Radius
		cx, cy = base.X, base.Y
		local = [4][2]float64{
			{cx, cy - r},
			{cx + r, cy},
			{cx, cy + r},
			{cx - r, cy},
		}
	case *board.Line:
		return nil
	case *board.Sticky, *board.Rect, *board.TextBubble, *board.Triangle, *board.Star, *board.Frame:
		box, _ := board.BoxOf(o)
		w, h := box.Width, box.Height
		cx, cy = base.X+w/2, base.Y+h/2
		local = [4][2]float64{
			{base.X + w/2, base.Y},
			{base.X + w, base.Y + h/2},
			{base.X + w/2, base.Y + h},
			{base.X, base.Y + h/2},
		}
	default:
		return nil
	}

	points := make([]AnchorPoint, len(board.Anchors))
	for i, anchor := range board.Anchors {
		x, y := rotate(local[i][0], local[i][1], cx, cy, base.Rotation)
		points[i] = AnchorPoint{ObjectID: base.ID, Anchor: anchor, X: x, Y: y}
	}
	return points
}

// Anchor returns a single named anchor of o.
func Anchor(o board.Object, anchor board.Anchor) (AnchorPoint, bool) {
	for _, p := range AnchorPoints(o) {
		if p.Anchor == anchor {
			return p, true
		}
	}
	return AnchorPoint{}, false
}

// FindNearestAnchor returns the closest anchor within SnapRadius of (x, y)
// among objects that are not lines and not in exclude. Equal distances
// keep the first anchor encountered.
func FindNearestAnchor(x, y float64, objects []board.Object, exclude map[string]bool) (AnchorPoint, bool) {
	var best AnchorPoint
	bestDist := math.Inf(1)
	found := false
	for _, o := range objects {
		if o.Kind() == board.KindLine || exclude[o.Common().ID] {
			continue
		}
		for _, p := range AnchorPoints(o) {
			d := math.Hypot(p.X-x, p.Y-y)
			if d <= SnapRadius && d < bestDist {
				best, bestDist, found = p, d, true
			}
		}
	}
	return best, found
}

// ResolveLinePoints returns the effective [x1, y1, x2, y2] of a line. An
// anchored endpoint follows the current position of its anchor; a missing
// target falls back to the stored point.
func ResolveLinePoints(line *board.Line, byID map[string]board.Object) [4]float64 {
	points := line.Points
	if x, y, ok := resolveAnchor(line.StartAnchor, byID); ok {
		points[0], points[1] = x, y
	}
	if x, y, ok := resolveAnchor(line.EndAnchor, byID); ok {
		points[2], points[3] = x, y
	}
	return points
}

func resolveAnchor(ref *board.AnchorRef, byID map[string]board.Object) (float64, float64, bool) {
	if ref == nil {
		return 0, 0, false
	}
	target, ok := byID[ref.ObjectID]
	if !ok {
		return 0, 0, false
	}
	p, ok := Anchor(target, ref.Anchor)
	if !ok {
		return 0, 0, false
	}
	return p.X, p.Y, true
}

// ObjectBounds returns the axis-aligned bounds of o, padded by half its
// stroke width.
func ObjectBounds(o board.Object, byID map[string]board.Object) Bounds {
	base := o.Common()
	var b Bounds

	switch v := o.(type) {
	case *board.Line:
		p := ResolveLinePoints(v, byID)
		b = Bounds{
			MinX: math.Min(p[0], p[2]), MinY: math.Min(p[1], p[3]),
			MaxX: math.Max(p[0], p[2]), MaxY: math.Max(p[1], p[3]),
		}
	case *board.Circle:
		b = Bounds{MinX: base.X - v.Radius, MinY: base.Y - v.Radius, MaxX: base.X + v.Radius, MaxY: base.Y + v.Radius}
	case *board.Sticky, *board.Rect, *board.TextBubble, *board.Triangle, *board.Star, *board.Frame:
		box, _ := board.BoxOf(o)
		b = boxBounds(base, box)
	}

	pad := board.StrokeWidth(o) / 2
	return Bounds{MinX: b.MinX - pad, MinY: b.MinY - pad, MaxX: b.MaxX + pad, MaxY: b.MaxY + pad}
}

func boxBounds(base *board.Base, box *board.Box) Bounds {
	x0, y0 := base.X, base.Y
	x1, y1 := base.X+box.Width, base.Y+box.Height
	if base.Rotation == 0 {
		return Bounds{MinX: x0, MinY: y0, MaxX: x1, MaxY: y1}
	}
	cx, cy := base.X+box.Width/2, base.Y+box.Height/2
	b := Bounds{MinX: math.Inf(1), MinY: math.Inf(1), MaxX: math.Inf(-1), MaxY: math.Inf(-1)}
	for _, c := range [4][2]float64{{x0, y0}, {x1, y0}, {x1, y1}, {x0, y1}} {
		x, y := rotate(c[0], c[1], cx, cy, base.Rotation)
		b.MinX, b.MinY = math.Min(b.MinX, x), math.Min(b.MinY, y)
		b.MaxX, b.MaxY = math.Max(b.MaxX, x), math.Max(b.MaxY, y)
	}
	return b
}

// IsObjectWithinFrame reports whether o lies entirely inside frame's
// bounds inset by FramePadding. Overlap is not enough.
func IsObjectWithinFrame(o board.Object, frame *board.Frame, byID map[string]board.Object) bool {
	if o.Common().ID == frame.ID {
		return false
	}
	inner := ObjectBounds(frame, byID).Inset(FramePadding)
	return inner.Contains(ObjectBounds(o, byID))
}

// ObjectsInFrame returns the objects of byID contained by frame, in the
// order of objects.
func ObjectsInFrame(frame *board.Frame, objects []board.Object, byID map[string]board.Object) []board.Object {
	var out []board.Object
	for _, o := range objects {
		if IsObjectWithinFrame(o, frame, byID) {
			out = append(out, o)
		}
	}
	return out
}
