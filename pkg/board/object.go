// Package board defines the canvas object model shared by every replica.
//
// Objects form a closed set of variants, one Go type per shape kind. Code
// that needs per-kind behaviour switches exhaustively over the concrete
// types; Marshal and Unmarshal carry the kind as a "type" discriminator.
package board

import (
	"errors"

	"github.com/google/uuid"
)

// Kind discriminates the object variants. It never changes after creation.
type Kind string

const (
	KindSticky     Kind = "sticky"
	KindRect       Kind = "rect"
	KindTextBubble Kind = "textBubble"
	KindTriangle   Kind = "triangle"
	KindStar       Kind = "star"
	KindFrame      Kind = "frame"
	KindCircle     Kind = "circle"
	KindLine       Kind = "line"
)

// Kinds lists every known variant.
var Kinds = []Kind{KindSticky, KindRect, KindTextBubble, KindTriangle, KindStar, KindFrame, KindCircle, KindLine}

var ErrUnknownKind = errors.New("unknown object type")

// Anchor names a connection point on a shape's boundary.
type Anchor string

const (
	AnchorTop    Anchor = "top"
	AnchorRight  Anchor = "right"
	AnchorBottom Anchor = "bottom"
	AnchorLeft   Anchor = "left"
)

// Anchors is the canonical anchor order.
var Anchors = []Anchor{AnchorTop, AnchorRight, AnchorBottom, AnchorLeft}

// AnchorRef attaches a line endpoint to an anchor of another object.
type AnchorRef struct {
	ObjectID string `json:"objectId"`
	Anchor   Anchor `json:"anchor"`
}

// Base holds the fields common to every object. Timestamps are unix
// milliseconds.
type Base struct {
	ID         string  `json:"id"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Rotation   float64 `json:"rotation"`
	ZIndex     int     `json:"zIndex"`
	CreatedBy  string  `json:"createdBy"`
	CreatedAt  int64   `json:"createdAt"`
	ModifiedBy string  `json:"modifiedBy,omitempty"`
	ModifiedAt int64   `json:"modifiedAt,omitempty"`
}

func (b *Base) Common() *Base { return b }

func (*Base) isObject() {}

// Object is one of *Sticky, *Rect, *TextBubble, *Triangle, *Star, *Frame,
// *Circle or *Line.
type Object interface {
	Kind() Kind
	Common() *Base
	isObject()
}

// Box is the geometry shared by the rectangular variants. X and Y of the
// owning object are the top-left corner of the unrotated box.
type Box struct {
	Width       float64 `json:"width"`
	Height      float64 `json:"height"`
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

type Sticky struct {
	Base
	Box
	Text string `json:"text,omitempty"`
}

type Rect struct {
	Base
	Box
	CornerRadius float64 `json:"cornerRadius,omitempty"`
}

type TextBubble struct {
	Base
	Box
	Text     string  `json:"text,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
}

type Triangle struct {
	Base
	Box
}

type Star struct {
	Base
	Box
	NumPoints int `json:"numPoints,omitempty"`
}

type Frame struct {
	Base
	Box
	Title string `json:"title,omitempty"`
}

// Circle is positioned by its centre.
type Circle struct {
	Base
	Radius      float64 `json:"radius"`
	Fill        string  `json:"fill,omitempty"`
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Line is a connector. Points are absolute canvas coordinates
// [x1, y1, x2, y2]; an anchored endpoint ignores its stored point.
type Line struct {
	Base
	Points      [4]float64 `json:"points"`
	Stroke      string     `json:"stroke,omitempty"`
	StrokeWidth float64    `json:"strokeWidth,omitempty"`
	StartAnchor *AnchorRef `json:"startAnchor,omitempty"`
	EndAnchor   *AnchorRef `json:"endAnchor,omitempty"`
}

func (*Sticky) Kind() Kind     { return KindSticky }
func (*Rect) Kind() Kind       { return KindRect }
func (*TextBubble) Kind() Kind { return KindTextBubble }
func (*Triangle) Kind() Kind   { return KindTriangle }
func (*Star) Kind() Kind       { return KindStar }
func (*Frame) Kind() Kind      { return KindFrame }
func (*Circle) Kind() Kind     { return KindCircle }
func (*Line) Kind() Kind       { return KindLine }

// BoxOf returns the box geometry of a rectangular variant.
func BoxOf(o Object) (*Box, bool) {
	switch v := o.(type) {
	case *Sticky:
		return &v.Box, true
	case *Rect:
		return &v.Box, true
	case *TextBubble:
		return &v.Box, true
	case *Triangle:
		return &v.Box, true
	case *Star:
		return &v.Box, true
	case *Frame:
		return &v.Box, true
	case *Circle, *Line:
		return nil, false
	default:
		return nil, false
	}
}

// StrokeWidth returns the object's stroke width, or 0 when unset.
func StrokeWidth(o Object) float64 {
	switch v := o.(type) {
	case *Circle:
		return v.StrokeWidth
	case *Line:
		return v.StrokeWidth
	default:
		if box, ok := BoxOf(o); ok {
			return box.StrokeWidth
		}
		return 0
	}
}

// New returns a zero-valued object of the given kind.
func New(kind Kind) (Object, error) {
	switch kind {
	case KindSticky:
		return &Sticky{}, nil
	case KindRect:
		return &Rect{}, nil
	case KindTextBubble:
		return &TextBubble{}, nil
	case KindTriangle:
		return &Triangle{}, nil
	case KindStar:
		return &Star{}, nil
	case KindFrame:
		return &Frame{}, nil
	case KindCircle:
		return &Circle{}, nil
	case KindLine:
		return &Line{}, nil
	}
	return nil, ErrUnknownKind
}

// NewID returns a random object id. Ids are generated client-side and
// carry enough entropy that collisions between replicas are negligible.
func NewID() string {
	return uuid.NewString()
}

// Clone returns a deep copy of o.
func Clone(o Object) Object {
	switch v := o.(type) {
	case *Sticky:
		c := *v
		return &c
	case *Rect:
		c := *v
		return &c
	case *TextBubble:
		c := *v
		return &c
	case *Triangle:
		c := *v
		return &c
	case *Star:
		c := *v
		return &c
	case *Frame:
		c := *v
		return &c
	case *Circle:
		c := *v
		return &c
	case *Line:
		c := *v
		if v.StartAnchor != nil {
			a := *v.StartAnchor
			c.StartAnchor = &a
		}
		if v.EndAnchor != nil {
			a := *v.EndAnchor
			c.EndAnchor = &a
		}
		return &c
	}
	return nil
}
