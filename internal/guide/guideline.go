// Package guide implements alignment guidelines: snapping of dragged
// objects to guides and sticky attachment of objects to guides.
package guide

import (
	"fyne.io/fyne/v2"
)

// Orientation says which canvas axis a guideline constrains.
type Orientation int

const (
	// Vertical guides sit at an x coordinate and align left/right edges.
	Vertical Orientation = iota
	// Horizontal guides sit at a y coordinate and align top/bottom edges.
	Horizontal
)

func (o Orientation) String() string {
	if o == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// Guideline is a persistent alignment line.
type Guideline struct {
	ID          string      `json:"id"`
	Orientation Orientation `json:"orientation"`
	Position    float32     `json:"position"`
}

// Bounds is the canvas rectangle of a movable object.
type Bounds struct {
	Center fyne.Position
	Size   fyne.Size
}

// Left returns the x coordinate of the left edge.
func (b Bounds) Left() float32 { return b.Center.X - b.Size.Width/2 }

// Right returns the x coordinate of the right edge.
func (b Bounds) Right() float32 { return b.Center.X + b.Size.Width/2 }

// Top returns the y coordinate of the top edge.
func (b Bounds) Top() float32 { return b.Center.Y - b.Size.Height/2 }

// Bottom returns the y coordinate of the bottom edge.
func (b Bounds) Bottom() float32 { return b.Center.Y + b.Size.Height/2 }

// Translate returns b moved by (dx, dy).
func (b Bounds) Translate(dx, dy float32) Bounds {
	b.Center = fyne.NewPos(b.Center.X+dx, b.Center.Y+dy)
	return b
}

// axis returns the center coordinate and half extent of b along the axis
// constrained by o.
func (b Bounds) axis(o Orientation) (center, half float32) {
	if o == Vertical {
		return b.Center.X, b.Size.Width / 2
	}
	return b.Center.Y, b.Size.Height / 2
}

// withAxis returns b with its center coordinate on o's axis set to v.
func (b Bounds) withAxis(o Orientation, v float32) Bounds {
	if o == Vertical {
		b.Center.X = v
	} else {
		b.Center.Y = v
	}
	return b
}

// union returns the smallest bounds covering all of bs.
func union(bs []Bounds) Bounds {
	if len(bs) == 0 {
		return Bounds{}
	}
	left, right, top, bottom := bs[0].Left(), bs[0].Right(), bs[0].Top(), bs[0].Bottom()
	for _, b := range bs[1:] {
		left = min(left, b.Left())
		right = max(right, b.Right())
		top = min(top, b.Top())
		bottom = max(bottom, b.Bottom())
	}
	return Bounds{
		Center: fyne.NewPos((left+right)/2, (top+bottom)/2),
		Size:   fyne.NewSize(right-left, bottom-top),
	}
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
