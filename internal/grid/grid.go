// Package grid maps the room's square layout grid onto the center-anchored
// canvas panel.
package grid

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"fyne.io/fyne/v2"
)

// ErrInvalidGridSize is returned when a grid is configured with a
// non-positive number of cells.
var ErrInvalidGridSize = errors.New("grid size must be positive")

// Cell is one discrete unit of the layout grid.
type Cell struct {
	Col int
	Row int
}

// Add returns c shifted by (dc, dr).
func (c Cell) Add(dc, dr int) Cell {
	return Cell{Col: c.Col + dc, Row: c.Row + dr}
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.Col, c.Row)
}

type wireCell struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// MarshalJSON writes the cell as an {"x","y"} pair.
func (c Cell) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCell{X: float64(c.Col), Y: float64(c.Row)})
}

// UnmarshalJSON accepts the float pairs remote peers store positions as and
// rounds them to the nearest cell.
func (c *Cell) UnmarshalJSON(data []byte) error {
	var w wireCell
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.Col = int(math.Round(w.X))
	c.Row = int(math.Round(w.Y))
	return nil
}

// Size is a footprint measured in whole cells.
type Size struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Unit is the 1x1 footprint.
var Unit = Size{W: 1, H: 1}

// Grid converts between cells and canvas positions for one panel.
type Grid struct {
	panel  fyne.Size
	size   int
	cell   fyne.Size
	origin fyne.Position
}

// CellSize returns the canvas extent of one cell.
func CellSize(panel fyne.Size, gridSize int) (fyne.Size, error) {
	if gridSize <= 0 {
		return fyne.Size{}, fmt.Errorf("%w: %d", ErrInvalidGridSize, gridSize)
	}
	return fyne.NewSize(panel.Width/float32(gridSize), panel.Height/float32(gridSize)), nil
}

// New builds a grid of gridSize x gridSize cells over panel.
func New(panel fyne.Size, gridSize int) (*Grid, error) {
	cell, err := CellSize(panel, gridSize)
	if err != nil {
		return nil, err
	}
	return &Grid{
		panel:  panel,
		size:   gridSize,
		cell:   cell,
		origin: fyne.NewPos(-panel.Width/2, -panel.Height/2),
	}, nil
}

// Size returns the number of cells per side.
func (g *Grid) Size() int { return g.size }

// Panel returns the canvas panel the grid spans.
func (g *Grid) Panel() fyne.Size { return g.panel }

// CellSize returns the canvas extent of one cell.
func (g *Grid) CellSize() fyne.Size { return g.cell }

// GridToWorld returns the canvas position of cell c.
func (g *Grid) GridToWorld(c Cell) fyne.Position {
	return fyne.NewPos(
		g.origin.X+float32(c.Col)*g.cell.Width,
		g.origin.Y+float32(c.Row)*g.cell.Height,
	)
}

// WorldToGrid returns the cell nearest to canvas position p.
func (g *Grid) WorldToGrid(p fyne.Position) Cell {
	return Cell{
		Col: int(math.Round(float64((p.X - g.origin.X) / g.cell.Width))),
		Row: int(math.Round(float64((p.Y - g.origin.Y) / g.cell.Height))),
	}
}

// InBounds reports whether c lies on the grid.
func (g *Grid) InBounds(c Cell) bool {
	return c.Col >= 0 && c.Row >= 0 && c.Col < g.size && c.Row < g.size
}

// FootprintInBounds reports whether a footprint anchored at c stays on the grid.
func (g *Grid) FootprintInBounds(c Cell, s Size) bool {
	if s.W < 1 || s.H < 1 {
		return false
	}
	return g.InBounds(c) && c.Col+s.W <= g.size && c.Row+s.H <= g.size
}

// Extent returns the canvas size of a footprint.
func (g *Grid) Extent(s Size) fyne.Size {
	return fyne.NewSize(float32(s.W)*g.cell.Width, float32(s.H)*g.cell.Height)
}
