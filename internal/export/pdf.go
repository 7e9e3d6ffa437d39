// Package export renders a room snapshot as a printable floor plan.
package export

import (
	"fmt"
	"io"
	"os"

	"fyne.io/fyne/v2"
	"github.com/jung-kurt/gofpdf"
	colorful "github.com/lucasb-eyer/go-colorful"

	"FloorBoard/internal/grid"
	"FloorBoard/internal/state"
)

const (
	margin  = 15.0 // mm
	drawing = 180.0
	titleY  = 10.0
)

// WritePDF draws room on one A4 page and writes the document to w.
func WritePDF(w io.Writer, room state.Room, g *grid.Grid) error {
	if g == nil {
		return fmt.Errorf("export: no grid")
	}
	p := gofpdf.New("P", "mm", "A4", "")
	p.SetTitle(fmt.Sprintf("Floor plan %s", room.ID), true)
	p.AddPage()

	pl := plan{pdf: p, grid: g}
	pl.scale = drawing / float64(max(g.Panel().Width, g.Panel().Height))

	p.SetFont("Helvetica", "B", 12)
	p.Text(margin, titleY, fmt.Sprintf("Room %s  (%dx%d)", room.ID, g.Size(), g.Size()))

	pl.drawGrid()
	p.SetFont("Helvetica", "", 8)
	for _, z := range room.Zones {
		pl.drawZone(z)
	}
	for _, el := range room.Elements {
		pl.drawElement(el)
	}

	if err := p.Error(); err != nil {
		return fmt.Errorf("render floor plan: %w", err)
	}
	return p.Output(w)
}

// ExportPDF writes the floor plan of room to path.
func ExportPDF(path string, room state.Room, g *grid.Grid) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WritePDF(f, room, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type plan struct {
	pdf   *gofpdf.Fpdf
	grid  *grid.Grid
	scale float64
}

// point maps a canvas position, whose origin is the panel center, to page mm.
func (pl plan) point(pos fyne.Position) (float64, float64) {
	panel := pl.grid.Panel()
	x := margin + float64(pos.X+panel.Width/2)*pl.scale
	y := margin + titleY + float64(pos.Y+panel.Height/2)*pl.scale
	return x, y
}

func (pl plan) extent(s fyne.Size) (float64, float64) {
	return float64(s.Width) * pl.scale, float64(s.Height) * pl.scale
}

func (pl plan) drawGrid() {
	p := pl.pdf
	p.SetDrawColor(220, 220, 220)
	p.SetLineWidth(0.1)
	n := pl.grid.Size()
	for i := 0; i <= n; i++ {
		x0, y0 := pl.point(pl.grid.GridToWorld(grid.Cell{Col: i, Row: 0}))
		x1, y1 := pl.point(pl.grid.GridToWorld(grid.Cell{Col: i, Row: n}))
		p.Line(x0, y0, x1, y1)
		x0, y0 = pl.point(pl.grid.GridToWorld(grid.Cell{Col: 0, Row: i}))
		x1, y1 = pl.point(pl.grid.GridToWorld(grid.Cell{Col: n, Row: i}))
		p.Line(x0, y0, x1, y1)
	}
}

func (pl plan) drawZone(z state.Zone) {
	p := pl.pdf
	r, g, b := fill(z.Color)
	p.SetFillColor(r, g, b)
	p.SetDrawColor(r, g, b)
	p.SetAlpha(0.35, "Normal")
	x, y := pl.point(pl.grid.GridToWorld(z.Position))
	w, h := pl.extent(pl.grid.Extent(z.Size))
	p.Rect(x, y, w, h, "FD")
	p.SetAlpha(1, "Normal")

	p.SetTextColor(60, 60, 60)
	p.Text(x+1, y+3, z.Name)
}

func (pl plan) drawElement(el state.Element) {
	p := pl.pdf
	x, y := pl.point(pl.grid.GridToWorld(el.Position))
	w, h := pl.extent(pl.grid.Extent(el.Footprint()))
	// inset so neighbouring tables stay distinguishable
	x, y, w, h = x+w*0.1, y+h*0.1, w*0.8, h*0.8
	cx, cy := x+w/2, y+h/2

	p.SetDrawColor(0, 0, 0)
	p.SetFillColor(255, 255, 255)
	p.SetLineWidth(0.4)
	p.TransformBegin()
	p.TransformRotate(-el.Rotation, cx, cy)
	p.Rect(x, y, w, h, "FD")
	p.TransformEnd()

	p.SetTextColor(0, 0, 0)
	label := seats(el.Type)
	p.Text(cx-p.GetStringWidth(label)/2, cy+1, label)
}

// fill converts a zone color to RGB, falling back to grey.
func fill(hex string) (int, int, int) {
	c, err := colorful.Hex(state.NormalizeColor(hex))
	if err != nil {
		return 200, 200, 200
	}
	r, g, b := c.RGB255()
	return int(r), int(g), int(b)
}

func seats(t state.ElementType) string {
	switch t {
	case state.TableRect2:
		return "2"
	case state.TableRect4:
		return "4"
	}
	return string(t)
}
