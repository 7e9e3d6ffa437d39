package state

import (
	"errors"
	"fmt"

	"FloorBoard/internal/grid"
)

// PositionOffset is the largest ring radius the nearest-free search visits.
const PositionOffset = 2

// ErrCellOccupied is returned when a cell already belongs to another element.
var ErrCellOccupied = errors.New("cell is occupied")

// spiral is the fixed direction order tried on every ring.
var spiral = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

// Occupancy tracks which grid cell each element sits on.
// It never touches Element records; callers keep both consistent.
type Occupancy struct {
	grid  *grid.Grid
	cells map[grid.Cell]string
	byID  map[string]grid.Cell
}

// NewOccupancy creates an empty index. A nil grid disables bounds checks.
func NewOccupancy(g *grid.Grid) *Occupancy {
	return &Occupancy{
		grid:  g,
		cells: make(map[grid.Cell]string),
		byID:  make(map[string]grid.Cell),
	}
}

// IsOccupied reports whether any element sits on c.
func (o *Occupancy) IsOccupied(c grid.Cell) bool {
	_, ok := o.cells[c]
	return ok
}

// OccupiedBy returns the id of the element on c.
func (o *Occupancy) OccupiedBy(c grid.Cell) (string, bool) {
	id, ok := o.cells[c]
	return id, ok
}

// CellOf returns the cell registered for id.
func (o *Occupancy) CellOf(id string) (grid.Cell, bool) {
	c, ok := o.byID[id]
	return c, ok
}

// Len returns the number of registered elements.
func (o *Occupancy) Len() int { return len(o.byID) }

// available reports whether c is on the grid and free. A cell held by
// ignoreID counts as free.
func (o *Occupancy) available(c grid.Cell, ignoreID string) bool {
	if o.grid != nil && !o.grid.InBounds(c) {
		return false
	}
	id, ok := o.cells[c]
	return !ok || (ignoreID != "" && id == ignoreID)
}

// FindNearestFree returns c when it is free, otherwise searches rings of
// growing radius in the order +X, +Y, -X, -Y for up to 4*PositionOffset
// attempts. When nothing is free it returns the last candidate and false.
func (o *Occupancy) FindNearestFree(c grid.Cell) (grid.Cell, bool) {
	return o.findNearestFree(c, "")
}

func (o *Occupancy) findNearestFree(c grid.Cell, ignoreID string) (grid.Cell, bool) {
	if o.available(c, ignoreID) {
		return c, true
	}
	last := c
	for attempt := 0; attempt < 4*PositionOffset; attempt++ {
		radius := attempt/4 + 1
		dir := spiral[attempt%4]
		last = c.Add(dir[0]*radius, dir[1]*radius)
		if o.available(last, ignoreID) {
			return last, true
		}
	}
	return last, false
}

// Register places id on c, moving it if it was registered elsewhere.
func (o *Occupancy) Register(c grid.Cell, id string) error {
	if owner, ok := o.cells[c]; ok && owner != id {
		return fmt.Errorf("%w: %s held by %s", ErrCellOccupied, c, owner)
	}
	if prev, ok := o.byID[id]; ok {
		delete(o.cells, prev)
	}
	o.cells[c] = id
	o.byID[id] = c
	return nil
}

// Claim places id on c like Register, unregistering any other element
// that held c. The evicted id is returned, or "".
func (o *Occupancy) Claim(c grid.Cell, id string) string {
	owner, ok := o.cells[c]
	if ok && owner != id {
		delete(o.byID, owner)
		delete(o.cells, c)
	} else {
		owner = ""
	}
	_ = o.Register(c, id)
	return owner
}

// Release frees whatever cell id holds.
func (o *Occupancy) Release(id string) {
	if c, ok := o.byID[id]; ok {
		delete(o.cells, c)
		delete(o.byID, id)
	}
}

// Rebuild clears the index and registers every element in order. Ids of
// elements that collided with an earlier one are returned.
func (o *Occupancy) Rebuild(elements []Element) []string {
	o.cells = make(map[grid.Cell]string, len(elements))
	o.byID = make(map[string]grid.Cell, len(elements))
	var conflicts []string
	for _, e := range elements {
		if err := o.Register(e.Position, e.ID); err != nil {
			conflicts = append(conflicts, e.ID)
		}
	}
	return conflicts
}
