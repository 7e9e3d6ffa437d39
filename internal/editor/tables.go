package editor

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"FloorBoard/internal/grid"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

// mergeReach is how many columns apart two two-seat tables on the same row
// may be and still present as one four-seat table.
const mergeReach = 2

// MergedTableView pairs two adjacent two-seat tables shown as one four-seat
// table. It is derived for presentation only; both elements keep their own
// records and nothing is sent to the authority.
type MergedTableView struct {
	LeftID   string
	RightID  string
	Row      int
	Position grid.Cell // cell of the left table
}

// MergeCheck looks for a two-seat partner of id on the same row within
// reach. The closest partner wins; on a tie, the one further left.
func (ed *Editor) MergeCheck(id string) (MergedTableView, bool) {
	el, ok := ed.room.Element(id)
	if !ok || el.Type != state.TableRect2 {
		return MergedTableView{}, false
	}
	var best *state.Element
	bestDist := mergeReach + 1
	for i := range ed.room.Elements {
		other := &ed.room.Elements[i]
		if other.ID == id || other.Type != state.TableRect2 || other.Position.Row != el.Position.Row {
			continue
		}
		d := other.Position.Col - el.Position.Col
		if d < 0 {
			d = -d
		}
		if d > mergeReach {
			continue
		}
		if d < bestDist || (d == bestDist && other.Position.Col < best.Position.Col) {
			best, bestDist = other, d
		}
	}
	if best == nil {
		return MergedTableView{}, false
	}
	return newMergedView(*el, *best), true
}

// MergedTables pairs up every mergeable two-seat table in the room, scanning
// rows top to bottom and columns left to right. A table is in at most one pair.
func (ed *Editor) MergedTables() []MergedTableView {
	var twos []state.Element
	for _, el := range ed.room.Elements {
		if el.Type == state.TableRect2 {
			twos = append(twos, el)
		}
	}
	sort.Slice(twos, func(i, j int) bool {
		if twos[i].Position.Row != twos[j].Position.Row {
			return twos[i].Position.Row < twos[j].Position.Row
		}
		return twos[i].Position.Col < twos[j].Position.Col
	})
	var views []MergedTableView
	for i := 0; i+1 < len(twos); i++ {
		a, b := twos[i], twos[i+1]
		if a.Position.Row == b.Position.Row && b.Position.Col-a.Position.Col <= mergeReach {
			views = append(views, newMergedView(a, b))
			i++
		}
	}
	return views
}

func newMergedView(a, b state.Element) MergedTableView {
	if b.Position.Col < a.Position.Col {
		a, b = b, a
	}
	return MergedTableView{LeftID: a.ID, RightID: b.ID, Row: a.Position.Row, Position: a.Position}
}

// SplitResult holds the two requests a split produces.
type SplitResult struct {
	// Update degrades the original four-seat table to two seats in place.
	Update protocol.UpdateRequest
	// Add creates the second two-seat table one column to the right.
	Add protocol.AddRequest
	// Warning is ErrNoFreeCell when the new table had to go on an occupied cell.
	Warning error
}

// Split turns a four-seat table into two two-seat tables. The degrade is
// applied optimistically and the new table appears once confirmed. The two
// requests are independent: if the add is rejected the original stays
// degraded.
func (ed *Editor) Split(id string) (SplitResult, error) {
	el, ok := ed.room.Element(id)
	if !ok {
		return SplitResult{}, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	if el.Type != state.TableRect4 {
		return SplitResult{}, fmt.Errorf("%w: %s is %s", ErrNotSplittable, id, el.Type)
	}
	if err := ed.BeginEdit(id); err != nil {
		return SplitResult{}, err
	}
	el.Type = state.TableRect2
	update, err := ed.Submit(id)
	if err != nil {
		return SplitResult{}, err
	}

	res := SplitResult{Update: update}
	want := el.Position.Add(1, 0)
	cell, free := ed.occ.FindNearestFree(want)
	if !free {
		res.Warning = fmt.Errorf("%w: %s", ErrNoFreeCell, want)
		cell = want
	}
	res.Add = protocol.AddRequest{
		ElementID: uuid.NewString(),
		Type:      state.TableRect2,
		Position:  cell,
		Size:      grid.Unit,
		Rotation:  el.Rotation,
		Marker:    ed.clock.Next(),
	}
	ed.log.Info("table split",
		zap.String("element_id", id),
		zap.String("new_element_id", res.Add.ElementID),
		zap.Stringer("new_cell", cell))
	return res, nil
}
