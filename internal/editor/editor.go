// Package editor holds the element lifecycle state machine: optimistic
// local edits that wait for the remote authority to confirm or reject them.
package editor

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"FloorBoard/internal/grid"
	"FloorBoard/internal/logger"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

var (
	ErrUnknownElement   = errors.New("unknown element")
	ErrUnknownZone      = errors.New("unknown zone")
	ErrNotIdle          = errors.New("element is already being edited")
	ErrNotEditing       = errors.New("element is not in the expected edit phase")
	ErrOutOfBounds      = errors.New("placement is outside the grid")
	ErrCellOccupied     = errors.New("cell is occupied")
	ErrBelowMinimumSize = errors.New("size is below one cell")
	ErrNotSplittable    = errors.New("only four-seat tables can be split")
	ErrInvalidType      = errors.New("element type is required")
	ErrNoFreeCell       = errors.New("no free cell near the requested position")
	ErrUnknownApproval  = errors.New("unknown table update request")
	ErrZoneEditInFlight = errors.New("zone already has an unconfirmed edit")
)

// Phase is where an element sits in its edit lifecycle.
type Phase int

const (
	Idle Phase = iota
	Dragging
	PendingConfirm
)

func (p Phase) String() string {
	switch p {
	case Dragging:
		return "dragging"
	case PendingConfirm:
		return "pending_confirm"
	default:
		return "idle"
	}
}

// Edit is the in-flight edit of one element.
type Edit struct {
	ElementID string
	Phase     Phase
	Origin    state.Element // pre-edit snapshot restored on rollback
	Marker    uint64
	Initiator string // site id of whoever started the edit
	Remove    bool
}

// Editor validates and applies local edits to the room. The room, grid,
// occupancy index, clock and color pool are per-session services shared by
// reference with the reconciler; Editor is driven from the session loop
// only and holds no locks.
type Editor struct {
	room      *state.Room
	grid      *grid.Grid
	occ       *state.Occupancy
	clock     *state.EditClock
	colors    *state.ColorPool
	edits     map[string]*Edit
	zones     map[string]*zoneEdit
	approval  map[string]*approval
	onResolve []func(id string, confirmed bool)
	log       *zap.Logger
}

// New creates an editor over the session's shared services.
func New(room *state.Room, g *grid.Grid, occ *state.Occupancy, clock *state.EditClock, colors *state.ColorPool, log *zap.Logger) *Editor {
	return &Editor{
		room:     room,
		grid:     g,
		occ:      occ,
		clock:    clock,
		colors:   colors,
		edits:    make(map[string]*Edit),
		zones:    make(map[string]*zoneEdit),
		approval: make(map[string]*approval),
		log:      logger.OrNop(log).With(zap.String("component", "editor")),
	}
}

// OnResolve registers fn to run whenever an element or zone edit ends.
// confirmed is true when the authority accepted the edit, so the local
// value is the newest one it has applied.
func (ed *Editor) OnResolve(fn func(id string, confirmed bool)) {
	ed.onResolve = append(ed.onResolve, fn)
}

// Site returns the local client's site id.
func (ed *Editor) Site() string { return ed.clock.Site() }

// Phase returns the lifecycle phase of an element.
func (ed *Editor) Phase(id string) Phase {
	if e, ok := ed.edits[id]; ok {
		return e.Phase
	}
	return Idle
}

// IsEditing reports whether an element has an unresolved edit.
func (ed *Editor) IsEditing(id string) bool {
	_, ok := ed.edits[id]
	return ok
}

// Edit returns a copy of the in-flight edit of an element.
func (ed *Editor) Edit(id string) (Edit, bool) {
	e, ok := ed.edits[id]
	if !ok {
		return Edit{}, false
	}
	return *e, true
}

// Editing returns the ids of all elements with unresolved edits.
func (ed *Editor) Editing() []string {
	ids := make([]string, 0, len(ed.edits))
	for id := range ed.edits {
		ids = append(ids, id)
	}
	return ids
}

// BeginEdit starts a local edit. Legal only from Idle.
func (ed *Editor) BeginEdit(id string) error {
	return ed.begin(id, ed.clock.Site())
}

func (ed *Editor) begin(id, initiator string) error {
	el, ok := ed.room.Element(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	if _, busy := ed.edits[id]; busy {
		return fmt.Errorf("%w: %s", ErrNotIdle, id)
	}
	origin := *el
	origin.IsBeingEdited = false
	ed.edits[id] = &Edit{ElementID: id, Phase: Dragging, Origin: origin, Initiator: initiator}
	el.IsBeingEdited = true
	return nil
}

// ProposeMove moves a dragged element to cell. An out-of-grid or occupied
// cell is rejected and the element snaps back to its pre-edit position.
func (ed *Editor) ProposeMove(id string, cell grid.Cell) error {
	e, el, err := ed.dragging(id)
	if err != nil {
		return err
	}
	if !ed.grid.FootprintInBounds(cell, el.Footprint()) {
		ed.snapBack(e, el)
		return fmt.Errorf("%w: %s at %s", ErrOutOfBounds, id, cell)
	}
	if owner, taken := ed.occ.OccupiedBy(cell); taken && owner != id {
		ed.snapBack(e, el)
		return fmt.Errorf("%w: %s held by %s", ErrCellOccupied, cell, owner)
	}
	el.Position = cell
	if err := ed.occ.Register(cell, id); err != nil {
		return err
	}
	return nil
}

// Rotate sets the rotation of a dragged element.
func (ed *Editor) Rotate(id string, degrees float64) error {
	_, el, err := ed.dragging(id)
	if err != nil {
		return err
	}
	el.Rotation = state.NormalizeRotation(degrees)
	return nil
}

// Submit ends the local part of an edit and returns the request to send.
// The element stays flagged as being edited until Commit or Rollback.
func (ed *Editor) Submit(id string) (protocol.UpdateRequest, error) {
	e, el, err := ed.dragging(id)
	if err != nil {
		return protocol.UpdateRequest{}, err
	}
	e.Phase = PendingConfirm
	e.Marker = ed.clock.Next()
	return updateRequest(*el, e.Marker, e.Remove), nil
}

// Commit finalizes an edit after the authority confirmed it.
func (ed *Editor) Commit(id string) error {
	e, ok := ed.edits[id]
	if !ok || e.Phase != PendingConfirm {
		return fmt.Errorf("%w: commit %s", ErrNotEditing, id)
	}
	delete(ed.edits, id)
	if e.Remove {
		ed.room.RemoveElement(id)
		ed.occ.Release(id)
	} else if el, ok := ed.room.Element(id); ok {
		el.IsBeingEdited = false
		if err := ed.occ.Register(el.Position, id); err != nil {
			ed.log.Warn("committed element overlaps another", zap.String("element_id", id), zap.Error(err))
		}
	}
	ed.resolved(id, true)
	return nil
}

// Rollback restores the pre-edit state of an element. It is safe to call
// at any time and reports false when there was nothing to undo.
func (ed *Editor) Rollback(id string) bool {
	e, ok := ed.edits[id]
	if !ok {
		return false
	}
	delete(ed.edits, id)
	if el, ok := ed.room.Element(id); ok {
		*el = e.Origin
		if err := ed.occ.Register(e.Origin.Position, id); err != nil {
			ed.log.Warn("rollback position was taken meanwhile", zap.String("element_id", id), zap.Error(err))
		}
	}
	ed.log.Debug("edit rolled back", zap.String("element_id", id), zap.Stringer("phase", e.Phase))
	ed.resolved(id, false)
	return true
}

// Forget drops an edit without touching the element. Used when the
// authority's state has replaced the element outright.
func (ed *Editor) Forget(id string) {
	if _, ok := ed.edits[id]; !ok {
		return
	}
	delete(ed.edits, id)
	if el, ok := ed.room.Element(id); ok {
		el.IsBeingEdited = false
	}
	ed.resolved(id, false)
}

// ReapplyEdits re-flags elements with live edits after the room was
// replaced wholesale, keeping the locally owned position of each.
func (ed *Editor) ReapplyEdits(local map[string]state.Element) {
	for id := range ed.edits {
		el, ok := ed.room.Element(id)
		if !ok {
			ed.Forget(id)
			continue
		}
		if cur, ok := local[id]; ok {
			*el = cur
		}
		el.IsBeingEdited = true
	}
}

// Snapshot returns copies of every element with a live edit.
func (ed *Editor) Snapshot() map[string]state.Element {
	out := make(map[string]state.Element, len(ed.edits))
	for id := range ed.edits {
		if el, ok := ed.room.Element(id); ok {
			out[id] = *el
		}
	}
	return out
}

// AddResult is the outcome of preparing an element add.
type AddResult struct {
	Request protocol.AddRequest
	// Warning is ErrNoFreeCell when the spiral search found nothing and the
	// requested cell is used as is.
	Warning error
}

// PrepareAdd validates a new element and picks its cell. Adds are not
// optimistic: the element appears once the authority confirms it.
func (ed *Editor) PrepareAdd(typ state.ElementType, cell grid.Cell, rotation float64) (AddResult, error) {
	if typ == "" {
		return AddResult{}, ErrInvalidType
	}
	if !ed.grid.InBounds(cell) {
		return AddResult{}, fmt.Errorf("%w: %s", ErrOutOfBounds, cell)
	}
	res := AddResult{}
	target, ok := ed.occ.FindNearestFree(cell)
	if !ok {
		res.Warning = fmt.Errorf("%w: %s", ErrNoFreeCell, cell)
		target = cell
		ed.log.Warn("placing over an occupied cell", zap.Stringer("cell", cell))
	}
	res.Request = protocol.AddRequest{
		Type:     typ,
		Position: target,
		Size:     grid.Unit,
		Rotation: state.NormalizeRotation(rotation),
		Marker:   ed.clock.Next(),
	}
	return res, nil
}

// ConfirmAdd inserts an element the authority created.
func (ed *Editor) ConfirmAdd(el state.Element) {
	el.IsBeingEdited = false
	ed.room.UpsertElement(el)
	if err := ed.occ.Register(el.Position, el.ID); err != nil {
		ed.log.Warn("confirmed element overlaps another", zap.String("element_id", el.ID), zap.Error(err))
	}
}

// PrepareRemove starts the removal of an element. The element stays in the
// room until the authority confirms.
func (ed *Editor) PrepareRemove(id string) (protocol.UpdateRequest, error) {
	if err := ed.BeginEdit(id); err != nil {
		return protocol.UpdateRequest{}, err
	}
	ed.edits[id].Remove = true
	return ed.Submit(id)
}

// ResizeElement sets an element's footprint from a continuous gesture
// measured in cells, rounding to whole cells.
func (ed *Editor) ResizeElement(id string, width, height float64) (protocol.UpdateRequest, error) {
	el, ok := ed.room.Element(id)
	if !ok {
		return protocol.UpdateRequest{}, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	size, err := Discretize(width, height)
	if err != nil {
		return protocol.UpdateRequest{}, err
	}
	if !ed.grid.FootprintInBounds(el.Position, size) {
		return protocol.UpdateRequest{}, fmt.Errorf("%w: %s sized %dx%d", ErrOutOfBounds, id, size.W, size.H)
	}
	if err := ed.BeginEdit(id); err != nil {
		return protocol.UpdateRequest{}, err
	}
	el.Size = size
	return ed.Submit(id)
}

// Discretize rounds a continuous size to whole cells, rejecting anything
// below 1x1.
func Discretize(width, height float64) (grid.Size, error) {
	s := grid.Size{W: int(math.Round(width)), H: int(math.Round(height))}
	if s.W < 1 || s.H < 1 {
		return grid.Size{}, fmt.Errorf("%w: %dx%d", ErrBelowMinimumSize, s.W, s.H)
	}
	return s, nil
}

func (ed *Editor) dragging(id string) (*Edit, *state.Element, error) {
	e, ok := ed.edits[id]
	if !ok || e.Phase != Dragging {
		return nil, nil, fmt.Errorf("%w: %s is not being dragged", ErrNotEditing, id)
	}
	el, ok := ed.room.Element(id)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownElement, id)
	}
	return e, el, nil
}

func (ed *Editor) snapBack(e *Edit, el *state.Element) {
	if err := ed.occ.Register(e.Origin.Position, el.ID); err != nil {
		// the pre-edit cell was taken meanwhile; stay on the last legal one
		if c, ok := ed.occ.CellOf(el.ID); ok {
			el.Position = c
			return
		}
		ed.log.Warn("snap back position was taken meanwhile", zap.String("element_id", el.ID), zap.Error(err))
	}
	el.Position = e.Origin.Position
}

func (ed *Editor) resolved(id string, confirmed bool) {
	for _, fn := range ed.onResolve {
		fn(id, confirmed)
	}
}

func updateRequest(el state.Element, marker uint64, remove bool) protocol.UpdateRequest {
	return protocol.UpdateRequest{
		ElementID: el.ID,
		Type:      el.Type,
		Position:  el.Position,
		Size:      el.Footprint(),
		Rotation:  el.Rotation,
		Remove:    remove,
		Marker:    marker,
	}
}
