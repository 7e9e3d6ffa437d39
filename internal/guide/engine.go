package guide

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"fyne.io/fyne/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"FloorBoard/internal/logger"
)

var (
	ErrUnknownGuideline = errors.New("unknown guideline")
	ErrUnknownObject    = errors.New("unknown object")
	ErrDragInProgress   = errors.New("drag already in progress")
	ErrNoDrag           = errors.New("no drag in progress")
)

// Config holds the snapping thresholds.
type Config struct {
	// DetectionThreshold bounds which guidelines are considered at all and
	// how far center alignment reaches.
	DetectionThreshold float32
	// ActiveThreshold bounds edge alignment and how far an attached object
	// can be dragged before it detaches.
	ActiveThreshold float32
	// SnapOffset is the gap kept between a snapped edge and its guideline.
	SnapOffset float32
	// RecomputeInterval throttles full guideline-distance recomputation.
	RecomputeInterval time.Duration
}

// DefaultConfig returns the thresholds the board ships with.
func DefaultConfig() Config {
	return Config{
		DetectionThreshold: 50,
		ActiveThreshold:    20,
		SnapOffset:         30,
		RecomputeInterval:  50 * time.Millisecond,
	}
}

// DragState is the state of the current drag session.
type DragState int

const (
	Idle DragState = iota
	Dragging
	Snapped
	Unsnapped
)

func (s DragState) String() string {
	switch s {
	case Dragging:
		return "dragging"
	case Snapped:
		return "snapped"
	case Unsnapped:
		return "unsnapped"
	default:
		return "idle"
	}
}

// Snap describes one engaged alignment.
type Snap struct {
	GuidelineID string
	Orientation Orientation
	Center      bool
	Distance    float32
}

// Moved reports a new center for an object.
type Moved struct {
	ObjectID string
	Center   fyne.Position
}

// DragResult is what one drag step produced.
type DragResult struct {
	State      DragState
	Centers    map[string]fyne.Position
	Snaps      []Snap
	Candidates []string // guidelines within the detection threshold
	Detached   []string // objects that left their guideline during this step
	Attached   []string // objects attached when the drag ended
}

type target struct {
	snap Snap
	side float32 // -1 places the object before the guideline, +1 after
}

type attachment struct {
	guidelineID string
	offset      float32 // object center minus guideline position
}

type dragSession struct {
	ids         []string
	start       map[string]Bounds
	group       Bounds
	detached    map[string]map[Orientation]attachment
	targets     [2]*target
	candidates  []string
	engaged     [2]*target
	pinned      [2]bool
	computed    bool
	lastCompute time.Time
	state       DragState
}

// Engine owns the guideline registry, the canvas bounds of every movable
// object and the sticky attachments between them. It is not safe for
// concurrent use; the session loop is its only caller.
type Engine struct {
	cfg      Config
	guides   map[string]*Guideline
	order    []string
	objects  map[string]Bounds
	attached map[string]map[Orientation]attachment
	drag     *dragSession
	log      *zap.Logger
}

// NewEngine returns an engine with no guidelines or objects.
func NewEngine(cfg Config, log *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		guides:   make(map[string]*Guideline),
		objects:  make(map[string]Bounds),
		attached: make(map[string]map[Orientation]attachment),
		log:      logger.OrNop(log).With(zap.String("component", "guide")),
	}
}

// AddGuideline creates a guideline with a fresh id.
func (e *Engine) AddGuideline(o Orientation, position float32) Guideline {
	return e.PutGuideline(Guideline{ID: uuid.NewString(), Orientation: o, Position: position})
}

// PutGuideline registers g, replacing any guideline with the same id.
// Attached objects are not moved.
func (e *Engine) PutGuideline(g Guideline) Guideline {
	if _, ok := e.guides[g.ID]; !ok {
		e.order = append(e.order, g.ID)
	}
	cp := g
	e.guides[g.ID] = &cp
	return g
}

// Guideline returns a copy of the guideline with the given id.
func (e *Engine) Guideline(id string) (Guideline, bool) {
	g, ok := e.guides[id]
	if !ok {
		return Guideline{}, false
	}
	return *g, true
}

// Guidelines returns every guideline in registration order.
func (e *Engine) Guidelines() []Guideline {
	out := make([]Guideline, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, *e.guides[id])
	}
	return out
}

// MoveGuideline moves a guideline and every object attached to it. Each
// object is placed at the new position plus its stored offset.
func (e *Engine) MoveGuideline(id string, position float32) ([]Moved, error) {
	g, ok := e.guides[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuideline, id)
	}
	g.Position = position

	var moved []Moved
	for _, objID := range e.Attached(id) {
		a := e.attached[objID][g.Orientation]
		b := e.objects[objID].withAxis(g.Orientation, position+a.offset)
		e.objects[objID] = b
		moved = append(moved, Moved{ObjectID: objID, Center: b.Center})
	}
	return moved, nil
}

// DeleteGuideline removes a guideline and detaches its objects without
// moving them. The detached object ids are returned.
func (e *Engine) DeleteGuideline(id string) ([]string, error) {
	if _, ok := e.guides[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuideline, id)
	}
	detached := e.Attached(id)
	o := e.guides[id].Orientation
	for _, objID := range detached {
		e.dropAttachment(objID, o)
	}
	delete(e.guides, id)
	for i, gid := range e.order {
		if gid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return detached, nil
}

// Track records or updates the canvas bounds of an object.
func (e *Engine) Track(id string, b Bounds) {
	e.objects[id] = b
}

// Untrack forgets an object and its attachments.
func (e *Engine) Untrack(id string) {
	delete(e.objects, id)
	delete(e.attached, id)
}

// Objects returns the ids of every tracked object, sorted.
func (e *Engine) Objects() []string {
	ids := make([]string, 0, len(e.objects))
	for id := range e.objects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Object returns the tracked bounds of an object.
func (e *Engine) Object(id string) (Bounds, bool) {
	b, ok := e.objects[id]
	return b, ok
}

// Attach binds an object to a guideline at its current offset.
func (e *Engine) Attach(objectID, guidelineID string) error {
	g, ok := e.guides[guidelineID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGuideline, guidelineID)
	}
	b, ok := e.objects[objectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownObject, objectID)
	}
	c, _ := b.axis(g.Orientation)
	e.setAttachment(objectID, g.Orientation, attachment{guidelineID: guidelineID, offset: c - g.Position})
	return nil
}

// Detach releases an object from every guideline. It reports whether the
// object was attached at all.
func (e *Engine) Detach(objectID string) bool {
	if len(e.attached[objectID]) == 0 {
		return false
	}
	delete(e.attached, objectID)
	e.log.Debug("object detached", zap.String("object_id", objectID))
	return true
}

// AttachmentOf returns the guideline and offset an object is bound to on
// the axis constrained by o.
func (e *Engine) AttachmentOf(objectID string, o Orientation) (string, float32, bool) {
	a, ok := e.attached[objectID][o]
	return a.guidelineID, a.offset, ok
}

// Attached returns the ids of the objects bound to a guideline, sorted.
func (e *Engine) Attached(guidelineID string) []string {
	var ids []string
	for objID, axes := range e.attached {
		for _, a := range axes {
			if a.guidelineID == guidelineID {
				ids = append(ids, objID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids
}

// Highlighted reports whether a guideline has live attachments.
func (e *Engine) Highlighted(guidelineID string) bool {
	return len(e.Attached(guidelineID)) > 0
}

func (e *Engine) setAttachment(objectID string, o Orientation, a attachment) {
	axes, ok := e.attached[objectID]
	if !ok {
		axes = make(map[Orientation]attachment, 2)
		e.attached[objectID] = axes
	}
	axes[o] = a
	e.log.Debug("object attached",
		zap.String("object_id", objectID),
		zap.String("guideline_id", a.guidelineID),
		zap.Float32("offset", a.offset))
}

func (e *Engine) dropAttachment(objectID string, o Orientation) {
	delete(e.attached[objectID], o)
	if len(e.attached[objectID]) == 0 {
		delete(e.attached, objectID)
	}
}

// DragState returns the state of the current drag session.
func (e *Engine) DragState() DragState {
	if e.drag == nil {
		return Idle
	}
	return e.drag.state
}

// BeginDrag starts moving one object, or several as a group.
func (e *Engine) BeginDrag(ids ...string) error {
	if e.drag != nil {
		return ErrDragInProgress
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: empty selection", ErrUnknownObject)
	}
	d := &dragSession{
		ids:      append([]string(nil), ids...),
		start:    make(map[string]Bounds, len(ids)),
		detached: make(map[string]map[Orientation]attachment),
		state:    Dragging,
	}
	sort.Strings(d.ids)
	all := make([]Bounds, 0, len(ids))
	for _, id := range d.ids {
		b, ok := e.objects[id]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownObject, id)
		}
		d.start[id] = b
		all = append(all, b)
	}
	d.group = union(all)
	e.drag = d
	return nil
}

// DragTo moves the dragged selection so its bounding box is centered on
// center, before snapping.
func (e *Engine) DragTo(center fyne.Position, now time.Time) (DragResult, error) {
	if e.drag == nil {
		return DragResult{}, ErrNoDrag
	}
	c := e.drag.group.Center
	return e.DragBy(fyne.NewPos(center.X-c.X, center.Y-c.Y), now)
}

// DragBy moves the dragged selection by delta from where the drag began
// and applies snapping. Guideline distances are recomputed at most once
// per RecomputeInterval of the caller-supplied clock; in between, the last
// snap targets are reused.
func (e *Engine) DragBy(delta fyne.Position, now time.Time) (DragResult, error) {
	d := e.drag
	if d == nil {
		return DragResult{}, ErrNoDrag
	}
	res := DragResult{Centers: make(map[string]fyne.Position, len(d.ids))}

	res.Detached = e.detachDraggedAway(delta)

	raw := d.group.Translate(delta.X, delta.Y)
	if !d.computed || now.Sub(d.lastCompute) >= e.cfg.RecomputeInterval {
		d.targets, d.candidates = e.computeTargets(raw)
		d.computed = true
		d.lastCompute = now
	}
	res.Candidates = d.candidates

	adjusted := raw
	d.engaged = [2]*target{}
	d.pinned = [2]bool{}
	for _, o := range []Orientation{Vertical, Horizontal} {
		if v, ok := e.pinnedCoord(o, delta); ok {
			adjusted = adjusted.withAxis(o, v)
			d.pinned[o] = true
			continue
		}
		t := d.targets[o]
		if t == nil {
			continue
		}
		g, ok := e.guides[t.snap.GuidelineID]
		if !ok {
			continue
		}
		_, half := raw.axis(o)
		v := g.Position
		if !t.snap.Center {
			v += t.side * (half + e.cfg.SnapOffset)
		}
		adjusted = adjusted.withAxis(o, v)
		d.engaged[o] = t
		res.Snaps = append(res.Snaps, t.snap)
	}

	dx := adjusted.Center.X - d.group.Center.X
	dy := adjusted.Center.Y - d.group.Center.Y
	for _, id := range d.ids {
		b := d.start[id].Translate(dx, dy)
		e.objects[id] = b
		res.Centers[id] = b.Center
	}

	if d.engaged[Vertical] != nil || d.engaged[Horizontal] != nil || d.pinned[Vertical] || d.pinned[Horizontal] {
		d.state = Snapped
	} else {
		d.state = Unsnapped
	}
	res.State = d.state
	return res, nil
}

// EndDrag finishes the session. Every object snapped on an axis becomes
// attached to that axis' guideline.
func (e *Engine) EndDrag() (DragResult, error) {
	d := e.drag
	if d == nil {
		return DragResult{}, ErrNoDrag
	}
	e.drag = nil

	res := DragResult{State: d.state, Centers: make(map[string]fyne.Position, len(d.ids))}
	attached := map[string]bool{}
	for _, o := range []Orientation{Vertical, Horizontal} {
		t := d.engaged[o]
		if t == nil {
			continue
		}
		g, ok := e.guides[t.snap.GuidelineID]
		if !ok {
			continue
		}
		for _, id := range d.ids {
			c, _ := e.objects[id].axis(o)
			e.setAttachment(id, o, attachment{guidelineID: g.ID, offset: c - g.Position})
			attached[id] = true
		}
		res.Snaps = append(res.Snaps, t.snap)
	}
	for _, id := range d.ids {
		res.Centers[id] = e.objects[id].Center
		if attached[id] {
			res.Attached = append(res.Attached, id)
		}
	}
	return res, nil
}

// CancelDrag puts every dragged object back where the drag began and
// restores attachments broken during the drag. It is a no-op when no drag
// is in progress.
func (e *Engine) CancelDrag() []Moved {
	d := e.drag
	if d == nil {
		return nil
	}
	e.drag = nil
	moved := make([]Moved, 0, len(d.ids))
	for _, id := range d.ids {
		e.objects[id] = d.start[id]
		for o, a := range d.detached[id] {
			e.setAttachment(id, o, a)
		}
		moved = append(moved, Moved{ObjectID: id, Center: d.start[id].Center})
	}
	return moved
}

// detachDraggedAway drops the attachments of members dragged further than
// the active threshold along the attachment's axis.
func (e *Engine) detachDraggedAway(delta fyne.Position) []string {
	d := e.drag
	var out []string
	for _, id := range d.ids {
		for o, a := range e.attached[id] {
			shift := delta.X
			if o == Horizontal {
				shift = delta.Y
			}
			if abs32(shift) <= e.cfg.ActiveThreshold {
				continue
			}
			if d.detached[id] == nil {
				d.detached[id] = make(map[Orientation]attachment, 2)
			}
			d.detached[id][o] = a
			e.dropAttachment(id, o)
			out = append(out, id)
			e.log.Debug("object dragged off guideline",
				zap.String("object_id", id),
				zap.String("guideline_id", a.guidelineID))
		}
	}
	return out
}

// pinnedCoord returns the group center coordinate on o's axis that keeps
// the first still-attached member on its guideline.
func (e *Engine) pinnedCoord(o Orientation, delta fyne.Position) (float32, bool) {
	d := e.drag
	for _, id := range d.ids {
		a, ok := e.attached[id][o]
		if !ok {
			continue
		}
		g, ok := e.guides[a.guidelineID]
		if !ok {
			continue
		}
		memberCenter, _ := d.start[id].axis(o)
		groupCenter, _ := d.group.axis(o)
		return g.Position + a.offset - memberCenter + groupCenter, true
	}
	return 0, false
}

// computeTargets finds the best guideline per axis for bounds b. The
// smallest qualifying distance wins; on equal distance center alignment
// beats edge alignment.
func (e *Engine) computeTargets(b Bounds) ([2]*target, []string) {
	var best [2]*target
	var candidates []string
	for _, id := range e.order {
		g := e.guides[id]
		o := g.Orientation
		c, half := b.axis(o)

		dCenter := abs32(c - g.Position)
		dEdge := min(abs32(c-half-g.Position), abs32(c+half-g.Position))
		if min(dCenter, dEdge) <= e.cfg.DetectionThreshold {
			candidates = append(candidates, id)
		}

		var cand *target
		if dCenter <= e.cfg.DetectionThreshold {
			cand = &target{snap: Snap{GuidelineID: id, Orientation: o, Center: true, Distance: dCenter}}
		}
		if dEdge <= e.cfg.ActiveThreshold && (cand == nil || dEdge < dCenter) {
			side := float32(1)
			if c < g.Position {
				side = -1
			}
			cand = &target{snap: Snap{GuidelineID: id, Orientation: o, Distance: dEdge}, side: side}
		}
		if cand == nil {
			continue
		}
		cur := best[o]
		if cur == nil || cand.snap.Distance < cur.snap.Distance ||
			(cand.snap.Distance == cur.snap.Distance && cand.snap.Center && !cur.snap.Center) {
			best[o] = cand
		}
	}
	return best, candidates
}
