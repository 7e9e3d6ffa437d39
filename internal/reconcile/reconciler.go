// Package reconcile merges the local optimistic room with the authority's
// full snapshots and push events.
package reconcile

import (
	"fmt"
	"slices"

	"go.uber.org/zap"

	"FloorBoard/internal/editor"
	"FloorBoard/internal/logger"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

// Kind names the entity family a change refers to.
type Kind string

const (
	KindElement Kind = "element"
	KindZone    Kind = "zone"
	KindRoom    Kind = "room"
	KindWaiter  Kind = "waiter"
	KindTables  Kind = "table_update"
)

// Change tells the presentation layer what the reconciler touched.
type Change struct {
	Kind    Kind
	ID      string
	Removed bool
}

// Services are the per-session collaborators the reconciler mutates. They
// are the same instances the editor works on.
type Services struct {
	Room    *state.Room
	Occ     *state.Occupancy
	Colors  *state.ColorPool
	Waiters *state.WaiterDirectory
	Clock   *state.EditClock
	Editor  *editor.Editor
}

// Reconciler applies remote state. Like the editor it runs on the session
// loop only.
type Reconciler struct {
	svc Services

	// guard counts in-flight local emissions per entity id.
	guard map[string]int
	// settled is the highest marker of a local emission whose round trip
	// has completed, per entity id.
	settled map[string]uint64
	// queued holds push events deferred behind a local edit, in arrival order.
	queued map[string][]protocol.Event

	onChange []func(Change)
	log      *zap.Logger
}

// New creates a reconciler and hooks it to the editor so queued events are
// flushed as soon as the edit they wait on resolves.
func New(svc Services, log *zap.Logger) *Reconciler {
	r := &Reconciler{
		svc:     svc,
		guard:   make(map[string]int),
		settled: make(map[string]uint64),
		queued:  make(map[string][]protocol.Event),
		log:     logger.OrNop(log).With(zap.String("component", "reconcile")),
	}
	svc.Editor.OnResolve(r.Resolve)
	return r
}

// OnChange registers fn to be told about every applied change.
func (r *Reconciler) OnChange(fn func(Change)) {
	r.onChange = append(r.onChange, fn)
}

func (r *Reconciler) notify(c Change) {
	for _, fn := range r.onChange {
		fn(c)
	}
}

// Guard marks id as having a local emission in flight.
func (r *Reconciler) Guard(id string) {
	r.guard[id]++
}

// Release ends the emission guarded by Guard. marker is the edit marker of
// that emission; echoes carrying it or an older one are dropped from now on.
func (r *Reconciler) Release(id string, marker uint64) {
	if n := r.guard[id]; n <= 1 {
		delete(r.guard, id)
	} else {
		r.guard[id] = n - 1
	}
	if marker > r.settled[id] {
		r.settled[id] = marker
	}
}

// Guarded reports whether id has a local emission in flight.
func (r *Reconciler) Guarded(id string) bool {
	return r.guard[id] > 0
}

// Emit runs fn with id guarded. The guard is released on every exit path,
// including a panic in fn.
func (r *Reconciler) Emit(id string, marker uint64, fn func() error) error {
	r.Guard(id)
	defer r.Release(id, marker)
	return fn()
}

// Queued returns how many push events wait behind the edit of id.
func (r *Reconciler) Queued(id string) int {
	return len(r.queued[id])
}

// ApplyFullSnapshot replaces every local entity with the authority's room.
// Elements under a live local edit keep their local position and flag.
// Batches awaiting approval are dropped: the snapshot is newer than their
// preview.
func (r *Reconciler) ApplyFullSnapshot(room state.Room) {
	if dropped := r.svc.Editor.DropTableUpdates(); len(dropped) > 0 {
		r.log.Info("snapshot dropped table updates awaiting approval", zap.Strings("request_ids", dropped))
		for _, id := range dropped {
			r.notify(Change{Kind: KindTables, ID: id, Removed: true})
		}
	}
	local := r.svc.Editor.Snapshot()

	next := room.Clone()
	for i := range next.Elements {
		next.Elements[i].Rotation = state.NormalizeRotation(next.Elements[i].Rotation)
		next.Elements[i].IsBeingEdited = false
	}
	*r.svc.Room = next

	// events queued for entities the snapshot dropped are stale
	for id := range r.queued {
		if _, ok := r.svc.Room.Element(id); ok {
			continue
		}
		if _, ok := r.svc.Room.Zone(id); ok {
			continue
		}
		delete(r.queued, id)
	}
	r.svc.Editor.ReapplyEdits(local)

	if conflicts := r.svc.Occ.Rebuild(r.svc.Room.Elements); len(conflicts) > 0 {
		r.log.Warn("snapshot places elements on shared cells", zap.Strings("element_ids", conflicts))
	}
	r.svc.Colors.Reset(r.svc.Room.Zones)

	r.log.Info("room snapshot applied",
		zap.String("room_id", room.ID),
		zap.Int("elements", len(room.Elements)),
		zap.Int("zones", len(room.Zones)))
	r.notify(Change{Kind: KindRoom, ID: room.ID})
}

// ApplyPushEvent applies one push event. Unknown event types are ignored;
// a malformed payload is returned as an error and leaves state untouched.
func (r *Reconciler) ApplyPushEvent(ev protocol.Event) error {
	if ev.Origin != r.svc.Clock.Site() && ev.Marker > 0 {
		r.svc.Clock.Observe(ev.Marker)
	}

	switch ev.Type {
	case protocol.EventElementUpdated:
		var el state.Element
		if err := ev.Decode(&el); err != nil {
			return err
		}
		if el.ID == "" {
			return fmt.Errorf("%s: element without id", ev.Type)
		}
		r.element(ev, el)

	case protocol.EventRoomUpdated, protocol.EventRoomData:
		var room state.Room
		if err := ev.Decode(&room); err != nil {
			return err
		}
		r.ApplyFullSnapshot(room)

	case protocol.EventZoneCreated, protocol.EventZoneUpdated:
		var z state.Zone
		if err := ev.Decode(&z); err != nil {
			return err
		}
		if z.ID == "" {
			return fmt.Errorf("%s: zone without id", ev.Type)
		}
		r.zone(ev, z.ID, func() { r.upsertZone(z) })

	case protocol.EventZoneDeleted:
		var p protocol.ZoneDeleted
		if err := ev.Decode(&p); err != nil {
			return err
		}
		r.zone(ev, p.ZoneID, func() { r.removeZone(p.ZoneID) })

	case protocol.EventTableUpdateRequestBroadcast:
		var req protocol.TableUpdateRequest
		if err := ev.Decode(&req); err != nil {
			return err
		}
		p := r.svc.Editor.PreviewTableUpdate(req)
		r.log.Info("table update awaiting approval",
			zap.String("request_id", req.RequestID),
			zap.String("requester_id", req.RequesterID),
			zap.Int("changes", len(p.Proposed)),
			zap.Strings("skipped", p.Skipped))
		r.notify(Change{Kind: KindTables, ID: req.RequestID})

	case protocol.EventTableUpdateDecided:
		var dec protocol.TableUpdateDecision
		if err := ev.Decode(&dec); err != nil {
			return err
		}
		released, ok := r.svc.Editor.SettleTableUpdate(dec.RequestID)
		if !ok {
			// decided here, or never previewed
			return nil
		}
		r.log.Info("table update decided elsewhere",
			zap.String("request_id", dec.RequestID),
			zap.Bool("accepted", dec.Accepted),
			zap.Strings("released", released))
		r.notify(Change{Kind: KindTables, ID: dec.RequestID, Removed: true})

	case protocol.EventWaiterConnected:
		var w state.Waiter
		if err := ev.Decode(&w); err != nil {
			return err
		}
		r.svc.Waiters.Connect(w)
		r.notify(Change{Kind: KindWaiter, ID: w.ID})

	case protocol.EventWaiterDisconnected:
		var p protocol.WaiterDisconnected
		if err := ev.Decode(&p); err != nil {
			return err
		}
		if r.svc.Waiters.Disconnect(p.WaiterID) {
			r.notify(Change{Kind: KindWaiter, ID: p.WaiterID, Removed: true})
		}

	default:
		r.log.Debug("ignoring unknown event", zap.String("type", ev.Type))
	}
	return nil
}

// Resolve flushes the events queued behind the edit of id, in arrival
// order. The editor calls it whenever an edit ends. A confirmed edit was
// applied by the authority after everything queued behind it, so the queue
// is dropped instead.
func (r *Reconciler) Resolve(id string, confirmed bool) {
	pending := r.queued[id]
	if len(pending) == 0 {
		return
	}
	delete(r.queued, id)
	if confirmed {
		r.log.Debug("queued events superseded by confirmed edit", zap.String("id", id), zap.Int("count", len(pending)))
		return
	}
	r.log.Debug("flushing queued events", zap.String("id", id), zap.Int("count", len(pending)))
	for _, ev := range pending {
		if err := r.ApplyPushEvent(ev); err != nil {
			r.log.Warn("queued event failed", zap.String("id", id), zap.Error(err))
		}
	}
}

// echo reports whether ev is the authority reflecting one of our own
// emissions for id back at us.
func (r *Reconciler) echo(id string, ev protocol.Event) bool {
	if ev.Origin == "" || ev.Origin != r.svc.Clock.Site() {
		return false
	}
	if r.Guarded(id) {
		return true
	}
	return ev.Marker > 0 && ev.Marker <= r.settled[id]
}

func (r *Reconciler) hold(id string, ev protocol.Event) {
	r.queued[id] = append(r.queued[id], ev)
	r.log.Debug("event queued behind local edit", zap.String("id", id), zap.String("type", ev.Type))
}

func (r *Reconciler) element(ev protocol.Event, el state.Element) {
	if r.echo(el.ID, ev) {
		r.log.Debug("echo suppressed", zap.String("element_id", el.ID), zap.Uint64("marker", ev.Marker))
		return
	}
	if e, editing := r.svc.Editor.Edit(el.ID); editing {
		if e.Initiator == r.svc.Clock.Site() {
			r.hold(el.ID, ev)
			return
		}
		// someone else owns the edit: the remote value wins
		r.svc.Editor.Forget(el.ID)
	}
	r.upsertElement(el)
}

func (r *Reconciler) upsertElement(el state.Element) {
	el.IsBeingEdited = false
	el.Rotation = state.NormalizeRotation(el.Rotation)
	if cur, ok := r.svc.Room.Element(el.ID); ok && sameElement(*cur, el) {
		return
	}
	r.svc.Room.UpsertElement(el)
	// the authority's placement wins; the holder's own update is on its way
	if evicted := r.svc.Occ.Claim(el.Position, el.ID); evicted != "" {
		r.log.Warn("remote element took an occupied cell",
			zap.String("element_id", el.ID),
			zap.String("evicted_id", evicted),
			zap.Stringer("cell", el.Position))
	}
	r.notify(Change{Kind: KindElement, ID: el.ID})
}

func (r *Reconciler) zone(ev protocol.Event, id string, apply func()) {
	if r.echo(id, ev) {
		r.log.Debug("echo suppressed", zap.String("zone_id", id), zap.Uint64("marker", ev.Marker))
		return
	}
	if r.svc.Editor.ZonePending(id) {
		r.hold(id, ev)
		return
	}
	apply()
}

func (r *Reconciler) upsertZone(z state.Zone) {
	z.Color = state.NormalizeColor(z.Color)
	if cur, ok := r.svc.Room.Zone(z.ID); ok {
		if sameZone(*cur, z) {
			return
		}
		if cur.Color != z.Color {
			r.svc.Colors.Release(cur.Color)
		}
	}
	r.svc.Room.UpsertZone(z)
	if !r.svc.Colors.Claim(z.ID, z.Color) {
		r.log.Warn("zone color shared with another zone", zap.String("zone_id", z.ID), zap.String("color", z.Color))
	}
	r.notify(Change{Kind: KindZone, ID: z.ID})
}

func (r *Reconciler) removeZone(id string) {
	if !r.svc.Room.RemoveZone(id) {
		return
	}
	r.svc.Colors.ReleaseZone(id)
	r.notify(Change{Kind: KindZone, ID: id, Removed: true})
}

func sameElement(a, b state.Element) bool {
	return a.ID == b.ID && a.Type == b.Type && a.Position == b.Position &&
		a.Footprint() == b.Footprint() && a.Rotation == b.Rotation &&
		a.IsBeingEdited == b.IsBeingEdited
}

func sameZone(a, b state.Zone) bool {
	return a.Name == b.Name && a.Color == b.Color && a.Position == b.Position &&
		a.Size == b.Size && slices.Equal(a.AssignedServerIDs, b.AssignedServerIDs)
}
