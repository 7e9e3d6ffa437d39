package reconcile

import (
	"encoding/json"
	"testing"
	"time"

	"fyne.io/fyne/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FloorBoard/internal/editor"
	"FloorBoard/internal/grid"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

const localSite = "local"

type fixture struct {
	room    *state.Room
	occ     *state.Occupancy
	colors  *state.ColorPool
	waiters *state.WaiterDirectory
	clock   *state.EditClock
	ed      *editor.Editor
	rec     *Reconciler
	changes []Change
}

func newFixture(t *testing.T, elements ...state.Element) *fixture {
	t.Helper()
	g, err := grid.New(fyne.NewSize(1000, 1000), 10)
	require.NoError(t, err)

	f := &fixture{
		room:    &state.Room{ID: "room", GridSize: 10},
		occ:     state.NewOccupancy(g),
		colors:  state.NewColorPool(nil),
		waiters: state.NewWaiterDirectory(),
		clock:   state.NewEditClockForSite(localSite),
	}
	for _, el := range elements {
		f.room.UpsertElement(el)
	}
	require.Empty(t, f.occ.Rebuild(f.room.Elements))
	f.ed = editor.New(f.room, g, f.occ, f.clock, f.colors, nil)
	f.rec = New(Services{
		Room:    f.room,
		Occ:     f.occ,
		Colors:  f.colors,
		Waiters: f.waiters,
		Clock:   f.clock,
		Editor:  f.ed,
	}, nil)
	f.rec.OnChange(func(c Change) { f.changes = append(f.changes, c) })
	return f
}

func at(id string, col, row int) state.Element {
	return state.Element{ID: id, Type: state.TableRect2, Position: grid.Cell{Col: col, Row: row}}
}

func event(t *testing.T, typ, origin string, marker uint64, payload any) protocol.Event {
	t.Helper()
	ev, err := protocol.NewEvent(typ, origin, marker, payload)
	require.NoError(t, err)
	return ev
}

func (f *fixture) position(t *testing.T, id string) grid.Cell {
	t.Helper()
	el, ok := f.room.Element(id)
	require.True(t, ok, "element %s", id)
	return el.Position
}

func TestApplyFullSnapshot_ReplacesEverything(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))

	f.rec.ApplyFullSnapshot(state.Room{
		ID:       "room",
		GridSize: 10,
		Elements: []state.Element{at("b", 2, 2)},
		Zones:    []state.Zone{{ID: "z", Name: "bar", Color: "#E57373", Size: grid.Size{W: 2, H: 2}}},
	})

	_, ok := f.room.Element("a")
	assert.False(t, ok)
	assert.Equal(t, grid.Cell{Col: 2, Row: 2}, f.position(t, "b"))
	assert.False(t, f.occ.IsOccupied(grid.Cell{Col: 1, Row: 1}))
	owner, _ := f.occ.OccupiedBy(grid.Cell{Col: 2, Row: 2})
	assert.Equal(t, "b", owner)
	assert.True(t, f.colors.InUse("#e57373"))
	assert.Equal(t, []Change{{Kind: KindRoom, ID: "room"}}, f.changes)
}

func TestApplyFullSnapshot_KeepsElementUnderLocalEdit(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	require.NoError(t, f.ed.BeginEdit("a"))
	require.NoError(t, f.ed.ProposeMove("a", grid.Cell{Col: 3, Row: 3}))

	f.rec.ApplyFullSnapshot(state.Room{
		ID:       "room",
		Elements: []state.Element{at("a", 1, 1), at("b", 5, 5)},
	})

	el, ok := f.room.Element("a")
	require.True(t, ok)
	assert.Equal(t, grid.Cell{Col: 3, Row: 3}, el.Position)
	assert.True(t, el.IsBeingEdited)
	owner, _ := f.occ.OccupiedBy(grid.Cell{Col: 3, Row: 3})
	assert.Equal(t, "a", owner)
	assert.False(t, f.occ.IsOccupied(grid.Cell{Col: 1, Row: 1}))
}

func TestApplyFullSnapshot_DropsEditOfVanishedElement(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	require.NoError(t, f.ed.BeginEdit("a"))

	f.rec.ApplyFullSnapshot(state.Room{ID: "room"})

	assert.False(t, f.ed.IsEditing("a"))
	assert.Zero(t, f.occ.Len())
}

func TestApplyPushEvent_Idempotent(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	ev := event(t, protocol.EventElementUpdated, "remote", 4, at("a", 4, 4))

	require.NoError(t, f.rec.ApplyPushEvent(ev))
	once := f.room.Clone()
	require.NoError(t, f.rec.ApplyPushEvent(ev))

	assert.Equal(t, once, f.room.Clone())
	assert.Len(t, f.changes, 1, "second application is a no-op")
	owner, _ := f.occ.OccupiedBy(grid.Cell{Col: 4, Row: 4})
	assert.Equal(t, "a", owner)
	assert.EqualValues(t, 4, f.clock.Current(), "remote marker observed")
}

func TestApplyPushEvent_QueuedWhileDragging(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	require.NoError(t, f.ed.BeginEdit("a"))
	require.NoError(t, f.ed.ProposeMove("a", grid.Cell{Col: 2, Row: 2}))

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "remote", 0, at("a", 6, 6))))

	assert.Equal(t, grid.Cell{Col: 2, Row: 2}, f.position(t, "a"), "drag is not yanked")
	assert.Equal(t, 1, f.rec.Queued("a"))
	assert.Empty(t, f.changes)

	require.True(t, f.ed.Rollback("a"))

	assert.Equal(t, grid.Cell{Col: 6, Row: 6}, f.position(t, "a"), "queued event applied after the edit resolved")
	assert.Zero(t, f.rec.Queued("a"))
	assert.False(t, f.occ.IsOccupied(grid.Cell{Col: 1, Row: 1}))
}

func TestApplyPushEvent_ConfirmedEditOutlivesQueuedEvents(t *testing.T) {
	f := newFixture(t, at("x", 1, 1))
	require.NoError(t, f.ed.BeginEdit("x"))
	require.NoError(t, f.ed.ProposeMove("x", grid.Cell{Col: 7, Row: 7}))

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "remote", 0, at("x", 2, 2))))
	require.Equal(t, 1, f.rec.Queued("x"))

	req, err := f.ed.Submit("x")
	require.NoError(t, err)
	f.rec.Guard("x")
	require.NoError(t, f.ed.Commit("x"))
	f.rec.Release("x", req.Marker)

	// the authority applied ours last, then echoes it
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, localSite, req.Marker, at("x", 7, 7))))

	assert.Equal(t, grid.Cell{Col: 7, Row: 7}, f.position(t, "x"))
	assert.Zero(t, f.rec.Queued("x"))
	owner, ok := f.occ.OccupiedBy(grid.Cell{Col: 7, Row: 7})
	assert.True(t, ok)
	assert.Equal(t, "x", owner)
	assert.False(t, f.occ.IsOccupied(grid.Cell{Col: 2, Row: 2}))
}

func TestApplyPushEvent_RemoteMoveOntoStaleCell(t *testing.T) {
	f := newFixture(t, at("a", 1, 1), at("b", 2, 2))

	// b lands on a's cell before a's own move away arrives
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "remote", 0, at("b", 1, 1))))
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "remote", 0, at("a", 3, 3))))

	cell, ok := f.occ.CellOf("b")
	require.True(t, ok)
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, cell)
	owner, ok := f.occ.OccupiedBy(grid.Cell{Col: 1, Row: 1})
	assert.True(t, ok)
	assert.Equal(t, "b", owner)
	cell, ok = f.occ.CellOf("a")
	require.True(t, ok)
	assert.Equal(t, grid.Cell{Col: 3, Row: 3}, cell)
	assert.False(t, f.occ.IsOccupied(grid.Cell{Col: 2, Row: 2}))
	assert.Equal(t, 2, f.occ.Len())
}

func TestApplyPushEvent_QueueFlushesInArrivalOrderOnRollback(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	require.NoError(t, f.ed.BeginEdit("a"))

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "remote", 0, at("a", 6, 6))))
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "other", 0, at("a", 7, 7))))
	require.Equal(t, 2, f.rec.Queued("a"))

	require.True(t, f.ed.Rollback("a"))

	assert.Equal(t, grid.Cell{Col: 7, Row: 7}, f.position(t, "a"), "last applied wins")
	assert.False(t, f.occ.IsOccupied(grid.Cell{Col: 6, Row: 6}))
}

func TestApplyPushEvent_RemoteInitiatorWins(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	f.ed.PreviewTableUpdate(protocol.TableUpdateRequest{
		RequestID:   "req",
		RequesterID: "bob",
		Changes:     []protocol.TableChange{{ElementID: "a", Position: grid.Cell{Col: 2, Row: 2}}},
	})
	require.True(t, f.ed.IsEditing("a"))

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "bob", 0, at("a", 8, 8))))

	assert.Equal(t, grid.Cell{Col: 8, Row: 8}, f.position(t, "a"))
	assert.False(t, f.ed.IsEditing("a"))
	el, _ := f.room.Element("a")
	assert.False(t, el.IsBeingEdited)

	dec, err := f.ed.AcceptTableUpdate("req")
	require.NoError(t, err)
	assert.Empty(t, dec.ElementIDs, "the batch no longer holds the element")
}

func TestApplyPushEvent_EchoSuppressed(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	echo := event(t, protocol.EventElementUpdated, localSite, 3, at("a", 5, 5))

	f.rec.Guard("a")
	require.NoError(t, f.rec.ApplyPushEvent(echo))
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, f.position(t, "a"))

	f.rec.Release("a", 3)
	assert.False(t, f.rec.Guarded("a"))
	require.NoError(t, f.rec.ApplyPushEvent(echo))
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, f.position(t, "a"), "late echo of a settled emission")
	assert.Empty(t, f.changes)

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "remote", 3, at("a", 5, 5))))
	assert.Equal(t, grid.Cell{Col: 5, Row: 5}, f.position(t, "a"), "same marker from another site is applied")
}

func TestGuard_NestedEmissions(t *testing.T) {
	f := newFixture(t)
	f.rec.Guard("a")
	f.rec.Guard("a")
	f.rec.Release("a", 1)
	assert.True(t, f.rec.Guarded("a"))
	f.rec.Release("a", 2)
	assert.False(t, f.rec.Guarded("a"))
}

func TestEmit_ReleasesOnEveryExit(t *testing.T) {
	f := newFixture(t)

	err := f.rec.Emit("a", 1, func() error {
		assert.True(t, f.rec.Guarded("a"))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, f.rec.Guarded("a"))

	assert.Panics(t, func() {
		_ = f.rec.Emit("b", 1, func() error { panic("transport blew up") })
	})
	assert.False(t, f.rec.Guarded("b"))
}

func TestApplyPushEvent_Zones(t *testing.T) {
	f := newFixture(t)
	z := state.Zone{ID: "z", Name: "terrace", Color: "#64B5F6", Size: grid.Size{W: 2, H: 2}}

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventZoneCreated, "remote", 0, z)))
	got, ok := f.room.Zone("z")
	require.True(t, ok)
	assert.Equal(t, "#64b5f6", got.Color)
	assert.True(t, f.colors.InUse("#64b5f6"))

	z.Color = "#81c784"
	z.AssignedServerIDs = []string{"w2", "w1"}
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventZoneUpdated, "remote", 0, z)))
	got, _ = f.room.Zone("z")
	assert.Equal(t, []string{"w1", "w2"}, got.AssignedServerIDs)
	assert.False(t, f.colors.InUse("#64b5f6"))
	assert.True(t, f.colors.InUse("#81c784"))

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventZoneDeleted, "remote", 0, protocol.ZoneDeleted{ZoneID: "z"})))
	_, ok = f.room.Zone("z")
	assert.False(t, ok)
	assert.False(t, f.colors.InUse("#81c784"))
	assert.Equal(t, Change{Kind: KindZone, ID: "z", Removed: true}, f.changes[len(f.changes)-1])
}

func TestApplyPushEvent_ZoneQueuedBehindLocalEdit(t *testing.T) {
	f := newFixture(t)
	req, err := f.ed.CreateZone("patio", grid.Cell{Col: 1, Row: 1}, grid.Size{W: 2, H: 2})
	require.NoError(t, err)
	id := req.Zone.ID

	remote := req.Zone
	remote.Name = "renamed elsewhere"
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventZoneUpdated, "remote", 0, remote)))
	got, _ := f.room.Zone(id)
	assert.Equal(t, "patio", got.Name)
	assert.Equal(t, 1, f.rec.Queued(id))

	f.ed.ConfirmZone(id, &req.Zone)

	got, _ = f.room.Zone(id)
	assert.Equal(t, "patio", got.Name, "confirmed create landed after the rename")
	assert.Zero(t, f.rec.Queued(id))

	upd, err := f.ed.RenameZone(id, "terrace")
	require.NoError(t, err)
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventZoneUpdated, "remote", 0, remote)))
	require.Equal(t, 1, f.rec.Queued(id))

	require.True(t, f.ed.RejectZone(upd.Zone.ID))
	got, _ = f.room.Zone(id)
	assert.Equal(t, "renamed elsewhere", got.Name, "queued rename applied after the rejection")
	assert.Zero(t, f.rec.Queued(id))
}

func TestApplyPushEvent_Waiters(t *testing.T) {
	f := newFixture(t)
	w := state.Waiter{ID: "w1", Name: "Ana", ConnectedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventWaiterConnected, "", 0, w)))
	assert.Equal(t, []state.Waiter{w}, f.waiters.List())

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventWaiterDisconnected, "", 0, protocol.WaiterDisconnected{WaiterID: "w1"})))
	assert.Empty(t, f.waiters.List())
	assert.Len(t, f.changes, 2)
}

func TestApplyPushEvent_TableUpdateBroadcastStartsPreview(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))
	req := protocol.TableUpdateRequest{
		RequestID:   "req",
		RequesterID: "bob",
		Changes:     []protocol.TableChange{{ElementID: "a", Position: grid.Cell{Col: 2, Row: 1}}},
	}

	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventTableUpdateRequestBroadcast, "bob", 0, req)))

	assert.Equal(t, []string{"req"}, f.ed.PendingTableUpdates())
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, f.position(t, "a"), "preview does not move anything")
	el, _ := f.room.Element("a")
	assert.True(t, el.IsBeingEdited)
}

func TestApplyPushEvent_TableUpdateDecidedElsewhere(t *testing.T) {
	f := newFixture(t, at("a", 1, 1), at("b", 3, 3))
	req := protocol.TableUpdateRequest{
		RequestID:   "req",
		RequesterID: "waiter-1",
		Changes: []protocol.TableChange{
			{ElementID: "a", Position: grid.Cell{Col: 2, Row: 1}},
			{ElementID: "b", Position: grid.Cell{Col: 4, Row: 4}},
		},
	}
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventTableUpdateRequestBroadcast, "waiter-1", 0, req)))
	require.True(t, f.ed.IsEditing("b"))

	// the deciding client's accept reaches us as element updates plus the decision
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "alice", 0, at("a", 2, 1))))
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventTableUpdateDecided, "alice", 0,
		protocol.TableUpdateDecision{RequestID: "req", Accepted: true, ElementIDs: []string{"a"}})))

	assert.Empty(t, f.ed.PendingTableUpdates())
	assert.Equal(t, grid.Cell{Col: 2, Row: 1}, f.position(t, "a"))
	assert.Equal(t, grid.Cell{Col: 3, Row: 3}, f.position(t, "b"), "skipped change never lands")
	for _, id := range []string{"a", "b"} {
		assert.Equal(t, editor.Idle, f.ed.Phase(id), id)
		el, _ := f.room.Element(id)
		assert.False(t, el.IsBeingEdited, id)
	}
	require.NoError(t, f.ed.BeginEdit("b"))
	assert.Equal(t, Change{Kind: KindTables, ID: "req", Removed: true}, f.changes[len(f.changes)-1])

	// a second copy of the decision is harmless
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventTableUpdateDecided, "alice", 0,
		protocol.TableUpdateDecision{RequestID: "req"})))
	assert.Equal(t, editor.Dragging, f.ed.Phase("b"))
}

func TestApplyFullSnapshot_DropsTableUpdatePreviews(t *testing.T) {
	f := newFixture(t, at("x", 1, 1), at("y", 5, 5))
	req := protocol.TableUpdateRequest{
		RequestID:   "r1",
		RequesterID: "waiter-1",
		Changes:     []protocol.TableChange{{ElementID: "x", Position: grid.Cell{Col: 2, Row: 2}}},
	}
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventTableUpdateRequestBroadcast, "waiter-1", 0, req)))
	require.NoError(t, f.ed.BeginEdit("y"))
	require.NoError(t, f.ed.ProposeMove("y", grid.Cell{Col: 6, Row: 6}))

	room := state.Room{ID: "room", Elements: []state.Element{at("x", 1, 1), at("y", 5, 5), at("z", 9, 9)}}
	require.NoError(t, f.rec.ApplyPushEvent(event(t, protocol.EventRoomUpdated, "remote", 0, room)))

	assert.Empty(t, f.ed.PendingTableUpdates())
	assert.Equal(t, editor.Idle, f.ed.Phase("x"))
	el, _ := f.room.Element("x")
	assert.False(t, el.IsBeingEdited)
	require.NoError(t, f.ed.BeginEdit("x"))

	assert.Equal(t, editor.Dragging, f.ed.Phase("y"), "local edits survive")
	assert.Equal(t, grid.Cell{Col: 6, Row: 6}, f.position(t, "y"))
}

func TestApplyPushEvent_RoomEventsResync(t *testing.T) {
	for _, typ := range []string{protocol.EventRoomUpdated, protocol.EventRoomData} {
		t.Run(typ, func(t *testing.T) {
			f := newFixture(t, at("a", 1, 1))
			room := state.Room{ID: "room", Elements: []state.Element{at("c", 9, 9)}}
			require.NoError(t, f.rec.ApplyPushEvent(event(t, typ, "remote", 0, room)))
			assert.Len(t, f.room.Elements, 1)
			assert.Equal(t, grid.Cell{Col: 9, Row: 9}, f.position(t, "c"))
		})
	}
}

func TestApplyPushEvent_UnknownAndMalformed(t *testing.T) {
	f := newFixture(t, at("a", 1, 1))

	assert.NoError(t, f.rec.ApplyPushEvent(protocol.Event{Type: "seatingChartPrinted", Payload: json.RawMessage(`{}`)}))

	err := f.rec.ApplyPushEvent(protocol.Event{Type: protocol.EventElementUpdated, Payload: json.RawMessage(`{"id":`)})
	assert.Error(t, err)
	err = f.rec.ApplyPushEvent(event(t, protocol.EventElementUpdated, "remote", 0, state.Element{}))
	assert.Error(t, err)

	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, f.position(t, "a"))
	assert.Empty(t, f.changes)
}
