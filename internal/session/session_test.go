package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fyne.io/fyne/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FloorBoard/internal/config"
	"FloorBoard/internal/editor"
	"FloorBoard/internal/grid"
	"FloorBoard/internal/guide"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

type fakeAuthority struct {
	mu        sync.Mutex
	room      state.Room
	reject    bool
	hang      bool
	updates   []protocol.UpdateRequest
	adds      []protocol.AddRequest
	zones     []protocol.ZoneRequest
	decisions []protocol.TableUpdateDecision
	events    chan protocol.Event
}

func newFakeAuthority(elements ...state.Element) *fakeAuthority {
	return &fakeAuthority{
		room:   state.Room{ID: "room", GridSize: 10, Elements: elements},
		events: make(chan protocol.Event),
	}
}

func (f *fakeAuthority) set(fn func(f *fakeAuthority)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAuthority) FetchRoom(ctx context.Context) (state.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.room.Clone(), nil
}

func (f *fakeAuthority) ProposeAdd(ctx context.Context, req protocol.AddRequest) (protocol.AddResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adds = append(f.adds, req)
	if f.reject {
		return protocol.AddResponse{Reason: "closed for renovation"}, nil
	}
	el := state.Element{ID: req.ElementID, Type: req.Type, Position: req.Position, Size: req.Size, Rotation: req.Rotation}
	return protocol.AddResponse{Accepted: true, ConfirmedElement: &el}, nil
}

func (f *fakeAuthority) ProposeUpdate(ctx context.Context, req protocol.UpdateRequest) (protocol.UpdateResponse, error) {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return protocol.UpdateResponse{}, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	return protocol.UpdateResponse{Accepted: !f.reject}, nil
}

func (f *fakeAuthority) ProposeZone(ctx context.Context, req protocol.ZoneRequest) (protocol.ZoneResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zones = append(f.zones, req)
	if f.reject {
		return protocol.ZoneResponse{Reason: "no"}, nil
	}
	z := req.Zone
	return protocol.ZoneResponse{Accepted: true, Zone: &z}, nil
}

func (f *fakeAuthority) RespondTableUpdate(ctx context.Context, dec protocol.TableUpdateDecision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decisions = append(f.decisions, dec)
	return nil
}

func (f *fakeAuthority) Events() <-chan protocol.Event { return f.events }

func (f *fakeAuthority) updateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func testConfig() *config.Config {
	cfg := &config.Config{RoomID: "room"}
	cfg.Board.PanelWidth = 1000
	cfg.Board.PanelHeight = 1000
	cfg.Board.GridSize = 10
	cfg.Guide.DetectionThreshold = 50
	cfg.Guide.ActiveThreshold = 20
	cfg.Guide.SnapOffset = 30
	cfg.Guide.RecomputeInterval = 50 * time.Millisecond
	cfg.Net.RequestTimeout = time.Second
	return cfg
}

func start(t *testing.T, auth *fakeAuthority, tweak ...func(*config.Config)) *Session {
	t.Helper()
	cfg := testConfig()
	for _, fn := range tweak {
		fn(cfg)
	}
	s, err := New(cfg, "", auth, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		s.Wait()
	})
	return s
}

func do(t *testing.T, s *Session, cmd Command) Result {
	t.Helper()
	res, err := s.Dispatch(context.Background(), cmd)
	require.NoError(t, err)
	return res
}

func roomOf(t *testing.T, s *Session) state.Room {
	t.Helper()
	return *do(t, s, GetRoom{}).Room
}

func elementOf(t *testing.T, s *Session, id string) (state.Element, bool) {
	t.Helper()
	room := roomOf(t, s)
	el, ok := room.Element(id)
	if !ok {
		return state.Element{}, false
	}
	return *el, true
}

// settled waits until id has no edit left and returns it.
func settled(t *testing.T, s *Session, id string) state.Element {
	t.Helper()
	require.Eventually(t, func() bool {
		return do(t, s, GetElementPhase{ElementID: id}).Phase == editor.Idle
	}, time.Second, 5*time.Millisecond)
	el, ok := elementOf(t, s, id)
	require.True(t, ok, "element %s", id)
	return el
}

func at(id string, typ state.ElementType, col, row int) state.Element {
	return state.Element{ID: id, Type: typ, Position: grid.Cell{Col: col, Row: row}}
}

func TestRun_LoadsRoom(t *testing.T) {
	s := start(t, newFakeAuthority(at("a", state.TableRect2, 1, 1)))

	el, ok := elementOf(t, s, "a")
	require.True(t, ok)
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, el.Position)
}

func TestMove_Confirmed(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1))
	s := start(t, auth)

	do(t, s, BeginEdit{ElementID: "a"})
	do(t, s, MoveElement{ElementID: "a", Cell: grid.Cell{Col: 4, Row: 4}})
	do(t, s, RotateElement{ElementID: "a", Degrees: -90})
	do(t, s, SubmitEdit{ElementID: "a"})

	el := settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 4, Row: 4}, el.Position)
	assert.Equal(t, 270.0, el.Rotation)
	assert.False(t, el.IsBeingEdited)
	require.Equal(t, 1, auth.updateCount())
	assert.Equal(t, grid.Cell{Col: 4, Row: 4}, auth.updates[0].Position)
}

func TestMove_RejectedRollsBack(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1))
	auth.reject = true
	s := start(t, auth)

	do(t, s, BeginEdit{ElementID: "a"})
	do(t, s, MoveElement{ElementID: "a", Cell: grid.Cell{Col: 4, Row: 4}})
	do(t, s, SubmitEdit{ElementID: "a"})

	el := settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, el.Position)
	assert.False(t, el.IsBeingEdited)
}

func TestMove_TimeoutRollsBack(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1))
	auth.hang = true
	s := start(t, auth, func(cfg *config.Config) { cfg.Net.RequestTimeout = 20 * time.Millisecond })

	do(t, s, BeginEdit{ElementID: "a"})
	do(t, s, MoveElement{ElementID: "a", Cell: grid.Cell{Col: 4, Row: 4}})
	do(t, s, SubmitEdit{ElementID: "a"})

	el := settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, el.Position)
	assert.False(t, el.IsBeingEdited)
}

func TestMove_ValidationIsSynchronous(t *testing.T) {
	s := start(t, newFakeAuthority(at("a", state.TableRect2, 1, 1)))

	do(t, s, BeginEdit{ElementID: "a"})
	_, err := s.Dispatch(context.Background(), MoveElement{ElementID: "a", Cell: grid.Cell{Col: 10, Row: 0}})
	assert.ErrorIs(t, err, editor.ErrOutOfBounds)

	_, err = s.Dispatch(context.Background(), BeginEdit{ElementID: "a"})
	assert.ErrorIs(t, err, editor.ErrNotIdle)
}

func TestCancelEdit_IsAlwaysSafe(t *testing.T) {
	s := start(t, newFakeAuthority(at("a", state.TableRect2, 1, 1)))

	do(t, s, CancelEdit{ElementID: "a"})
	do(t, s, CancelEdit{ElementID: "missing"})
	do(t, s, CancelDrag{})

	do(t, s, BeginEdit{ElementID: "a"})
	do(t, s, MoveElement{ElementID: "a", Cell: grid.Cell{Col: 2, Row: 2}})
	do(t, s, CancelEdit{ElementID: "a"})
	el, _ := elementOf(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 1, Row: 1}, el.Position)
	assert.False(t, el.IsBeingEdited)
}

func TestAddElement_UsesSpiralAndConfirms(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 5, 5))
	s := start(t, auth)

	res := do(t, s, AddElement{Type: state.TableRect4, Cell: grid.Cell{Col: 5, Row: 5}})
	require.NotEmpty(t, res.ID)
	assert.NoError(t, res.Warning)

	require.Eventually(t, func() bool {
		_, ok := elementOf(t, s, res.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
	el, _ := elementOf(t, s, res.ID)
	assert.Equal(t, grid.Cell{Col: 6, Row: 5}, el.Position)
	assert.Equal(t, state.TableRect4, el.Type)
}

func TestAddElement_RejectedLeavesRoomAlone(t *testing.T) {
	auth := newFakeAuthority()
	auth.reject = true
	s := start(t, auth)

	do(t, s, AddElement{Type: state.TableRect2, Cell: grid.Cell{Col: 0, Row: 0}})
	require.Eventually(t, func() bool {
		auth.mu.Lock()
		defer auth.mu.Unlock()
		return len(auth.adds) == 1
	}, time.Second, 5*time.Millisecond)
	s.Wait()
	assert.Empty(t, roomOf(t, s).Elements)
}

func TestPushEvent_QueuedBehindLocalDrag(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1))
	s := start(t, auth)

	do(t, s, BeginEdit{ElementID: "a"})
	do(t, s, MoveElement{ElementID: "a", Cell: grid.Cell{Col: 2, Row: 2}})

	ev, err := protocol.NewEvent(protocol.EventElementUpdated, "remote", 0, at("a", state.TableRect2, 7, 7))
	require.NoError(t, err)
	auth.events <- ev

	el, _ := elementOf(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 2, Row: 2}, el.Position, "local drag is not yanked")
	assert.True(t, el.IsBeingEdited)

	do(t, s, CancelEdit{ElementID: "a"})
	el, _ = elementOf(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 7, Row: 7}, el.Position)
	assert.False(t, el.IsBeingEdited)
}

func TestSplitTable(t *testing.T) {
	auth := newFakeAuthority(at("t", state.TableRect4, 3, 3))
	s := start(t, auth)

	res := do(t, s, SplitTable{ElementID: "t"})
	require.NotEmpty(t, res.ID)
	assert.NotEqual(t, "t", res.ID)

	orig := settled(t, s, "t")
	assert.Equal(t, state.TableRect2, orig.Type)
	assert.Equal(t, grid.Cell{Col: 3, Row: 3}, orig.Position)

	require.Eventually(t, func() bool {
		_, ok := elementOf(t, s, res.ID)
		return ok
	}, time.Second, 5*time.Millisecond)
	added, _ := elementOf(t, s, res.ID)
	assert.Equal(t, state.TableRect2, added.Type)
	assert.Equal(t, grid.Cell{Col: 4, Row: 3}, added.Position)
}

func TestMoveGuideline_AttachedElementFollows(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1))
	s := start(t, auth)

	// cell (1,1) spans x in [-400,-300]; its center is -350
	gid := do(t, s, AddGuideline{Orientation: guide.Vertical, Position: -350}).ID
	do(t, s, AttachGuideline{ElementID: "a", GuidelineID: gid})
	do(t, s, MoveGuideline{GuidelineID: gid, Position: -150})

	require.Eventually(t, func() bool { return auth.updateCount() == 1 }, time.Second, 5*time.Millisecond)
	el := settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 3, Row: 1}, el.Position)

	// a second move keeps the same offset
	do(t, s, MoveGuideline{GuidelineID: gid, Position: 50})
	require.Eventually(t, func() bool { return auth.updateCount() == 2 }, time.Second, 5*time.Millisecond)
	el = settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 5, Row: 1}, el.Position)
}

func TestDrag_SnapsToGuidelineAndSubmits(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1))
	s := start(t, auth)
	gid := do(t, s, AddGuideline{Orientation: guide.Vertical, Position: 0}).ID

	do(t, s, BeginDrag{ElementIDs: []string{"a"}})
	step := do(t, s, DragBy{Delta: fyne.NewPos(300, 0)})
	require.NotNil(t, step.Drag)
	assert.Equal(t, guide.Snapped, step.Drag.State)
	// right edge lands 30 short of the guideline
	assert.Equal(t, float32(-80), step.Drag.Centers["a"].X)

	end := do(t, s, EndDrag{})
	assert.Equal(t, []string{"a"}, end.Drag.Attached)

	el := settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 4, Row: 1}, el.Position)
	require.Equal(t, 1, auth.updateCount())

	do(t, s, MoveGuideline{GuidelineID: gid, Position: 200})
	require.Eventually(t, func() bool { return auth.updateCount() == 2 }, time.Second, 5*time.Millisecond)
	el = settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 6, Row: 1}, el.Position)
}

func TestDrag_CancelRestores(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1), at("b", state.TableRect2, 2, 1))
	s := start(t, auth)

	do(t, s, BeginDrag{ElementIDs: []string{"a", "b"}})
	do(t, s, DragBy{Delta: fyne.NewPos(0, 300)})
	el, _ := elementOf(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 1, Row: 4}, el.Position)

	do(t, s, CancelDrag{})
	for id, col := range map[string]int{"a": 1, "b": 2} {
		el, _ := elementOf(t, s, id)
		assert.Equal(t, grid.Cell{Col: col, Row: 1}, el.Position, id)
		assert.False(t, el.IsBeingEdited, id)
	}
	assert.Zero(t, auth.updateCount())
}

func TestZone_CreateConfirmedAndRejected(t *testing.T) {
	auth := newFakeAuthority()
	s := start(t, auth)

	id := do(t, s, CreateZone{Name: "terrace", Cell: grid.Cell{Col: 0, Row: 0}, Size: grid.Size{W: 3, H: 2}}).ID
	require.NotEmpty(t, id)
	require.Eventually(t, func() bool {
		auth.mu.Lock()
		defer auth.mu.Unlock()
		return len(auth.zones) == 1
	}, time.Second, 5*time.Millisecond)
	room := roomOf(t, s)
	z, ok := room.Zone(id)
	require.True(t, ok)
	assert.Equal(t, "terrace", z.Name)

	auth.set(func(f *fakeAuthority) { f.reject = true })
	// the create may still be settling on the loop
	require.Eventually(t, func() bool {
		_, err := s.Dispatch(context.Background(), RenameZone{ZoneID: id, Name: "patio"})
		return err == nil
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		room := roomOf(t, s)
		z, ok := room.Zone(id)
		return ok && z.Name == "terrace"
	}, time.Second, 5*time.Millisecond)

	_, err := s.Dispatch(context.Background(), ResizeZone{ZoneID: id, Width: 0.2, Height: 1})
	assert.ErrorIs(t, err, editor.ErrBelowMinimumSize)
}

func TestTableUpdateApproval(t *testing.T) {
	auth := newFakeAuthority(at("a", state.TableRect2, 1, 1))
	s := start(t, auth)

	ev, err := protocol.NewEvent(protocol.EventTableUpdateRequestBroadcast, "bob", 0, protocol.TableUpdateRequest{
		RequestID:   "req",
		RequesterID: "bob",
		Changes:     []protocol.TableChange{{ElementID: "a", Position: grid.Cell{Col: 8, Row: 8}}},
	})
	require.NoError(t, err)
	auth.events <- ev

	assert.Equal(t, []string{"req"}, do(t, s, GetTableUpdates{}).Pending)
	preview := do(t, s, GetTablePreview{RequestID: "req"}).Preview
	require.NotNil(t, preview)
	assert.Equal(t, grid.Cell{Col: 8, Row: 8}, preview.Proposed[0].Position)

	do(t, s, AcceptTableUpdate{RequestID: "req"})
	el := settled(t, s, "a")
	assert.Equal(t, grid.Cell{Col: 8, Row: 8}, el.Position)

	require.Eventually(t, func() bool {
		auth.mu.Lock()
		defer auth.mu.Unlock()
		return len(auth.decisions) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, auth.decisions[0].Accepted)
	assert.Equal(t, []string{"a"}, auth.decisions[0].ElementIDs)
}

type unknownCommand struct{}

func (unknownCommand) command() {}

func TestDispatch_UnknownCommand(t *testing.T) {
	s := start(t, newFakeAuthority())
	_, err := s.Dispatch(context.Background(), unknownCommand{})
	assert.True(t, errors.Is(err, ErrUnknownCommand))
}

func TestDispatch_AfterStop(t *testing.T) {
	s, err := New(testConfig(), "", newFakeAuthority(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.Run(ctx))

	_, err = s.Dispatch(context.Background(), GetRoom{})
	assert.ErrorIs(t, err, ErrStopped)
}
