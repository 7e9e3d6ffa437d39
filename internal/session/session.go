// Package session runs one client's editing session: a single loop that
// owns the room and serializes user commands, push events and the
// outcomes of requests sent to the authority.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"go.uber.org/zap"

	"FloorBoard/internal/config"
	"FloorBoard/internal/editor"
	"FloorBoard/internal/grid"
	"FloorBoard/internal/guide"
	"FloorBoard/internal/logger"
	"FloorBoard/internal/reconcile"
	"FloorBoard/internal/state"
)

var (
	ErrStopped        = errors.New("session is not running")
	ErrUnknownCommand = errors.New("unknown command")
)

type call struct {
	cmd   Command
	reply chan reply
}

type reply struct {
	res Result
	err error
}

// outcome is a finished authority request waiting to be settled on the loop.
type outcome struct {
	id     string
	marker uint64
	err    error
	settle func(err error)
}

// Session owns every per-session service. All of them are touched from the
// Run loop only.
type Session struct {
	grid    *grid.Grid
	room    *state.Room
	occ     *state.Occupancy
	colors  *state.ColorPool
	waiters *state.WaiterDirectory
	clock   *state.EditClock
	editor  *editor.Editor
	rec     *reconcile.Reconciler
	guides  *guide.Engine
	auth    Authority

	timeout  time.Duration
	dragging []string
	now      func() time.Time

	calls    chan call
	outcomes chan outcome
	stopped  chan struct{}
	inflight sync.WaitGroup
	log      *zap.Logger
}

// New wires a session for cfg against auth. site identifies this client in
// the edits it emits; an empty site gets a random one.
func New(cfg *config.Config, site string, auth Authority, log *zap.Logger) (*Session, error) {
	log = logger.OrNop(log)
	clock := state.NewEditClock()
	if site != "" {
		clock = state.NewEditClockForSite(site)
	}
	g, err := grid.New(fyne.NewSize(cfg.Board.PanelWidth, cfg.Board.PanelHeight), cfg.Board.GridSize)
	if err != nil {
		return nil, fmt.Errorf("session grid: %w", err)
	}
	s := &Session{
		grid:     g,
		room:     &state.Room{ID: cfg.RoomID, GridSize: cfg.Board.GridSize},
		occ:      state.NewOccupancy(g),
		colors:   state.NewColorPool(nil),
		waiters:  state.NewWaiterDirectory(),
		clock:    clock,
		auth:     auth,
		timeout:  cfg.Net.RequestTimeout,
		now:      time.Now,
		calls:    make(chan call),
		outcomes: make(chan outcome, 16),
		stopped:  make(chan struct{}),
		log:      log.With(zap.String("component", "session")),
	}
	s.editor = editor.New(s.room, g, s.occ, s.clock, s.colors, log)
	s.rec = reconcile.New(reconcile.Services{
		Room:    s.room,
		Occ:     s.occ,
		Colors:  s.colors,
		Waiters: s.waiters,
		Clock:   s.clock,
		Editor:  s.editor,
	}, log)
	s.rec.OnChange(s.changed)
	s.guides = guide.NewEngine(guide.Config{
		DetectionThreshold: cfg.Guide.DetectionThreshold,
		ActiveThreshold:    cfg.Guide.ActiveThreshold,
		SnapOffset:         cfg.Guide.SnapOffset,
		RecomputeInterval:  cfg.Guide.RecomputeInterval,
	}, log)
	return s, nil
}

// Site returns the id this client tags its edits with.
func (s *Session) Site() string { return s.clock.Site() }

// Grid returns the session's grid.
func (s *Session) Grid() *grid.Grid { return s.grid }

// Run fetches the room and then processes commands, push events and
// request outcomes until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.stopped)

	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	room, err := s.auth.FetchRoom(fctx)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch room: %w", err)
	}
	s.rec.ApplyFullSnapshot(room)
	s.log.Info("session started", zap.String("site", s.Site()), zap.String("room_id", room.ID))

	events := s.auth.Events()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("session stopping")
			return nil

		case c := <-s.calls:
			res, err := s.dispatch(ctx, c.cmd)
			c.reply <- reply{res: res, err: err}

		case ev, ok := <-events:
			if !ok {
				s.log.Warn("push event stream closed")
				events = nil
				continue
			}
			if err := s.rec.ApplyPushEvent(ev); err != nil {
				s.log.Warn("push event dropped", zap.String("type", ev.Type), zap.Error(err))
			}

		case o := <-s.outcomes:
			s.settle(o)
		}
	}
}

// Dispatch hands cmd to the loop and waits for its result. Validation
// errors come back synchronously; the authority's verdict arrives later
// through the room state.
func (s *Session) Dispatch(ctx context.Context, cmd Command) (Result, error) {
	c := call{cmd: cmd, reply: make(chan reply, 1)}
	select {
	case s.calls <- c:
	case <-s.stopped:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case r := <-c.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Wait blocks until every request goroutine has finished.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// request sends one message to the authority off the loop under the
// request timeout. id stays guarded against echoes until settle runs on
// the loop with the request's error.
func (s *Session) request(ctx context.Context, id string, marker uint64, send func(ctx context.Context) error, settle func(err error)) {
	s.rec.Guard(id)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		rctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := send(rctx)
		cancel()
		select {
		case s.outcomes <- outcome{id: id, marker: marker, err: err, settle: settle}:
		case <-s.stopped:
		}
	}()
}

func (s *Session) settle(o outcome) {
	marker := o.marker
	if o.err != nil {
		// the authority may still apply a request we gave up on; its echo
		// must not be mistaken for a stale one
		marker = 0
	}
	defer s.rec.Release(o.id, marker)
	o.settle(o.err)
}

func (s *Session) changed(c reconcile.Change) {
	switch c.Kind {
	case reconcile.KindElement:
		s.syncObject(c.ID)
	case reconcile.KindRoom:
		s.syncObjects()
	}
}

// bounds returns the canvas rectangle an element covers.
func (s *Session) bounds(el state.Element) guide.Bounds {
	ext := s.grid.Extent(el.Footprint())
	tl := s.grid.GridToWorld(el.Position)
	return guide.Bounds{
		Center: fyne.NewPos(tl.X+ext.Width/2, tl.Y+ext.Height/2),
		Size:   ext,
	}
}

// cellAt returns the cell an element would sit on with its center at c.
func (s *Session) cellAt(el state.Element, c fyne.Position) grid.Cell {
	ext := s.grid.Extent(el.Footprint())
	return s.grid.WorldToGrid(fyne.NewPos(c.X-ext.Width/2, c.Y-ext.Height/2))
}

func (s *Session) isDragged(id string) bool {
	for _, d := range s.dragging {
		if d == id {
			return true
		}
	}
	return false
}

// syncObject mirrors an element's placement into the guideline engine.
func (s *Session) syncObject(id string) {
	if s.isDragged(id) {
		return
	}
	el, ok := s.room.Element(id)
	if !ok {
		s.guides.Untrack(id)
		return
	}
	want := s.bounds(*el)
	if cur, ok := s.guides.Object(id); ok && cur.Size == want.Size && s.cellAt(*el, cur.Center) == el.Position {
		// keep the exact canvas position of guideline-driven moves
		return
	}
	s.guides.Track(id, want)
}

func (s *Session) syncObjects() {
	live := make(map[string]bool, len(s.room.Elements))
	for _, el := range s.room.Elements {
		live[el.ID] = true
		s.syncObject(el.ID)
	}
	for _, id := range s.guides.Objects() {
		if !live[id] {
			s.syncObject(id)
		}
	}
}
