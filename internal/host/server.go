// Package host runs the layout authority: it owns the canonical room,
// validates proposals from editing clients and broadcasts the outcome to
// every connected peer.
package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"fyne.io/fyne/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"FloorBoard/internal/config"
	"FloorBoard/internal/grid"
	"FloorBoard/internal/logger"
	fbnet "FloorBoard/internal/net"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

var (
	ErrUnknownRequest = errors.New("unknown request type")
	ErrUnknownElement = errors.New("unknown element")
	ErrUnknownZone    = errors.New("unknown zone")
)

// Server is the authority for one room.
type Server struct {
	mu       sync.Mutex
	room     state.Room
	grid     *grid.Grid
	occ      *state.Occupancy
	colors   *state.ColorPool
	waiters  *state.WaiterDirectory
	requests map[string]protocol.TableUpdateRequest

	peers    *fbnet.PeerManager
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewServer creates an authority serving room. An empty room id is
// replaced by the configured one.
func NewServer(cfg *config.Config, room state.Room, log *zap.Logger) (*Server, error) {
	g, err := grid.New(fyne.NewSize(cfg.Board.PanelWidth, cfg.Board.PanelHeight), cfg.Board.GridSize)
	if err != nil {
		return nil, err
	}
	log = logger.OrNop(log).With(zap.String("component", "host"))

	room = room.Clone()
	if room.ID == "" {
		room.ID = cfg.RoomID
	}
	room.GridSize = cfg.Board.GridSize

	s := &Server{
		room:     room,
		grid:     g,
		occ:      state.NewOccupancy(g),
		colors:   state.NewColorPool(nil),
		waiters:  state.NewWaiterDirectory(),
		requests: make(map[string]protocol.TableUpdateRequest),
		peers:    fbnet.NewPeerManager(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// LAN tool: every origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
	if conflicts := s.occ.Rebuild(s.room.Elements); len(conflicts) > 0 {
		log.Warn("initial room has overlapping elements", zap.Strings("element_ids", conflicts))
	}
	s.colors.Reset(s.room.Zones)
	return s, nil
}

// Room returns a copy of the canonical room.
func (s *Server) Room() state.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room.Clone()
}

// Element returns a copy of the canonical element with the given id.
func (s *Server) Element(id string) (state.Element, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.room.Element(id)
	if !ok {
		return state.Element{}, false
	}
	return *el, true
}

// Peers returns the number of connected peers.
func (s *Server) Peers() int { return s.peers.Len() }

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(fbnet.WSPath, s.serveWS)
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Info("host listening", zap.String("addr", addr), zap.String("room_id", s.room.ID))

	select {
	case err := <-errc:
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	peer := &fbnet.Peer{ID: uuid.NewString(), Conn: conn}
	if r.URL.Query().Get("role") == "waiter" {
		peer.Waiter = r.URL.Query().Get("name")
		if peer.Waiter == "" {
			peer.Waiter = peer.ID
		}
	}

	if err := s.join(peer); err != nil {
		s.log.Warn("peer join failed", zap.String("peer_id", peer.ID), zap.Error(err))
		conn.Close()
		return
	}
	defer s.leave(peer)

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("peer read failed", zap.String("peer_id", peer.ID), zap.Error(err))
			}
			return
		}
		s.handle(peer, env)
	}
}

// join sends the newcomer the room and the waiter list, then announces
// it when it is a waiter.
func (s *Server) join(peer *fbnet.Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.EventRoomData, "", "", s.room)
	if err != nil {
		return err
	}
	if err := peer.Send(env); err != nil {
		return err
	}
	for _, w := range s.waiters.List() {
		env, err := protocol.NewEnvelope(protocol.EventWaiterConnected, "", "", w)
		if err != nil {
			return err
		}
		if err := peer.Send(env); err != nil {
			return err
		}
	}

	s.peers.Add(peer)
	if peer.Waiter != "" {
		w := state.Waiter{ID: peer.ID, Name: peer.Waiter, ConnectedAt: time.Now().UTC()}
		s.waiters.Connect(w)
		s.broadcast(protocol.EventWaiterConnected, "", 0, w)
	}
	return nil
}

func (s *Server) leave(peer *fbnet.Peer) {
	s.peers.Remove(peer.ID)
	peer.Conn.Close()
	if peer.Waiter == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters.Disconnect(peer.ID) {
		s.broadcast(protocol.EventWaiterDisconnected, "", 0, protocol.WaiterDisconnected{WaiterID: peer.ID})
	}
}

// handle answers one request. The response goes out before the resulting
// events so that the origin settles its request first.
func (s *Server) handle(peer *fbnet.Peer, env protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, events, err := s.apply(peer, env)
	resp := protocol.Envelope{Type: protocol.TypeResponse, RequestID: env.RequestID}
	if err != nil {
		resp.Error = err.Error()
		s.log.Info("request failed",
			zap.String("peer_id", peer.ID),
			zap.String("type", env.Type),
			zap.Error(err))
	} else if payload != nil {
		out, encErr := protocol.NewEnvelope(protocol.TypeResponse, env.RequestID, "", payload)
		if encErr != nil {
			resp.Error = encErr.Error()
		} else {
			resp = out
		}
	}
	if err := peer.Send(resp); err != nil {
		s.log.Warn("response failed", zap.String("peer_id", peer.ID), zap.Error(err))
	}

	for _, ev := range events {
		s.peers.Broadcast(ev.Envelope())
	}
}

func (s *Server) apply(peer *fbnet.Peer, env protocol.Envelope) (any, []protocol.Event, error) {
	var events []protocol.Event
	emit := func(typ string, payload any) error {
		ev, err := protocol.NewEvent(typ, env.Origin, env.Marker, payload)
		if err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	}

	switch env.Type {
	case protocol.TypeFetchRoom:
		return s.room.Clone(), nil, nil

	case protocol.TypeProposeAdd:
		var req protocol.AddRequest
		if err := env.Decode(&req); err != nil {
			return nil, nil, err
		}
		resp := s.proposeAdd(req)
		if resp.Accepted {
			if err := emit(protocol.EventElementUpdated, resp.ConfirmedElement); err != nil {
				return nil, nil, err
			}
		}
		return resp, events, nil

	case protocol.TypeProposeUpdate:
		var req protocol.UpdateRequest
		if err := env.Decode(&req); err != nil {
			return nil, nil, err
		}
		resp, el := s.proposeUpdate(req)
		switch {
		case !resp.Accepted:
		case req.Remove:
			if err := emit(protocol.EventRoomUpdated, s.room.Clone()); err != nil {
				return nil, nil, err
			}
		default:
			if err := emit(protocol.EventElementUpdated, el); err != nil {
				return nil, nil, err
			}
		}
		return resp, events, nil

	case protocol.TypeProposeZone:
		var req protocol.ZoneRequest
		if err := env.Decode(&req); err != nil {
			return nil, nil, err
		}
		resp, typ, payload := s.proposeZone(req)
		if resp.Accepted {
			if err := emit(typ, payload); err != nil {
				return nil, nil, err
			}
		}
		return resp, events, nil

	case protocol.TypeTableUpdateRequest:
		var req protocol.TableUpdateRequest
		if err := env.Decode(&req); err != nil {
			return nil, nil, err
		}
		if req.RequestID == "" {
			req.RequestID = uuid.NewString()
		}
		if req.RequesterID == "" {
			req.RequesterID = peer.ID
		}
		s.requests[req.RequestID] = req
		if err := emit(protocol.EventTableUpdateRequestBroadcast, req); err != nil {
			return nil, nil, err
		}
		return nil, events, nil

	case protocol.TypeTableUpdateDecision:
		var dec protocol.TableUpdateDecision
		if err := env.Decode(&dec); err != nil {
			return nil, nil, err
		}
		changed, err := s.decide(dec)
		if err != nil {
			return nil, nil, err
		}
		applied := protocol.TableUpdateDecision{RequestID: dec.RequestID, Accepted: dec.Accepted, ElementIDs: []string{}}
		for _, el := range changed {
			if err := emit(protocol.EventElementUpdated, el); err != nil {
				return nil, nil, err
			}
			applied.ElementIDs = append(applied.ElementIDs, el.ID)
		}
		// every other editor still previews the batch until it hears this
		if err := emit(protocol.EventTableUpdateDecided, applied); err != nil {
			return nil, nil, err
		}
		return nil, events, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownRequest, env.Type)
}

func (s *Server) proposeAdd(req protocol.AddRequest) protocol.AddResponse {
	el := state.Element{
		ID:       req.ElementID,
		Type:     req.Type,
		Position: req.Position,
		Size:     req.Size,
		Rotation: state.NormalizeRotation(req.Rotation),
	}
	if el.ID == "" {
		el.ID = uuid.NewString()
	}
	if _, exists := s.room.Element(el.ID); exists {
		return protocol.AddResponse{Reason: fmt.Sprintf("element %s already exists", el.ID)}
	}
	if reason := s.placeable(el); reason != "" {
		room := s.room.Clone()
		return protocol.AddResponse{Reason: reason, UpdatedRoom: &room}
	}
	if err := s.occ.Register(el.Position, el.ID); err != nil {
		return protocol.AddResponse{Reason: err.Error()}
	}
	s.room.UpsertElement(el)
	s.log.Info("element added", zap.String("element_id", el.ID), zap.Stringer("cell", el.Position))
	return protocol.AddResponse{Accepted: true, ConfirmedElement: &el}
}

func (s *Server) proposeUpdate(req protocol.UpdateRequest) (protocol.UpdateResponse, state.Element) {
	cur, ok := s.room.Element(req.ElementID)
	if !ok {
		room := s.room.Clone()
		return protocol.UpdateResponse{
			Reason:      fmt.Sprintf("%v: %s", ErrUnknownElement, req.ElementID),
			UpdatedRoom: &room,
		}, state.Element{}
	}

	if req.Remove {
		s.room.RemoveElement(req.ElementID)
		s.occ.Release(req.ElementID)
		s.log.Info("element removed", zap.String("element_id", req.ElementID))
		return protocol.UpdateResponse{Accepted: true}, state.Element{}
	}

	next := *cur
	next.Position = req.Position
	next.Rotation = state.NormalizeRotation(req.Rotation)
	next.IsBeingEdited = false
	if req.Type != "" {
		next.Type = req.Type
	}
	if req.Size.W > 0 && req.Size.H > 0 {
		next.Size = req.Size
	}
	if reason := s.placeable(next); reason != "" {
		room := s.room.Clone()
		return protocol.UpdateResponse{Reason: reason, UpdatedRoom: &room}, state.Element{}
	}
	if err := s.occ.Register(next.Position, next.ID); err != nil {
		room := s.room.Clone()
		return protocol.UpdateResponse{Reason: err.Error(), UpdatedRoom: &room}, state.Element{}
	}
	s.room.UpsertElement(next)
	return protocol.UpdateResponse{Accepted: true}, next
}

// placeable returns why el cannot sit where it claims, or "".
func (s *Server) placeable(el state.Element) string {
	if !s.grid.FootprintInBounds(el.Position, el.Footprint()) {
		return fmt.Sprintf("cell %s is outside the room", el.Position)
	}
	if owner, ok := s.occ.OccupiedBy(el.Position); ok && owner != el.ID {
		return fmt.Sprintf("cell %s is occupied by %s", el.Position, owner)
	}
	return ""
}

func (s *Server) proposeZone(req protocol.ZoneRequest) (protocol.ZoneResponse, string, any) {
	z := req.Zone
	switch req.Op {
	case protocol.ZoneCreate:
		if z.ID == "" {
			z.ID = uuid.NewString()
		}
		if _, exists := s.room.Zone(z.ID); exists {
			return protocol.ZoneResponse{Reason: fmt.Sprintf("zone %s already exists", z.ID)}, "", nil
		}
		if reason := s.zoneFits(z); reason != "" {
			return protocol.ZoneResponse{Reason: reason}, "", nil
		}
		if z.Color == "" || !s.colors.Claim(z.ID, z.Color) {
			z.Color = s.colors.Checkout(z.ID)
		}
		z.Color = state.NormalizeColor(z.Color)
		s.room.UpsertZone(z)
		stored, _ := s.room.Zone(z.ID)
		s.log.Info("zone created", zap.String("zone_id", z.ID), zap.String("name", z.Name))
		return protocol.ZoneResponse{Accepted: true, Zone: stored}, protocol.EventZoneCreated, *stored

	case protocol.ZoneUpdate:
		cur, ok := s.room.Zone(z.ID)
		if !ok {
			return protocol.ZoneResponse{Reason: fmt.Sprintf("%v: %s", ErrUnknownZone, z.ID)}, "", nil
		}
		if reason := s.zoneFits(z); reason != "" {
			return protocol.ZoneResponse{Reason: reason}, "", nil
		}
		if state.NormalizeColor(z.Color) != state.NormalizeColor(cur.Color) {
			if !s.colors.Claim(z.ID, z.Color) {
				return protocol.ZoneResponse{Reason: fmt.Sprintf("color %s is taken", z.Color)}, "", nil
			}
			s.colors.Release(cur.Color)
		}
		z.Color = state.NormalizeColor(z.Color)
		s.room.UpsertZone(z)
		stored, _ := s.room.Zone(z.ID)
		return protocol.ZoneResponse{Accepted: true, Zone: stored}, protocol.EventZoneUpdated, *stored

	case protocol.ZoneDelete:
		if !s.room.RemoveZone(z.ID) {
			return protocol.ZoneResponse{Reason: fmt.Sprintf("%v: %s", ErrUnknownZone, z.ID)}, "", nil
		}
		s.colors.ReleaseZone(z.ID)
		s.log.Info("zone deleted", zap.String("zone_id", z.ID))
		return protocol.ZoneResponse{Accepted: true}, protocol.EventZoneDeleted, protocol.ZoneDeleted{ZoneID: z.ID}
	}
	return protocol.ZoneResponse{Reason: fmt.Sprintf("unknown zone op %q", req.Op)}, "", nil
}

func (s *Server) zoneFits(z state.Zone) string {
	if z.Size.W < 1 || z.Size.H < 1 {
		return "zone must cover at least one cell"
	}
	if !s.grid.FootprintInBounds(z.Position, z.Size) {
		return fmt.Sprintf("zone at %s does not fit the room", z.Position)
	}
	return ""
}

// decide settles a waiter's batch. Only the elements the decision names
// are applied, and each change still has to land on a free cell.
func (s *Server) decide(dec protocol.TableUpdateDecision) ([]state.Element, error) {
	req, ok := s.requests[dec.RequestID]
	if !ok {
		return nil, fmt.Errorf("unknown table update %q", dec.RequestID)
	}
	delete(s.requests, dec.RequestID)
	if !dec.Accepted {
		s.log.Info("table update rejected", zap.String("request_id", dec.RequestID))
		return nil, nil
	}

	var changed []state.Element
	for _, ch := range req.Changes {
		if !slices.Contains(dec.ElementIDs, ch.ElementID) {
			continue
		}
		cur, ok := s.room.Element(ch.ElementID)
		if !ok {
			continue
		}
		next := *cur
		next.Position = ch.Position
		next.Rotation = state.NormalizeRotation(ch.Rotation)
		if ch.Type != "" {
			next.Type = ch.Type
		}
		if reason := s.placeable(next); reason != "" {
			s.log.Info("table change skipped", zap.String("element_id", ch.ElementID), zap.String("reason", reason))
			continue
		}
		if err := s.occ.Register(next.Position, next.ID); err != nil {
			continue
		}
		s.room.UpsertElement(next)
		changed = append(changed, next)
	}
	s.log.Info("table update accepted",
		zap.String("request_id", dec.RequestID),
		zap.Int("applied", len(changed)))
	return changed, nil
}

// broadcast sends an event originating from the host itself. Callers hold s.mu.
func (s *Server) broadcast(typ, origin string, marker uint64, payload any) {
	ev, err := protocol.NewEvent(typ, origin, marker, payload)
	if err != nil {
		s.log.Error("encode event", zap.String("type", typ), zap.Error(err))
		return
	}
	s.peers.Broadcast(ev.Envelope())
}
