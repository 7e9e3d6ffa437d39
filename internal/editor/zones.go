package editor

import (
	"fmt"

	"github.com/google/uuid"

	"FloorBoard/internal/grid"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

type zoneEdit struct {
	origin          *state.Zone // nil when the zone was created locally
	deleted         bool
	releaseOnReject string
	releaseOnCommit string
}

// ZonePending reports whether a zone has an unconfirmed local edit.
func (ed *Editor) ZonePending(id string) bool {
	_, ok := ed.zones[id]
	return ok
}

// CreateZone adds a zone with a color of its own and returns the create request.
func (ed *Editor) CreateZone(name string, cell grid.Cell, size grid.Size) (protocol.ZoneRequest, error) {
	if size.W < 1 || size.H < 1 {
		return protocol.ZoneRequest{}, fmt.Errorf("%w: %dx%d", ErrBelowMinimumSize, size.W, size.H)
	}
	if !ed.grid.FootprintInBounds(cell, size) {
		return protocol.ZoneRequest{}, fmt.Errorf("%w: zone at %s sized %dx%d", ErrOutOfBounds, cell, size.W, size.H)
	}
	z := state.Zone{ID: uuid.NewString(), Name: name, Position: cell, Size: size}
	z.Color = ed.colors.Checkout(z.ID)
	ed.room.UpsertZone(z)
	ed.zones[z.ID] = &zoneEdit{releaseOnReject: z.Color}
	return protocol.ZoneRequest{Op: protocol.ZoneCreate, Zone: z, Marker: ed.clock.Next()}, nil
}

// MoveZone places a zone's top-left corner on cell.
func (ed *Editor) MoveZone(id string, cell grid.Cell) (protocol.ZoneRequest, error) {
	return ed.mutateZone(id, func(z *state.Zone, _ *zoneEdit) error {
		if !ed.grid.FootprintInBounds(cell, z.Size) {
			return fmt.Errorf("%w: zone %s at %s", ErrOutOfBounds, id, cell)
		}
		z.Position = cell
		return nil
	})
}

// ResizeZone resizes a zone from a continuous gesture measured in cells.
func (ed *Editor) ResizeZone(id string, width, height float64) (protocol.ZoneRequest, error) {
	size, err := Discretize(width, height)
	if err != nil {
		return protocol.ZoneRequest{}, err
	}
	return ed.mutateZone(id, func(z *state.Zone, _ *zoneEdit) error {
		if !ed.grid.FootprintInBounds(z.Position, size) {
			return fmt.Errorf("%w: zone %s sized %dx%d", ErrOutOfBounds, id, size.W, size.H)
		}
		z.Size = size
		return nil
	})
}

// RecolorZone swaps a zone's color for another free one from the pool.
func (ed *Editor) RecolorZone(id string) (protocol.ZoneRequest, error) {
	return ed.mutateZone(id, func(z *state.Zone, e *zoneEdit) error {
		old := z.Color
		z.Color = ed.colors.Checkout(id)
		e.releaseOnCommit = old
		e.releaseOnReject = z.Color
		return nil
	})
}

// RenameZone changes a zone's display name.
func (ed *Editor) RenameZone(id, name string) (protocol.ZoneRequest, error) {
	return ed.mutateZone(id, func(z *state.Zone, _ *zoneEdit) error {
		z.Name = name
		return nil
	})
}

// AssignServer adds a server to a zone.
func (ed *Editor) AssignServer(zoneID, serverID string) (protocol.ZoneRequest, error) {
	return ed.mutateZone(zoneID, func(z *state.Zone, _ *zoneEdit) error {
		z.Assign(serverID)
		return nil
	})
}

// UnassignServer removes a server from a zone.
func (ed *Editor) UnassignServer(zoneID, serverID string) (protocol.ZoneRequest, error) {
	return ed.mutateZone(zoneID, func(z *state.Zone, _ *zoneEdit) error {
		z.Unassign(serverID)
		return nil
	})
}

// DeleteZone removes a zone and returns its color to the pool once confirmed.
func (ed *Editor) DeleteZone(id string) (protocol.ZoneRequest, error) {
	z, ok := ed.room.Zone(id)
	if !ok {
		return protocol.ZoneRequest{}, fmt.Errorf("%w: %s", ErrUnknownZone, id)
	}
	if ed.ZonePending(id) {
		return protocol.ZoneRequest{}, fmt.Errorf("%w: %s", ErrZoneEditInFlight, id)
	}
	origin := cloneZone(*z)
	ed.room.RemoveZone(id)
	ed.zones[id] = &zoneEdit{origin: &origin, deleted: true, releaseOnCommit: origin.Color}
	return protocol.ZoneRequest{Op: protocol.ZoneDelete, Zone: origin, Marker: ed.clock.Next()}, nil
}

// ConfirmZone settles a zone edit. When the authority returned its own
// version of the zone, that version replaces the local one.
func (ed *Editor) ConfirmZone(id string, authoritative *state.Zone) {
	e, ok := ed.zones[id]
	if !ok {
		return
	}
	delete(ed.zones, id)
	if e.releaseOnCommit != "" {
		ed.colors.Release(e.releaseOnCommit)
	}
	if authoritative != nil && !e.deleted {
		ed.room.UpsertZone(*authoritative)
		ed.colors.Claim(authoritative.ID, authoritative.Color)
	}
	ed.resolved(id, true)
}

// RejectZone restores a zone to its state before the local edit.
func (ed *Editor) RejectZone(id string) bool {
	e, ok := ed.zones[id]
	if !ok {
		return false
	}
	delete(ed.zones, id)
	if e.releaseOnReject != "" {
		ed.colors.Release(e.releaseOnReject)
	}
	if e.origin == nil {
		ed.room.RemoveZone(id)
	} else {
		ed.room.UpsertZone(*e.origin)
		ed.colors.Claim(id, e.origin.Color)
	}
	ed.resolved(id, false)
	return true
}

func (ed *Editor) mutateZone(id string, fn func(z *state.Zone, e *zoneEdit) error) (protocol.ZoneRequest, error) {
	cur, ok := ed.room.Zone(id)
	if !ok {
		return protocol.ZoneRequest{}, fmt.Errorf("%w: %s", ErrUnknownZone, id)
	}
	if ed.ZonePending(id) {
		return protocol.ZoneRequest{}, fmt.Errorf("%w: %s", ErrZoneEditInFlight, id)
	}
	origin := cloneZone(*cur)
	next := cloneZone(*cur)
	e := &zoneEdit{origin: &origin}
	if err := fn(&next, e); err != nil {
		return protocol.ZoneRequest{}, err
	}
	ed.room.UpsertZone(next)
	ed.zones[id] = e
	return protocol.ZoneRequest{Op: protocol.ZoneUpdate, Zone: next, Marker: ed.clock.Next()}, nil
}

func cloneZone(z state.Zone) state.Zone {
	z.AssignedServerIDs = append([]string(nil), z.AssignedServerIDs...)
	return z
}
