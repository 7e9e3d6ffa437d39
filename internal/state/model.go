package state

import (
	"math"
	"sort"

	"FloorBoard/internal/grid"
)

// ElementType tags what kind of furniture an element is.
type ElementType string

const (
	TableRect2 ElementType = "TABLE_RECT_2"
	TableRect4 ElementType = "TABLE_RECT_4"
)

// Element is one movable piece of furniture placed on the room grid.
type Element struct {
	ID            string      `json:"id"`
	Type          ElementType `json:"type"`
	Position      grid.Cell   `json:"position"`
	Size          grid.Size   `json:"size"`
	Rotation      float64     `json:"rotation"`
	IsBeingEdited bool        `json:"is_being_edited"`
}

// Footprint returns the element's size, defaulting to a single cell.
func (e Element) Footprint() grid.Size {
	if e.Size.W < 1 || e.Size.H < 1 {
		return grid.Unit
	}
	return e.Size
}

// NormalizeRotation folds deg into [0, 360).
func NormalizeRotation(deg float64) float64 {
	r := math.Mod(deg, 360)
	if r < 0 {
		r += 360
	}
	if r == 360 {
		r = 0
	}
	return r
}

// Zone is a rectangular service area of the grid.
type Zone struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Color             string    `json:"color"`
	Position          grid.Cell `json:"position"`
	Size              grid.Size `json:"size"`
	AssignedServerIDs []string  `json:"assigned_server_ids"`
}

// Assign adds a server to the zone. It reports false if already assigned.
func (z *Zone) Assign(serverID string) bool {
	i := sort.SearchStrings(z.AssignedServerIDs, serverID)
	if i < len(z.AssignedServerIDs) && z.AssignedServerIDs[i] == serverID {
		return false
	}
	z.AssignedServerIDs = append(z.AssignedServerIDs, "")
	copy(z.AssignedServerIDs[i+1:], z.AssignedServerIDs[i:])
	z.AssignedServerIDs[i] = serverID
	return true
}

// Unassign removes a server from the zone. It reports false if it was not assigned.
func (z *Zone) Unassign(serverID string) bool {
	i := sort.SearchStrings(z.AssignedServerIDs, serverID)
	if i == len(z.AssignedServerIDs) || z.AssignedServerIDs[i] != serverID {
		return false
	}
	z.AssignedServerIDs = append(z.AssignedServerIDs[:i], z.AssignedServerIDs[i+1:]...)
	return true
}

func (z *Zone) normalizeServers() {
	if len(z.AssignedServerIDs) == 0 {
		return
	}
	ids := append([]string(nil), z.AssignedServerIDs...)
	sort.Strings(ids)
	out := ids[:1]
	for _, id := range ids[1:] {
		if id != out[len(out)-1] {
			out = append(out, id)
		}
	}
	z.AssignedServerIDs = out
}

// Room is the aggregate of everything laid out in one floor plan.
type Room struct {
	ID       string    `json:"id"`
	GridSize int       `json:"grid_size"`
	Elements []Element `json:"elements"`
	Zones    []Zone    `json:"zones"`
}

// Element returns a pointer to the element with the given id.
func (r *Room) Element(id string) (*Element, bool) {
	for i := range r.Elements {
		if r.Elements[i].ID == id {
			return &r.Elements[i], true
		}
	}
	return nil, false
}

// UpsertElement replaces the element with e.ID in place, or appends it.
// It reports whether e was newly inserted.
func (r *Room) UpsertElement(e Element) bool {
	e.Rotation = NormalizeRotation(e.Rotation)
	if cur, ok := r.Element(e.ID); ok {
		*cur = e
		return false
	}
	r.Elements = append(r.Elements, e)
	return true
}

// RemoveElement deletes the element with the given id.
func (r *Room) RemoveElement(id string) bool {
	for i := range r.Elements {
		if r.Elements[i].ID == id {
			r.Elements = append(r.Elements[:i], r.Elements[i+1:]...)
			return true
		}
	}
	return false
}

// Zone returns a pointer to the zone with the given id.
func (r *Room) Zone(id string) (*Zone, bool) {
	for i := range r.Zones {
		if r.Zones[i].ID == id {
			return &r.Zones[i], true
		}
	}
	return nil, false
}

// UpsertZone replaces the zone with z.ID in place, or appends it.
func (r *Room) UpsertZone(z Zone) bool {
	z.normalizeServers()
	if cur, ok := r.Zone(z.ID); ok {
		*cur = z
		return false
	}
	r.Zones = append(r.Zones, z)
	return true
}

// RemoveZone deletes the zone with the given id.
func (r *Room) RemoveZone(id string) bool {
	for i := range r.Zones {
		if r.Zones[i].ID == id {
			r.Zones = append(r.Zones[:i], r.Zones[i+1:]...)
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the room.
func (r Room) Clone() Room {
	out := Room{ID: r.ID, GridSize: r.GridSize}
	out.Elements = append([]Element(nil), r.Elements...)
	out.Zones = make([]Zone, len(r.Zones))
	for i, z := range r.Zones {
		z.AssignedServerIDs = append([]string(nil), z.AssignedServerIDs...)
		out.Zones[i] = z
	}
	return out
}
