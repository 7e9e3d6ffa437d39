package state

import (
	"sort"
	"time"
)

// Waiter is a server currently connected to the room.
type Waiter struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ConnectedAt time.Time `json:"connected_at"`
}

// WaiterDirectory lists the servers that zones can be assigned to.
type WaiterDirectory struct {
	waiters map[string]Waiter
}

func NewWaiterDirectory() *WaiterDirectory {
	return &WaiterDirectory{waiters: make(map[string]Waiter)}
}

// Connect records w, replacing any previous entry with the same id.
func (d *WaiterDirectory) Connect(w Waiter) {
	d.waiters[w.ID] = w
}

// Disconnect removes the waiter. It reports whether it was present.
func (d *WaiterDirectory) Disconnect(id string) bool {
	if _, ok := d.waiters[id]; !ok {
		return false
	}
	delete(d.waiters, id)
	return true
}

func (d *WaiterDirectory) Connected(id string) bool {
	_, ok := d.waiters[id]
	return ok
}

// List returns the connected waiters ordered by id.
func (d *WaiterDirectory) List() []Waiter {
	out := make([]Waiter, 0, len(d.waiters))
	for _, w := range d.waiters {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
