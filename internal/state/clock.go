package state

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// EditClock hands out the monotonic edit markers that tag every local
// mutation, together with the site id of this client.
type EditClock struct {
	site   string
	marker uint64
}

// NewEditClock creates a clock with a fresh random site id.
func NewEditClock() *EditClock {
	return &EditClock{site: uuid.NewString()}
}

// NewEditClockForSite creates a clock for a known site id.
func NewEditClockForSite(site string) *EditClock {
	return &EditClock{site: site}
}

// Site returns the id of the local client.
func (c *EditClock) Site() string { return c.site }

// Next returns the next marker.
func (c *EditClock) Next() uint64 {
	return atomic.AddUint64(&c.marker, 1)
}

// Current returns the last marker handed out or observed.
func (c *EditClock) Current() uint64 {
	return atomic.LoadUint64(&c.marker)
}

// Observe advances the clock past a marker seen from a remote peer.
func (c *EditClock) Observe(marker uint64) {
	for {
		cur := atomic.LoadUint64(&c.marker)
		if marker <= cur || atomic.CompareAndSwapUint64(&c.marker, cur, marker) {
			return
		}
	}
}
