package state

import (
	"math"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// DefaultPalette is the base set of zone colors.
var DefaultPalette = []string{
	"#e57373", "#64b5f6", "#81c784", "#ffd54f",
	"#ba68c8", "#4db6ac", "#ff8a65", "#a1887f",
}

// hueStep is the rotation applied per synthesis round once the base
// palette is exhausted.
const hueStep = 23.0

// ColorPool hands out zone colors so that no two live zones share one.
// When every base color is taken, hue-shifted variants are synthesized.
type ColorPool struct {
	base  []string
	inUse map[string]string // color -> zone id
}

// NewColorPool creates a pool over base, or DefaultPalette when base is empty.
func NewColorPool(base []string) *ColorPool {
	if len(base) == 0 {
		base = DefaultPalette
	}
	p := &ColorPool{inUse: make(map[string]string)}
	for _, c := range base {
		p.base = append(p.base, NormalizeColor(c))
	}
	return p
}

// NormalizeColor lowercases a hex color into #rrggbb form when it parses.
func NormalizeColor(hex string) string {
	c, err := colorful.Hex(hex)
	if err != nil {
		return strings.ToLower(hex)
	}
	return c.Hex()
}

// Checkout reserves a free color for zoneID.
func (p *ColorPool) Checkout(zoneID string) string {
	for _, c := range p.base {
		if _, taken := p.inUse[c]; !taken {
			p.inUse[c] = zoneID
			return c
		}
	}
	for round := 1; ; round++ {
		for _, b := range p.base {
			c := shiftHue(b, float64(round)*hueStep)
			if _, taken := p.inUse[c]; !taken {
				p.inUse[c] = zoneID
				return c
			}
		}
		if round > 360 {
			// every hue is taken; fall back to sharing the first base color
			return p.base[0]
		}
	}
}

// Claim marks color as held by zoneID. It reports false when another zone
// already holds it.
func (p *ColorPool) Claim(zoneID, color string) bool {
	color = NormalizeColor(color)
	if owner, taken := p.inUse[color]; taken && owner != zoneID {
		return false
	}
	p.inUse[color] = zoneID
	return true
}

// Release returns color to the pool.
func (p *ColorPool) Release(color string) {
	delete(p.inUse, NormalizeColor(color))
}

// ReleaseZone returns every color held by zoneID.
func (p *ColorPool) ReleaseZone(zoneID string) {
	for c, owner := range p.inUse {
		if owner == zoneID {
			delete(p.inUse, c)
		}
	}
}

// InUse reports whether color is checked out.
func (p *ColorPool) InUse(color string) bool {
	_, ok := p.inUse[NormalizeColor(color)]
	return ok
}

// Reset releases everything and claims the colors of zones.
func (p *ColorPool) Reset(zones []Zone) {
	p.inUse = make(map[string]string, len(zones))
	for _, z := range zones {
		p.Claim(z.ID, z.Color)
	}
}

func shiftHue(hex string, degrees float64) string {
	c, err := colorful.Hex(hex)
	if err != nil {
		return hex
	}
	h, s, v := c.Hsv()
	return colorful.Hsv(math.Mod(h+degrees, 360), s, v).Clamped().Hex()
}
