package session

import (
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// goldenAngle spreads consecutive hues as far apart as possible.
const goldenAngle = 137.50776405003785

// palette hands out display colors with distinct hues. Released hues are reused first.
type palette struct {
	n    int
	free []float64
}

func newPalette() *palette {
	return &palette{}
}

func (p *palette) next() float64 {
	var hue float64
	if len(p.free) > 0 {
		hue, p.free = p.free[0], p.free[1:]
	} else {
		hue = math.Mod(float64(p.n)*goldenAngle, 360)
		p.n++
	}
	return hue
}

func (p *palette) release(hue float64) {
	p.free = append(p.free, hue)
}

// colorFor is the display color of a hue.
func colorFor(hue float64) colorful.Color {
	return colorful.Hcl(hue, 0.6, 0.65)
}
