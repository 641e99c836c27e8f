// Package colormap provides color schemes for expression heatmaps.
package colormap

import (
	"image/color"
	"math"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// Missing is the color used for cells without a value.
var Missing = color.RGBA{R: 240, G: 240, B: 240, A: 255}

// Ramp interpolates linearly between evenly spaced color stops.
type Ramp struct {
	stops []color.RGBA
}

// NewRamp builds a ramp from at least one stop.
func NewRamp(stops ...color.RGBA) Ramp {
	if len(stops) == 0 {
		stops = []color.RGBA{{A: 255}}
	}
	return Ramp{stops: stops}
}

// At returns the color at position t (0-1). NaN maps to Missing.
func (r Ramp) At(t float64) color.Color {
	if math.IsNaN(t) {
		return Missing
	}
	n := len(r.stops)
	if t <= 0 || n == 1 {
		return r.stops[0]
	}
	if t >= 1 {
		return r.stops[n-1]
	}

	pos := t * float64(n-1)
	i := int(pos)
	return blend(r.stops[i], r.stops[i+1], pos-float64(i))
}

// AtIndex returns stop i, wrapping around.
func (r Ramp) AtIndex(i int) color.Color {
	if i < 0 {
		i = -i
	}
	return r.stops[i%len(r.stops)]
}

func blend(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + t*(float64(y)-float64(x)) + 0.5)
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Viridis colormap (matplotlib viridis)
var Viridis = NewRamp([]color.RGBA{
	{68, 1, 84, 255},
	{72, 35, 116, 255},
	{64, 67, 135, 255},
	{52, 94, 141, 255},
	{41, 120, 142, 255},
	{32, 144, 140, 255},
	{34, 167, 132, 255},
	{68, 190, 112, 255},
	{121, 209, 81, 255},
	{189, 222, 38, 255},
	{253, 231, 37, 255},
}...)

// Magma colormap
var Magma = NewRamp([]color.RGBA{
	{0, 0, 4, 255},
	{28, 16, 68, 255},
	{79, 18, 123, 255},
	{129, 37, 129, 255},
	{181, 54, 122, 255},
	{229, 80, 100, 255},
	{251, 135, 97, 255},
	{254, 194, 135, 255},
	{252, 253, 191, 255},
}...)

// Seurat is the grey to red ramp of FeaturePlot.
var Seurat = NewRamp([]color.RGBA{
	{211, 211, 211, 255},
	{255, 0, 0, 255},
}...)

// RdBu is a diverging blue-white-red ramp.
var RdBu = NewRamp([]color.RGBA{
	{33, 102, 172, 255},
	{146, 197, 222, 255},
	{247, 247, 247, 255},
	{244, 165, 130, 255},
	{178, 24, 43, 255},
}...)

// Categorical holds ten distinct colors for labelling samples.
var Categorical = NewRamp([]color.RGBA{
	{31, 119, 180, 255},  // Blue
	{255, 127, 14, 255},  // Orange
	{44, 160, 44, 255},   // Green
	{214, 39, 40, 255},   // Red
	{148, 103, 189, 255}, // Purple
	{140, 86, 75, 255},   // Brown
	{227, 119, 194, 255}, // Pink
	{127, 127, 127, 255}, // Gray
	{188, 189, 34, 255},  // Olive
	{23, 190, 207, 255},  // Cyan
}...)

var registry = map[string]Colormap{
	"viridis":     Viridis,
	"magma":       Magma,
	"seurat":      Seurat,
	"rdbu":        RdBu,
	"categorical": Categorical,
}

// Lookup returns the named colormap.
func Lookup(name string) (Colormap, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names lists the registered colormaps in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
