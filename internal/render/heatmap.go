// Package render provides heatmap rendering using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/exprutils/server/internal/matrix"
	"github.com/exprutils/server/pkg/colormap"
)

// bandHeight is the height in pixels of the sample color band above the
// matrix cells.
const bandHeight = 6

// Config contains renderer configuration.
type Config struct {
	CellSize        int
	DefaultColormap string
	MaxRows         int
}

// HeatmapRenderer renders expression matrices as PNG heatmaps.
type HeatmapRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewHeatmapRenderer creates a new heatmap renderer.
func NewHeatmapRenderer(cfg Config) *HeatmapRenderer {
	if cfg.CellSize <= 0 {
		cfg.CellSize = 8
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 200
	}
	if _, ok := colormap.Lookup(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = "viridis"
	}
	return &HeatmapRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// ClampRows limits a requested row count to [1, MaxRows]. Zero or
// negative requests get MaxRows.
func (r *HeatmapRenderer) ClampRows(rows int) int {
	if rows <= 0 || rows > r.config.MaxRows {
		return r.config.MaxRows
	}
	return rows
}

// Render draws the first rows of m, one cell per value, colored by the
// named colormap over the finite value range of those rows. Missing
// values are drawn in colormap.Missing.
func (r *HeatmapRenderer) Render(m *matrix.FloatMatrix2D, rows int, colormapName string) ([]byte, error) {
	if len(m.ColIDs) == 0 || len(m.RowIDs) == 0 {
		return nil, fmt.Errorf("cannot render an empty matrix")
	}
	if colormapName == "" {
		colormapName = r.config.DefaultColormap
	}
	cmap, ok := colormap.Lookup(colormapName)
	if !ok {
		return nil, fmt.Errorf("unknown colormap %q", colormapName)
	}

	view := m.Slice(0, r.ClampRows(rows))
	lo, hi, _ := view.Range()
	span := hi - lo
	if span <= 0 {
		span = 1
	}

	cell := r.config.CellSize
	width := len(view.ColIDs) * cell
	height := bandHeight + len(view.RowIDs)*cell

	dc := gg.NewContext(width, height)
	dc.SetColor(color.White)
	dc.Clear()

	for j := range view.ColIDs {
		dc.SetColor(colormap.Categorical.AtIndex(j))
		dc.DrawRectangle(float64(j*cell), 0, float64(cell), bandHeight)
		dc.Fill()
	}

	for i, row := range view.Values {
		y := float64(bandHeight + i*cell)
		for j, v := range row {
			dc.SetColor(cmap.At((v - lo) / span))
			dc.DrawRectangle(float64(j*cell), y, float64(cell), float64(cell))
			dc.Fill()
		}
	}

	return r.encodeContext(dc)
}

func (r *HeatmapRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
