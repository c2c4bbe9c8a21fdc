// Package preview renders the normalised fluorescence map of a projection
// as a PNG heat map with the old and new window centres marked.
package preview

import (
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/srx-beamline/autoscan/internal/scanwindow"
)

// ErrNoMap is returned when the correction carries no map.
var ErrNoMap = errors.New("preview: correction has no map")

const (
	defaultSize   = 4 * vg.Inch
	paletteColors = 256
)

// Renderer writes preview images.
type Renderer struct {
	size vg.Length
	pal  palette.Palette
}

// NewRenderer creates a renderer producing square images of the given size.
// A zero size uses four inches.
func NewRenderer(size vg.Length) *Renderer {
	if size <= 0 {
		size = defaultSize
	}
	cm := moreland.Kindlmann()
	cm.SetMax(1)
	cm.SetMin(0)
	return &Renderer{size: size, pal: cm.Palette(paletteColors)}
}

// mapGrid exposes the map as plotter.GridXYZ in physical coordinates.
// With orientation "xy" map rows run along x; otherwise along y.
type mapGrid struct {
	m      *mat.Dense
	rowsX  bool
	window scanwindow.Window
}

func (g mapGrid) Dims() (c, r int) {
	rows, cols := g.m.Dims()
	if g.rowsX {
		return rows, cols
	}
	return cols, rows
}

func (g mapGrid) Z(c, r int) float64 {
	var v float64
	if g.rowsX {
		v = g.m.At(c, r)
	} else {
		v = g.m.At(r, c)
	}
	if math.IsInf(v, 0) {
		return math.NaN()
	}
	return v
}

func (g mapGrid) X(c int) float64 {
	nx, _ := g.Dims()
	return scanwindow.PixelToPhysical(g.window.XStart, g.window.XStop, nx, float64(c))
}

func (g mapGrid) Y(r int) float64 {
	_, ny := g.Dims()
	return scanwindow.PixelToPhysical(g.window.YStart, g.window.YStop, ny, float64(r))
}

// finiteRange returns the smallest and largest finite values of g.
func finiteRange(g mapGrid) (lo, hi float64, ok bool) {
	lo, hi = math.Inf(1), math.Inf(-1)
	c, r := g.Dims()
	for i := 0; i < c; i++ {
		for j := 0; j < r; j++ {
			v := g.Z(i, j)
			if math.IsNaN(v) {
				continue
			}
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
	}
	return lo, hi, lo <= hi
}

// Render writes a PNG of corr.Map over window to path.
func (r *Renderer) Render(path string, corr scanwindow.Correction, window scanwindow.Window) error {
	if corr.Map == nil {
		return ErrNoMap
	}

	p, err := r.plot(corr, window)
	if err != nil {
		return err
	}

	img := vgimg.New(r.size, r.size)
	p.Draw(draw.New(img))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating preview dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating preview: %w", err)
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, img.Image()); err != nil {
		f.Close()
		return fmt.Errorf("encoding preview: %w", err)
	}
	return f.Close()
}

func (r *Renderer) plot(corr scanwindow.Correction, window scanwindow.Window) (*plot.Plot, error) {
	grid := mapGrid{m: corr.Map, rowsX: corr.Orientation == "xy", window: window}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("normalised map (%s)", orientationLabel(corr.Orientation))
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	hm := plotter.NewHeatMap(grid, r.pal)
	hm.NaN = color.Transparent
	if lo, hi, ok := finiteRange(grid); ok {
		if hi == lo {
			hi = lo + 1
		}
		hm.Min, hm.Max = lo, hi
	} else {
		hm.Min, hm.Max = 0, 1
	}
	p.Add(hm)

	if corr.Orientation != "xy" && corr.Orientation != "yx" {
		return p, nil
	}

	ox, oy := window.Center()
	old, err := marker(ox, oy, draw.CrossGlyph{}, color.White)
	if err != nil {
		return nil, err
	}
	p.Add(old)
	p.Legend.Add("old centre", old)

	nx, ny := corr.X.NewCenter, corr.Y.NewCenter
	if isFinite(nx) && isFinite(ny) {
		next, err := marker(nx, ny, draw.RingGlyph{}, color.RGBA{R: 255, G: 215, A: 255})
		if err != nil {
			return nil, err
		}
		p.Add(next)
		p.Legend.Add("centroid", next)
	}
	return p, nil
}

func marker(x, y float64, shape draw.GlyphDrawer, c color.Color) (*plotter.Scatter, error) {
	s, err := plotter.NewScatter(plotter.XYs{{X: x, Y: y}})
	if err != nil {
		return nil, fmt.Errorf("building marker: %w", err)
	}
	s.GlyphStyle.Shape = shape
	s.GlyphStyle.Color = c
	s.GlyphStyle.Radius = vg.Points(5)
	return s, nil
}

func orientationLabel(o string) string {
	if o == "" {
		return "no data"
	}
	return o
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
