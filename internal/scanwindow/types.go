package scanwindow

import (
	"fmt"
	"math"

	jsoniter "github.com/json-iterator/go"
	"gonum.org/v1/gonum/mat"

	"github.com/srx-beamline/autoscan/internal/databroker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Window is the spatial extent of a 2D scan in motor units.
type Window struct {
	XStart float64 `json:"x_start"`
	XStop  float64 `json:"x_stop"`
	YStart float64 `json:"y_start"`
	YStop  float64 `json:"y_stop"`
}

// XExtent returns XStop - XStart.
func (w Window) XExtent() float64 { return w.XStop - w.XStart }

// YExtent returns YStop - YStart.
func (w Window) YExtent() float64 { return w.YStop - w.YStart }

// Center returns the midpoint of the window.
func (w Window) Center() (x, y float64) {
	return w.XStart + 0.5*w.XExtent(), w.YStart + 0.5*w.YExtent()
}

// Validate checks that both axes have positive extent.
func (w Window) Validate() error {
	if !(w.XStop > w.XStart) || !(w.YStop > w.YStart) {
		return fmt.Errorf("%w: x=(%g, %g) y=(%g, %g)", ErrInvalidWindow, w.XStart, w.XStop, w.YStart, w.YStop)
	}
	return nil
}

// Record describes a completed scan.
type Record struct {
	// ScanID is the data-service uid of the run.
	ScanID string

	// Window is the window the scan was taken over.
	Window Window

	// NX and NY are the pixel counts along x and y.
	NX, NY int

	// Dwell is the per-pixel exposure in seconds.
	Dwell float64

	// FastAxis names the motor swept along each line.
	FastAxis string
}

// ROI is a half-open energy-bin range [Low, High).
type ROI struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// Cube is a 4-D intensity array indexed (row, column, channel group, energy bin),
// stored row-major.
type Cube struct {
	Rows, Cols, Groups, Bins int
	Data                     []float64
}

// NewCube wraps a row-major slice. len(data) must equal the product of the dimensions.
func NewCube(rows, cols, groups, bins int, data []float64) (*Cube, error) {
	if rows < 0 || cols < 0 || groups < 0 || bins < 0 {
		return nil, fmt.Errorf("%w: negative dimension", ErrShapeMismatch)
	}
	if want := rows * cols * groups * bins; len(data) != want {
		return nil, fmt.Errorf("%w: cube %dx%dx%dx%d needs %d values, got %d",
			ErrShapeMismatch, rows, cols, groups, bins, want, len(data))
	}
	return &Cube{Rows: rows, Cols: cols, Groups: groups, Bins: bins, Data: data}, nil
}

// Spectrum returns the energy bins of channel group g at pixel (r, col).
// The slice aliases Data.
func (c *Cube) Spectrum(r, col, g int) []float64 {
	off := ((r*c.Cols+col)*c.Groups + g) * c.Bins
	return c.Data[off : off+c.Bins : off+c.Bins]
}

// cubeFromArray converts a fetched 4-D fluorescence array.
func cubeFromArray(a *databroker.Array) (*Cube, error) {
	if a.Dims() != 4 {
		return nil, fmt.Errorf("%w: fluorescence array has %d dims, want 4", ErrShapeMismatch, a.Dims())
	}
	return NewCube(a.Shape[0], a.Shape[1], a.Shape[2], a.Shape[3], a.Data)
}

// normFromArray converts a fetched 2-D normalisation array.
func normFromArray(a *databroker.Array) (*mat.Dense, error) {
	if a.Dims() != 2 {
		return nil, fmt.Errorf("%w: normalisation array has %d dims, want 2", ErrShapeMismatch, a.Dims())
	}
	if a.Shape[0] == 0 || a.Shape[1] == 0 {
		return nil, fmt.Errorf("%w: empty normalisation map", ErrShapeMismatch)
	}
	return mat.NewDense(a.Shape[0], a.Shape[1], a.Data), nil
}

// Outcome is the per-axis correction decision.
type Outcome string

// Correction outcomes.
const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeRejectedNonFinite Outcome = "rejected_non_finite"
	OutcomeRejectedThreshold Outcome = "rejected_threshold"

	// OutcomeSkipped means no centroid was evaluated for the axis: the data
	// was unavailable or the fast axis was not recognised.
	OutcomeSkipped Outcome = "skipped"
)

// AxisCorrection records the decision for one axis.
type AxisCorrection struct {
	Outcome   Outcome `json:"outcome"`
	Pixel     float64 `json:"pixel"`
	OldCenter float64 `json:"old_center"`
	NewCenter float64 `json:"new_center"`
	Delta     float64 `json:"delta"`
	Threshold float64 `json:"threshold"`
}

// Correction summarises one controller cycle.
type Correction struct {
	X AxisCorrection `json:"x"`
	Y AxisCorrection `json:"y"`

	// DataAvailable is false when the fetch timed out and the input window was kept.
	DataAvailable bool `json:"data_available"`

	// Orientation is "xy", "yx" or "unknown".
	Orientation string `json:"orientation"`

	// Map is the transposed normalised map the centroid was taken from.
	Map *mat.Dense `json:"-"`
}

// SkippedCorrection reports no centroid evaluated on either axis.
func SkippedCorrection(orientation string) Correction {
	return Correction{
		X:           AxisCorrection{Outcome: OutcomeSkipped},
		Y:           AxisCorrection{Outcome: OutcomeSkipped},
		Orientation: orientation,
	}
}

// finiteOrNil returns nil for NaN and infinities.
func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// MarshalJSON writes non-finite values as null.
func (a AxisCorrection) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Outcome   Outcome  `json:"outcome"`
		Pixel     *float64 `json:"pixel"`
		OldCenter *float64 `json:"old_center"`
		NewCenter *float64 `json:"new_center"`
		Delta     *float64 `json:"delta"`
		Threshold *float64 `json:"threshold"`
	}{
		Outcome:   a.Outcome,
		Pixel:     finiteOrNil(a.Pixel),
		OldCenter: finiteOrNil(a.OldCenter),
		NewCenter: finiteOrNil(a.NewCenter),
		Delta:     finiteOrNil(a.Delta),
		Threshold: finiteOrNil(a.Threshold),
	})
}
