package scanwindow

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ReduceROI sums the cube over channel groups and the energy bins in roi,
// then divides each pixel by the matching entry of norm. The result has the
// cube's (rows, cols) shape. Zero divisors produce Inf or NaN, which the
// centroid step rejects.
func ReduceROI(cube *Cube, norm mat.Matrix, roi ROI) (*mat.Dense, error) {
	nr, nc := norm.Dims()
	if cube.Rows != nr || cube.Cols != nc {
		return nil, fmt.Errorf("%w: cube is %dx%d, normalisation map is %dx%d",
			ErrShapeMismatch, cube.Rows, cube.Cols, nr, nc)
	}
	if cube.Rows == 0 || cube.Cols == 0 {
		return nil, fmt.Errorf("%w: empty spatial map", ErrShapeMismatch)
	}
	if roi.Low < 0 || roi.High > cube.Bins || roi.Low >= roi.High {
		return nil, fmt.Errorf("%w: [%d, %d) with %d bins", ErrInvalidROI, roi.Low, roi.High, cube.Bins)
	}

	out := mat.NewDense(cube.Rows, cube.Cols, nil)
	for r := 0; r < cube.Rows; r++ {
		for c := 0; c < cube.Cols; c++ {
			var sum float64
			for g := 0; g < cube.Groups; g++ {
				sum += floats.Sum(cube.Spectrum(r, c, g)[roi.Low:roi.High])
			}
			out.Set(r, c, sum/norm.At(r, c))
		}
	}
	return out, nil
}

// CenterOfMass returns the intensity-weighted centroid of m in pixel units,
// (row index, column index). An all-zero map yields NaN.
func CenterOfMass(m mat.Matrix) (c0, c1 float64) {
	rows, cols := m.Dims()

	rowSums := make([]float64, rows)
	colSums := make([]float64, cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			v := m.At(i, j)
			rowSums[i] += v
			colSums[j] += v
		}
	}

	return stat.Mean(indices(rows), rowSums), stat.Mean(indices(cols), colSums)
}

func indices(n int) []float64 {
	idx := make([]float64, n)
	for i := range idx {
		idx[i] = float64(i)
	}
	return idx
}

// PixelToPhysical maps a pixel coordinate onto the motor axis spanning
// [start, stop) in n pixels: pixel 0 is start, pixel n-1 is
// start + (n-1)/n * (stop-start).
func PixelToPhysical(start, stop float64, n int, pixel float64) float64 {
	return start + pixel*(stop-start)/float64(n)
}

// correctAxis decides one axis. A rejected axis returns start and stop
// untouched; an accepted one recentres while keeping the extent.
func correctAxis(start, stop float64, n int, pixel float64) (newStart, newStop float64, ac AxisCorrection) {
	extent := stop - start
	half := 0.5 * extent
	oldCenter := start + half
	newCenter := PixelToPhysical(start, stop, n, pixel)

	ac = AxisCorrection{
		Pixel:     pixel,
		OldCenter: oldCenter,
		NewCenter: newCenter,
		Delta:     oldCenter - newCenter,
		Threshold: half,
	}

	switch {
	case math.IsNaN(newCenter) || math.IsInf(newCenter, 0):
		ac.Outcome = OutcomeRejectedNonFinite
		return start, stop, ac
	case math.Abs(ac.Delta) > ac.Threshold:
		ac.Outcome = OutcomeRejectedThreshold
		return start, stop, ac
	}

	ac.Outcome = OutcomeAccepted
	return newCenter - half, newCenter - half + extent, ac
}
