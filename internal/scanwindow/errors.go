package scanwindow

import "errors"

// Sentinel errors for the scan-window controller.
var (
	// ErrShapeMismatch means the cube and normalisation map disagree on
	// their spatial dimensions, or an array has the wrong rank.
	ErrShapeMismatch = errors.New("scanwindow: shape mismatch")

	// ErrInvalidROI means the energy-bin range is empty or out of bounds.
	ErrInvalidROI = errors.New("scanwindow: invalid region of interest")

	// ErrDataUnavailable means the scan data did not materialise before the
	// fetch timeout.
	ErrDataUnavailable = errors.New("scanwindow: scan data unavailable")

	// ErrInvalidWindow means a window has non-positive extent or pixel count.
	ErrInvalidWindow = errors.New("scanwindow: invalid window")
)
