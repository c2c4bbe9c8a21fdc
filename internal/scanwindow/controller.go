package scanwindow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/srx-beamline/autoscan/internal/databroker"
)

// Default controller settings.
const (
	DefaultFetchTimeout = 120 * time.Second
	DefaultPollInterval = time.Second
)

// Logger defines the logging interface used by the controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Controller.
type Options struct {
	// Stream, FluorField and I0Field name the data to fetch.
	Stream     string
	FluorField string
	I0Field    string

	// PollInterval is the pause between fetch attempts.
	PollInterval time.Duration

	// XMotor and YMotor are the fast-axis names selecting the orientation.
	XMotor string
	YMotor string
}

func (o Options) withDefaults() Options {
	if o.Stream == "" {
		o.Stream = "stream0"
	}
	if o.FluorField == "" {
		o.FluorField = "fluor"
	}
	if o.I0Field == "" {
		o.I0Field = "i0"
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.XMotor == "" {
		o.XMotor = "nano_stage_sx"
	}
	if o.YMotor == "" {
		o.YMotor = "nano_stage_sy"
	}
	return o
}

// Controller computes the next scan window from completed scan data.
//
// A Controller holds no per-scan state; the window is passed in and
// returned on every call.
type Controller struct {
	source databroker.Source
	opts   Options
	logger Logger
}

// NewController creates a controller reading from source.
func NewController(source databroker.Source, opts Options, logger Logger) *Controller {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Controller{
		source: source,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Correct fetches the data for rec and returns the corrected window.
//
// A fetch timeout is not an error: the input window is returned with
// Correction.DataAvailable false. Errors are returned for cancellation,
// permanent data failures, shape mismatches and invalid ROIs; the input
// window is returned alongside them.
func (c *Controller) Correct(ctx context.Context, rec Record, roi ROI, timeout time.Duration) (Window, Correction, error) {
	cube, norm, err := c.FetchScanData(ctx, rec.ScanID, timeout)
	if errors.Is(err, ErrDataUnavailable) {
		c.logger.Warn("scan data unavailable, keeping window",
			"scan_id", rec.ScanID,
			"timeout", timeout,
			"error", err,
		)
		return rec.Window, SkippedCorrection(""), nil
	}
	if err != nil {
		return rec.Window, SkippedCorrection(""), err
	}

	return c.ComputeCorrectedWindow(rec, cube, norm, roi)
}

// FetchScanData retrieves the fluorescence cube and normalisation map,
// retrying transient failures every PollInterval until timeout elapses.
// Every attempt reads both fields afresh, and the source cache is cleared
// again when FetchScanData returns.
//
// A cube whose spatial shape disagrees with the normalisation map is
// treated as a scan still being written and retried.
//
// Returns ErrDataUnavailable on timeout, ctx.Err() if ctx ends first, or
// the underlying error when it is permanent.
func (c *Controller) FetchScanData(ctx context.Context, scanID string, timeout time.Duration) (*Cube, *mat.Dense, error) {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer c.source.ClearCache()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			c.source.ClearCache()
		}
		cube, norm, err := c.fetchOnce(fetchCtx, scanID)
		if err == nil {
			c.logger.Debug("scan data fetched", "scan_id", scanID, "attempts", attempt)
			return cube, norm, nil
		}

		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if fetchCtx.Err() == nil && !databroker.IsTransient(err) {
			return nil, nil, fmt.Errorf("fetching scan %s: %w", scanID, err)
		}
		if databroker.IsTransient(err) || lastErr == nil {
			lastErr = err
		}

		if fetchCtx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: scan %s after %s: %v", ErrDataUnavailable, scanID, timeout, lastErr)
		}

		c.logger.Debug("scan data not ready", "scan_id", scanID, "attempt", attempt, "error", err)

		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-fetchCtx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (c *Controller) fetchOnce(ctx context.Context, scanID string) (*Cube, *mat.Dense, error) {
	fluor, err := c.source.Fetch(ctx, scanID, c.opts.Stream, c.opts.FluorField)
	if err != nil {
		return nil, nil, err
	}
	i0, err := c.source.Fetch(ctx, scanID, c.opts.Stream, c.opts.I0Field)
	if err != nil {
		return nil, nil, err
	}

	cube, err := cubeFromArray(fluor)
	if err != nil {
		return nil, nil, err
	}
	norm, err := normFromArray(i0)
	if err != nil {
		return nil, nil, err
	}
	if nr, nc := norm.Dims(); cube.Rows != nr || cube.Cols != nc {
		return nil, nil, fmt.Errorf("%w: %w: cube is %dx%d, normalisation map is %dx%d",
			databroker.ErrNotReady, ErrShapeMismatch, cube.Rows, cube.Cols, nr, nc)
	}
	return cube, norm, nil
}

// ComputeCorrectedWindow reduces the cube over roi, normalises by norm,
// transposes, takes the centroid and applies a bounded correction per axis.
//
// Policy rejections and an unrecognised fast axis are not errors; they are
// reported through the returned Correction and logged.
func (c *Controller) ComputeCorrectedWindow(rec Record, cube *Cube, norm mat.Matrix, roi ROI) (Window, Correction, error) {
	if err := rec.Window.Validate(); err != nil {
		return rec.Window, SkippedCorrection(""), err
	}
	if rec.NX <= 0 || rec.NY <= 0 {
		return rec.Window, SkippedCorrection(""),
			fmt.Errorf("%w: %dx%d pixels", ErrInvalidWindow, rec.NX, rec.NY)
	}

	reduced, err := ReduceROI(cube, norm, roi)
	if err != nil {
		return rec.Window, SkippedCorrection(""), err
	}
	transposed := mat.DenseCopyOf(reduced.T())
	c0, c1 := CenterOfMass(transposed)

	var comX, comY float64
	var orientation string
	switch rec.FastAxis {
	case c.opts.XMotor:
		comX, comY, orientation = c0, c1, "xy"
	case c.opts.YMotor:
		comY, comX, orientation = c0, c1, "yx"
	default:
		c.logger.Warn("unrecognised fast axis, keeping window",
			"scan_id", rec.ScanID,
			"fast_axis", rec.FastAxis,
		)
		corr := SkippedCorrection("unknown")
		corr.DataAvailable = true
		corr.Map = transposed
		return rec.Window, corr, nil
	}

	w := rec.Window
	next := w
	corr := Correction{DataAvailable: true, Orientation: orientation, Map: transposed}
	next.XStart, next.XStop, corr.X = correctAxis(w.XStart, w.XStop, rec.NX, comX)
	next.YStart, next.YStop, corr.Y = correctAxis(w.YStart, w.YStop, rec.NY, comY)

	c.logAxis(rec.ScanID, "x", corr.X)
	c.logAxis(rec.ScanID, "y", corr.Y)

	return next, corr, nil
}

func (c *Controller) logAxis(scanID, axis string, ac AxisCorrection) {
	args := []any{
		"scan_id", scanID,
		"axis", axis,
		"outcome", string(ac.Outcome),
		"old_center", ac.OldCenter,
		"new_center", ac.NewCenter,
		"delta", ac.Delta,
	}
	if ac.Outcome == OutcomeAccepted {
		c.logger.Info("axis correction accepted", args...)
		return
	}
	c.logger.Warn("axis correction rejected", append(args, "threshold", ac.Threshold)...)
}
