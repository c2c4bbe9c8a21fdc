package sequence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/srx-beamline/autoscan/internal/databroker"
	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/qserver"
	"github.com/srx-beamline/autoscan/internal/scanwindow"
)

const (
	defaultCleanupTimeout = 5 * time.Minute

	// ledgerTimeout bounds ledger writes made after ctx is cancelled.
	ledgerTimeout = 10 * time.Second

	// scanInputLen is the length of [x0, x1, nx, y0, y1, ny, dwell].
	scanInputLen = 7
)

// Logger defines the logging interface used by this package.
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

// PlanRunner executes plans on the run-engine manager. *qserver.Runner
// satisfies it.
type PlanRunner interface {
	EnsureEnvironment(ctx context.Context) error
	Run(ctx context.Context, plan qserver.Plan, desc string) (*qserver.HistoryItem, error)
	Status(ctx context.Context) (*qserver.Status, error)
	WaitIdle(ctx context.Context) error
}

// Corrector computes the next window from a finished scan.
// *scanwindow.Controller satisfies it.
type Corrector interface {
	Correct(ctx context.Context, rec scanwindow.Record, roi scanwindow.ROI, timeout time.Duration) (scanwindow.Window, scanwindow.Correction, error)
}

// MetadataReader reads a run's start document. *databroker.HTTPSource satisfies it.
type MetadataReader interface {
	ScanMetadata(ctx context.Context, scanID string) (*databroker.ScanMetadata, error)
}

// MapRenderer writes a preview image of a correction.
type MapRenderer interface {
	Render(path string, corr scanwindow.Correction, window scanwindow.Window) error
}

// Deps are the collaborators of a Sequencer. Metadata, Notifier and
// Preview are optional.
type Deps struct {
	Plans     PlanRunner
	Corrector Corrector
	Metadata  MetadataReader
	Repo      ledger.Repository
	Notifier  Notifier
	Preview   MapRenderer
	Logger    Logger
}

// Sequencer runs projection sequences one at a time.
//
// Thread Safety: Snapshot, RequestStop and Running may be called while Run
// is in progress.
type Sequencer struct {
	deps Deps
	opts Options

	running atomic.Bool
	stop    atomic.Bool

	mu   sync.RWMutex
	snap Snapshot
}

// New creates a Sequencer.
func New(deps Deps, opts Options) *Sequencer {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Notifier == nil {
		deps.Notifier = Notifiers(nil)
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	if opts.RotationScale == 0 {
		opts.RotationScale = 1
	}
	return &Sequencer{
		deps: deps,
		opts: opts,
		snap: Snapshot{Window: opts.Window},
	}
}

// Snapshot returns the current state.
func (s *Sequencer) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Running reports whether a run is in progress.
func (s *Sequencer) Running() bool {
	return s.running.Load()
}

// RequestStop asks the active run to end after the current projection.
// It returns false when no run is active.
func (s *Sequencer) RequestStop() bool {
	if !s.running.Load() {
		return false
	}
	s.stop.Store(true)
	s.update(func(sn *Snapshot) { sn.StopRequested = true })
	s.deps.Logger.Info("stop requested; sequence will end after the current projection")
	return true
}

func (s *Sequencer) update(fn func(sn *Snapshot)) Snapshot {
	s.mu.Lock()
	fn(&s.snap)
	s.snap.UpdatedAt = time.Now().UTC()
	snap := s.snap
	s.mu.Unlock()
	return snap
}

// Run executes the whole sequence and returns the run record.
//
// The environment is opened first; a failure there ends the run before the
// shutters are touched. After the shutters have been opened, cleanup always
// runs. Cancellation of ctx yields a cancelled run and ctx's error.
func (s *Sequencer) Run(ctx context.Context) (*ledger.Run, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Store(false)
	s.stop.Store(false)

	total := 0
	for _, th := range s.opts.Angles {
		if !Skipped(th, s.opts.Skip) {
			total++
		}
	}
	if total == 0 {
		return nil, ErrNoAngles
	}

	run := &ledger.Run{
		ID:               uuid.NewString(),
		Status:           ledger.RunRunning,
		StartedAt:        time.Now().UTC(),
		ProjectionsTotal: total,
	}
	if err := s.deps.Repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("recording run: %w", err)
	}

	snap := s.update(func(sn *Snapshot) {
		*sn = Snapshot{
			RunID:     run.ID,
			Status:    ledger.RunRunning,
			Total:     total,
			Window:    s.opts.Window,
			StartedAt: run.StartedAt,
		}
	})
	s.deps.Notifier.StatusChanged(snap)
	s.deps.Logger.Info("sequence started", "run_id", run.ID, "projections", total)

	var stopped bool
	var runErr, cleanupErr error
	if err := s.deps.Plans.EnsureEnvironment(ctx); err != nil {
		runErr = err
	} else {
		stopped, runErr = s.scanAll(ctx, run)
		cleanupErr = s.cleanup(ctx)
	}

	s.finish(ctx, run, stopped, runErr, cleanupErr)
	return run, errors.Join(runErr, cleanupErr)
}

// scanAll opens the shutters and takes every projection. It reports
// stopped when RequestStop ended the loop early.
func (s *Sequencer) scanAll(ctx context.Context, run *ledger.Run) (bool, error) {
	o := s.opts
	log := s.deps.Logger

	log.Info("opening shutters")
	if _, err := s.deps.Plans.Run(ctx, qserver.CheckShutters(o.ShutterPlan, o.Shutters, "Open"), "Failed to open shutters"); err != nil {
		return false, err
	}
	log.Info("shutters are open")

	window := o.Window
	for i, theta := range o.Angles {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if s.stop.Load() {
			log.Info("sequence stopped on request", "run_id", run.ID, "next_theta", theta)
			return true, nil
		}
		if Skipped(theta, o.Skip) {
			log.Info("skipping projection", "theta", theta)
			continue
		}

		next, err := s.projection(ctx, run, i, theta, window)
		if err != nil {
			return false, err
		}
		window = next
	}
	return false, nil
}

// projection rotates, scans and corrects one angle and returns the next window.
func (s *Sequencer) projection(ctx context.Context, run *ledger.Run, idx int, theta float64, window scanwindow.Window) (scanwindow.Window, error) {
	o := s.opts
	log := s.deps.Logger
	started := time.Now()

	s.update(func(sn *Snapshot) {
		sn.Index = idx
		sn.Theta = theta
		sn.Window = window
	})
	log.Info("new projection", "theta", theta, "index", idx, "run_id", run.ID)

	move := qserver.Move(o.MovePlan, o.RotationMotor, theta*o.RotationScale)
	if _, err := s.deps.Plans.Run(ctx, move, "Failed to rotate the stage"); err != nil {
		return window, err
	}

	scan := qserver.FlyScan(o.ScanPlan, qserver.FlyScanArgs{
		XStart:    window.XStart,
		XStop:     window.XStop,
		XNum:      o.NX,
		YStart:    window.YStart,
		YStop:     window.YStop,
		YNum:      o.NY,
		Dwell:     o.Dwell,
		ExtraDets: o.ExtraDets,
	})
	item, err := s.deps.Plans.Run(ctx, scan, "Projection scan failed")
	if err != nil {
		return window, err
	}
	if len(item.Result.RunUIDs) == 0 {
		return window, fmt.Errorf("%w: item %s", ErrNoRunUID, item.ItemUID)
	}
	scanUID := item.Result.RunUIDs[0]

	rec := s.record(ctx, scanUID, window)
	log.Info("computing center of mass", "scan_uid", scanUID, "fast_axis", rec.FastAxis)

	next, corr, err := s.deps.Corrector.Correct(ctx, rec, o.ROI, o.FetchTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return window, fmt.Errorf("correcting window after scan %s: %w", scanUID, err)
		}
		// Only cancellation ends the run here; the next scan reuses the window.
		log.Error("correction failed, keeping window",
			"scan_uid", scanUID,
			"theta", theta,
			"error", err,
		)
		next, corr = window, scanwindow.SkippedCorrection("")
	}
	log.Info("new range",
		"x_start", next.XStart, "x_stop", next.XStop,
		"y_start", next.YStart, "y_stop", next.YStop,
	)

	duration := time.Since(started)
	s.recordProjection(ctx, run, &ledger.Projection{
		RunID:         run.ID,
		Index:         idx,
		Theta:         theta,
		ItemUID:       item.ItemUID,
		ScanUID:       scanUID,
		Window:        window,
		Next:          next,
		XOutcome:      corr.X.Outcome,
		YOutcome:      corr.Y.Outcome,
		XDelta:        corr.X.Delta,
		YDelta:        corr.Y.Delta,
		DataAvailable: corr.DataAvailable,
		Duration:      duration,
	})

	event := ProjectionEvent{
		RunID:      run.ID,
		Index:      idx,
		Total:      run.ProjectionsTotal,
		Theta:      theta,
		ItemUID:    item.ItemUID,
		ScanUID:    scanUID,
		Window:     window,
		Next:       next,
		Correction: corr,
		Duration:   duration,
		Preview:    s.preview(run.ID, idx, theta, corr, rec.Window),
	}

	s.update(func(sn *Snapshot) {
		sn.Window = next
		c := corr
		c.Map = nil
		sn.LastCorrection = &c
	})
	s.deps.Notifier.ProjectionCompleted(event)
	return next, nil
}

// record builds the controller input, preferring the run's start document
// for the fast axis and scan geometry.
func (s *Sequencer) record(ctx context.Context, scanUID string, window scanwindow.Window) scanwindow.Record {
	o := s.opts
	rec := scanwindow.Record{
		ScanID:   scanUID,
		Window:   window,
		NX:       o.NX,
		NY:       o.NY,
		Dwell:    o.Dwell,
		FastAxis: o.DefaultFastAxis,
	}
	if s.deps.Metadata == nil {
		return rec
	}

	md, err := s.deps.Metadata.ScanMetadata(ctx, scanUID)
	if err != nil {
		// The fly-scan plan sweeps x along every line, so the configured
		// x motor is the fast axis of any scan this sequencer submitted.
		s.deps.Logger.Warn("start document unavailable, assuming fly-scan fast axis",
			"scan_uid", scanUID, "fast_axis", rec.FastAxis, "error", err)
		return rec
	}
	if md.FastAxis != "" {
		rec.FastAxis = md.FastAxis
	}
	if in := md.ScanInput; len(in) == scanInputLen {
		w := scanwindow.Window{XStart: in[0], XStop: in[1], YStart: in[3], YStop: in[4]}
		if w.Validate() == nil && in[2] >= 1 && in[5] >= 1 {
			rec.Window = w
			rec.NX = int(in[2])
			rec.NY = int(in[5])
			rec.Dwell = in[6]
		}
	}
	return rec
}

// recordProjection stores p and advances the run counter. Ledger failures
// are logged; they do not stop the beamline.
func (s *Sequencer) recordProjection(ctx context.Context, run *ledger.Run, p *ledger.Projection) {
	if err := s.deps.Repo.AddProjection(ctx, p); err != nil {
		s.deps.Logger.Error("recording projection failed", "run_id", run.ID, "index", p.Index, "error", err)
	}
	run.ProjectionsDone++
	if err := s.deps.Repo.UpdateRun(ctx, run); err != nil {
		s.deps.Logger.Error("updating run failed", "run_id", run.ID, "error", err)
	}
}

// preview renders the normalised map and returns the file path, or "".
func (s *Sequencer) preview(runID string, idx int, theta float64, corr scanwindow.Correction, window scanwindow.Window) string {
	if s.opts.PreviewDir == "" || s.deps.Preview == nil || corr.Map == nil {
		return ""
	}
	name := fmt.Sprintf("%s-%03d-th%08.3f.png", runID, idx, theta)
	path := filepath.Join(s.opts.PreviewDir, name)
	if err := s.deps.Preview.Render(path, corr, window); err != nil {
		s.deps.Logger.Warn("rendering preview failed", "path", path, "error", err)
		return ""
	}
	return path
}

// cleanup closes the shutters on a context detached from ctx and bounded
// by the cleanup timeout.
func (s *Sequencer) cleanup(ctx context.Context) error {
	log := s.deps.Logger
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CleanupTimeout)
	defer cancel()

	status, err := s.deps.Plans.Status(cctx)
	if err != nil {
		log.Error("cannot read manager status; close the shutters manually", "error", err)
		return fmt.Errorf("cleanup: reading manager status: %w", err)
	}
	if status.ManagerState != qserver.StateIdle {
		log.Error("RE Manager is not idle; shutters cannot be closed. Stop the plan and close the shutters manually",
			"manager_state", status.ManagerState)
		return ErrCleanupSkipped
	}

	log.Info("waiting for RE Manager to become idle before closing shutters")
	if err := s.deps.Plans.WaitIdle(cctx); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}

	log.Info("closing shutters")
	plan := qserver.CheckShutters(s.opts.ShutterPlan, s.opts.Shutters, "Close")
	if _, err := s.deps.Plans.Run(cctx, plan, "Failed to close shutters"); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	log.Info("shutters are closed")
	return nil
}

// finish sets the final status and persists it.
func (s *Sequencer) finish(ctx context.Context, run *ledger.Run, stopped bool, runErr, cleanupErr error) {
	switch {
	case runErr != nil && (errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)):
		run.Status = ledger.RunCancelled
	case runErr != nil:
		run.Status = ledger.RunFailed
	case stopped:
		run.Status = ledger.RunCancelled
	case cleanupErr != nil:
		run.Status = ledger.RunFailed
	default:
		run.Status = ledger.RunCompleted
	}

	now := time.Now().UTC()
	run.CompletedAt = &now
	if err := errors.Join(runErr, cleanupErr); err != nil {
		run.Error = err.Error()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if err := s.deps.Repo.UpdateRun(wctx, run); err != nil {
		s.deps.Logger.Error("recording run result failed", "run_id", run.ID, "error", err)
	}

	snap := s.update(func(sn *Snapshot) {
		sn.Status = run.Status
		sn.Error = run.Error
	})
	s.deps.Notifier.StatusChanged(snap)

	switch run.Status {
	case ledger.RunCompleted:
		s.deps.Logger.Info("sequence completed", "run_id", run.ID, "projections", run.ProjectionsDone)
	case ledger.RunCancelled:
		s.deps.Logger.Warn("sequence was stopped; the last plan may still be running",
			"run_id", run.ID, "projections", run.ProjectionsDone, "error", run.Error)
	default:
		s.deps.Logger.Error("scan sequence failed", "run_id", run.ID, "projections", run.ProjectionsDone, "error", run.Error)
	}
}
