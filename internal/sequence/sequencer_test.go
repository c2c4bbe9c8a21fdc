package sequence

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/srx-beamline/autoscan/internal/databroker"
	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/qserver"
	"github.com/srx-beamline/autoscan/internal/scanwindow"
)

// fakePlans records submitted plans and answers like an idle manager.
type fakePlans struct {
	mu        sync.Mutex
	plans     []qserver.Plan
	descs     []string
	failDesc  string
	failErr   error
	envErr    error
	state     string
	statusErr error
	noRunUID  bool
	waitIdle  int
	scans     int
	onScan    func()
}

func (f *fakePlans) EnsureEnvironment(context.Context) error { return f.envErr }

func (f *fakePlans) Run(_ context.Context, plan qserver.Plan, desc string) (*qserver.HistoryItem, error) {
	f.mu.Lock()
	f.plans = append(f.plans, plan)
	f.descs = append(f.descs, desc)
	n := len(f.plans)
	fail := f.failDesc != "" && desc == f.failDesc
	isScan := plan.Name == "scan"
	if isScan {
		f.scans++
	}
	hook := f.onScan
	f.mu.Unlock()

	if fail {
		return nil, f.failErr
	}
	item := &qserver.HistoryItem{
		ItemUID: fmt.Sprintf("item-%d", n),
		Name:    plan.Name,
		Result:  qserver.PlanResult{ExitStatus: qserver.ExitCompleted},
	}
	if isScan {
		if !f.noRunUID {
			item.Result.RunUIDs = []string{fmt.Sprintf("scan-%d", n)}
		}
		if hook != nil {
			hook()
		}
	}
	return item, nil
}

func (f *fakePlans) Status(context.Context) (*qserver.Status, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	state := f.state
	if state == "" {
		state = qserver.StateIdle
	}
	return &qserver.Status{ManagerState: state, WorkerEnvironmentExists: true}, nil
}

func (f *fakePlans) WaitIdle(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waitIdle++
	return nil
}

func (f *fakePlans) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.plans))
	for i, p := range f.plans {
		out[i] = p.Name
	}
	return out
}

func (f *fakePlans) last() qserver.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plans[len(f.plans)-1]
}

// shiftCorrector moves the window +1 along x on every call.
type shiftCorrector struct {
	mu        sync.Mutex
	recs      []scanwindow.Record
	err       error
	grid      *mat.Dense
	onCorrect func()
}

func (c *shiftCorrector) Correct(_ context.Context, rec scanwindow.Record, _ scanwindow.ROI, _ time.Duration) (scanwindow.Window, scanwindow.Correction, error) {
	c.mu.Lock()
	c.recs = append(c.recs, rec)
	c.mu.Unlock()
	if c.onCorrect != nil {
		c.onCorrect()
	}
	if c.err != nil {
		return rec.Window, scanwindow.Correction{}, c.err
	}
	next := rec.Window
	next.XStart++
	next.XStop++
	corr := scanwindow.Correction{
		X:             scanwindow.AxisCorrection{Outcome: scanwindow.OutcomeAccepted, Delta: 1},
		Y:             scanwindow.AxisCorrection{Outcome: scanwindow.OutcomeAccepted},
		DataAvailable: true,
		Orientation:   "xy",
		Map:           c.grid,
	}
	return next, corr, nil
}

// memRepo is an in-memory ledger.
type memRepo struct {
	mu          sync.Mutex
	runs        map[string]ledger.Run
	projections []ledger.Projection
	addErr      error
}

func newMemRepo() *memRepo {
	return &memRepo{runs: make(map[string]ledger.Run)}
}

func (r *memRepo) CreateRun(_ context.Context, run *ledger.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return ledger.ErrRunExists
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *memRepo) UpdateRun(_ context.Context, run *ledger.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return ledger.ErrRunNotFound
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *memRepo) GetRun(_ context.Context, id string) (*ledger.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, ledger.ErrRunNotFound
	}
	return &run, nil
}

func (r *memRepo) ListRuns(context.Context, int) ([]ledger.Run, error) { return nil, nil }

func (r *memRepo) AddProjection(_ context.Context, p *ledger.Projection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.addErr != nil {
		return r.addErr
	}
	p.ID = int64(len(r.projections) + 1)
	r.projections = append(r.projections, *p)
	return nil
}

func (r *memRepo) ListProjections(context.Context, string) ([]ledger.Projection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.Projection(nil), r.projections...), nil
}

func (r *memRepo) CreateProcessingRun(context.Context, *ledger.ProcessingRun) error { return nil }
func (r *memRepo) UpdateProcessingRun(context.Context, *ledger.ProcessingRun) error { return nil }
func (r *memRepo) ListProcessingRuns(context.Context, int) ([]ledger.ProcessingRun, error) {
	return nil, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []Snapshot
	events   []ProjectionEvent
}

func (n *recordingNotifier) StatusChanged(s Snapshot) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, s)
}

func (n *recordingNotifier) ProjectionCompleted(e ProjectionEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

// recordingLogger keeps every message with its level.
type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) add(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *recordingLogger) Debug(msg string, _ ...any) { l.add("debug", msg) }
func (l *recordingLogger) Info(msg string, _ ...any)  { l.add("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.add("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.add("error", msg) }

func (l *recordingLogger) count(level, msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.entries {
		if e == level+": "+msg {
			n++
		}
	}
	return n
}

type fakeMetadata struct {
	md  *databroker.ScanMetadata
	err error
}

func (f fakeMetadata) ScanMetadata(context.Context, string) (*databroker.ScanMetadata, error) {
	return f.md, f.err
}

type fakeRenderer struct {
	paths []string
	err   error
}

func (f *fakeRenderer) Render(path string, _ scanwindow.Correction, _ scanwindow.Window) error {
	f.paths = append(f.paths, path)
	return f.err
}

func testOptions() Options {
	return Options{
		Angles:          []float64{0, 10, 20},
		Window:          scanwindow.Window{XStart: -3, XStop: 3, YStart: -2, YStop: 2},
		NX:              7,
		NY:              5,
		Dwell:           0.1,
		ROI:             scanwindow.ROI{Low: 0, High: 4},
		RotationMotor:   "th",
		RotationScale:   1000,
		ScanPlan:        "scan",
		ShutterPlan:     "shutters",
		MovePlan:        "mv",
		Shutters:        true,
		DefaultFastAxis: "sx",
		FetchTimeout:    time.Second,
		CleanupTimeout:  time.Second,
	}
}

type harness struct {
	plans    *fakePlans
	corr     *shiftCorrector
	repo     *memRepo
	notifier *recordingNotifier
	seq      *Sequencer
}

func newHarness(opts Options, mutate func(d *Deps)) *harness {
	h := &harness{
		plans:    &fakePlans{},
		corr:     &shiftCorrector{},
		repo:     newMemRepo(),
		notifier: &recordingNotifier{},
	}
	deps := Deps{
		Plans:     h.plans,
		Corrector: h.corr,
		Repo:      h.repo,
		Notifier:  h.notifier,
	}
	if mutate != nil {
		mutate(&deps)
	}
	h.seq = New(deps, opts)
	return h
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRun_Completes(t *testing.T) {
	h := newHarness(testOptions(), nil)

	run, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != ledger.RunCompleted {
		t.Errorf("Status = %s, want completed", run.Status)
	}
	if run.ProjectionsTotal != 3 || run.ProjectionsDone != 3 {
		t.Errorf("projections = %d/%d, want 3/3", run.ProjectionsDone, run.ProjectionsTotal)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	want := []string{"shutters", "mv", "scan", "mv", "scan", "mv", "scan", "shutters"}
	if got := h.plans.names(); !equalStrings(got, want) {
		t.Errorf("plans = %v, want %v", got, want)
	}
	open := h.plans.plans[0]
	if open.Args[0] != true || open.Args[1] != "Open" {
		t.Errorf("open args = %v", open.Args)
	}
	if closing := h.plans.last(); closing.Args[1] != "Close" {
		t.Errorf("close args = %v", closing.Args)
	}
	if mv := h.plans.plans[3]; mv.Args[0] != "th" || mv.Args[1] != 10000.0 {
		t.Errorf("second move args = %v, want [th 10000]", mv.Args)
	}
	if h.plans.waitIdle != 1 {
		t.Errorf("WaitIdle calls = %d, want 1", h.plans.waitIdle)
	}

	stored, err := h.repo.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if stored.Status != ledger.RunCompleted || stored.ProjectionsDone != 3 {
		t.Errorf("stored run = %+v", stored)
	}
	if len(h.repo.projections) != 3 {
		t.Fatalf("projections stored = %d, want 3", len(h.repo.projections))
	}
	if p := h.repo.projections[1]; p.Theta != 10 || p.ScanUID != "scan-5" || p.XOutcome != scanwindow.OutcomeAccepted {
		t.Errorf("projection[1] = %+v", p)
	}

	if len(h.notifier.events) != 3 {
		t.Errorf("events = %d, want 3", len(h.notifier.events))
	}
	if n := len(h.notifier.statuses); n < 2 || h.notifier.statuses[n-1].Status != ledger.RunCompleted {
		t.Errorf("final status event missing: %+v", h.notifier.statuses)
	}
}

func TestRun_WindowPropagates(t *testing.T) {
	h := newHarness(testOptions(), nil)

	if _, err := h.seq.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	wantX := []float64{-3, -2, -1}
	for i, rec := range h.corr.recs {
		if rec.Window.XStart != wantX[i] {
			t.Errorf("projection %d XStart = %v, want %v", i, rec.Window.XStart, wantX[i])
		}
		if rec.FastAxis != "sx" || rec.NX != 7 || rec.NY != 5 {
			t.Errorf("projection %d record = %+v", i, rec)
		}
	}

	// The scan plan is built from the propagated window.
	third := h.plans.plans[6]
	if third.Args[0] != -1.0 || third.Args[1] != 5.0 {
		t.Errorf("third scan args = %v, want x range [-1 5]", third.Args)
	}
	if snap := h.seq.Snapshot(); snap.Window.XStart != 0 || snap.LastCorrection == nil {
		t.Errorf("Snapshot() = %+v", snap)
	}
}

func TestRun_EnvironmentFailure(t *testing.T) {
	h := newHarness(testOptions(), nil)
	h.plans.envErr = qserver.ErrEnvironmentUnavailable

	run, err := h.seq.Run(context.Background())
	if !errors.Is(err, qserver.ErrEnvironmentUnavailable) {
		t.Fatalf("Run() error = %v, want ErrEnvironmentUnavailable", err)
	}
	if run.Status != ledger.RunFailed {
		t.Errorf("Status = %s, want failed", run.Status)
	}
	if n := len(h.plans.names()); n != 0 {
		t.Errorf("plans submitted = %d, want 0", n)
	}
}

func TestRun_PlanFailureStillCleansUp(t *testing.T) {
	tests := []struct {
		name     string
		failDesc string
		err      error
		scans    int
	}{
		{"open shutters", "Failed to open shutters", &qserver.PlanError{ExitStatus: "failed"}, 0},
		{"rotation", "Failed to rotate the stage", qserver.ErrWaitTimeout, 0},
		{"scan", "Projection scan failed", qserver.ErrItemMismatch, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(testOptions(), nil)
			h.plans.failDesc = tt.failDesc
			h.plans.failErr = tt.err

			run, err := h.seq.Run(context.Background())
			if !errors.Is(err, tt.err) {
				t.Fatalf("Run() error = %v, want %v", err, tt.err)
			}
			if run.Status != ledger.RunFailed || run.Error == "" {
				t.Errorf("run = %+v, want failed with error", run)
			}
			if h.plans.scans != tt.scans {
				t.Errorf("scans = %d, want %d", h.plans.scans, tt.scans)
			}
			if last := h.plans.last(); last.Name != "shutters" || last.Args[1] != "Close" {
				t.Errorf("last plan = %+v, want shutters Close", last)
			}
		})
	}
}

func TestRun_CleanupSkippedWhenBusy(t *testing.T) {
	h := newHarness(testOptions(), nil)
	h.plans.state = "executing_queue"

	run, err := h.seq.Run(context.Background())
	if !errors.Is(err, ErrCleanupSkipped) {
		t.Fatalf("Run() error = %v, want ErrCleanupSkipped", err)
	}
	if run.Status != ledger.RunFailed {
		t.Errorf("Status = %s, want failed", run.Status)
	}
	if h.plans.waitIdle != 0 {
		t.Errorf("WaitIdle calls = %d, want 0", h.plans.waitIdle)
	}
	if last := h.plans.last(); last.Name != "scan" {
		t.Errorf("last plan = %s, want scan (no close)", last.Name)
	}
}

func TestRun_CleanupStatusError(t *testing.T) {
	h := newHarness(testOptions(), nil)
	h.plans.statusErr = qserver.ErrRequestFailed

	_, err := h.seq.Run(context.Background())
	if !errors.Is(err, qserver.ErrRequestFailed) {
		t.Fatalf("Run() error = %v, want ErrRequestFailed", err)
	}
}

func TestRun_StopRequest(t *testing.T) {
	h := newHarness(testOptions(), nil)
	h.plans.onScan = func() {
		if !h.seq.RequestStop() {
			t.Error("RequestStop() = false during run")
		}
	}

	run, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != ledger.RunCancelled {
		t.Errorf("Status = %s, want cancelled", run.Status)
	}
	if run.ProjectionsDone != 1 {
		t.Errorf("ProjectionsDone = %d, want 1", run.ProjectionsDone)
	}
	if last := h.plans.last(); last.Args[1] != "Close" {
		t.Errorf("last plan = %+v, want shutters Close", last)
	}
	if !h.seq.Snapshot().StopRequested {
		t.Error("Snapshot().StopRequested = false")
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(testOptions(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.plans.onScan = cancel

	run, err := h.seq.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if run.Status != ledger.RunCancelled {
		t.Errorf("Status = %s, want cancelled", run.Status)
	}
	if last := h.plans.last(); last.Args[1] != "Close" {
		t.Errorf("cleanup did not close shutters, last plan = %+v", last)
	}
	stored, _ := h.repo.GetRun(context.Background(), run.ID)
	if stored.Status != ledger.RunCancelled {
		t.Errorf("stored status = %s, want cancelled", stored.Status)
	}
}

func TestRun_SkipRanges(t *testing.T) {
	opts := testOptions()
	opts.Skip = []config.SkipRange{{From: 5, To: 15}}

	h := newHarness(opts, nil)
	run, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.ProjectionsTotal != 2 || run.ProjectionsDone != 2 {
		t.Errorf("projections = %d/%d, want 2/2", run.ProjectionsDone, run.ProjectionsTotal)
	}
	for _, p := range h.repo.projections {
		if p.Theta == 10 {
			t.Errorf("skipped angle 10 was scanned")
		}
	}
	if p := h.repo.projections[1]; p.Index != 2 {
		t.Errorf("second projection index = %d, want 2", p.Index)
	}
}

func TestRun_AllSkipped(t *testing.T) {
	opts := testOptions()
	opts.Skip = []config.SkipRange{{From: -1, To: 30}}

	h := newHarness(opts, nil)
	if _, err := h.seq.Run(context.Background()); !errors.Is(err, ErrNoAngles) {
		t.Fatalf("Run() error = %v, want ErrNoAngles", err)
	}
}

func TestRun_CorrectionErrorKeepsWindow(t *testing.T) {
	logger := &recordingLogger{}
	h := newHarness(testOptions(), func(d *Deps) { d.Logger = logger })
	h.corr.err = fmt.Errorf("fetching scan: %w", databroker.ErrPermanent)

	run, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}
	if run.Status != ledger.RunCompleted || run.ProjectionsDone != 3 {
		t.Errorf("run = %+v", run)
	}
	if h.plans.scans != 3 {
		t.Errorf("scans = %d, want 3", h.plans.scans)
	}
	for i, e := range h.notifier.events {
		if e.Next != testOptions().Window {
			t.Errorf("event %d next window = %+v, want unchanged", i, e.Next)
		}
		if e.Correction.X.Outcome != scanwindow.OutcomeSkipped || e.Correction.Y.Outcome != scanwindow.OutcomeSkipped {
			t.Errorf("event %d correction = %+v, want skipped", i, e.Correction)
		}
	}
	if n := logger.count("error", "correction failed, keeping window"); n != 3 {
		t.Errorf("correction failures logged = %d, want 3", n)
	}
}

func TestRun_CorrectionCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(testOptions(), nil)
	h.corr.err = context.Canceled
	h.corr.onCorrect = cancel

	run, err := h.seq.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if run.Status != ledger.RunCancelled {
		t.Errorf("status = %s, want cancelled", run.Status)
	}
	if h.plans.scans != 1 {
		t.Errorf("scans = %d, want 1", h.plans.scans)
	}
}

func TestRun_NoRunUID(t *testing.T) {
	h := newHarness(testOptions(), nil)
	h.plans.noRunUID = true

	if _, err := h.seq.Run(context.Background()); !errors.Is(err, ErrNoRunUID) {
		t.Fatalf("Run() error = %v, want ErrNoRunUID", err)
	}
}

func TestRun_LedgerFailureDoesNotStop(t *testing.T) {
	h := newHarness(testOptions(), nil)
	h.repo.addErr = errors.New("disk full")

	run, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if run.Status != ledger.RunCompleted || run.ProjectionsDone != 3 {
		t.Errorf("run = %+v", run)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newHarness(testOptions(), nil)
	h.seq.running.Store(true)

	if _, err := h.seq.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Run() error = %v, want ErrAlreadyRunning", err)
	}
}

func TestRequestStop_Idle(t *testing.T) {
	h := newHarness(testOptions(), nil)
	if h.seq.RequestStop() {
		t.Error("RequestStop() = true with no active run")
	}
	if h.seq.Running() {
		t.Error("Running() = true")
	}
}

func TestRun_MetadataGeometry(t *testing.T) {
	tests := []struct {
		name     string
		meta     fakeMetadata
		fastAxis string
		nx       int
		dwell    float64
	}{
		{
			name:     "start document",
			meta:     fakeMetadata{md: &databroker.ScanMetadata{FastAxis: "sy", ScanInput: []float64{-3, 3, 13, -2, 2, 9, 0.2}}},
			fastAxis: "sy", nx: 13, dwell: 0.2,
		},
		{
			name:     "malformed scan input ignored",
			meta:     fakeMetadata{md: &databroker.ScanMetadata{FastAxis: "sy", ScanInput: []float64{1, 2}}},
			fastAxis: "sy", nx: 7, dwell: 0.1,
		},
		{
			name:     "unavailable",
			meta:     fakeMetadata{err: databroker.ErrNotReady},
			fastAxis: "sx", nx: 7, dwell: 0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions()
			opts.Angles = []float64{0}
			logger := &recordingLogger{}
			h := newHarness(opts, func(d *Deps) {
				d.Metadata = tt.meta
				d.Logger = logger
			})

			if _, err := h.seq.Run(context.Background()); err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			rec := h.corr.recs[0]
			if rec.FastAxis != tt.fastAxis || rec.NX != tt.nx || rec.Dwell != tt.dwell {
				t.Errorf("record = %+v, want fast axis %s nx %d dwell %v", rec, tt.fastAxis, tt.nx, tt.dwell)
			}
			warned := logger.count("warn", "start document unavailable, assuming fly-scan fast axis")
			if wantWarn := tt.meta.err != nil; (warned == 1) != wantWarn {
				t.Errorf("fallback warnings = %d, want %v", warned, wantWarn)
			}
		})
	}
}

func TestRun_Preview(t *testing.T) {
	opts := testOptions()
	opts.Angles = []float64{0, 10}
	opts.PreviewDir = t.TempDir()
	renderer := &fakeRenderer{}

	h := newHarness(opts, func(d *Deps) { d.Preview = renderer })
	h.corr.grid = mat.NewDense(2, 2, []float64{1, 2, 3, 4})

	run, err := h.seq.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(renderer.paths) != 2 {
		t.Fatalf("Render calls = %d, want 2", len(renderer.paths))
	}
	want := filepath.Join(opts.PreviewDir, run.ID+"-001-th0010.000.png")
	if renderer.paths[1] != want {
		t.Errorf("path = %s, want %s", renderer.paths[1], want)
	}
	if got := h.notifier.events[1].Preview; got != want {
		t.Errorf("event preview = %s, want %s", got, want)
	}
	if h.seq.Snapshot().LastCorrection.Map != nil {
		t.Error("snapshot carries the map")
	}
}

func TestRun_PreviewFailureIsNotFatal(t *testing.T) {
	opts := testOptions()
	opts.PreviewDir = t.TempDir()
	renderer := &fakeRenderer{err: errors.New("no space")}

	h := newHarness(opts, func(d *Deps) { d.Preview = renderer })
	h.corr.grid = mat.NewDense(1, 1, []float64{1})

	if _, err := h.seq.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if h.notifier.events[0].Preview != "" {
		t.Errorf("preview = %q, want empty", h.notifier.events[0].Preview)
	}
}
