package tomo

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/watcher"
)

// fakeToolchain records steps and creates the single file like the real
// toolchain does.
type fakeToolchain struct {
	mu     sync.Mutex
	steps  []Step
	failOn string
}

func (f *fakeToolchain) Exec(_ context.Context, step Step) error {
	f.mu.Lock()
	f.steps = append(f.steps, step)
	f.mu.Unlock()

	if step.Name == f.failOn {
		return ErrStepFailed
	}
	switch step.Name {
	case StepCreateLogFile:
		fn, _ := step.Flag("fn-log")
		return os.WriteFile(fn, []byte("log"), 0o644)
	case StepMakeSingleHDF:
		fn, _ := step.Flag("fn")
		return os.WriteFile(fn, []byte("hdf"), 0o644)
	}
	return nil
}

func (f *fakeToolchain) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.steps))
	for i, s := range f.steps {
		out[i] = s.Name
	}
	return out
}

type memRepo struct {
	mu   sync.Mutex
	runs map[string]ledger.ProcessingRun
}

func newMemRepo() *memRepo { return &memRepo{runs: make(map[string]ledger.ProcessingRun)} }

func (r *memRepo) CreateRun(context.Context, *ledger.Run) error { return nil }
func (r *memRepo) UpdateRun(context.Context, *ledger.Run) error { return nil }
func (r *memRepo) GetRun(context.Context, string) (*ledger.Run, error) {
	return nil, ledger.ErrRunNotFound
}
func (r *memRepo) ListRuns(context.Context, int) ([]ledger.Run, error)     { return nil, nil }
func (r *memRepo) AddProjection(context.Context, *ledger.Projection) error { return nil }
func (r *memRepo) ListProjections(context.Context, string) ([]ledger.Projection, error) {
	return nil, nil
}

func (r *memRepo) CreateProcessingRun(_ context.Context, run *ledger.ProcessingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = *run
	return nil
}

func (r *memRepo) UpdateProcessingRun(_ context.Context, run *ledger.ProcessingRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return ledger.ErrProcessingRunNotFound
	}
	r.runs[run.ID] = *run
	return nil
}

func (r *memRepo) ListProcessingRuns(context.Context, int) ([]ledger.ProcessingRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.ProcessingRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	return out, nil
}

type fakeArchiver struct {
	dirs []string
	err  error
}

func (f *fakeArchiver) Archive(_ context.Context, dir string) (string, error) {
	f.dirs = append(f.dirs, dir)
	if f.err != nil {
		return "", f.err
	}
	return "s3://bucket/" + filepath.Base(dir), nil
}

type recordingNotifier struct {
	runs []ledger.ProcessingRun
}

func (n *recordingNotifier) ProcessingFinished(run ledger.ProcessingRun, _ time.Duration) {
	n.runs = append(n.runs, run)
}

var fixedNow = time.Date(2022, 11, 17, 14, 30, 5, 0, time.UTC)

type fixture struct {
	raw, proc string
	tools     *fakeToolchain
	repo      *memRepo
	archiver  *fakeArchiver
	notifier  *recordingNotifier
	pipeline  *Pipeline
}

func newFixture(t *testing.T, algorithms ...string) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		raw:      filepath.Join(root, "raw_data"),
		proc:     filepath.Join(root, "proc_data"),
		tools:    &fakeToolchain{},
		repo:     newMemRepo(),
		archiver: &fakeArchiver{},
		notifier: &recordingNotifier{},
	}
	if err := os.MkdirAll(f.raw, 0o755); err != nil {
		t.Fatal(err)
	}
	w, err := watcher.New(f.raw, "*.h5", 10*time.Millisecond, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(algorithms) == 0 {
		algorithms = []string{AlgorithmSVMBIR}
	}
	f.pipeline = NewPipeline(Deps{
		Toolchain: f.tools,
		Watcher:   w,
		Repo:      f.repo,
		Archiver:  f.archiver,
		Notifier:  f.notifier,
		Now:       func() time.Time { return fixedNow },
	}, Options{
		ProcDir:      f.proc,
		Pattern:      "*.h5",
		ParamFile:    "params.json",
		Algorithms:   algorithms,
		AlignElement: "Ni_K",
		ICName:       "i0",
		CenterOffset: -0.5,
		MinFiles:     2,
	})
	return f
}

func (f *fixture) addRaw(t *testing.T, names ...string) []string {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(f.raw, n), []byte(n), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	files, err := watcher.Glob(f.raw, "*.h5")
	if err != nil {
		t.Fatal(err)
	}
	return files
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

func TestRunOnce_TooFewFiles(t *testing.T) {
	f := newFixture(t)
	files := f.addRaw(t, "scan_001.h5")

	if err := f.pipeline.RunOnce(context.Background(), files); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	want := []string{StepCreateLogFile, StepProcessProjections}
	if got := f.tools.names(); !equalStrings(got, want) {
		t.Errorf("steps = %v, want %v", got, want)
	}
	if _, err := os.Stat(filepath.Join(f.proc, "scan_001.h5")); err != nil {
		t.Errorf("raw file not copied: %v", err)
	}
	if f.pipeline.processed != 1 {
		t.Errorf("processed = %d, want 1", f.pipeline.processed)
	}

	proc := f.tools.steps[1]
	if v, _ := proc.Flag("skip-processed"); v != "true" {
		t.Errorf("skip-processed = %q, want true", v)
	}
	if v, _ := proc.Flag("ic-name"); v != "i0" {
		t.Errorf("ic-name = %q, want i0", v)
	}
}

func TestRunOnce_Reconstructs(t *testing.T) {
	f := newFixture(t)
	files := f.addRaw(t, "scan_001.h5", "scan_002.h5")

	if err := f.pipeline.RunOnce(context.Background(), files); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	want := []string{
		StepCreateLogFile, StepProcessProjections,
		StepMakeSingleHDF, StepNormalizeProjections, StepNormalizePixelRange,
		StepAlignProjectionsCOM, StepShiftProjections, StepFindCenter,
		StepMakeVolumeSVMBIR, StepExportTIFFProjections, StepExportTIFFVolumes,
	}
	if got := f.tools.names(); !equalStrings(got, want) {
		t.Fatalf("steps = %v, want %v", got, want)
	}

	dir := filepath.Join(f.proc, "svmbir-20221117-143005-002")
	if _, err := os.Stat(filepath.Join(dir, LogFileName)); err != nil {
		t.Errorf("log not copied into reconstruction dir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, SingleFileName)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("single file should be removed, stat error = %v", err)
	}
	if len(f.archiver.dirs) != 1 || f.archiver.dirs[0] != dir {
		t.Errorf("archived = %v, want [%s]", f.archiver.dirs, dir)
	}

	runs, _ := f.repo.ListProcessingRuns(context.Background(), 10)
	if len(runs) != 1 {
		t.Fatalf("processing runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != ledger.ProcessingCompleted || run.Files != 2 || run.Directory != dir {
		t.Errorf("run = %+v", run)
	}
	if run.ArchiveURI != "s3://bucket/svmbir-20221117-143005-002" {
		t.Errorf("ArchiveURI = %q", run.ArchiveURI)
	}
	if len(run.ID) != 26 {
		t.Errorf("ID = %q, want a ULID", run.ID)
	}
	if len(f.notifier.runs) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.runs))
	}

	svmbir := f.tools.steps[8]
	if v, _ := svmbir.Flag("center-offset"); v != "-0.5" {
		t.Errorf("center-offset = %q, want -0.5", v)
	}
}

func TestRunOnce_KeepSingleFile(t *testing.T) {
	f := newFixture(t)
	f.pipeline.opts.KeepSingleFile = true
	files := f.addRaw(t, "a.h5", "b.h5")

	if err := f.pipeline.RunOnce(context.Background(), files); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	dir := ReconstructionDir(f.proc, AlgorithmSVMBIR, fixedNow, 2)
	if _, err := os.Stat(filepath.Join(dir, SingleFileName)); err != nil {
		t.Errorf("single file removed despite KeepSingleFile: %v", err)
	}
}

func TestRunOnce_StepFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.tools.failOn = StepFindCenter
	files := f.addRaw(t, "a.h5", "b.h5")

	err := f.pipeline.RunOnce(context.Background(), files)
	if !errors.Is(err, ErrStepFailed) {
		t.Fatalf("RunOnce() error = %v, want ErrStepFailed", err)
	}

	runs, _ := f.repo.ListProcessingRuns(context.Background(), 10)
	if len(runs) != 1 || runs[0].Status != ledger.ProcessingFailed || runs[0].Error == "" {
		t.Errorf("runs = %+v, want one failed run", runs)
	}
	if len(f.archiver.dirs) != 0 {
		t.Errorf("failed reconstruction was archived")
	}
}

func TestRunOnce_ArchiveFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.archiver.err = errors.New("bucket unreachable")
	files := f.addRaw(t, "a.h5", "b.h5")

	if err := f.pipeline.RunOnce(context.Background(), files); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	runs, _ := f.repo.ListProcessingRuns(context.Background(), 10)
	if runs[0].Status != ledger.ProcessingCompleted || runs[0].ArchiveURI != "" {
		t.Errorf("run = %+v", runs[0])
	}
}

func TestRunOnce_MultipleAlgorithms(t *testing.T) {
	f := newFixture(t, AlgorithmSVMBIR, AlgorithmGridrec)
	files := f.addRaw(t, "a.h5", "b.h5", "c.h5")

	if err := f.pipeline.RunOnce(context.Background(), files); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	var volumes []Step
	for _, s := range f.tools.steps {
		if s.Name == StepMakeVolume || s.Name == StepMakeVolumeSVMBIR {
			volumes = append(volumes, s)
		}
	}
	if len(volumes) != 2 || volumes[0].Name != StepMakeVolumeSVMBIR || volumes[1].Name != StepMakeVolume {
		t.Fatalf("volume steps = %+v", volumes)
	}
	if v, _ := volumes[1].Flag("algorithm"); v != AlgorithmGridrec {
		t.Errorf("algorithm = %q, want gridrec", v)
	}
	if _, ok := volumes[1].Flag("rotation-center"); ok {
		t.Error("rotation-center set without a configured centre")
	}
}

func TestReconstruct_UnsupportedAlgorithm(t *testing.T) {
	f := newFixture(t, "sirt")
	files := f.addRaw(t, "a.h5", "b.h5")

	err := f.pipeline.RunOnce(context.Background(), files)
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("RunOnce() error = %v, want ErrUnsupportedAlgorithm", err)
	}
	for _, name := range f.tools.names() {
		if name == StepMakeSingleHDF {
			t.Error("reconstruction started for an unsupported algorithm")
		}
	}

	if err := f.pipeline.Reconstruct(context.Background(), "mlem", t.TempDir()); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Reconstruct(mlem) error = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestRun_ProcessesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	f.addRaw(t, "a.h5", "b.h5")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		runs, _ := f.repo.ListProcessingRuns(context.Background(), 10)
		if len(runs) == 1 && runs[0].Status == ledger.ProcessingCompleted {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("pipeline did not reconstruct in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRun_UnsupportedAlgorithmStops(t *testing.T) {
	f := newFixture(t, "sirt")
	f.addRaw(t, "a.h5", "b.h5")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.pipeline.Run(ctx); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("Run() error = %v, want ErrUnsupportedAlgorithm", err)
	}
}
