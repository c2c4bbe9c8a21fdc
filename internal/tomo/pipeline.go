package tomo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/watcher"
)

const (
	// LogFileName is the projection log written by CreateLogFile.
	LogFileName = "tomo_info.dat"

	// SingleFileName is the combined projection file built per reconstruction.
	SingleFileName = "tomo.h5"

	// ledgerTimeout bounds ledger writes made after ctx is cancelled.
	ledgerTimeout = 10 * time.Second
)

// Algorithms accepted by Reconstruct.
const (
	AlgorithmSVMBIR  = "svmbir"
	AlgorithmFBP     = "fbp"
	AlgorithmGridrec = "gridrec"
)

// SupportedAlgorithm reports whether Reconstruct accepts alg.
func SupportedAlgorithm(alg string) bool {
	switch alg {
	case AlgorithmSVMBIR, AlgorithmFBP, AlgorithmGridrec:
		return true
	}
	return false
}

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

// Options locate the data and select the reconstruction parameters.
type Options struct {
	ProcDir   string
	Pattern   string
	ParamFile string

	Algorithms     []string
	AlignElement   string
	ICName         string
	CenterOffset   float64
	RotationCenter *float64
	TrimVertical   [2]*int

	// MinFiles is the number of projections needed before reconstructing.
	MinFiles int

	// KeepSingleFile keeps tomo.h5 in the reconstruction directory.
	KeepSingleFile bool
}

// OptionsFromConfig maps the processing config section onto Options.
func OptionsFromConfig(cfg config.ProcessingConfig) Options {
	return Options{
		ProcDir:        cfg.ProcDir,
		Pattern:        cfg.Pattern,
		ParamFile:      cfg.ParamFile,
		Algorithms:     cfg.Algorithms,
		AlignElement:   cfg.AlignElement,
		ICName:         cfg.ICName,
		CenterOffset:   cfg.CenterOffset,
		RotationCenter: cfg.RotationCenter,
		TrimVertical:   cfg.TrimVertical,
		MinFiles:       cfg.MinFiles,
		KeepSingleFile: cfg.KeepSingleFile,
	}
}

// Waiter blocks until more than seen raw files exist. *watcher.Watcher
// satisfies it.
type Waiter interface {
	Wait(ctx context.Context, seen int) ([]string, error)
}

// Archiver stores a finished reconstruction directory and returns its URI.
// An empty URI means archiving is disabled.
type Archiver interface {
	Archive(ctx context.Context, dir string) (string, error)
}

// Deps are the collaborators of a Pipeline. Archiver and Notifier are optional.
type Deps struct {
	Toolchain Toolchain
	Watcher   Waiter
	Repo      ledger.Repository
	Archiver  Archiver
	Notifier  Notifier
	Logger    Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Pipeline copies, fits and reconstructs projections as they arrive.
type Pipeline struct {
	deps Deps
	opts Options

	// processed is the number of files in the processing directory after
	// the last pass.
	processed int
}

// NewPipeline creates a Pipeline.
func NewPipeline(deps Deps, opts Options) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.MinFiles < 1 {
		opts.MinFiles = 2
	}
	return &Pipeline{deps: deps, opts: opts}
}

// Run waits for new raw files and processes them until ctx is done.
// Step failures are logged and the pipeline waits for more data; an
// unsupported algorithm ends it.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		files, err := p.deps.Watcher.Wait(ctx, p.processed)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("waiting for data: %w", err)
		}
		p.deps.Logger.Info("data files available", "count", len(files))

		if err := p.RunOnce(ctx, files); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnsupportedAlgorithm) {
				return err
			}
			p.deps.Logger.Error("processing pass failed; waiting for more data", "error", err)
		}
	}
}

// RunOnce processes one batch of raw files: copy, log, fit and reconstruct.
func (p *Pipeline) RunOnce(ctx context.Context, files []string) error {
	o := p.opts
	log := p.deps.Logger

	copied, err := watcher.CopyNew(files, o.ProcDir)
	if err != nil {
		return fmt.Errorf("copying raw files: %w", err)
	}
	if len(copied) > 0 {
		log.Info("copied new projections", "count", len(copied), "dir", o.ProcDir)
	}

	procFiles, err := watcher.Glob(o.ProcDir, o.Pattern)
	if err != nil {
		return err
	}
	n := len(procFiles)
	p.processed = n

	logPath := filepath.Join(o.ProcDir, LogFileName)
	if err := p.deps.Toolchain.Exec(ctx, CreateLogFile(logPath, o.ProcDir)); err != nil {
		return err
	}
	if err := p.deps.Toolchain.Exec(ctx, ProcessProjections(o.ProcDir, o.ParamFile, logPath, o.ICName)); err != nil {
		return err
	}

	if n < o.MinFiles {
		log.Info("not enough projections to reconstruct", "files", n, "min_files", o.MinFiles)
		return nil
	}

	for _, alg := range o.Algorithms {
		if err := p.reconstructRun(ctx, alg, n, logPath); err != nil {
			return err
		}
	}
	return nil
}

// ReconstructionDir names the output directory of one reconstruction.
func ReconstructionDir(procDir, alg string, at time.Time, files int) string {
	return filepath.Join(procDir, fmt.Sprintf("%s-%s-%03d", alg, at.Format("20060102-150405"), files))
}

// reconstructRun reconstructs into a fresh directory and records the run.
func (p *Pipeline) reconstructRun(ctx context.Context, alg string, files int, logPath string) error {
	if !SupportedAlgorithm(alg) {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	started := p.deps.Now()
	dir := ReconstructionDir(p.opts.ProcDir, alg, started, files)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	if err := watcher.CopyFile(logPath, filepath.Join(dir, LogFileName)); err != nil {
		return err
	}

	run := &ledger.ProcessingRun{
		ID:        ulid.Make().String(),
		Algorithm: alg,
		Directory: dir,
		Files:     files,
		Status:    ledger.ProcessingRunning,
		StartedAt: started.UTC(),
	}
	if err := p.deps.Repo.CreateProcessingRun(ctx, run); err != nil {
		p.deps.Logger.Error("recording processing run failed", "id", run.ID, "error", err)
	}

	p.deps.Logger.Info("starting reconstruction", "algorithm", alg, "dir", dir, "files", files)
	err := p.Reconstruct(ctx, alg, dir)
	if err == nil {
		p.deps.Logger.Info("reconstruction finished", "algorithm", alg, "dir", dir)
		if !p.opts.KeepSingleFile {
			if rmErr := os.Remove(filepath.Join(dir, SingleFileName)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				p.deps.Logger.Warn("removing single file failed", "dir", dir, "error", rmErr)
			}
		}
		p.archive(ctx, run)
	}

	p.finish(ctx, run, started, err)
	return err
}

func (p *Pipeline) archive(ctx context.Context, run *ledger.ProcessingRun) {
	if p.deps.Archiver == nil {
		return
	}
	uri, err := p.deps.Archiver.Archive(ctx, run.Directory)
	if err != nil {
		p.deps.Logger.Warn("archiving reconstruction failed", "dir", run.Directory, "error", err)
		return
	}
	run.ArchiveURI = uri
}

func (p *Pipeline) finish(ctx context.Context, run *ledger.ProcessingRun, started time.Time, err error) {
	now := p.deps.Now().UTC()
	run.CompletedAt = &now
	run.Status = ledger.ProcessingCompleted
	if err != nil {
		run.Status = ledger.ProcessingFailed
		run.Error = err.Error()
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ledgerTimeout)
	defer cancel()
	if uerr := p.deps.Repo.UpdateProcessingRun(wctx, run); uerr != nil {
		p.deps.Logger.Error("updating processing run failed", "id", run.ID, "error", uerr)
	}
	p.deps.Notifier.ProcessingFinished(*run, now.Sub(started.UTC()))
}

// Reconstruct builds the single file in dir and reconstructs it with alg.
func (p *Pipeline) Reconstruct(ctx context.Context, alg, dir string) error {
	o := p.opts
	fn := filepath.Join(dir, SingleFileName)

	var volume Step
	switch alg {
	case AlgorithmSVMBIR:
		volume = MakeVolumeSVMBIR(fn, dir, o.CenterOffset)
	case AlgorithmFBP, AlgorithmGridrec:
		volume = MakeVolume(fn, dir, alg, o.RotationCenter)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	steps := []Step{
		MakeSingleHDF(fn, filepath.Join(dir, LogFileName), o.ProcDir, o.TrimVertical),
		NormalizeProjections(fn, dir),
		NormalizePixelRange(fn, dir),
		AlignProjectionsCOM(fn, o.AlignElement, dir),
		ShiftProjections(fn, dir),
		FindCenter(fn, o.AlignElement, dir),
		volume,
		ExportTIFFProjections(fn, dir),
		ExportTIFFVolumes(fn, dir),
	}
	for _, step := range steps {
		if err := p.deps.Toolchain.Exec(ctx, step); err != nil {
			return err
		}
	}
	return nil
}
