package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrExitStatus is returned when the command exits with a non-zero code.
var ErrExitStatus = errors.New("process: non-zero exit status")

const (
	defaultGracefulTimeout = 10 * time.Second

	// maxLineSize bounds a single captured output line.
	maxLineSize = 1 << 20
)

// Config describes one command invocation.
type Config struct {
	// Name identifies the command in logs.
	Name string

	Binary string
	Args   []string

	// Env is appended to the parent environment.
	Env []string

	// WorkDir defaults to the parent's working directory.
	WorkDir string

	// Timeout bounds the run. Zero means no limit beyond ctx.
	Timeout time.Duration

	// GracefulTimeout is the wait between SIGTERM and SIGKILL.
	GracefulTimeout time.Duration
}

// Result describes a finished command.
type Result struct {
	ExitCode int
	Duration time.Duration
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

// Runner executes commands to completion.
type Runner struct {
	logger Logger
}

// NewRunner creates a Runner. A nil logger discards output.
func NewRunner(logger Logger) *Runner {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Runner{logger: logger}
}

// Run starts the command and waits for it to exit. A non-zero exit is
// reported as ErrExitStatus with the code in Result. When ctx is done the
// process group is terminated and ctx.Err() is returned.
func (r *Runner) Run(ctx context.Context, cfg Config) (Result, error) {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	cmd := exec.Command(cfg.Binary, cfg.Args...) //nolint:gosec // binary comes from operator configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if cfg.Env != nil {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("creating stderr pipe: %w", err)
	}

	r.logger.Info("starting process", "name", cfg.Name, "binary", cfg.Binary, "args", cfg.Args)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("starting %s: %w", cfg.Name, err)
	}
	pid := cmd.Process.Pid

	var wg sync.WaitGroup
	wg.Add(2)
	go r.captureOutput(&wg, cfg.Name, "stdout", stdout)
	go r.captureOutput(&wg, cfg.Name, "stderr", stderr)

	// Pipes must be drained before Wait.
	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- cmd.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		r.terminate(cfg, pid, done)
		res := Result{ExitCode: -1, Duration: time.Since(start)}
		return res, fmt.Errorf("%s: %w", cfg.Name, ctx.Err())
	}

	res := Result{Duration: time.Since(start)}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			res.ExitCode = -1
			return res, fmt.Errorf("waiting for %s: %w", cfg.Name, waitErr)
		}
		res.ExitCode = exitErr.ExitCode()
		r.logger.Warn("process failed", "name", cfg.Name, "exit_code", res.ExitCode, "duration", res.Duration)
		return res, fmt.Errorf("%w: %s exited with code %d", ErrExitStatus, cfg.Name, res.ExitCode)
	}

	r.logger.Info("process finished", "name", cfg.Name, "duration", res.Duration)
	return res, nil
}

// terminate signals the process group and waits for done, escalating to
// SIGKILL after the graceful timeout.
func (r *Runner) terminate(cfg Config, pid int, done <-chan error) {
	r.logger.Info("stopping process", "name", cfg.Name, "pid", pid)

	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Warn("failed to send SIGTERM to process group", "name", cfg.Name, "error", err)
	}

	timer := time.NewTimer(cfg.GracefulTimeout)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
		r.logger.Warn("graceful shutdown timeout, sending SIGKILL", "name", cfg.Name, "timeout", cfg.GracefulTimeout)
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		r.logger.Error("failed to send SIGKILL to process group", "name", cfg.Name, "error", err)
	}
	<-done
}

func (r *Runner) captureOutput(wg *sync.WaitGroup, name, stream string, rd io.Reader) {
	defer wg.Done()

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		if stream == "stderr" {
			r.logger.Warn("process output", "name", name, "stream", stream, "line", scanner.Text())
		} else {
			r.logger.Info("process output", "name", name, "stream", stream, "line", scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		r.logger.Debug("output stream closed", "name", name, "stream", stream, "error", err)
		// Keep draining so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, rd)
	}
}
