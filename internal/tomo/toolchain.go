package tomo

import (
	"context"
	"fmt"
	"time"

	"github.com/srx-beamline/autoscan/internal/process"
)

// Toolchain executes reconstruction steps.
type Toolchain interface {
	Exec(ctx context.Context, step Step) error
}

// ProcessRunner is satisfied by *process.Runner.
type ProcessRunner interface {
	Run(ctx context.Context, cfg process.Config) (process.Result, error)
}

// CommandToolchain runs each step as a Python module subcommand.
type CommandToolchain struct {
	runner  ProcessRunner
	python  string
	module  string
	workDir string
	timeout time.Duration
}

// NewCommandToolchain runs `<python> -m <module> <step>` in workDir. A zero
// timeout leaves steps unbounded.
func NewCommandToolchain(runner ProcessRunner, python, module, workDir string, timeout time.Duration) *CommandToolchain {
	return &CommandToolchain{
		runner:  runner,
		python:  python,
		module:  module,
		workDir: workDir,
		timeout: timeout,
	}
}

// Exec runs step and waits for it.
func (t *CommandToolchain) Exec(ctx context.Context, step Step) error {
	args := append([]string{"-m", t.module}, step.Args()...)
	_, err := t.runner.Run(ctx, process.Config{
		Name:    "xrf-tomo " + step.Name,
		Binary:  t.python,
		Args:    args,
		WorkDir: t.workDir,
		Timeout: t.timeout,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrStepFailed, step.Name, err)
	}
	return nil
}
