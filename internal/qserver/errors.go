package qserver

import (
	"errors"
	"fmt"
)

// Sentinel errors for run-engine manager operations.
var (
	// ErrWaitTimeout means the manager did not become idle in time.
	ErrWaitTimeout = errors.New("qserver: timed out waiting for idle")

	// ErrRequestFailed means the manager rejected a request or returned a
	// non-2xx status.
	ErrRequestFailed = errors.New("qserver: request failed")

	// ErrItemMismatch means the last history item is not the one submitted.
	ErrItemMismatch = errors.New("qserver: history item does not match submitted item")

	// ErrEnvironmentUnavailable means the worker environment could not be opened.
	ErrEnvironmentUnavailable = errors.New("qserver: worker environment unavailable")

	// ErrHistoryEmpty means the plan history has no items.
	ErrHistoryEmpty = errors.New("qserver: plan history is empty")
)

// PlanError reports a plan that finished with an exit status other than completed.
type PlanError struct {
	ItemUID     string
	Description string
	ExitStatus  string
	Msg         string
	Traceback   string
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("qserver: plan %q (%s) exited with status %q: %s",
		e.Description, e.ItemUID, e.ExitStatus, e.Msg)
}
