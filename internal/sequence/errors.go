package sequence

import "errors"

var (
	// ErrThetaNotFound is returned when the requested start angle is not in the list.
	ErrThetaNotFound = errors.New("sequence: start angle not in theta list")

	// ErrAlreadyRunning is returned when Run is called while a run is active.
	ErrAlreadyRunning = errors.New("sequence: a run is already active")

	// ErrCleanupSkipped means shutters were left open because the manager was busy.
	ErrCleanupSkipped = errors.New("sequence: RE Manager is not idle; shutters cannot be closed")

	// ErrNoRunUID means a completed scan plan produced no run.
	ErrNoRunUID = errors.New("sequence: scan plan produced no run uid")

	// ErrNoAngles means every angle was trimmed or skipped.
	ErrNoAngles = errors.New("sequence: no angles to scan")
)
