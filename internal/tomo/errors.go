package tomo

import "errors"

var (
	// ErrUnsupportedAlgorithm is returned for reconstruction algorithms other
	// than svmbir, fbp and gridrec. It stops the pipeline.
	ErrUnsupportedAlgorithm = errors.New("tomo: unsupported reconstruction algorithm")

	// ErrStepFailed wraps a toolchain step that did not complete.
	ErrStepFailed = errors.New("tomo: toolchain step failed")
)
