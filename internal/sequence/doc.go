// Package sequence drives a tomography projection sequence.
//
// For every rotation angle the sequencer rotates the stage, fly-scans the
// current window through the run-engine manager, and hands the finished scan
// to the scan-window controller, whose output window is used for the next
// angle. Projections are written to the ledger and announced to notifiers.
//
// Shutters are opened once before the first angle and closed in a cleanup
// phase that runs on every exit path, bounded by its own timeout. Cleanup is
// skipped with ErrCleanupSkipped when the manager is still busy, because the
// last plan may still be moving hardware.
package sequence
