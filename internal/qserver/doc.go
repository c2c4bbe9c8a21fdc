// Package qserver is a client for the queue-server run-engine manager.
//
// Plans are submitted for immediate execution, the client waits for the
// manager to return to idle, and the last history item is checked against
// the submitted uid and for a completed exit status.
//
// Idle waiting is bounded: WaitForIdle polls status at a limited rate until
// a per-attempt deadline, and WaitForIdleRetry repeats it with exponential
// backoff before giving up with ErrWaitTimeout.
//
// Usage:
//
//	client := qserver.New(cfg.QueueServer, logger)
//	runner := qserver.NewRunner(client, qserver.RunnerOptions{IdleTimeout: time.Minute})
//	item, err := runner.Run(ctx, qserver.Move("mv", "nano_stage.th", 45000), "rotate")
package qserver
