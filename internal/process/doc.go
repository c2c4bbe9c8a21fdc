// Package process runs one-shot subprocesses such as reconstruction
// toolchain steps.
//
// Each command runs in its own process group so that cancelling the context
// signals the whole tree: SIGTERM first, SIGKILL once the graceful timeout
// expires. Output is forwarded to the logger line by line.
//
// Example usage:
//
//	r := process.NewRunner(logger)
//	res, err := r.Run(ctx, process.Config{
//	    Name:   "find_center",
//	    Binary: "python3",
//	    Args:   []string{"-m", "xrf_tomo.cli", "find_center", "--fn", "tomo.h5"},
//	})
package process
