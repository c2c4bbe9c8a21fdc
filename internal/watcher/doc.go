// Package watcher polls a directory for new data files.
//
// Detectors write one HDF5 file per projection into the raw data directory.
// The reconstruction pipeline waits until the number of matching files
// grows, lets the writer settle, then copies the new files into its own
// working directory:
//
//	w, err := watcher.New(cfg.RawDir, "*.h5", time.Second, 30*time.Second, logger)
//	files, err := w.Wait(ctx, len(processed))
//	copied, err := watcher.CopyNew(files, cfg.ProcDir)
//
// Polling is used instead of filesystem notifications because the raw data
// directory is usually on a network mount.
package watcher
