// Package tomo drives the XRF tomography reconstruction pipeline.
//
// Raw projection files are copied from the detector directory into a
// processing directory, fitted with the spectrum model and, once enough
// projections exist, reconstructed with each configured algorithm into
// its own directory named <algorithm>-<YYYYmmdd-HHMMSS>-<NNN>.
//
// The numerical work is done by an external toolchain. CommandToolchain
// runs each step as
//
//	<python> -m <module> <step> --key value ...
//
// through the process package, so a step can be cancelled and its output
// lands in the service log.
package tomo
