package databroker

import "errors"

// Sentinel errors for data retrieval.
var (
	// ErrNotReady means the data is not available yet: the run is still
	// being written, the service is busy, or the network failed. Callers retry.
	ErrNotReady = errors.New("databroker: data not ready")

	// ErrPermanent means retrying will not help: bad request, auth failure,
	// or a payload that cannot be decoded.
	ErrPermanent = errors.New("databroker: permanent failure")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNotReady)
}
