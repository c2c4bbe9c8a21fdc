// Package databroker retrieves scan arrays from the beamline data service.
//
// HTTPSource talks to a Tiled-style REST endpoint and returns dense
// float64 arrays. CachedSource puts a Redis cache in front of any Source so
// a restarted sequence does not refetch large detector cubes.
//
// Failures are classified: ErrNotReady covers conditions that clear up on
// their own (run still being written, 5xx, network errors), ErrPermanent
// covers everything else.
package databroker
