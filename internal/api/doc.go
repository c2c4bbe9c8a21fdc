// Package api implements the monitoring and control server for the
// autoscan sequencer.
//
// This package provides:
//   - REST endpoints for the live sequence snapshot and the run ledger
//   - A WebSocket hub that streams sequence status and projection events
//   - A JWT-protected stop endpoint for ending a sequence early
//   - Middleware stack (request ID, logging, recovery, body size limit)
//
// The hub implements sequence.Notifier so it can be handed to the
// sequencer alongside the MQTT and metrics notifiers:
//
//	hub := api.NewHub(cfg.WebSocket, logger)
//	seq := sequence.New(sequence.Deps{Notifier: sequence.Notifiers{mqttN, hub}}, opts)
//	srv, err := api.New(api.Deps{Hub: hub, Sequence: seq, ...})
//
// # Security
//
// Read endpoints are open. POST /api/v1/sequence/stop requires an HS256
// bearer token signed with security.jwt.secret; with no secret configured
// the control routes answer 403.
package api
