// Package gateway is the relay's HTTP surface.
//
// It serves the session REST API, the resumable stream over server-sent
// events at /ai/stream and over websockets at /ws/stream, plus health and
// Prometheus metrics. A stream request resolves or creates its session,
// starts the producer if nobody has, then replays everything after the
// client's Last-Event-ID before tailing the live log.
//
// Attached viewers are tracked in a ConnectionRegistry so shutdown can
// detach them without touching the producers, which belong to the session
// store.
package gateway
