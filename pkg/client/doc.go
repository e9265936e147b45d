// Package client implements the reconnecting stream consumer.
//
// A Resumer attaches to a session through a Transport, accumulates text
// and persists its cursor in a StateStore after every chunk. On a
// transport failure it reconnects with the last id it saw, up to
// MaxRetries times, waiting RetryDelay between attempts. Receiving data
// resets the attempt counter.
//
// State can live in memory, in one JSON file per session, or in SQLite.
package client
