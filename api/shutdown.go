// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// GracefulShutdown unifies orderly component teardown.
type GracefulShutdown interface {
	// Shutdown stops all internal services and releases resources,
	// returning an error if teardown could not complete cleanly.
	Shutdown() error
}
