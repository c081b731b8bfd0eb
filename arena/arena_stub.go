//go:build !linux
// +build !linux

// File: arena/arena_stub.go
// Author: momentics <momentics@gmail.com>
//
// Stub for platforms without a native shared-memory backing in this
// module. Mirrors affinity/affinity_stub.go.

package arena

import "github.com/momentics/squeue/api"

func newSharedPlatform(name string, size int) (Region, error) {
	return nil, api.ErrNotSupported
}
