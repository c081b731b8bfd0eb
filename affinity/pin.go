// File: affinity/pin.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// CPUPin adapts SetAffinity to api.Affinity so callers can depend on the
// interface rather than the package-level function directly.

package affinity

import "github.com/momentics/squeue/api"

// CPUPin implements api.Affinity on top of SetAffinity. NUMA node
// tracking is best-effort bookkeeping only: none of the supported
// platforms expose a matching "get NUMA node of calling thread" call, so
// Get reports whatever was last requested via Pin.
type CPUPin struct {
	cpuID, numaID int
	pinned        bool
}

// Pin locks the current OS thread to cpuID. numaID is recorded for Get
// but does not otherwise affect placement.
func (c *CPUPin) Pin(cpuID, numaID int) error {
	if err := SetAffinity(cpuID); err != nil {
		return err
	}
	c.cpuID, c.numaID, c.pinned = cpuID, numaID, true
	return nil
}

// Unpin clears the recorded affinity. The underlying OS thread affinity
// mask is left as-is: none of the supported platforms offer a portable
// "restore previous mask" call, only "set a new one".
func (c *CPUPin) Unpin() error {
	c.pinned = false
	return nil
}

// Get returns the CPU/NUMA pair last passed to Pin.
func (c *CPUPin) Get() (cpuID, numaID int, err error) {
	if !c.pinned {
		return -1, -1, api.ErrInvalidArgument
	}
	return c.cpuID, c.numaID, nil
}

var _ api.Affinity = (*CPUPin)(nil)
