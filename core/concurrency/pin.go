// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// PinCurrentThread pins the calling worker's OS thread via the affinity package.

package concurrency

import "github.com/momentics/squeue/affinity"

// PinCurrentThread pins the current OS thread to cpuID. numaNode has no
// effect on placement, as with affinity.CPUPin, and the temporary CPUPin
// that records it is discarded. Pinning errors are ignored.
func PinCurrentThread(numaNode, cpuID int) {
	var pin affinity.CPUPin
	_ = pin.Pin(cpuID, numaNode)
}
