// Package arena
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for the byte region backing the squeue registry,
// sync-block pool, and per-consumer rings. Platform-specific backings are
// located in separate files (arena_linux.go, arena_stub.go) guarded by
// build tags, mirroring the affinity package's layout.

package arena

import "github.com/momentics/squeue/api"

// Region is a fixed-size byte slice shared by every process bound to one
// SquashInit call, plus its teardown hook. A Region is never resized after
// construction: SquashInit computes its final size up front.
type Region interface {
	// Bytes returns the backing slice. Callers index into it directly;
	// the region does not own any higher-level layout.
	Bytes() []byte

	// Close releases the region. For a heap region this is a no-op; for a
	// shared-memory region it unmaps and unlinks the segment.
	Close() error
}

// NewHeap allocates a process-local region. Sufficient for unit tests and
// for single-process demonstrations where "producer" and "consumer" are
// goroutines rather than separate OS processes.
func NewHeap(size int) (Region, error) {
	if size <= 0 {
		return nil, api.ErrInvalidArgument
	}
	return &heapRegion{buf: make([]byte, size)}, nil
}

type heapRegion struct {
	buf []byte
}

func (h *heapRegion) Bytes() []byte { return h.buf }
func (h *heapRegion) Close() error  { return nil }

// NewShared allocates a region backed by POSIX shared memory, visible to
// every process that opens the same name. On platforms without a native
// backing (see arena_stub.go) it returns ErrNotSupported unless the caller
// passes allowHeapFallback, in which case it silently degrades to NewHeap
// -- useful for tests that run the same code path cross-platform.
func NewShared(name string, size int, allowHeapFallback bool) (Region, error) {
	r, err := newSharedPlatform(name, size)
	if err == nil {
		return r, nil
	}
	if allowHeapFallback {
		return NewHeap(size)
	}
	return nil, err
}
