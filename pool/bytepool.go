// File: pool/bytepool.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// BytePool is a size-classed sync.Pool of byte slices, grounded on the
// teacher's pool.BytePool (Get/Put over a NUMA-aware backing pool with a
// make() fallback) but stripped of the NUMA layer: squeue tuples are
// short-lived scratch buffers assembled by a caller and hand off their
// bytes into a queue, not long-lived NUMA-pinned network buffers, so a
// single process-wide pool is enough.

package pool

import "sync"

// sizeClass buckets a byte pool request the same way the teacher's
// buffer pools do: round up to the next power of two, at least 64. The
// maxClass cap is applied by Acquire and Release, not here.
func sizeClass(n int) int {
	c := 64
	for c < n {
		c <<= 1
	}
	return c
}

// BytePool implements api.BytePool with a fixed set of size-classed
// sync.Pools, falling back to a plain make() for anything larger than
// maxClass.
type BytePool struct {
	maxClass int
	classes  sync.Map // int -> *sync.Pool
}

// NewBytePool creates a BytePool that pools slices up to maxClass bytes.
func NewBytePool(maxClass int) *BytePool {
	if maxClass <= 0 {
		maxClass = 1 << 20
	}
	return &BytePool{maxClass: maxClass}
}

func (p *BytePool) poolFor(class int) *sync.Pool {
	if v, ok := p.classes.Load(class); ok {
		return v.(*sync.Pool)
	}
	np := &sync.Pool{New: func() any {
		b := make([]byte, class)
		return &b
	}}
	actual, _ := p.classes.LoadOrStore(class, np)
	return actual.(*sync.Pool)
}

// Acquire returns a slice of at least n bytes, drawn from the matching
// size class's pool when n is within maxClass.
func (p *BytePool) Acquire(n int) []byte {
	class := sizeClass(n)
	if class > p.maxClass {
		return make([]byte, n)
	}
	buf := p.poolFor(class).Get().(*[]byte)
	return (*buf)[:n]
}

// Release returns buf to its size class's pool. Buffers larger than
// maxClass, or whose capacity doesn't match a size class exactly (a
// re-sliced buffer), are simply dropped for the GC to collect.
func (p *BytePool) Release(buf []byte) {
	class := cap(buf)
	if class == 0 || class > p.maxClass || sizeClass(class) != class {
		return
	}
	full := buf[:class]
	p.poolFor(class).Put(&full)
}
