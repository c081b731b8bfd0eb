// File: core/ring/ring.go
// Package ring implements the cyclic byte buffer at the bottom of the
// squeue subsystem.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Ring is a fixed-capacity, split-wrap cyclic byte buffer. It owns no
// notion of "tuple" or "status" -- those live one layer up, in a consumer
// slot -- because the read/write cursors alone cannot distinguish a full
// ring from an empty one (both have readPos == writePos). Every higher
// layer that needs that distinction carries its own tuple count and
// passes it into Free/Used.

package ring

// LengthPrefixSize is the width of the length prefix that precedes every
// tuple record placed on a ring (native-endian uint32, matching the
// spec's in-memory, same-host wire format).
const LengthPrefixSize = 4

// Ring is a contiguous byte region used as a cyclic buffer. It is not
// safe for concurrent use; callers serialize access with the consumer
// lock associated with the slot that owns this ring.
type Ring struct {
	buf      []byte
	readPos  uint32
	writePos uint32
}

// New wraps buf as a ring buffer. buf's length becomes the ring's fixed
// capacity for the lifetime of the ring.
func New(buf []byte) *Ring {
	return &Ring{buf: buf}
}

// Cap returns the fixed ring capacity in bytes.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// ReadPos and WritePos expose the raw cursors so a consumer slot can
// persist them (e.g. across a long-tuple fragment boundary).
func (r *Ring) ReadPos() uint32  { return r.readPos }
func (r *Ring) WritePos() uint32 { return r.writePos }

// SetReadPos and SetWritePos let the long-tuple protocol rewind or fast
// forward a cursor explicitly (used when stashing the resume offset at
// the base of the ring between fragments).
func (r *Ring) SetReadPos(p uint32)  { r.readPos = p % uint32(len(r.buf)) }
func (r *Ring) SetWritePos(p uint32) { r.writePos = p % uint32(len(r.buf)) }

// Free reports free bytes given whether the ring currently holds any
// tuples. isEmpty must come from the caller's ntuples bookkeeping: the
// cursors alone cannot tell full from empty when they coincide.
func (r *Ring) Free(isEmpty bool) int {
	if isEmpty {
		return len(r.buf)
	}
	n := len(r.buf)
	diff := int(r.readPos) - int(r.writePos)
	if diff < 0 {
		diff += n
	}
	return diff
}

// Used reports occupied bytes given whether the ring currently holds any
// tuples.
func (r *Ring) Used(isEmpty bool) int {
	return len(r.buf) - r.Free(isEmpty)
}

// Write copies src into the ring at the current write cursor, wrapping
// across the end of the buffer in at most two memcpy-equivalents, and
// advances the write cursor. Callers must have already checked Free.
func (r *Ring) Write(src []byte) {
	r.writePos = r.writeAt(r.writePos, src)
}

// Read copies len(dst) bytes from the ring at the current read cursor
// into dst, wrapping as needed, and advances the read cursor. Callers
// must have already checked Used.
func (r *Ring) Read(dst []byte) {
	r.readPos = r.readAt(r.readPos, dst)
}

// writeAt performs the split-wrap write primitive at an explicit offset
// without touching r.writePos, returning the offset just past the
// written bytes (wrapped). Exposed indirectly via Write; kept private so
// every write goes through the ring's own cursor unless a caller has an
// explicit reason (long-tuple resume-offset header) to bypass it, in
// which case WriteAtOffset below is used instead.
func (r *Ring) writeAt(offset uint32, src []byte) uint32 {
	n := uint32(len(r.buf))
	off := offset % n
	tail := n - off
	if tail >= uint32(len(src)) {
		copy(r.buf[off:], src)
	} else {
		copy(r.buf[off:], src[:tail])
		copy(r.buf[0:], src[tail:])
	}
	return (off + uint32(len(src))) % n
}

// readAt performs the split-wrap read primitive at an explicit offset
// without touching r.readPos.
func (r *Ring) readAt(offset uint32, dst []byte) uint32 {
	n := uint32(len(r.buf))
	off := offset % n
	tail := n - off
	if tail >= uint32(len(dst)) {
		copy(dst, r.buf[off:off+uint32(len(dst))])
	} else {
		copy(dst, r.buf[off:off+tail])
		copy(dst[tail:], r.buf[0:uint32(len(dst))-tail])
	}
	return (off + uint32(len(dst))) % n
}

// WriteAtOffset writes src at an arbitrary offset (used by the long-tuple
// protocol to stash the consumer's resume offset at the ring's base
// without disturbing the normal write cursor). It does not advance any
// cursor.
func (r *Ring) WriteAtOffset(offset uint32, src []byte) {
	r.writeAt(offset, src)
}

// ReadAtOffset reads from an arbitrary offset without advancing any
// cursor.
func (r *Ring) ReadAtOffset(offset uint32, dst []byte) {
	r.readAt(offset, dst)
}

// WriteHeader writes a native-endian uint32 length prefix through the
// ring's normal write cursor, so it participates in split-wrap the same
// as any other write -- the spec calls this out explicitly ("the 4-byte
// length prefix is itself ring-split-safe").
func (r *Ring) WriteHeader(v uint32) {
	var hdr [LengthPrefixSize]byte
	EncodeLength(hdr[:], v)
	r.Write(hdr[:])
}

// ReadHeader reads a native-endian uint32 length prefix through the
// ring's normal read cursor.
func (r *Ring) ReadHeader() uint32 {
	var hdr [LengthPrefixSize]byte
	r.Read(hdr[:])
	return DecodeLength(hdr[:])
}
