// File: core/squeue/longtuple.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Long-Tuple Protocol (C7): fragmented push/pull of tuples larger than a
// single ring, per spec.md 4.5. A ring is "empty" for the purpose of this
// protocol whenever NTuples is 0 (never started) or LongTupleSentinel
// (mid-transfer, consumer has drained the current fragment and is
// waiting on the next one) -- invariant 1 calls the sentinel state out as
// the one exception to the usual ntuples==0<=>read_pos==write_pos
// equivalence, so both values are treated as "ring free for the next
// fragment" here and in Ring.Free's callers.

package squeue

import "github.com/momentics/squeue/core/ring"

// isRingEmptyForLongTuple reports whether slot's ring is available to
// receive the next long-tuple fragment.
func isRingEmptyForLongTuple(slot *ConsumerSlot) bool {
	return slot.NTuples == 0 || slot.IsLongTuple()
}

// pushLongTupleFragment writes one fragment of tuple into slot's ring,
// called only while the ring is empty (spec.md 4.5, Push). It reports
// whether the whole tuple has now been written.
func pushLongTupleFragment(slot *ConsumerSlot, tuple []byte) (done bool) {
	r := slot.Ring
	// -1 keeps the same byte of slack as Write's fit check; Read uses the
	// same Cap-5 bound to decide that a tuple is a long one.
	chunkCap := uint32(r.Cap() - ring.LengthPrefixSize - 1)
	total := uint32(len(tuple))

	var offset uint32
	if slot.IsLongTuple() {
		var hdr [ring.LengthPrefixSize]byte
		r.ReadAtOffset(0, hdr[:])
		offset = ring.DecodeLength(hdr[:])
	}

	remaining := total - offset
	chunk := remaining
	if chunk > chunkCap {
		chunk = chunkCap
	}

	// Every fragment starts at the ring's base. The consumer reads the
	// first fragment's header at its read cursor, so move that to the
	// base too (later fragments: readNextFragmentHeader does the same).
	r.SetReadPos(0)
	r.SetWritePos(0)
	if offset == 0 {
		r.WriteHeader(total)
	} else {
		r.WriteHeader(remaining)
	}
	r.Write(tuple[offset : offset+chunk])
	slot.NTuples = 1

	return offset+chunk == total
}

// pullLongTupleFragment reads up to one ring's worth of payload starting
// at dest[offset:], returning the new offset and whether the whole tuple
// has now been fully read (spec.md 4.5, Pull step 1-2).
func pullLongTupleFragment(slot *ConsumerSlot, dest []byte, offset, total uint32) (newOffset uint32, done bool) {
	r := slot.Ring
	// Same Cap-5 fragment size as pushLongTupleFragment.
	chunkCap := uint32(r.Cap() - ring.LengthPrefixSize - 1)
	remaining := total - offset
	chunk := remaining
	if chunk > chunkCap {
		chunk = chunkCap
	}
	r.Read(dest[offset : offset+chunk])
	newOffset = offset + chunk
	return newOffset, newOffset == total
}

// markPullWaiting implements Pull step 3's hand-off: stash the consumed
// offset at the ring's base as the producer's cue, and mark the slot
// LONG_TUPLE so the ring reads as "empty" until the producer replies.
func markPullWaiting(slot *ConsumerSlot, offset uint32) {
	var hdr [ring.LengthPrefixSize]byte
	ring.EncodeLength(hdr[:], offset)
	slot.Ring.WriteAtOffset(0, hdr[:])
	slot.NTuples = LongTupleSentinel
}

// readNextFragmentHeader reads the producer's remaining-length header for
// the next fragment, sanity-checked against expected.
func readNextFragmentHeader(slot *ConsumerSlot, expected uint32) (uint32, bool) {
	slot.Ring.SetReadPos(0)
	v := slot.Ring.ReadHeader()
	return v, v == expected
}
