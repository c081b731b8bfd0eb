// File: core/overflow/store.go
// Package overflow implements the producer-local spill buffer (the
// Overflow Store of spec.md 3, C2's auxiliary) used when a consumer's
// ring is full.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The store is a plain in-process FIFO with two read cursors: a bookmark
// (the position to roll back to if a trial dequeue doesn't fit the ring)
// and an advancing cursor (the trial position). It never needs shared-
// memory access, durability, or ordering against other consumers -- the
// spec calls all three out as unnecessary. github.com/eapache/queue
// already gives O(1) indexed Get/Add/Remove over a growable ring of
// interface{}, which is exactly the access pattern Dump needs, so this
// type is a thin domain layer over it rather than a hand-rolled slice.

package overflow

import (
	"github.com/eapache/queue"
)

// DefaultWorkingMemoryLimit bounds how many bytes of tuple payload a
// single consumer's overflow store will hold before OverLimit starts
// reporting pressure. It is advisory, not a hard cap: spec.md leaves the
// over-limit behavior unspecified, and dropping producer data here would
// violate the "no double delivery / exactly once for ACTIVE slots"
// testable property, so this implementation reports the pressure via
// OverLimit rather than discarding tuples.
const DefaultWorkingMemoryLimit = 64 * 1024 * 1024

// Store is a per-consumer, producer-local spill FIFO.
type Store struct {
	q         *queue.Queue
	bookmark  int
	advancing int
	bytes     int
	limit     int

	overflowed bool
}

// New creates an empty store bounded by limit bytes (0 uses the default).
func New(limit int) *Store {
	if limit <= 0 {
		limit = DefaultWorkingMemoryLimit
	}
	return &Store{q: queue.New(), limit: limit}
}

// Empty reports whether the store currently holds any tuples.
func (s *Store) Empty() bool { return s.q.Length() == 0 }

// Len reports the number of tuples currently buffered.
func (s *Store) Len() int { return s.q.Length() }

// Bytes reports total payload bytes currently buffered.
func (s *Store) Bytes() int { return s.bytes }

// OverLimit reports whether the store has exceeded its configured
// working-memory limit since it was created or last Reset. Trimming
// below the limit does not clear it.
func (s *Store) OverLimit() bool { return s.overflowed }

// Append adds a copy of payload to the tail of the store. The store
// takes its own copy because the caller may reuse or return payload's
// backing array (e.g. to a byte pool) as soon as Write returns.
func (s *Store) Append(payload []byte) {
	owned := make([]byte, len(payload))
	copy(owned, payload)
	s.q.Add(owned)
	s.bytes += len(owned)
	if s.bytes > s.limit {
		s.overflowed = true
	}
}

// Bookmark records the advancing cursor's current position as the
// rollback point, per Dump step "copy pointer 1 to pointer 0".
func (s *Store) Bookmark() {
	s.bookmark = s.advancing
}

// Fetch returns the tuple at the advancing cursor and moves the cursor
// forward, or ok=false at store-EOF (advancing cursor has caught up to
// the tail).
func (s *Store) Fetch() (payload []byte, ok bool) {
	if s.advancing >= s.q.Length() {
		return nil, false
	}
	v := s.q.Get(s.advancing)
	s.advancing++
	return v.([]byte), true
}

// Rollback resets the advancing cursor to the last bookmark, undoing any
// trial fetches made since.
func (s *Store) Rollback() {
	s.advancing = s.bookmark
}

// Trim permanently removes every tuple up to the bookmark, freeing their
// memory, and re-bases both cursors to zero.
func (s *Store) Trim() {
	for i := 0; i < s.bookmark; i++ {
		v := s.q.Remove()
		s.bytes -= len(v.([]byte))
	}
	s.advancing -= s.bookmark
	s.bookmark = 0
}

// Reset drops every buffered tuple, used when a slot is discarded
// (spec.md 4.2.3: "if the slot is not ACTIVE, drop the overflow store").
func (s *Store) Reset() {
	for s.q.Length() > 0 {
		s.q.Remove()
	}
	s.bookmark, s.advancing, s.bytes, s.overflowed = 0, 0, 0, false
}
