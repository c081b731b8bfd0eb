// File: core/squeue/transfer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Transfer Engine (C6): Write, Dump, Read and CanPause, per spec.md 4.4.

package squeue

import (
	"github.com/momentics/squeue/api"
	"github.com/momentics/squeue/core/ring"
)

// Write implements spec.md 4.4's Write: producer-only, appends tuple to
// slot i's overflow store, opportunistically framing it (and anything
// else waiting in the store) straight into the ring when there is room.
// Writes to a slot that is no longer ACTIVE are silently dropped: the
// consumer that would have read them is already gone.
func Write(entry *Entry, i int, tuple []byte) {
	ctk := entry.LockConsumerDirect(i)
	defer entry.UnlockConsumer(ctk)

	slot := &entry.Consumers[i]
	if slot.Status != StatusActive {
		return
	}

	store := entry.Overflow[i]
	// needed leaves one byte of slack (see dumpLocked) so a fit never
	// exactly exhausts the ring's free space.
	needed := ring.LengthPrefixSize + len(tuple) + 1
	if store.Empty() && slot.Ring.Free(isRingEmptyForLongTuple(slot)) >= needed {
		slot.Ring.WriteHeader(uint32(len(tuple)))
		slot.Ring.Write(tuple)
		slot.NTuples++
	} else {
		store.Append(tuple)
		dumpLocked(entry, i)
	}
	entry.sync.ConsumerSignal(i).Fire()
}

// Dump implements spec.md 4.4's Dump: producer-only, drains as much of
// slot i's overflow store into its ring as currently fits, invoking the
// Long-Tuple Push protocol (spec.md 4.5) for a tuple too large for even
// an empty ring. Dump takes consumer_lock[i] itself, so callers must not
// already hold it; Finish and Write, which do, call dumpLocked instead.
func Dump(entry *Entry, i int) {
	ctk := entry.LockConsumerDirect(i)
	defer entry.UnlockConsumer(ctk)
	dumpLocked(entry, i)
}

// dumpLocked is Dump's body, factored out so Write can call it without
// re-acquiring a lock it already holds.
func dumpLocked(entry *Entry, i int) {
	slot := &entry.Consumers[i]
	store := entry.Overflow[i]

	for !store.Empty() {
		payload, ok := store.Fetch()
		if !ok {
			return
		}

		empty := isRingEmptyForLongTuple(slot)
		needed := ring.LengthPrefixSize + len(payload) + 1
		free := slot.Ring.Free(empty)

		if free < needed {
			if empty {
				// Doesn't even fit in a fully empty ring: fragment it.
				// A fragment that isn't the final one leaves the tuple
				// in the store (Rollback) so the next Dump re-fetches
				// the same bytes and resumes from the offset the
				// consumer stashed in the ring.
				done := pushLongTupleFragment(slot, payload)
				if done {
					store.Bookmark()
					store.Trim()
				} else {
					store.Rollback()
				}
				entry.sync.ConsumerSignal(i).Fire()
				return
			}
			store.Rollback()
			return
		}

		slot.Ring.WriteHeader(uint32(len(payload)))
		slot.Ring.Write(payload)
		slot.NTuples++
		store.Bookmark()
		store.Trim()
	}
}

// CanPause reports whether the producer may safely pause pulling more
// input without risking an unbounded overflow-store build-up: true so
// long as every consumer's spill store is still within its configured
// working-memory limit (spec.md 4.4, 9's backpressure note).
func CanPause(entry *Entry) bool {
	for _, s := range entry.Overflow {
		if s.OverLimit() {
			return false
		}
	}
	return true
}

// Read implements spec.md 4.4's Read: consumer-only, blocking unless
// canWait is false. It returns the next tuple, reachedEOF once the
// producer has Finished and no more data remains, or ErrProducerFailed
// once the producer has failed this slot.
func Read(entry *Entry, i int, canWait bool) (payload []byte, reachedEOF bool, err error) {
	ptk := entry.RLockProducer()
	ctk := entry.LockConsumer(ptk, i)
	slot := &entry.Consumers[i]

	for {
		if slot.Status == StatusError {
			entry.UnlockConsumer(ctk)
			entry.UnlockProducer(ptk)
			return nil, false, api.NewError(api.ErrCodeProducerFailed, api.ErrProducerFailed).WithContext("queue", entry.Name).WithContext("slot", i)
		}

		if !isRingEmptyForLongTuple(slot) {
			break
		}
		// Ring empty: either nothing has ever been written (NTuples==0)
		// or this slot is mid long-tuple transfer waiting on the
		// producer's next fragment (IsLongTuple). Either way there is
		// nothing to read right now.
		if slot.NTuples == 0 && slot.Status == StatusEOF {
			slot.Status = StatusDone
			slot.hasSignal = false
			entry.sync.ProducerSignal.Fire()
			entry.UnlockConsumer(ctk)
			entry.UnlockProducer(ptk)
			return nil, true, nil
		}
		if !canWait {
			entry.UnlockConsumer(ctk)
			entry.UnlockProducer(ptk)
			return nil, false, nil
		}
		sig := entry.sync.ConsumerSignal(i)
		sig.Reset()
		entry.UnlockConsumer(ctk)
		entry.UnlockProducer(ptk)
		sig.Wait()
		ptk = entry.RLockProducer()
		ctk = entry.LockConsumer(ptk, i)
	}

	length := slot.Ring.ReadHeader()
	payload = make([]byte, length)

	// -1: the same byte of slack that Write's fit check and the long-tuple
	// fragment size (chunkCap in longtuple.go) reserve.
	if int(length) > slot.Ring.Cap()-ring.LengthPrefixSize-1 {
		var offset uint32
		for {
			newOffset, done := pullLongTupleFragment(slot, payload, offset, length)
			offset = newOffset
			if done {
				slot.NTuples = 0
				break
			}
			markPullWaiting(slot, offset)
			entry.sync.ProducerSignal.Fire()
			sig := entry.sync.ConsumerSignal(i)
			sig.Reset()
			entry.UnlockConsumer(ctk)
			entry.UnlockProducer(ptk)
			sig.Wait()
			ptk = entry.RLockProducer()
			ctk = entry.LockConsumer(ptk, i)
			if _, ok := readNextFragmentHeader(slot, length-offset); !ok {
				entry.UnlockConsumer(ctk)
				entry.UnlockProducer(ptk)
				return nil, false, api.NewError(api.ErrCodeCorruption, api.ErrCorruption).WithContext("queue", entry.Name).WithContext("slot", i)
			}
		}
	} else {
		slot.Ring.Read(payload)
		slot.NTuples--
	}

	entry.UnlockConsumer(ctk)
	entry.UnlockProducer(ptk)
	return payload, false, nil
}
