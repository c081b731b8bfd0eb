// File: core/squeue/squeue_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package squeue

import (
	"errors"
	"testing"
	"time"

	"github.com/momentics/squeue/api"
	"github.com/momentics/squeue/arena"
)

func newTestRegistry(t *testing.T, numQueues, maxNodes, regionBytes int) *Registry {
	t.Helper()
	region, err := arena.NewHeap(regionBytes)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	r, err := NewRegistry(region, RegistryOptions{
		NumQueues:   numQueues,
		MaxNodes:    maxNodes,
		RegionBytes: regionBytes,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestAcquireCreatesThenSharesEntry(t *testing.T) {
	r := newTestRegistry(t, 4, 4, 1<<16)

	e1, err := r.Acquire("orders", 3)
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}
	if e1.Refcount != 1 {
		t.Fatalf("Refcount after first Acquire = %d, want 1", e1.Refcount)
	}

	e2, err := r.Acquire("orders", 3)
	if err != nil {
		t.Fatalf("Acquire #2: %v", err)
	}
	if e1 != e2 {
		t.Fatal("second Acquire returned a different entry for the same name")
	}
	if e2.Refcount != 2 {
		t.Fatalf("Refcount after second Acquire = %d, want 2", e2.Refcount)
	}
}

func TestAcquireCapacityExhausted(t *testing.T) {
	r := newTestRegistry(t, 1, 4, 1<<16)
	if _, err := r.Acquire("a", 2); err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	if _, err := r.Acquire("b", 2); err != api.ErrCapacityExhausted {
		t.Fatalf("Acquire b: err = %v, want ErrCapacityExhausted", err)
	}
}

func TestBindProducerThenConsumer(t *testing.T) {
	r := newTestRegistry(t, 4, 4, 1<<16)
	if _, err := r.Acquire("q", 2); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	pres, err := r.Bind("q", 100, 0, []int{1, 2}, []int{0, 1, 2})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	if !pres.IsProducer {
		t.Fatal("first Bind did not become the producer")
	}
	if pres.ConsumerMap[0].Code != DistSelf {
		t.Fatalf("consumer_map[0].Code = %v, want DistSelf", pres.ConsumerMap[0].Code)
	}
	if pres.ConsumerMap[1].Code != DistSlot {
		t.Fatalf("consumer_map[1].Code = %v, want DistSlot", pres.ConsumerMap[1].Code)
	}

	cres, err := r.Bind("q", 200, 1, []int{1, 2}, nil)
	if err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}
	if cres.IsProducer {
		t.Fatal("second Bind incorrectly became the producer")
	}
	if cres.SelfIndex != pres.ConsumerMap[1].Slot {
		t.Fatalf("consumer SelfIndex = %d, want %d", cres.SelfIndex, pres.ConsumerMap[1].Slot)
	}
}

func TestBindConsumerFromUnlistedNode(t *testing.T) {
	r := newTestRegistry(t, 4, 4, 1<<16)
	if _, err := r.Acquire("q", 2); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := r.Bind("q", 100, 0, []int{1, 2}, []int{0, 1, 2}); err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	if _, err := r.Bind("q", 200, 9, []int{1, 2}, nil); !errors.Is(err, api.ErrNoSuchQueue) {
		t.Fatalf("consumer Bind from unlisted node: err = %v, want ErrNoSuchQueue", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	r := newTestRegistry(t, 4, 4, 1<<16)
	if _, err := r.Acquire("q", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q", 100, 0, []int{1}, []int{0, 1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	cres, err := r.Bind("q", 200, 1, []int{1}, nil)
	if err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}

	Write(pres.Entry, pres.ConsumerMap[1].Slot, []byte("hello"))
	payload, eof, err := Read(cres.Entry, cres.SelfIndex, true)
	if err != nil || eof {
		t.Fatalf("Read: payload=%q eof=%v err=%v", payload, eof, err)
	}
	if string(payload) != "hello" {
		t.Fatalf("Read payload = %q, want %q", payload, "hello")
	}

	r.Finish(pres.Entry)
	if _, eof, err := Read(cres.Entry, cres.SelfIndex, true); err != nil || !eof {
		t.Fatalf("Read after Finish: eof=%v err=%v, want eof=true", eof, err)
	}

	if err := r.UnBind(pres.Entry, false); err != nil {
		t.Fatalf("UnBind: %v", err)
	}
}

func TestWriteOverflowsToStoreThenDumps(t *testing.T) {
	// A 256-byte ring: the first tuple leaves too little room for the
	// second, which must go through the overflow store.
	r := newTestRegistry(t, 1, 2, 256+128)
	if _, err := r.Acquire("q", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q", 100, 0, []int{1}, []int{0, 1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	cres, err := r.Bind("q", 200, 1, []int{1}, nil)
	if err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}

	slot := pres.ConsumerMap[1].Slot
	ringCap := pres.Entry.Consumers[slot].Ring.Cap()

	first := make([]byte, ringCap-20) // fits directly, leaves 16 bytes free
	Write(pres.Entry, slot, first)

	second := []byte("overflowed-tuple") // does not fit in what's left
	Write(pres.Entry, slot, second)
	if pres.Entry.Overflow[slot].Empty() {
		t.Fatal("second tuple should have spilled to the overflow store")
	}

	gotFirst, _, err := Read(cres.Entry, cres.SelfIndex, true)
	if err != nil || len(gotFirst) != len(first) {
		t.Fatalf("Read #1: len=%d err=%v, want len=%d", len(gotFirst), err, len(first))
	}

	// The ring is now empty; nothing auto-drains the store, so Dump must
	// be invoked (as Write and Finish do internally) before the spilled
	// tuple becomes visible to Read.
	Dump(pres.Entry, slot)
	if !pres.Entry.Overflow[slot].Empty() {
		t.Fatal("Dump did not drain the overflow store once the ring had room")
	}

	gotSecond, _, err := Read(cres.Entry, cres.SelfIndex, true)
	if err != nil || string(gotSecond) != string(second) {
		t.Fatalf("Read #2 = %q, err=%v, want %q", gotSecond, err, second)
	}
}

func TestLongTupleRoundTrip(t *testing.T) {
	r := newTestRegistry(t, 1, 2, 128+64)
	if _, err := r.Acquire("q", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q", 100, 0, []int{1}, []int{0, 1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	cres, err := r.Bind("q", 200, 1, []int{1}, nil)
	if err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}

	slot := pres.ConsumerMap[1].Slot
	ringCap := pres.Entry.Consumers[slot].Ring.Cap()
	long := make([]byte, ringCap*3+7)
	for i := range long {
		long[i] = byte(i)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, eof, err := Read(cres.Entry, cres.SelfIndex, true)
		if err != nil || eof {
			t.Errorf("Read: eof=%v err=%v", eof, err)
			return
		}
		if len(payload) != len(long) {
			t.Errorf("Read payload len = %d, want %d", len(payload), len(long))
			return
		}
		for i := range payload {
			if payload[i] != long[i] {
				t.Errorf("Read payload[%d] = %d, want %d", i, payload[i], long[i])
				return
			}
		}
	}()

	Write(pres.Entry, slot, long)
	for !pres.Entry.Overflow[slot].Empty() {
		Dump(pres.Entry, slot)
		if pres.Entry.Overflow[slot].Empty() {
			break
		}
		// Wait for the consumer to drain the current fragment and ask
		// for the next one (Read's long-tuple loop fires this signal
		// right after markPullWaiting) before attempting another Dump.
		pres.Entry.sync.ProducerSignal.Reset()
		pres.Entry.sync.ProducerSignal.Wait()
	}
	<-done
}

func TestCanPauseReflectsOverflowPressure(t *testing.T) {
	region, err := arena.NewHeap(1 << 16)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	r, err := NewRegistry(region, RegistryOptions{
		NumQueues:   1,
		MaxNodes:    2,
		RegionBytes: 1 << 16,
		SpillLimit:  64,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	if _, err := r.Acquire("q", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q", 100, 0, []int{1}, []int{0, 1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	if _, err := r.Bind("q", 200, 1, []int{1}, nil); err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}

	if !CanPause(pres.Entry) {
		t.Fatal("CanPause is false on a fresh queue")
	}

	slot := pres.ConsumerMap[1].Slot
	pres.Entry.Overflow[slot].Append(make([]byte, 128))
	if CanPause(pres.Entry) {
		t.Fatal("CanPause is true after a consumer's overflow store exceeded its limit")
	}
}

// TestFinishDrainsOverflowWithoutDeadlock is a regression test: Finish's
// dump branch must call the unexported dumpLocked, not the exported Dump,
// since it already holds consumer_lock[i] and sync.Mutex is not reentrant.
// Calling Dump there deadlocks the first time Finish runs on a slot with a
// non-empty overflow store (spec.md 4.2.3 bullet 3, scenario S2).
func TestFinishDrainsOverflowWithoutDeadlock(t *testing.T) {
	r := newTestRegistry(t, 1, 2, 256+128)
	if _, err := r.Acquire("q", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q", 100, 0, []int{1}, []int{0, 1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	cres, err := r.Bind("q", 200, 1, []int{1}, nil)
	if err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}

	slot := pres.ConsumerMap[1].Slot
	ringCap := pres.Entry.Consumers[slot].Ring.Cap()

	first := make([]byte, ringCap-20) // leaves 16 bytes free
	Write(pres.Entry, slot, first)
	second := []byte("overflowed-tuple")
	Write(pres.Entry, slot, second)
	if pres.Entry.Overflow[slot].Empty() {
		t.Fatal("second tuple should have spilled to the overflow store")
	}

	// Free up more than half the ring so Finish's own dump condition
	// fires and it must call Dump/dumpLocked itself.
	if _, _, err := Read(cres.Entry, cres.SelfIndex, true); err != nil {
		t.Fatalf("Read #1: %v", err)
	}

	remaining := r.Finish(pres.Entry)
	if remaining != 0 {
		t.Fatalf("Finish left remainingNonEmpty = %d, want 0", remaining)
	}
	if !pres.Entry.Overflow[slot].Empty() {
		t.Fatal("Finish did not drain the overflow store")
	}
	if pres.Entry.Consumers[slot].Status != StatusEOF {
		t.Fatalf("status = %v, want EOF", pres.Entry.Consumers[slot].Status)
	}
}

// TestReadEOFMarksSlotDone is a regression test: Read's EOF branch must
// perform the ACTIVE/EOF -> DONE transition itself (status = DONE,
// relinquish signal ownership, signal the producer) per spec.md 4.2.7,
// not just report reachedEOF=true. Without it, UnBind's wait loop counts
// the slot as pending forever since ResetNotConnected only clears slots
// with pid == 0.
func TestReadEOFMarksSlotDone(t *testing.T) {
	r := newTestRegistry(t, 4, 4, 1<<16)
	if _, err := r.Acquire("q", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q", 100, 0, []int{1}, []int{0, 1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	cres, err := r.Bind("q", 200, 1, []int{1}, nil)
	if err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}

	r.Finish(pres.Entry)
	if _, eof, err := Read(cres.Entry, cres.SelfIndex, true); err != nil || !eof {
		t.Fatalf("Read: eof=%v err=%v, want eof=true", eof, err)
	}

	slot := &pres.Entry.Consumers[cres.SelfIndex]
	if slot.Status != StatusDone {
		t.Fatalf("status after EOF Read = %v, want DONE", slot.Status)
	}
	if slot.hasSignal {
		t.Fatal("hasSignal still true after EOF Read relinquished it")
	}

	// UnBind must now complete immediately: the slot is already DONE, so
	// the wait loop has nothing pending and never blocks.
	done := make(chan error, 1)
	go func() { done <- r.UnBind(pres.Entry, false) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("UnBind: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("UnBind hung waiting on a slot Read's EOF branch should have marked DONE")
	}
}

// TestUnBindWakesBlockedReaderOnProducerFailure exercises spec.md's S4:
// producer writes then fails; a consumer blocked in Read on an empty ring
// must wake with ErrProducerFailed, and once it Releases, refcount must
// reach zero and the entry must be removed.
func TestUnBindWakesBlockedReaderOnProducerFailure(t *testing.T) {
	r := newTestRegistry(t, 4, 4, 1<<16)
	if _, err := r.Acquire("q4", 1); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q4", 100, 0, []int{1}, []int{1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	cres, err := r.Bind("q4", 200, 1, []int{1}, nil)
	if err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}

	slot := pres.ConsumerMap[0].Slot
	for i := 0; i < 5; i++ {
		Write(pres.Entry, slot, []byte{byte(i)})
	}
	for i := 0; i < 5; i++ {
		if _, eof, err := Read(cres.Entry, cres.SelfIndex, true); err != nil || eof {
			t.Fatalf("drain #%d: eof=%v err=%v", i, eof, err)
		}
	}

	readErr := make(chan error, 1)
	go func() {
		_, _, err := Read(cres.Entry, cres.SelfIndex, true)
		readErr <- err
	}()
	time.Sleep(5 * time.Millisecond) // let the reader block on the now-empty ring

	if err := r.UnBind(pres.Entry, true); err != nil {
		t.Fatalf("UnBind: %v", err)
	}

	select {
	case err := <-readErr:
		if !errors.Is(err, api.ErrProducerFailed) {
			t.Fatalf("blocked Read returned err=%v, want ErrProducerFailed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Read did not wake after producer failure")
	}

	if err := r.Release("q4", 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	r.RLock()
	_, ok := r.Lookup("q4")
	r.RUnlock()
	if ok {
		t.Fatal("entry should have been removed once refcount reached zero")
	}
}

// TestUnBindResetsConsumerThatNeverBinds exercises spec.md's S5: a listed
// consumer node never binds, so UnBind's wait loop can only make progress
// through its timeout path, which calls ResetNotConnected to force the
// unbound slot to DONE.
func TestUnBindResetsConsumerThatNeverBinds(t *testing.T) {
	region, err := arena.NewHeap(1 << 16)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	r, err := NewRegistry(region, RegistryOptions{
		NumQueues:         1,
		MaxNodes:          3,
		RegionBytes:       1 << 16,
		UnbindWaitTimeout: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	if _, err := r.Acquire("q5", 2); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pres, err := r.Bind("q5", 100, 0, []int{1, 2}, []int{1, 2})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	if _, err := r.Bind("q5", 200, 1, []int{1, 2}, nil); err != nil {
		t.Fatalf("consumer Bind (node 1): %v", err)
	}
	if err := r.Release("q5", 1); err != nil {
		t.Fatalf("Release (node 1): %v", err)
	}
	// Node 2 never binds.

	done := make(chan error, 1)
	go func() { done <- r.UnBind(pres.Entry, false) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("UnBind: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("UnBind never completed the ResetNotConnected timeout path for the unbound node")
	}
}

// TestAcquireRetriesThenSucceedsOnceStaleQueueTearsDown exercises spec.md's
// S6: an entry left over from a prior execution still has its producer
// bound even though every consumer has already reached a terminal status.
// A fresh Acquire for the same name must retry rather than join it, then
// succeed once the old producer's UnBind removes the stale entry.
func TestAcquireRetriesThenSucceedsOnceStaleQueueTearsDown(t *testing.T) {
	r := newTestRegistry(t, 1, 2, 1<<16)

	if _, err := r.Acquire("q6", 1); err != nil {
		t.Fatalf("Acquire (prior execution): %v", err)
	}
	pres, err := r.Bind("q6", 100, 0, []int{1}, []int{1})
	if err != nil {
		t.Fatalf("producer Bind: %v", err)
	}
	if _, err := r.Bind("q6", 200, 1, []int{1}, nil); err != nil {
		t.Fatalf("consumer Bind: %v", err)
	}
	if err := r.Release("q6", 1); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !pres.Entry.AllDoneOrError() || pres.Entry.ProducerPid == 0 {
		t.Fatal("test setup: entry should now look like a stale leftover")
	}

	type acquireResult struct {
		entry *Entry
		err   error
	}
	resultCh := make(chan acquireResult, 1)
	go func() {
		e, err := r.Acquire("q6", 1)
		resultCh <- acquireResult{e, err}
	}()
	time.Sleep(5 * time.Millisecond) // let the retry loop spin at least once

	if err := r.UnBind(pres.Entry, false); err != nil {
		t.Fatalf("UnBind: %v", err)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("Acquire did not recover from the stale entry: %v", res.err)
		}
		if res.entry == pres.Entry {
			t.Fatal("Acquire returned the removed stale entry instead of a fresh one")
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire never returned after the stale entry was torn down")
	}
}
