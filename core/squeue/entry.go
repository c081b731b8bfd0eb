// File: core/squeue/entry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package squeue

import (
	"github.com/momentics/squeue/core/overflow"
	"github.com/momentics/squeue/core/ring"
	qsync "github.com/momentics/squeue/core/sync"
)

// ConsumerSlot is one destination node's state within a Queue Entry
// (spec.md 3, "Consumer Slot").
type ConsumerSlot struct {
	Pid    int
	Node   int
	Status Status

	Ring    *ring.Ring
	NTuples int32

	// hasSignal tracks invariant 7: pid != 0 implies this process owns
	// the slot's wakeup signal and must relinquish it before exiting.
	hasSignal bool
}

// IsLongTuple reports whether this slot is mid-transfer of a tuple larger
// than its ring.
func (c *ConsumerSlot) IsLongTuple() bool {
	return c.NTuples == LongTupleSentinel
}

// Entry is one live redistribution edge (spec.md 3, "Queue Entry").
type Entry struct {
	Name         string
	ProducerPid  int
	ProducerNode int
	Refcount     int

	Consumers []ConsumerSlot
	Overflow  []*overflow.Store // producer-side only, index-aligned with Consumers

	sync    *qsync.Block
	syncIdx int

	hasProducerSignal bool

	// slotIdx is this entry's physical slot in the arena, used to locate
	// its ring memory; set once at insert and never reused.
	slotIdx int
}

// SlotIndex reports the entry's physical arena slot.
func (e *Entry) SlotIndex() int { return e.slotIdx }

// FindSlotByNode returns the index of the consumer slot claimed by node,
// or -1 if none has claimed it yet.
func (e *Entry) FindSlotByNode(node int) int {
	for i := range e.Consumers {
		if e.Consumers[i].Node == node {
			return i
		}
	}
	return -1
}

// FindFreeSlot returns the index of the first unclaimed consumer slot
// (Node == UnboundNode), or -1 if every slot is claimed.
func (e *Entry) FindFreeSlot() int {
	for i := range e.Consumers {
		if e.Consumers[i].Node == UnboundNode {
			return i
		}
	}
	return -1
}

// AllDoneOrError reports whether every consumer slot has reached a
// terminal outcome (spec.md invariant 6).
func (e *Entry) AllDoneOrError() bool {
	for i := range e.Consumers {
		if e.Consumers[i].Status != StatusDone && e.Consumers[i].Status != StatusError {
			return false
		}
	}
	return true
}
