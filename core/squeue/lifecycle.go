// File: core/squeue/lifecycle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Lifecycle Manager (C5): Acquire, Bind, Finish, UnBind, Release, Reset
// and DisconnectConsumer, exactly as spec.md 4.2 describes them.

package squeue

import (
	"time"

	"github.com/momentics/squeue/api"
)

const (
	staleQueueMaxRetries = 10
	staleQueueRetryDelay = time.Millisecond
	// defaultUnbindWaitTimeout is RegistryOptions.UnbindWaitTimeout's
	// zero-value default.
	defaultUnbindWaitTimeout = 10 * time.Second
)

// Acquire ensures a Queue Entry for name exists, formatted for exactly n
// consumers, per spec.md 4.2.1.
//
// Staleness (step 3 of the algorithm) is resolved against scenario S6's
// worked example rather than the ambiguous prose: an existing entry with
// a bound producer whose slots have all reached a terminal status (DONE
// or ERROR) is a leftover still waiting on its own UnBind to physically
// remove it, not a queue this caller may safely join -- see DESIGN.md.
func (r *Registry) Acquire(name string, n int) (*Entry, error) {
	for attempt := 0; attempt < staleQueueMaxRetries; attempt++ {
		tk := r.Lock()
		entry, wasNew, err := r.Insert(name, n)
		if err != nil {
			r.Unlock(tk)
			return nil, err
		}
		if wasNew {
			entry.Refcount = 1
			r.Unlock(tk)
			return entry, nil
		}

		stale := entry.ProducerPid != 0 && entry.AllDoneOrError()
		if !stale {
			entry.Refcount++
			r.Unlock(tk)
			return entry, nil
		}
		r.Unlock(tk)
		time.Sleep(staleQueueRetryDelay)
	}
	return nil, api.ErrStaleQueueTimeout
}

// BindResult carries Bind's output (spec.md 4.2.2).
type BindResult struct {
	Entry       *Entry
	SelfIndex   int
	ConsumerMap []ConsumerMapEntry
	IsProducer  bool
}

// Bind implements spec.md 4.2.2. The first caller to reach
// producer_lock with producer_pid == 0 becomes the producer; every
// subsequent caller is a consumer.
func (r *Registry) Bind(name string, selfPid, selfNode int, consumerNodes, distributionNodes []int) (BindResult, error) {
	r.RLock()
	entry, ok := r.Lookup(name)
	r.RUnlock()
	if !ok {
		return BindResult{}, api.NewError(api.ErrCodeNoSuchQueue, api.ErrNoSuchQueue).WithContext("queue", name)
	}

	rtk := r.Lock()
	ptk := entry.LockProducerFromRegistry(rtk)
	r.Unlock(rtk)
	defer entry.UnlockProducer(ptk)

	if entry.ProducerPid == 0 {
		return r.bindProducer(entry, selfPid, selfNode, consumerNodes, distributionNodes)
	}
	return r.bindConsumer(entry, selfPid, selfNode, consumerNodes)
}

func (r *Registry) bindProducer(entry *Entry, selfPid, selfNode int, consumerNodes, distributionNodes []int) (BindResult, error) {
	entry.ProducerPid = selfPid
	entry.ProducerNode = selfNode
	entry.hasProducerSignal = true

	consumerMap := make([]ConsumerMapEntry, len(distributionNodes))
	for i, d := range distributionNodes {
		switch {
		case d == selfNode:
			consumerMap[i] = ConsumerMapEntry{Code: DistSelf}
		case containsNode(consumerNodes, d):
			slot := entry.FindSlotByNode(d)
			if slot < 0 {
				slot = entry.FindFreeSlot()
				if slot < 0 {
					consumerMap[i] = ConsumerMapEntry{Code: DistNone}
					continue
				}
				entry.Consumers[slot].Node = d
			}
			if entry.Consumers[slot].Status == StatusDone {
				consumerMap[i] = ConsumerMapEntry{Code: DistNone}
			} else {
				consumerMap[i] = ConsumerMapEntry{Code: DistSlot, Slot: slot}
			}
		default:
			consumerMap[i] = ConsumerMapEntry{Code: DistNone}
		}
	}

	entry.Refcount++
	return BindResult{Entry: entry, SelfIndex: -1, ConsumerMap: consumerMap, IsProducer: true}, nil
}

func (r *Registry) bindConsumer(entry *Entry, selfPid, selfNode int, consumerNodes []int) (BindResult, error) {
	if !consumerSetMatches(entry, consumerNodes) {
		return BindResult{}, api.NewError(api.ErrCodeMismatchedConsumers, api.ErrMismatchedConsumers).WithContext("queue", entry.Name)
	}

	slotIdx := entry.FindSlotByNode(selfNode)
	if slotIdx < 0 {
		return BindResult{}, api.NewError(api.ErrCodeNoSuchQueue, api.ErrNoSuchQueue).WithContext("queue", entry.Name).WithContext("node", selfNode)
	}

	ctk := entry.LockConsumerDirect(slotIdx)
	defer entry.UnlockConsumer(ctk)

	slot := &entry.Consumers[slotIdx]
	if slot.Status == StatusError || slot.Status == StatusDone {
		slot.Status = StatusDone
		entry.sync.ProducerSignal.Fire()
		return BindResult{}, api.NewError(api.ErrCodeProducerFailed, api.ErrProducerFailed).WithContext("queue", entry.Name).WithContext("slot", slotIdx)
	}

	slot.Pid = selfPid
	slot.hasSignal = true
	return BindResult{Entry: entry, SelfIndex: slotIdx, IsProducer: false}, nil
}

func containsNode(nodes []int, n int) bool {
	for _, v := range nodes {
		if v == n {
			return true
		}
	}
	return false
}

func consumerSetMatches(entry *Entry, consumerNodes []int) bool {
	if len(consumerNodes) > len(entry.Consumers) {
		return false
	}
	for _, n := range consumerNodes {
		found := false
		for i := range entry.Consumers {
			if entry.Consumers[i].Node == n || entry.Consumers[i].Node == UnboundNode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Finish implements spec.md 4.2.3: producer-only, drains overflow stores
// into rings where possible and marks emptied, ACTIVE slots EOF.
func (r *Registry) Finish(entry *Entry) (remainingNonEmpty int) {
	for i := range entry.Consumers {
		ctk := entry.LockConsumerDirect(i)
		slot := &entry.Consumers[i]
		store := entry.Overflow[i]

		switch {
		case slot.Status != StatusActive:
			store.Reset()
		case store.Empty():
			slot.Status = StatusEOF
			entry.sync.ConsumerSignal(i).Fire()
		default:
			if slot.Ring.Free(slot.NTuples == 0) >= slot.Ring.Cap()/2 {
				// dumpLocked, not Dump: consumer_lock[i] is already held
				// (taken at the top of this loop) and sync.Mutex is not
				// reentrant.
				dumpLocked(entry, i)
			}
			if store.Empty() {
				slot.Status = StatusEOF
				entry.sync.ConsumerSignal(i).Fire()
			} else {
				remainingNonEmpty++
			}
		}
		entry.UnlockConsumer(ctk)
	}
	return remainingNonEmpty
}

// UnBind implements spec.md 4.2.4: producer-only, runs after Finish.
func (r *Registry) UnBind(entry *Entry, failed bool) error {
	for {
		ptk := entry.LockProducer()
		pending := 0
		entry.sync.ProducerSignal.Reset()
		for i := range entry.Consumers {
			ctk := entry.LockConsumerDirect(i)
			slot := &entry.Consumers[i]
			switch {
			case failed && slot.Status == StatusActive:
				slot.Status = StatusError
				entry.sync.ConsumerSignal(i).Fire()
			case !failed && slot.Status != StatusDone:
				pending++
				entry.sync.ConsumerSignal(i).Fire()
			}
			entry.UnlockConsumer(ctk)
		}
		entry.UnlockProducer(ptk)

		if pending == 0 {
			break
		}
		if entry.sync.ProducerSignal.WaitTimeout(r.opts.UnbindWaitTimeout) {
			r.ResetNotConnected(entry)
		}
	}

	for {
		rtk := r.Lock()
		ptk := entry.LockProducerFromRegistry(rtk)
		racing := false
		for i := range entry.Consumers {
			if entry.Consumers[i].Status == StatusActive && entry.Consumers[i].Pid != 0 {
				racing = true
				break
			}
		}
		if racing {
			entry.UnlockProducer(ptk)
			r.Unlock(rtk)
			time.Sleep(staleQueueRetryDelay)
			continue
		}

		entry.hasProducerSignal = false
		entry.Refcount--
		var removeErr error
		if entry.Refcount == 0 {
			removeErr = r.Remove(entry)
		}
		entry.UnlockProducer(ptk)
		r.Unlock(rtk)
		return removeErr
	}
}

// Release implements spec.md 4.2.5: the consumer-side finalizer.
func (r *Registry) Release(name string, selfNode int) error {
	r.RLock()
	entry, ok := r.Lookup(name)
	r.RUnlock()
	if !ok {
		return api.NewError(api.ErrCodeNoSuchQueue, api.ErrNoSuchQueue).WithContext("queue", name)
	}

	slotIdx := entry.FindSlotByNode(selfNode)
	if slotIdx >= 0 {
		ctk := entry.LockConsumerDirect(slotIdx)
		slot := &entry.Consumers[slotIdx]
		slot.Status = StatusDone
		slot.hasSignal = false
		slot.Pid = 0
		entry.UnlockConsumer(ctk)
		entry.sync.ProducerSignal.Fire()
	} else {
		for i := range entry.Consumers {
			if entry.Consumers[i].Node == UnboundNode {
				ctk := entry.LockConsumerDirect(i)
				entry.Consumers[i].Status = StatusDone
				entry.UnlockConsumer(ctk)
			}
		}
		entry.sync.ProducerSignal.Fire()
	}

	rtk := r.Lock()
	entry.Refcount--
	var err error
	if entry.Refcount == 0 {
		err = r.Remove(entry)
	}
	r.Unlock(rtk)
	return err
}

// DisconnectConsumer implements spec.md 4.2.6: marks any slot belonging
// to selfNode as DONE, discarding queued bytes. A no-op if name does not
// exist.
func (r *Registry) DisconnectConsumer(name string, selfNode int) {
	r.RLock()
	entry, ok := r.Lookup(name)
	r.RUnlock()
	if !ok {
		return
	}
	slotIdx := entry.FindSlotByNode(selfNode)
	if slotIdx < 0 {
		return
	}
	ctk := entry.LockConsumerDirect(slotIdx)
	entry.Consumers[slotIdx].Status = StatusDone
	entry.Consumers[slotIdx].NTuples = 0
	entry.UnlockConsumer(ctk)
	entry.sync.ProducerSignal.Fire()
}

// ResetNotConnected implements spec.md 4.2.6: marks every slot with
// pid == 0 && status != DONE as DONE, unsticking a producer waiting on
// parties that never arrived.
func (r *Registry) ResetNotConnected(entry *Entry) {
	for i := range entry.Consumers {
		ctk := entry.LockConsumerDirect(i)
		slot := &entry.Consumers[i]
		if slot.Pid == 0 && slot.Status != StatusDone {
			slot.Status = StatusDone
		}
		entry.UnlockConsumer(ctk)
	}
}

// Reset implements the general form of spec.md 6's Reset(entry,
// slot_index or -1): -1 resets every not-yet-connected slot (delegating
// to ResetNotConnected); a non-negative index resets exactly that slot to
// DONE regardless of its pid, for administrative teardown.
func (r *Registry) Reset(entry *Entry, slotIndex int) {
	if slotIndex < 0 {
		r.ResetNotConnected(entry)
		return
	}
	ctk := entry.LockConsumerDirect(slotIndex)
	entry.Consumers[slotIndex].Status = StatusDone
	entry.UnlockConsumer(ctk)
	entry.sync.ProducerSignal.Fire()
}
