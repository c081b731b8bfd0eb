// File: core/squeue/locks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Encodes the global lock order of spec.md 5 (Registry lock -> producer
// lock -> consumer_lock[i]) as a chain of ticket types: each lower lock
// can only be taken by presenting proof that the caller is holding, or
// has already released in the correct order, the lock above it. This
// does not (and in a language without borrow checking, cannot) prove
// every call site is correct. The ticket-taking variants are used by
// Bind's Registry->producer_lock descent and the UnBind teardown
// recheck's Registry->producer_lock reacquire (LockProducerFromRegistry),
// and by Read's producer_lock->consumer_lock descent (LockConsumer).
// LockProducer and LockConsumerDirect take no ticket, so the paths that
// use them are not checked this way.

package squeue

// RegistryTicket proves the caller holds the Registry lock exclusively.
// Obtained only from Registry.Lock.
type RegistryTicket struct{ _ byte }

// ProducerTicket proves the caller holds a queue's producer_lock,
// exclusively or shared. Consumer locks require one of these.
type ProducerTicket struct{ shared bool }

// LockProducerFromRegistry acquires this entry's producer_lock
// exclusively while the caller still holds the Registry lock, per the
// Bind lock discipline "Registry lock -> producer_lock -> release
// Registry".
func (e *Entry) LockProducerFromRegistry(_ RegistryTicket) ProducerTicket {
	e.sync.ProducerLock.Lock()
	return ProducerTicket{shared: false}
}

// LockProducer acquires this entry's producer_lock exclusively without
// requiring the Registry lock. Used by UnBind's wait loop; UnBind's final
// teardown recheck, which runs under the Registry lock, uses
// LockProducerFromRegistry instead.
func (e *Entry) LockProducer() ProducerTicket {
	e.sync.ProducerLock.Lock()
	return ProducerTicket{shared: false}
}

// UnlockProducer releases a producer_lock ticket obtained from either
// LockProducer or LockProducerFromRegistry.
func (e *Entry) UnlockProducer(t ProducerTicket) {
	if t.shared {
		e.sync.ProducerLock.RUnlock()
	} else {
		e.sync.ProducerLock.Unlock()
	}
}

// RLockProducer acquires this entry's producer_lock in shared mode. This
// is the one place spec.md lets a non-producer (a consumer, inside Read)
// take the lock, so that the producer's exclusive-mode operations can
// treat "no shared holders" as "no consumer is mid-Read".
func (e *Entry) RLockProducer() ProducerTicket {
	e.sync.ProducerLock.RLock()
	return ProducerTicket{shared: true}
}

// ConsumerTicket proves the caller holds exactly one consumer_lock[i].
// spec.md 5 requires that only one such lock ever be held at a time by
// any process; nothing in this package's API offers a way to hold two.
type ConsumerTicket struct{ slot int }

// LockConsumer acquires consumer_lock[i], requiring proof the caller
// already holds the producer_lock in some mode -- enforcing that
// consumer locks are never taken as the outermost lock.
func (e *Entry) LockConsumer(_ ProducerTicket, i int) ConsumerTicket {
	e.sync.ConsumerLock(i).Lock()
	return ConsumerTicket{slot: i}
}

// LockConsumerDirect acquires consumer_lock[i] without a producer_lock
// ticket. Used by Write, Dump, Finish, Release, DisconnectConsumer,
// ResetNotConnected and Reset, which never take the producer lock, and by
// bindConsumer and UnBind's wait loop, which already hold it. On every
// one of these paths the consumer lock is taken after the producer lock,
// if that is held at all.
func (e *Entry) LockConsumerDirect(i int) ConsumerTicket {
	e.sync.ConsumerLock(i).Lock()
	return ConsumerTicket{slot: i}
}

// UnlockConsumer releases a consumer_lock ticket.
func (e *Entry) UnlockConsumer(t ConsumerTicket) {
	e.sync.ConsumerLock(t.slot).Unlock()
}
