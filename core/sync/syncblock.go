// File: core/sync/syncblock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package sync

import (
	stdsync "sync"

	"github.com/momentics/squeue/api"
)

// Block is one Sync Block: the producer's (lock, signal) pair plus one
// (lock, signal) pair per consumer slot, sized for MaxNodes-1 consumers.
// A Block is rented from a Pool for the lifetime of exactly one queue.
type Block struct {
	ProducerLock   stdsync.RWMutex
	ProducerSignal *Signal

	consumerLocks   []stdsync.Mutex
	consumerSignals []*Signal

	// inUse and queue back-reference are for assertion checking only, per
	// the spec's guidance that the sync block's queue field is a weak
	// back-reference, never an ownership edge.
	inUse     bool
	queueName string
}

// NewBlock allocates a Sync Block sized for up to maxConsumers slots.
func NewBlock(maxConsumers int) *Block {
	b := &Block{
		ProducerSignal:  NewSignal(),
		consumerLocks:   make([]stdsync.Mutex, maxConsumers),
		consumerSignals: make([]*Signal, maxConsumers),
	}
	for i := range b.consumerSignals {
		b.consumerSignals[i] = NewSignal()
	}
	return b
}

// ConsumerLock returns the exclusive-only lock for consumer slot i.
func (b *Block) ConsumerLock(i int) *stdsync.Mutex {
	return &b.consumerLocks[i]
}

// ConsumerSignal returns the wakeup primitive for consumer slot i.
func (b *Block) ConsumerSignal(i int) *Signal {
	return b.consumerSignals[i]
}

// reset clears a Block to its rentable state before it is returned to the
// pool. Locks are not reset (a freshly-rented Block always starts
// unlocked because the previous holder released everything before
// returning it) but signals are replaced so a stale fire from a prior
// queue's lifetime can never wake a new tenant.
func (b *Block) reset() {
	b.ProducerSignal = NewSignal()
	for i := range b.consumerSignals {
		b.consumerSignals[i] = NewSignal()
	}
	b.inUse = false
	b.queueName = ""
}

// Pool is the fixed-size Sync-Block pool allocated once at process-group
// startup (SquashInit) and rented/returned for the lifetime of each queue.
type Pool struct {
	mu     stdsync.Mutex
	blocks []*Block
	free   []int
}

// NewPool preallocates numQueues Sync Blocks, each able to serve up to
// maxConsumers consumer slots.
func NewPool(numQueues, maxConsumers int) *Pool {
	p := &Pool{
		blocks: make([]*Block, numQueues),
		free:   make([]int, numQueues),
	}
	for i := 0; i < numQueues; i++ {
		p.blocks[i] = NewBlock(maxConsumers)
		p.free[i] = numQueues - 1 - i
	}
	return p
}

// Rent returns an unused Sync Block bound to queueName, or
// ErrCapacityExhausted if the pool is empty.
func (p *Pool) Rent(queueName string) (*Block, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil, -1, api.ErrCapacityExhausted
	}
	idx := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := p.blocks[idx]
	b.inUse = true
	b.queueName = queueName
	return b, idx, nil
}

// Return releases a Sync Block back to the pool, clearing the association
// invariant (spec.md invariant 3: a Sync Block is associated with exactly
// one Queue Entry at any time; on entry removal the association clears).
func (p *Pool) Return(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocks[idx].reset()
	p.free = append(p.free, idx)
}
