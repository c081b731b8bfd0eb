// File: core/squeue/registry.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Registry is the fixed-capacity, name-keyed table of live queues
// (spec.md 4.1, C4). Grounded on control.ConfigStore/MetricsRegistry's
// map+RWMutex shape, generalized from a flat key/value map to a
// name->*Entry table with a physical arena-slot allocator underneath.

package squeue

import (
	stdsync "sync"
	"time"

	"github.com/momentics/squeue/api"
	"github.com/momentics/squeue/arena"
	"github.com/momentics/squeue/core/overflow"
	"github.com/momentics/squeue/core/ring"
	qsync "github.com/momentics/squeue/core/sync"
)

// RegistryOptions parameterizes the arena layout computed by SquashInit
// (spec.md 6, "Shared-memory size function").
type RegistryOptions struct {
	// NumQueues is the Registry's fixed capacity (spec.md's NUM_SQUEUES).
	NumQueues int
	// MaxNodes bounds the largest consumer count any single queue may be
	// Acquired with (max_nodes); each queue gets MaxNodes-1 ring slots.
	MaxNodes int
	// RegionBytes is the total arena size in bytes.
	RegionBytes int
	// SpillLimit bounds each consumer's overflow store, in bytes; 0 uses
	// overflow.DefaultWorkingMemoryLimit.
	SpillLimit int
	// UnbindWaitTimeout bounds how long UnBind waits for lagging consumers
	// before forcing them DONE via ResetNotConnected (spec.md 4.2.4); 0
	// uses defaultUnbindWaitTimeout.
	UnbindWaitTimeout time.Duration
}

// Registry is the outermost lock in the system: no other queue lock may
// be held when acquiring it (spec.md 4.1).
type Registry struct {
	mu stdsync.RWMutex

	opts RegistryOptions

	entries   map[string]*Entry
	freeSlots []int

	region          arena.Region
	entryRegionSize int
	ringSize        int

	syncPool *qsync.Pool
}

// headerSize is the accounting reserved per queue slot before its
// per-consumer rings begin (mirrors spec.md 6's header(N) term). It has
// no fields of its own in this Go model -- the Entry and ConsumerSlot
// metadata live in ordinary Go memory, not in the byte arena -- but the
// bytes are still reserved so the ring-size formula matches spec.md
// exactly, and so a future cross-process metadata layout has room.
const headerSize = 128

// NewRegistry allocates the Registry, its Sync-Block pool, and the arena
// backing every queue's rings, per spec.md 6's SquashInit.
func NewRegistry(region arena.Region, opts RegistryOptions) (*Registry, error) {
	if opts.NumQueues <= 0 || opts.MaxNodes < 2 {
		return nil, api.ErrInvalidArgument
	}
	if opts.UnbindWaitTimeout <= 0 {
		opts.UnbindWaitTimeout = defaultUnbindWaitTimeout
	}
	maxConsumers := opts.MaxNodes - 1
	entryRegionSize := len(region.Bytes()) / opts.NumQueues
	usable := entryRegionSize - headerSize
	if usable <= 0 || usable < maxConsumers {
		return nil, api.ErrInvalidArgument
	}
	ringSize := usable / maxConsumers

	r := &Registry{
		opts:            opts,
		entries:         make(map[string]*Entry, opts.NumQueues),
		freeSlots:       make([]int, opts.NumQueues),
		region:          region,
		entryRegionSize: entryRegionSize,
		ringSize:        ringSize,
		syncPool:        qsync.NewPool(opts.NumQueues, maxConsumers),
	}
	for i := 0; i < opts.NumQueues; i++ {
		r.freeSlots[i] = opts.NumQueues - 1 - i
	}
	return r, nil
}

// Lock acquires the Registry lock exclusively, returning proof of
// ownership for the nested Registry->producer_lock descent.
func (r *Registry) Lock() RegistryTicket {
	r.mu.Lock()
	return RegistryTicket{}
}

// Unlock releases the Registry lock.
func (r *Registry) Unlock(RegistryTicket) {
	r.mu.Unlock()
}

// RLock acquires the Registry lock in shared mode, for lookups that do
// not mutate the table.
func (r *Registry) RLock() { r.mu.RLock() }

// RUnlock releases a shared Registry lock.
func (r *Registry) RUnlock() { r.mu.RUnlock() }

// Lookup returns the entry for name, if any. Callers must hold at least
// a shared Registry lock.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Insert returns the entry for name, creating and zero-initializing it if
// none existed. wasNew reports which case occurred. Callers must hold the
// Registry lock exclusively.
func (r *Registry) Insert(name string, nconsumers int) (entry *Entry, wasNew bool, err error) {
	if e, ok := r.entries[name]; ok {
		return e, false, nil
	}
	if len(r.freeSlots) == 0 {
		return nil, false, api.ErrCapacityExhausted
	}
	if nconsumers <= 0 || nconsumers > r.opts.MaxNodes-1 {
		return nil, false, api.ErrInvalidArgument
	}

	slotIdx := r.freeSlots[len(r.freeSlots)-1]
	block, syncIdx, err := r.syncPool.Rent(name)
	if err != nil {
		return nil, false, err
	}
	r.freeSlots = r.freeSlots[:len(r.freeSlots)-1]

	base := slotIdx * r.entryRegionSize
	buf := r.region.Bytes()[base+headerSize : base+r.entryRegionSize]

	e := &Entry{
		Name:         name,
		ProducerPid:  0,
		ProducerNode: UnboundNode,
		Consumers:    make([]ConsumerSlot, nconsumers),
		Overflow:     make([]*overflow.Store, nconsumers),
		sync:         block,
		syncIdx:      syncIdx,
		slotIdx:      slotIdx,
	}
	for i := 0; i < nconsumers; i++ {
		ringBuf := buf[i*r.ringSize : (i+1)*r.ringSize]
		e.Consumers[i] = ConsumerSlot{
			Node:   UnboundNode,
			Status: StatusActive,
			Ring:   ring.New(ringBuf),
		}
		e.Overflow[i] = overflow.New(r.opts.SpillLimit)
	}

	r.entries[name] = e
	return e, true, nil
}

// Remove deletes entry from the table and returns its arena/sync
// resources to their pools. Precondition: entry.Refcount == 0. Callers
// must hold the Registry lock exclusively (spec.md invariant 4).
func (r *Registry) Remove(entry *Entry) error {
	got, ok := r.entries[entry.Name]
	if !ok || got != entry {
		return api.ErrCorruption
	}
	if entry.Refcount != 0 {
		return api.ErrCorruption
	}
	delete(r.entries, entry.Name)
	r.syncPool.Return(entry.syncIdx)
	r.freeSlots = append(r.freeSlots, entry.slotIdx)
	return nil
}

// Close releases the arena backing the registry.
func (r *Registry) Close() error {
	return r.region.Close()
}
