// Package command recycles command allocators per queue type, gated by
// fence completion.
package command

import (
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type entry struct {
	alloc gpu.CommandAllocator
	fence gpu.Fence
	value uint64
}

// Stats is a snapshot of a pool's counters.
type Stats struct {
	Created int
	Pending int
}

// Pool hands out command allocators for one queue type. Discarded
// allocators wait in a FIFO until their fence reaches the value they were
// discarded with. Only the front is inspected, so discard values must not
// decrease.
type Pool struct {
	dev gpu.Device
	typ gpu.QueueType

	fifo      *containers.RingQueue[entry]
	lastValue uint64
	all       []gpu.CommandAllocator

	locks  *core.LockPool
	logger *log.Logger
}

func NewPool(dev gpu.Device, typ gpu.QueueType, locks *core.LockPool) *Pool {
	if locks == nil {
		locks = core.NewLockPool()
	}
	return &Pool{
		dev:    dev,
		typ:    typ,
		fifo:   containers.NewRingQueue[entry](4),
		locks:  locks,
		logger: core.Logger("command"),
	}
}

func (p *Pool) Type() gpu.QueueType { return p.typ }

// QueryAllocator returns an allocator ready for recording. The oldest
// discarded allocator is reset and returned if its fence has completed;
// otherwise a new one is created.
func (p *Pool) QueryAllocator() (gpu.CommandAllocator, error) {
	var a gpu.CommandAllocator
	err := p.locks.SafeCall(core.CommandAllocatorManagement, func() error {
		if front, err := p.fifo.Peek(); err == nil && front.fence.CompletedValue() >= front.value {
			p.fifo.Dequeue()
			if err := front.alloc.Reset(); err != nil {
				return core.DeviceError(err, "CommandAllocator.Reset")
			}
			p.logger.Debug("command allocator reused", "queue", p.typ, "fenceValue", front.value)
			a = front.alloc
			return nil
		}

		na, err := p.dev.CreateCommandAllocator(p.typ)
		if err != nil {
			return core.DeviceError(err, "CreateCommandAllocator")
		}
		p.all = append(p.all, na)
		p.logger.Debug("command allocator created", "queue", p.typ, "total", len(p.all))
		a = na
		return nil
	})
	return a, err
}

// DiscardAllocator returns a to the pool. It is not reused before fence
// reaches value.
func (p *Pool) DiscardAllocator(a gpu.CommandAllocator, fence gpu.Fence, value uint64) error {
	return p.locks.SafeCall(core.CommandAllocatorManagement, func() error {
		if a == nil || fence == nil {
			return errors.AssertionFailedf("%s pool: discard of nil allocator or fence", p.typ)
		}
		if a.Type() != p.typ {
			return errors.AssertionFailedf("%s pool: discard of %s allocator", p.typ, a.Type())
		}
		if value < p.lastValue {
			return core.Fatalf(core.ErrStaleFence, "%s pool: discard value %d below previous %d", p.typ, value, p.lastValue)
		}
		p.lastValue = value
		p.fifo.Enqueue(entry{alloc: a, fence: fence, value: value})
		return nil
	})
}

func (p *Pool) Stats() Stats {
	var s Stats
	p.locks.SafeCall(core.CommandAllocatorManagement, func() error {
		s = Stats{Created: len(p.all), Pending: p.fifo.Len()}
		return nil
	})
	return s
}

// Destroy releases every allocator the pool created. Callers must have
// waited for the GPU to go idle.
func (p *Pool) Destroy() {
	p.locks.SafeCall(core.CommandAllocatorManagement, func() error {
		for _, a := range p.all {
			a.Release()
		}
		p.all = nil
		p.fifo = containers.NewRingQueue[entry](4)
		return nil
	})
}

// Pools holds one Pool per queue type.
type Pools struct {
	pools [gpu.QueueTypeCount]*Pool
}

func NewPools(dev gpu.Device, locks *core.LockPool) *Pools {
	ps := &Pools{}
	for t := gpu.QueueType(0); t < gpu.QueueTypeCount; t++ {
		ps.pools[t] = NewPool(dev, t, locks)
	}
	return ps
}

func (ps *Pools) Pool(t gpu.QueueType) *Pool {
	return ps.pools[t]
}

func (ps *Pools) Destroy() {
	for _, p := range ps.pools {
		p.Destroy()
	}
}
