package soft

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type opKind int

const (
	opExecute opKind = iota
	opSignal
	opWait
)

type batch struct {
	alloc *CommandAllocator
	cmds  []Command
}

type op struct {
	kind    opKind
	batches []batch
	fence   *Fence
	value   uint64
}

// Queue executes operations strictly in submission order. A pending GPU
// wait blocks everything behind it.
type Queue struct {
	dev *Device
	typ gpu.QueueType
	ops []op

	executed int
}

var _ gpu.Queue = (*Queue)(nil)

func (q *Queue) Type() gpu.QueueType { return q.typ }

// Executed returns how many command lists finished executing.
func (q *Queue) Executed() int {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	return q.executed
}

// Pending returns how many operations wait for execution.
func (q *Queue) Pending() int {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) ExecuteCommandLists(lists ...gpu.CommandList) error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	if q.dev.removed != nil {
		return q.dev.removed
	}
	batches := make([]batch, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*CommandList)
		if !ok {
			return errors.Newf("ExecuteCommandLists: foreign command list %T", l)
		}
		if cl.typ != q.typ {
			return errors.Newf("ExecuteCommandLists: %s list on %s queue", cl.typ, q.typ)
		}
		if cl.open {
			return errors.New("ExecuteCommandLists: command list is not closed")
		}
		batches = append(batches, batch{alloc: cl.alloc, cmds: append([]Command(nil), cl.cmds...)})
	}
	for _, b := range batches {
		b.alloc.pending++
	}
	q.ops = append(q.ops, op{kind: opExecute, batches: batches})
	q.settle()
	return nil
}

func (q *Queue) Signal(f gpu.Fence, v uint64) error {
	return q.enqueueFence(opSignal, f, v)
}

func (q *Queue) Wait(f gpu.Fence, v uint64) error {
	return q.enqueueFence(opWait, f, v)
}

func (q *Queue) enqueueFence(kind opKind, f gpu.Fence, v uint64) error {
	q.dev.mu.Lock()
	defer q.dev.mu.Unlock()
	if q.dev.removed != nil {
		return q.dev.removed
	}
	fence, ok := f.(*Fence)
	if !ok || fence.dev != q.dev {
		return errors.Newf("fence %T does not belong to this device", f)
	}
	q.ops = append(q.ops, op{kind: kind, fence: fence, value: v})
	q.settle()
	return nil
}

func (q *Queue) settle() {
	if !q.dev.deferred {
		q.dev.flushLocked()
	}
}

// step runs operations until the queue is empty or blocked on a wait.
func (q *Queue) step() bool {
	progress := false
	for len(q.ops) > 0 && q.dev.removed == nil {
		o := q.ops[0]
		switch o.kind {
		case opWait:
			if o.fence.CompletedValue() < o.value {
				return progress
			}
		case opSignal:
			o.fence.set(o.value)
		case opExecute:
			for _, b := range o.batches {
				for i := range b.cmds {
					if err := q.dev.exec(&b.cmds[i]); err != nil {
						q.dev.remove(errors.Wrapf(err, "%s queue", q.typ))
						return true
					}
				}
				b.alloc.pending--
				q.executed++
			}
		}
		q.ops = q.ops[1:]
		progress = true
	}
	return progress
}

// Fence is the in-memory gpu.Fence.
type Fence struct {
	dev *Device

	mu      sync.Mutex
	value   uint64
	changed chan struct{}
}

var _ gpu.Fence = (*Fence)(nil)

func (f *Fence) CompletedValue() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

func (f *Fence) set(v uint64) {
	f.mu.Lock()
	f.value = v
	close(f.changed)
	f.changed = make(chan struct{})
	f.mu.Unlock()
}

// Signal sets the fence from the CPU and lets queues waiting on it
// continue.
func (f *Fence) Signal(v uint64) {
	f.set(v)
	f.dev.Flush()
}

// WaitForValue drives the device until the fence reaches v. If no queued
// work can get it there it blocks until another goroutine signals the
// fence or ctx is done.
func (f *Fence) WaitForValue(ctx context.Context, v uint64) error {
	for {
		f.dev.Flush()

		f.mu.Lock()
		done := f.value >= v
		ch := f.changed
		f.mu.Unlock()
		if done {
			return nil
		}
		if err := f.dev.Err(); err != nil {
			return err
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for fence value %d", v)
		}
	}
}

func (f *Fence) Release() {}
