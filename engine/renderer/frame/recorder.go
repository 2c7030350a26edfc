package frame

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// Recorder collects command lists for one submission. Lists are opened
// lazily per queue type with an allocator from that queue's pool.
type Recorder struct {
	sync      *Synchronizer
	frame     uint64
	lists     [gpu.QueueTypeCount]gpu.CommandList
	allocs    [gpu.QueueTypeCount]gpu.CommandAllocator
	waits     Completion
	retired   []gpu.Releaser
	submitted bool
}

// Frame returns the frame target value the recorder was begun in, zero
// outside a frame.
func (r *Recorder) Frame() uint64 {
	return r.frame
}

// List returns the open command list for queue type q.
func (r *Recorder) List(q gpu.QueueType) (gpu.CommandList, error) {
	if r.submitted {
		return nil, errors.AssertionFailedf("recorder already submitted")
	}
	if q >= gpu.QueueTypeCount || r.sync.queues[q] == nil {
		return nil, errors.AssertionFailedf("no %s queue", q)
	}
	if r.lists[q] != nil {
		return r.lists[q], nil
	}

	a, err := r.sync.pools.Pool(q).QueryAllocator()
	if err != nil {
		return nil, err
	}
	l, err := r.sync.takeList(q, a)
	if err != nil {
		return nil, err
	}
	r.allocs[q], r.lists[q] = a, l
	return l, nil
}

// WaitOn makes the GPU finish c before it executes this recorder's lists.
// The CPU does not block.
func (r *Recorder) WaitOn(c Completion) {
	r.waits = r.waits.Merge(c)
}

// Empty reports whether no list was opened.
func (r *Recorder) Empty() bool {
	for _, l := range r.lists {
		if l != nil {
			return false
		}
	}
	return true
}

func (s *Synchronizer) takeList(q gpu.QueueType, a gpu.CommandAllocator) (gpu.CommandList, error) {
	free := s.freeLists[q]
	if n := len(free); n > 0 {
		l := free[n-1]
		s.freeLists[q] = free[:n-1]
		if err := l.Reset(a); err != nil {
			return nil, core.DeviceError(err, "CommandList.Reset")
		}
		return l, nil
	}
	l, err := s.dev.CreateCommandList(q, a)
	if err != nil {
		return nil, core.DeviceError(err, "CreateCommandList")
	}
	s.lists = append(s.lists, l)
	return l, nil
}
