// Package frame paces CPU recording against GPU execution: frame slots
// gated by a frame fence, per-queue submissions that return completions,
// and deferred release of resources the GPU may still read.
package frame

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/command"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type Options struct {
	// FramesInFlight is the number of slots. Zero means 2.
	FramesInFlight int
	// Source picks slots. Nil means RoundRobin.
	Source SlotSource
}

// Synchronizer owns one fence per queue type plus the frame fence, which
// the graphics queue signals at the end of every frame.
type Synchronizer struct {
	dev    gpu.Device
	queues [gpu.QueueTypeCount]gpu.Queue
	fences [gpu.QueueTypeCount]gpu.Fence
	issued [gpu.QueueTypeCount]uint64
	pools  *command.Pools

	frameFence gpu.Fence
	maxIssued  uint64
	slots      []slot
	current    int
	source     SlotSource

	lists     []gpu.CommandList
	freeLists [gpu.QueueTypeCount][]gpu.CommandList
	last      Completion
	retired   []retirement
	// open counts recorders begun and not yet submitted.
	open int

	blockingWaits int
	clock         *core.Clock
	metrics       *core.FrameMetrics

	locks  *core.LockPool
	logger *log.Logger
}

// New creates the synchronizer's fences. queues may leave types nil; the
// graphics queue is required.
func New(dev gpu.Device, queues [gpu.QueueTypeCount]gpu.Queue, pools *command.Pools, locks *core.LockPool, opts Options) (*Synchronizer, error) {
	if queues[gpu.QueueGraphics] == nil {
		return nil, errors.AssertionFailedf("frame synchronizer needs a graphics queue")
	}
	if opts.FramesInFlight == 0 {
		opts.FramesInFlight = 2
	}
	if opts.FramesInFlight < 0 {
		return nil, errors.AssertionFailedf("frames in flight %d", opts.FramesInFlight)
	}
	if opts.Source == nil {
		opts.Source = RoundRobin{}
	}
	if locks == nil {
		locks = core.NewLockPool()
	}

	s := &Synchronizer{
		dev:     dev,
		queues:  queues,
		pools:   pools,
		slots:   make([]slot, opts.FramesInFlight),
		current: -1,
		source:  opts.Source,
		clock:   core.NewClock(),
		metrics: core.NewFrameMetrics(),
		locks:   locks,
		logger:  core.Logger("frame"),
	}
	var err error
	if s.frameFence, err = dev.CreateFence(0); err != nil {
		return nil, core.DeviceError(err, "CreateFence(frame)")
	}
	for q, queue := range queues {
		if queue == nil {
			continue
		}
		if s.fences[q], err = dev.CreateFence(0); err != nil {
			s.Destroy()
			return nil, core.DeviceError(err, "CreateFence("+gpu.QueueType(q).String()+")")
		}
	}
	s.logger.Info("frame synchronizer created", "framesInFlight", opts.FramesInFlight)
	return s, nil
}

// NextFrame moves to the slot picked by the SlotSource, waits for the GPU
// to finish the frame last recorded there if it has not yet, and assigns
// the slot the next frame value. It returns the slot index.
func (s *Synchronizer) NextFrame(ctx context.Context) (int, error) {
	if s.current >= 0 && s.slots[s.current].state == SlotRecording {
		return 0, errors.AssertionFailedf("NextFrame while slot %d is recording", s.current)
	}
	s.clock.Update()
	if e := s.clock.Elapsed(); e > 0 {
		s.metrics.Update(e)
	}
	s.clock.Start()

	idx := s.source.NextSlot(s.current, len(s.slots))
	if idx < 0 || idx >= len(s.slots) {
		return 0, errors.AssertionFailedf("slot source returned %d of %d slots", idx, len(s.slots))
	}
	sl := &s.slots[idx]
	if sl.state == SlotSubmitted {
		if err := s.WaitForFenceValue(ctx, sl.value); err != nil {
			return 0, err
		}
		sl.state = SlotWaited
	}
	s.drain()

	s.maxIssued++
	sl.value = s.maxIssued
	sl.state = SlotRecording
	s.current = idx
	return idx, nil
}

// EndFrame signals the frame fence on the graphics queue after all work
// submitted so far in the frame.
func (s *Synchronizer) EndFrame() error {
	if s.current < 0 || s.slots[s.current].state != SlotRecording {
		return errors.AssertionFailedf("EndFrame without a recording frame")
	}
	sl := &s.slots[s.current]
	err := s.locks.SafeQueueCall(int(gpu.QueueGraphics), func() error {
		return s.queues[gpu.QueueGraphics].Signal(s.frameFence, sl.value)
	})
	if err != nil {
		return core.DeviceError(err, "Queue.Signal(frame)")
	}
	sl.state = SlotSubmitted
	return nil
}

// WaitForFenceValue blocks until the frame fence reaches v. It returns
// at once when the fence is already there.
func (s *Synchronizer) WaitForFenceValue(ctx context.Context, v uint64) error {
	return s.waitFence(ctx, s.frameFence, v, "frame")
}

func (s *Synchronizer) waitFence(ctx context.Context, f gpu.Fence, v uint64, name string) error {
	if f.CompletedValue() >= v {
		return nil
	}
	s.blockingWaits++
	s.logger.Debug("waiting for fence", "fence", name, "value", v, "completed", f.CompletedValue())
	if err := f.WaitForValue(ctx, v); err != nil {
		return core.DeviceError(err, "Fence.WaitForValue("+name+")")
	}
	return nil
}

// WaitIdle waits for every frame and submission issued so far and
// releases everything retired.
func (s *Synchronizer) WaitIdle(ctx context.Context) error {
	if s.current >= 0 && s.slots[s.current].state == SlotRecording {
		return errors.AssertionFailedf("WaitIdle while slot %d is recording", s.current)
	}
	if err := s.WaitForFenceValue(ctx, s.maxIssued); err != nil {
		return err
	}
	var slotMax uint64
	for i := range s.slots {
		slotMax = max(slotMax, s.slots[i].value)
	}
	if waited := s.frameFence.CompletedValue(); waited != s.maxIssued || slotMax != s.maxIssued {
		return core.Fatalf(core.ErrStaleFence, "waited for frame value %d, slots issued up to %d of %d",
			waited, slotMax, s.maxIssued)
	}
	if err := s.Wait(ctx, s.last); err != nil {
		return err
	}
	for i := range s.slots {
		if s.slots[i].state == SlotSubmitted {
			s.slots[i].state = SlotWaited
		}
	}
	s.drain()
	return nil
}

// BeginFrame returns a recorder for the current frame. It may also be
// used outside a frame, for example while loading a scene.
func (s *Synchronizer) BeginFrame() *Recorder {
	r := &Recorder{sync: s}
	s.open++
	if s.current >= 0 && s.slots[s.current].state == SlotRecording {
		r.frame = s.slots[s.current].value
	}
	return r
}

// Submit closes and executes the recorder's lists, one queue at a time
// (copy, compute, graphics), each preceded by the GPU waits requested
// with WaitOn and followed by a signal of the queue's fence. Allocators go
// back to their pools gated on that signal.
func (s *Synchronizer) Submit(r *Recorder) (Completion, error) {
	if r.sync != s || r.submitted {
		return Completion{}, errors.AssertionFailedf("recorder submitted twice or to another synchronizer")
	}
	r.submitted = true

	var c Completion
	defer func() { s.settle(r, c) }()
	for _, q := range [...]gpu.QueueType{gpu.QueueCopy, gpu.QueueCompute, gpu.QueueGraphics} {
		l := r.lists[q]
		if l == nil {
			continue
		}
		if err := l.Close(); err != nil {
			return c, core.DeviceError(err, "CommandList.Close("+q.String()+")")
		}
		err := s.locks.SafeQueueCall(int(q), func() error {
			queue := s.queues[q]
			for w, v := range r.waits.values {
				if v == 0 || gpu.QueueType(w) == q {
					continue
				}
				if err := queue.Wait(s.fences[w], v); err != nil {
					return core.DeviceError(err, "Queue.Wait")
				}
			}
			if err := queue.ExecuteCommandLists(l); err != nil {
				return core.DeviceError(err, "Queue.ExecuteCommandLists")
			}
			s.issued[q]++
			if err := queue.Signal(s.fences[q], s.issued[q]); err != nil {
				return core.DeviceError(err, "Queue.Signal")
			}
			return nil
		})
		if err != nil {
			return c, errors.Wrapf(err, "%s submission", q)
		}
		c.values[q] = s.issued[q]
		if err := s.pools.Pool(q).DiscardAllocator(r.allocs[q], s.fences[q], s.issued[q]); err != nil {
			return c, err
		}
		s.freeLists[q] = append(s.freeLists[q], l)
	}
	return c, nil
}

// Wait blocks until every queue in c has reached its value.
func (s *Synchronizer) Wait(ctx context.Context, c Completion) error {
	for q, v := range c.values {
		if v == 0 {
			continue
		}
		if err := s.waitFence(ctx, s.fences[q], v, gpu.QueueType(q).String()); err != nil {
			return err
		}
	}
	return nil
}

// Done reports whether the GPU has finished c.
func (s *Synchronizer) Done(c Completion) bool {
	for q, v := range c.values {
		if v != 0 && s.fences[q].CompletedValue() < v {
			return false
		}
	}
	return true
}

func (s *Synchronizer) Slot() int { return s.current }

func (s *Synchronizer) SlotState(i int) SlotState { return s.slots[i].state }

func (s *Synchronizer) SlotValue(i int) uint64 { return s.slots[i].value }

func (s *Synchronizer) MaxIssued() uint64 { return s.maxIssued }

// FrameFence returns the fence the graphics queue signals per frame.
func (s *Synchronizer) FrameFence() gpu.Fence { return s.frameFence }

// BlockingWaits counts the fence waits that actually blocked.
func (s *Synchronizer) BlockingWaits() int { return s.blockingWaits }

func (s *Synchronizer) Metrics() *core.FrameMetrics { return s.metrics }

// Destroy releases retired resources, command lists and fences. The GPU
// must be idle.
func (s *Synchronizer) Destroy() {
	s.locks.SafeCall(core.SynchronizationManagement, func() error {
		for _, r := range s.retired {
			r.res.Release()
		}
		s.retired = nil
		return nil
	})
	for _, l := range s.lists {
		l.Release()
	}
	s.lists = nil
	s.freeLists = [gpu.QueueTypeCount][]gpu.CommandList{}
	for q, f := range s.fences {
		if f != nil {
			f.Release()
			s.fences[q] = nil
		}
	}
	if s.frameFence != nil {
		s.frameFence.Release()
		s.frameFence = nil
	}
}
