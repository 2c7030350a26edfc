package frame

import (
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type retirement struct {
	res gpu.Releaser
	// frame is the frame fence value to reach, zero outside a frame.
	frame uint64
	after Completion
	// pending retirements wait for the open recorders to be submitted
	// before after is known.
	pending bool
}

// Retire releases r once the GPU work that may use it is done. While a
// recorder is open, r waits for every open recorder to be submitted and
// is then tied to all submissions made up to that point. Inside a frame it
// also waits for the frame fence.
func (s *Synchronizer) Retire(r gpu.Releaser) {
	ret := retirement{res: r, after: s.last, pending: s.open > 0}
	if s.current >= 0 && s.slots[s.current].state == SlotRecording {
		ret.frame = s.slots[s.current].value
	}
	s.enqueue(ret)
}

// RetireAfter releases r once c is done.
func (s *Synchronizer) RetireAfter(r gpu.Releaser, c Completion) {
	s.enqueue(retirement{res: r, after: c})
}

// Retire releases res once the GPU has executed this recorder's lists.
func (r *Recorder) Retire(res gpu.Releaser) {
	r.retired = append(r.retired, res)
}

// Retired returns the number of resources waiting for release.
func (s *Synchronizer) Retired() int {
	var n int
	s.locks.SafeCall(core.SynchronizationManagement, func() error {
		n = len(s.retired)
		return nil
	})
	return n
}

func (s *Synchronizer) enqueue(r retirement) {
	s.locks.SafeCall(core.SynchronizationManagement, func() error {
		s.retired = append(s.retired, r)
		return nil
	})
}

// settle runs when r leaves the open set: its own retirements are tied to
// c, and once no recorder is open the pending ones to everything
// submitted so far.
func (s *Synchronizer) settle(r *Recorder, c Completion) {
	s.last = s.last.Merge(c)
	s.open--
	s.locks.SafeCall(core.SynchronizationManagement, func() error {
		for _, res := range r.retired {
			s.retired = append(s.retired, retirement{res: res, frame: r.frame, after: c})
		}
		if s.open > 0 {
			return nil
		}
		for i := range s.retired {
			if s.retired[i].pending {
				s.retired[i].after = s.last
				s.retired[i].pending = false
			}
		}
		return nil
	})
	r.retired = nil
}

func (s *Synchronizer) drain() {
	s.locks.SafeCall(core.SynchronizationManagement, func() error {
		done := s.frameFence.CompletedValue()
		kept := s.retired[:0]
		released := 0
		for _, r := range s.retired {
			if r.pending || done < r.frame || !s.Done(r.after) {
				kept = append(kept, r)
				continue
			}
			r.res.Release()
			released++
		}
		clear(s.retired[len(kept):])
		s.retired = kept
		if released > 0 {
			s.logger.Debug("retired resources released", "count", released, "pending", len(kept))
		}
		return nil
	})
}
