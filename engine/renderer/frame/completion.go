package frame

import (
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// Completion names the fence values a submission signals, one per queue
// type that executed work. A zero value means nothing was submitted on
// that queue.
type Completion struct {
	values [gpu.QueueTypeCount]uint64
}

// Value returns the fence value signaled on queue q, zero if none.
func (c Completion) Value(q gpu.QueueType) uint64 {
	return c.values[q]
}

// IsZero reports whether the completion covers no work.
func (c Completion) IsZero() bool {
	return c == Completion{}
}

// Merge returns a completion that is done when both c and o are.
func (c Completion) Merge(o Completion) Completion {
	for q := range c.values {
		c.values[q] = max(c.values[q], o.values[q])
	}
	return c
}
