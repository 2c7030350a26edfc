package frame

import "fmt"

type SlotState int

const (
	SlotIdle SlotState = iota
	SlotRecording
	SlotSubmitted
	SlotWaited
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "Idle"
	case SlotRecording:
		return "Recording"
	case SlotSubmitted:
		return "Submitted"
	case SlotWaited:
		return "Waited"
	}
	return fmt.Sprintf("SlotState(%d)", int(s))
}

// SlotSource picks the slot the next frame records into. A swap chain
// returns its current back-buffer index.
type SlotSource interface {
	NextSlot(current, count int) int
}

// RoundRobin cycles through the slots in order. current is -1 before the
// first frame.
type RoundRobin struct{}

func (RoundRobin) NextSlot(current, count int) int {
	return (current + 1) % count
}

type slot struct {
	state SlotState
	value uint64
}
