package soft

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

type CommandKind int

const (
	CmdCopyBuffer CommandKind = iota
	CmdBuildAccelerationStructure
	CmdUAVBarrier
)

// Command is one recorded command. Only the fields of its Kind are set.
type Command struct {
	Kind CommandKind

	Build gpu.BuildDesc

	Barrier gpu.Buffer

	Dst, Src             gpu.Buffer
	DstOffset, SrcOffset uint64
	Size                 uint64
}

// CommandAllocator refuses to reset while work recorded into it is
// queued or executing.
type CommandAllocator struct {
	dev *Device
	typ gpu.QueueType
	id  int

	pending int
	resets  int
}

var _ gpu.CommandAllocator = (*CommandAllocator)(nil)

func (a *CommandAllocator) Type() gpu.QueueType { return a.typ }

// ID is the creation ordinal of the allocator, starting at 1.
func (a *CommandAllocator) ID() int { return a.id }

// Resets returns how many times the allocator was reset.
func (a *CommandAllocator) Resets() int {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	return a.resets
}

func (a *CommandAllocator) Reset() error {
	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()
	if a.pending > 0 {
		return errors.Newf("command allocator %d reset with %d submissions in flight", a.id, a.pending)
	}
	a.resets++
	return nil
}

func (a *CommandAllocator) Release() {}

// CommandList records commands for later inspection and execution.
type CommandList struct {
	dev   *Device
	typ   gpu.QueueType
	alloc *CommandAllocator
	open  bool
	cmds  []Command
	err   error
}

var _ gpu.CommandList = (*CommandList)(nil)

func (l *CommandList) Type() gpu.QueueType { return l.typ }

// Allocator returns the allocator the list records into.
func (l *CommandList) Allocator() *CommandAllocator { return l.alloc }

// Commands returns a copy of the commands recorded since the last Reset.
func (l *CommandList) Commands() []Command {
	return append([]Command(nil), l.cmds...)
}

func (l *CommandList) Reset(a gpu.CommandAllocator) error {
	if l.open {
		return errors.New("CommandList.Reset: list is still open")
	}
	alloc, ok := a.(*CommandAllocator)
	if !ok || alloc.typ != l.typ {
		return errors.Newf("CommandList.Reset: allocator does not match %s list", l.typ)
	}
	l.alloc = alloc
	l.cmds = nil
	l.err = nil
	l.open = true
	return nil
}

func (l *CommandList) Close() error {
	if !l.open {
		return errors.New("CommandList.Close: list is not open")
	}
	l.open = false
	return l.err
}

func (l *CommandList) record(c Command) {
	if !l.open {
		if l.err == nil {
			l.err = errors.New("command recorded into a closed list")
		}
		return
	}
	l.cmds = append(l.cmds, c)
}

func (l *CommandList) CopyBuffer(dst gpu.Buffer, dstOffset uint64, src gpu.Buffer, srcOffset, size uint64) {
	l.record(Command{Kind: CmdCopyBuffer, Dst: dst, Src: src, DstOffset: dstOffset, SrcOffset: srcOffset, Size: size})
}

func (l *CommandList) BuildRaytracingAccelerationStructure(desc *gpu.BuildDesc) {
	b := *desc
	b.Inputs.Geometries = append([]gpu.GeometryDesc(nil), desc.Inputs.Geometries...)
	l.record(Command{Kind: CmdBuildAccelerationStructure, Build: b})
}

func (l *CommandList) UAVBarrier(b gpu.Buffer) {
	l.record(Command{Kind: CmdUAVBarrier, Barrier: b})
}

func (l *CommandList) Release() {}
