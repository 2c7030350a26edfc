package descriptor

import (
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/containers"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// Stats is a snapshot of a heap's counters.
type Stats struct {
	Capacity  uint32
	HighWater uint32
	Free      int
}

// Heap hands out slots of one fixed-capacity descriptor heap.
//
// Ranges grow the high-water mark and are never reclaimed. Single slots
// released with Release go to a FIFO free queue that AllocateOne drains
// before growing the high-water mark.
type Heap struct {
	typ      gpu.DescriptorHeapType
	native   gpu.DescriptorHeap
	capacity uint32
	stride   uint32
	cpuStart gpu.CPUDescriptorHandle
	gpuStart gpu.GPUDescriptorHandle

	next  uint32
	free  *containers.RingQueue[uint32]
	freed map[uint32]struct{}

	locks  *core.LockPool
	logger *log.Logger
}

// NewHeap creates the device heap and its allocator.
// Only CBV/SRV/UAV and sampler heaps can be shader visible.
func NewHeap(dev gpu.Device, typ gpu.DescriptorHeapType, capacity uint32, shaderVisible bool, locks *core.LockPool) (*Heap, error) {
	if capacity == 0 {
		return nil, core.Fatalf(core.ErrHeapExhausted, "%s heap with zero capacity", typ)
	}
	if shaderVisible && !typ.CanBeShaderVisible() {
		return nil, errors.AssertionFailedf("%s heaps cannot be shader visible", typ)
	}
	native, err := dev.CreateDescriptorHeap(&gpu.DescriptorHeapDesc{
		Type:          typ,
		Capacity:      capacity,
		ShaderVisible: shaderVisible,
	})
	if err != nil {
		return nil, core.DeviceError(err, "CreateDescriptorHeap")
	}
	if locks == nil {
		locks = core.NewLockPool()
	}
	h := &Heap{
		typ:      typ,
		native:   native,
		capacity: capacity,
		stride:   dev.DescriptorHandleIncrementSize(typ),
		cpuStart: native.CPUStart(),
		gpuStart: native.GPUStart(),
		free:     containers.NewRingQueue[uint32](16),
		freed:    make(map[uint32]struct{}),
		locks:    locks,
		logger:   core.Logger("descriptor"),
	}
	h.logger.Info("descriptor heap created", "type", typ, "capacity", capacity, "shaderVisible", shaderVisible)
	return h, nil
}

func (h *Heap) Type() gpu.DescriptorHeapType { return h.typ }

// Native returns the device heap, for binding.
func (h *Heap) Native() gpu.DescriptorHeap { return h.native }

func (h *Heap) ShaderVisible() bool { return h.gpuStart != 0 }

// Allocate returns count contiguous slots from the high-water mark.
// Running out of slots is a configuration error.
func (h *Heap) Allocate(count uint32) (Allocation, error) {
	var a Allocation
	err := h.locks.SafeCall(core.DescriptorManagement, func() error {
		if count == 0 {
			return errors.AssertionFailedf("%s: allocation of zero descriptors", h.typ)
		}
		if count > h.capacity-h.next {
			return core.Fatalf(core.ErrHeapExhausted, "%s heap exhausted: %d requested, %d of %d used",
				h.typ, count, h.next, h.capacity)
		}
		a = h.slot(h.next, count)
		h.next += count
		return nil
	})
	return a, err
}

// AllocateOne returns a single slot, preferring released ones.
func (h *Heap) AllocateOne() (Allocation, error) {
	var a Allocation
	reused := false
	err := h.locks.SafeCall(core.DescriptorManagement, func() error {
		if idx, err := h.free.Dequeue(); err == nil {
			delete(h.freed, idx)
			a = h.slot(idx, 1)
			reused = true
			return nil
		}
		if h.next == h.capacity {
			return core.Fatalf(core.ErrHeapExhausted, "%s heap exhausted: %d of %d used", h.typ, h.next, h.capacity)
		}
		a = h.slot(h.next, 1)
		h.next++
		return nil
	})
	if err == nil && reused {
		h.logger.Debug("descriptor slot reused", "type", h.typ, "index", a.index)
	}
	return a, err
}

// Release returns a single-slot allocation from this heap to the free
// queue. Ranges, foreign allocations and double releases are programming
// errors.
func (h *Heap) Release(a Allocation) error {
	return h.locks.SafeCall(core.DescriptorManagement, func() error {
		switch {
		case a.IsNull():
			return errors.AssertionFailedf("%s: release of the null allocation", h.typ)
		case a.heap != h:
			return errors.AssertionFailedf("%s: release of %s from another heap", h.typ, a)
		case a.count != 1:
			return errors.AssertionFailedf("%s: release of range %s; only single slots are recycled", h.typ, a)
		}
		if _, ok := h.freed[a.index]; ok {
			return errors.AssertionFailedf("%s: slot %d released twice", h.typ, a.index)
		}
		h.freed[a.index] = struct{}{}
		h.free.Enqueue(a.index)
		return nil
	})
}

func (h *Heap) Stats() Stats {
	var s Stats
	h.locks.SafeCall(core.DescriptorManagement, func() error {
		s = Stats{Capacity: h.capacity, HighWater: h.next, Free: h.free.Len()}
		return nil
	})
	return s
}

func (h *Heap) Destroy() {
	h.native.Release()
}

func (h *Heap) slot(index, count uint32) Allocation {
	a := Allocation{
		heap:   h,
		index:  index,
		count:  count,
		stride: h.stride,
		cpu:    h.cpuStart + gpu.CPUDescriptorHandle(index*h.stride),
	}
	if h.gpuStart != 0 {
		a.gpu = h.gpuStart + gpu.GPUDescriptorHandle(index*h.stride)
	}
	return a
}
