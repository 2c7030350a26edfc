package descriptor

import (
	"fmt"

	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// Allocation is a contiguous run of descriptor slots in one heap.
// The zero value is the null allocation.
type Allocation struct {
	heap   *Heap
	index  uint32
	count  uint32
	stride uint32
	cpu    gpu.CPUDescriptorHandle
	gpu    gpu.GPUDescriptorHandle
}

// IsNull reports whether a is the null allocation.
func (a Allocation) IsNull() bool { return a.cpu == 0 }

// Index returns the heap slot of the first descriptor. Shaders index
// bindless tables relative to the heap start with it.
func (a Allocation) Index() uint32 { return a.index }

func (a Allocation) Count() uint32 { return a.count }

// Stride is the handle increment between consecutive slots.
func (a Allocation) Stride() uint32 { return a.stride }

// CPUHandle returns the handle of the first slot.
func (a Allocation) CPUHandle() gpu.CPUDescriptorHandle { return a.cpu }

// GPUHandle returns the shader-visible handle of the first slot, or zero.
func (a Allocation) GPUHandle() gpu.GPUDescriptorHandle { return a.gpu }

// CPUAt returns the handle of slot i. It panics if i is out of range.
func (a Allocation) CPUAt(i uint32) gpu.CPUDescriptorHandle {
	a.check(i)
	return a.cpu + gpu.CPUDescriptorHandle(i*a.stride)
}

// GPUAt returns the shader-visible handle of slot i, or zero for
// CPU-only heaps. It panics if i is out of range.
func (a Allocation) GPUAt(i uint32) gpu.GPUDescriptorHandle {
	a.check(i)
	if a.gpu == 0 {
		return 0
	}
	return a.gpu + gpu.GPUDescriptorHandle(i*a.stride)
}

func (a Allocation) check(i uint32) {
	if i >= a.count {
		panic(fmt.Sprintf("descriptor index %d out of range [0, %d)", i, a.count))
	}
}

func (a Allocation) String() string {
	if a.IsNull() {
		return "Allocation(null)"
	}
	return fmt.Sprintf("Allocation(%s[%d:%d])", a.heap.typ, a.index, a.index+a.count)
}
