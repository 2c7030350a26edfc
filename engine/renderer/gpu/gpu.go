// Package gpu defines the explicit device layer the renderer core consumes:
// a single device, per-type command queues, fences, command allocators and
// lists, buffers, textures and descriptor heaps.
// Implementations live in sub-packages (see soft).
package gpu

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
)

// QueueType identifies one of the independent GPU queues.
type QueueType int

const (
	QueueGraphics QueueType = iota
	QueueCompute
	QueueCopy

	QueueTypeCount
)

func (t QueueType) String() string {
	switch t {
	case QueueGraphics:
		return "graphics"
	case QueueCompute:
		return "compute"
	case QueueCopy:
		return "copy"
	default:
		return fmt.Sprintf("QueueType(%d)", int(t))
	}
}

// HeapType selects the memory a buffer lives in.
type HeapType int

const (
	// HeapDefault is GPU-local memory. It cannot be mapped.
	HeapDefault HeapType = iota
	// HeapUpload is CPU-writable memory the GPU reads across the bus.
	HeapUpload
)

// GPUAddress is a GPU virtual address. Zero means null.
type GPUAddress uint64

// CPUDescriptorHandle addresses a descriptor slot for writing views.
type CPUDescriptorHandle uint64

// GPUDescriptorHandle addresses a descriptor slot from shaders.
// Zero when the heap is not shader visible.
type GPUDescriptorHandle uint64

// Device is the main interface to the underlying GPU.
// It creates every other object and answers sizing queries.
type Device interface {
	// Limits returns the implementation limits.
	// They are immutable for the lifetime of the Device.
	Limits() Limits

	// CreateCommandQueue creates a queue of the given type.
	CreateCommandQueue(t QueueType) (Queue, error)

	// CreateFence creates a fence whose completed value starts at
	// initial.
	CreateFence(initial uint64) (Fence, error)

	// CreateCommandAllocator creates the backing memory for
	// command lists of the given queue type.
	CreateCommandAllocator(t QueueType) (CommandAllocator, error)

	// CreateCommandList creates a command list that records into a.
	// The list is returned open for recording.
	CreateCommandList(t QueueType, a CommandAllocator) (CommandList, error)

	// CreateBuffer creates a buffer.
	CreateBuffer(desc *BufferDesc) (Buffer, error)

	// CreateTexture creates a 2D texture.
	CreateTexture(desc *TextureDesc) (Texture, error)

	// CreateDescriptorHeap creates a descriptor heap.
	CreateDescriptorHeap(desc *DescriptorHeapDesc) (DescriptorHeap, error)

	// DescriptorHandleIncrementSize returns the distance between
	// two consecutive slots of a heap of the given type.
	DescriptorHandleIncrementSize(t DescriptorHeapType) uint32

	// CreateBufferView writes a buffer shader resource view into dst.
	CreateBufferView(b Buffer, desc *BufferViewDesc, dst CPUDescriptorHandle)

	// CreateTextureView writes a texture shader resource view into
	// dst. A nil texture writes a null descriptor.
	CreateTextureView(t Texture, desc *TextureViewDesc, dst CPUDescriptorHandle)

	// RaytracingPrebuildInfo returns the unaligned minimum buffer
	// sizes needed to build an acceleration structure from inputs.
	RaytracingPrebuildInfo(inputs *BuildInputs) PrebuildInfo
}

// Releaser is implemented by every object that owns device memory.
// Release must be called explicitly; the GC does not reclaim it.
type Releaser interface {
	Release()
}

// Queue executes command lists in submission order.
type Queue interface {
	Type() QueueType

	// ExecuteCommandLists submits closed command lists.
	ExecuteCommandLists(lists ...CommandList) error

	// Signal sets f to v once all previously submitted work on
	// this queue completes.
	Signal(f Fence, v uint64) error

	// Wait makes the queue wait, on the GPU, until f reaches v.
	// The CPU does not block.
	Wait(f Fence, v uint64) error
}

// Fence is a monotonically increasing counter signaled by queues.
type Fence interface {
	Releaser

	// CompletedValue returns the last value the GPU reached.
	CompletedValue() uint64

	// WaitForValue blocks until CompletedValue() >= v or ctx is
	// done.
	WaitForValue(ctx context.Context, v uint64) error
}

// CommandAllocator owns the memory of recorded commands.
// It must not be reset while commands recorded into it may still
// execute.
type CommandAllocator interface {
	Releaser

	Type() QueueType
	Reset() error
}

// CommandList records GPU commands into a CommandAllocator.
// Commands execute, in record order, only after the list is closed
// and submitted to a Queue.
type CommandList interface {
	Releaser

	Type() QueueType

	// Reset reopens the list for recording into a.
	Reset(a CommandAllocator) error

	// Close ends recording.
	Close() error

	// CopyBuffer copies size bytes from src to dst.
	CopyBuffer(dst Buffer, dstOffset uint64, src Buffer, srcOffset, size uint64)

	// BuildRaytracingAccelerationStructure records a BLAS/TLAS
	// build or update.
	BuildRaytracingAccelerationStructure(desc *BuildDesc)

	// UAVBarrier orders all prior writes to b before any later
	// access.
	UAVBarrier(b Buffer)
}

// BufferDesc describes a buffer.
type BufferDesc struct {
	Label string
	Size  uint64
	Heap  HeapType
	Usage gputypes.BufferUsage
	// AccelerationStructure places the buffer in the
	// acceleration-structure state. Such buffers only serve as
	// build destinations and ray-query sources.
	AccelerationStructure bool
}

// Buffer is a linear range of device memory.
type Buffer interface {
	Releaser

	Desc() BufferDesc
	Size() uint64
	GPUAddress() GPUAddress

	// Map returns the CPU view of an upload-heap buffer.
	Map() ([]byte, error)
	Unmap()
}

// TextureDesc describes a 2D texture.
type TextureDesc struct {
	Label     string
	Width     uint32
	Height    uint32
	MipLevels uint32
	Format    gputypes.TextureFormat
}

// Texture is an image resource.
type Texture interface {
	Releaser

	Desc() TextureDesc
}

// Limits are the implementation limits the core relies on.
type Limits struct {
	// Alignment of acceleration-structure buffer sizes and
	// addresses.
	AccelerationStructureAlignment uint64
	// Alignment of constant-buffer placements; instance buffers
	// use it too.
	ConstantBufferPlacementAlignment uint64
	// Size of one hardware instance record.
	InstanceDescSize uint64
}
