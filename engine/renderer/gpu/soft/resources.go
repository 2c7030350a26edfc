package soft

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// AccelerationStructure is what a build left in its destination buffer.
type AccelerationStructure struct {
	Type       gpu.AccelerationStructureType
	Flags      gpu.BuildFlags
	NumDescs   uint32
	Geometries []gpu.GeometryDesc
	// Instances are the records the build read from the instance
	// buffer when it executed.
	Instances []gpu.InstanceDesc
	Updates   int
}

// Buffer is the in-memory gpu.Buffer.
type Buffer struct {
	dev      *Device
	id       uint32
	desc     gpu.BufferDesc
	addr     gpu.GPUAddress
	data     []byte
	mapped   bool
	released bool
	as       *AccelerationStructure
}

var _ gpu.Buffer = (*Buffer)(nil)

func (b *Buffer) Desc() gpu.BufferDesc { return b.desc }
func (b *Buffer) Size() uint64 { return b.desc.Size }
func (b *Buffer) GPUAddress() gpu.GPUAddress { return b.addr }
func (b *Buffer) Label() string { return b.desc.Label }

func (b *Buffer) Map() ([]byte, error) {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.released {
		return nil, errors.Newf("Map: %s was released", b.desc.Label)
	}
	if b.desc.Heap != gpu.HeapUpload {
		return nil, errors.Newf("Map: %s is not in the upload heap", b.desc.Label)
	}
	b.mapped = true
	return b.data, nil
}

func (b *Buffer) Unmap() {
	b.dev.mu.Lock()
	b.mapped = false
	b.dev.mu.Unlock()
}

func (b *Buffer) Release() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	if b.released {
		return
	}
	b.released = true
	b.as = nil
	delete(b.dev.buffers, b.id)
	b.dev.ids.Release(b.id)
}

// Released reports whether Release was called.
func (b *Buffer) Released() bool {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	return b.released
}

// Bytes returns a copy of the buffer contents as the GPU sees them.
func (b *Buffer) Bytes() []byte {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	return append([]byte(nil), b.data...)
}

// AccelerationStructure returns the structure built into the buffer, or
// nil.
func (b *Buffer) AccelerationStructure() *AccelerationStructure {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	return b.as
}

// Texture is the in-memory gpu.Texture. It holds no texels.
type Texture struct {
	dev      *Device
	desc     gpu.TextureDesc
	released bool
}

var _ gpu.Texture = (*Texture)(nil)

func (t *Texture) Desc() gpu.TextureDesc { return t.desc }

func (t *Texture) Release() {
	t.dev.mu.Lock()
	defer t.dev.mu.Unlock()
	if !t.released {
		t.released = true
		t.dev.textures--
	}
}

// DescriptorHeap is the in-memory gpu.DescriptorHeap.
type DescriptorHeap struct {
	dev      *Device
	desc     gpu.DescriptorHeapDesc
	cpu      gpu.CPUDescriptorHandle
	gpu      gpu.GPUDescriptorHandle
	inc      uint32
	released bool
}

var _ gpu.DescriptorHeap = (*DescriptorHeap)(nil)

func (h *DescriptorHeap) Desc() gpu.DescriptorHeapDesc { return h.desc }
func (h *DescriptorHeap) CPUStart() gpu.CPUDescriptorHandle { return h.cpu }
func (h *DescriptorHeap) GPUStart() gpu.GPUDescriptorHandle { return h.gpu }

func (h *DescriptorHeap) Release() {
	h.dev.mu.Lock()
	h.released = true
	h.dev.mu.Unlock()
}
