package gpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// DescriptorHeapType is the category of a descriptor heap.
type DescriptorHeapType int

const (
	DescriptorHeapCbvSrvUav DescriptorHeapType = iota
	DescriptorHeapSampler
	DescriptorHeapRtv
	DescriptorHeapDsv

	DescriptorHeapTypeCount
)

func (t DescriptorHeapType) String() string {
	switch t {
	case DescriptorHeapCbvSrvUav:
		return "CBV_SRV_UAV"
	case DescriptorHeapSampler:
		return "SAMPLER"
	case DescriptorHeapRtv:
		return "RTV"
	case DescriptorHeapDsv:
		return "DSV"
	default:
		return fmt.Sprintf("DescriptorHeapType(%d)", int(t))
	}
}

// CanBeShaderVisible reports whether heaps of this type may be bound
// to shaders. Only CBV/SRV/UAV and sampler heaps can.
func (t DescriptorHeapType) CanBeShaderVisible() bool {
	return t == DescriptorHeapCbvSrvUav || t == DescriptorHeapSampler
}

// DescriptorHeapDesc describes a descriptor heap.
type DescriptorHeapDesc struct {
	Type          DescriptorHeapType
	Capacity      uint32
	ShaderVisible bool
}

// DescriptorHeap is a fixed-capacity table of descriptors.
type DescriptorHeap interface {
	Releaser

	Desc() DescriptorHeapDesc
	CPUStart() CPUDescriptorHandle
	// GPUStart returns zero for heaps that are not shader visible.
	GPUStart() GPUDescriptorHandle
}

// BufferViewDesc describes a buffer shader resource view.
type BufferViewDesc struct {
	FirstElement uint64
	NumElements  uint32
	// StructureByteStride is zero for raw (byte-address) views.
	StructureByteStride uint32
	Raw                 bool
}

// RawBufferView returns the byte-address view of a whole buffer of the
// given size. Raw views address 32-bit elements.
func RawBufferView(size uint64) *BufferViewDesc {
	return &BufferViewDesc{NumElements: uint32(size / 4), Raw: true}
}

// StructuredBufferView returns a view over count elements of stride bytes.
func StructuredBufferView(count, stride uint32) *BufferViewDesc {
	return &BufferViewDesc{NumElements: count, StructureByteStride: stride}
}

// TextureViewDesc describes a texture shader resource view.
type TextureViewDesc struct {
	Format    gputypes.TextureFormat
	Dimension gputypes.TextureViewDimension
	MipLevels uint32
}
