package raytracing

import (
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

// PrebuildInfo holds buffer sizes for one build, aligned for allocation.
type PrebuildInfo struct {
	ScratchBytes               uint64
	AccelerationStructureBytes uint64
	// InstanceBufferBytes is zero for bottom-level builds.
	InstanceBufferBytes uint64
	UpdateScratchBytes  uint64
}

// Retirer defers releasing r until the GPU work recorded so far has
// completed.
type Retirer interface {
	Retire(r gpu.Releaser)
}

// BlasBuffers own the buffers of one bottom-level structure.
// Scratch is nil once it has been handed to a Retirer.
type BlasBuffers struct {
	Scratch gpu.Buffer
	Result  gpu.Buffer
	Info    PrebuildInfo
}

// Valid reports whether the structure has a result buffer.
func (b *BlasBuffers) Valid() bool {
	return b != nil && b.Result != nil
}

// Address returns the GPU address instances reference the BLAS by.
func (b *BlasBuffers) Address() gpu.GPUAddress {
	return b.Result.GPUAddress()
}

// Release frees the owned buffers. b is invalid afterwards.
func (b *BlasBuffers) Release() {
	if b == nil {
		return
	}
	releaseAll(&b.Scratch, &b.Result)
}

// TlasBuffers own the buffers of one top-level structure. Scratch is
// kept because every update needs it.
type TlasBuffers struct {
	Scratch  gpu.Buffer
	Result   gpu.Buffer
	Instance gpu.Buffer
	Info     PrebuildInfo

	// InstanceCount is the number of records the structure was
	// built over. Updates must keep it.
	InstanceCount uint32
	Flags         gpu.BuildFlags
	Updates       int
}

// Valid reports whether the structure has result and instance buffers.
func (t *TlasBuffers) Valid() bool {
	return t != nil && t.Result != nil && t.Instance != nil
}

// Address returns the address ray queries bind.
func (t *TlasBuffers) Address() gpu.GPUAddress {
	return t.Result.GPUAddress()
}

// Updatable reports whether the structure can be refitted in place.
func (t *TlasBuffers) Updatable() bool {
	return t.Valid() && t.Flags.Has(gpu.BuildFlagAllowUpdate)
}

func (t *TlasBuffers) Release() {
	if t == nil {
		return
	}
	releaseAll(&t.Scratch, &t.Result, &t.Instance)
}

func releaseAll(bufs ...*gpu.Buffer) {
	for _, b := range bufs {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
}

// TopLevelInstance places a BLAS in the TLAS. The BLAS is shared, not
// owned.
type TopLevelInstance struct {
	Blas          *BlasBuffers
	Transform     math.Mat4
	InstanceID    uint32
	HitGroupIndex uint32
	Flags         gpu.InstanceFlags
	// Mask is the ray-visibility mask; zero selects 0xFF.
	Mask uint8
}

func (i *TopLevelInstance) record() gpu.InstanceDesc {
	mask := i.Mask
	if mask == 0 {
		mask = 0xFF
	}
	return gpu.InstanceDesc{
		Transform:             i.Transform.ToAffine3x4(),
		InstanceID:            i.InstanceID,
		InstanceMask:          mask,
		HitGroupIndex:         i.HitGroupIndex,
		Flags:                 i.Flags,
		AccelerationStructure: i.Blas.Address(),
	}
}
