package gi

import (
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/renderer/bindless"
	"github.com/spaghettifunk/anima-rt/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rt/engine/renderer/raytracing"
)

// UploadCompletion is the fence value the copy queue signals once the
// scene's structured buffers are resident.
type UploadCompletion struct {
	Fence gpu.Fence
	Value uint64
}

type instanceRange struct {
	instance *metadata.MeshInstance
	first    uint32
}

// Scene is the flattened, shader-addressable form of a list of mesh
// instances. Geometry i and material i belong to the same submesh.
type Scene struct {
	ID uuid.UUID

	Geometries []GeometryRecord
	Materials  []MaterialRecord
	Buffers    *bindless.Registry[gpu.Buffer]
	Textures   *bindless.Registry[gpu.Texture]

	// Set only when the scene was created with a resource context.
	GeometryBuffer gpu.Buffer
	MaterialBuffer gpu.Buffer
	BufferTable    descriptor.Allocation
	TextureTable   descriptor.Allocation
	GeometrySRV    descriptor.Allocation
	MaterialSRV    descriptor.Allocation

	instances []instanceRange
	upload    UploadCompletion
	heap      *descriptor.Heap
	logger    *log.Logger
}

// HasResources reports whether the scene was uploaded to the GPU.
func (s *Scene) HasResources() bool {
	return s.GeometryBuffer != nil
}

// UploadCompletion returns the copy-queue signal the graphics queue waits
// on before reading the scene. The zero value means there was no upload.
func (s *Scene) UploadCompletion() UploadCompletion {
	return s.upload
}

// Instances returns one TLAS placement per mesh instance. The instance ID
// is the index of the instance's first geometry record, so a shader finds
// its record at InstanceID() + GeometryIndex().
func (s *Scene) Instances() []raytracing.MeshPlacement {
	out := make([]raytracing.MeshPlacement, len(s.instances))
	for i, r := range s.instances {
		out[i] = raytracing.MeshPlacement{
			Mesh:          r.instance.Mesh,
			Transform:     r.instance.World(),
			InstanceID:    r.first,
			HitGroupIndex: r.instance.HitGroupIndex,
			Mask:          r.instance.InstanceMask(),
		}
	}
	return out
}

// Release frees the uploaded buffers and returns the structured-buffer
// views to the heap. The bindless ranges are not recycled. The GPU must
// no longer read the scene.
func (s *Scene) Release() error {
	if !s.HasResources() {
		return nil
	}
	s.GeometryBuffer.Release()
	s.MaterialBuffer.Release()
	s.GeometryBuffer, s.MaterialBuffer = nil, nil
	for _, a := range []*descriptor.Allocation{&s.GeometrySRV, &s.MaterialSRV} {
		if a.IsNull() {
			continue
		}
		if err := s.heap.Release(*a); err != nil {
			return err
		}
		*a = descriptor.Allocation{}
	}
	s.logger.Info("scene released", "id", s.ID)
	return nil
}
