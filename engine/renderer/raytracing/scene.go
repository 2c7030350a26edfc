package raytracing

import (
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// MeshPlacement places one mesh in the scene.
type MeshPlacement struct {
	Mesh          *metadata.Mesh
	Transform     math.Mat4
	InstanceID    uint32
	HitGroupIndex uint32
	Mask          uint8
	Flags         gpu.InstanceFlags
}

// SceneAccel owns the acceleration structures of one scene: a BLAS per
// distinct mesh, built once, and a TLAS refitted on every Build.
type SceneAccel struct {
	builder *Builder
	blas    map[*metadata.Mesh]*BlasBuffers
	order   []*metadata.Mesh
	tlas    *TlasBuffers
	logger  *log.Logger
}

func NewSceneAccel(b *Builder) *SceneAccel {
	return &SceneAccel{
		builder: b,
		blas:    make(map[*metadata.Mesh]*BlasBuffers),
		logger:  b.logger,
	}
}

// Blas returns the BLAS of mesh, recording its build into cl the first
// time the mesh is seen.
func (s *SceneAccel) Blas(cl gpu.CommandList, mesh *metadata.Mesh) (*BlasBuffers, error) {
	if b, ok := s.blas[mesh]; ok {
		return b, nil
	}
	geoms, err := s.builder.QueryGeometryDescArray(mesh)
	if err != nil {
		return nil, err
	}
	b, err := s.builder.CreateBlas(cl, geoms)
	if err != nil {
		return nil, errors.Wrapf(err, "BLAS for mesh %q", mesh.Name)
	}
	s.blas[mesh] = b
	s.order = append(s.order, mesh)
	return b, nil
}

// Build records whatever BLAS builds are missing followed by the TLAS
// build or refit over placements.
func (s *SceneAccel) Build(cl gpu.CommandList, placements []MeshPlacement) (*TlasBuffers, error) {
	instances := make([]TopLevelInstance, len(placements))
	for i := range placements {
		p := &placements[i]
		blas, err := s.Blas(cl, p.Mesh)
		if err != nil {
			return nil, err
		}
		instances[i] = TopLevelInstance{
			Blas:          blas,
			Transform:     p.Transform,
			InstanceID:    p.InstanceID,
			HitGroupIndex: p.HitGroupIndex,
			Flags:         p.Flags,
			Mask:          p.Mask,
		}
	}
	tlas, err := s.builder.CreateTlas(cl, instances, s.tlas)
	if err != nil {
		return nil, err
	}
	s.tlas = tlas
	return tlas, nil
}

// Tlas returns the current top-level structure, nil before the first Build.
func (s *SceneAccel) Tlas() *TlasBuffers {
	return s.tlas
}

// BlasCount returns the number of distinct meshes with a BLAS.
func (s *SceneAccel) BlasCount() int {
	return len(s.order)
}

// Release frees every structure. The caller must make sure the GPU no
// longer reads them.
func (s *SceneAccel) Release() {
	s.tlas.Release()
	s.tlas = nil
	for _, m := range s.order {
		s.blas[m].Release()
	}
	s.logger.Debug("scene acceleration released", "blas", len(s.order))
	s.blas = make(map[*metadata.Mesh]*BlasBuffers)
	s.order = nil
}
