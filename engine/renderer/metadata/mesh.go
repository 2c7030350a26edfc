package metadata

import (
	"github.com/spaghettifunk/anima-rt/engine/math"
)

// Mesh is imported geometry. Instances referencing the same Mesh share its
// acceleration structure.
type Mesh struct {
	UniqueID  uint32
	Name      string
	Submeshes []*Submesh
}

// MeshInstance places a Mesh in the world.
type MeshInstance struct {
	Mesh      *Mesh
	Transform *math.Transform
	// Mask is the ray-visibility mask; zero selects all rays (0xFF).
	Mask uint8
	// HitGroupIndex selects the hit-group record for this instance.
	HitGroupIndex uint32
}

// World returns the instance's world matrix, identity without a transform.
func (mi *MeshInstance) World() math.Mat4 {
	return mi.Transform.GetWorld()
}

// InstanceMask returns the effective visibility mask.
func (mi *MeshInstance) InstanceMask() uint8 {
	if mi.Mask == 0 {
		return 0xFF
	}
	return mi.Mask
}
