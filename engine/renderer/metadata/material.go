package metadata

import (
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

/** @brief The name of the default material. */
const DefaultMaterialName string = "default"

type AlphaMode int

const (
	AlphaModeOpaque AlphaMode = iota
	AlphaModeMask
	AlphaModeBlend
)

/**
 * @brief A PBR material as imported. A nil texture means the matching
 * factor is used verbatim instead.
 */
type Material struct {
	Name string

	AlbedoTexture             gpu.Texture
	NormalTexture             gpu.Texture
	RoughnessMetalnessTexture gpu.Texture
	EmissiveTexture           gpu.Texture

	AlbedoFactor             math.Vec4
	RoughnessMetalnessFactor math.Vec2
	EmissiveFactor           math.Vec3

	AlphaMode   AlphaMode
	AlphaCutoff float32
}

// NewDefaultMaterial returns an untextured white dielectric.
func NewDefaultMaterial() *Material {
	return &Material{
		Name:                     DefaultMaterialName,
		AlbedoFactor:             math.NewVec4One(),
		RoughnessMetalnessFactor: math.NewVec2(1.0, 0.0),
		AlphaCutoff:              0.5,
	}
}

// Opaque reports whether rays may skip any-hit shading for the material.
// A nil material is opaque.
func (m *Material) Opaque() bool {
	return m == nil || m.AlphaMode == AlphaModeOpaque
}
