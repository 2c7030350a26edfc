package metadata

import (
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

/**
 * @brief One vertex attribute stored in a GPU buffer: the attribute of
 * vertex i lives at Offset + i*Stride.
 */
type AttributeStream struct {
	Buffer gpu.Buffer
	Offset uint64
	Stride uint32
	Format gputypes.VertexFormat
}

// Present reports whether the stream references a buffer.
func (s *AttributeStream) Present() bool {
	return s != nil && s.Buffer != nil
}

/**
 * @brief Index data of a submesh. Stride is the byte size of one index:
 * 2 or 4.
 */
type IndexStream struct {
	Buffer gpu.Buffer
	Offset uint64
	Stride uint32
}

/**
 * @brief A drawable part of a mesh with its own index range and material.
 * Tangents are optional.
 */
type Submesh struct {
	Name string

	Indices    IndexStream
	IndexCount uint32

	Position    AttributeStream
	Normal      AttributeStream
	Texcoord    AttributeStream
	Tangent     AttributeStream
	VertexCount uint32

	Material *Material
	Extents  math.Extents3D
}
