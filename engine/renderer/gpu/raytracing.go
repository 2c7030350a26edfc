package gpu

import "github.com/gogpu/gputypes"

// AccelerationStructureType selects bottom- or top-level.
type AccelerationStructureType int

const (
	BottomLevel AccelerationStructureType = iota
	TopLevel
)

func (t AccelerationStructureType) String() string {
	if t == TopLevel {
		return "TLAS"
	}
	return "BLAS"
}

// BuildFlags control how an acceleration structure is built.
type BuildFlags uint32

const (
	BuildFlagAllowUpdate BuildFlags = 1 << iota
	BuildFlagAllowCompaction
	BuildFlagPreferFastTrace
	BuildFlagPreferFastBuild
	BuildFlagMinimizeMemory
	// BuildFlagPerformUpdate refits an existing structure in place.
	// The source must have been built with BuildFlagAllowUpdate.
	BuildFlagPerformUpdate
)

func (f BuildFlags) Has(flag BuildFlags) bool {
	return f&flag == flag
}

// GeometryFlags qualify one geometry of a BLAS.
type GeometryFlags uint32

const (
	GeometryFlagOpaque GeometryFlags = 1 << iota
	GeometryFlagNoDuplicateAnyHit
)

// TrianglesDesc references an indexed triangle list in GPU memory.
type TrianglesDesc struct {
	// Transform3x4 optionally points at a row-major 3x4 matrix.
	Transform3x4 GPUAddress
	IndexFormat  gputypes.IndexFormat
	VertexFormat gputypes.VertexFormat
	IndexCount   uint32
	VertexCount  uint32
	IndexBuffer  GPUAddress
	VertexBuffer GPUAddress
	VertexStride uint64
}

// PrimitiveCount returns the number of triangles described.
func (t *TrianglesDesc) PrimitiveCount() uint32 {
	if t.IndexFormat != gputypes.IndexFormatUndefined {
		return t.IndexCount / 3
	}
	return t.VertexCount / 3
}

// GeometryDesc is one geometry of a bottom-level structure.
type GeometryDesc struct {
	Flags     GeometryFlags
	Triangles TrianglesDesc
}

// BuildInputs describe what an acceleration structure is built from.
// Bottom-level inputs carry Geometries; top-level inputs carry
// NumDescs hardware instance records at InstanceDescs.
type BuildInputs struct {
	Type          AccelerationStructureType
	Flags         BuildFlags
	NumDescs      uint32
	Geometries    []GeometryDesc
	InstanceDescs GPUAddress
}

// PrebuildInfo holds the minimum sizes the device reports for a build.
// They are not aligned.
type PrebuildInfo struct {
	ResultBytes        uint64
	ScratchBytes       uint64
	UpdateScratchBytes uint64
}

// BuildDesc is a complete build or update command.
type BuildDesc struct {
	Dest    GPUAddress
	Inputs  BuildInputs
	Source  GPUAddress
	Scratch GPUAddress
}
