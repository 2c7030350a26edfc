package testbed

import (
	"encoding/binary"
	stdmath "math"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// Interleaved layout of math.Vertex3D in the vertex buffer.
const (
	vertexStride   = 48
	normalOffset   = 12
	texcoordOffset = 24
	tangentOffset  = 32
)

// cubeGeometry returns a unit cube centred on the origin with four
// vertices per face so every face keeps its own normal.
func cubeGeometry(size float32) ([]math.Vertex3D, []uint32) {
	h := size * 0.5
	faces := [6][4]math.Vec3{
		{{X: -h, Y: -h, Z: h}, {X: h, Y: -h, Z: h}, {X: h, Y: h, Z: h}, {X: -h, Y: h, Z: h}},
		{{X: h, Y: -h, Z: -h}, {X: -h, Y: -h, Z: -h}, {X: -h, Y: h, Z: -h}, {X: h, Y: h, Z: -h}},
		{{X: -h, Y: -h, Z: -h}, {X: -h, Y: -h, Z: h}, {X: -h, Y: h, Z: h}, {X: -h, Y: h, Z: -h}},
		{{X: h, Y: -h, Z: h}, {X: h, Y: -h, Z: -h}, {X: h, Y: h, Z: -h}, {X: h, Y: h, Z: h}},
		{{X: -h, Y: h, Z: h}, {X: h, Y: h, Z: h}, {X: h, Y: h, Z: -h}, {X: -h, Y: h, Z: -h}},
		{{X: -h, Y: -h, Z: -h}, {X: h, Y: -h, Z: -h}, {X: h, Y: -h, Z: h}, {X: -h, Y: -h, Z: h}},
	}
	uvs := [4]math.Vec2{{X: 0, Y: 1}, {X: 1, Y: 1}, {X: 1, Y: 0}, {X: 0, Y: 0}}

	vertices := make([]math.Vertex3D, 0, 24)
	indices := make([]uint32, 0, 36)
	for f, face := range faces {
		for i, p := range face {
			vertices = append(vertices, math.Vertex3D{Position: p, Texcoord: uvs[i]})
		}
		b := uint32(f * 4)
		indices = append(indices, b, b+1, b+2, b, b+2, b+3)
	}
	math.GeometryGenerateNormals(vertices, indices)
	math.GeometryGenerateTangents(vertices, indices)
	return vertices, indices
}

// planeGeometry returns a ground quad of the given extent in the XZ plane.
func planeGeometry(extent float32) ([]math.Vertex3D, []uint32) {
	h := extent * 0.5
	vertices := []math.Vertex3D{
		{Position: math.NewVec3(-h, 0, h), Texcoord: math.NewVec2(0, 0)},
		{Position: math.NewVec3(h, 0, h), Texcoord: math.NewVec2(1, 0)},
		{Position: math.NewVec3(h, 0, -h), Texcoord: math.NewVec2(1, 1)},
		{Position: math.NewVec3(-h, 0, -h), Texcoord: math.NewVec2(0, 1)},
	}
	indices := []uint32{0, 1, 2, 0, 2, 3}
	math.GeometryGenerateNormals(vertices, indices)
	math.GeometryGenerateTangents(vertices, indices)
	return vertices, indices
}

// uploadSubmesh copies the geometry into upload-heap buffers and describes
// it as a submesh. Meshes with fewer than 65536 vertices use 16-bit
// indices.
func uploadSubmesh(dev gpu.Device, name string, vertices []math.Vertex3D, indices []uint32, mat *metadata.Material) (*metadata.Submesh, error) {
	vb, err := dev.CreateBuffer(&gpu.BufferDesc{
		Label: name + "-vertices",
		Size:  uint64(len(vertices) * vertexStride),
		Heap:  gpu.HeapUpload,
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageVertex | gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating %s vertex buffer", name)
	}
	data, err := vb.Map()
	if err != nil {
		vb.Release()
		return nil, err
	}
	for i, v := range vertices {
		encodeVertex(data[i*vertexStride:], &v)
	}
	vb.Unmap()

	indexStride := uint32(4)
	if len(vertices) <= stdmath.MaxUint16 {
		indexStride = 2
	}
	ib, err := dev.CreateBuffer(&gpu.BufferDesc{
		Label: name + "-indices",
		Size:  uint64(len(indices)) * uint64(indexStride),
		Heap:  gpu.HeapUpload,
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageIndex | gputypes.BufferUsageStorage,
	})
	if err != nil {
		vb.Release()
		return nil, errors.Wrapf(err, "creating %s index buffer", name)
	}
	if data, err = ib.Map(); err != nil {
		vb.Release()
		ib.Release()
		return nil, err
	}
	for i, idx := range indices {
		if indexStride == 2 {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(idx))
		} else {
			binary.LittleEndian.PutUint32(data[i*4:], idx)
		}
	}
	ib.Unmap()

	stream := func(offset uint64, format gputypes.VertexFormat) metadata.AttributeStream {
		return metadata.AttributeStream{Buffer: vb, Offset: offset, Stride: vertexStride, Format: format}
	}
	return &metadata.Submesh{
		Name:        name,
		Indices:     metadata.IndexStream{Buffer: ib, Stride: indexStride},
		IndexCount:  uint32(len(indices)),
		Position:    stream(0, gputypes.VertexFormatFloat32x3),
		Normal:      stream(normalOffset, gputypes.VertexFormatFloat32x3),
		Texcoord:    stream(texcoordOffset, gputypes.VertexFormatFloat32x2),
		Tangent:     stream(tangentOffset, gputypes.VertexFormatFloat32x4),
		VertexCount: uint32(len(vertices)),
		Material:    mat,
		Extents:     math.GeometryExtents(vertices),
	}, nil
}

func encodeVertex(dst []byte, v *math.Vertex3D) {
	f := [12]float32{
		v.Position.X, v.Position.Y, v.Position.Z,
		v.Normal.X, v.Normal.Y, v.Normal.Z,
		v.Texcoord.X, v.Texcoord.Y,
		v.Tangent.X, v.Tangent.Y, v.Tangent.Z, v.Tangent.W,
	}
	for i, x := range f {
		binary.LittleEndian.PutUint32(dst[i*4:], stdmath.Float32bits(x))
	}
}

// releaseMesh frees the buffers a submesh references. Streams share the
// vertex buffer.
func releaseMesh(m *metadata.Mesh) {
	for _, sm := range m.Submeshes {
		sm.Position.Buffer.Release()
		sm.Indices.Buffer.Release()
	}
}
