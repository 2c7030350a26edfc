package gi

import (
	"encoding/binary"
	stdmath "math"

	"github.com/cockroachdb/errors"
)

const (
	// GeometryRecordSize is the stride of the geometry structured buffer.
	GeometryRecordSize = 128
	// MaterialRecordSize is the stride of the material structured buffer.
	MaterialRecordSize = 64

	// Absent marks a buffer or texture slot with no bindless resource.
	Absent int32 = -1
)

// StreamRecord locates one vertex attribute: bindless buffer index, byte
// offset of vertex 0 and byte stride.
type StreamRecord struct {
	Buffer int32
	Offset uint32
	Stride uint32
}

var absentStream = StreamRecord{Buffer: Absent}

// GeometryRecord is what a ray hit on one submesh reads to fetch its
// surface. Byte layout (little endian, 128 bytes):
//
//	0   transform 3x4 float32, row major
//	48  index buffer, offset, stride, count
//	64  position, normal, texcoord, tangent streams (12 bytes each)
//	112 vertex count, material index
//	120 padding
type GeometryRecord struct {
	Transform   [12]float32
	IndexBuffer int32
	IndexOffset uint32
	IndexStride uint32
	IndexCount  uint32

	Position StreamRecord
	Normal   StreamRecord
	Texcoord StreamRecord
	Tangent  StreamRecord

	VertexCount   uint32
	MaterialIndex uint32
}

func (g *GeometryRecord) Encode(dst []byte) error {
	if len(dst) < GeometryRecordSize {
		return errors.AssertionFailedf("geometry record needs %d bytes, have %d", GeometryRecordSize, len(dst))
	}
	le := binary.LittleEndian
	for i, f := range g.Transform {
		le.PutUint32(dst[i*4:], stdmath.Float32bits(f))
	}
	le.PutUint32(dst[48:], uint32(g.IndexBuffer))
	le.PutUint32(dst[52:], g.IndexOffset)
	le.PutUint32(dst[56:], g.IndexStride)
	le.PutUint32(dst[60:], g.IndexCount)
	for i, s := range [...]StreamRecord{g.Position, g.Normal, g.Texcoord, g.Tangent} {
		o := 64 + i*12
		le.PutUint32(dst[o:], uint32(s.Buffer))
		le.PutUint32(dst[o+4:], s.Offset)
		le.PutUint32(dst[o+8:], s.Stride)
	}
	le.PutUint32(dst[112:], g.VertexCount)
	le.PutUint32(dst[116:], g.MaterialIndex)
	clear(dst[120:GeometryRecordSize])
	return nil
}

// MaterialRecord holds bindless texture indices and the factors used
// when a texture is Absent. Byte layout (little endian, 64 bytes):
//
//	0  albedo, normal, roughness-metalness, emissive texture (int32)
//	16 albedo factor RGBA
//	32 roughness, metalness factor
//	40 emissive factor RGB
//	52 alpha cutoff, alpha mode
//	60 padding
type MaterialRecord struct {
	AlbedoTexture             int32
	NormalTexture             int32
	RoughnessMetalnessTexture int32
	EmissiveTexture           int32

	AlbedoFactor             [4]float32
	RoughnessMetalnessFactor [2]float32
	EmissiveFactor           [3]float32
	AlphaCutoff              float32
	AlphaMode                uint32
}

func (m *MaterialRecord) Encode(dst []byte) error {
	if len(dst) < MaterialRecordSize {
		return errors.AssertionFailedf("material record needs %d bytes, have %d", MaterialRecordSize, len(dst))
	}
	le := binary.LittleEndian
	le.PutUint32(dst[0:], uint32(m.AlbedoTexture))
	le.PutUint32(dst[4:], uint32(m.NormalTexture))
	le.PutUint32(dst[8:], uint32(m.RoughnessMetalnessTexture))
	le.PutUint32(dst[12:], uint32(m.EmissiveTexture))
	o := 16
	put := func(f float32) {
		le.PutUint32(dst[o:], stdmath.Float32bits(f))
		o += 4
	}
	for _, f := range m.AlbedoFactor {
		put(f)
	}
	for _, f := range m.RoughnessMetalnessFactor {
		put(f)
	}
	for _, f := range m.EmissiveFactor {
		put(f)
	}
	put(m.AlphaCutoff)
	le.PutUint32(dst[56:], m.AlphaMode)
	clear(dst[60:MaterialRecordSize])
	return nil
}
