package gpu

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// InstanceDescSize is the byte size of one hardware instance record.
const InstanceDescSize = 64

// InstanceUnassigned is the 24-bit all-ones value that marks an instance
// ID or hit-group index as not yet assigned.
const InstanceUnassigned = 0xFFFFFF

// InstanceFlags qualify one top-level instance.
type InstanceFlags uint8

const (
	InstanceFlagTriangleCullDisable InstanceFlags = 1 << iota
	InstanceFlagTriangleFrontCounterClockwise
	InstanceFlagForceOpaque
	InstanceFlagForceNonOpaque
)

// InstanceDesc is the decoded form of a hardware instance record.
//
// Layout (little-endian):
//
//	[0:48)  Transform, 3x4 row-major float32
//	[48:52) InstanceID:24 | InstanceMask:8
//	[52:56) HitGroupIndex:24 | Flags:8
//	[56:64) AccelerationStructure
type InstanceDesc struct {
	Transform             [12]float32
	InstanceID            uint32
	InstanceMask          uint8
	HitGroupIndex         uint32
	Flags                 InstanceFlags
	AccelerationStructure GPUAddress
}

// EncodeInstance writes d into the first InstanceDescSize bytes of dst.
// ID and hit-group index must fit in 24 bits.
func EncodeInstance(dst []byte, d *InstanceDesc) error {
	if len(dst) < InstanceDescSize {
		return errors.AssertionFailedf("instance record needs %d bytes, have %d", InstanceDescSize, len(dst))
	}
	if d.InstanceID > InstanceUnassigned || d.HitGroupIndex > InstanceUnassigned {
		return errors.AssertionFailedf("instance id %#x / hit group %#x exceed 24 bits", d.InstanceID, d.HitGroupIndex)
	}
	for i, f := range d.Transform {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], d.InstanceID|uint32(d.InstanceMask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], d.HitGroupIndex|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], uint64(d.AccelerationStructure))
	return nil
}

// DecodeInstance reads one record from the first InstanceDescSize bytes
// of src.
func DecodeInstance(src []byte) (InstanceDesc, error) {
	var d InstanceDesc
	if len(src) < InstanceDescSize {
		return d, errors.AssertionFailedf("instance record needs %d bytes, have %d", InstanceDescSize, len(src))
	}
	for i := range d.Transform {
		d.Transform[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	w := binary.LittleEndian.Uint32(src[48:])
	d.InstanceID = w & InstanceUnassigned
	d.InstanceMask = uint8(w >> 24)
	w = binary.LittleEndian.Uint32(src[52:])
	d.HitGroupIndex = w & InstanceUnassigned
	d.Flags = InstanceFlags(w >> 24)
	d.AccelerationStructure = GPUAddress(binary.LittleEndian.Uint64(src[56:]))
	return d, nil
}

// DecodeInstances decodes n consecutive records.
func DecodeInstances(src []byte, n int) ([]InstanceDesc, error) {
	out := make([]InstanceDesc, n)
	for i := range out {
		if len(src) < (i+1)*InstanceDescSize {
			return nil, errors.AssertionFailedf("instance buffer holds %d records, want %d", len(src)/InstanceDescSize, n)
		}
		d, err := DecodeInstance(src[i*InstanceDescSize:])
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}
