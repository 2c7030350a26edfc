package soft

import (
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
)

func (d *Device) exec(c *Command) error {
	switch c.Kind {
	case CmdCopyBuffer:
		dst, ok1 := c.Dst.(*Buffer)
		src, ok2 := c.Src.(*Buffer)
		if !ok1 || !ok2 {
			return errors.New("CopyBuffer: foreign buffer")
		}
		if dst.released || src.released {
			return errors.Newf("CopyBuffer: %s -> %s uses a released buffer", src.desc.Label, dst.desc.Label)
		}
		if c.SrcOffset+c.Size > src.desc.Size || c.DstOffset+c.Size > dst.desc.Size {
			return errors.Newf("CopyBuffer: %d bytes out of range (%s -> %s)", c.Size, src.desc.Label, dst.desc.Label)
		}
		copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.SrcOffset:c.SrcOffset+c.Size])

	case CmdUAVBarrier:
		b, ok := c.Barrier.(*Buffer)
		if !ok || b.released {
			return errors.New("UAVBarrier: buffer is not live")
		}

	case CmdBuildAccelerationStructure:
		return d.execBuild(&c.Build)

	default:
		return errors.Newf("unknown command kind %d", c.Kind)
	}
	return nil
}

func (d *Device) execBuild(b *gpu.BuildDesc) error {
	in := &b.Inputs
	info := d.RaytracingPrebuildInfo(in)
	update := in.Flags.Has(gpu.BuildFlagPerformUpdate)

	dst, off, err := d.resolve(b.Dest)
	if err != nil {
		return errors.Wrapf(err, "%s build destination", in.Type)
	}
	if !dst.desc.AccelerationStructure {
		return errors.Newf("%s build destination %s is not an acceleration-structure buffer", in.Type, dst.desc.Label)
	}
	if uint64(b.Dest)%asAlignment != 0 {
		return errors.Newf("%s build destination %#x is not %d-byte aligned", in.Type, uint64(b.Dest), asAlignment)
	}
	if dst.desc.Size-off < info.ResultBytes {
		return errors.Newf("%s result needs %d bytes, %s has %d", in.Type, info.ResultBytes, dst.desc.Label, dst.desc.Size-off)
	}

	need := info.ScratchBytes
	if update {
		need = info.UpdateScratchBytes
	}
	scratch, soff, err := d.resolve(b.Scratch)
	if err != nil {
		return errors.Wrapf(err, "%s build scratch", in.Type)
	}
	if scratch.desc.AccelerationStructure || !scratch.desc.Usage.Contains(gputypes.BufferUsageStorage) {
		return errors.Newf("%s scratch %s is not a UAV buffer", in.Type, scratch.desc.Label)
	}
	if uint64(b.Scratch)%asAlignment != 0 {
		return errors.Newf("%s scratch %#x is not %d-byte aligned", in.Type, uint64(b.Scratch), asAlignment)
	}
	if scratch.desc.Size-soff < need {
		return errors.Newf("%s scratch needs %d bytes, %s has %d", in.Type, need, scratch.desc.Label, scratch.desc.Size-soff)
	}

	as := &AccelerationStructure{
		Type:     in.Type,
		Flags:    in.Flags &^ gpu.BuildFlagPerformUpdate,
		NumDescs: in.NumDescs,
	}

	if update {
		src, srcOff, err := d.resolve(b.Source)
		if err != nil {
			return errors.Wrapf(err, "%s update source", in.Type)
		}
		prev := src.as
		switch {
		case srcOff != 0 || prev == nil || prev.Type != in.Type:
			return errors.Newf("%s update source %s holds no %s", in.Type, src.desc.Label, in.Type)
		case !prev.Flags.Has(gpu.BuildFlagAllowUpdate) || !in.Flags.Has(gpu.BuildFlagAllowUpdate):
			return errors.Newf("%s update of %s without AllowUpdate", in.Type, src.desc.Label)
		case prev.NumDescs != in.NumDescs:
			return errors.Newf("%s update changes descriptor count %d -> %d", in.Type, prev.NumDescs, in.NumDescs)
		}
		as.Updates = prev.Updates + 1
	}

	switch in.Type {
	case gpu.BottomLevel:
		if len(in.Geometries) == 0 || int(in.NumDescs) != len(in.Geometries) {
			return errors.Newf("BLAS with %d descriptors and %d geometries", in.NumDescs, len(in.Geometries))
		}
		for i := range in.Geometries {
			if err := d.checkTriangles(&in.Geometries[i].Triangles); err != nil {
				return errors.Wrapf(err, "BLAS geometry %d", i)
			}
		}
		as.Geometries = append([]gpu.GeometryDesc(nil), in.Geometries...)

	case gpu.TopLevel:
		if in.NumDescs > 0 {
			insts, err := d.readInstances(in.InstanceDescs, int(in.NumDescs))
			if err != nil {
				return errors.Wrap(err, "TLAS instances")
			}
			as.Instances = insts
		}
	}

	dst.as = as
	d.logger.Debug("acceleration structure executed",
		"type", in.Type, "descs", in.NumDescs, "update", update, "dest", dst.desc.Label)
	return nil
}

func (d *Device) checkTriangles(t *gpu.TrianglesDesc) error {
	if t.VertexFormat != gputypes.VertexFormatFloat32x3 {
		return errors.Newf("unsupported vertex format %s", t.VertexFormat)
	}
	if t.VertexStride < t.VertexFormat.Size() {
		return errors.Newf("vertex stride %d below format size %d", t.VertexStride, t.VertexFormat.Size())
	}
	vb, voff, err := d.resolve(t.VertexBuffer)
	if err != nil {
		return errors.Wrap(err, "vertex buffer")
	}
	if t.VertexCount > 0 && voff+uint64(t.VertexCount-1)*t.VertexStride+t.VertexFormat.Size() > vb.desc.Size {
		return errors.Newf("%d vertices overrun %s", t.VertexCount, vb.desc.Label)
	}
	switch t.IndexFormat {
	case gputypes.IndexFormatUndefined:
	case gputypes.IndexFormatUint16, gputypes.IndexFormatUint32:
		ib, ioff, err := d.resolve(t.IndexBuffer)
		if err != nil {
			return errors.Wrap(err, "index buffer")
		}
		if ioff+uint64(t.IndexCount)*uint64(t.IndexFormat.Size()) > ib.desc.Size {
			return errors.Newf("%d indices overrun %s", t.IndexCount, ib.desc.Label)
		}
	default:
		return errors.Newf("unsupported index format %s", t.IndexFormat)
	}
	return nil
}

func (d *Device) readInstances(addr gpu.GPUAddress, n int) ([]gpu.InstanceDesc, error) {
	if addr%16 != 0 {
		return nil, errors.Newf("instance address %#x is not 16-byte aligned", uint64(addr))
	}
	ib, off, err := d.resolve(addr)
	if err != nil {
		return nil, err
	}
	insts, err := gpu.DecodeInstances(ib.data[off:], n)
	if err != nil {
		return nil, err
	}
	for i := range insts {
		blas, boff, err := d.resolve(insts[i].AccelerationStructure)
		if err != nil {
			return nil, errors.Wrapf(err, "instance %d", i)
		}
		if boff != 0 || blas.as == nil || blas.as.Type != gpu.BottomLevel {
			return nil, errors.Newf("instance %d references %s, which holds no BLAS", i, blas.desc.Label)
		}
	}
	return insts, nil
}
