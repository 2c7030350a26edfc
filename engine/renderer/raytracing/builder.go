// Package raytracing builds and refits ray-tracing acceleration structures:
// one BLAS per mesh, one TLAS over all placed instances.
package raytracing

import (
	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const defaultAlignment = 256

// Options configure a Builder.
type Options struct {
	// AllowTlasUpdate builds TLASes refittable and refits them when
	// possible. Otherwise every CreateTlas is a full build.
	AllowTlasUpdate bool
	// Retirer receives BLAS scratch buffers and superseded TLAS
	// buffers. Without one they are released immediately, which is
	// only safe once the GPU is idle.
	Retirer Retirer
}

// Builder records acceleration-structure builds into command lists. It
// never waits on the GPU.
type Builder struct {
	dev    gpu.Device
	limits gpu.Limits
	opts   Options
	logger *log.Logger
}

func NewBuilder(dev gpu.Device, opts Options) *Builder {
	limits := dev.Limits()
	if limits.AccelerationStructureAlignment == 0 {
		limits.AccelerationStructureAlignment = defaultAlignment
	}
	if limits.ConstantBufferPlacementAlignment == 0 {
		limits.ConstantBufferPlacementAlignment = defaultAlignment
	}
	return &Builder{
		dev:    dev,
		limits: limits,
		opts:   opts,
		logger: core.Logger("raytracing"),
	}
}

// QueryGeometryDescArray describes every submesh of mesh as one triangle
// geometry. The index format follows the index stride: 2 bytes selects
// 16-bit indices, 4 bytes 32-bit ones.
func (b *Builder) QueryGeometryDescArray(mesh *metadata.Mesh) ([]gpu.GeometryDesc, error) {
	if mesh == nil || len(mesh.Submeshes) == 0 {
		return nil, core.Fatalf(core.ErrInvalidGeometry, "mesh without submeshes")
	}
	descs := make([]gpu.GeometryDesc, 0, len(mesh.Submeshes))
	for i, sm := range mesh.Submeshes {
		d, err := b.geometryDesc(sm)
		if err != nil {
			return nil, errors.Wrapf(err, "mesh %q submesh %d", mesh.Name, i)
		}
		descs = append(descs, d)
	}
	return descs, nil
}

func (b *Builder) geometryDesc(sm *metadata.Submesh) (gpu.GeometryDesc, error) {
	if sm == nil {
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "nil submesh")
	}
	pos := &sm.Position
	if !pos.Present() {
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "missing position attribute")
	}
	if pos.Format != gputypes.VertexFormatFloat32x3 {
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "position format %s, want Float32x3", pos.Format)
	}
	if uint64(pos.Stride) < pos.Format.Size() {
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "position stride %d below %d", pos.Stride, pos.Format.Size())
	}
	if sm.VertexCount == 0 {
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "no vertices")
	}
	if sm.Indices.Buffer == nil {
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "missing index buffer")
	}
	var format gputypes.IndexFormat
	switch sm.Indices.Stride {
	case 2:
		format = gputypes.IndexFormatUint16
	case 4:
		format = gputypes.IndexFormatUint32
	default:
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "index stride %d", sm.Indices.Stride)
	}
	if sm.IndexCount == 0 {
		return gpu.GeometryDesc{}, core.Fatalf(core.ErrInvalidGeometry, "no indices")
	}

	var flags gpu.GeometryFlags
	if sm.Material.Opaque() {
		flags |= gpu.GeometryFlagOpaque
	}
	return gpu.GeometryDesc{
		Flags: flags,
		Triangles: gpu.TrianglesDesc{
			IndexFormat:  format,
			VertexFormat: pos.Format,
			IndexCount:   sm.IndexCount,
			VertexCount:  sm.VertexCount,
			IndexBuffer:  sm.Indices.Buffer.GPUAddress() + gpu.GPUAddress(sm.Indices.Offset),
			VertexBuffer: pos.Buffer.GPUAddress() + gpu.GPUAddress(pos.Offset),
			VertexStride: uint64(pos.Stride),
		},
	}, nil
}

// GetPrebuildInfo queries the device and aligns every size: results and
// scratch to the acceleration-structure alignment, the TLAS instance
// buffer to the constant-buffer placement alignment.
func (b *Builder) GetPrebuildInfo(inputs *gpu.BuildInputs) PrebuildInfo {
	raw := b.dev.RaytracingPrebuildInfo(inputs)
	align := b.limits.AccelerationStructureAlignment
	info := PrebuildInfo{
		ScratchBytes:               math.AlignUp(raw.ScratchBytes, align),
		AccelerationStructureBytes: math.AlignUp(raw.ResultBytes, align),
		UpdateScratchBytes:         math.AlignUp(raw.UpdateScratchBytes, align),
	}
	if inputs.Type == gpu.TopLevel {
		info.InstanceBufferBytes = math.AlignUp(
			uint64(inputs.NumDescs)*gpu.InstanceDescSize,
			b.limits.ConstantBufferPlacementAlignment)
	}
	return info
}

// CreateBlas allocates fresh scratch and result buffers, records a full
// build over geoms and a UAV barrier on the result. BLASes are never
// updated in place.
func (b *Builder) CreateBlas(cl gpu.CommandList, geoms []gpu.GeometryDesc) (*BlasBuffers, error) {
	if len(geoms) == 0 {
		return nil, core.Fatalf(core.ErrInvalidGeometry, "BLAS without geometries")
	}
	inputs := gpu.BuildInputs{
		Type:       gpu.BottomLevel,
		Flags:      gpu.BuildFlagPreferFastTrace,
		NumDescs:   uint32(len(geoms)),
		Geometries: geoms,
	}
	info := b.GetPrebuildInfo(&inputs)

	blas := &BlasBuffers{Info: info}
	var err error
	if blas.Scratch, err = b.createBuffer("blas-scratch", info.ScratchBytes, gpu.HeapDefault, false); err != nil {
		return nil, err
	}
	if blas.Result, err = b.createBuffer("blas", info.AccelerationStructureBytes, gpu.HeapDefault, true); err != nil {
		blas.Release()
		return nil, err
	}

	cl.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Dest:    blas.Result.GPUAddress(),
		Inputs:  inputs,
		Scratch: blas.Scratch.GPUAddress(),
	})
	cl.UAVBarrier(blas.Result)

	if b.opts.Retirer != nil {
		b.opts.Retirer.Retire(blas.Scratch)
		blas.Scratch = nil
	}
	b.logger.Debug("BLAS recorded", "geometries", len(geoms), "bytes", info.AccelerationStructureBytes)
	return blas, nil
}

// CreateTlas records a TLAS build over instances.
//
// Without a valid existing TLAS it allocates scratch, result and instance
// buffers, writes the instance records and records a full build. With one
// it rewrites the existing instance buffer and records an in-place update
// (source and destination are the existing result) and returns existing.
// A TLAS that cannot be refitted, because it was built without
// AllowUpdate or over a different instance count, is rebuilt and its
// buffers are released. Both paths end with a UAV barrier on the result.
func (b *Builder) CreateTlas(cl gpu.CommandList, instances []TopLevelInstance, existing *TlasBuffers) (*TlasBuffers, error) {
	if err := validateInstances(instances); err != nil {
		return nil, err
	}
	n := uint32(len(instances))

	if existing.Valid() {
		if b.opts.AllowTlasUpdate && existing.Updatable() && existing.InstanceCount == n {
			return existing, b.updateTlas(cl, instances, existing)
		}
		b.logger.Info("TLAS rebuilt instead of refitted",
			"allowUpdate", existing.Updatable(), "instances", n, "previous", existing.InstanceCount)
		b.retire(existing.Scratch, existing.Result, existing.Instance)
		existing.Scratch, existing.Result, existing.Instance = nil, nil, nil
	}

	flags := gpu.BuildFlagPreferFastTrace
	if b.opts.AllowTlasUpdate {
		flags |= gpu.BuildFlagAllowUpdate
	}
	inputs := gpu.BuildInputs{Type: gpu.TopLevel, Flags: flags, NumDescs: n}
	info := b.GetPrebuildInfo(&inputs)

	tlas := &TlasBuffers{Info: info, InstanceCount: n, Flags: flags}
	var err error
	if tlas.Scratch, err = b.createBuffer("tlas-scratch", max(info.ScratchBytes, info.UpdateScratchBytes), gpu.HeapDefault, false); err != nil {
		return nil, err
	}
	if tlas.Result, err = b.createBuffer("tlas", info.AccelerationStructureBytes, gpu.HeapDefault, true); err != nil {
		tlas.Release()
		return nil, err
	}
	if tlas.Instance, err = b.createBuffer("tlas-instances", info.InstanceBufferBytes, gpu.HeapUpload, false); err != nil {
		tlas.Release()
		return nil, err
	}
	if err := b.UpdateTlasInputs(tlas, instances); err != nil {
		tlas.Release()
		return nil, err
	}

	inputs.InstanceDescs = tlas.Instance.GPUAddress()
	cl.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Dest:    tlas.Result.GPUAddress(),
		Inputs:  inputs,
		Scratch: tlas.Scratch.GPUAddress(),
	})
	cl.UAVBarrier(tlas.Result)

	b.logger.Debug("TLAS build recorded", "instances", n, "bytes", info.AccelerationStructureBytes)
	return tlas, nil
}

func (b *Builder) updateTlas(cl gpu.CommandList, instances []TopLevelInstance, tlas *TlasBuffers) error {
	if err := b.UpdateTlasInputs(tlas, instances); err != nil {
		return err
	}
	cl.BuildRaytracingAccelerationStructure(&gpu.BuildDesc{
		Dest: tlas.Result.GPUAddress(),
		Inputs: gpu.BuildInputs{
			Type:          gpu.TopLevel,
			Flags:         tlas.Flags | gpu.BuildFlagPerformUpdate,
			NumDescs:      tlas.InstanceCount,
			InstanceDescs: tlas.Instance.GPUAddress(),
		},
		Source:  tlas.Result.GPUAddress(),
		Scratch: tlas.Scratch.GPUAddress(),
	})
	cl.UAVBarrier(tlas.Result)
	tlas.Updates++
	return nil
}

// UpdateTlasInputs writes one hardware record per instance into the
// mapped instance buffer. The GPU reads the buffer when the recorded
// build executes, so the write must happen before the list is submitted.
func (b *Builder) UpdateTlasInputs(tlas *TlasBuffers, instances []TopLevelInstance) error {
	if !tlas.Valid() {
		return core.Fatalf(core.ErrInvalidInstance, "instance upload into an invalid TLAS")
	}
	if uint64(len(instances))*gpu.InstanceDescSize > tlas.Instance.Size() {
		return core.Fatalf(core.ErrInvalidInstance, "%d instances overrun an instance buffer of %d bytes",
			len(instances), tlas.Instance.Size())
	}
	mapped, err := tlas.Instance.Map()
	if err != nil {
		return core.DeviceError(err, "Map(tlas-instances)")
	}
	defer tlas.Instance.Unmap()

	for i := range instances {
		rec := instances[i].record()
		if err := gpu.EncodeInstance(mapped[i*gpu.InstanceDescSize:], &rec); err != nil {
			return errors.Wrapf(err, "instance %d", i)
		}
	}
	return nil
}

func validateInstances(instances []TopLevelInstance) error {
	if len(instances) == 0 {
		return core.Fatalf(core.ErrInvalidInstance, "TLAS without instances")
	}
	for i := range instances {
		inst := &instances[i]
		switch {
		case inst.InstanceID >= gpu.InstanceUnassigned:
			return core.Fatalf(core.ErrInvalidInstance, "instance %d: unassigned instance id %#x", i, inst.InstanceID)
		case inst.HitGroupIndex >= gpu.InstanceUnassigned:
			return core.Fatalf(core.ErrInvalidInstance, "instance %d: unassigned hit group %#x", i, inst.HitGroupIndex)
		case !inst.Blas.Valid():
			return core.Fatalf(core.ErrInvalidInstance, "instance %d: invalid BLAS", i)
		}
	}
	return nil
}

func (b *Builder) createBuffer(label string, size uint64, heap gpu.HeapType, as bool) (gpu.Buffer, error) {
	usage := gputypes.BufferUsageStorage
	if heap == gpu.HeapUpload {
		usage = gputypes.BufferUsageMapWrite
	}
	buf, err := b.dev.CreateBuffer(&gpu.BufferDesc{
		Label:                 label,
		Size:                  size,
		Heap:                  heap,
		Usage:                 usage,
		AccelerationStructure: as,
	})
	if err != nil {
		return nil, core.DeviceError(err, "CreateBuffer("+label+")")
	}
	return buf, nil
}

func (b *Builder) retire(bufs ...gpu.Buffer) {
	for _, buf := range bufs {
		if buf == nil {
			continue
		}
		if b.opts.Retirer != nil {
			b.opts.Retirer.Retire(buf)
		} else {
			buf.Release()
		}
	}
}
