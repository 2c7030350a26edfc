// Package gi flattens mesh instances into the geometry and material
// structured buffers that ray-tracing shaders index with bindless handles.
package gi

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/bindless"
	"github.com/spaghettifunk/anima-rt/engine/renderer/command"
	"github.com/spaghettifunk/anima-rt/engine/renderer/descriptor"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

// Processor builds Scenes. It uploads through its own copy-queue command
// list and fence, so scene loads never touch the frame's lists.
type Processor struct {
	dev   gpu.Device
	heap  *descriptor.Heap
	pool  *command.Pool
	queue gpu.Queue

	list       gpu.CommandList
	fence      gpu.Fence
	fenceValue uint64
	// retired buffers of failed uploads, freed once fence reaches value.
	retired []retiredBuffer

	locks  *core.LockPool
	logger *log.Logger
}

// NewProcessor needs the shader-visible CBV/SRV/UAV heap of descriptors
// and a copy queue.
func NewProcessor(dev gpu.Device, descriptors *descriptor.Allocator, pools *command.Pools, copyQueue gpu.Queue, locks *core.LockPool) (*Processor, error) {
	heap := descriptors.Heap(gpu.DescriptorHeapCbvSrvUav)
	if heap == nil || !heap.ShaderVisible() {
		return nil, errors.AssertionFailedf("GI processor needs a shader-visible CBV/SRV/UAV heap")
	}
	if copyQueue == nil || copyQueue.Type() != gpu.QueueCopy {
		return nil, errors.AssertionFailedf("GI processor needs a copy queue")
	}
	if locks == nil {
		locks = core.NewLockPool()
	}
	fence, err := dev.CreateFence(0)
	if err != nil {
		return nil, core.DeviceError(err, "CreateFence(gi)")
	}
	return &Processor{
		dev:    dev,
		heap:   heap,
		pool:   pools.Pool(gpu.QueueCopy),
		queue:  copyQueue,
		fence:  fence,
		locks:  locks,
		logger: core.Logger("gi"),
	}, nil
}

// InitScene emits one geometry and one material record per submesh, in
// the order the instances and their submeshes are given. With
// createResourceContext false only the CPU-side records are produced.
// Otherwise the records are uploaded, InitScene waits for the copy to
// finish and the bindless descriptor tables are written.
func (p *Processor) InitScene(ctx context.Context, meshes []*metadata.MeshInstance, createResourceContext bool) (*Scene, error) {
	if len(meshes) == 0 {
		return nil, core.Fatalf(core.ErrInvalidGeometry, "scene without mesh instances")
	}
	s := &Scene{
		ID:       uuid.New(),
		Buffers:  bindless.NewRegistry[gpu.Buffer](),
		Textures: bindless.NewRegistry[gpu.Texture](),
		heap:     p.heap,
		logger:   p.logger,
	}
	for i, mi := range meshes {
		if mi == nil || mi.Mesh == nil || len(mi.Mesh.Submeshes) == 0 {
			return nil, core.Fatalf(core.ErrInvalidGeometry, "mesh instance %d has no submeshes", i)
		}
		s.instances = append(s.instances, instanceRange{instance: mi, first: uint32(len(s.Geometries))})
		world := mi.World().ToAffine3x4()
		for j, sm := range mi.Mesh.Submeshes {
			g, err := geometryRecord(s, sm, world)
			if err != nil {
				return nil, errors.Wrapf(err, "mesh %q submesh %d", mi.Mesh.Name, j)
			}
			g.MaterialIndex = uint32(len(s.Materials))
			s.Geometries = append(s.Geometries, g)
			s.Materials = append(s.Materials, materialRecord(s, sm.Material))
		}
	}

	if createResourceContext {
		p.drain()
		if err := p.upload(ctx, s); err != nil {
			return nil, err
		}
		if err := p.writeDescriptors(s); err != nil {
			s.Release()
			return nil, err
		}
	}
	p.logger.Info("scene initialized", "id", s.ID, "instances", len(meshes),
		"geometries", len(s.Geometries), "buffers", s.Buffers.Len(), "textures", s.Textures.Len(),
		"gpu", createResourceContext)
	return s, nil
}

func geometryRecord(s *Scene, sm *metadata.Submesh, world [12]float32) (GeometryRecord, error) {
	if sm == nil || !sm.Position.Present() || sm.Indices.Buffer == nil {
		return GeometryRecord{}, core.Fatalf(core.ErrInvalidGeometry, "submesh without positions or indices")
	}
	idxOffset, err := offset32(sm.Indices.Offset)
	if err != nil {
		return GeometryRecord{}, err
	}
	g := GeometryRecord{
		Transform:   world,
		IndexBuffer: int32(s.Buffers.Add(sm.Indices.Buffer)),
		IndexOffset: idxOffset,
		IndexStride: sm.Indices.Stride,
		IndexCount:  sm.IndexCount,
		VertexCount: sm.VertexCount,
	}
	for _, x := range []struct {
		dst *StreamRecord
		src *metadata.AttributeStream
	}{
		{&g.Position, &sm.Position},
		{&g.Normal, &sm.Normal},
		{&g.Texcoord, &sm.Texcoord},
		{&g.Tangent, &sm.Tangent},
	} {
		if !x.src.Present() {
			*x.dst = absentStream
			continue
		}
		off, err := offset32(x.src.Offset)
		if err != nil {
			return GeometryRecord{}, err
		}
		*x.dst = StreamRecord{Buffer: int32(s.Buffers.Add(x.src.Buffer)), Offset: off, Stride: x.src.Stride}
	}
	return g, nil
}

func offset32(off uint64) (uint32, error) {
	if off > uint64(^uint32(0)) {
		return 0, core.Fatalf(core.ErrInvalidGeometry, "byte offset %d does not fit a byte-address load", off)
	}
	return uint32(off), nil
}

func materialRecord(s *Scene, m *metadata.Material) MaterialRecord {
	if m == nil {
		m = metadata.NewDefaultMaterial()
	}
	texture := func(t gpu.Texture) int32 {
		if t == nil {
			return Absent
		}
		return int32(s.Textures.Add(t))
	}
	return MaterialRecord{
		AlbedoTexture:             texture(m.AlbedoTexture),
		NormalTexture:             texture(m.NormalTexture),
		RoughnessMetalnessTexture: texture(m.RoughnessMetalnessTexture),
		EmissiveTexture:           texture(m.EmissiveTexture),
		AlbedoFactor:              [4]float32{m.AlbedoFactor.X, m.AlbedoFactor.Y, m.AlbedoFactor.Z, m.AlbedoFactor.W},
		RoughnessMetalnessFactor:  [2]float32{m.RoughnessMetalnessFactor.X, m.RoughnessMetalnessFactor.Y},
		EmissiveFactor:            [3]float32{m.EmissiveFactor.X, m.EmissiveFactor.Y, m.EmissiveFactor.Z},
		AlphaCutoff:               m.AlphaCutoff,
		AlphaMode:                 uint32(m.AlphaMode),
	}
}

// upload copies both record arrays through one staging buffer into
// default-heap buffers on the copy queue and waits for the copy.
func (p *Processor) upload(ctx context.Context, s *Scene) error {
	geomBytes := uint64(len(s.Geometries)) * GeometryRecordSize
	matOffset := math.AlignUp(geomBytes, 256)
	matBytes := uint64(len(s.Materials)) * MaterialRecordSize

	staging, err := p.dev.CreateBuffer(&gpu.BufferDesc{
		Label: "gi-staging-" + s.ID.String(),
		Size:  matOffset + matBytes,
		Heap:  gpu.HeapUpload,
		Usage: gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return core.DeviceError(err, "CreateBuffer(gi-staging)")
	}

	mapped, err := staging.Map()
	if err != nil {
		staging.Release()
		return core.DeviceError(err, "Map(gi-staging)")
	}
	for i := range s.Geometries {
		if err := s.Geometries[i].Encode(mapped[uint64(i)*GeometryRecordSize:]); err != nil {
			staging.Unmap()
			staging.Release()
			return err
		}
	}
	for i := range s.Materials {
		if err := s.Materials[i].Encode(mapped[matOffset+uint64(i)*MaterialRecordSize:]); err != nil {
			staging.Unmap()
			staging.Release()
			return err
		}
	}
	staging.Unmap()

	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
	if s.GeometryBuffer, err = p.dev.CreateBuffer(&gpu.BufferDesc{Label: "gi-geometry", Size: geomBytes, Usage: usage}); err != nil {
		staging.Release()
		return core.DeviceError(err, "CreateBuffer(gi-geometry)")
	}
	if s.MaterialBuffer, err = p.dev.CreateBuffer(&gpu.BufferDesc{Label: "gi-material", Size: matBytes, Usage: usage}); err != nil {
		staging.Release()
		s.GeometryBuffer.Release()
		s.GeometryBuffer = nil
		return core.DeviceError(err, "CreateBuffer(gi-material)")
	}

	a, err := p.pool.QueryAllocator()
	if err != nil {
		return p.abort(s, staging, err)
	}
	if p.list == nil {
		if p.list, err = p.dev.CreateCommandList(gpu.QueueCopy, a); err != nil {
			return p.abort(s, staging, core.DeviceError(err, "CreateCommandList(gi)"))
		}
	} else if err := p.list.Reset(a); err != nil {
		return p.abort(s, staging, core.DeviceError(err, "CommandList.Reset(gi)"))
	}
	p.list.CopyBuffer(s.GeometryBuffer, 0, staging, 0, geomBytes)
	p.list.CopyBuffer(s.MaterialBuffer, 0, staging, matOffset, matBytes)
	if err := p.list.Close(); err != nil {
		return p.abort(s, staging, core.DeviceError(err, "CommandList.Close(gi)"))
	}

	var (
		value     uint64
		submitted bool
	)
	err = p.locks.SafeQueueCall(int(gpu.QueueCopy), func() error {
		if err := p.queue.ExecuteCommandLists(p.list); err != nil {
			return core.DeviceError(err, "Queue.ExecuteCommandLists(gi)")
		}
		submitted = true
		p.fenceValue++
		value = p.fenceValue
		if err := p.queue.Signal(p.fence, value); err != nil {
			return core.DeviceError(err, "Queue.Signal(gi)")
		}
		return nil
	})
	if err != nil && !submitted {
		return p.abort(s, staging, err)
	}
	if err != nil {
		p.retire(value, staging, s.GeometryBuffer, s.MaterialBuffer)
		s.GeometryBuffer, s.MaterialBuffer = nil, nil
		return err
	}
	if err := p.pool.DiscardAllocator(a, p.fence, value); err != nil {
		p.retire(value, staging, s.GeometryBuffer, s.MaterialBuffer)
		s.GeometryBuffer, s.MaterialBuffer = nil, nil
		return err
	}
	s.upload = UploadCompletion{Fence: p.fence, Value: value}

	if p.fence.CompletedValue() < value {
		p.logger.Debug("waiting for scene upload", "id", s.ID, "value", value)
		if err := p.fence.WaitForValue(ctx, value); err != nil {
			p.retire(value, staging, s.GeometryBuffer, s.MaterialBuffer)
			s.GeometryBuffer, s.MaterialBuffer = nil, nil
			return core.DeviceError(err, "Fence.WaitForValue(gi)")
		}
	}
	staging.Release()
	return nil
}

// abort frees the upload's buffers before anything was submitted.
func (p *Processor) abort(s *Scene, staging gpu.Buffer, err error) error {
	staging.Release()
	s.GeometryBuffer.Release()
	s.MaterialBuffer.Release()
	s.GeometryBuffer, s.MaterialBuffer = nil, nil
	return err
}

type retiredBuffer struct {
	buf   gpu.Buffer
	value uint64
}

// retire frees bufs once the copy queue has signalled value.
func (p *Processor) retire(value uint64, bufs ...gpu.Buffer) {
	for _, b := range bufs {
		p.retired = append(p.retired, retiredBuffer{buf: b, value: value})
	}
	p.logger.Warn("scene upload abandoned, buffers released once the copy completes", "value", value)
}

func (p *Processor) drain() {
	done := p.fence.CompletedValue()
	kept := p.retired[:0]
	for _, r := range p.retired {
		if done < r.value {
			kept = append(kept, r)
			continue
		}
		r.buf.Release()
	}
	clear(p.retired[len(kept):])
	p.retired = kept
}

// Retired returns the number of buffers waiting for an abandoned upload.
func (p *Processor) Retired() int {
	return len(p.retired)
}

// writeDescriptors fills the bindless tables: raw views over every
// registered buffer, typed views over every registered texture, and one
// structured view per record array. A scene without textures still gets
// one texture slot holding a null view, so the table can always be bound.
func (p *Processor) writeDescriptors(s *Scene) error {
	var err error
	if s.BufferTable, err = p.heap.Allocate(uint32(s.Buffers.Len())); err != nil {
		return err
	}
	for i, b := range s.Buffers.Items() {
		p.dev.CreateBufferView(b, gpu.RawBufferView(b.Size()), s.BufferTable.CPUAt(uint32(i)))
	}

	if s.TextureTable, err = p.heap.Allocate(uint32(max(1, s.Textures.Len()))); err != nil {
		return err
	}
	if s.Textures.Len() == 0 {
		p.dev.CreateTextureView(nil, &gpu.TextureViewDesc{
			Format:    gputypes.TextureFormatRGBA8Unorm,
			Dimension: gputypes.TextureViewDimension2D,
			MipLevels: 1,
		}, s.TextureTable.CPUAt(0))
	}
	for i, t := range s.Textures.Items() {
		desc := t.Desc()
		p.dev.CreateTextureView(t, &gpu.TextureViewDesc{
			Format:    desc.Format,
			Dimension: gputypes.TextureViewDimension2D,
			MipLevels: desc.MipLevels,
		}, s.TextureTable.CPUAt(uint32(i)))
	}

	if s.GeometrySRV, err = p.heap.AllocateOne(); err != nil {
		return err
	}
	p.dev.CreateBufferView(s.GeometryBuffer,
		gpu.StructuredBufferView(uint32(len(s.Geometries)), GeometryRecordSize), s.GeometrySRV.CPUHandle())
	if s.MaterialSRV, err = p.heap.AllocateOne(); err != nil {
		return err
	}
	p.dev.CreateBufferView(s.MaterialBuffer,
		gpu.StructuredBufferView(uint32(len(s.Materials)), MaterialRecordSize), s.MaterialSRV.CPUHandle())
	return nil
}

// Destroy releases the processor's command list and fence. Scenes stay
// valid.
func (p *Processor) Destroy() {
	if len(p.retired) > 0 {
		if err := p.fence.WaitForValue(context.Background(), p.fenceValue); err != nil {
			p.logger.Error("waiting for abandoned scene uploads", "err", err)
		}
		for _, r := range p.retired {
			r.buf.Release()
		}
		p.retired = nil
	}
	if p.list != nil {
		p.list.Release()
		p.list = nil
	}
	p.fence.Release()
}
