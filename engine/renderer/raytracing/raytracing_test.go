package raytracing

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine/core"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

const testVertices = 24

type harness struct {
	t     *testing.T
	dev   *soft.Device
	queue gpu.Queue
	alloc gpu.CommandAllocator
	list  gpu.CommandList
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dev := soft.New(soft.Options{})
	q, err := dev.CreateCommandQueue(gpu.QueueGraphics)
	if err != nil {
		t.Fatalf("CreateCommandQueue: unexpected error: %v", err)
	}
	a, err := dev.CreateCommandAllocator(gpu.QueueGraphics)
	if err != nil {
		t.Fatalf("CreateCommandAllocator: unexpected error: %v", err)
	}
	l, err := dev.CreateCommandList(gpu.QueueGraphics, a)
	if err != nil {
		t.Fatalf("CreateCommandList: unexpected error: %v", err)
	}
	return &harness{t: t, dev: dev, queue: q, alloc: a, list: l}
}

// submit executes the recorded list and reopens it.
func (h *harness) submit() []soft.Command {
	h.t.Helper()
	cmds := h.list.(*soft.CommandList).Commands()
	if err := h.list.Close(); err != nil {
		h.t.Fatalf("CommandList.Close: unexpected error: %v", err)
	}
	if err := h.queue.ExecuteCommandLists(h.list); err != nil {
		h.t.Fatalf("Queue.ExecuteCommandLists: unexpected error: %v", err)
	}
	if err := h.dev.Err(); err != nil {
		h.t.Fatalf("device removed: %v", err)
	}
	if err := h.alloc.Reset(); err != nil {
		h.t.Fatalf("CommandAllocator.Reset: unexpected error: %v", err)
	}
	if err := h.list.Reset(h.alloc); err != nil {
		h.t.Fatalf("CommandList.Reset: unexpected error: %v", err)
	}
	return cmds
}

func (h *harness) buffer(size uint64) gpu.Buffer {
	h.t.Helper()
	b, err := h.dev.CreateBuffer(&gpu.BufferDesc{Size: size, Usage: gputypes.BufferUsageStorage})
	if err != nil {
		h.t.Fatalf("CreateBuffer: unexpected error: %v", err)
	}
	return b
}

func (h *harness) mesh(name string, indexCounts ...uint32) *metadata.Mesh {
	h.t.Helper()
	m := &metadata.Mesh{Name: name}
	for _, n := range indexCounts {
		m.Submeshes = append(m.Submeshes, &metadata.Submesh{
			Indices:    metadata.IndexStream{Buffer: h.buffer(uint64(n) * 4), Stride: 4},
			IndexCount: n,
			Position: metadata.AttributeStream{
				Buffer: h.buffer(testVertices * 12),
				Stride: 12,
				Format: gputypes.VertexFormatFloat32x3,
			},
			VertexCount: testVertices,
		})
	}
	return m
}

func accel(t *testing.T, b gpu.Buffer) *soft.AccelerationStructure {
	t.Helper()
	as := b.(*soft.Buffer).AccelerationStructure()
	if as == nil {
		t.Fatalf("%s holds no acceleration structure", b.(*soft.Buffer).Label())
	}
	return as
}

func TestQueryGeometryDescArray(t *testing.T) {
	h := newHarness(t)
	b := NewBuilder(h.dev, Options{})
	m := h.mesh("two", 100, 50)
	m.Submeshes[1].Indices.Stride = 2
	m.Submeshes[1].Material = &metadata.Material{AlphaMode: metadata.AlphaModeMask}

	geoms, err := b.QueryGeometryDescArray(m)
	if err != nil {
		t.Fatalf("QueryGeometryDescArray: unexpected error: %v", err)
	}
	if len(geoms) != 2 {
		t.Fatalf("len(geoms):\nhave %d\nwant 2", len(geoms))
	}
	if geoms[0].Triangles.IndexFormat != gputypes.IndexFormatUint32 || geoms[1].Triangles.IndexFormat != gputypes.IndexFormatUint16 {
		t.Fatalf("index formats:\nhave %v, %v\nwant Uint32, Uint16",
			geoms[0].Triangles.IndexFormat, geoms[1].Triangles.IndexFormat)
	}
	if geoms[0].Flags != gpu.GeometryFlagOpaque || geoms[1].Flags != 0 {
		t.Fatalf("geometry flags:\nhave %d, %d\nwant %d, 0", geoms[0].Flags, geoms[1].Flags, gpu.GeometryFlagOpaque)
	}
	if have, want := geoms[0].Triangles.VertexBuffer, m.Submeshes[0].Position.Buffer.GPUAddress(); have != want {
		t.Fatalf("vertex address:\nhave %#x\nwant %#x", have, want)
	}

	blas, err := b.CreateBlas(h.list, geoms)
	if err != nil {
		t.Fatalf("CreateBlas: unexpected error: %v", err)
	}
	h.submit()
	if n := accel(t, blas.Result).NumDescs; n != 2 {
		t.Fatalf("BLAS NumDescs:\nhave %d\nwant 2", n)
	}
}

func TestQueryGeometryDescArrayInvalid(t *testing.T) {
	h := newHarness(t)
	b := NewBuilder(h.dev, Options{})

	for _, x := range []struct {
		name   string
		modify func(*metadata.Submesh)
	}{
		{"no position", func(s *metadata.Submesh) { s.Position.Buffer = nil }},
		{"float32x2", func(s *metadata.Submesh) { s.Position.Format = gputypes.VertexFormatFloat32x2 }},
		{"short stride", func(s *metadata.Submesh) { s.Position.Stride = 8 }},
		{"no index buffer", func(s *metadata.Submesh) { s.Indices.Buffer = nil }},
		{"index stride", func(s *metadata.Submesh) { s.Indices.Stride = 1 }},
		{"no indices", func(s *metadata.Submesh) { s.IndexCount = 0 }},
		{"no vertices", func(s *metadata.Submesh) { s.VertexCount = 0 }},
	} {
		m := h.mesh(x.name, 36)
		x.modify(m.Submeshes[0])
		_, err := b.QueryGeometryDescArray(m)
		if !errors.Is(err, core.ErrInvalidGeometry) {
			t.Fatalf("%s: QueryGeometryDescArray:\nhave %v\nwant %v", x.name, err, core.ErrInvalidGeometry)
		}
	}

	if _, err := b.QueryGeometryDescArray(&metadata.Mesh{Name: "empty"}); !errors.Is(err, core.ErrInvalidGeometry) {
		t.Fatalf("empty mesh: QueryGeometryDescArray:\nhave %v\nwant %v", err, core.ErrInvalidGeometry)
	}
	if _, err := b.QueryGeometryDescArray(nil); !errors.Is(err, core.ErrInvalidGeometry) {
		t.Fatalf("nil mesh: QueryGeometryDescArray:\nhave %v\nwant %v", err, core.ErrInvalidGeometry)
	}
}

func TestGetPrebuildInfo(t *testing.T) {
	h := newHarness(t)
	b := NewBuilder(h.dev, Options{})
	geoms, err := b.QueryGeometryDescArray(h.mesh("m", 300, 99))
	if err != nil {
		t.Fatalf("QueryGeometryDescArray: unexpected error: %v", err)
	}

	for _, inputs := range []gpu.BuildInputs{
		{Type: gpu.BottomLevel, Flags: gpu.BuildFlagAllowUpdate, NumDescs: 2, Geometries: geoms},
		{Type: gpu.TopLevel, Flags: gpu.BuildFlagAllowUpdate, NumDescs: 3},
	} {
		info := b.GetPrebuildInfo(&inputs)
		if info != b.GetPrebuildInfo(&inputs) {
			t.Fatalf("%s: GetPrebuildInfo is not deterministic", inputs.Type)
		}
		for _, n := range []uint64{info.ScratchBytes, info.AccelerationStructureBytes, info.UpdateScratchBytes, info.InstanceBufferBytes} {
			if n%256 != 0 {
				t.Fatalf("%s: size %d is not 256-byte aligned", inputs.Type, n)
			}
		}
		raw := h.dev.RaytracingPrebuildInfo(&inputs)
		if info.AccelerationStructureBytes < raw.ResultBytes || info.ScratchBytes < raw.ScratchBytes {
			t.Fatalf("%s: aligned sizes %+v below device sizes %+v", inputs.Type, info, raw)
		}
		switch inputs.Type {
		case gpu.BottomLevel:
			if info.InstanceBufferBytes != 0 {
				t.Fatalf("BLAS InstanceBufferBytes:\nhave %d\nwant 0", info.InstanceBufferBytes)
			}
		case gpu.TopLevel:
			if info.InstanceBufferBytes != 256 {
				t.Fatalf("TLAS InstanceBufferBytes:\nhave %d\nwant 256", info.InstanceBufferBytes)
			}
		}
	}
}

func placements(a, b *metadata.Mesh, x float32) []MeshPlacement {
	return []MeshPlacement{
		{Mesh: a, Transform: math.NewMat4Translation(math.NewVec3(x, 0, 0)), InstanceID: 0},
		{Mesh: a, Transform: math.NewMat4Translation(math.NewVec3(0, x, 0)), InstanceID: 1, Mask: 0x0F},
		{Mesh: b, Transform: math.NewMat4Translation(math.NewVec3(0, 0, x)), InstanceID: 3, HitGroupIndex: 2},
	}
}

func TestSceneBuild(t *testing.T) {
	h := newHarness(t)
	s := NewSceneAccel(NewBuilder(h.dev, Options{AllowTlasUpdate: true}))
	a, b := h.mesh("a", 36), h.mesh("b", 36, 12)

	tlas, err := s.Build(h.list, placements(a, b, 1))
	if err != nil {
		t.Fatalf("SceneAccel.Build: unexpected error: %v", err)
	}
	h.submit()

	if n := s.BlasCount(); n != 2 {
		t.Fatalf("SceneAccel.BlasCount:\nhave %d\nwant 2", n)
	}
	as := accel(t, tlas.Result)
	if as.Type != gpu.TopLevel || len(as.Instances) != 3 {
		t.Fatalf("TLAS:\nhave %s with %d instances\nwant TopLevel with 3", as.Type, len(as.Instances))
	}
	insts := as.Instances
	if insts[0].AccelerationStructure != insts[1].AccelerationStructure {
		t.Fatalf("instances of one mesh reference different BLASes: %#x, %#x",
			insts[0].AccelerationStructure, insts[1].AccelerationStructure)
	}
	if insts[0].AccelerationStructure == insts[2].AccelerationStructure {
		t.Fatal("instances of different meshes reference the same BLAS")
	}
	if insts[0].InstanceMask != 0xFF || insts[1].InstanceMask != 0x0F {
		t.Fatalf("instance masks:\nhave %#x, %#x\nwant 0xff, 0xf", insts[0].InstanceMask, insts[1].InstanceMask)
	}
	if insts[2].InstanceID != 3 || insts[2].HitGroupIndex != 2 {
		t.Fatalf("instance 2:\nhave id %d hit group %d\nwant id 3 hit group 2", insts[2].InstanceID, insts[2].HitGroupIndex)
	}
	if have := insts[2].Transform[11]; have != 1 {
		t.Fatalf("instance 2 z translation:\nhave %v\nwant 1", have)
	}

	// Records read back from the instance buffer match what the device saw.
	recs, err := gpu.DecodeInstances(tlas.Instance.(*soft.Buffer).Bytes(), 3)
	if err != nil {
		t.Fatalf("DecodeInstances: unexpected error: %v", err)
	}
	for i := range recs {
		if recs[i] != insts[i] {
			t.Fatalf("instance record %d:\nhave %+v\nwant %+v", i, recs[i], insts[i])
		}
	}
}

func TestSceneRefit(t *testing.T) {
	h := newHarness(t)
	s := NewSceneAccel(NewBuilder(h.dev, Options{AllowTlasUpdate: true}))
	a, b := h.mesh("a", 36), h.mesh("b", 36)

	first, err := s.Build(h.list, placements(a, b, 1))
	if err != nil {
		t.Fatalf("SceneAccel.Build: unexpected error: %v", err)
	}
	h.submit()
	result, instance := first.Result, first.Instance

	second, err := s.Build(h.list, placements(a, b, 5))
	if err != nil {
		t.Fatalf("SceneAccel.Build: unexpected error: %v", err)
	}
	cmds := h.submit()

	if second != first || second.Result != result || second.Instance != instance {
		t.Fatal("refit did not reuse the TLAS buffers")
	}
	if len(cmds) != 2 || cmds[0].Kind != soft.CmdBuildAccelerationStructure || cmds[1].Kind != soft.CmdUAVBarrier {
		t.Fatalf("refit recorded %d commands, want a build and a barrier", len(cmds))
	}
	build := cmds[0].Build
	if !build.Inputs.Flags.Has(gpu.BuildFlagPerformUpdate) || build.Source != build.Dest {
		t.Fatalf("refit build:\nhave flags %#x source %#x dest %#x\nwant PerformUpdate in place",
			build.Inputs.Flags, build.Source, build.Dest)
	}
	as := accel(t, second.Result)
	if as.Updates != 1 || second.Updates != 1 {
		t.Fatalf("updates:\nhave %d (device), %d (buffers)\nwant 1", as.Updates, second.Updates)
	}
	if have := as.Instances[0].Transform[3]; have != 5 {
		t.Fatalf("refitted x translation:\nhave %v\nwant 5", have)
	}
	if s.BlasCount() != 2 {
		t.Fatalf("SceneAccel.BlasCount:\nhave %d\nwant 2", s.BlasCount())
	}
}

func TestSceneRebuildOnCountChange(t *testing.T) {
	h := newHarness(t)
	s := NewSceneAccel(NewBuilder(h.dev, Options{AllowTlasUpdate: true}))
	a, b := h.mesh("a", 36), h.mesh("b", 36)

	first, err := s.Build(h.list, placements(a, b, 1))
	if err != nil {
		t.Fatalf("SceneAccel.Build: unexpected error: %v", err)
	}
	h.submit()
	old := first.Result.(*soft.Buffer)

	second, err := s.Build(h.list, placements(a, b, 2)[:2])
	if err != nil {
		t.Fatalf("SceneAccel.Build: unexpected error: %v", err)
	}
	cmds := h.submit()

	if second.InstanceCount != 2 || second.Result == gpu.Buffer(old) {
		t.Fatalf("rebuild:\nhave %d instances, same result %t\nwant 2 instances in new buffers",
			second.InstanceCount, second.Result == gpu.Buffer(old))
	}
	if !old.Released() {
		t.Fatal("superseded TLAS result was not released")
	}
	if cmds[0].Build.Inputs.Flags.Has(gpu.BuildFlagPerformUpdate) {
		t.Fatal("rebuild recorded an update")
	}
}

func TestSceneAccelSharesBuilderLogger(t *testing.T) {
	h := newHarness(t)
	b := NewBuilder(h.dev, Options{})
	first, second := NewSceneAccel(b), NewSceneAccel(b)
	if first.logger != b.logger || second.logger != b.logger {
		t.Fatal("scene accel created its own logger")
	}
}

func TestTlasWithoutUpdate(t *testing.T) {
	h := newHarness(t)
	s := NewSceneAccel(NewBuilder(h.dev, Options{}))
	a, b := h.mesh("a", 36), h.mesh("b", 36)

	first, err := s.Build(h.list, placements(a, b, 1))
	if err != nil {
		t.Fatalf("SceneAccel.Build: unexpected error: %v", err)
	}
	h.submit()
	if first.Updatable() {
		t.Fatal("TLAS built with AllowUpdate")
	}
	old := first.Result

	second, err := s.Build(h.list, placements(a, b, 2))
	if err != nil {
		t.Fatalf("SceneAccel.Build: unexpected error: %v", err)
	}
	h.submit()
	if second.Result == old || accel(t, second.Result).Updates != 0 {
		t.Fatal("TLAS was refitted without AllowTlasUpdate")
	}
}

type retirer struct {
	retired []gpu.Releaser
}

func (r *retirer) Retire(x gpu.Releaser) {
	r.retired = append(r.retired, x)
}

func TestCreateBlasRetiresScratch(t *testing.T) {
	h := newHarness(t)
	r := &retirer{}
	b := NewBuilder(h.dev, Options{Retirer: r})
	geoms, err := b.QueryGeometryDescArray(h.mesh("m", 36))
	if err != nil {
		t.Fatalf("QueryGeometryDescArray: unexpected error: %v", err)
	}
	blas, err := b.CreateBlas(h.list, geoms)
	if err != nil {
		t.Fatalf("CreateBlas: unexpected error: %v", err)
	}
	if blas.Scratch != nil || len(r.retired) != 1 {
		t.Fatalf("scratch:\nhave kept %t, %d retired\nwant handed to the retirer", blas.Scratch != nil, len(r.retired))
	}
	// The scratch is read when the list executes, after the hand-off.
	h.submit()
	if accel(t, blas.Result).Type != gpu.BottomLevel {
		t.Fatal("BLAS result holds no bottom-level structure")
	}
}

func TestCreateTlasInvalid(t *testing.T) {
	h := newHarness(t)
	b := NewBuilder(h.dev, Options{})
	geoms, err := b.QueryGeometryDescArray(h.mesh("m", 36))
	if err != nil {
		t.Fatalf("QueryGeometryDescArray: unexpected error: %v", err)
	}
	blas, err := b.CreateBlas(h.list, geoms)
	if err != nil {
		t.Fatalf("CreateBlas: unexpected error: %v", err)
	}

	for _, x := range []struct {
		name      string
		instances []TopLevelInstance
	}{
		{"empty", nil},
		{"unassigned id", []TopLevelInstance{{Blas: blas, InstanceID: gpu.InstanceUnassigned}}},
		{"unassigned hit group", []TopLevelInstance{{Blas: blas, HitGroupIndex: gpu.InstanceUnassigned}}},
		{"nil BLAS", []TopLevelInstance{{}}},
		{"released BLAS", []TopLevelInstance{{Blas: &BlasBuffers{}}}},
	} {
		_, err := b.CreateTlas(h.list, x.instances, nil)
		if !errors.Is(err, core.ErrInvalidInstance) {
			t.Fatalf("%s: CreateTlas:\nhave %v\nwant %v", x.name, err, core.ErrInvalidInstance)
		}
	}
}

func TestCreateBufferFailure(t *testing.T) {
	h := newHarness(t)
	b := NewBuilder(h.dev, Options{})
	geoms, err := b.QueryGeometryDescArray(h.mesh("m", 36))
	if err != nil {
		t.Fatalf("QueryGeometryDescArray: unexpected error: %v", err)
	}
	live := h.dev.LiveBuffers()
	h.dev.FailNext("CreateBuffer")
	if _, err := b.CreateBlas(h.list, geoms); !errors.Is(err, core.ErrDeviceCall) {
		t.Fatalf("CreateBlas:\nhave %v\nwant %v", err, core.ErrDeviceCall)
	}
	if n := h.dev.LiveBuffers(); n != live {
		t.Fatalf("LiveBuffers after failure:\nhave %d\nwant %d", n, live)
	}
}
