package testbed

import (
	"context"
	"encoding/binary"
	stdmath "math"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/spaghettifunk/anima-rt/engine"
	"github.com/spaghettifunk/anima-rt/engine/math"
	"github.com/spaghettifunk/anima-rt/engine/renderer/gpu/soft"
	"github.com/spaghettifunk/anima-rt/engine/renderer/metadata"
)

func TestCubeGeometry(t *testing.T) {
	vertices, indices := cubeGeometry(2)
	if len(vertices) != 24 || len(indices) != 36 {
		t.Fatalf("cube:\nhave %d vertices, %d indices\nwant 24, 36", len(vertices), len(indices))
	}
	ext := math.GeometryExtents(vertices)
	if ext.Min != math.NewVec3(-1, -1, -1) || ext.Max != math.NewVec3(1, 1, 1) {
		t.Fatalf("extents:\nhave %v\nwant [-1,1] on every axis", ext)
	}
	// The first face looks down +Z.
	if n := vertices[0].Normal; n.Sub(math.NewVec3(0, 0, 1)).Length() > 1e-5 {
		t.Fatalf("front normal:\nhave %v\nwant (0, 0, 1)", n)
	}
}

func TestUploadSubmesh(t *testing.T) {
	dev := soft.New(soft.Options{})
	vertices, indices := planeGeometry(4)
	sm, err := uploadSubmesh(dev, "plane", vertices, indices, nil)
	if err != nil {
		t.Fatalf("uploadSubmesh: unexpected error: %v", err)
	}
	defer releaseMesh(&metadata.Mesh{Submeshes: []*metadata.Submesh{sm}})

	if sm.Indices.Stride != 2 || sm.IndexCount != 6 || sm.VertexCount != 4 {
		t.Fatalf("submesh: index stride %d, %d indices, %d vertices", sm.Indices.Stride, sm.IndexCount, sm.VertexCount)
	}
	if sm.Position.Format != gputypes.VertexFormatFloat32x3 || sm.Texcoord.Offset != texcoordOffset || sm.Tangent.Stride != vertexStride {
		t.Fatal("attribute streams not interleaved as Vertex3D")
	}

	data, err := sm.Position.Buffer.Map()
	if err != nil {
		t.Fatalf("Map: unexpected error: %v", err)
	}
	v := vertices[2]
	off := 2 * vertexStride
	if x := stdmath.Float32frombits(binary.LittleEndian.Uint32(data[off:])); x != v.Position.X {
		t.Fatalf("vertex 2 position.x:\nhave %v\nwant %v", x, v.Position.X)
	}
	if y := stdmath.Float32frombits(binary.LittleEndian.Uint32(data[off+normalOffset+4:])); y != v.Normal.Y {
		t.Fatalf("vertex 2 normal.y:\nhave %v\nwant %v", y, v.Normal.Y)
	}
	sm.Position.Buffer.Unmap()

	data, err = sm.Indices.Buffer.Map()
	if err != nil {
		t.Fatalf("Map: unexpected error: %v", err)
	}
	for i, want := range indices {
		if have := binary.LittleEndian.Uint16(data[i*2:]); uint32(have) != want {
			t.Fatalf("index %d:\nhave %d\nwant %d", i, have, want)
		}
	}
	sm.Indices.Buffer.Unmap()
}

func TestTestbedRun(t *testing.T) {
	tg := NewTestGame("", 8, 42, 16)
	e, err := engine.New(tg.Game)
	if err != nil {
		t.Fatalf("engine.New: unexpected error: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: unexpected error: %v", err)
	}

	scene := e.Scene()
	// The ground has one submesh, each cube two.
	if have, want := len(scene.Geometries), 1+16*2; have != want {
		t.Fatalf("geometry records:\nhave %d\nwant %d", have, want)
	}
	if have := scene.Textures.Len(); have != 1 {
		t.Fatalf("bindless textures:\nhave %d\nwant 1", have)
	}

	if err := e.Run(context.Background()); err != nil {
		t.Fatalf("Run: unexpected error: %v", err)
	}
	if tlas := e.Tlas(); tlas.InstanceCount != 17 || tlas.Updates != 8 {
		t.Fatalf("TLAS:\nhave %d instances, %d updates\nwant 17, 8", tlas.InstanceCount, tlas.Updates)
	}
	if err := e.Shutdown(); err != nil {
		t.Fatalf("Shutdown: unexpected error: %v", err)
	}
	if tg.state().meshes != nil {
		t.Fatal("Shutdown kept the meshes")
	}
}

func TestLayoutIsSeeded(t *testing.T) {
	place := func(seed uint64) math.Vec3 {
		tg := NewTestGame("", 0, seed, 4)
		e, err := engine.New(tg.Game)
		if err != nil {
			t.Fatalf("engine.New: unexpected error: %v", err)
		}
		if err := e.Initialize(); err != nil {
			t.Fatalf("Initialize: unexpected error: %v", err)
		}
		pos := tg.state().instances[1].Transform.Position
		if err := e.Shutdown(); err != nil {
			t.Fatalf("Shutdown: unexpected error: %v", err)
		}
		return pos
	}
	if a, b := place(7), place(7); a != b {
		t.Fatalf("same seed placed the first cube at %v and %v", a, b)
	}
}

func TestCubesRestAndSpin(t *testing.T) {
	tg := NewTestGame("", 0, 3, 4)
	e, err := engine.New(tg.Game)
	if err != nil {
		t.Fatalf("engine.New: unexpected error: %v", err)
	}
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize: unexpected error: %v", err)
	}
	defer func() {
		if err := e.Shutdown(); err != nil {
			t.Fatalf("Shutdown: unexpected error: %v", err)
		}
	}()

	state := tg.state()
	cube := state.instances[1].Transform
	if have, want := cube.Position.Y, 0.5*cube.Scale.Y; have != want {
		t.Fatalf("cube height:\nhave %v\nwant %v", have, want)
	}

	yaw := state.yaw[1]
	if err := tg.Update(0.25); err != nil {
		t.Fatalf("Update: unexpected error: %v", err)
	}
	want := yaw + state.spin[1]*0.25
	if want >= 2*math.K_PI {
		want -= 2 * math.K_PI
	}
	if have := state.yaw[1]; have != want {
		t.Fatalf("yaw:\nhave %v\nwant %v", have, want)
	}
	if q := math.NewQuatFromAxisAngle(math.NewVec3Up(), want, true); cube.Rotation != q || !cube.IsDirty {
		t.Fatalf("rotation:\nhave %v (dirty %v)\nwant %v", cube.Rotation, cube.IsDirty, q)
	}
	if ground := state.instances[0].Transform; ground.Rotation != math.NewQuatIdentity() {
		t.Fatalf("ground rotation:\nhave %v\nwant identity", ground.Rotation)
	}
}
