package math

import "testing"

func TestAlignUp(t *testing.T) {
	cases := []struct {
		v, a, want uint64
	}{
		{0, 256, 0},
		{1, 256, 256},
		{255, 256, 256},
		{256, 256, 256},
		{257, 256, 512},
		{64 * 3, 256, 256},
		{64 * 5, 256, 512},
	}
	for _, c := range cases {
		if have := AlignUp(c.v, c.a); have != c.want {
			t.Fatalf("AlignUp(%d, %d):\nhave %d\nwant %d", c.v, c.a, have, c.want)
		}
		if !IsAligned(AlignUp(c.v, c.a), c.a) {
			t.Fatalf("IsAligned(AlignUp(%d, %d), %[2]d): have false", c.v, c.a)
		}
	}
	if IsAligned(uint32(12), 256) {
		t.Fatal("IsAligned(12, 256): have true")
	}
}

func TestClamp(t *testing.T) {
	if have := Clamp(5, 0, 3); have != 3 {
		t.Fatalf("Clamp:\nhave %d\nwant 3", have)
	}
	if have := Clamp(float32(-1), 0, 1); have != 0 {
		t.Fatalf("Clamp:\nhave %v\nwant 0", have)
	}
}

func TestAffine3x4(t *testing.T) {
	m := NewMat4Scale(Vec3{2, 3, 4}).Mul(NewMat4Translation(Vec3{10, 20, 30}))
	a := m.ToAffine3x4()
	want := [12]float32{
		2, 0, 0, 10,
		0, 3, 0, 20,
		0, 0, 4, 30,
	}
	if a != want {
		t.Fatalf("Mat4.ToAffine3x4:\nhave %v\nwant %v", a, want)
	}
	if back := NewMat4FromAffine3x4(a); back != m {
		t.Fatalf("NewMat4FromAffine3x4:\nhave %v\nwant %v", back, m)
	}
}

func TestAffine3x4Rotation(t *testing.T) {
	q := NewQuatFromAxisAngle(Vec3{0, 0, 1}, K_HALF_PI, true)
	m := q.ToMat4().Mul(NewMat4Translation(Vec3{1, 0, 0}))

	p := Vec3{1, 0, 0}.Transform(m)
	if want := (Vec3{1, 1, 0}); p.Sub(want).Length() > 1e-5 {
		t.Fatalf("Vec3.Transform:\nhave %v\nwant %v", p, want)
	}

	// Column-vector application of the 3x4 form must agree.
	a := m.ToAffine3x4()
	var q3 Vec3
	q3.X = a[0]*1 + a[1]*0 + a[2]*0 + a[3]
	q3.Y = a[4]*1 + a[5]*0 + a[6]*0 + a[7]
	q3.Z = a[8]*1 + a[9]*0 + a[10]*0 + a[11]
	if q3.Sub(p).Length() > 1e-5 {
		t.Fatalf("affine 3x4 apply:\nhave %v\nwant %v", q3, p)
	}
}

func TestTransformWorld(t *testing.T) {
	parent := TransformFromPosition(Vec3{0, 5, 0})
	child := TransformCreate()
	child.SetScale(Vec3{2, 2, 2})
	child.Translate(Vec3{1, 0, 0})
	child.Parent = parent

	p := Vec3{1, 1, 1}.Transform(child.GetWorld())
	if want := (Vec3{3, 7, 2}); p.Sub(want).Length() > 1e-5 {
		t.Fatalf("Transform.GetWorld:\nhave %v\nwant %v", p, want)
	}
	if child.IsDirty {
		t.Fatal("Transform.IsDirty: have true after GetLocal")
	}
}

func TestGeometryGenerate(t *testing.T) {
	verts := []Vertex3D{
		{Position: Vec3{0, 0, 0}, Texcoord: Vec2{0, 0}},
		{Position: Vec3{1, 0, 0}, Texcoord: Vec2{1, 0}},
		{Position: Vec3{0, 1, 0}, Texcoord: Vec2{0, 1}},
	}
	idx := []uint32{0, 1, 2}
	GeometryGenerateNormals(verts, idx)
	GeometryGenerateTangents(verts, idx)
	for i, v := range verts {
		if v.Normal.Sub(Vec3{0, 0, 1}).Length() > 1e-6 {
			t.Fatalf("vertex %d normal:\nhave %v\nwant [0 0 1]", i, v.Normal)
		}
		if want := (Vec4{1, 0, 0, 1}); v.Tangent != want {
			t.Fatalf("vertex %d tangent:\nhave %v\nwant %v", i, v.Tangent, want)
		}
	}
	e := GeometryExtents(verts)
	if e.Min != (Vec3{}) || e.Max != (Vec3{1, 1, 0}) {
		t.Fatalf("GeometryExtents:\nhave %v\nwant {[0 0 0] [1 1 0]}", e)
	}
}
