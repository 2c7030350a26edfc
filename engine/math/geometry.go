package math

// GeometryGenerateNormals writes a face normal into every vertex of each
// triangle. Shared vertices end up with the normal of the last face that
// references them.
func GeometryGenerateNormals(vertices []Vertex3D, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0 := indices[i+0]
		i1 := indices[i+1]
		i2 := indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)

		normal := edge1.Cross(edge2).Normalized()

		vertices[i0].Normal = normal
		vertices[i1].Normal = normal
		vertices[i2].Normal = normal
	}
}

// GeometryGenerateTangents derives per-face tangents from positions and
// texture coordinates. Normals must already be generated since they decide
// the handedness in Tangent.W. Degenerate UV mappings leave the tangent
// untouched.
func GeometryGenerateTangents(vertices []Vertex3D, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0 := indices[i+0]
		i1 := indices[i+1]
		i2 := indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)

		d1 := vertices[i1].Texcoord.Sub(vertices[i0].Texcoord)
		d2 := vertices[i2].Texcoord.Sub(vertices[i0].Texcoord)

		dividend := d1.X*d2.Y - d2.X*d1.Y
		if dividend == 0 {
			continue
		}
		fc := 1.0 / dividend

		tangent := Vec3{
			fc * (d2.Y*edge1.X - d1.Y*edge2.X),
			fc * (d2.Y*edge1.Y - d1.Y*edge2.Y),
			fc * (d2.Y*edge1.Z - d1.Y*edge2.Z)}.Normalized()

		bitangent := Vec3{
			fc * (d1.X*edge2.X - d2.X*edge1.X),
			fc * (d1.X*edge2.Y - d2.X*edge1.Y),
			fc * (d1.X*edge2.Z - d2.X*edge1.Z)}

		for _, vi := range [3]uint32{i0, i1, i2} {
			handedness := float32(1.0)
			if vertices[vi].Normal.Cross(tangent).Dot(bitangent) < 0.0 {
				handedness = -1.0
			}
			vertices[vi].Tangent = Vec4{tangent.X, tangent.Y, tangent.Z, handedness}
		}
	}
}

// GeometryExtents returns the axis-aligned bounds of the vertex positions.
func GeometryExtents(vertices []Vertex3D) Extents3D {
	if len(vertices) == 0 {
		return Extents3D{}
	}
	e := Extents3D{Min: vertices[0].Position, Max: vertices[0].Position}
	for _, v := range vertices[1:] {
		p := v.Position
		e.Min = Vec3{min(e.Min.X, p.X), min(e.Min.Y, p.Y), min(e.Min.Z, p.Z)}
		e.Max = Vec3{max(e.Max.X, p.X), max(e.Max.Y, p.Y), max(e.Max.Z, p.Z)}
	}
	return e
}
