// Package mesh holds the triangle mesh model and the post-processing steps
// applied to raw shape-generator output.
package mesh

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEmptyMesh is returned by steps that need at least one face.
	ErrEmptyMesh = errors.New("mesh has no faces")
)

// Mesh is an indexed triangle mesh. UVs is either nil or has one entry per vertex.
type Mesh struct {
	Vertices [][3]float64
	Faces    [][3]int
	UVs      [][2]float64
}

// Clone returns a deep copy.
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Vertices: make([][3]float64, len(m.Vertices)),
		Faces:    make([][3]int, len(m.Faces)),
	}
	copy(out.Vertices, m.Vertices)
	copy(out.Faces, m.Faces)
	if m.UVs != nil {
		out.UVs = make([][2]float64, len(m.UVs))
		copy(out.UVs, m.UVs)
	}
	return out
}

// Validate checks index bounds and attribute lengths.
func (m *Mesh) Validate() error {
	if m.UVs != nil && len(m.UVs) != len(m.Vertices) {
		return fmt.Errorf("uv count %d does not match vertex count %d", len(m.UVs), len(m.Vertices))
	}
	n := len(m.Vertices)
	for i, f := range m.Faces {
		for _, v := range f {
			if v < 0 || v >= n {
				return fmt.Errorf("face %d references vertex %d of %d", i, v, n)
			}
		}
	}
	for i, v := range m.Vertices {
		for _, c := range v {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return fmt.Errorf("vertex %d has non-finite coordinate", i)
			}
		}
	}
	return nil
}

// Compact drops vertices no face references and renumbers faces.
// It returns the number of vertices removed.
func (m *Mesh) Compact() int {
	remap := make([]int, len(m.Vertices))
	for i := range remap {
		remap[i] = -1
	}
	next := 0
	for _, f := range m.Faces {
		for _, v := range f {
			if remap[v] < 0 {
				remap[v] = next
				next++
			}
		}
	}
	removed := len(m.Vertices) - next
	if removed == 0 && isIdentity(remap) {
		return 0
	}

	verts := make([][3]float64, next)
	var uvs [][2]float64
	if m.UVs != nil {
		uvs = make([][2]float64, next)
	}
	for old, nu := range remap {
		if nu < 0 {
			continue
		}
		verts[nu] = m.Vertices[old]
		if uvs != nil {
			uvs[nu] = m.UVs[old]
		}
	}
	for i, f := range m.Faces {
		m.Faces[i] = [3]int{remap[f[0]], remap[f[1]], remap[f[2]]}
	}
	m.Vertices = verts
	m.UVs = uvs
	return removed
}

func isIdentity(remap []int) bool {
	for i, v := range remap {
		if v != i {
			return false
		}
	}
	return true
}

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *Mesh) Bounds() (lo, hi [3]float64) {
	if len(m.Vertices) == 0 {
		return lo, hi
	}
	lo, hi = m.Vertices[0], m.Vertices[0]
	for _, v := range m.Vertices[1:] {
		for k := 0; k < 3; k++ {
			lo[k] = math.Min(lo[k], v[k])
			hi[k] = math.Max(hi[k], v[k])
		}
	}
	return lo, hi
}

// Diagonal returns the length of the bounding box diagonal.
func (m *Mesh) Diagonal() float64 {
	lo, hi := m.Bounds()
	return norm(sub(hi, lo))
}

// FaceArea returns the area of face i.
func (m *Mesh) FaceArea(i int) float64 {
	return triangleArea(m, m.Faces[i])
}

func triangleArea(m *Mesh, f [3]int) float64 {
	a, b, c := m.Vertices[f[0]], m.Vertices[f[1]], m.Vertices[f[2]]
	return 0.5 * norm(cross(sub(b, a), sub(c, a)))
}

func sub(a, b [3]float64) [3]float64 {
	return [3]float64{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}
