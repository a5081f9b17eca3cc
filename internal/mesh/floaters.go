package mesh

import (
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// DefaultFloaterFaceRatio is the share of total faces below which a
// disconnected component counts as a floater.
const DefaultFloaterFaceRatio = 0.1

// RemoveFloaters deletes connected components whose face count is below
// ratio*len(m.Faces). The component with the most faces always survives.
// It returns the number of faces removed.
func RemoveFloaters(m *Mesh, ratio float64) (int, error) {
	if len(m.Faces) == 0 {
		return 0, ErrEmptyMesh
	}
	if err := m.Validate(); err != nil {
		return 0, err
	}

	g := simple.NewUndirectedGraph()
	for _, f := range m.Faces {
		for _, v := range f {
			if g.Node(int64(v)) == nil {
				g.AddNode(simple.Node(v))
			}
		}
		for i := 0; i < 3; i++ {
			a, b := f[i], f[(i+1)%3]
			if a == b {
				continue
			}
			g.SetEdge(g.NewEdge(simple.Node(a), simple.Node(b)))
		}
	}

	components := topo.ConnectedComponents(g)
	if len(components) <= 1 {
		return 0, nil
	}

	componentOf := make(map[int64]int, len(m.Vertices))
	for i, c := range components {
		for _, n := range c {
			componentOf[n.ID()] = i
		}
	}
	faceCounts := make([]int, len(components))
	for _, f := range m.Faces {
		faceCounts[componentOf[int64(f[0])]]++
	}

	largest := 0
	for i, n := range faceCounts {
		if n > faceCounts[largest] {
			largest = i
		}
	}
	threshold := ratio * float64(len(m.Faces))

	kept := m.Faces[:0]
	removed := 0
	for _, f := range m.Faces {
		c := componentOf[int64(f[0])]
		if c == largest || float64(faceCounts[c]) >= threshold {
			kept = append(kept, f)
			continue
		}
		removed++
	}
	m.Faces = kept
	if removed > 0 {
		m.Compact()
	}
	return removed, nil
}
