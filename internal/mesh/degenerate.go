package mesh

import "sort"

// areaEpsilon is relative to the squared bounding box diagonal.
const areaEpsilon = 1e-14

// RemoveDegenerateFaces deletes faces with repeated or out-of-range indices,
// faces with (near) zero area and exact duplicates of earlier faces.
// It returns the number of faces removed.
func RemoveDegenerateFaces(m *Mesh) (int, error) {
	if len(m.Faces) == 0 {
		return 0, ErrEmptyMesh
	}

	diag := m.Diagonal()
	minArea := areaEpsilon * diag * diag
	n := len(m.Vertices)
	seen := make(map[[3]int]struct{}, len(m.Faces))

	kept := m.Faces[:0]
	removed := 0
	for _, f := range m.Faces {
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] || !inRange(f, n) {
			removed++
			continue
		}
		if triangleArea(m, f) <= minArea {
			removed++
			continue
		}
		key := sortedFace(f)
		if _, dup := seen[key]; dup {
			removed++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, f)
	}
	m.Faces = kept
	if removed > 0 {
		m.Compact()
	}
	return removed, nil
}

func inRange(f [3]int, n int) bool {
	return f[0] >= 0 && f[0] < n && f[1] >= 0 && f[1] < n && f[2] >= 0 && f[2] < n
}

func sortedFace(f [3]int) [3]int {
	sort.Ints(f[:])
	return f
}
