package mesh

import (
	"container/heap"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// maxCondition bounds the quadric system before falling back to endpoint placement.
const maxCondition = 1e10

// Decimate collapses edges by increasing quadric error until the mesh has at
// most target faces. Every collapse of a live edge removes at least one face,
// so the bound always holds on success. Unreferenced vertices are compacted.
func Decimate(m *Mesh, target int) error {
	if target < 1 {
		return fmt.Errorf("decimate: target face count must be positive, got %d", target)
	}
	if len(m.Faces) <= target {
		return nil
	}
	if err := m.Validate(); err != nil {
		return fmt.Errorf("decimate: %w", err)
	}

	d := newDecimator(m)
	d.run(target)
	d.apply(m)
	m.Compact()

	if len(m.Faces) > target {
		return fmt.Errorf("decimate: stalled at %d faces (target %d)", len(m.Faces), target)
	}
	return nil
}

type decimator struct {
	pos       [][3]float64
	quadrics  []*mat.SymDense
	faces     [][3]int
	faceAlive []bool
	vertFaces [][]int
	vertAlive []bool
	version   []int
	live      int
	queue     collapseQueue
}

func newDecimator(m *Mesh) *decimator {
	nv := len(m.Vertices)
	d := &decimator{
		pos:       make([][3]float64, nv),
		quadrics:  make([]*mat.SymDense, nv),
		faces:     make([][3]int, len(m.Faces)),
		faceAlive: make([]bool, len(m.Faces)),
		vertFaces: make([][]int, nv),
		vertAlive: make([]bool, nv),
		version:   make([]int, nv),
		live:      len(m.Faces),
	}
	copy(d.pos, m.Vertices)
	copy(d.faces, m.Faces)
	for i := range d.quadrics {
		d.quadrics[i] = mat.NewSymDense(4, nil)
	}

	plane := mat.NewVecDense(4, nil)
	for fi, f := range d.faces {
		d.faceAlive[fi] = true
		a, b, c := d.pos[f[0]], d.pos[f[1]], d.pos[f[2]]
		n := cross(sub(b, a), sub(c, a))
		area := norm(n)
		if area > 0 {
			n = [3]float64{n[0] / area, n[1] / area, n[2] / area}
			plane.SetVec(0, n[0])
			plane.SetVec(1, n[1])
			plane.SetVec(2, n[2])
			plane.SetVec(3, -dot(n, a))
			for _, v := range f {
				// area weighting keeps large flat regions stable
				d.quadrics[v].SymRankOne(d.quadrics[v], 0.5*area, plane)
			}
		}
		for _, v := range f {
			d.vertFaces[v] = append(d.vertFaces[v], fi)
			d.vertAlive[v] = true
		}
	}

	seen := make(map[[2]int]struct{}, len(d.faces)*3/2)
	for _, f := range d.faces {
		for i := 0; i < 3; i++ {
			e := edgeKey(f[i], f[(i+1)%3])
			if e[0] == e[1] {
				continue
			}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			d.push(e[0], e[1])
		}
	}
	heap.Init(&d.queue)
	return d
}

func edgeKey(a, b int) [2]int {
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

func (d *decimator) push(u, v int) {
	q := mat.NewSymDense(4, nil)
	q.AddSym(d.quadrics[u], d.quadrics[v])
	target, cost := optimalPlacement(q, d.pos[u], d.pos[v])
	heap.Push(&d.queue, &collapse{
		u: u, v: v,
		target: target,
		cost:   cost,
		verU:   d.version[u],
		verV:   d.version[v],
	})
}

// optimalPlacement minimises the quadric; ill-conditioned systems fall back
// to the best of the endpoints and the midpoint.
func optimalPlacement(q *mat.SymDense, a, b [3]float64) ([3]float64, float64) {
	sys := mat.NewDense(3, 3, []float64{
		q.At(0, 0), q.At(0, 1), q.At(0, 2),
		q.At(1, 0), q.At(1, 1), q.At(1, 2),
		q.At(2, 0), q.At(2, 1), q.At(2, 2),
	})
	rhs := mat.NewVecDense(3, []float64{-q.At(0, 3), -q.At(1, 3), -q.At(2, 3)})

	var lu mat.LU
	lu.Factorize(sys)
	if lu.Cond() < maxCondition {
		var x mat.VecDense
		if err := lu.SolveVecTo(&x, false, rhs); err == nil {
			p := [3]float64{x.AtVec(0), x.AtVec(1), x.AtVec(2)}
			return p, quadricError(q, p)
		}
	}

	mid := [3]float64{(a[0] + b[0]) / 2, (a[1] + b[1]) / 2, (a[2] + b[2]) / 2}
	best, bestCost := a, quadricError(q, a)
	for _, p := range [][3]float64{b, mid} {
		if c := quadricError(q, p); c < bestCost {
			best, bestCost = p, c
		}
	}
	return best, bestCost
}

func quadricError(q *mat.SymDense, p [3]float64) float64 {
	h := mat.NewVecDense(4, []float64{p[0], p[1], p[2], 1})
	return mat.Inner(h, q, h)
}

func (d *decimator) run(target int) {
	for d.live > target && d.queue.Len() > 0 {
		c := heap.Pop(&d.queue).(*collapse)
		if !d.vertAlive[c.u] || !d.vertAlive[c.v] {
			continue
		}
		if c.verU != d.version[c.u] || c.verV != d.version[c.v] {
			continue
		}
		if !d.shareFace(c.u, c.v) {
			continue
		}
		d.collapse(c)
	}
}

func (d *decimator) shareFace(u, v int) bool {
	for _, fi := range d.vertFaces[u] {
		if !d.faceAlive[fi] {
			continue
		}
		f := d.faces[fi]
		if f[0] == v || f[1] == v || f[2] == v {
			return true
		}
	}
	return false
}

// collapse merges v into u at the candidate position.
func (d *decimator) collapse(c *collapse) {
	u, v := c.u, c.v
	d.pos[u] = c.target
	d.quadrics[u].AddSym(d.quadrics[u], d.quadrics[v])

	for _, fi := range d.vertFaces[v] {
		if !d.faceAlive[fi] {
			continue
		}
		f := &d.faces[fi]
		for k := 0; k < 3; k++ {
			if f[k] == v {
				f[k] = u
			}
		}
		if f[0] == f[1] || f[1] == f[2] || f[0] == f[2] {
			d.faceAlive[fi] = false
			d.live--
			continue
		}
		d.vertFaces[u] = append(d.vertFaces[u], fi)
	}
	d.vertFaces[v] = nil
	d.vertAlive[v] = false
	d.version[u]++

	alive := d.vertFaces[u][:0]
	neighbours := make(map[int]struct{})
	for _, fi := range d.vertFaces[u] {
		if !d.faceAlive[fi] {
			continue
		}
		alive = append(alive, fi)
		for _, w := range d.faces[fi] {
			if w != u {
				neighbours[w] = struct{}{}
			}
		}
	}
	d.vertFaces[u] = alive
	if len(alive) == 0 {
		d.vertAlive[u] = false
		return
	}
	for w := range neighbours {
		d.push(u, w)
	}
}

func (d *decimator) apply(m *Mesh) {
	faces := make([][3]int, 0, d.live)
	for fi, f := range d.faces {
		if d.faceAlive[fi] {
			faces = append(faces, f)
		}
	}
	m.Faces = faces
	m.Vertices = d.pos
}

type collapse struct {
	u, v       int
	target     [3]float64
	cost       float64
	verU, verV int
}

type collapseQueue []*collapse

func (q collapseQueue) Len() int { return len(q) }

func (q collapseQueue) Less(i, j int) bool {
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	if q[i].u != q[j].u {
		return q[i].u < q[j].u
	}
	return q[i].v < q[j].v
}

func (q collapseQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *collapseQueue) Push(x any) { *q = append(*q, x.(*collapse)) }

func (q *collapseQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}
