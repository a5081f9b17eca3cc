package mesh

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Corner is one face corner of an OBJ polygon. Indices are 0-based; -1 means absent.
type Corner struct {
	V, VT, VN int
}

// OBJ is a parsed Wavefront OBJ with per-corner attribute indices.
type OBJ struct {
	Positions   [][3]float64
	TexCoords   [][2]float64
	Normals     [][3]float64
	Faces       [][3]Corner
	MaterialLib string
}

// ReadOBJFile parses the OBJ file at path.
func ReadOBJFile(path string) (*OBJ, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open obj %s: %w", path, err)
	}
	defer f.Close()
	return ParseOBJ(f)
}

// ParseOBJ reads vertices, texture coordinates, normals and faces.
// Polygons are fan-triangulated; negative indices are resolved relative
// to the current element counts. Unknown statements are ignored.
func ParseOBJ(r io.Reader) (*OBJ, error) {
	obj := &OBJ{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		fields := strings.Fields(text)
		switch fields[0] {
		case "v":
			p, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("obj line %d: %w", line, err)
			}
			obj.Positions = append(obj.Positions, [3]float64{p[0], p[1], p[2]})
		case "vt":
			p, err := parseFloats(fields[1:], 2)
			if err != nil {
				return nil, fmt.Errorf("obj line %d: %w", line, err)
			}
			obj.TexCoords = append(obj.TexCoords, [2]float64{p[0], p[1]})
		case "vn":
			p, err := parseFloats(fields[1:], 3)
			if err != nil {
				return nil, fmt.Errorf("obj line %d: %w", line, err)
			}
			obj.Normals = append(obj.Normals, [3]float64{p[0], p[1], p[2]})
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("obj line %d: face needs at least 3 corners", line)
			}
			corners := make([]Corner, 0, len(fields)-1)
			for _, tok := range fields[1:] {
				c, err := obj.parseCorner(tok)
				if err != nil {
					return nil, fmt.Errorf("obj line %d: %w", line, err)
				}
				corners = append(corners, c)
			}
			for i := 1; i+1 < len(corners); i++ {
				obj.Faces = append(obj.Faces, [3]Corner{corners[0], corners[i], corners[i+1]})
			}
		case "mtllib":
			if len(fields) > 1 {
				obj.MaterialLib = strings.Join(fields[1:], " ")
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read obj: %w", err)
	}
	return obj, nil
}

func parseFloats(fields []string, n int) ([]float64, error) {
	if len(fields) < n {
		return nil, fmt.Errorf("expected %d components, got %d", n, len(fields))
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		f, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return nil, fmt.Errorf("parse component %q: %w", fields[i], err)
		}
		out[i] = f
	}
	return out, nil
}

func (o *OBJ) parseCorner(tok string) (Corner, error) {
	c := Corner{V: -1, VT: -1, VN: -1}
	parts := strings.Split(tok, "/")
	counts := []int{len(o.Positions), len(o.TexCoords), len(o.Normals)}
	dst := []*int{&c.V, &c.VT, &c.VN}
	for i, p := range parts {
		if i > 2 {
			break
		}
		if p == "" {
			continue
		}
		idx, err := strconv.Atoi(p)
		if err != nil {
			return c, fmt.Errorf("parse index %q: %w", p, err)
		}
		switch {
		case idx > 0:
			idx--
		case idx < 0:
			idx = counts[i] + idx
		default:
			return c, fmt.Errorf("index 0 is invalid")
		}
		if idx < 0 || idx >= counts[i] {
			return c, fmt.Errorf("index %s out of range", p)
		}
		*dst[i] = idx
	}
	if c.V < 0 {
		return c, fmt.Errorf("corner %q has no vertex index", tok)
	}
	return c, nil
}

// Mesh returns the position-only geometry of the OBJ.
func (o *OBJ) Mesh() *Mesh {
	m := &Mesh{
		Vertices: make([][3]float64, len(o.Positions)),
		Faces:    make([][3]int, len(o.Faces)),
	}
	copy(m.Vertices, o.Positions)
	for i, f := range o.Faces {
		m.Faces[i] = [3]int{f[0].V, f[1].V, f[2].V}
	}
	return m
}

// HasTexCoords reports whether every face corner carries a texture coordinate.
func (o *OBJ) HasTexCoords() bool {
	if len(o.TexCoords) == 0 || len(o.Faces) == 0 {
		return false
	}
	for _, f := range o.Faces {
		for _, c := range f {
			if c.VT < 0 {
				return false
			}
		}
	}
	return true
}

// WriteOBJ writes positions and faces of m. UVs, when present, are written
// with the same indexing as the positions.
func WriteOBJ(w io.Writer, m *Mesh) error {
	bw := bufio.NewWriter(w)
	for _, v := range m.Vertices {
		fmt.Fprintf(bw, "v %g %g %g\n", v[0], v[1], v[2])
	}
	for _, uv := range m.UVs {
		fmt.Fprintf(bw, "vt %g %g\n", uv[0], uv[1])
	}
	for _, f := range m.Faces {
		if m.UVs != nil {
			fmt.Fprintf(bw, "f %d/%d %d/%d %d/%d\n", f[0]+1, f[0]+1, f[1]+1, f[1]+1, f[2]+1, f[2]+1)
			continue
		}
		fmt.Fprintf(bw, "f %d %d %d\n", f[0]+1, f[1]+1, f[2]+1)
	}
	return bw.Flush()
}
