package mesh

import (
	"bytes"
	"fmt"

	"github.com/qmuntal/gltf"
	"github.com/qmuntal/gltf/modeler"
)

// Streams is de-indexed vertex data ready for a GPU container: every
// attribute slice has the same length and Indices refer into all of them.
type Streams struct {
	Positions [][3]float32
	Normals   [][3]float32
	UVs       [][2]float32
	Indices   []uint32
}

// Texture is an encoded image embedded in a binary asset.
type Texture struct {
	Data     []byte
	MimeType string
}

// PBRMaterial references a base colour texture and a packed
// metallic-roughness texture (roughness in G, metallic in B).
type PBRMaterial struct {
	Name              string
	BaseColor         Texture
	MetallicRoughness *Texture
}

// Streams converts m to single-index vertex streams. UVs are flipped to the
// top-left texture origin used by glTF.
func (m *Mesh) Streams() *Streams {
	s := &Streams{
		Positions: make([][3]float32, len(m.Vertices)),
		Indices:   make([]uint32, 0, len(m.Faces)*3),
	}
	for i, v := range m.Vertices {
		s.Positions[i] = [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
	}
	if m.UVs != nil {
		s.UVs = make([][2]float32, len(m.UVs))
		for i, uv := range m.UVs {
			s.UVs[i] = [2]float32{float32(uv[0]), float32(1 - uv[1])}
		}
	}
	for _, f := range m.Faces {
		s.Indices = append(s.Indices, uint32(f[0]), uint32(f[1]), uint32(f[2]))
	}
	return s
}

// Streams de-indexes the OBJ by unique (position, texcoord, normal) corner.
func (o *OBJ) Streams() *Streams {
	s := &Streams{Indices: make([]uint32, 0, len(o.Faces)*3)}
	withUV := o.HasTexCoords()
	withNormals := len(o.Normals) > 0
	index := make(map[Corner]uint32, len(o.Positions))

	for _, f := range o.Faces {
		for _, c := range f {
			key := c
			if !withUV {
				key.VT = -1
			}
			if idx, ok := index[key]; ok {
				s.Indices = append(s.Indices, idx)
				continue
			}
			idx := uint32(len(s.Positions))
			index[key] = idx
			p := o.Positions[c.V]
			s.Positions = append(s.Positions, [3]float32{float32(p[0]), float32(p[1]), float32(p[2])})
			if withUV {
				uv := o.TexCoords[c.VT]
				s.UVs = append(s.UVs, [2]float32{float32(uv[0]), float32(1 - uv[1])})
			}
			if withNormals {
				var n [3]float32
				if c.VN >= 0 {
					nv := o.Normals[c.VN]
					n = [3]float32{float32(nv[0]), float32(nv[1]), float32(nv[2])}
				}
				s.Normals = append(s.Normals, n)
			}
			s.Indices = append(s.Indices, idx)
		}
	}
	if withNormals && !allNormalsSet(o) {
		s.Normals = nil
	}
	return s
}

func allNormalsSet(o *OBJ) bool {
	for _, f := range o.Faces {
		for _, c := range f {
			if c.VN < 0 {
				return false
			}
		}
	}
	return true
}

// NewDocument builds a single-mesh glTF document from s. When mat is non-nil
// and s carries UVs, the material and its textures are embedded.
func NewDocument(s *Streams, mat *PBRMaterial) (*gltf.Document, error) {
	if len(s.Indices) == 0 || len(s.Positions) == 0 {
		return nil, ErrEmptyMesh
	}
	if mat != nil && len(s.UVs) != len(s.Positions) {
		return nil, fmt.Errorf("pbr material needs one uv per vertex, have %d for %d", len(s.UVs), len(s.Positions))
	}

	doc := gltf.NewDocument()
	attrs := map[string]int{
		gltf.POSITION: modeler.WritePosition(doc, s.Positions),
	}
	if len(s.Normals) == len(s.Positions) {
		attrs[gltf.NORMAL] = modeler.WriteNormal(doc, s.Normals)
	}
	if len(s.UVs) == len(s.Positions) {
		attrs[gltf.TEXCOORD_0] = modeler.WriteTextureCoord(doc, s.UVs)
	}
	prim := &gltf.Primitive{
		Indices:    gltf.Index(modeler.WriteIndices(doc, s.Indices)),
		Attributes: attrs,
	}

	if mat != nil {
		idx, err := addMaterial(doc, mat)
		if err != nil {
			return nil, err
		}
		prim.Material = gltf.Index(idx)
	}

	doc.Meshes = []*gltf.Mesh{{Name: "mesh", Primitives: []*gltf.Primitive{prim}}}
	doc.Nodes = []*gltf.Node{{Name: "root", Mesh: gltf.Index(0)}}
	doc.Scenes[0].Nodes = append(doc.Scenes[0].Nodes, 0)
	return doc, nil
}

func addMaterial(doc *gltf.Document, mat *PBRMaterial) (int, error) {
	baseImg, err := modeler.WriteImage(doc, "base_color", mat.BaseColor.MimeType, bytes.NewReader(mat.BaseColor.Data))
	if err != nil {
		return 0, fmt.Errorf("embed base color: %w", err)
	}
	doc.Textures = append(doc.Textures, &gltf.Texture{Source: gltf.Index(baseImg)})
	pbr := &gltf.PBRMetallicRoughness{
		BaseColorTexture: &gltf.TextureInfo{Index: len(doc.Textures) - 1},
		MetallicFactor:   gltf.Float(0),
		RoughnessFactor:  gltf.Float(1),
	}

	if mat.MetallicRoughness != nil {
		mrImg, err := modeler.WriteImage(doc, "metallic_roughness", mat.MetallicRoughness.MimeType, bytes.NewReader(mat.MetallicRoughness.Data))
		if err != nil {
			return 0, fmt.Errorf("embed metallic roughness: %w", err)
		}
		doc.Textures = append(doc.Textures, &gltf.Texture{Source: gltf.Index(mrImg)})
		pbr.MetallicRoughnessTexture = &gltf.TextureInfo{Index: len(doc.Textures) - 1}
		pbr.MetallicFactor = gltf.Float(1)
	}

	name := mat.Name
	if name == "" {
		name = "material"
	}
	doc.Materials = append(doc.Materials, &gltf.Material{
		Name:                 name,
		PBRMetallicRoughness: pbr,
		DoubleSided:          true,
	})
	return len(doc.Materials) - 1, nil
}

// WriteGLB writes s (and optionally mat) as a binary glTF file.
func WriteGLB(path string, s *Streams, mat *PBRMaterial) error {
	doc, err := NewDocument(s, mat)
	if err != nil {
		return err
	}
	if err := gltf.SaveBinary(doc, path); err != nil {
		return fmt.Errorf("save glb %s: %w", path, err)
	}
	return nil
}

// ExportGLB writes the untextured geometry of m as a binary glTF file.
func ExportGLB(path string, m *Mesh) error {
	return WriteGLB(path, m.Streams(), nil)
}
