// Package convert turns textured OBJ output into a single binary glTF asset.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/mesh"
)

// ErrMissingTexture is returned by the PBR path when a texture map is absent.
var ErrMissingTexture = errors.New("texture map missing")

// TexturePaths are the maps that accompany a textured OBJ.
type TexturePaths struct {
	Albedo    string
	Metallic  string
	Roughness string
}

// TexturePathsFor derives the map paths from the OBJ path by suffix
// substitution: model.obj -> model.jpg, model_metallic.jpg, model_roughness.jpg.
func TexturePathsFor(objPath string) TexturePaths {
	base := strings.TrimSuffix(objPath, ".obj")
	return TexturePaths{
		Albedo:    base + ".jpg",
		Metallic:  base + "_metallic.jpg",
		Roughness: base + "_roughness.jpg",
	}
}

// Result describes the produced asset.
type Result struct {
	Path string
	// PBR is true when materials were embedded.
	PBR bool
	// Fallback holds the reason the PBR path was abandoned, if it was.
	Fallback error
}

// Strategy converts an OBJ file into a GLB file.
type Strategy interface {
	Convert(ctx context.Context, objPath, glbPath string) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, objPath, glbPath string) error

func (f StrategyFunc) Convert(ctx context.Context, objPath, glbPath string) error {
	return f(ctx, objPath, glbPath)
}

// Converter prefers the PBR strategy and falls back to geometry only.
type Converter struct {
	primary  Strategy
	fallback Strategy
	logger   *zap.Logger
}

// NewConverter returns a Converter using the built-in PBR and basic strategies.
func NewConverter(logger *zap.Logger) *Converter {
	return &Converter{
		primary:  StrategyFunc(ConvertPBR),
		fallback: StrategyFunc(ConvertBasic),
		logger:   logger,
	}
}

// WithStrategies overrides the strategies; a nil primary disables the PBR path.
func (c *Converter) WithStrategies(primary, fallback Strategy) *Converter {
	return &Converter{primary: primary, fallback: fallback, logger: c.logger}
}

// Convert writes glbPath from objPath. A PBR failure is reported in
// Result.Fallback and is not an error; an error means neither path produced
// an asset.
func (c *Converter) Convert(ctx context.Context, objPath, glbPath string) (Result, error) {
	var pbrErr error
	if c.primary != nil {
		pbrErr = c.primary.Convert(ctx, objPath, glbPath)
		if pbrErr == nil {
			return Result{Path: glbPath, PBR: true}, nil
		}
		c.logger.Warn("pbr conversion failed, using basic conversion",
			zap.String("obj", objPath),
			zap.Error(pbrErr),
		)
	} else {
		pbrErr = errors.New("pbr conversion unavailable")
	}

	_ = os.Remove(glbPath)
	if err := c.fallback.Convert(ctx, objPath, glbPath); err != nil {
		return Result{}, fmt.Errorf("basic conversion: %w (pbr: %v)", err, pbrErr)
	}
	return Result{Path: glbPath, Fallback: pbrErr}, nil
}

// ConvertBasic loads the OBJ geometry and writes it without materials.
func ConvertBasic(ctx context.Context, objPath, glbPath string) error {
	obj, err := mesh.ReadOBJFile(objPath)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := obj.Streams()
	s.UVs = nil
	return mesh.WriteGLB(glbPath, s, nil)
}

// ConvertPBR embeds the base colour map and a packed metallic-roughness map.
func ConvertPBR(ctx context.Context, objPath, glbPath string) error {
	paths := TexturePathsFor(objPath)
	albedo, err := readTexture(paths.Albedo)
	if err != nil {
		return err
	}

	obj, err := mesh.ReadOBJFile(objPath)
	if err != nil {
		return err
	}
	if !obj.HasTexCoords() {
		return errors.New("obj has no texture coordinates")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mr, err := packMetallicRoughness(paths.Metallic, paths.Roughness)
	if err != nil {
		return err
	}

	mat := &mesh.PBRMaterial{
		Name:              "pbr",
		BaseColor:         mesh.Texture{Data: albedo, MimeType: "image/jpeg"},
		MetallicRoughness: &mesh.Texture{Data: mr, MimeType: "image/png"},
	}
	return mesh.WriteGLB(glbPath, obj.Streams(), mat)
}

func readTexture(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissingTexture, path)
		}
		return nil, fmt.Errorf("read texture %s: %w", path, err)
	}
	if _, err := jpeg.DecodeConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("texture %s is not a jpeg: %w", path, err)
	}
	return data, nil
}

// packMetallicRoughness combines single-channel maps into the glTF layout:
// G holds roughness and B holds metallic.
func packMetallicRoughness(metallicPath, roughnessPath string) ([]byte, error) {
	metallic, err := loadGray(metallicPath)
	if err != nil {
		return nil, err
	}
	roughness, err := loadGray(roughnessPath)
	if err != nil {
		return nil, err
	}
	mb, rb := metallic.Bounds(), roughness.Bounds()
	if mb.Dx() != rb.Dx() || mb.Dy() != rb.Dy() {
		return nil, fmt.Errorf("metallic %dx%d and roughness %dx%d sizes differ", mb.Dx(), mb.Dy(), rb.Dx(), rb.Dy())
	}

	out := image.NewNRGBA(image.Rect(0, 0, mb.Dx(), mb.Dy()))
	for y := 0; y < mb.Dy(); y++ {
		for x := 0; x < mb.Dx(); x++ {
			m := color.GrayModel.Convert(metallic.At(mb.Min.X+x, mb.Min.Y+y)).(color.Gray)
			r := color.GrayModel.Convert(roughness.At(rb.Min.X+x, rb.Min.Y+y)).(color.Gray)
			out.SetNRGBA(x, y, color.NRGBA{R: 255, G: r.Y, B: m.Y, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("encode metallic roughness: %w", err)
	}
	return buf.Bytes(), nil
}

func loadGray(path string) (image.Image, error) {
	data, err := readTexture(path)
	if err != nil {
		return nil, err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return img, nil
}
