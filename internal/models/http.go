package models

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"

	"github.com/bytedance/sonic"

	"github.com/af-corp/meshforge/internal/imagecodec"
	"github.com/af-corp/meshforge/internal/mesh"
)

type imagePayload struct {
	Image string `json:"image"`
}

// HTTPBackgroundRemover calls POST /remove-background with a base64 PNG and
// expects one back.
type HTTPBackgroundRemover struct{ *Client }

func (b HTTPBackgroundRemover) RemoveBackground(ctx context.Context, img image.Image) (*image.NRGBA, error) {
	encoded, err := imagecodec.EncodeBase64PNG(img)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	resp, err := b.request(ctx).
		SetBody(imagePayload{Image: encoded}).
		Post("/remove-background")
	if err != nil {
		return nil, fmt.Errorf("%s remove-background: %w", b.name, err)
	}
	data, err := b.body("remove-background", resp)
	if err != nil {
		return nil, err
	}
	var out imagePayload
	if err := sonic.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%s remove-background: decode response: %w", b.name, err)
	}
	decoded, _, err := imagecodec.Decode(out.Image)
	if err != nil {
		return nil, fmt.Errorf("%s remove-background: decode image: %w", b.name, err)
	}
	return imagecodec.ToRGBA(decoded), nil
}

type shapeRequest struct {
	Image string `json:"image"`
	ShapeParams
}

// HTTPShapeGenerator calls POST /generate-shape; the response body is a
// Wavefront OBJ, optionally zstd encoded.
type HTTPShapeGenerator struct{ *Client }

func (s HTTPShapeGenerator) GenerateShape(ctx context.Context, img *image.NRGBA, p ShapeParams) (*mesh.Mesh, error) {
	encoded, err := imagecodec.EncodeBase64PNG(img)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}
	resp, err := s.request(ctx).
		SetBody(shapeRequest{Image: encoded, ShapeParams: p}).
		Post("/generate-shape")
	if err != nil {
		return nil, fmt.Errorf("%s generate-shape: %w", s.name, err)
	}
	data, err := s.body("generate-shape", resp)
	if err != nil {
		return nil, err
	}
	obj, err := mesh.ParseOBJ(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s generate-shape: %w", s.name, err)
	}
	m := obj.Mesh()
	if len(m.Faces) == 0 {
		return nil, fmt.Errorf("%s generate-shape: %w", s.name, mesh.ErrEmptyMesh)
	}
	return m, nil
}

// HTTPTextureGenerator posts the mesh and reference image as multipart form
// data to /generate-texture and unpacks the zip it returns.
type HTTPTextureGenerator struct{ *Client }

func (t HTTPTextureGenerator) GenerateTexture(ctx context.Context, req TextureRequest) (string, error) {
	meshFile, err := os.Open(req.MeshPath)
	if err != nil {
		return "", fmt.Errorf("open mesh: %w", err)
	}
	defer meshFile.Close()

	png, err := imagecodec.EncodePNG(req.Image)
	if err != nil {
		return "", fmt.Errorf("encode reference image: %w", err)
	}

	resp, err := t.request(ctx).
		SetFileReader("mesh", "mesh.glb", meshFile).
		SetFileReader("image", "image.png", bytes.NewReader(png)).
		SetFormData(map[string]string{"seed": fmt.Sprint(req.Seed)}).
		Post("/generate-texture")
	if err != nil {
		return "", fmt.Errorf("%s generate-texture: %w", t.name, err)
	}
	data, err := t.body("generate-texture", resp)
	if err != nil {
		return "", err
	}
	objPath, err := ExtractTextureBundle(data, req.OutputDir, TexturingStem(req.UID))
	if err != nil {
		return "", fmt.Errorf("%s generate-texture: %w", t.name, err)
	}
	return objPath, nil
}
