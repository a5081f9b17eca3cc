// Package models defines the capabilities the pipeline needs from model
// backends and HTTP clients that provide them.
package models

import (
	"context"
	"image"

	"github.com/af-corp/meshforge/internal/mesh"
)

// ShapeParams are passed unchanged to the shape backend, which reseeds its
// generator from Seed on every call.
type ShapeParams struct {
	Seed              int64   `json:"seed"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	OctreeResolution  int     `json:"octree_resolution"`
}

// TextureRequest asks for a textured version of the mesh at MeshPath.
// The backend's outputs are written to OutputDir as {UID}_texturing.*.
type TextureRequest struct {
	MeshPath  string
	Image     *image.NRGBA
	OutputDir string
	UID       string
	Seed      int64
}

type BackgroundRemover interface {
	RemoveBackground(ctx context.Context, img image.Image) (*image.NRGBA, error)
}

type ShapeGenerator interface {
	GenerateShape(ctx context.Context, img *image.NRGBA, p ShapeParams) (*mesh.Mesh, error)
}

// TextureGenerator returns the path of the textured OBJ it produced.
type TextureGenerator interface {
	GenerateTexture(ctx context.Context, req TextureRequest) (string, error)
}

// CacheReleaser is implemented by backends that can free accelerator memory
// between requests.
type CacheReleaser interface {
	ReleaseCache(ctx context.Context) error
}

// TexturingStem is the file stem of texture outputs for uid.
func TexturingStem(uid string) string {
	return uid + "_texturing"
}
