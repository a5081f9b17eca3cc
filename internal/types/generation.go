package types

import (
	"errors"
	"fmt"
	"strings"
)

// Request defaults.
const (
	DefaultRemoveBackground  = true
	DefaultTexture           = false
	DefaultSeed              = 1234
	DefaultOctreeResolution  = 256
	DefaultNumInferenceSteps = 5
	DefaultGuidanceScale     = 5.0
	DefaultFaceCount         = 40000
)

// ErrNoImage is returned when a request carries no image payload.
var ErrNoImage = errors.New("No image provided")

// GenerationRequest is a fully resolved image-to-3D request.
type GenerationRequest struct {
	Image             string  `json:"image"`
	RemoveBackground  bool    `json:"remove_background"`
	Texture           bool    `json:"texture"`
	Seed              int64   `json:"seed"`
	OctreeResolution  int     `json:"octree_resolution"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	FaceCount         int     `json:"face_count"`
}

// NewGenerationRequest returns a request with every optional field at its default.
func NewGenerationRequest(image string) GenerationRequest {
	return GenerationRequest{
		Image:             image,
		RemoveBackground:  DefaultRemoveBackground,
		Texture:           DefaultTexture,
		Seed:              DefaultSeed,
		OctreeResolution:  DefaultOctreeResolution,
		NumInferenceSteps: DefaultNumInferenceSteps,
		GuidanceScale:     DefaultGuidanceScale,
		FaceCount:         DefaultFaceCount,
	}
}

// FieldError reports a request field that is present but cannot be coerced.
type FieldError struct {
	Field string
	Value any
	Want  string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: cannot use %v as %s", e.Field, e.Value, e.Want)
}

// ParseGenerationRequest resolves a loosely typed input object into a
// GenerationRequest. Absent and null fields take their defaults; present
// fields that cannot be coerced are rejected.
func ParseGenerationRequest(input map[string]any) (GenerationRequest, error) {
	raw, present := input["image"]
	if !present || raw == nil {
		return GenerationRequest{}, ErrNoImage
	}
	image, ok := raw.(string)
	if !ok {
		return GenerationRequest{}, &FieldError{Field: "image", Value: raw, Want: "base64 string"}
	}
	if strings.TrimSpace(image) == "" {
		return GenerationRequest{}, ErrNoImage
	}

	req := NewGenerationRequest(image)
	var err error
	if req.RemoveBackground, err = boolField(input, "remove_background", req.RemoveBackground); err != nil {
		return GenerationRequest{}, err
	}
	if req.Texture, err = boolField(input, "texture", req.Texture); err != nil {
		return GenerationRequest{}, err
	}
	seed, err := intField(input, "seed", req.Seed)
	if err != nil {
		return GenerationRequest{}, err
	}
	req.Seed = seed

	ints := []struct {
		name string
		dst  *int
	}{
		{"octree_resolution", &req.OctreeResolution},
		{"num_inference_steps", &req.NumInferenceSteps},
		{"face_count", &req.FaceCount},
	}
	for _, f := range ints {
		v, err := intField(input, f.name, int64(*f.dst))
		if err != nil {
			return GenerationRequest{}, err
		}
		*f.dst = int(v)
	}

	if req.GuidanceScale, err = floatField(input, "guidance_scale", req.GuidanceScale); err != nil {
		return GenerationRequest{}, err
	}
	return req, nil
}

func boolField(input map[string]any, name string, def bool) (bool, error) {
	v, ok := input[name]
	if !ok || v == nil {
		return def, nil
	}
	b, ok := CoerceBool(v)
	if !ok {
		return false, &FieldError{Field: name, Value: v, Want: "boolean"}
	}
	return b, nil
}

func intField(input map[string]any, name string, def int64) (int64, error) {
	v, ok := input[name]
	if !ok || v == nil {
		return def, nil
	}
	n, ok := CoerceInt(v)
	if !ok {
		return 0, &FieldError{Field: name, Value: v, Want: "integer"}
	}
	return n, nil
}

func floatField(input map[string]any, name string, def float64) (float64, error) {
	v, ok := input[name]
	if !ok || v == nil {
		return def, nil
	}
	f, ok := CoerceFloat(v)
	if !ok {
		return 0, &FieldError{Field: name, Value: v, Want: "number"}
	}
	return f, nil
}

// GenerationResult is the success payload returned to callers.
type GenerationResult struct {
	DownloadURL string `json:"download_url"`
	Textured    bool   `json:"textured"`
	Seed        int64  `json:"seed"`
	UID         string `json:"uid"`
	Vertices    int    `json:"vertices,omitempty"`
	Faces       int    `json:"faces,omitempty"`
}

// ErrorResponse is the failure payload. It has a single free-text field.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WorkerStatus reports worker throughput and backlog.
type WorkerStatus struct {
	Speed       int `json:"speed"`
	QueueLength int `json:"queue_length"`
}
