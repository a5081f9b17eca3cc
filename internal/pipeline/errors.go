package pipeline

import (
	"errors"
	"fmt"

	"github.com/af-corp/meshforge/internal/types"
)

var (
	errNoMesh  = errors.New("shape generator returned no mesh")
	errNoImage = errors.New("background remover returned no image")
)

// Kind classifies a stage failure.
type Kind int

const (
	KindDecode Kind = iota + 1
	KindBackgroundRemoval
	KindShapeGeneration
	KindPostProcessStep
	KindExport
	KindTextureGeneration
	KindConversion
	KindArtifactNotFound
	KindStorage
)

var kindNames = map[Kind]string{
	KindDecode:            "decode",
	KindBackgroundRemoval: "background_removal",
	KindShapeGeneration:   "shape_generation",
	KindPostProcessStep:   "post_process_step",
	KindExport:            "export",
	KindTextureGeneration: "texture_generation",
	KindConversion:        "conversion",
	KindArtifactNotFound:  "artifact_not_found",
	KindStorage:           "storage",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Fatal reports whether a failure of this kind aborts the request. Other
// kinds degrade the result and generation continues.
func (k Kind) Fatal() bool {
	switch k {
	case KindPostProcessStep, KindTextureGeneration, KindConversion:
		return false
	}
	return true
}

// Stage names used in logs, events and metrics.
const (
	StageDecode            = "decode"
	StageBackgroundRemoval = "background_removal"
	StageShapeGeneration   = "shape_generation"
	StagePostProcess       = "post_process"
	StageExport            = "export"
	StageTextureGeneration = "texture_generation"
	StageConversion        = "conversion"
	StagePublish           = "publish"
)

// StageError is the explicit failure result of a pipeline stage.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage string, kind Kind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

// ErrorMessage renders err for the {"error": ...} response body.
func ErrorMessage(err error) string {
	if errors.Is(err, types.ErrNoImage) {
		return types.ErrNoImage.Error()
	}
	return "Generation failed: " + err.Error()
}
