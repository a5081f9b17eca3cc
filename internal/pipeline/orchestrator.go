// Package pipeline runs one image-to-3D generation end to end: decode,
// background removal, shape synthesis, mesh cleanup, optional texturing,
// conversion and publication.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/convert"
	"github.com/af-corp/meshforge/internal/imagecodec"
	"github.com/af-corp/meshforge/internal/mesh"
	"github.com/af-corp/meshforge/internal/models"
	"github.com/af-corp/meshforge/internal/storage"
	"github.com/af-corp/meshforge/internal/telemetry"
	"github.com/af-corp/meshforge/internal/types"
)

const releaseTimeout = 30 * time.Second

// Converter turns a textured OBJ into a GLB.
type Converter interface {
	Convert(ctx context.Context, objPath, glbPath string) (convert.Result, error)
}

// EventSink receives stage progress events. Emit must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev types.StageEvent)
}

// WorkerContext holds everything a generation needs. It is built once at
// startup and shared read-only by all requests.
type WorkerContext struct {
	Remover   models.BackgroundRemover
	Shape     models.ShapeGenerator
	Texture   models.TextureGenerator
	Processor *mesh.Processor
	Converter Converter
	Publisher storage.Publisher

	// Releaser is called after every request when LowVRAM is set.
	Releaser models.CacheReleaser
	LowVRAM  bool

	ScratchDir      string
	ObjectPrefix    string
	ReportMeshStats bool
	MaxConcurrency  int

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Events  EventSink
}

func (wc *WorkerContext) validate() error {
	var missing []string
	if wc.Shape == nil {
		missing = append(missing, "shape generator")
	}
	if wc.Processor == nil {
		missing = append(missing, "mesh processor")
	}
	if wc.Converter == nil {
		missing = append(missing, "converter")
	}
	if wc.Publisher == nil {
		missing = append(missing, "publisher")
	}
	if wc.ScratchDir == "" {
		missing = append(missing, "scratch dir")
	}
	if len(missing) > 0 {
		return fmt.Errorf("worker context missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Orchestrator sequences the generation stages for each request.
type Orchestrator struct {
	wc     WorkerContext
	gate   *Gate
	logger *zap.Logger
	now    func() time.Time
}

func NewOrchestrator(wc WorkerContext) (*Orchestrator, error) {
	if err := wc.validate(); err != nil {
		return nil, err
	}
	logger := wc.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		wc:     wc,
		gate:   NewGate(wc.MaxConcurrency),
		logger: logger,
		now:    time.Now,
	}, nil
}

// QueueLength reports generations running or waiting for the accelerator.
func (o *Orchestrator) QueueLength() int {
	return o.gate.QueueLength()
}

// Generate runs the pipeline for req under uid. A request without an image
// fails with types.ErrNoImage before any stage runs. Fatal stage failures
// are returned as *StageError.
func (o *Orchestrator) Generate(ctx context.Context, uid string, req types.GenerationRequest) (*types.GenerationResult, error) {
	if strings.TrimSpace(req.Image) == "" {
		return nil, types.ErrNoImage
	}

	o.observeQueue()
	release, err := o.gate.Acquire(ctx)
	o.observeQueue()
	if err != nil {
		return nil, fmt.Errorf("wait for accelerator: %w", err)
	}
	defer func() {
		release()
		o.observeQueue()
	}()

	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.Generate", trace.WithAttributes(
		attribute.String("uid", uid),
		attribute.Int64("seed", req.Seed),
		attribute.Bool("texture", req.Texture),
	))
	defer span.End()

	logger := o.logger.With(zap.String("uid", uid))
	sc := scratch{dir: o.wc.ScratchDir, uid: uid}
	defer sc.cleanup(logger)
	if o.wc.LowVRAM && o.wc.Releaser != nil {
		defer o.releaseCaches(context.WithoutCancel(ctx), logger)
	}

	start := o.now()
	o.emit(ctx, uid, types.StageGeneration, types.EventStarted, "")
	logger.Info("generation started",
		zap.Int64("seed", req.Seed),
		zap.Bool("remove_background", req.RemoveBackground),
		zap.Bool("texture", req.Texture),
		zap.Int("face_count", req.FaceCount),
	)

	res, serr := o.run(ctx, logger, sc, uid, req)
	elapsed := o.now().Sub(start)

	if serr != nil {
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		o.recordGeneration("failed", false, elapsed)
		o.emit(ctx, uid, types.StageGeneration, types.EventFailed, serr.Error())
		logger.Error("generation failed",
			zap.String("stage", serr.Stage),
			zap.Stringer("kind", serr.Kind),
			zap.Int64("duration_ms", elapsed.Milliseconds()),
			zap.Error(serr.Err),
		)
		return nil, serr
	}

	span.SetAttributes(attribute.Bool("textured", res.Textured))
	o.recordGeneration("success", res.Textured, elapsed)
	o.emit(ctx, uid, types.StageGeneration, types.EventCompleted, "")
	logger.Info("generation completed",
		zap.Bool("textured", res.Textured),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *zap.Logger, sc scratch, uid string, req types.GenerationRequest) (*types.GenerationResult, *StageError) {
	decoded, serr := stage(ctx, o, uid, StageDecode, func(context.Context) (image.Image, *StageError) {
		return o.decode(logger, req)
	})
	if serr != nil {
		return nil, serr
	}

	var input *image.NRGBA
	if req.RemoveBackground {
		input, serr = stage(ctx, o, uid, StageBackgroundRemoval, func(ctx context.Context) (*image.NRGBA, *StageError) {
			return o.removeBackground(ctx, decoded)
		})
		if serr != nil {
			return nil, serr
		}
	} else {
		input = imagecodec.ToRGBA(decoded)
	}

	shape, serr := stage(ctx, o, uid, StageShapeGeneration, func(ctx context.Context) (*mesh.Mesh, *StageError) {
		m, err := o.wc.Shape.GenerateShape(ctx, input, models.ShapeParams{
			Seed:              req.Seed,
			NumInferenceSteps: req.NumInferenceSteps,
			GuidanceScale:     req.GuidanceScale,
			OctreeResolution:  req.OctreeResolution,
		})
		if err != nil {
			return nil, stageErr(StageShapeGeneration, KindShapeGeneration, err)
		}
		if m == nil {
			return nil, stageErr(StageShapeGeneration, KindShapeGeneration, errNoMesh)
		}
		return m, nil
	})
	if serr != nil {
		return nil, serr
	}
	o.observeFaces("raw", len(shape.Faces))

	processed, _ := stage(ctx, o, uid, StagePostProcess, func(ctx context.Context) (*mesh.Mesh, *StageError) {
		return o.postProcess(ctx, logger, uid, shape, req.FaceCount), nil
	})
	o.observeFaces("processed", len(processed.Faces))

	initial := sc.path(suffixInitial)
	if _, serr := stage(ctx, o, uid, StageExport, func(context.Context) (struct{}, *StageError) {
		if err := mesh.ExportGLB(initial, processed); err != nil {
			return struct{}{}, stageErr(StageExport, KindExport, err)
		}
		return struct{}{}, nil
	}); serr != nil {
		return nil, serr
	}

	artifact, textured := initial, false
	if req.Texture {
		path, serr := stage(ctx, o, uid, StageTextureGeneration, func(ctx context.Context) (string, *StageError) {
			return o.texture(ctx, logger, sc, uid, req, initial, input)
		})
		if serr != nil {
			o.degrade(ctx, logger, uid, serr)
		} else {
			artifact, textured = path, true
		}
	}

	url, serr := stage(ctx, o, uid, StagePublish, func(ctx context.Context) (string, *StageError) {
		url, err := o.wc.Publisher.Publish(ctx, artifact, storage.ObjectName(o.wc.ObjectPrefix, uid))
		switch {
		case errors.Is(err, storage.ErrArtifactNotFound):
			return "", stageErr(StagePublish, KindArtifactNotFound, err)
		case err != nil:
			return "", stageErr(StagePublish, KindStorage, err)
		}
		return url, nil
	})
	if serr != nil {
		return nil, serr
	}

	res := &types.GenerationResult{
		DownloadURL: url,
		Textured:    textured,
		Seed:        req.Seed,
		UID:         uid,
	}
	if o.wc.ReportMeshStats {
		res.Vertices = len(processed.Vertices)
		res.Faces = len(processed.Faces)
	}
	return res, nil
}

// stage times fn and reports its start and outcome as events.
func stage[T any](ctx context.Context, o *Orchestrator, uid, name string, fn func(context.Context) (T, *StageError)) (T, *StageError) {
	ctx, span := telemetry.Tracer().Start(ctx, "stage."+name)
	defer span.End()

	o.emit(ctx, uid, name, types.EventStarted, "")
	start := o.now()
	v, serr := fn(ctx)
	if o.wc.Metrics != nil {
		o.wc.Metrics.ObserveStage(name, o.now().Sub(start))
	}
	if serr != nil {
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		if serr.Kind.Fatal() {
			o.emit(ctx, uid, name, types.EventFailed, serr.Err.Error())
		}
		return v, serr
	}
	o.emit(ctx, uid, name, types.EventCompleted, "")
	return v, nil
}

func (o *Orchestrator) decode(logger *zap.Logger, req types.GenerationRequest) (image.Image, *StageError) {
	img, format, err := imagecodec.Decode(req.Image)
	if err != nil {
		return nil, stageErr(StageDecode, KindDecode, err)
	}
	b := img.Bounds()
	logger.Debug("image decoded", zap.String("format", format), zap.Int("width", b.Dx()), zap.Int("height", b.Dy()))
	return img, nil
}

// removeBackground works on the decoded colour image, not the RGBA copy.
func (o *Orchestrator) removeBackground(ctx context.Context, img image.Image) (*image.NRGBA, *StageError) {
	if o.wc.Remover == nil {
		return nil, stageErr(StageBackgroundRemoval, KindBackgroundRemoval, errors.New("no background remover configured"))
	}
	out, err := o.wc.Remover.RemoveBackground(ctx, img)
	if err != nil {
		return nil, stageErr(StageBackgroundRemoval, KindBackgroundRemoval, err)
	}
	if out == nil {
		return nil, stageErr(StageBackgroundRemoval, KindBackgroundRemoval, errNoImage)
	}
	return imagecodec.ToRGBA(out), nil
}

func (o *Orchestrator) postProcess(ctx context.Context, logger *zap.Logger, uid string, m *mesh.Mesh, faceCount int) *mesh.Mesh {
	out, report := o.wc.Processor.Run(m, faceCount)
	for _, s := range report.Steps {
		if s.Err != nil {
			o.degrade(ctx, logger, uid, stageErr(StagePostProcess, KindPostProcessStep, s.Err))
			continue
		}
		logger.Debug("post-process step",
			zap.String("step", s.Step),
			zap.Bool("skipped", s.Skipped),
			zap.Int("faces_before", s.FacesBefore),
			zap.Int("faces_after", s.FacesAfter),
		)
	}
	return out
}

// texture produces the textured GLB and returns its path. Any failure
// leaves the initial asset as the result.
func (o *Orchestrator) texture(ctx context.Context, logger *zap.Logger, sc scratch, uid string, req types.GenerationRequest, initial string, img *image.NRGBA) (string, *StageError) {
	if o.wc.Texture == nil {
		return "", stageErr(StageTextureGeneration, KindTextureGeneration, errors.New("no texture generator configured"))
	}
	objPath, err := o.wc.Texture.GenerateTexture(ctx, models.TextureRequest{
		MeshPath:  initial,
		Image:     img,
		OutputDir: sc.dir,
		UID:       uid,
		Seed:      req.Seed,
	})
	if err != nil {
		return "", stageErr(StageTextureGeneration, KindTextureGeneration, err)
	}

	texturing := sc.path(suffixTexturing)
	res, err := o.wc.Converter.Convert(ctx, objPath, texturing)
	if err != nil {
		return "", stageErr(StageConversion, KindTextureGeneration, err)
	}
	if res.Fallback != nil {
		o.degrade(ctx, logger, uid, stageErr(StageConversion, KindConversion, res.Fallback))
	}

	final := sc.path(suffixTextured)
	if err := os.Rename(res.Path, final); err != nil {
		return "", stageErr(StageTextureGeneration, KindTextureGeneration, fmt.Errorf("finalize textured asset: %w", err))
	}
	return final, nil
}

func (o *Orchestrator) degrade(ctx context.Context, logger *zap.Logger, uid string, serr *StageError) {
	logger.Warn("stage degraded",
		zap.String("stage", serr.Stage),
		zap.Stringer("kind", serr.Kind),
		zap.Error(serr.Err),
	)
	if o.wc.Metrics != nil {
		o.wc.Metrics.RecordDegradation(serr.Kind.String())
	}
	o.emit(ctx, uid, serr.Stage, types.EventDegraded, serr.Err.Error())
}

func (o *Orchestrator) releaseCaches(ctx context.Context, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, releaseTimeout)
	defer cancel()
	if err := o.wc.Releaser.ReleaseCache(ctx); err != nil {
		logger.Warn("release accelerator caches", zap.Error(err))
	}
}

func (o *Orchestrator) emit(ctx context.Context, uid, stage, status, msg string) {
	if o.wc.Events == nil {
		return
	}
	o.wc.Events.Emit(ctx, types.StageEvent{
		UID:     uid,
		Stage:   stage,
		Status:  status,
		Message: msg,
		At:      o.now().UTC(),
	})
}

func (o *Orchestrator) observeQueue() {
	if o.wc.Metrics != nil {
		o.wc.Metrics.SetQueueLength(o.gate.QueueLength())
	}
}

func (o *Orchestrator) observeFaces(phase string, n int) {
	if o.wc.Metrics != nil {
		o.wc.Metrics.ObserveFaces(phase, n)
	}
}

func (o *Orchestrator) recordGeneration(outcome string, textured bool, d time.Duration) {
	if o.wc.Metrics != nil {
		o.wc.Metrics.RecordGeneration(telemetry.GenerationLabels{Outcome: outcome, Textured: textured, Duration: d})
	}
}
