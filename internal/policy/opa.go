// Package policy decides with OPA whether generation parameters are
// acceptable before a request reaches the accelerator.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/types"
)

//go:embed default.rego
var defaultPolicy string

const query = "[data.meshforge.params.allow, data.meshforge.params.deny]"

// Input is the document evaluated by the policy. The image payload is never sent.
type Input struct {
	KeyID   string      `json:"key_id"`
	Request InputParams `json:"request"`
}

type InputParams struct {
	RemoveBackground  bool    `json:"remove_background"`
	Texture           bool    `json:"texture"`
	Seed              int64   `json:"seed"`
	OctreeResolution  int     `json:"octree_resolution"`
	NumInferenceSteps int     `json:"num_inference_steps"`
	GuidanceScale     float64 `json:"guidance_scale"`
	FaceCount         int     `json:"face_count"`
}

// NewInput builds the policy input for req.
func NewInput(keyID string, req types.GenerationRequest) Input {
	return Input{
		KeyID: keyID,
		Request: InputParams{
			RemoveBackground:  req.RemoveBackground,
			Texture:           req.Texture,
			Seed:              req.Seed,
			OctreeResolution:  req.OctreeResolution,
			NumInferenceSteps: req.NumInferenceSteps,
			GuidanceScale:     req.GuidanceScale,
			FaceCount:         req.FaceCount,
		},
	}
}

// Decision is the result of one evaluation.
type Decision struct {
	Allowed bool
	Reasons []string
}

// DeniedError is returned by Check when the policy rejects a request.
type DeniedError struct {
	Reasons []string
}

func (e *DeniedError) Error() string {
	if len(e.Reasons) == 0 {
		return "request denied by policy"
	}
	return "request denied by policy: " + strings.Join(e.Reasons, "; ")
}

// Evaluator evaluates the parameter policy.
type Evaluator struct {
	mu       sync.RWMutex
	prepared *rego.PreparedEvalQuery
	cfg      func() config.PolicyConfig
	logger   *zap.Logger
}

// NewEvaluator creates a policy evaluator. Call Load() to compile policies.
func NewEvaluator(cfg func() config.PolicyConfig, logger *zap.Logger) *Evaluator {
	return &Evaluator{cfg: cfg, logger: logger}
}

// Load compiles the rego modules in the configured bundle path, or the
// built-in bounds when no path is set.
func (e *Evaluator) Load(ctx context.Context) error {
	cfg := e.cfg()
	if cfg.BundlePath == "" {
		return e.compile(ctx, []Module{{Name: "default.rego", Source: defaultPolicy}})
	}
	modules, err := LoadBundle(cfg.BundlePath)
	if err != nil {
		return err
	}
	if err := e.compile(ctx, modules); err != nil {
		return fmt.Errorf("policy bundle %s: %w", cfg.BundlePath, err)
	}
	e.logger.Info("opa policies loaded", zap.Int("modules", len(modules)), zap.String("path", cfg.BundlePath))
	return nil
}

// LoadFromModules compiles policies from the given module sources.
func (e *Evaluator) LoadFromModules(ctx context.Context, sources map[string]string) error {
	modules := make([]Module, 0, len(sources))
	for name, src := range sources {
		modules = append(modules, Module{Name: name, Source: src})
	}
	slices.SortFunc(modules, func(a, b Module) int { return strings.Compare(a.Name, b.Name) })
	return e.compile(ctx, modules)
}

func (e *Evaluator) compile(ctx context.Context, modules []Module) error {
	opts := []func(*rego.Rego){rego.Query(query)}
	for _, m := range modules {
		opts = append(opts, rego.Module(m.Name, m.Source))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("prepare rego: %w", err)
	}

	e.mu.Lock()
	e.prepared = &prepared
	e.mu.Unlock()
	return nil
}

// Evaluate runs the policy against input.
func (e *Evaluator) Evaluate(ctx context.Context, input Input) (Decision, error) {
	e.mu.RLock()
	prepared := e.prepared
	e.mu.RUnlock()

	if prepared == nil {
		// No policies loaded: fail closed
		return Decision{Reasons: []string{"no policies loaded"}}, nil
	}

	timeout := e.cfg().EvaluationTimeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results, err := prepared.Eval(evalCtx, rego.EvalInput(input))
	if err != nil {
		return Decision{}, fmt.Errorf("policy evaluation: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{Reasons: []string{"no policy result"}}, nil
	}

	// Result is [allow, deny]
	arr, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{Reasons: []string{"unexpected policy result format"}}, nil
	}

	allowed, _ := arr[0].(bool)
	var reasons []string
	if deny, ok := arr[1].([]interface{}); ok {
		for _, d := range deny {
			if s, ok := d.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	slices.Sort(reasons)
	return Decision{Allowed: allowed && len(reasons) == 0, Reasons: reasons}, nil
}

// Check evaluates req and returns a *DeniedError when it is rejected.
// Evaluation failures also reject the request.
func (e *Evaluator) Check(ctx context.Context, keyID string, req types.GenerationRequest) error {
	d, err := e.Evaluate(ctx, NewInput(keyID, req))
	if err != nil {
		e.logger.Error("policy evaluation failed", zap.String("key_id", keyID), zap.Error(err))
		// Fail closed
		return &DeniedError{Reasons: []string{"policy evaluation failed"}}
	}
	if !d.Allowed {
		return &DeniedError{Reasons: d.Reasons}
	}
	return nil
}
