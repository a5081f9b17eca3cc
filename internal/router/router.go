package router

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/mesh"
	"github.com/af-corp/meshforge/internal/models"
)

// Router dispatches capability calls to the backends configured per role,
// failing over in order and feeding results into the circuit breakers.
type Router struct {
	mu       sync.RWMutex
	cfg      *config.BackendsConfig
	registry *Registry
	health   *HealthTracker
	logger   *zap.Logger
}

func New(cfg *config.BackendsConfig, registry *Registry, health *HealthTracker, logger *zap.Logger) *Router {
	if health == nil {
		health = NewHealthTracker(3, 30*time.Second)
	}
	return &Router{cfg: cfg, registry: registry, health: health, logger: logger}
}

// Reload swaps the backends config and registry, e.g. after a config change.
func (r *Router) Reload(cfg *config.BackendsConfig, registry *Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.registry = registry
}

func (r *Router) snapshot() (*config.BackendsConfig, *Registry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg, r.registry
}

// Has reports whether role has at least one configured backend.
func (r *Router) Has(role string) bool {
	cfg, _ := r.snapshot()
	return len(cfg.Roles[role].Candidates()) > 0
}

// countsAsFailure keeps client errors (4xx) from tripping a healthy backend;
// a backend that answered 4xx is treated as up.
func countsAsFailure(err error) bool {
	var be *models.BackendError
	if errors.As(err, &be) {
		return be.Status >= http.StatusInternalServerError || be.Status == http.StatusTooManyRequests
	}
	return true
}

func dispatch[T any](ctx context.Context, r *Router, role string, call func(*models.Client) (T, error)) (T, error) {
	var zero T
	cfg, registry := r.snapshot()
	clients, err := ResolveRoute(cfg, registry, r.health, role)
	if err != nil {
		return zero, err
	}

	var errs []error
	for i, c := range clients {
		if !r.health.IsAvailable(c.Name()) {
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), ErrCircuitOpen))
			continue
		}
		out, err := call(c)
		if err == nil {
			r.health.RecordSuccess(c.Name())
			return out, nil
		}
		switch {
		case errors.Is(err, context.Canceled):
			r.health.Abandon(c.Name())
		case countsAsFailure(err):
			r.health.RecordFailure(c.Name())
		default:
			r.health.RecordSuccess(c.Name())
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		if i < len(clients)-1 {
			r.logger.Warn("backend failed, trying fallback",
				zap.String("role", role),
				zap.String("backend", c.Name()),
				zap.String("fallback", clients[i+1].Name()),
				zap.Error(err),
			)
		}
	}
	return zero, fmt.Errorf("%s: %w", role, errors.Join(errs...))
}

type routedBackgroundRemover struct{ r *Router }

func (b routedBackgroundRemover) RemoveBackground(ctx context.Context, img image.Image) (*image.NRGBA, error) {
	return dispatch(ctx, b.r, config.RoleBackgroundRemoval, func(c *models.Client) (*image.NRGBA, error) {
		return models.HTTPBackgroundRemover{Client: c}.RemoveBackground(ctx, img)
	})
}

type routedShapeGenerator struct{ r *Router }

func (s routedShapeGenerator) GenerateShape(ctx context.Context, img *image.NRGBA, p models.ShapeParams) (*mesh.Mesh, error) {
	return dispatch(ctx, s.r, config.RoleShape, func(c *models.Client) (*mesh.Mesh, error) {
		return models.HTTPShapeGenerator{Client: c}.GenerateShape(ctx, img, p)
	})
}

type routedTextureGenerator struct{ r *Router }

func (t routedTextureGenerator) GenerateTexture(ctx context.Context, req models.TextureRequest) (string, error) {
	return dispatch(ctx, t.r, config.RoleTexture, func(c *models.Client) (string, error) {
		return models.HTTPTextureGenerator{Client: c}.GenerateTexture(ctx, req)
	})
}

func (r *Router) BackgroundRemover() models.BackgroundRemover { return routedBackgroundRemover{r} }

func (r *Router) ShapeGenerator() models.ShapeGenerator { return routedShapeGenerator{r} }

func (r *Router) TextureGenerator() models.TextureGenerator { return routedTextureGenerator{r} }

// ReleaseCache asks every registered backend to free accelerator memory.
func (r *Router) ReleaseCache(ctx context.Context) error {
	_, registry := r.snapshot()
	var errs []error
	for _, name := range registry.Names() {
		c, _ := registry.Get(name)
		if err := c.ReleaseCache(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
