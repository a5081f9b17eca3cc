// Package server exposes the generation pipeline and the job queue over HTTP.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/auth"
	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/events"
	"github.com/af-corp/meshforge/internal/ratelimit"
	"github.com/af-corp/meshforge/internal/telemetry"
	"github.com/af-corp/meshforge/internal/types"
)

// Generator runs generations synchronously.
type Generator interface {
	Generate(ctx context.Context, uid string, req types.GenerationRequest) (*types.GenerationResult, error)
	QueueLength() int
}

// Jobs is the asynchronous job queue.
type Jobs interface {
	Submit(ctx context.Context, keyID string, input map[string]any) (*types.Job, error)
	Get(ctx context.Context, id string) (*types.Job, error)
	Pending(ctx context.Context) (int64, error)
}

// Ledger is the durable generation record.
type Ledger interface {
	Upsert(ctx context.Context, job *types.Job) error
	Get(ctx context.Context, id string) (*types.Job, error)
}

// EventStreamer streams the stage events of a job to a websocket client.
type EventStreamer interface {
	Stream(w http.ResponseWriter, r *http.Request, uid string, status events.StatusFunc)
}

// PolicyChecker rejects requests whose parameters are not allowed.
type PolicyChecker interface {
	Check(ctx context.Context, keyID string, req types.GenerationRequest) error
}

// Deps are the collaborators of the HTTP surface. Generator and Config are
// required; every other dependency switches its feature off when nil.
type Deps struct {
	Generator Generator
	Jobs      Jobs
	Ledger    Ledger
	Events    EventStreamer
	Policy    PolicyChecker
	KeyStore  auth.KeyStore
	Limiter   *ratelimit.Limiter
	Quota     *ratelimit.GenerationQuota
	Config    func() *config.Config
	Metrics   *telemetry.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *zap.Logger
	Version   string
}

// New builds the chi router.
func New(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	h := &Handler{deps: d, logger: d.Logger}
	cfg := d.Config()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	if d.Metrics != nil {
		r.Use(metricsMiddleware(d.Metrics))
	}

	// Unauthenticated routes
	r.Get("/health", h.Health)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled && d.KeyStore != nil {
			r.Use(auth.Middleware(d.KeyStore, d.Logger))
		}
		if cfg.Limits.Enabled && d.Limiter != nil {
			r.Use(ratelimit.Middleware(d.Limiter, cfg.Limits, d.Metrics, d.Logger))
		}

		r.Get("/status", h.Status)
		r.Get("/jobs/{id}", h.GetJob)
		r.Get("/jobs/{id}/events", h.JobEvents)

		r.Group(func(r chi.Router) {
			if cfg.Limits.Enabled && d.Quota != nil {
				r.Use(ratelimit.QuotaMiddleware(d.Quota, cfg.Limits, d.Metrics, d.Logger))
			}
			r.Post("/generate", h.Generate)
			r.Post("/jobs", h.SubmitJob)
		})
	})

	return r
}
