package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/auth"
	"github.com/af-corp/meshforge/internal/config"
	"github.com/af-corp/meshforge/internal/httputil"
	"github.com/af-corp/meshforge/internal/pipeline"
	"github.com/af-corp/meshforge/internal/policy"
	"github.com/af-corp/meshforge/internal/queue"
	"github.com/af-corp/meshforge/internal/ratelimit"
	"github.com/af-corp/meshforge/internal/store"
	"github.com/af-corp/meshforge/internal/telemetry"
	"github.com/af-corp/meshforge/internal/types"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls []types.GenerationRequest
	err   error
	queue int
}

func (g *fakeGenerator) Generate(_ context.Context, uid string, req types.GenerationRequest) (*types.GenerationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, req)
	if g.err != nil {
		return nil, g.err
	}
	return &types.GenerationResult{
		DownloadURL: "https://bucket.example/hunyuan3d-21-" + uid + ".glb",
		Textured:    req.Texture,
		Seed:        req.Seed,
		UID:         uid,
	}, nil
}

func (g *fakeGenerator) QueueLength() int { return g.queue }

func (g *fakeGenerator) called() []types.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]types.GenerationRequest(nil), g.calls...)
}

type fakeLedger struct {
	mu   sync.Mutex
	jobs map[string]types.Job
}

func newFakeLedger() *fakeLedger { return &fakeLedger{jobs: map[string]types.Job{}} }

func (l *fakeLedger) Upsert(_ context.Context, job *types.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[job.ID] = *job
	return nil
}

func (l *fakeLedger) Get(_ context.Context, id string) (*types.Job, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &job, nil
}

type fakeKeyStore struct {
	keys map[string]*auth.KeyMetadata
}

func (s *fakeKeyStore) Lookup(_ context.Context, keyHash string) (*auth.KeyMetadata, error) {
	return s.keys[keyHash], nil
}

type harness struct {
	gen    *fakeGenerator
	ledger *fakeLedger
	jobs   *queue.Store
	cfg    *config.Config
	reg    *prometheus.Registry
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = false
	cfg.Limits.Enabled = false
	cfg.Policy.Enabled = false

	reg := prometheus.NewRegistry()
	h := &harness{
		gen:    &fakeGenerator{},
		ledger: newFakeLedger(),
		jobs:   queue.NewStore(rdb, time.Hour),
		cfg:    cfg,
		reg:    reg,
	}
	h.deps = Deps{
		Generator: h.gen,
		Jobs:      h.jobs,
		Ledger:    h.ledger,
		Config:    func() *config.Config { return h.cfg },
		Metrics:   telemetry.NewMetrics(reg),
		Gatherer:  reg,
		Logger:    zap.NewNop(),
		Version:   "test",
	}
	return h
}

func (h *harness) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	New(h.deps).ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(httputil.HeaderRequestID))
	body := decode[map[string]string](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestRequestIDPropagated(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", "", httputil.HeaderRequestID, "req-abc")
	assert.Equal(t, "req-abc", rec.Header().Get(httputil.HeaderRequestID))
}

func TestGenerate(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare object", `{"image":"aGVsbG8=","seed":42,"texture":true}`},
		{"envelope", `{"input":{"image":"aGVsbG8=","seed":42,"texture":true}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodPost, "/v1/generate", tt.body)

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			res := decode[types.GenerationResult](t, rec)
			assert.Equal(t, int64(42), res.Seed)
			assert.True(t, res.Textured)
			assert.NotEmpty(t, res.UID)

			calls := h.gen.called()
			require.Len(t, calls, 1)
			assert.Equal(t, types.DefaultOctreeResolution, calls[0].OctreeResolution)

			job, err := h.ledger.Get(context.Background(), res.UID)
			require.NoError(t, err)
			assert.Equal(t, types.JobCompleted, job.Status)
		})
	}
}

func TestGenerate_NoImage(t *testing.T) {
	for _, body := range []string{`{}`, `{"input":{}}`, `{"image":""}`, `{"image":null,"seed":3}`} {
		t.Run(body, func(t *testing.T) {
			h := newHarness(t)
			rec := h.do(http.MethodPost, "/v1/generate", body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"error":"No image provided"}`, rec.Body.String())
			assert.Empty(t, h.gen.called())
		})
	}
}

func TestGenerate_BadInput(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/generate", `{"image":"aGk=","seed":"abc"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[types.ErrorResponse](t, rec).Error, "seed")

	rec = h.do(http.MethodPost, "/v1/generate", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.gen.called())
}

func TestGenerate_BodyTooLarge(t *testing.T) {
	h := newHarness(t)
	h.cfg.Server.MaxBodyBytes = 16

	rec := h.do(http.MethodPost, "/v1/generate", `{"image":"`+strings.Repeat("A", 64)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGenerate_Failure(t *testing.T) {
	h := newHarness(t)
	h.gen.err = &pipeline.StageError{Stage: pipeline.StageShapeGeneration, Kind: pipeline.KindShapeGeneration, Err: errors.New("out of memory")}

	rec := h.do(http.MethodPost, "/v1/generate", `{"image":"aGk="}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Generation failed: shape_generation: out of memory"}`, rec.Body.String())
}

func TestGenerate_PolicyDenied(t *testing.T) {
	h := newHarness(t)
	h.cfg.Policy.Enabled = true
	ev := policy.NewEvaluator(func() config.PolicyConfig { return h.cfg.Policy }, zap.NewNop())
	require.NoError(t, ev.Load(context.Background()))
	h.deps.Policy = ev

	rec := h.do(http.MethodPost, "/v1/generate", `{"image":"aGk=","octree_resolution":1024}`)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, decode[types.ErrorResponse](t, rec).Error, "octree_resolution")
	assert.Empty(t, h.gen.called())

	rec = h.do(http.MethodPost, "/v1/generate", `{"image":"aGk=","octree_resolution":512}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)
	h.cfg.Auth.Enabled = true
	key := "mf-test-abcdefghijklmnopqrstuvwxyz012345"
	h.deps.KeyStore = &fakeKeyStore{keys: map[string]*auth.KeyMetadata{
		auth.HashKey(key): {ID: "key-1", Name: "test"},
	}}

	rec := h.do(http.MethodPost, "/v1/generate", `{"image":"aGk="}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/v1/generate", `{"image":"aGk="}`, "Authorization", "Bearer "+key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[types.GenerationResult](t, rec)
	job, err := h.ledger.Get(context.Background(), res.UID)
	require.NoError(t, err)
	assert.Equal(t, "key-1", job.KeyID)

	// health stays public
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/health", "").Code)
}

func TestRateLimited(t *testing.T) {
	h := newHarness(t)
	h.cfg.Limits = config.LimitsConfig{Enabled: true, DefaultRPM: 2}
	h.deps.Limiter = ratelimit.NewLimiter(nil)
	h.deps.Quota = ratelimit.NewGenerationQuota(nil)

	// one router so the in-process buckets persist across requests
	router := New(h.deps)
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestJobs_SubmitAndGet(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/jobs", `{"input":{"image":"aGk=","seed":7}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	view := decode[types.JobView](t, rec)
	assert.Equal(t, types.JobInQueue, view.Status)
	require.NotEmpty(t, view.ID)

	rec = h.do(http.MethodGet, "/v1/jobs/"+view.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[map[string]any](t, rec)
	assert.Equal(t, "IN_QUEUE", got["status"])
	assert.NotContains(t, got, "output")

	pending, err := h.jobs.Pending(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)

	ledgerJob, err := h.ledger.Get(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobInQueue, ledgerJob.Status)
}

func TestJobs_NoImageIsQueued(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/v1/jobs", `{"input":{}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestJobs_GetFallsBackToLedger(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.Upsert(context.Background(), &types.Job{
		ID:     "old-job",
		Status: types.JobFailed,
		Error:  "No image provided",
	}))

	rec := h.do(http.MethodGet, "/v1/jobs/old-job", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"old-job","status":"FAILED","output":{"error":"No image provided"}}`, rec.Body.String())
}

func TestJobs_GetUnknown(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/v1/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, decode[types.ErrorResponse](t, rec).Error)
}

func TestJobs_Disabled(t *testing.T) {
	h := newHarness(t)
	h.deps.Jobs = nil
	rec := h.do(http.MethodPost, "/v1/jobs", `{"image":"aGk="}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestJobEvents_Disabled(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/v1/jobs/any/events", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.gen.queue = 1
	_, err := h.jobs.Submit(context.Background(), "", map[string]any{"image": "aGk="})
	require.NoError(t, err)

	rec := h.do(http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, types.WorkerStatus{Speed: 1, QueueLength: 2}, decode[types.WorkerStatus](t, rec))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(http.MethodGet, "/health", "")

	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `meshforge_http_requests_total{method="GET",route="/health",status="200"} 1`)
}
