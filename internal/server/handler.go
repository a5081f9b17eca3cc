package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/af-corp/meshforge/internal/auth"
	"github.com/af-corp/meshforge/internal/httputil"
	"github.com/af-corp/meshforge/internal/pipeline"
	"github.com/af-corp/meshforge/internal/policy"
	"github.com/af-corp/meshforge/internal/queue"
	"github.com/af-corp/meshforge/internal/store"
	"github.com/af-corp/meshforge/internal/types"
)

// numbers stay json.Number so large seeds survive decoding
var bodyAPI = sonic.Config{UseNumber: true}.Froze()

// Handler holds the HTTP handlers.
type Handler struct {
	deps   Deps
	logger *zap.Logger
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, w.Header().Get(httputil.HeaderRequestID), http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": h.deps.Version,
	})
}

// Status handles GET /v1/status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get(httputil.HeaderRequestID)
	n := h.deps.Generator.QueueLength()
	if h.deps.Jobs != nil {
		pending, err := h.deps.Jobs.Pending(r.Context())
		if err != nil {
			h.logger.Warn("count pending jobs", zap.String("request_id", reqID), zap.Error(err))
		}
		n += int(pending)
	}
	httputil.WriteJSON(w, reqID, http.StatusOK, types.WorkerStatus{Speed: 1, QueueLength: n})
}

// Generate handles POST /v1/generate and runs the pipeline in the request.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get(httputil.HeaderRequestID)
	keyID := auth.KeyID(r.Context())

	input, ok := h.readInput(w, r, reqID)
	if !ok {
		return
	}
	req, err := types.ParseGenerationRequest(input)
	if err != nil {
		h.writeParseError(w, reqID, err)
		return
	}
	if !h.checkPolicy(w, r, reqID, keyID, req) {
		return
	}

	uid := uuid.NewString()
	logger := h.logger.With(zap.String("request_id", reqID), zap.String("uid", uid))
	job := &types.Job{ID: uid, KeyID: keyID, Status: types.JobInProgress, SubmittedAt: time.Now().UTC()}
	h.record(r.Context(), logger, job)

	res, err := h.deps.Generator.Generate(r.Context(), uid, req)
	job.UpdatedAt = time.Now().UTC()
	if err != nil {
		job.Status = types.JobFailed
		job.Error = pipeline.ErrorMessage(err)
		h.record(r.Context(), logger, job)
		httputil.WriteInternalError(w, reqID, job.Error)
		return
	}
	job.Status = types.JobCompleted
	job.Output = res
	h.record(r.Context(), logger, job)

	httputil.WriteJSON(w, reqID, http.StatusOK, res)
}

// SubmitJob handles POST /v1/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get(httputil.HeaderRequestID)
	if h.deps.Jobs == nil {
		httputil.WriteServiceUnavailableError(w, reqID, "Job queue is disabled")
		return
	}
	keyID := auth.KeyID(r.Context())

	input, ok := h.readInput(w, r, reqID)
	if !ok {
		return
	}
	// requests that do not parse are still queued; the job fails with the
	// same message a synchronous call would return
	if req, err := types.ParseGenerationRequest(input); err == nil {
		if !h.checkPolicy(w, r, reqID, keyID, req) {
			return
		}
	}

	job, err := h.deps.Jobs.Submit(r.Context(), keyID, input)
	if err != nil {
		h.logger.Error("submit job", zap.String("request_id", reqID), zap.Error(err))
		httputil.WriteServiceUnavailableError(w, reqID, "Failed to enqueue job")
		return
	}
	h.record(r.Context(), h.logger.With(zap.String("job_id", job.ID)), &types.Job{
		ID: job.ID, KeyID: keyID, Status: job.Status, SubmittedAt: job.SubmittedAt, UpdatedAt: job.UpdatedAt,
	})

	h.logger.Info("job submitted", zap.String("request_id", reqID), zap.String("job_id", job.ID))
	httputil.WriteJSON(w, reqID, http.StatusAccepted, types.JobView{ID: job.ID, Status: job.Status})
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get(httputil.HeaderRequestID)
	job, ok := h.lookup(w, r, reqID, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	httputil.WriteJSON(w, reqID, http.StatusOK, job.View())
}

// JobEvents handles GET /v1/jobs/{id}/events.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	reqID := w.Header().Get(httputil.HeaderRequestID)
	if h.deps.Events == nil {
		httputil.WriteServiceUnavailableError(w, reqID, "Event streaming is disabled")
		return
	}
	id := chi.URLParam(r, "id")
	if _, ok := h.lookup(w, r, reqID, id); !ok {
		return
	}
	h.deps.Events.Stream(w, r, id, func(ctx context.Context) (types.JobStatus, error) {
		job, err := h.find(ctx, id)
		if err != nil {
			return "", err
		}
		return job.Status, nil
	})
}

var errJobNotFound = errors.New("job not found")

// find reads the live record first and the ledger once it has expired.
func (h *Handler) find(ctx context.Context, id string) (*types.Job, error) {
	if h.deps.Jobs != nil {
		job, err := h.deps.Jobs.Get(ctx, id)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, queue.ErrJobNotFound) {
			return nil, err
		}
	}
	if h.deps.Ledger != nil {
		job, err := h.deps.Ledger.Get(ctx, id)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	return nil, errJobNotFound
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request, reqID, id string) (*types.Job, bool) {
	job, err := h.find(r.Context(), id)
	switch {
	case errors.Is(err, errJobNotFound):
		httputil.WriteNotFoundError(w, reqID, "Job not found")
		return nil, false
	case err != nil:
		h.logger.Error("load job", zap.String("request_id", reqID), zap.String("job_id", id), zap.Error(err))
		httputil.WriteServiceUnavailableError(w, reqID, "Job store unavailable")
		return nil, false
	}
	// jobs of other keys are reported as missing
	if keyID := auth.KeyID(r.Context()); keyID != "" && job.KeyID != "" && job.KeyID != keyID {
		httputil.WriteNotFoundError(w, reqID, "Job not found")
		return nil, false
	}
	return job, true
}

// readInput decodes the body. Both a bare request object and the
// {"input": {...}} envelope are accepted.
func (h *Handler) readInput(w http.ResponseWriter, r *http.Request, reqID string) (map[string]any, bool) {
	if limit := h.deps.Config().Server.MaxBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	defer r.Body.Close()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			httputil.WriteError(w, reqID, http.StatusRequestEntityTooLarge, "Request body too large")
			return nil, false
		}
		httputil.WriteBadRequestError(w, reqID, "Failed to read request body")
		return nil, false
	}

	var payload map[string]any
	if err := bodyAPI.Unmarshal(body, &payload); err != nil {
		httputil.WriteBadRequestError(w, reqID, "Invalid JSON: "+err.Error())
		return nil, false
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if inner, ok := payload["input"].(map[string]any); ok {
		payload = inner
	}
	return payload, true
}

func (h *Handler) writeParseError(w http.ResponseWriter, reqID string, err error) {
	if errors.Is(err, types.ErrNoImage) {
		httputil.WriteBadRequestError(w, reqID, types.ErrNoImage.Error())
		return
	}
	httputil.WriteBadRequestError(w, reqID, err.Error())
}

func (h *Handler) checkPolicy(w http.ResponseWriter, r *http.Request, reqID, keyID string, req types.GenerationRequest) bool {
	if h.deps.Policy == nil || !h.deps.Config().Policy.Enabled {
		return true
	}
	err := h.deps.Policy.Check(r.Context(), keyID, req)
	if err == nil {
		return true
	}
	var denied *policy.DeniedError
	if errors.As(err, &denied) {
		h.logger.Warn("request denied by policy",
			zap.String("request_id", reqID),
			zap.String("key_id", keyID),
			zap.Strings("reasons", denied.Reasons),
		)
		httputil.WriteForbiddenError(w, reqID, denied.Error())
		return false
	}
	h.logger.Error("policy check failed", zap.String("request_id", reqID), zap.Error(err))
	httputil.WriteForbiddenError(w, reqID, "Policy evaluation failed")
	return false
}

func (h *Handler) record(ctx context.Context, logger *zap.Logger, job *types.Job) {
	if h.deps.Ledger == nil {
		return
	}
	if err := h.deps.Ledger.Upsert(context.WithoutCancel(ctx), job); err != nil {
		logger.Warn("record generation in ledger", zap.Error(err))
	}
}
