// Package handler exposes the admin API: health, metrics, manual triggers
// and run lookup.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"userpipe/internal/pipeline"
	"userpipe/internal/pipeline/ledger"
	"userpipe/internal/pipeline/runner"
	"userpipe/pkg/platform/httputil"
	"userpipe/pkg/platform/middleware/admin"
)

// Starter launches a run in the background.
type Starter interface {
	Start(ctx context.Context, logicalDate time.Time) (runner.Handle, error)
}

// RunLookup reads run history.
type RunLookup interface {
	LatestRun(ctx context.Context, runID string) (*ledger.Run, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	runs       Starter
	lookup     RunLookup
	baseCtx    context.Context
	logger     *slog.Logger
	gatherer   prometheus.Gatherer
	checks     map[string]HealthCheck
	adminToken string
	clock      func() time.Time
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(h *Handler) {
		h.gatherer = g
	}
}

// WithHealthCheck adds a named dependency check to GET /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) {
		h.checks[name] = check
	}
}

func WithAdminToken(token string) Option {
	return func(h *Handler) {
		h.adminToken = token
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		h.clock = now
	}
}

// New builds the admin handler. Runs triggered over HTTP are bound to
// baseCtx, not to the request, so they outlive the 202 response.
func New(baseCtx context.Context, runs Starter, lookup RunLookup, opts ...Option) (*Handler, error) {
	if runs == nil {
		return nil, errors.New("run starter is required")
	}
	if lookup == nil {
		return nil, errors.New("run lookup is required")
	}
	h := &Handler{
		runs:     runs,
		lookup:   lookup,
		baseCtx:  baseCtx,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		checks:   make(map[string]HealthCheck),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Router returns the chi router with every admin route mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	r.Route("/runs", func(r chi.Router) {
		r.With(admin.RequireAdminToken(h.adminToken, h.logger)).Post("/", h.handleTriggerRun)
		r.Get("/{runID}", h.handleGetRun)
	})
	return r
}

type triggerRequest struct {
	LogicalDate *time.Time `json:"logical_date"`
}

type triggerResponse struct {
	RunID       string    `json:"run_id"`
	ExecutionID string    `json:"execution_id"`
	LogicalDate time.Time `json:"logical_date"`
	Status      string    `json:"status"`
}

// handleTriggerRun starts a run for the requested logical date, or for now
// when the body is empty.
func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := chimw.GetReqID(ctx)

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.logger.WarnContext(ctx, "invalid trigger request",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, httputil.BadRequest("body must be {\"logical_date\": RFC3339}"))
		return
	}
	logicalDate := h.clock().UTC().Truncate(time.Second)
	if req.LogicalDate != nil {
		logicalDate = req.LogicalDate.UTC()
	}

	handle, err := h.runs.Start(h.baseCtx, logicalDate)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunInProgress) {
			httputil.WriteError(w, &httputil.Error{
				Status:      http.StatusConflict,
				Code:        "run_in_progress",
				Description: err.Error(),
			})
			return
		}
		h.logger.ErrorContext(ctx, "failed to start run",
			"request_id", requestID,
			"error", err.Error(),
		)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "run triggered",
		"request_id", requestID,
		"run_id", handle.RunID,
		"execution_id", handle.ExecutionID,
	)
	httputil.WriteJSON(w, http.StatusAccepted, triggerResponse{
		RunID:       handle.RunID,
		ExecutionID: handle.ExecutionID,
		LogicalDate: handle.LogicalDate,
		Status:      "accepted",
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.lookup.LatestRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, run)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	httputil.WriteJSON(w, status, body)
}
