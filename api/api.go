// Package api exposes the job submission and reconciliation query
// operations over HTTP.
//
// Every /v1 route is scoped to the organization named by the
// X-Organization-ID header; X-Actor-ID, when present, is recorded as the
// job's TriggeredBy. Authentication happens in front of this handler.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/engine"
	"github.com/xraph/reckon/scope"
)

// Scope headers.
const (
	HeaderOrganizationID = "X-Organization-ID"
	HeaderActorID        = "X-Actor-ID"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxBodyBytes    = 8 << 20
)

// API serves the reckon HTTP routes for one Engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New creates an API. A nil logger uses slog.Default().
func New(eng *engine.Engine, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{eng: eng, logger: logger}
}

// Handler returns an http.Handler with every route registered.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return a.logRequests(mux)
}

// RegisterRoutes registers all routes on mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", a.health)

	mux.Handle("POST /v1/jobs", a.scoped(a.submitJob))
	mux.Handle("GET /v1/jobs", a.scoped(a.listJobs))
	mux.Handle("GET /v1/jobs/{jobId}", a.scoped(a.getJob))
	mux.Handle("POST /v1/jobs/{jobId}/cancel", a.scoped(a.cancelJob))

	mux.Handle("POST /v1/reconciliations", a.scoped(a.startReconciliation))
	mux.Handle("GET /v1/reconciliations", a.scoped(a.listReconciliations))
	mux.Handle("GET /v1/reconciliations/{recId}", a.scoped(a.getReconciliation))
	mux.Handle("GET /v1/reconciliations/{recId}/results", a.scoped(a.getReconciliationResults))
	mux.Handle("POST /v1/reconciliations/{recId}/matches", a.scoped(a.manualMatch))
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Store().Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ──────────────────────────────────────────────────
// Middleware
// ──────────────────────────────────────────────────

// scoped rejects requests without an organization and stores the scope
// headers in the request context.
func (a *API) scoped(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID := r.Header.Get(HeaderOrganizationID)
		if orgID == "" {
			a.writeError(w, r, reckon.NewValidationError(HeaderOrganizationID, "header is required"))
			return
		}
		ctx := scope.Restore(r.Context(), orgID, r.Header.Get(HeaderActorID))
		next(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

// ──────────────────────────────────────────────────
// Encoding
// ──────────────────────────────────────────────────

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps reckon errors to HTTP status codes.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}
	var verr *reckon.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, code, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, reckon.ErrValidation), errors.Is(err, reckon.ErrInvalidPeriod):
		return http.StatusBadRequest
	case errors.Is(err, reckon.ErrJobNotFound), errors.Is(err, reckon.ErrReconciliationNotFound):
		return http.StatusNotFound
	case errors.Is(err, reckon.ErrInvalidState), errors.Is(err, reckon.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, reckon.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return reckon.NewValidationError("body", err.Error())
	}
	return nil
}

// page reads limit and offset query parameters.
func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit, offset = defaultPageSize, 0
	if s := q.Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit < 1 {
			return 0, 0, reckon.NewValidationError("limit", "must be a positive integer")
		}
		limit = min(limit, maxPageSize)
	}
	if s := q.Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil || offset < 0 {
			return 0, 0, reckon.NewValidationError("offset", "must be a non-negative integer")
		}
	}
	return limit, offset, nil
}
