package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/xraph/reckon"
	"github.com/xraph/reckon/id"
	"github.com/xraph/reckon/job"
	"github.com/xraph/reckon/queue"
	"github.com/xraph/reckon/scope"
)

// SubmitJobRequest is the body of POST /v1/jobs. The organization and
// actor come from the scope headers.
type SubmitJobRequest struct {
	Type        job.Type        `json:"type"`
	Input       json.RawMessage `json:"input,omitempty"`
	Priority    int             `json:"priority,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	RunAt       time.Time       `json:"run_at,omitzero"`
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	orgID, actorID := scope.Capture(r.Context())
	j, err := a.eng.Submit(r.Context(), queue.SubmitRequest{
		Type:           req.Type,
		Input:          req.Input,
		OrganizationID: orgID,
		TriggeredBy:    actorID,
		Priority:       req.Priority,
		MaxAttempts:    req.MaxAttempts,
		RunAt:          req.RunAt,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := page(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	opts := job.ListOpts{
		Type:   job.Type(q.Get("type")),
		Status: job.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	}
	if opts.Type != "" && !opts.Type.Valid() {
		a.writeError(w, r, reckon.NewValidationError("type", "unknown job type "+string(opts.Type)))
		return
	}
	if opts.Status != "" && !opts.Status.Valid() {
		a.writeError(w, r, reckon.NewValidationError("status", "unknown status "+string(opts.Status)))
		return
	}

	jobs, err := a.eng.Queue().List(r.Context(), scope.OrganizationID(r.Context()), opts)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	j, err := a.eng.Queue().Get(r.Context(), scope.OrganizationID(r.Context()), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	j, err := a.eng.Queue().Cancel(r.Context(), scope.OrganizationID(r.Context()), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func parseJobID(r *http.Request) (id.JobID, error) {
	jobID, err := id.ParseJobID(r.PathValue("jobId"))
	if err != nil {
		return id.Nil, reckon.NewValidationError("jobId", err.Error())
	}
	return jobID, nil
}
