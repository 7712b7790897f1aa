package serverutil

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/andrej220/fleetexec/internal/errors"
	"github.com/andrej220/fleetexec/pkg/lg"
	"github.com/andrej220/fleetexec/pkg/models"
)

const (
	actorHeader  = "X-Actor"
	defaultActor = "api"
	maxBodyBytes = 1 << 20
)

// Engine is the part of the engine the HTTP API exposes.
type Engine interface {
	SubmitExecution(ctx context.Context, jobID string, override *models.TargetSpec, triggeredBy string) (string, error)
	GetExecution(ctx context.Context, id string) (*models.Execution, error)
	CancelExecution(ctx context.Context, id, actor string) error
	ForceTerminate(ctx context.Context, id, actor, reason string) error
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	DisableSchedule(ctx context.Context, id string) error
	Health(ctx context.Context) (models.HealthSummary, error)
}

type TerminateRequest struct {
	Reason string `json:"reason" validate:"required,max=1024"`
}

type HealthResponse struct {
	Engine models.HealthSummary `json:"engine"`
	Host   *HostStats           `json:"host,omitempty"`
}

type api struct {
	engine Engine
	probe  HostProbe
	logger lg.Logger
}

// NewHandler routes the engine API. probe may be nil.
func NewHandler(engine Engine, probe HostProbe, logger lg.Logger) http.Handler {
	if logger == nil {
		logger = lg.Discard
	}
	a := &api{engine: engine, probe: probe, logger: logger}

	mux := http.NewServeMux()
	mux.Handle("POST /executions", NewValidationHandler[models.SubmitRequest](http.HandlerFunc(a.submit)))
	mux.HandleFunc("GET /executions/{id}", a.getExecution)
	mux.HandleFunc("POST /executions/{id}/cancel", a.cancel)
	mux.Handle("POST /executions/{id}/terminate", NewValidationHandler[TerminateRequest](http.HandlerFunc(a.terminate)))
	mux.HandleFunc("PUT /jobs", a.saveJob)
	mux.HandleFunc("GET /jobs/{id}", a.getJob)
	mux.HandleFunc("DELETE /jobs/{id}", a.deleteJob)
	mux.HandleFunc("POST /schedules", a.createSchedule)
	mux.HandleFunc("GET /schedules/{id}", a.getSchedule)
	mux.HandleFunc("POST /schedules/{id}/disable", a.disableSchedule)
	mux.HandleFunc("GET /health", a.health)
	return a.logRequests(limitBody(mux))
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(rw, r.Body, maxBodyBytes)
		next.ServeHTTP(rw, r)
	})
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger := a.logger.With(lg.String("method", r.Method), lg.String("path", r.URL.Path))
		next.ServeHTTP(rw, r.WithContext(lg.Attach(r.Context(), logger)))
		logger.Debug("request served", lg.Duration("took", time.Since(start)))
	})
}

func actor(r *http.Request) string {
	if v := r.Header.Get(actorHeader); v != "" {
		return v
	}
	return defaultActor
}

func (a *api) fail(rw http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		lg.FromContext(r.Context()).Error("request failed", lg.Err(err))
	}
	writeError(rw, status, err.Error())
}

func (a *api) submit(rw http.ResponseWriter, r *http.Request) {
	req, ok := RequestFrom[models.SubmitRequest](r.Context())
	if !ok {
		writeError(rw, http.StatusInternalServerError, "internal server error")
		return
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = actor(r)
	}
	id, err := a.engine.SubmitExecution(r.Context(), req.JobID, req.Targets, req.TriggeredBy)
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusAccepted, models.SubmitResponse{ExecutionID: id})
}

func (a *api) getExecution(rw http.ResponseWriter, r *http.Request) {
	e, err := a.engine.GetExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, e)
}

func (a *api) cancel(rw http.ResponseWriter, r *http.Request) {
	if err := a.engine.CancelExecution(r.Context(), r.PathValue("id"), actor(r)); err != nil {
		a.fail(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusAccepted)
}

func (a *api) terminate(rw http.ResponseWriter, r *http.Request) {
	req, _ := RequestFrom[TerminateRequest](r.Context())
	if err := a.engine.ForceTerminate(r.Context(), r.PathValue("id"), actor(r), req.Reason); err != nil {
		a.fail(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

// Jobs and schedules are validated by the engine, which also fills in ids.
func decode(rw http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(rw, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

// jobRequest lets a PUT omit "active": a new job starts active and an edit
// keeps the stored flag.
type jobRequest struct {
	models.Job
	Active *bool `json:"active"`
}

func (a *api) saveJob(rw http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if !decode(rw, r, &req) {
		return
	}
	job := req.Job
	switch {
	case req.Active != nil:
		job.Active = *req.Active
	case job.ID == "":
		job.Active = true
	default:
		existing, err := a.engine.GetJob(r.Context(), job.ID)
		switch {
		case err == nil:
			job.Active = existing.Active
		case errors.IsNotFound(err):
			job.Active = true
		default:
			a.fail(rw, r, err)
			return
		}
	}
	if err := a.engine.SaveJob(r.Context(), &job); err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, &job)
}

func (a *api) getJob(rw http.ResponseWriter, r *http.Request) {
	job, err := a.engine.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, job)
}

func (a *api) deleteJob(rw http.ResponseWriter, r *http.Request) {
	soft, err := a.engine.DeleteJob(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]bool{"deactivated": soft})
}

func (a *api) createSchedule(rw http.ResponseWriter, r *http.Request) {
	var s models.Schedule
	if !decode(rw, r, &s) {
		return
	}
	if err := a.engine.CreateSchedule(r.Context(), &s); err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusCreated, &s)
}

func (a *api) getSchedule(rw http.ResponseWriter, r *http.Request) {
	s, err := a.engine.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, s)
}

func (a *api) disableSchedule(rw http.ResponseWriter, r *http.Request) {
	if err := a.engine.DisableSchedule(r.Context(), r.PathValue("id")); err != nil {
		a.fail(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (a *api) health(rw http.ResponseWriter, r *http.Request) {
	summary, err := a.engine.Health(r.Context())
	if err != nil {
		a.fail(rw, r, err)
		return
	}
	resp := HealthResponse{Engine: summary}
	if a.probe != nil {
		if host, err := a.probe(r.Context()); err == nil {
			resp.Host = &host
		} else {
			lg.FromContext(r.Context()).Warn("host probe failed", lg.Err(err))
		}
	}
	writeJSON(rw, http.StatusOK, resp)
}
