package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/exorun/internal/api/middleware"
	"github.com/kiranshivaraju/exorun/internal/api/response"
	"github.com/kiranshivaraju/exorun/internal/artifact"
	"github.com/kiranshivaraju/exorun/internal/cache"
	"github.com/kiranshivaraju/exorun/internal/orchestrator"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

const (
	multipartMemory      = 8 << 20
	multipartOverhead    = 1 << 20
	idempotencyTTL       = 24 * time.Hour
	idempotencyPending   = "pending"
	capacityRetryAfter   = 30
	infrastructureRetry  = 5
	defaultPageLimit     = 20
	maxPageLimit         = 100
	idempotencyKeyHeader = "Idempotency-Key"
)

// JobService is the part of the orchestrator the handlers drive.
type JobService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*models.Job, error)
	Cancel(ctx context.Context, id uuid.UUID, by string) (*models.Job, error)
}

// StatusReader serves read-only job views.
type StatusReader interface {
	GetStatus(ctx context.Context, id uuid.UUID) (*models.StatusView, error)
	List(ctx context.Context, filter store.JobFilter) ([]*models.StatusView, int, error)
}

// OutputOpener opens finalized job artifacts.
type OutputOpener interface {
	OpenOutput(jobID uuid.UUID, name string) (*os.File, models.Artifact, error)
}

type submitResponse struct {
	JobID      uuid.UUID       `json:"job_id"`
	State      models.JobState `json:"state"`
	SubjectRef string          `json:"subject_ref"`
	Name       string          `json:"name"`
	InputName  string          `json:"input_name"`
	CreatedAt  time.Time       `json:"created_at"`
	StatusURL  string          `json:"status_url"`
}

type cancelResponse struct {
	JobID           uuid.UUID       `json:"job_id"`
	State           models.JobState `json:"state"`
	CancelRequested bool            `json:"cancel_requested"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The body is multipart/form-data with the VCF in the "input" part.
func NewSubmitHandler(svc JobService, reporter StatusReader, c cache.Cache, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal := mw.PrincipalName(r)

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+multipartOverhead)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusBadRequest, response.CodeValidation,
					fmt.Sprintf("upload exceeds %d bytes", maxUploadBytes), map[string]string{"field": "input"})
				return
			}
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"Body must be multipart/form-data", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		params, err := parseParams(r)
		if err != nil {
			writeError(w, err)
			return
		}

		req := orchestrator.SubmitRequest{
			SubjectRef:  r.FormValue("subject_ref"),
			Name:        r.FormValue("name"),
			Description: r.FormValue("description"),
			Params:      params,
			CreatedBy:   principal,
		}
		file, header, err := r.FormFile("input")
		switch {
		case err == nil:
			defer file.Close()
			req.Input = file
			req.InputName = header.Filename
		case errors.Is(err, http.ErrMissingFile):
			// Server-side paths are reserved for operators.
			if path := r.FormValue("input_path"); path != "" {
				if p, ok := mw.GetPrincipal(r); !ok || !p.HasScope(models.ScopeAdmin) {
					response.Error(w, http.StatusForbidden, response.CodeForbidden,
						"input_path requires the admin scope", nil)
					return
				}
				req.InputPath = path
			}
		default:
			response.Error(w, http.StatusBadRequest, response.CodeValidation,
				"input part is unreadable", map[string]string{"field": "input"})
			return
		}

		idemKey := ""
		if v := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)); v != "" {
			idemKey = cache.IdempotencyKey(principal, v)
			reserved, handled := reserveIdempotencyKey(w, r, c, reporter, idemKey)
			if handled {
				return
			}
			if !reserved {
				idemKey = ""
			}
		}

		job, err := svc.Submit(r.Context(), req)
		if err != nil {
			if idemKey != "" {
				if delErr := c.Delete(r.Context(), idemKey); delErr != nil {
					slog.Warn("release idempotency key", "error", delErr)
				}
			}
			writeError(w, err)
			return
		}
		if idemKey != "" {
			if err := c.Set(r.Context(), idemKey, []byte(job.ID.String()), idempotencyTTL); err != nil {
				slog.Warn("record idempotency key", "job_id", job.ID, "error", err)
			}
		}

		response.Accepted(w, submitResponse{
			JobID:      job.ID,
			State:      job.State,
			SubjectRef: job.SubjectRef,
			Name:       job.Name,
			InputName:  job.InputName,
			CreatedAt:  job.CreatedAt,
			StatusURL:  "/api/v1/jobs/" + job.ID.String(),
		})
	}
}

// reserveIdempotencyKey reserves key for this request. It returns handled=true
// when the response was already written because key belongs to an earlier
// submission. reserved=false means the cache could not be used and the
// request proceeds without idempotency.
func reserveIdempotencyKey(w http.ResponseWriter, r *http.Request, c cache.Cache, reporter StatusReader, key string) (reserved, handled bool) {
	ok, err := c.SetNX(r.Context(), key, []byte(idempotencyPending), idempotencyTTL)
	if err != nil {
		slog.Warn("idempotency check failed, continuing without it", "error", err)
		return false, false
	}
	if ok {
		return true, false
	}

	val, found, err := c.Get(r.Context(), key)
	if err != nil || !found {
		return false, false
	}
	id, err := uuid.ParseBytes(val)
	if err != nil {
		response.Error(w, http.StatusConflict, response.CodeSubmissionPending,
			"A submission with this Idempotency-Key is still being processed", nil)
		return false, true
	}
	view, err := reporter.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return false, true
	}
	w.Header().Set("Idempotent-Replayed", "true")
	response.JSON(w, view)
	return false, true
}

func parseParams(r *http.Request) (models.Params, error) {
	p := models.DefaultParams()
	if v := strings.TrimSpace(r.FormValue("assembly")); v != "" {
		p.Assembly = strings.ToLower(v)
	}
	if v := strings.TrimSpace(r.FormValue("analysis_mode")); v != "" {
		p.AnalysisMode = strings.ToUpper(v)
	}
	var err error
	if p.FrequencyThreshold, err = formFloat(r, "frequency_threshold", p.FrequencyThreshold); err != nil {
		return p, err
	}
	if p.PathogenicityThreshold, err = formFloat(r, "pathogenicity_threshold", p.PathogenicityThreshold); err != nil {
		return p, err
	}
	p.HPOTerms = parseHPOTerms(r.FormValue("hpo_terms"))
	return p, nil
}

func formFloat(r *http.Request, field string, def float64) (float64, error) {
	v := strings.TrimSpace(r.FormValue(field))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &orchestrator.ValidationError{Field: field, Reason: "must be a number"}
	}
	return f, nil
}

// parseHPOTerms reads a comma separated list of "HP:0001250" or
// "HP:0001250=Seizure" entries.
func parseHPOTerms(raw string) []models.PhenotypeTerm {
	var terms []models.PhenotypeTerm
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, label, _ := strings.Cut(part, "=")
		terms = append(terms, models.PhenotypeTerm{ID: strings.TrimSpace(id), Label: strings.TrimSpace(label)})
	}
	return terms
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(reporter StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		view, err := reporter.GetStatus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(reporter StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		filter := store.JobFilter{SubjectRef: strings.TrimSpace(q.Get("subject_ref"))}
		if raw := q.Get("state"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				st := models.JobState(strings.ToLower(strings.TrimSpace(s)))
				if !st.Valid() {
					writeError(w, &orchestrator.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", s)})
					return
				}
				filter.States = append(filter.States, st)
			}
		}

		var err error
		if filter.Page, err = queryInt(q.Get("page"), 1, "page"); err != nil {
			writeError(w, err)
			return
		}
		if filter.Limit, err = queryInt(q.Get("limit"), defaultPageLimit, "limit"); err != nil {
			writeError(w, err)
			return
		}
		if filter.Limit > maxPageLimit {
			filter.Limit = maxPageLimit
		}

		views, total, err := reporter.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Collection(w, views, response.NewPaginationMeta(filter.Page, filter.Limit, total))
	}
}

func queryInt(raw string, def int, field string) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &orchestrator.ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	return n, nil
}

// NewCancelHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		job, err := svc.Cancel(r.Context(), id, mw.PrincipalName(r))
		if err != nil {
			writeError(w, err)
			return
		}
		response.Accepted(w, cancelResponse{
			JobID:           job.ID,
			State:           job.State,
			CancelRequested: job.CancelRequested || job.State == models.JobStateCancelled,
		})
	}
}

// NewOutputHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/outputs/{name}.
func NewOutputHandler(reporter StatusReader, outputs OutputOpener) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := jobIDParam(w, r)
		if !ok {
			return
		}
		view, err := reporter.GetStatus(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		if view.State != models.JobStateCompleted {
			response.Error(w, http.StatusNotFound, response.CodeOutputNotFound,
				fmt.Sprintf("Job is %s; outputs exist only for completed jobs", view.State), nil)
			return
		}

		name := chi.URLParam(r, "name")
		f, a, err := outputs.OpenOutput(id, name)
		if errors.Is(err, artifact.ErrOutputNotFound) {
			response.Error(w, http.StatusNotFound, response.CodeOutputNotFound,
				fmt.Sprintf("Job has no output named %q", name), nil)
			return
		}
		if err != nil {
			slog.Error("open job output", "job_id", id, "name", name, "error", err)
			response.Error(w, http.StatusInternalServerError, response.CodeInternal,
				"An unexpected error occurred", nil)
			return
		}
		defer f.Close()

		ctype := mime.TypeByExtension(filepath.Ext(a.Name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ctype)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Name}))
		w.Header().Set("X-Checksum-SHA256", a.SHA256)

		var modTime time.Time
		if view.CompletedAt != nil {
			modTime = *view.CompletedAt
		}
		http.ServeContent(w, r, a.Name, modTime, f)
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, response.CodeValidation,
			"jobID must be a UUID", map[string]string{"field": "jobID"})
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps orchestrator and repository errors onto the HTTP error envelope.
func writeError(w http.ResponseWriter, err error) {
	var (
		vErr   *orchestrator.ValidationError
		capErr *orchestrator.CapacityError
	)
	switch {
	case errors.As(err, &vErr):
		response.Error(w, http.StatusBadRequest, response.CodeValidation, vErr.Error(),
			map[string]string{"field": vErr.Field})
	case errors.As(err, &capErr):
		response.Unavailable(w, response.CodeCapacityExceeded,
			fmt.Sprintf("Too many active jobs (%d of %d); retry later", capErr.Active, capErr.Limit),
			capacityRetryAfter)
	case errors.Is(err, orchestrator.ErrNotFound):
		response.Error(w, http.StatusNotFound, response.CodeJobNotFound, "Job not found", nil)
	case errors.Is(err, orchestrator.ErrNotCancellable):
		response.Error(w, http.StatusConflict, response.CodeNotCancellable, err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInfrastructure):
		slog.Error("infrastructure failure", "error", err)
		response.Unavailable(w, response.CodeInfrastructure,
			"A required backend is unavailable; retry later", infrastructureRetry)
	default:
		slog.Error("unhandled error", "error", err)
		response.Error(w, http.StatusInternalServerError, response.CodeInternal,
			"An unexpected error occurred", nil)
	}
}
