// Package status serves read-only projections of the job record.
package status

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/internal/orchestrator"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

// Reporter reads job state from the repository. It takes no orchestrator
// locks, so polling never contends with scheduling.
type Reporter struct {
	store store.Store
	now   func() time.Time
}

func NewReporter(st store.Store) *Reporter {
	return &Reporter{store: st, now: time.Now}
}

// GetStatus returns the current view of one job. A missing job is
// store.ErrNotFound; any other repository failure is an InfrastructureError.
func (r *Reporter) GetStatus(ctx context.Context, id uuid.UUID) (*models.StatusView, error) {
	j, err := r.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &orchestrator.InfrastructureError{Op: "read job", Err: err}
	}
	return r.view(j), nil
}

// List returns a page of views, newest first, and the total match count.
func (r *Reporter) List(ctx context.Context, filter store.JobFilter) ([]*models.StatusView, int, error) {
	jobs, total, err := r.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, &orchestrator.InfrastructureError{Op: "list jobs", Err: err}
	}
	views := make([]*models.StatusView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, r.view(j))
	}
	return views, total, nil
}

func (r *Reporter) view(j *models.Job) *models.StatusView {
	v := &models.StatusView{
		JobID:           j.ID,
		SubjectRef:      j.SubjectRef,
		Name:            j.Name,
		Description:     j.Description,
		InputName:       j.InputName,
		State:           j.State,
		ProgressPercent: j.ProgressPercent,
		CancelRequested: j.CancelRequested,
		Params:          j.Params,
		ErrorKind:       j.ErrorKind,
		ErrorMessage:    j.ErrorMessage,
		Outputs:         j.Outputs,
		RetryOf:         j.RetryOf,
		CreatedBy:       j.CreatedBy,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.State == models.JobStateRunning {
		v.EnginePID = j.EnginePID
	}
	if j.StartedAt != nil {
		secs := j.Duration(r.now()).Seconds()
		v.DurationSeconds = &secs
	}
	return v
}
