package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/exorun/internal/engine"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

const (
	conflictAttempts = 5
	conflictDelay    = 10 * time.Millisecond
	reconcilePage    = 100
)

// Cancel stops a job. A PENDING job becomes CANCELLED at once. For a RUNNING
// job the intent is recorded and the worker is signalled; the job becomes
// CANCELLED once the engine process has been reaped. Cancelling a cancelled
// job is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID, by string) (*models.Job, error) {
	var result *models.Job
	err := retry.Do(
		func() error {
			j, err := o.cancelOnce(ctx, id, by)
			if err != nil {
				return err
			}
			result = j
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(conflictAttempts),
		retry.Delay(conflictDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, store.ErrConflict) }),
	)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ErrNotCancellable):
		return nil, err
	default:
		return nil, &InfrastructureError{Op: "cancel job", Err: err}
	}
}

func (o *Orchestrator) cancelOnce(ctx context.Context, id uuid.UUID, by string) (*models.Job, error) {
	j, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	switch j.State {
	case models.JobStateCancelled:
		return j, nil
	case models.JobStateCompleted, models.JobStateFailed:
		return nil, fmt.Errorf("job %s is %s: %w", id, j.State, ErrNotCancellable)
	case models.JobStatePending:
		updated, err := o.store.UpdateJobState(ctx, id, models.JobStatePending, models.JobStateCancelled,
			store.WithUpdatedBy(by))
		if err != nil {
			return nil, err
		}
		o.metrics.Pending.Dec()
		o.metrics.Finished.WithLabelValues(string(models.JobStateCancelled)).Inc()
		slog.Info("job cancelled", "job_id", id, "by", by, "state_before", models.JobStatePending)
		return updated, nil
	default:
		updated, err := o.store.UpdateJobState(ctx, id, models.JobStateRunning, models.JobStateRunning,
			store.WithCancelRequested(), store.WithUpdatedBy(by))
		if err != nil {
			return nil, err
		}
		local := o.signalCancel(id)
		slog.Info("job cancel requested", "job_id", id, "by", by, "local_worker", local)
		return updated, nil
	}
}

// Reconcile settles jobs left RUNNING by a previous process. With a single
// orchestrator per store, every RUNNING job found before scheduling starts is
// an orphan: a surviving engine is terminated, the job is marked FAILED
// (interrupted) and optionally requeued.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	var orphans []*models.Job
	for page := 1; ; page++ {
		jobs, total, err := o.store.ListJobs(ctx, store.JobFilter{
			States: []models.JobState{models.JobStateRunning},
			Page:   page,
			Limit:  reconcilePage,
		})
		if err != nil {
			return &InfrastructureError{Op: "list running jobs", Err: err}
		}
		orphans = append(orphans, jobs...)
		if len(jobs) == 0 || page*reconcilePage >= total {
			break
		}
	}

	var result *multierror.Error
	for _, j := range orphans {
		if j.EnginePID != nil && engine.ProcessAlive(ctx, *j.EnginePID, j.Workspace) {
			slog.Warn("terminating orphaned engine", "job_id", j.ID, "pid", *j.EnginePID)
			if err := engine.TerminateOrphan(ctx, *j.EnginePID, o.cfg.KillGrace); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := o.interrupt(ctx, j, "orchestrator restarted while the job was running"); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if len(orphans) > 0 {
		slog.Info("reconciliation finished", "orphans", len(orphans))
	}
	return result.ErrorOrNil()
}

// interrupt fails a RUNNING job whose worker is gone and, when configured,
// queues a fresh copy of it.
func (o *Orchestrator) interrupt(ctx context.Context, j *models.Job, detail string) error {
	_, err := o.store.UpdateJobState(ctx, j.ID, models.JobStateRunning, models.JobStateFailed,
		store.WithError(models.ErrorKindInterrupted, detail), store.WithUpdatedBy(SystemPrincipal))
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("interrupt job %s: %w", j.ID, err)
	}
	o.metrics.Finished.WithLabelValues(string(models.JobStateFailed)).Inc()
	slog.Warn("job interrupted", "job_id", j.ID, "error_kind", models.ErrorKindInterrupted)

	if !o.cfg.RequeueInterrupted {
		return nil
	}
	retryJob, err := o.requeue(ctx, j)
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", j.ID, err)
	}
	slog.Info("job requeued", "job_id", retryJob.ID, "retry_of", j.ID)
	return nil
}

// requeue creates a PENDING copy of j with its own workspace. Admission
// control is not applied: the copy replaces a job that was already counted.
func (o *Orchestrator) requeue(ctx context.Context, j *models.Job) (*models.Job, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	ws, err := o.artifacts.Allocate(id)
	if err != nil {
		return nil, err
	}
	inputPath, err := o.artifacts.CopyInput(j.InputPath, ws)
	if err != nil {
		o.purge(id)
		return nil, err
	}

	now := o.now()
	retryOf := j.ID
	params := j.Params
	params.HPOTerms = append([]models.PhenotypeTerm(nil), j.Params.HPOTerms...)
	next := &models.Job{
		ID:          id,
		SubjectRef:  j.SubjectRef,
		Name:        j.Name,
		Description: j.Description,
		InputName:   j.InputName,
		InputPath:   inputPath,
		Workspace:   ws.Dir,
		Params:      params,
		State:       models.JobStatePending,
		RetryOf:     &retryOf,
		CreatedBy:   j.CreatedBy,
		UpdatedBy:   SystemPrincipal,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.store.CreateJob(ctx, next); err != nil {
		o.purge(id)
		return nil, err
	}
	o.metrics.Pending.Inc()
	o.signal()
	return next, nil
}
