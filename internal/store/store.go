package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned by UpdateJobState when the stored state no longer
// matches the expected state.
var ErrConflict = errors.New("job state conflict")

// ErrInvalidTransition is returned when the requested transition is not part of the job state machine.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	// NextPending returns the oldest pending job by (created_at, id), or ErrNotFound.
	NextPending(ctx context.Context) (*models.Job, error)
	// CountActive returns the number of pending and running jobs.
	CountActive(ctx context.Context) (int, error)
	// UpdateJobState moves a job from expected to next only if its stored state
	// is still expected, and returns the updated snapshot.
	UpdateJobState(ctx context.Context, id uuid.UUID, expected, next models.JobState, opts ...JobUpdateOption) (*models.Job, error)
}

// JobFilter narrows ListJobs. Results are ordered newest first.
type JobFilter struct {
	States     []models.JobState
	SubjectRef string
	Page       int
	Limit      int
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

func (f JobFilter) normalize() (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

type jobUpdateParams struct {
	Progress        *int
	ErrorKind       *string
	ErrorMessage    *string
	Outputs         []models.Artifact
	EnginePID       *int
	CancelRequested bool
	UpdatedBy       *string
}

type JobUpdateOption func(*jobUpdateParams)

// WithProgress raises progress_percent; lower values than the stored one are ignored.
func WithProgress(percent int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		p.Progress = &percent
	}
}

func WithError(kind, msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorKind = &kind
		p.ErrorMessage = &msg
	}
}

func WithOutputs(outputs []models.Artifact) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Outputs = outputs
	}
}

func WithEnginePID(pid int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.EnginePID = &pid
	}
}

func WithCancelRequested() JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.CancelRequested = true
	}
}

func WithUpdatedBy(principal string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.UpdatedBy = &principal
	}
}

// apply mutates j according to a validated transition. Both store
// implementations share it so their bookkeeping cannot drift apart.
func (p *jobUpdateParams) apply(j *models.Job, next models.JobState, now time.Time) {
	prev := j.State
	j.State = next
	j.UpdatedAt = now

	if prev == models.JobStatePending && next == models.JobStateRunning {
		j.StartedAt = &now
	}
	if next.Terminal() {
		j.CompletedAt = &now
	}
	if p.Progress != nil && *p.Progress > j.ProgressPercent {
		j.ProgressPercent = *p.Progress
	}
	if next == models.JobStateCompleted {
		j.ProgressPercent = 100
	}
	if p.ErrorKind != nil {
		j.ErrorKind = p.ErrorKind
		j.ErrorMessage = p.ErrorMessage
	}
	if p.Outputs != nil {
		j.Outputs = append([]models.Artifact(nil), p.Outputs...)
	}
	if p.EnginePID != nil {
		j.EnginePID = p.EnginePID
	}
	if p.CancelRequested {
		j.CancelRequested = true
	}
	if p.UpdatedBy != nil {
		j.UpdatedBy = *p.UpdatedBy
	}
}

func newJobUpdateParams(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}
