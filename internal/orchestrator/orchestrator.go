// Package orchestrator owns the job state machine. It admits submissions,
// schedules pending jobs FIFO over a bounded pool of execution slots, supervises
// engine runs and records their terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/internal/artifact"
	"github.com/kiranshivaraju/exorun/internal/engine"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/kiranshivaraju/exorun/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
)

// SystemPrincipal is recorded as updated_by for transitions made by the orchestrator itself.
const SystemPrincipal = "system:orchestrator"

const (
	finalizeTimeout   = 30 * time.Second
	maxSubjectRefLen  = 128
	maxNameLen        = 255
	maxDescriptionLen = 4000
	defaultInputName  = "input.vcf"
	defaultUploadSize = 2 << 30
)

var hpoTermID = regexp.MustCompile(`^HP:\d{7}$`)

var errCancelRequested = errors.New("cancel requested")

// Config bounds scheduling and admission.
type Config struct {
	Concurrency        int
	MaxActive          int
	PollInterval       time.Duration
	RequeueInterrupted bool
	KillGrace          time.Duration
	UploadMaxBytes     int64
}

// SubmitRequest describes one analysis request. Exactly one of Input and
// InputPath must be set. Name defaults to the cleaned input name.
type SubmitRequest struct {
	SubjectRef  string
	Name        string
	Description string
	InputName   string
	Input       io.Reader
	InputPath   string
	Params      models.Params
	CreatedBy   string
}

// Orchestrator runs the job lifecycle. It is the only writer of job state.
type Orchestrator struct {
	cfg       Config
	store     store.Store
	artifacts *artifact.Store
	engine    engine.Invoker
	metrics   *Metrics
	now       func() time.Time

	admitMu sync.Mutex
	wake    chan struct{}
	slots   chan struct{}

	mu      sync.Mutex
	running map[uuid.UUID]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// New creates an Orchestrator. Metrics are registered with reg.
func New(cfg Config, st store.Store, artifacts *artifact.Store, inv engine.Invoker, reg prometheus.Registerer) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxActive < cfg.Concurrency {
		cfg.MaxActive = cfg.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.UploadMaxBytes <= 0 {
		cfg.UploadMaxBytes = defaultUploadSize
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     st,
		artifacts: artifacts,
		engine:    inv,
		metrics:   NewMetrics(reg),
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		wake:      make(chan struct{}, 1),
		slots:     make(chan struct{}, cfg.Concurrency),
		running:   make(map[uuid.UUID]context.CancelCauseFunc),
	}
}

// Submit validates and stages a request and records it as PENDING. It never
// waits for the engine.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	req.SubjectRef = strings.TrimSpace(req.SubjectRef)
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if err := validateSubmit(req); err != nil {
		o.metrics.Rejected.WithLabelValues("validation").Inc()
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, &InfrastructureError{Op: "generate job id", Err: err}
	}
	ws, err := o.artifacts.Allocate(id)
	if err != nil {
		return nil, &InfrastructureError{Op: "allocate workspace", Err: err}
	}

	inputPath, err := o.stage(ws, req)
	if err != nil {
		o.purge(id)
		var inputErr *artifact.InputError
		if errors.As(err, &inputErr) {
			o.metrics.Rejected.WithLabelValues("validation").Inc()
			return nil, &ValidationError{Field: "input", Reason: inputErr.Reason}
		}
		return nil, &InfrastructureError{Op: "stage input", Err: err}
	}

	inputName := req.InputName
	if inputName == "" {
		inputName = req.InputPath
	}
	inputName = artifact.CleanInputName(inputName)
	if inputName == "" {
		inputName = defaultInputName
	}
	if req.Name == "" {
		req.Name = inputName
	}

	now := o.now()
	job := &models.Job{
		ID:          id,
		SubjectRef:  req.SubjectRef,
		Name:        req.Name,
		Description: req.Description,
		InputName:   inputName,
		InputPath:   inputPath,
		Workspace:   ws.Dir,
		Params:      req.Params,
		State:       models.JobStatePending,
		CreatedBy:   req.CreatedBy,
		UpdatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := o.admit(ctx, job); err != nil {
		o.purge(id)
		return nil, err
	}

	o.metrics.Submitted.Inc()
	o.metrics.Pending.Inc()
	slog.Info("job submitted", "job_id", job.ID, "name", job.Name, "subject_ref", job.SubjectRef, "created_by", job.CreatedBy)
	o.signal()
	return job, nil
}

// admit counts active jobs and creates the record under one lock, so
// concurrent submissions cannot overshoot MaxActive.
func (o *Orchestrator) admit(ctx context.Context, job *models.Job) error {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	active, err := o.store.CountActive(ctx)
	if err != nil {
		return &InfrastructureError{Op: "count active jobs", Err: err}
	}
	if active >= o.cfg.MaxActive {
		o.metrics.Rejected.WithLabelValues("capacity").Inc()
		return &CapacityError{Active: active, Limit: o.cfg.MaxActive}
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return &InfrastructureError{Op: "create job", Err: err}
	}
	return nil
}

func (o *Orchestrator) stage(ws *artifact.Workspace, req SubmitRequest) (string, error) {
	if req.Input != nil {
		return o.artifacts.StageInput(ws, req.Input, o.cfg.UploadMaxBytes)
	}
	return o.artifacts.StageInputFile(ws, req.InputPath, o.cfg.UploadMaxBytes)
}

func validateSubmit(req SubmitRequest) error {
	if req.SubjectRef == "" {
		return &ValidationError{Field: "subject_ref", Reason: "is required"}
	}
	if len(req.SubjectRef) > maxSubjectRefLen {
		return &ValidationError{Field: "subject_ref", Reason: fmt.Sprintf("must be at most %d characters", maxSubjectRefLen)}
	}
	if len(req.Name) > maxNameLen {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("must be at most %d characters", maxNameLen)}
	}
	if len(req.Description) > maxDescriptionLen {
		return &ValidationError{Field: "description", Reason: fmt.Sprintf("must be at most %d characters", maxDescriptionLen)}
	}
	if req.Input == nil && req.InputPath == "" {
		return &ValidationError{Field: "input", Reason: "is required"}
	}
	if req.Input == nil && !filepath.IsAbs(req.InputPath) {
		return &ValidationError{Field: "input", Reason: "path must be absolute"}
	}
	return validateParams(req.Params)
}

func validateParams(p models.Params) error {
	switch p.Assembly {
	case models.AssemblyHG19, models.AssemblyHG38:
	default:
		return &ValidationError{Field: "assembly", Reason: fmt.Sprintf("must be hg19 or hg38, got %q", p.Assembly)}
	}
	switch p.AnalysisMode {
	case models.AnalysisModePassOnly, models.AnalysisModeFull:
	default:
		return &ValidationError{Field: "analysis_mode", Reason: fmt.Sprintf("must be PASS_ONLY or FULL, got %q", p.AnalysisMode)}
	}
	if p.FrequencyThreshold < 0 || p.FrequencyThreshold > 100 {
		return &ValidationError{Field: "frequency_threshold", Reason: "must be between 0 and 100"}
	}
	if p.PathogenicityThreshold < 0 || p.PathogenicityThreshold > 1 {
		return &ValidationError{Field: "pathogenicity_threshold", Reason: "must be between 0 and 1"}
	}
	for _, term := range p.HPOTerms {
		if !hpoTermID.MatchString(term.ID) {
			return &ValidationError{Field: "hpo_terms", Reason: fmt.Sprintf("%q is not an HPO term id", term.ID)}
		}
	}
	return nil
}

// Run reconciles jobs left RUNNING by a previous process and then schedules
// pending jobs until ctx is cancelled. It returns after every worker has
// finished.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Reconcile(ctx); err != nil {
		slog.Error("reconciliation incomplete", "error", err)
	}
	o.refreshPending(ctx)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	defer o.wg.Wait()

	for {
		select {
		case o.slots <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		job, err := o.claimNext(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("claim next job", "error", err)
		}
		if job == nil {
			<-o.slots
			select {
			case <-ctx.Done():
				return nil
			case <-o.wake:
			case <-ticker.C:
				o.refreshPending(ctx)
			}
			continue
		}

		wctx, cancel := context.WithCancelCause(ctx)
		o.track(job.ID, cancel)
		o.wg.Add(1)
		go o.execute(wctx, cancel, job)
	}
}

// claimNext moves the oldest pending job to RUNNING. A job cancelled between
// the read and the swap is skipped.
func (o *Orchestrator) claimNext(ctx context.Context) (*models.Job, error) {
	for ctx.Err() == nil {
		next, err := o.store.NextPending(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		claimed, err := o.store.UpdateJobState(ctx, next.ID, models.JobStatePending, models.JobStateRunning,
			store.WithUpdatedBy(SystemPrincipal))
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		o.metrics.Pending.Dec()
		slog.Info("job started", "job_id", claimed.ID, "subject_ref", claimed.SubjectRef)
		return claimed, nil
	}
	return nil, ctx.Err()
}

func (o *Orchestrator) execute(ctx context.Context, cancel context.CancelCauseFunc, job *models.Job) {
	o.metrics.Running.Inc()
	defer func() {
		cancel(nil)
		o.untrack(job.ID)
		o.metrics.Running.Dec()
		<-o.slots
		o.signal()
		o.wg.Done()
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in job worker", "error", r, "job_id", job.ID)
			o.fail(ctx, job.ID, models.ErrorKindEngineCrashed, fmt.Sprintf("panic: %v", r))
		}
	}()

	ws, err := o.artifacts.Open(job.ID)
	if err != nil {
		o.fail(ctx, job.ID, models.ErrorKindLaunchFailed, fmt.Sprintf("workspace unavailable: %v", err))
		return
	}

	// Intent recorded before this worker was tracked, or by another process.
	go o.watchCancel(ctx, cancel, job.ID)

	var lastProgress int
	req := engine.Request{
		JobID:      job.ID,
		SubjectRef: job.SubjectRef,
		Params:     job.Params,
		CreatedBy:  job.CreatedBy,
		InputPath:  job.InputPath,
		WorkDir:    ws.Dir,
		LogPath:    ws.LogPath,
		SamplePath: ws.SamplePath,
		OnStart: func(pid int) {
			if _, err := o.store.UpdateJobState(ctx, job.ID, models.JobStateRunning, models.JobStateRunning,
				store.WithEnginePID(pid)); err != nil {
				slog.Warn("record engine pid", "job_id", job.ID, "pid", pid, "error", err)
			}
		},
		OnProgress: func(pct int, stage string) {
			if pct <= lastProgress {
				return
			}
			lastProgress = pct
			if err := o.ReportProgress(ctx, job.ID, pct); err != nil {
				slog.Warn("report progress", "job_id", job.ID, "progress", pct, "stage", stage, "error", err)
			}
		},
	}

	var (
		res       engine.Result
		invokeErr error
	)
	if ctx.Err() == nil {
		res, invokeErr = o.engine.Invoke(ctx, req)
		o.metrics.EngineDuration.Observe(res.Duration.Seconds())
	} else {
		res.Cancelled = true
	}

	o.observe(ctx, job, ws, res, invokeErr)
}

// watchCancel polls the repository for a recorded cancel intent.
func (o *Orchestrator) watchCancel(ctx context.Context, cancel context.CancelCauseFunc, id uuid.UUID) {
	check := func() bool {
		j, err := o.store.GetJob(ctx, id)
		if err != nil {
			return false
		}
		if j.CancelRequested {
			cancel(errCancelRequested)
			return true
		}
		return false
	}
	if check() {
		return
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if check() {
				return
			}
		}
	}
}

// observe classifies an engine run and records the terminal state.
func (o *Orchestrator) observe(ctx context.Context, job *models.Job, ws *artifact.Workspace, res engine.Result, invokeErr error) {
	cause := context.Cause(ctx)
	cancelled := errors.Is(cause, errCancelRequested)

	switch {
	case cancelled && (res.Cancelled || invokeErr != nil):
		o.finish(ctx, job.ID, models.JobStateCancelled)
	case invokeErr != nil:
		o.fail(ctx, job.ID, models.ErrorKindLaunchFailed, invokeErr.Error())
	case res.Cancelled:
		dctx, cancel := detached(ctx)
		defer cancel()
		o.interrupt(dctx, job, "orchestrator shut down while the engine was running")
	case res.TimedOut:
		o.fail(ctx, job.ID, models.ErrorKindTimeout, withTail("engine exceeded its time limit", res.StderrTail))
	case !res.Succeeded():
		o.fail(ctx, job.ID, models.ErrorKindEngineCrashed,
			withTail(fmt.Sprintf("engine exited with code %d", res.ExitCode), res.StderrTail))
	default:
		manifest, err := o.artifacts.Finalize(ws)
		if err != nil {
			o.fail(ctx, job.ID, models.ErrorKindOutputMissing, err.Error())
			return
		}
		o.finish(ctx, job.ID, models.JobStateCompleted, store.WithOutputs(manifest.Artifacts))
	}
}

func withTail(msg, tail string) string {
	if tail == "" {
		return msg
	}
	return msg + ": " + tail
}

// detached returns a context that survives cancellation of ctx, so terminal
// states are still written during shutdown.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

func (o *Orchestrator) fail(ctx context.Context, id uuid.UUID, kind, detail string) {
	failure := &EngineFailure{Kind: kind, Detail: detail}
	o.finish(ctx, id, models.JobStateFailed, store.WithError(failure.Kind, failure.Detail))
}

// finish moves a RUNNING job to a terminal state.
func (o *Orchestrator) finish(ctx context.Context, id uuid.UUID, next models.JobState, opts ...store.JobUpdateOption) {
	dctx, cancel := detached(ctx)
	defer cancel()

	opts = append(opts, store.WithUpdatedBy(SystemPrincipal))
	j, err := o.store.UpdateJobState(dctx, id, models.JobStateRunning, next, opts...)
	if err != nil {
		slog.Error("record terminal state", "job_id", id, "state", next, "error", err)
		return
	}
	o.metrics.Finished.WithLabelValues(string(next)).Inc()

	attrs := []any{"job_id", id, "state", next, "duration", j.Duration(o.now())}
	if j.ErrorKind != nil {
		attrs = append(attrs, "error_kind", *j.ErrorKind, "error", *j.ErrorMessage)
		slog.Warn("job finished", attrs...)
		return
	}
	slog.Info("job finished", attrs...)
}

// ReportProgress raises the progress of a RUNNING job. Values below the stored
// one, and jobs that are no longer running, are ignored.
func (o *Orchestrator) ReportProgress(ctx context.Context, id uuid.UUID, percent int) error {
	_, err := o.store.UpdateJobState(ctx, id, models.JobStateRunning, models.JobStateRunning, store.WithProgress(percent))
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

func (o *Orchestrator) track(id uuid.UUID, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running[id] = cancel
}

func (o *Orchestrator) untrack(id uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, id)
}

// signalCancel interrupts the local worker of id, if there is one.
func (o *Orchestrator) signalCancel(id uuid.UUID) bool {
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel(errCancelRequested)
	}
	return ok
}

// signal wakes the scheduling loop without blocking.
func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) refreshPending(ctx context.Context) {
	_, total, err := o.store.ListJobs(ctx, store.JobFilter{States: []models.JobState{models.JobStatePending}, Limit: 1})
	if err != nil {
		return
	}
	o.metrics.Pending.Set(float64(total))
}

func (o *Orchestrator) purge(id uuid.UUID) {
	if err := o.artifacts.Purge(id); err != nil {
		slog.Warn("purge workspace", "job_id", id, "error", err)
	}
}
