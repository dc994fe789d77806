// Package models contains shared data models used across the exorun codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of an analysis job.
type JobState string

const (
	JobStatePending   JobState = "pending"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known states.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateRunning, JobStateCompleted, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows from -> to.
// running -> running is the in-place update used for progress, pid and cancel intent.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStatePending:
		return to == JobStateRunning || to == JobStateCancelled
	case JobStateRunning:
		return to == JobStateRunning || to == JobStateCompleted ||
			to == JobStateFailed || to == JobStateCancelled
	default:
		return false
	}
}

// Engine failure kinds recorded in Job.ErrorKind.
const (
	ErrorKindEngineCrashed = "engine_crashed"
	ErrorKindTimeout       = "timeout"
	ErrorKindOutputMissing = "output_missing"
	ErrorKindLaunchFailed  = "launch_failed"
	ErrorKindInterrupted   = "interrupted"
)

// Job is one request to run the analysis engine on one input with one parameter set.
// Rows are mutated only by the orchestrator and never deleted by normal operation.
type Job struct {
	ID              uuid.UUID  `db:"id"               json:"id"`
	SubjectRef      string     `db:"subject_ref"      json:"subject_ref"`
	Name            string     `db:"name"             json:"name"`
	Description     string     `db:"description"      json:"description,omitempty"`
	InputName       string     `db:"input_name"       json:"input_name"`
	InputPath       string     `db:"input_path"       json:"input_path"`
	Workspace       string     `db:"workspace"        json:"workspace"`
	Params          Params     `db:"-"                json:"params"`
	State           JobState   `db:"state"            json:"state"`
	ProgressPercent int        `db:"progress_percent" json:"progress_percent"`
	CancelRequested bool       `db:"cancel_requested" json:"cancel_requested"`
	EnginePID       *int       `db:"engine_pid"       json:"engine_pid,omitempty"`
	Outputs         []Artifact `db:"outputs"          json:"outputs,omitempty"`
	ErrorKind       *string    `db:"error_kind"       json:"error_kind,omitempty"`
	ErrorMessage    *string    `db:"error_message"    json:"error_message,omitempty"`
	RetryOf         *uuid.UUID `db:"retry_of"         json:"retry_of,omitempty"`
	StartedAt       *time.Time `db:"started_at"       json:"started_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	CreatedBy       string     `db:"created_by"       json:"created_by"`
	UpdatedBy       string     `db:"updated_by"       json:"updated_by"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"       json:"updated_at"`
}

// Duration is the engine wall time so far: completed-started for finished jobs,
// now-started while running, zero before start.
func (j *Job) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}

// Clone returns a deep copy so snapshots handed out by a store cannot be mutated by callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Params.HPOTerms = append([]PhenotypeTerm(nil), j.Params.HPOTerms...)
	if j.Outputs != nil {
		c.Outputs = append([]Artifact(nil), j.Outputs...)
	}
	if j.EnginePID != nil {
		pid := *j.EnginePID
		c.EnginePID = &pid
	}
	if j.ErrorKind != nil {
		k := *j.ErrorKind
		c.ErrorKind = &k
	}
	if j.ErrorMessage != nil {
		m := *j.ErrorMessage
		c.ErrorMessage = &m
	}
	if j.RetryOf != nil {
		r := *j.RetryOf
		c.RetryOf = &r
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Artifact is one finalized output file of a completed job.
type Artifact struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}
