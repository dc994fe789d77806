package models

import (
	"time"

	"github.com/google/uuid"
)

// StatusView is the read-only projection of a job served to pollers.
type StatusView struct {
	JobID           uuid.UUID  `json:"job_id"`
	SubjectRef      string     `json:"subject_ref"`
	Name            string     `json:"name"`
	Description     string     `json:"description,omitempty"`
	InputName       string     `json:"input_name"`
	State           JobState   `json:"state"`
	ProgressPercent int        `json:"progress_percent"`
	CancelRequested bool       `json:"cancel_requested"`
	Params          Params     `json:"params"`
	ErrorKind       *string    `json:"error_kind,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Outputs         []Artifact `json:"outputs,omitempty"`
	EnginePID       *int       `json:"engine_pid,omitempty"`
	RetryOf         *uuid.UUID `json:"retry_of,omitempty"`
	CreatedBy       string     `json:"created_by"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
}
