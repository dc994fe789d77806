// Package engine runs the external variant interpretation engine as a child
// process and supervises it until it exits, times out or is cancelled.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

// Invoker runs the engine for one job.
//
// The returned error is reserved for failures to launch the process at all.
// Once the process has started, every outcome is described by Result and the
// process has been reaped before Invoke returns.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Request carries everything one engine run needs.
type Request struct {
	JobID      uuid.UUID
	SubjectRef string
	Params     models.Params
	CreatedBy  string

	InputPath  string
	WorkDir    string
	LogPath    string
	SamplePath string

	// OnStart is called with the engine pid right after the process starts.
	OnStart func(pid int)
	// OnProgress is called for every progress heartbeat the engine prints.
	OnProgress func(percent int, stage string)
}

// Result describes how an engine run ended.
type Result struct {
	ExitCode   int
	TimedOut   bool
	Cancelled  bool
	StderrTail string
	Duration   time.Duration
}

// Succeeded reports a clean exit that was neither timed out nor cancelled.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0 && !r.TimedOut && !r.Cancelled
}
