// Package enginetest provides an in-process engine.Invoker for tests.
package enginetest

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/kiranshivaraju/exorun/internal/engine"
)

// FakePID is reported to OnStart by the constructors below.
const FakePID = 424242

// Fake satisfies engine.Invoker for testing.
type Fake struct {
	InvokeFunc func(ctx context.Context, req engine.Request) (engine.Result, error)

	mu    sync.Mutex
	calls []engine.Request
	// Started receives every request once OnStart has been called.
	Started chan engine.Request
}

func (f *Fake) Invoke(ctx context.Context, req engine.Request) (engine.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.InvokeFunc == nil {
		return engine.Result{}, nil
	}
	return f.InvokeFunc(ctx, req)
}

// Calls returns the requests seen so far, in invocation order.
func (f *Fake) Calls() []engine.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Request(nil), f.calls...)
}

func (f *Fake) started(req engine.Request) {
	if req.OnStart != nil {
		req.OnStart(FakePID)
	}
	if f.Started != nil {
		f.Started <- req
	}
}

// NewSucceeding returns a Fake that reports progress, writes every named
// output into the workspace and exits 0.
func NewSucceeding(outputs ...string) *Fake {
	f := &Fake{Started: make(chan engine.Request, 64)}
	f.InvokeFunc = func(_ context.Context, req engine.Request) (engine.Result, error) {
		f.started(req)
		for _, pct := range []int{10, 50, 90} {
			if req.OnProgress != nil {
				req.OnProgress(pct, "analysing")
			}
		}
		for _, name := range outputs {
			if err := os.WriteFile(filepath.Join(req.WorkDir, name), []byte("result: "+name+"\n"), 0o600); err != nil {
				return engine.Result{ExitCode: 1, StderrTail: err.Error()}, nil
			}
		}
		return engine.Result{ExitCode: 0}, nil
	}
	return f
}

// NewFailing returns a Fake whose engine exits with code and stderr.
func NewFailing(code int, stderr string) *Fake {
	f := &Fake{Started: make(chan engine.Request, 64)}
	f.InvokeFunc = func(_ context.Context, req engine.Request) (engine.Result, error) {
		f.started(req)
		return engine.Result{ExitCode: code, StderrTail: stderr}, nil
	}
	return f
}

// NewLaunchFailing returns a Fake that cannot start the engine.
func NewLaunchFailing(err error) *Fake {
	return &Fake{
		InvokeFunc: func(_ context.Context, _ engine.Request) (engine.Result, error) {
			return engine.Result{}, err
		},
	}
}

// NewBlocking returns a Fake whose engine runs until the context is cancelled.
func NewBlocking() *Fake {
	f := &Fake{Started: make(chan engine.Request, 64)}
	f.InvokeFunc = func(ctx context.Context, req engine.Request) (engine.Result, error) {
		f.started(req)
		<-ctx.Done()
		return engine.Result{ExitCode: -1, Cancelled: true}, nil
	}
	return f
}

// NewTimingOut returns a Fake whose engine overruns its deadline.
func NewTimingOut() *Fake {
	f := &Fake{Started: make(chan engine.Request, 64)}
	f.InvokeFunc = func(_ context.Context, req engine.Request) (engine.Result, error) {
		f.started(req)
		return engine.Result{ExitCode: -1, TimedOut: true, StderrTail: "terminated"}, nil
	}
	return f
}

// Compile-time check that Fake implements Invoker.
var _ engine.Invoker = (*Fake)(nil)
