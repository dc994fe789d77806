package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

const stderrTailBytes = 4096

// Config describes the engine binary and its supervision limits.
type Config struct {
	Path      string
	ExtraArgs []string
	Timeout   time.Duration
	KillGrace time.Duration
}

// ExecInvoker runs the engine with os/exec. The command line is built from an
// explicit argument vector; no shell is involved.
type ExecInvoker struct {
	cfg Config
}

// NewExecInvoker creates an ExecInvoker.
func NewExecInvoker(cfg Config) *ExecInvoker {
	return &ExecInvoker{cfg: cfg}
}

// Args returns the argument vector passed to the engine for req.
func (e *ExecInvoker) Args(req Request) []string {
	args := []string{
		"--input", req.InputPath,
		"--output-dir", req.WorkDir,
		"--assembly", req.Params.Assembly,
		"--analysis-mode", req.Params.AnalysisMode,
		"--frequency-threshold", strconv.FormatFloat(req.Params.FrequencyThreshold, 'f', -1, 64),
		"--pathogenicity-threshold", strconv.FormatFloat(req.Params.PathogenicityThreshold, 'f', -1, 64),
		"--sample", req.SamplePath,
	}
	return append(args, e.cfg.ExtraArgs...)
}

// Invoke implements Invoker.
func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	if err := WritePhenopacket(req.SamplePath, SampleFromRequest(req, time.Now().UTC())); err != nil {
		return Result{}, fmt.Errorf("write sample file: %w", err)
	}

	logFile, err := os.OpenFile(req.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return Result{}, fmt.Errorf("open engine log: %w", err)
	}
	defer logFile.Close()

	stdout := newHeartbeatWriter(logFile, req.OnProgress)
	stderr := newTailWriter(logFile, stderrTailBytes)

	cmd := exec.Command(e.cfg.Path, e.Args(req)...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Stops Wait from blocking on pipes held open by engine grandchildren.
	cmd.WaitDelay = e.cfg.KillGrace + time.Second
	configureProcess(cmd)

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start engine: %w", err)
	}
	pid := cmd.Process.Pid
	slog.Info("engine started", "job_id", req.JobID, "pid", pid)
	if req.OnStart != nil {
		req.OnStart(pid)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	timeout := e.cfg.Timeout
	if timeout <= 0 {
		timeout = 24 * time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var (
		waitErr error
		res     Result
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		res.TimedOut = true
		slog.Warn("engine timed out, terminating", "job_id", req.JobID, "pid", pid, "timeout", timeout)
		waitErr = e.terminate(pid, done)
	case <-ctx.Done():
		res.Cancelled = true
		slog.Info("engine run cancelled, terminating", "job_id", req.JobID, "pid", pid,
			"cause", context.Cause(ctx))
		waitErr = e.terminate(pid, done)
	}
	stdout.Flush()

	res.Duration = time.Since(started)
	res.StderrTail = stderr.Tail()
	res.ExitCode = exitCode(cmd, waitErr)
	return res, nil
}

// terminate sends SIGTERM to the engine's process group, escalates to SIGKILL
// after the grace period and returns once the child has been reaped.
func (e *ExecInvoker) terminate(pid int, done <-chan error) error {
	if err := signalGroup(pid, false); err != nil {
		slog.Warn("engine terminate signal failed", "pid", pid, "error", err)
	}
	grace := time.NewTimer(e.cfg.KillGrace)
	defer grace.Stop()

	select {
	case err := <-done:
		return err
	case <-grace.C:
	}
	if err := signalGroup(pid, true); err != nil {
		slog.Warn("engine kill signal failed", "pid", pid, "error", err)
	}
	return <-done
}

func exitCode(cmd *exec.Cmd, waitErr error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if waitErr != nil {
		return -1
	}
	return 0
}
