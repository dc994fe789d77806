package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ProcessAlive reports whether pid is running with workDir as its working
// directory. A pid whose working directory cannot be read is treated as not
// ours, so a recycled pid is never signalled.
func ProcessAlive(ctx context.Context, pid int, workDir string) bool {
	if pid <= 0 {
		return false
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	cwd, err := p.CwdWithContext(ctx)
	if err != nil {
		return false
	}
	return filepath.Clean(cwd) == filepath.Clean(workDir)
}

// TerminateOrphan stops an engine left behind by a previous server process:
// SIGTERM to its group, then SIGKILL once grace has passed.
func TerminateOrphan(ctx context.Context, pid int, grace time.Duration) error {
	if err := signalGroup(pid, false); err != nil {
		return fmt.Errorf("terminate orphan %d: %w", pid, err)
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		exists, err := process.PidExistsWithContext(ctx, int32(pid))
		if err == nil && !exists {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if err := signalGroup(pid, true); err != nil {
		return fmt.Errorf("kill orphan %d: %w", pid, err)
	}
	return nil
}

// Usage is a point-in-time resource sample of an engine process.
type Usage struct {
	PID        int     `json:"pid"`
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
	Threads    int32   `json:"threads"`
	Status     string  `json:"status"`
}

// SampleUsage reads CPU, memory and thread figures for pid.
func SampleUsage(ctx context.Context, pid int) (*Usage, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, fmt.Errorf("find process %d: %w", pid, err)
	}

	u := &Usage{PID: pid}
	if u.CPUPercent, err = p.CPUPercentWithContext(ctx); err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("memory info: %w", err)
	}
	u.RSSBytes = mem.RSS
	if u.Threads, err = p.NumThreadsWithContext(ctx); err != nil {
		return nil, fmt.Errorf("threads: %w", err)
	}
	if status, err := p.StatusWithContext(ctx); err == nil && len(status) > 0 {
		u.Status = status[0]
	}
	return u, nil
}
