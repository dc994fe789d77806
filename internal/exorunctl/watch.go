package exorunctl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/internal/client"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

var (
	ErrJobFailed    = errors.New("job failed")
	ErrJobCancelled = errors.New("job cancelled")
)

// Watch polls the status of jobID until it reaches a terminal state. It
// returns nil for COMPLETED, and an error wrapping ErrJobFailed or
// ErrJobCancelled otherwise.
func (a *App) Watch(ctx context.Context, jobID uuid.UUID) error {
	fmt.Fprintf(a.Out, "Watching job %s\n", jobID)

	ticker := time.NewTicker(a.Params.Interval)
	defer ticker.Stop()

	var last string
	for {
		view, err := a.fetchStatus(ctx, jobID)
		if err != nil {
			return err
		}

		line := a.summary(ctx, view)
		if line != last {
			fmt.Fprintf(a.Out, "%s | %s\n", time.Now().Format(time.Stamp), line)
			last = line
		}

		switch view.State {
		case models.JobStateCompleted:
			for _, o := range view.Outputs {
				fmt.Fprintf(a.Out, "  %s\t%d bytes\tsha256:%s\n", o.Name, o.SizeBytes, o.SHA256)
			}
			return nil
		case models.JobStateFailed:
			kind, msg := "", ""
			if view.ErrorKind != nil {
				kind = *view.ErrorKind
			}
			if view.ErrorMessage != nil {
				msg = *view.ErrorMessage
			}
			return fmt.Errorf("%w: %s: %s", ErrJobFailed, kind, msg)
		case models.JobStateCancelled:
			return ErrJobCancelled
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *App) summary(ctx context.Context, v *models.StatusView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %3d%%", strings.ToUpper(string(v.State)), v.ProgressPercent)
	if v.CancelRequested && v.State == models.JobStateRunning {
		b.WriteString(" (cancelling)")
	}
	if v.EnginePID == nil || a.SampleUsage == nil {
		return b.String()
	}
	fmt.Fprintf(&b, " | pid %d", *v.EnginePID)
	// The pid is only meaningful when watching from the orchestrator host.
	if u, err := a.SampleUsage(ctx, *v.EnginePID); err == nil {
		fmt.Fprintf(&b, " cpu %.1f%% rss %s threads %d", u.CPUPercent, formatBytes(u.RSSBytes), u.Threads)
	}
	return b.String()
}

// fetchStatus reads one status view, retrying transport errors and 5xx responses.
func (a *App) fetchStatus(ctx context.Context, jobID uuid.UUID) (*models.StatusView, error) {
	api := a.api()

	var view *models.StatusView
	err := retry.Do(
		func() error {
			v, err := api.GetJob(ctx, jobID)
			if err != nil {
				return err
			}
			view = v
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) {
				return apiErr.Status >= http.StatusInternalServerError
			}
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}),
	)
	return view, err
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
