package exorunctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/internal/client"
	"github.com/kiranshivaraju/exorun/internal/engine"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/kiranshivaraju/exorun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// statusServer replays one response per request; the last one repeats.
type statusServer struct {
	mu        sync.Mutex
	responses []func(w http.ResponseWriter)
	requests  int
	authz     string
}

func (s *statusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authz = r.Header.Get("Authorization")
	i := s.requests
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.requests++
	s.responses[i](w)
}

func viewResponse(v models.StatusView) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
	}
}

func errorResponse(status int, code string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"code": code, "message": "nope"}})
	}
}

func newTestApp(t *testing.T, srv *statusServer) (*App, *bytes.Buffer) {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	var out bytes.Buffer
	a := New()
	a.Out = &out
	a.Params.Server = ts.URL + "/"
	a.Params.APIKey = "ex_test_key"
	a.Params.Interval = 10 * time.Millisecond
	a.SampleUsage = func(_ context.Context, pid int) (*engine.Usage, error) {
		return &engine.Usage{PID: pid, CPUPercent: 12.5, RSSBytes: 512 << 20, Threads: 8}, nil
	}
	return a, &out
}

func strPtr(s string) *string { return &s }

func TestWatch_Completed(t *testing.T) {
	id := uuid.New()
	pid := 4242
	srv := &statusServer{responses: []func(http.ResponseWriter){
		viewResponse(models.StatusView{JobID: id, State: models.JobStatePending}),
		viewResponse(models.StatusView{JobID: id, State: models.JobStateRunning, ProgressPercent: 40, EnginePID: &pid}),
		viewResponse(models.StatusView{JobID: id, State: models.JobStateCompleted, ProgressPercent: 100,
			Outputs: []models.Artifact{{Name: "output.html", SizeBytes: 2048, SHA256: "abc"}}}),
	}}
	a, out := newTestApp(t, srv)

	require.NoError(t, a.Watch(context.Background(), id))

	text := out.String()
	assert.Contains(t, text, "PENDING   0%")
	assert.Contains(t, text, "RUNNING  40% | pid 4242 cpu 12.5% rss 512.0MiB threads 8")
	assert.Contains(t, text, "COMPLETED 100%")
	assert.Contains(t, text, "output.html\t2048 bytes\tsha256:abc")
	assert.Equal(t, "Bearer ex_test_key", srv.authz)
	assert.Equal(t, 3, srv.requests)
}

func TestWatch_RemoteEngineHasNoUsage(t *testing.T) {
	id := uuid.New()
	pid := 4242
	srv := &statusServer{responses: []func(http.ResponseWriter){
		viewResponse(models.StatusView{JobID: id, State: models.JobStateRunning, ProgressPercent: 10, EnginePID: &pid}),
		viewResponse(models.StatusView{JobID: id, State: models.JobStateCompleted, ProgressPercent: 100}),
	}}
	a, out := newTestApp(t, srv)
	a.SampleUsage = func(context.Context, int) (*engine.Usage, error) {
		return nil, errors.New("process not found")
	}

	require.NoError(t, a.Watch(context.Background(), id))
	assert.Contains(t, out.String(), "RUNNING  10% | pid 4242\n")
}

func TestWatch_Failed(t *testing.T) {
	id := uuid.New()
	srv := &statusServer{responses: []func(http.ResponseWriter){
		viewResponse(models.StatusView{JobID: id, State: models.JobStateFailed,
			ErrorKind: strPtr(models.ErrorKindTimeout), ErrorMessage: strPtr("engine exceeded its time limit")}),
	}}
	a, _ := newTestApp(t, srv)

	err := a.Watch(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobFailed)
	assert.Contains(t, err.Error(), "timeout")
}

func TestWatch_Cancelled(t *testing.T) {
	id := uuid.New()
	srv := &statusServer{responses: []func(http.ResponseWriter){
		viewResponse(models.StatusView{JobID: id, State: models.JobStateRunning, CancelRequested: true}),
		viewResponse(models.StatusView{JobID: id, State: models.JobStateCancelled}),
	}}
	a, out := newTestApp(t, srv)

	err := a.Watch(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobCancelled)
	assert.Contains(t, out.String(), "(cancelling)")
}

func TestWatch_NotFoundIsNotRetried(t *testing.T) {
	srv := &statusServer{responses: []func(http.ResponseWriter){
		errorResponse(http.StatusNotFound, "JOB_NOT_FOUND"),
	}}
	a, _ := newTestApp(t, srv)

	err := a.Watch(context.Background(), uuid.New())
	require.Error(t, err)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "JOB_NOT_FOUND", apiErr.Code)
	assert.Equal(t, 1, srv.requests)
}

func TestWatch_RetriesServerErrors(t *testing.T) {
	id := uuid.New()
	srv := &statusServer{responses: []func(http.ResponseWriter){
		errorResponse(http.StatusServiceUnavailable, "INFRASTRUCTURE_UNAVAILABLE"),
		viewResponse(models.StatusView{JobID: id, State: models.JobStateCompleted, ProgressPercent: 100}),
	}}
	a, _ := newTestApp(t, srv)

	require.NoError(t, a.Watch(context.Background(), id))
	assert.Equal(t, 2, srv.requests)
}

func TestWatch_StopsOnContextCancel(t *testing.T) {
	id := uuid.New()
	srv := &statusServer{responses: []func(http.ResponseWriter){
		viewResponse(models.StatusView{JobID: id, State: models.JobStatePending}),
	}}
	a, _ := newTestApp(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := a.Watch(ctx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeygen(t *testing.T) {
	mem, err := store.NewMemoryStore()
	require.NoError(t, err)

	var out bytes.Buffer
	a := New()
	a.Out = &out
	released := false
	a.OpenKeyStore = func(context.Context) (KeyCreator, func(), error) {
		return mem, func() { released = true }, nil
	}

	require.NoError(t, a.Keygen(context.Background(), "sequencing-lab", []string{models.ScopeSubmit}))
	assert.True(t, released)

	raw := regexp.MustCompile(`ex_[0-9a-f]{40}`).FindString(out.String())
	require.NotEmpty(t, raw, out.String())
	assert.Contains(t, out.String(), `Created API key "sequencing-lab"`)

	keys, err := mem.GetAPIKeyByPrefix(context.Background(), raw[:8])
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, []string{"submit"}, keys[0].Scopes)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(keys[0].KeyHash), []byte(raw)))
}

func TestKeygen_InvalidScope(t *testing.T) {
	a := New()
	a.Out = &bytes.Buffer{}
	a.OpenKeyStore = func(context.Context) (KeyCreator, func(), error) {
		t.Fatal("store must not be opened for an invalid request")
		return nil, nil, nil
	}

	assert.Error(t, a.Keygen(context.Background(), "lab", []string{"write"}))
}

func TestKeygen_RequiresDatabaseURL(t *testing.T) {
	a := New()
	a.Out = &bytes.Buffer{}

	err := a.Keygen(context.Background(), "lab", []string{models.ScopeRead})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database URL is required")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512B", formatBytes(512))
	assert.Equal(t, "1.5KiB", formatBytes(1536))
	assert.Equal(t, "2.0GiB", formatBytes(2<<30))
}
