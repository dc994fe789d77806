package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/exorun/internal/store"
	"github.com/kiranshivaraju/exorun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("exorun_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// forEachStore runs fn against the in-memory store and, unless -short is set,
// against Postgres in a container.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		s, err := store.NewMemoryStore()
		require.NoError(t, err)
		fn(t, s)
	})

	t.Run("postgres", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, store.NewPostgresStore(setupTestDB(t)))
	})
}

func newPendingJob(subject string, createdAt time.Time) *models.Job {
	id := uuid.Must(uuid.NewV7())
	return &models.Job{
		ID:          id,
		SubjectRef:  subject,
		Name:        "sample.vcf",
		Description: "nightly panel",
		InputName:   "sample.vcf",
		InputPath:   "/data/" + id.String() + "/input.vcf",
		Workspace:   "/data/" + id.String(),
		Params: models.Params{
			Assembly:               models.AssemblyHG38,
			AnalysisMode:           models.AnalysisModePassOnly,
			FrequencyThreshold:     1.0,
			PathogenicityThreshold: 0.5,
			HPOTerms:               []models.PhenotypeTerm{{ID: "HP:0001250", Label: "Seizure"}},
		},
		State:     models.JobStatePending,
		CreatedBy: "tester",
		UpdatedBy: "tester",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func baseTime() time.Time {
	return time.Date(2025, 9, 23, 4, 0, 0, 0, time.UTC)
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      "test-key",
			KeyHash:   "bcrypt-hash-here",
			KeyPrefix: "ex_abcde",
			Scopes:    []string{models.ScopeSubmit, models.ScopeRead},
			CreatedAt: now,
			UpdatedAt: now,
		}

		require.NoError(t, s.CreateAPIKey(ctx, key))

		keys, err := s.GetAPIKeyByPrefix(ctx, "ex_abcde")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, key.ID, keys[0].ID)
		assert.Equal(t, "test-key", keys[0].Name)
		assert.ElementsMatch(t, key.Scopes, keys[0].Scopes)

		none, err := s.GetAPIKeyByPrefix(ctx, "ex_zzzzz")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestAPIKey_DuplicateID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		key := &models.APIKey{
			ID: uuid.New(), Name: "a", KeyHash: "h1", KeyPrefix: "ex_11111",
			Scopes: []string{models.ScopeRead}, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateAPIKey(ctx, key))

		dup := *key
		dup.KeyHash = "h2"
		err := s.CreateAPIKey(ctx, &dup)
		assert.ErrorIs(t, err, store.ErrDuplicateKey)
	})
}

func TestAPIKey_UpdateLastUsed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		key := &models.APIKey{
			ID: uuid.New(), Name: "a", KeyHash: "h", KeyPrefix: "ex_22222",
			Scopes: []string{models.ScopeRead}, CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreateAPIKey(ctx, key))
		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))

		keys, err := s.GetAPIKeyByPrefix(ctx, "ex_22222")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.NotNil(t, keys[0].LastUsedAt)
	})
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "P0001", got.SubjectRef)
		assert.Equal(t, "sample.vcf", got.Name)
		assert.Equal(t, "nightly panel", got.Description)
		assert.Equal(t, models.JobStatePending, got.State)
		assert.Equal(t, job.Params, got.Params)
		assert.Nil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
		assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	})
}

func TestJob_CreateDuplicate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))
		assert.ErrorIs(t, s.CreateJob(ctx, job), store.ErrDuplicateKey)
	})
}

func TestJob_GetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.GetJob(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_SnapshotsAreIsolated(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		got.State = models.JobStateFailed
		got.Params.HPOTerms[0].Label = "mutated"

		again, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatePending, again.State)
		assert.Equal(t, "Seizure", again.Params.HPOTerms[0].Label)
	})
}

func TestJob_NextPendingIsFIFO(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		_, err := s.NextPending(ctx)
		assert.ErrorIs(t, err, store.ErrNotFound)

		second := newPendingJob("P0002", baseTime().Add(time.Second))
		first := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, second))
		require.NoError(t, s.CreateJob(ctx, first))

		next, err := s.NextPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, first.ID, next.ID)

		_, err = s.UpdateJobState(ctx, first.ID, models.JobStatePending, models.JobStateRunning)
		require.NoError(t, err)

		next, err = s.NextPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, second.ID, next.ID)
	})
}

func TestJob_CountActive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		a := newPendingJob("P0001", baseTime())
		b := newPendingJob("P0002", baseTime().Add(time.Second))
		c := newPendingJob("P0003", baseTime().Add(2*time.Second))
		for _, j := range []*models.Job{a, b, c} {
			require.NoError(t, s.CreateJob(ctx, j))
		}
		_, err := s.UpdateJobState(ctx, a.ID, models.JobStatePending, models.JobStateRunning)
		require.NoError(t, err)
		_, err = s.UpdateJobState(ctx, c.ID, models.JobStatePending, models.JobStateCancelled)
		require.NoError(t, err)

		n, err := s.CountActive(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestJob_PendingToRunningSetsStartedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.UpdateJobState(ctx, job.ID, models.JobStatePending, models.JobStateRunning,
			store.WithUpdatedBy("orchestrator"))
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRunning, got.State)
		assert.NotNil(t, got.StartedAt)
		assert.Nil(t, got.CompletedAt)
		assert.Equal(t, "orchestrator", got.UpdatedBy)
	})
}

func TestJob_RunningInPlaceUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJobState(ctx, job.ID, models.JobStatePending, models.JobStateRunning)
		require.NoError(t, err)

		got, err := s.UpdateJobState(ctx, job.ID, models.JobStateRunning, models.JobStateRunning,
			store.WithEnginePID(4242), store.WithProgress(40))
		require.NoError(t, err)
		require.NotNil(t, got.EnginePID)
		assert.Equal(t, 4242, *got.EnginePID)
		assert.Equal(t, 40, got.ProgressPercent)

		// progress never decreases
		got, err = s.UpdateJobState(ctx, job.ID, models.JobStateRunning, models.JobStateRunning,
			store.WithProgress(10))
		require.NoError(t, err)
		assert.Equal(t, 40, got.ProgressPercent)

		got, err = s.UpdateJobState(ctx, job.ID, models.JobStateRunning, models.JobStateRunning,
			store.WithCancelRequested())
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)
		assert.Equal(t, models.JobStateRunning, got.State)
	})
}

func TestJob_RunningToCompleted(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJobState(ctx, job.ID, models.JobStatePending, models.JobStateRunning)
		require.NoError(t, err)

		outputs := []models.Artifact{{Name: "output.tsv", Path: "/data/x/output.tsv", SizeBytes: 12, SHA256: "ab"}}
		got, err := s.UpdateJobState(ctx, job.ID, models.JobStateRunning, models.JobStateCompleted,
			store.WithOutputs(outputs))
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCompleted, got.State)
		assert.Equal(t, 100, got.ProgressPercent)
		assert.NotNil(t, got.CompletedAt)
		assert.Equal(t, outputs, got.Outputs)

		reread, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, outputs, reread.Outputs)
	})
}

func TestJob_RunningToFailedFreezesProgress(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJobState(ctx, job.ID, models.JobStatePending, models.JobStateRunning)
		require.NoError(t, err)
		_, err = s.UpdateJobState(ctx, job.ID, models.JobStateRunning, models.JobStateRunning, store.WithProgress(55))
		require.NoError(t, err)

		got, err := s.UpdateJobState(ctx, job.ID, models.JobStateRunning, models.JobStateFailed,
			store.WithError(models.ErrorKindEngineCrashed, "exit status 3"))
		require.NoError(t, err)
		assert.Equal(t, 55, got.ProgressPercent)
		require.NotNil(t, got.ErrorKind)
		assert.Equal(t, models.ErrorKindEngineCrashed, *got.ErrorKind)
		require.NotNil(t, got.ErrorMessage)
		assert.Equal(t, "exit status 3", *got.ErrorMessage)
		assert.NotNil(t, got.CompletedAt)
	})
}

func TestJob_ConflictWhenStateMoved(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))
		_, err := s.UpdateJobState(ctx, job.ID, models.JobStatePending, models.JobStateCancelled)
		require.NoError(t, err)

		_, err = s.UpdateJobState(ctx, job.ID, models.JobStatePending, models.JobStateRunning)
		assert.ErrorIs(t, err, store.ErrConflict)
	})
}

func TestJob_InvalidTransition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newPendingJob("P0001", baseTime())
		require.NoError(t, s.CreateJob(ctx, job))

		_, err := s.UpdateJobState(ctx, job.ID, models.JobStatePending, models.JobStateCompleted)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = s.UpdateJobState(ctx, job.ID, models.JobStateCancelled, models.JobStatePending)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestJob_UpdateNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.UpdateJobState(context.Background(), uuid.New(), models.JobStatePending, models.JobStateRunning)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// Exactly one of a concurrent claim and a concurrent cancel may win.
func TestJob_ConcurrentClaimAndCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		for i := 0; i < 20; i++ {
			job := newPendingJob("P0001", baseTime().Add(time.Duration(i)*time.Second))
			require.NoError(t, s.CreateJob(ctx, job))

			var wg sync.WaitGroup
			errs := make([]error, 2)
			targets := []models.JobState{models.JobStateRunning, models.JobStateCancelled}
			for k, next := range targets {
				wg.Add(1)
				go func(k int, next models.JobState) {
					defer wg.Done()
					_, errs[k] = s.UpdateJobState(ctx, job.ID, models.JobStatePending, next)
				}(k, next)
			}
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				assert.True(t, errors.Is(err, store.ErrConflict), "unexpected error: %v", err)
			}
			assert.Equal(t, 1, wins)

			got, err := s.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Contains(t, targets, got.State)
		}
	})
}

func TestJob_ListFiltersAndPaginates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			subject := "P0001"
			if i%2 == 1 {
				subject = "P0002"
			}
			job := newPendingJob(subject, baseTime().Add(time.Duration(i)*time.Minute))
			require.NoError(t, s.CreateJob(ctx, job))
			ids = append(ids, job.ID)
		}
		_, err := s.UpdateJobState(ctx, ids[0], models.JobStatePending, models.JobStateRunning)
		require.NoError(t, err)

		all, total, err := s.ListJobs(ctx, store.JobFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, all, 5)
		assert.Equal(t, ids[4], all[0].ID, "newest first")

		subj, total, err := s.ListJobs(ctx, store.JobFilter{SubjectRef: "P0002"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, subj, 2)

		running, total, err := s.ListJobs(ctx, store.JobFilter{States: []models.JobState{models.JobStateRunning}})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, running, 1)
		assert.Equal(t, ids[0], running[0].ID)

		page2, total, err := s.ListJobs(ctx, store.JobFilter{Page: 2, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, page2, 2)
		assert.Equal(t, ids[2], page2[0].ID)

		past, _, err := s.ListJobs(ctx, store.JobFilter{Page: 10, Limit: 2})
		require.NoError(t, err)
		assert.Empty(t, past)
	})
}
