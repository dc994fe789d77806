package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, subject_ref, name, description, input_name, input_path, workspace,
	assembly, analysis_mode, frequency_threshold, pathogenicity_threshold, hpo_terms,
	state, progress_percent, cancel_requested, engine_pid, outputs, error_kind, error_message,
	retry_of, started_at, completed_at, created_by, updated_by, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j       models.Job
		hpo     []byte
		outputs []byte
		state   string
	)
	err := row.Scan(&j.ID, &j.SubjectRef, &j.Name, &j.Description, &j.InputName, &j.InputPath, &j.Workspace,
		&j.Params.Assembly, &j.Params.AnalysisMode, &j.Params.FrequencyThreshold,
		&j.Params.PathogenicityThreshold, &hpo,
		&state, &j.ProgressPercent, &j.CancelRequested, &j.EnginePID, &outputs,
		&j.ErrorKind, &j.ErrorMessage, &j.RetryOf, &j.StartedAt, &j.CompletedAt,
		&j.CreatedBy, &j.UpdatedBy, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.State = models.JobState(state)
	if err := json.Unmarshal(hpo, &j.Params.HPOTerms); err != nil {
		return nil, fmt.Errorf("decode hpo_terms: %w", err)
	}
	if err := json.Unmarshal(outputs, &j.Outputs); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	if len(j.Params.HPOTerms) == 0 {
		j.Params.HPOTerms = nil
	}
	if len(j.Outputs) == 0 {
		j.Outputs = nil
	}
	return &j, nil
}

func encodeJSONList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	b, err := json.Marshal(v)
	return string(b), err
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	hpo, err := encodeJSONList(job.Params.HPOTerms)
	if err != nil {
		return fmt.Errorf("encode hpo_terms: %w", err)
	}
	outputs, err := encodeJSONList(job.Outputs)
	if err != nil {
		return fmt.Errorf("encode outputs: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		         $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
		job.ID, job.SubjectRef, job.Name, job.Description, job.InputName, job.InputPath, job.Workspace,
		job.Params.Assembly, job.Params.AnalysisMode, job.Params.FrequencyThreshold,
		job.Params.PathogenicityThreshold, hpo,
		string(job.State), job.ProgressPercent, job.CancelRequested, job.EnginePID, outputs,
		job.ErrorKind, job.ErrorMessage, job.RetryOf, job.StartedAt, job.CompletedAt,
		job.CreatedBy, job.UpdatedBy, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	// Build WHERE clause dynamically
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("state = ANY($%d)", argIdx))
		args = append(args, states)
		argIdx++
	}
	if filter.SubjectRef != "" {
		conditions = append(conditions, fmt.Sprintf("subject_ref = $%d", argIdx))
		args = append(args, filter.SubjectRef)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := filter.normalize()
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) NextPending(ctx context.Context) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = 'pending' ORDER BY created_at, id LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE state IN ('pending', 'running')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// UpdateJobState locks the row, compares its state with expected and writes the
// transition in the same transaction.
func (s *PostgresStore) UpdateJobState(ctx context.Context, id uuid.UUID, expected, next models.JobState, opts ...JobUpdateOption) (*models.Job, error) {
	if !models.CanTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	params := newJobUpdateParams(opts)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update job state: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	j, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job for update: %w", err)
	}
	if j.State != expected {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, id, j.State, expected)
	}

	params.apply(j, next, time.Now().UTC().Truncate(time.Microsecond))

	outputs, err := encodeJSONList(j.Outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET state = $2, progress_percent = $3, cancel_requested = $4, engine_pid = $5,
		   outputs = $6, error_kind = $7, error_message = $8, started_at = $9, completed_at = $10,
		   updated_by = $11, updated_at = $12
		 WHERE id = $1`,
		id, string(j.State), j.ProgressPercent, j.CancelRequested, j.EnginePID,
		outputs, j.ErrorKind, j.ErrorMessage, j.StartedAt, j.CompletedAt,
		j.UpdatedBy, j.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update job state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job state: %w", err)
	}
	return j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
