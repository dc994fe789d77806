package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-memdb"
	"github.com/kiranshivaraju/exorun/pkg/models"
)

const (
	tableJobs    = "jobs"
	tableAPIKeys = "api_keys"

	indexID     = "id"
	indexState  = "state"
	indexPrefix = "prefix"
)

// jobRecord is the memdb row for a job. Records are never mutated after insert;
// updates insert a fresh record holding a cloned job.
type jobRecord struct {
	Key   string
	State string
	Job   *models.Job
}

type apiKeyRecord struct {
	Key    string
	Prefix string
	APIKey *models.APIKey
}

// MemoryStore implements Store on hashicorp/go-memdb. Write transactions are
// serialized by memdb, which gives UpdateJobState its compare-and-swap semantics.
// Data does not survive a restart.
type MemoryStore struct {
	db  *memdb.MemDB
	now func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() (*MemoryStore, error) {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		return nil, fmt.Errorf("create memdb: %w", err)
	}
	return &MemoryStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableJobs: {
				Name: tableJobs,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					indexState: {
						Name:    indexState,
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
			tableAPIKeys: {
				Name: tableAPIKeys,
				Indexes: map[string]*memdb.IndexSchema{
					indexID: {
						Name:    indexID,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
					indexPrefix: {
						Name:    indexPrefix,
						Indexer: &memdb.StringFieldIndex{Field: "Prefix"},
					},
				},
			},
		},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableAPIKeys, indexPrefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	var keys []*models.APIKey
	for obj := it.Next(); obj != nil; obj = it.Next() {
		k := *obj.(*apiKeyRecord).APIKey
		if k.RevokedAt != nil {
			continue
		}
		keys = append(keys, &k)
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableAPIKeys, indexID, id.String())
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	if raw == nil {
		return nil
	}
	rec := raw.(*apiKeyRecord)
	k := *rec.APIKey
	now := s.now()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	if err := txn.Insert(tableAPIKeys, &apiKeyRecord{Key: rec.Key, Prefix: rec.Prefix, APIKey: &k}); err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	txn.Commit()
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableAPIKeys, indexID, key.ID.String())
	if err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	if existing != nil {
		return ErrDuplicateKey
	}
	k := *key
	k.Scopes = append([]string(nil), key.Scopes...)
	if err := txn.Insert(tableAPIKeys, &apiKeyRecord{Key: k.ID.String(), Prefix: k.KeyPrefix, APIKey: &k}); err != nil {
		return fmt.Errorf("create api key: %w", err)
	}
	txn.Commit()
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableJobs, indexID, job.ID.String())
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	if existing != nil {
		return ErrDuplicateKey
	}
	if err := txn.Insert(tableJobs, newJobRecord(job.Clone())); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	txn.Commit()
	return nil
}

func newJobRecord(j *models.Job) *jobRecord {
	return &jobRecord{Key: j.ID.String(), State: string(j.State), Job: j}
}

func (s *MemoryStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, indexID, id.String())
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	return raw.(*jobRecord).Job.Clone(), nil
}

func (s *MemoryStore) ListJobs(_ context.Context, filter JobFilter) ([]*models.Job, int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	wantState := make(map[models.JobState]bool, len(filter.States))
	for _, st := range filter.States {
		wantState[st] = true
	}

	it, err := txn.Get(tableJobs, indexID)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	var matched []*models.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		j := obj.(*jobRecord).Job
		if len(wantState) > 0 && !wantState[j.State] {
			continue
		}
		if filter.SubjectRef != "" && j.SubjectRef != filter.SubjectRef {
			continue
		}
		matched = append(matched, j)
	}

	sort.Slice(matched, func(a, b int) bool {
		return queueLess(matched[b], matched[a])
	})

	total := len(matched)
	limit, offset := filter.normalize()
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]*models.Job, 0, end-offset)
	for _, j := range matched[offset:end] {
		out = append(out, j.Clone())
	}
	return out, total, nil
}

// queueLess orders jobs by (created_at, id), the scheduling order.
func queueLess(a, b *models.Job) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

func (s *MemoryStore) NextPending(_ context.Context) (*models.Job, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableJobs, indexState, string(models.JobStatePending))
	if err != nil {
		return nil, fmt.Errorf("next pending job: %w", err)
	}
	var oldest *models.Job
	for obj := it.Next(); obj != nil; obj = it.Next() {
		j := obj.(*jobRecord).Job
		if oldest == nil || queueLess(j, oldest) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	return oldest.Clone(), nil
}

func (s *MemoryStore) CountActive(_ context.Context) (int, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	n := 0
	for _, st := range []models.JobState{models.JobStatePending, models.JobStateRunning} {
		it, err := txn.Get(tableJobs, indexState, string(st))
		if err != nil {
			return 0, fmt.Errorf("count active jobs: %w", err)
		}
		for obj := it.Next(); obj != nil; obj = it.Next() {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UpdateJobState(_ context.Context, id uuid.UUID, expected, next models.JobState, opts ...JobUpdateOption) (*models.Job, error) {
	if !models.CanTransition(expected, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	params := newJobUpdateParams(opts)

	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableJobs, indexID, id.String())
	if err != nil {
		return nil, fmt.Errorf("get job for update: %w", err)
	}
	if raw == nil {
		return nil, ErrNotFound
	}
	j := raw.(*jobRecord).Job.Clone()
	if j.State != expected {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", ErrConflict, id, j.State, expected)
	}

	params.apply(j, next, s.now())
	if err := txn.Insert(tableJobs, newJobRecord(j)); err != nil {
		return nil, fmt.Errorf("update job state: %w", err)
	}
	txn.Commit()
	return j.Clone(), nil
}
