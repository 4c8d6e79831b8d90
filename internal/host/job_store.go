package host

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
)

// DefaultMaxAttempts applies when a job is created without a limit.
const DefaultMaxAttempts = 3

// JobStore persists job state.
type JobStore interface {
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	Claim(ctx context.Context, id string) (*Job, error)
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, limit int) ([]*Job, error)
	Stats(ctx context.Context) (JobStats, error)
	Close() error
}

// JobStats counts jobs per status and the range of their update times.
type JobStats struct {
	Total     int       `json:"total"`
	Pending   int       `json:"pending"`
	Running   int       `json:"running"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Retryable int       `json:"retryable"`
	Oldest    time.Time `json:"oldest_updated_at,omitzero"`
	Newest    time.Time `json:"newest_updated_at,omitzero"`
}

// MemoryJobStore keeps jobs in a map.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewMemoryJobStore creates an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*Job), now: time.Now}
}

func (m *MemoryJobStore) Create(_ context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job cannot be nil")
	}
	if job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "job id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrJobConflict
	}
	now := m.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = StatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = DefaultMaxAttempts
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *MemoryJobStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Claim moves a pending or retryable failed job to running and counts the
// attempt.
func (m *MemoryJobStore) Claim(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	switch job.Status {
	case StatusSucceeded:
		return cloneJob(job), ErrJobCompleted
	case StatusRunning:
		return cloneJob(job), ErrJobConflict
	case StatusFailed:
		if !job.Retryable {
			return cloneJob(job), ErrJobExhausted
		}
	}
	if job.Attempts >= job.MaxAttempts {
		return cloneJob(job), ErrJobExhausted
	}
	job.Status = StatusRunning
	job.Attempts++
	job.LastError = ""
	job.ErrorCode = ""
	job.Retryable = false
	job.UpdatedAt = m.now().UTC()
	return cloneJob(job), nil
}

func (m *MemoryJobStore) MarkSucceeded(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusSucceeded
	job.LastError = ""
	job.ErrorCode = ""
	job.Retryable = false
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *MemoryJobStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.Status = StatusFailed
	job.LastError = lastError
	job.ErrorCode = string(code)
	job.Retryable = !terminal && job.Attempts < job.MaxAttempts
	job.UpdatedAt = m.now().UTC()
	return nil
}

// List returns the newest jobs first.
func (m *MemoryJobStore) List(_ context.Context, limit int) ([]*Job, error) {
	m.mu.RLock()
	out := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, cloneJob(job))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats aggregates every job in the store.
func (m *MemoryJobStore) Stats(_ context.Context) (JobStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats JobStats
	for _, job := range m.jobs {
		stats.Total++
		switch job.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusSucceeded:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
			if job.Retryable {
				stats.Retryable++
			}
		}
		if job.UpdatedAt.After(stats.Newest) {
			stats.Newest = job.UpdatedAt
		}
		if stats.Oldest.IsZero() || job.UpdatedAt.Before(stats.Oldest) {
			stats.Oldest = job.UpdatedAt
		}
	}
	return stats, nil
}

func (m *MemoryJobStore) Close() error { return nil }
