package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/internal/host"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

const (
	jobColumns = `id, analyzer, event, procedure_id, disease_id, status, attempts, max_attempts, retryable, last_error, error_code, created_at, updated_at`

	insertJobSQL = `INSERT INTO analysis_jobs (` + jobColumns + `)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', ?, ?)`
	selectJobSQL = `SELECT ` + jobColumns + ` FROM analysis_jobs WHERE id = ?`
	listJobsSQL  = `SELECT ` + jobColumns + ` FROM analysis_jobs ORDER BY created_at DESC, id DESC LIMIT ?`

	// A pending job, or a failed one still marked retryable, with attempts left.
	claimJobSQL = `UPDATE analysis_jobs
    SET status = ?, attempts = attempts + 1, retryable = 0, last_error = '', error_code = '', updated_at = ?
    WHERE id = ? AND (status = ? OR (status = ? AND retryable = 1)) AND attempts < max_attempts`
	succeedJobSQL = `UPDATE analysis_jobs SET status = ?, retryable = 0, last_error = '', error_code = '', updated_at = ? WHERE id = ?`
	failJobSQL    = `UPDATE analysis_jobs
    SET status = ?, last_error = ?, error_code = ?, retryable = CASE WHEN attempts < max_attempts THEN ? ELSE 0 END, updated_at = ?
    WHERE id = ?`
	jobStatsSQL = `SELECT status, retryable, COUNT(*), MIN(updated_at), MAX(updated_at)
    FROM analysis_jobs GROUP BY status, retryable`
)

// JobStore keeps analysis jobs in the analysis_jobs table so they survive
// restarts of a host using a broker-backed queue.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ host.JobStore = (*JobStore)(nil)

// Jobs returns a job store sharing the procedure database.
func (s *Store) Jobs() *JobStore {
	return &JobStore{db: s.db, now: s.now}
}

func (j *JobStore) Create(ctx context.Context, job *host.Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job cannot be nil")
	}
	if job.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "job id cannot be empty")
	}
	now := j.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = host.StatusPending
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = host.DefaultMaxAttempts
	}

	_, err := j.db.ExecContext(ctx, insertJobSQL,
		job.ID, job.Analyzer, string(job.Event), job.ProcedureID, job.DiseaseID,
		string(job.Status), job.Attempts, job.MaxAttempts,
		toNanos(job.CreatedAt), toNanos(job.UpdatedAt))
	if err != nil {
		// Duplicate keys surface differently per driver; an existing row decides.
		if _, getErr := j.Get(ctx, job.ID); getErr == nil {
			return host.ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert job")
	}
	return nil
}

func (j *JobStore) Get(ctx context.Context, id string) (*host.Job, error) {
	job, err := scanJob(j.db.QueryRowContext(ctx, selectJobSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, host.ErrJobNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "select job")
	}
	return job, nil
}

// Claim moves the job to running in one statement and explains a refusal
// from the row it could not update.
func (j *JobStore) Claim(ctx context.Context, id string) (*host.Job, error) {
	res, err := j.db.ExecContext(ctx, claimJobSQL,
		string(host.StatusRunning), toNanos(j.now().UTC()), id,
		string(host.StatusPending), string(host.StatusFailed))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim job")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim job rows affected")
	}

	job, getErr := j.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected > 0 {
		return job, nil
	}
	switch {
	case job.Status == host.StatusSucceeded:
		return job, host.ErrJobCompleted
	case job.Status == host.StatusRunning:
		return job, host.ErrJobConflict
	case job.Status == host.StatusFailed && !job.Retryable:
		return job, host.ErrJobExhausted
	case job.Attempts >= job.MaxAttempts:
		return job, host.ErrJobExhausted
	default:
		return job, host.ErrJobConflict
	}
}

func (j *JobStore) MarkSucceeded(ctx context.Context, id string) error {
	return j.update(ctx, succeedJobSQL, string(host.StatusSucceeded), toNanos(j.now().UTC()), id)
}

func (j *JobStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	retryable := 1
	if terminal {
		retryable = 0
	}
	return j.update(ctx, failJobSQL,
		string(host.StatusFailed), lastError, string(code), retryable, toNanos(j.now().UTC()), id)
}

func (j *JobStore) update(ctx context.Context, query string, args ...any) error {
	res, err := j.db.ExecContext(ctx, query, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update job")
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return host.ErrJobNotFound
	}
	return nil
}

// List returns the newest jobs first. A non-positive limit returns all.
func (j *JobStore) List(ctx context.Context, limit int) ([]*host.Job, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := j.db.QueryContext(ctx, listJobsSQL, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list jobs")
	}
	defer rows.Close()

	var out []*host.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan job")
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate jobs")
	}
	return out, nil
}

func (j *JobStore) Stats(ctx context.Context) (host.JobStats, error) {
	var stats host.JobStats
	rows, err := j.db.QueryContext(ctx, jobStatsSQL)
	if err != nil {
		return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "job stats")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status         string
			retryable      bool
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &retryable, &count, &oldest, &newest); err != nil {
			return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan job stats")
		}
		stats.Total += count
		switch host.Status(status) {
		case host.StatusPending:
			stats.Pending += count
		case host.StatusRunning:
			stats.Running += count
		case host.StatusSucceeded:
			stats.Succeeded += count
		case host.StatusFailed:
			stats.Failed += count
			if retryable {
				stats.Retryable += count
			}
		}
		if t := fromNanos(oldest); stats.Oldest.IsZero() || t.Before(stats.Oldest) {
			stats.Oldest = t
		}
		if t := fromNanos(newest); t.After(stats.Newest) {
			stats.Newest = t
		}
	}
	if err := rows.Err(); err != nil {
		return stats, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate job stats")
	}
	return stats, nil
}

// Close is a no-op; the database belongs to the procedure store.
func (j *JobStore) Close() error { return nil }

func scanJob(row scanner) (*host.Job, error) {
	var (
		job                  host.Job
		event, status        string
		lastError            sql.NullString
		createdAt, updatedAt int64
	)
	if err := row.Scan(&job.ID, &job.Analyzer, &event, &job.ProcedureID, &job.DiseaseID,
		&status, &job.Attempts, &job.MaxAttempts, &job.Retryable, &lastError, &job.ErrorCode,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	job.Event = onkostar.TriggerEvent(event)
	job.Status = host.Status(status)
	job.LastError = lastError.String
	job.CreatedAt = fromNanos(createdAt)
	job.UpdatedAt = fromNanos(updatedAt)
	return &job, nil
}
