package host

import (
	"time"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Job is one queued Analyze call of an asynchronous analyzer.
type Job struct {
	ID          string                `json:"id"`
	Analyzer    string                `json:"analyzer"`
	Event       onkostar.TriggerEvent `json:"event"`
	ProcedureID int64                 `json:"procedure_id,omitempty"`
	DiseaseID   int64                 `json:"disease_id,omitempty"`
	Status      Status                `json:"status"`
	Attempts    int                   `json:"attempts"`
	MaxAttempts int                   `json:"max_attempts"`
	Retryable   bool                  `json:"retryable,omitempty"`
	LastError   string                `json:"last_error,omitempty"`
	ErrorCode   string                `json:"error_code,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

const (
	CodeJobNotFound  xerrors.Code = "JOB_NOT_FOUND"
	CodeJobConflict  xerrors.Code = "JOB_CONFLICT"
	CodeJobCompleted xerrors.Code = "JOB_COMPLETED"
	CodeJobExhausted xerrors.Code = "JOB_RETRIES_EXHAUSTED"
	CodeJobPublish   xerrors.Code = "JOB_PUBLISH_FAILED"
)

var (
	ErrJobNotFound  = xerrors.New(CodeJobNotFound, "job not found")
	ErrJobConflict  = xerrors.New(CodeJobConflict, "job is already running")
	ErrJobCompleted = xerrors.New(CodeJobCompleted, "job already completed")
	ErrJobExhausted = xerrors.New(CodeJobExhausted, "job cannot be retried")
)

func init() {
	xerrors.Register(CodeJobNotFound, xerrors.Attributes{
		Message:  "job not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobConflict, xerrors.Attributes{
		Message:  "job conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeJobCompleted, xerrors.Attributes{
		Message:  "job already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeJobExhausted, xerrors.Attributes{
		Message:  "job retries exhausted",
		Severity: xerrors.SeverityCritical,
	})
	xerrors.Register(CodeJobPublish, xerrors.Attributes{
		Message:   "failed to publish job",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
	})
}

func cloneJob(j *Job) *Job {
	if j == nil {
		return nil
	}
	dup := *j
	return &dup
}
