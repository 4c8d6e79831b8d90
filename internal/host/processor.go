package host

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/internal/observability/alerting"
	"github.com/CCC-MF/pluginworkshop20230216/internal/storage"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/logger"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// RecordSource loads the records a job refers to.
type RecordSource interface {
	GetProcedure(ctx context.Context, id int64) (*onkostar.Procedure, error)
	GetDisease(ctx context.Context, id int64) (*onkostar.Disease, error)
}

// Processor consumes job ids and runs the queued Analyze calls.
type Processor struct {
	registry    Registry
	records     RecordSource
	jobs        JobStore
	consumer    Consumer
	producer    Producer
	workerCount int
	recorder    Recorder
	alerter     alerting.Dispatcher
	log         *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithWorkerCount sets the number of consuming goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithProcessorRecorder sets the metrics sink.
func WithProcessorRecorder(r Recorder) ProcessorOption {
	return func(p *Processor) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithAlertDispatcher notifies on terminal job failures.
func WithAlertDispatcher(d alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = d
	}
}

// WithProcessorLogger overrides the component logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// NewProcessor wires a processor.
func NewProcessor(registry Registry, records RecordSource, jobs JobStore, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		registry:    registry,
		records:     records,
		jobs:        jobs,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		recorder:    nopRecorder{},
		log:         logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start blocks until ctx is done or the consumer fails.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "no job consumer configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle runs one job. It returns an error only when job state could not
// be recorded.
func (p *Processor) Handle(ctx context.Context, jobID string) error {
	if p.jobs == nil || p.records == nil || p.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialised")
	}
	job, err := p.jobs.Claim(ctx, jobID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) ||
			stdErrors.Is(err, ErrJobExhausted) || stdErrors.Is(err, ErrJobConflict) {
			p.log.Debug("skipping job", slog.String("job_id", jobID), slog.String("reason", err.Error()))
			return nil
		}
		p.log.Error("claim job", slog.String("job_id", jobID), slog.Any("error", err))
		return err
	}

	analyzer, ok := enabled(p.registry, job.Analyzer)
	if !ok {
		return p.fail(ctx, job, xerrors.New(xerrors.CodePluginRejected, fmt.Sprintf("analyzer %s is not enabled", job.Analyzer)), true)
	}

	proc, disease, err := p.load(ctx, job)
	if err != nil {
		terminal := storage.IsNotFound(err) || !xerrors.RetryableError(err)
		if storage.IsNotFound(err) {
			err = xerrors.Wrap(xerrors.CodeNotFound, err, "load job records")
		}
		return p.fail(ctx, job, err, terminal)
	}

	start := time.Now()
	if err := runAnalyze(ctx, analyzer, proc, disease); err != nil {
		return p.fail(ctx, job, err, true)
	}

	if err := p.jobs.MarkSucceeded(ctx, job.ID); err != nil {
		p.log.Error("mark job succeeded", slog.String("job_id", job.ID), slog.Any("error", err))
		return err
	}
	p.recorder.Job(job.Analyzer, string(StatusSucceeded))
	logger.Audit().Info("analysis job succeeded",
		slog.String("job_id", job.ID),
		slog.String("analyzer", job.Analyzer),
		slog.Int64("procedure_id", job.ProcedureID),
		slog.Int("attempts", job.Attempts),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (p *Processor) load(ctx context.Context, job *Job) (*onkostar.Procedure, *onkostar.Disease, error) {
	var (
		proc    *onkostar.Procedure
		disease *onkostar.Disease
		err     error
	)
	if job.ProcedureID != 0 {
		if proc, err = p.records.GetProcedure(ctx, job.ProcedureID); err != nil {
			return nil, nil, err
		}
	}
	if job.DiseaseID != 0 {
		if disease, err = p.records.GetDisease(ctx, job.DiseaseID); err != nil {
			return nil, nil, err
		}
	}
	return proc, disease, nil
}

func (p *Processor) fail(ctx context.Context, job *Job, cause error, terminal bool) error {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeStorageFailure
	}
	if !terminal && (p.producer == nil || job.Attempts >= job.MaxAttempts) {
		terminal = true
	}
	if err := p.jobs.MarkFailed(ctx, job.ID, code, cause.Error(), terminal); err != nil {
		p.log.Error("mark job failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return err
	}
	p.recorder.Job(job.Analyzer, string(StatusFailed))
	logger.Audit().Warn("analysis job failed",
		slog.String("job_id", job.ID),
		slog.String("analyzer", job.Analyzer),
		slog.String("error_code", string(code)),
		slog.String("error", cause.Error()),
		slog.Bool("terminal", terminal),
		slog.Int("attempts", job.Attempts),
	)

	if terminal {
		p.alert(ctx, job, code, cause)
		return nil
	}
	if err := p.producer.Publish(ctx, job.ID); err != nil {
		return xerrors.Wrap(CodeJobPublish, err, fmt.Sprintf("requeue job %s", job.ID))
	}
	return nil
}

func (p *Processor) alert(ctx context.Context, job *Job, code xerrors.Code, cause error) {
	if p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	if attrs.Severity != xerrors.SeverityCritical {
		return
	}
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   attrs.Severity,
		JobID:      job.ID,
		Analyzer:   job.Analyzer,
		Attempts:   job.Attempts,
		OccurredAt: time.Now().UTC(),
	}
	if e, ok := xerrors.From(cause); ok {
		event.Metadata = e.Metadata()
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.log.Error("alert notification failed", slog.String("job_id", job.ID), slog.Any("error", err))
	}
}
