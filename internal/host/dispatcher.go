package host

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/logger"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Event is a trigger event on a procedure and/or disease.
type Event struct {
	Type      onkostar.TriggerEvent
	Procedure *onkostar.Procedure
	Disease   *onkostar.Disease
}

// Outcome of evaluating one analyzer for an event.
type Outcome string

const (
	OutcomeInline  Outcome = "inline"
	OutcomeQueued  Outcome = "queued"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Skip reasons, in the order the checks run.
const (
	ReasonEventNotHandled   = "event_not_handled"
	ReasonProcedureDeleted  = "procedure_deleted"
	ReasonRequirementNotMet = "requirement_not_met"
	ReasonNotRelevant       = "not_relevant"
)

// Decision records what happened to one analyzer.
type Decision struct {
	Analyzer string  `json:"analyzer"`
	Name     string  `json:"name"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
	JobID    string  `json:"job_id,omitempty"`
}

// Result lists the decisions of a Trigger call in analyzer id order.
type Result struct {
	Event     onkostar.TriggerEvent `json:"event"`
	Decisions []Decision            `json:"decisions"`
}

// Filter returns the decisions with the given outcome.
func (r Result) Filter(outcome Outcome) []Decision {
	var out []Decision
	for _, d := range r.Decisions {
		if d.Outcome == outcome {
			out = append(out, d)
		}
	}
	return out
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchRecorder sets the metrics sink.
func WithDispatchRecorder(r Recorder) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.recorder = r
		}
	}
}

// WithMaxAttempts bounds how often a queued job is tried.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithIDGenerator replaces uuid job ids.
func WithIDGenerator(gen func() string) DispatcherOption {
	return func(d *Dispatcher) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// Dispatcher evaluates trigger events against enabled analyzers.
type Dispatcher struct {
	registry    Registry
	jobs        JobStore
	producer    Producer
	recorder    Recorder
	log         *slog.Logger
	newID       func() string
	maxAttempts int
}

// NewDispatcher wires a dispatcher. jobs and producer may be nil when every
// analyzer is synchronous.
func NewDispatcher(registry Registry, jobs JobStore, producer Producer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry:    registry,
		jobs:        jobs,
		producer:    producer,
		recorder:    nopRecorder{},
		log:         logger.Named("dispatcher"),
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Trigger runs every eligible analyzer. Per-analyzer failures are reported
// in the result; the error is reserved for an invalid event.
func (d *Dispatcher) Trigger(ctx context.Context, ev Event) (Result, error) {
	if !slices.Contains(onkostar.AllTriggerEvents(), ev.Type) {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unknown trigger event %q", ev.Type))
	}
	if ev.Procedure == nil && ev.Disease == nil {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "event requires a procedure or a disease")
	}

	result := Result{Event: ev.Type}
	for _, reg := range d.registry.Analyzers() {
		decision := d.evaluate(ctx, reg.ID, reg.Analyzer, ev)
		d.recorder.Dispatch(reg.ID, outcomeLabel(decision))
		result.Decisions = append(result.Decisions, decision)
	}
	return result, nil
}

func (d *Dispatcher) evaluate(ctx context.Context, id string, a onkostar.ProcedureAnalyzer, ev Event) Decision {
	decision := Decision{Analyzer: id, Name: a.Name(), Outcome: OutcomeSkipped}
	if reason := skipReason(a, ev); reason != "" {
		decision.Reason = reason
		return decision
	}

	if a.Synchronous() {
		if err := runAnalyze(ctx, a, ev.Procedure.Clone(), ev.Disease); err != nil {
			d.log.Error("analyzer failed", slog.String("analyzer", id), slog.Any("error", err))
			decision.Outcome = OutcomeFailed
			decision.Reason = string(xerrors.CodeOf(err))
			return decision
		}
		decision.Outcome = OutcomeInline
		return decision
	}

	jobID, err := d.enqueue(ctx, id, ev)
	if err != nil {
		d.log.Error("queue analysis job", slog.String("analyzer", id), slog.Any("error", err))
		decision.Outcome = OutcomeFailed
		decision.Reason = string(xerrors.CodeOf(err))
		decision.JobID = jobID
		return decision
	}
	decision.Outcome = OutcomeQueued
	decision.JobID = jobID
	return decision
}

func skipReason(a onkostar.ProcedureAnalyzer, ev Event) string {
	if !onkostar.HandlesEvent(a, ev.Type) {
		return ReasonEventNotHandled
	}
	if ev.Procedure != nil && ev.Procedure.Deleted && !a.RelevantForDeletedProcedure() {
		return ReasonProcedureDeleted
	}
	if !a.Requirement().Satisfied(ev.Procedure, ev.Disease) {
		return ReasonRequirementNotMet
	}
	if !a.RelevantForAnalyzer(ev.Procedure, ev.Disease) {
		return ReasonNotRelevant
	}
	return ""
}

func (d *Dispatcher) enqueue(ctx context.Context, analyzer string, ev Event) (string, error) {
	if d.jobs == nil || d.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "no job queue configured for asynchronous analyzers")
	}
	job := &Job{
		ID:          d.newID(),
		Analyzer:    analyzer,
		Event:       ev.Type,
		MaxAttempts: d.maxAttempts,
	}
	if ev.Procedure != nil {
		if ev.Procedure.ID == 0 {
			return "", xerrors.New(xerrors.CodeInvalidArgument, "asynchronous analysis requires a stored procedure")
		}
		job.ProcedureID = ev.Procedure.ID
	}
	if ev.Disease != nil {
		job.DiseaseID = ev.Disease.ID
	}
	if err := d.jobs.Create(ctx, job); err != nil {
		return "", err
	}
	if err := d.producer.Publish(ctx, job.ID); err != nil {
		wrapped := xerrors.Wrap(CodeJobPublish, err, "publish analysis job")
		if markErr := d.jobs.MarkFailed(ctx, job.ID, CodeJobPublish, err.Error(), true); markErr != nil {
			d.log.Error("mark unpublished job failed", slog.String("job_id", job.ID), slog.Any("error", markErr))
		}
		return job.ID, wrapped
	}
	logger.Audit().Info("analysis job queued",
		slog.String("job_id", job.ID),
		slog.String("analyzer", analyzer),
		slog.String("event", string(ev.Type)),
		slog.Int64("procedure_id", job.ProcedureID),
	)
	return job.ID, nil
}

func outcomeLabel(d Decision) string {
	if d.Outcome == OutcomeSkipped {
		return d.Reason
	}
	return string(d.Outcome)
}
