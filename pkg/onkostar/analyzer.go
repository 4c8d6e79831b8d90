package onkostar

import (
	"context"
	"fmt"
	"slices"
	"strings"
)

// PluginType is the functional category a plugin reports to the host.
type PluginType string

const (
	PluginTypeAnalyzer PluginType = "ANALYZER"
	PluginTypeExporter PluginType = "EXPORTER"
)

// AnalyzerRequirement states which record an analyzer needs to run.
type AnalyzerRequirement string

const (
	RequirementProcedure          AnalyzerRequirement = "PROCEDURE"
	RequirementDisease            AnalyzerRequirement = "DISEASE"
	RequirementProcedureOrDisease AnalyzerRequirement = "PROCEDURE_OR_DISEASE"
)

// Satisfied reports whether the given records meet the requirement.
func (r AnalyzerRequirement) Satisfied(p *Procedure, d *Disease) bool {
	switch r {
	case RequirementProcedure:
		return p != nil
	case RequirementDisease:
		return d != nil
	case RequirementProcedureOrDisease:
		return p != nil || d != nil
	default:
		return false
	}
}

// TriggerEvent is the host lifecycle moment that causes analyzer evaluation.
type TriggerEvent string

const (
	EventCreate        TriggerEvent = "CREATE"
	EventCreateLock    TriggerEvent = "CREATE_LOCK"
	EventEditSave      TriggerEvent = "EDIT_SAVE"
	EventEditLock      TriggerEvent = "EDIT_LOCK"
	EventDelete        TriggerEvent = "DELETE"
	EventReorg         TriggerEvent = "REORG"
	EventChangePatient TriggerEvent = "CHANGE_PATIENT"
)

// AllTriggerEvents lists every event, in host order.
func AllTriggerEvents() []TriggerEvent {
	return []TriggerEvent{
		EventCreate, EventCreateLock, EventEditSave, EventEditLock,
		EventDelete, EventReorg, EventChangePatient,
	}
}

// ParseTriggerEvent accepts the canonical names case-insensitively.
func ParseTriggerEvent(raw string) (TriggerEvent, error) {
	candidate := TriggerEvent(strings.ToUpper(strings.TrimSpace(raw)))
	if slices.Contains(AllTriggerEvents(), candidate) {
		return candidate, nil
	}
	return "", fmt.Errorf("unknown trigger event %q", raw)
}

// API is the persistence capability the host injects into plugins.
// Implementations must be safe for concurrent use.
type API interface {
	// SaveProcedure persists p and returns its id. When validate is false
	// the host skips form validation.
	SaveProcedure(ctx context.Context, p *Procedure, validate bool) (int64, error)
}

// Plugin is the metadata every host plugin reports.
type Plugin interface {
	Type() PluginType
	Version() string
	Name() string
	Description() string
}

// ProcedureAnalyzer is the contract of an analyzer plugin. The host queries
// metadata and predicates and only calls Analyze when all of them pass.
type ProcedureAnalyzer interface {
	Plugin
	// RelevantForDeletedProcedure reports whether deleted procedures are analyzed.
	RelevantForDeletedProcedure() bool
	// RelevantForAnalyzer is the eligibility predicate. Both arguments may be nil.
	RelevantForAnalyzer(p *Procedure, d *Disease) bool
	// Synchronous reports whether the host must run Analyze inside the
	// triggering request.
	Synchronous() bool
	Requirement() AnalyzerRequirement
	TriggerEvents() []TriggerEvent
	Analyze(ctx context.Context, p *Procedure, d *Disease)
}

// Method is a plugin function callable from the host scripting layer.
type Method func(ctx context.Context, input map[string]any) (any, error)

// MethodProvider is implemented by plugins exposing scriptable methods.
type MethodProvider interface {
	Methods() map[string]Method
}

// HandlesEvent reports whether a declares event.
func HandlesEvent(a ProcedureAnalyzer, event TriggerEvent) bool {
	return slices.Contains(a.TriggerEvents(), event)
}
