// Package exampleanalyzer is the reference procedure analyzer. On every
// save after editing an "OS.Diagnose.VarianteUKW" form it writes one
// observation procedure for the same patient. It also exposes a "hello"
// method to the host scripting layer.
package exampleanalyzer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/text/language"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/logger"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
)

const (
	// ID is the key host scripts pass to executePluginMethod.
	ID = "ExampleProcedureAnalyzer"

	pluginName        = "Example Procedure Analyzer"
	pluginVersion     = "0.0.1"
	pluginDescription = "A simple Example Procedure Analyzer"

	// RelevantFormName is the only form this analyzer reacts to.
	RelevantFormName = "OS.Diagnose.VarianteUKW"
	// DerivedFormName is the form of the procedure written by Analyze.
	DerivedFormName = "Test"
	// DateField is the field of the derived procedure holding the run time.
	DateField = "datum"
)

// Analyzer implements onkostar.ProcedureAnalyzer.
type Analyzer struct {
	api    onkostar.API
	now    func() time.Time
	log    *slog.Logger
	locale language.Tag
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger replaces the default plugin logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.log = l
		}
	}
}

// WithLocale selects the language of scripted greetings.
func WithLocale(tag language.Tag) Option {
	return func(a *Analyzer) {
		a.locale = tag
	}
}

// New builds the analyzer around the host persistence capability.
func New(api onkostar.API, opts ...Option) *Analyzer {
	a := &Analyzer{
		api:    api,
		now:    time.Now,
		locale: language.German,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.log == nil {
		a.log = logger.Plugin(pluginName, pluginVersion)
	}
	return a
}

// Factory is the constructor shape the plugin loader accepts.
func Factory(api onkostar.API) onkostar.ProcedureAnalyzer {
	return New(api)
}

func (a *Analyzer) Type() onkostar.PluginType { return onkostar.PluginTypeAnalyzer }

func (a *Analyzer) Version() string { return pluginVersion }

func (a *Analyzer) Name() string { return pluginName }

func (a *Analyzer) Description() string { return pluginDescription }

// RelevantForDeletedProcedure is always false: deleted procedures are ignored.
func (a *Analyzer) RelevantForDeletedProcedure() bool { return false }

// RelevantForAnalyzer accepts any non-nil procedure of RelevantFormName.
// The disease is not inspected.
func (a *Analyzer) RelevantForAnalyzer(p *onkostar.Procedure, _ *onkostar.Disease) bool {
	return p != nil && p.FormName == RelevantFormName
}

// Synchronous is false, the host may run Analyze out of band.
func (a *Analyzer) Synchronous() bool { return false }

func (a *Analyzer) Requirement() onkostar.AnalyzerRequirement {
	return onkostar.RequirementProcedure
}

// TriggerEvents limits execution to saves after editing.
func (a *Analyzer) TriggerEvents() []onkostar.TriggerEvent {
	return []onkostar.TriggerEvent{onkostar.EventEditSave}
}

// Capabilities declares the host capabilities the analyzer uses.
func (a *Analyzer) Capabilities() []plugin.Capability {
	return []plugin.Capability{plugin.CapabilityProcedureWrite}
}

// Analyze writes one observation procedure for the patient of p.
// Persistence failures are logged and swallowed.
func (a *Analyzer) Analyze(ctx context.Context, p *onkostar.Procedure, _ *onkostar.Disease) {
	a.log.Info("Run 'ExampleProcedureAnalyzer.analyze()'")
	if p == nil {
		a.log.Warn("analyze called without procedure")
		return
	}

	now := a.now()
	derived := onkostar.NewProcedure(p.PatientID)
	derived.Type = onkostar.ProcedureTypeObservation
	derived.FormName = DerivedFormName
	derived.StartDate = now
	derived.SetValue(DateField, onkostar.NewItem(DateField, now))

	id, err := a.save(ctx, derived)
	if err != nil {
		a.log.Error("Fehler beim Speichern",
			slog.Int64("patient_id", p.PatientID),
			slog.Int64("source_procedure_id", p.ID),
			slog.String("source_form", p.FormName),
			slog.Any("error", err),
		)
		return
	}
	a.log.Info("Erfolgreich gespeichert!", slog.Int64("procedure_id", id), slog.Int64("patient_id", p.PatientID))
}

func (a *Analyzer) save(ctx context.Context, p *onkostar.Procedure) (id int64, err error) {
	if a.api == nil {
		return 0, fmt.Errorf("no host api injected")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("save procedure panicked: %v", r)
		}
	}()
	return a.api.SaveProcedure(ctx, p, false)
}

var _ onkostar.ProcedureAnalyzer = (*Analyzer)(nil)
