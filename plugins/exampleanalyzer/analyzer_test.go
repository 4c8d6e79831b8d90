package exampleanalyzer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/text/language"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
)

type saveCall struct {
	procedure *onkostar.Procedure
	validate  bool
}

type fakeAPI struct {
	mu    sync.Mutex
	calls []saveCall
	err   error
	panic any
}

func (f *fakeAPI) SaveProcedure(_ context.Context, p *onkostar.Procedure, validate bool) (int64, error) {
	if f.panic != nil {
		panic(f.panic)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, saveCall{procedure: p.Clone(), validate: validate})
	if f.err != nil {
		return 0, f.err
	}
	return int64(len(f.calls)), nil
}

func newTestAnalyzer(api onkostar.API, now time.Time) (*Analyzer, *bytes.Buffer) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	return New(api, WithClock(func() time.Time { return now }), WithLogger(log)), &buf
}

func TestMetadata(t *testing.T) {
	a, _ := newTestAnalyzer(&fakeAPI{}, time.Now())

	if a.Type() != onkostar.PluginTypeAnalyzer {
		t.Fatalf("unexpected type %q", a.Type())
	}
	if a.Name() != "Example Procedure Analyzer" || a.Version() != "0.0.1" {
		t.Fatalf("unexpected identity %q %q", a.Name(), a.Version())
	}
	if a.Description() != "A simple Example Procedure Analyzer" {
		t.Fatalf("unexpected description %q", a.Description())
	}
	if a.RelevantForDeletedProcedure() {
		t.Fatalf("deleted procedures must not be analyzed")
	}
	if a.Synchronous() {
		t.Fatalf("analyzer must be asynchronous")
	}
	if a.Requirement() != onkostar.RequirementProcedure {
		t.Fatalf("unexpected requirement %q", a.Requirement())
	}
	events := a.TriggerEvents()
	if len(events) != 1 || events[0] != onkostar.EventEditSave {
		t.Fatalf("unexpected trigger events %v", events)
	}
	caps := a.Capabilities()
	if len(caps) != 1 || caps[0] != plugin.CapabilityProcedureWrite {
		t.Fatalf("unexpected capabilities %v", caps)
	}
}

func TestRelevantForAnalyzer(t *testing.T) {
	a, _ := newTestAnalyzer(&fakeAPI{}, time.Now())
	disease := &onkostar.Disease{ID: 3, ICD10Code: "C50.9"}

	cases := []struct {
		name string
		p    *onkostar.Procedure
		d    *onkostar.Disease
		want bool
	}{
		{"nil procedure", nil, nil, false},
		{"nil procedure with disease", nil, disease, false},
		{"matching form", &onkostar.Procedure{FormName: RelevantFormName}, nil, true},
		{"matching form with disease", &onkostar.Procedure{FormName: RelevantFormName}, disease, true},
		{"lower case form", &onkostar.Procedure{FormName: strings.ToLower(RelevantFormName)}, nil, false},
		{"other form", &onkostar.Procedure{FormName: "OS.Tumorkonferenz"}, nil, false},
		{"padded form", &onkostar.Procedure{FormName: RelevantFormName + " "}, nil, false},
		{"empty form", &onkostar.Procedure{}, disease, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.RelevantForAnalyzer(tc.p, tc.d); got != tc.want {
				t.Fatalf("RelevantForAnalyzer = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAnalyzeSavesDerivedObservation(t *testing.T) {
	now := time.Date(2023, 2, 16, 14, 0, 0, 0, time.UTC)
	api := &fakeAPI{}
	a, logs := newTestAnalyzer(api, now)

	source := &onkostar.Procedure{ID: 11, PatientID: 4711, FormName: RelevantFormName, Type: onkostar.ProcedureTypeDiagnosis}
	a.Analyze(context.Background(), source, nil)

	if len(api.calls) != 1 {
		t.Fatalf("expected one save, got %d", len(api.calls))
	}
	call := api.calls[0]
	if call.validate {
		t.Fatalf("derived procedure must be saved without validation")
	}
	got := call.procedure
	if got.PatientID != 4711 {
		t.Fatalf("unexpected patient %d", got.PatientID)
	}
	if got.Type != onkostar.ProcedureTypeObservation {
		t.Fatalf("unexpected type %q", got.Type)
	}
	if got.FormName != DerivedFormName {
		t.Fatalf("unexpected form %q", got.FormName)
	}
	if !got.StartDate.Equal(now) {
		t.Fatalf("unexpected start date %v", got.StartDate)
	}
	item, ok := got.Value(DateField)
	if !ok || item.Name != DateField {
		t.Fatalf("datum item missing: %+v", got.Values)
	}
	if ts, ok := item.Time(); !ok || !ts.Equal(now) {
		t.Fatalf("unexpected datum %v", item.Value)
	}
	if len(got.Values) != 1 {
		t.Fatalf("expected exactly one field, got %v", got.Values)
	}
	if !strings.Contains(logs.String(), "Erfolgreich gespeichert!") {
		t.Fatalf("missing success log: %s", logs.String())
	}
}

func TestAnalyzeUsesWallClockByDefault(t *testing.T) {
	api := &fakeAPI{}
	a := New(api, WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	before := time.Now()
	a.Analyze(context.Background(), &onkostar.Procedure{PatientID: 1, FormName: RelevantFormName}, nil)
	after := time.Now()

	if len(api.calls) != 1 {
		t.Fatalf("expected one save, got %d", len(api.calls))
	}
	start := api.calls[0].procedure.StartDate
	if start.Before(before) || start.After(after) {
		t.Fatalf("start date %v outside [%v, %v]", start, before, after)
	}
}

func TestAnalyzeSwallowsPersistenceFailures(t *testing.T) {
	cases := []struct {
		name string
		api  onkostar.API
	}{
		{"error", &fakeAPI{err: errors.New("db down")}},
		{"panic", &fakeAPI{panic: "boom"}},
		{"no api", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, logs := newTestAnalyzer(tc.api, time.Now())

			a.Analyze(context.Background(), &onkostar.Procedure{PatientID: 9, FormName: RelevantFormName}, nil)

			out := logs.String()
			if !strings.Contains(out, "Fehler beim Speichern") {
				t.Fatalf("missing failure log: %s", out)
			}
			if strings.Contains(out, "Erfolgreich gespeichert!") {
				t.Fatalf("unexpected success log: %s", out)
			}
		})
	}
}

func TestAnalyzeNilProcedureDoesNotSave(t *testing.T) {
	api := &fakeAPI{}
	a, _ := newTestAnalyzer(api, time.Now())
	a.Analyze(context.Background(), nil, &onkostar.Disease{})
	if len(api.calls) != 0 {
		t.Fatalf("expected no save, got %d", len(api.calls))
	}
}

func TestHello(t *testing.T) {
	a, _ := newTestAnalyzer(&fakeAPI{}, time.Now())

	cases := []struct {
		name  string
		input map[string]any
		want  string
	}{
		{"with name", map[string]any{"name": "Ada"}, "Hallo, Ada!"},
		{"empty input", map[string]any{}, "Hallo du unbekannter Benutzer!"},
		{"nil input", nil, "Hallo du unbekannter Benutzer!"},
		{"nil name", map[string]any{"name": nil}, "Hallo du unbekannter Benutzer!"},
		{"empty name", map[string]any{"name": ""}, "Hallo, !"},
		{"numeric name", map[string]any{"name": 42}, "Hallo, 42!"},
		{"other keys", map[string]any{"vorname": "Ada"}, "Hallo du unbekannter Benutzer!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := a.Hello(tc.input); got != tc.want {
				t.Fatalf("Hello = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestHelloEnglishLocale(t *testing.T) {
	a := New(&fakeAPI{}, WithLocale(language.English))
	if got := a.Hello(map[string]any{"name": "Ada"}); got != "Hello, Ada!" {
		t.Fatalf("unexpected greeting %q", got)
	}
	if got := a.Hello(nil); got != "Hello, unknown user!" {
		t.Fatalf("unexpected greeting %q", got)
	}
}

func TestMethodsExposeHello(t *testing.T) {
	a, _ := newTestAnalyzer(&fakeAPI{}, time.Now())
	method, ok := a.Methods()["hello"]
	if !ok {
		t.Fatalf("hello method not exposed")
	}
	out, err := method(context.Background(), map[string]any{"name": "Onkostar"})
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if out != "Hallo, Onkostar!" {
		t.Fatalf("unexpected result %v", out)
	}
}

func TestFactoryBuildsAnalyzer(t *testing.T) {
	a := Factory(&fakeAPI{})
	if a.Name() != pluginName {
		t.Fatalf("unexpected analyzer %q", a.Name())
	}
}
