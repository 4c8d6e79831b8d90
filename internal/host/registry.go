package host

import (
	"context"
	"fmt"
	"runtime/debug"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/plugin"
)

// Registry is the view of the plugin manager the host needs.
type Registry interface {
	Analyzers() []plugin.Registered
	Lookup(name string) (plugin.Registered, bool)
}

// Recorder receives dispatch and job outcomes; metrics.Metrics implements it.
type Recorder interface {
	Dispatch(analyzer, outcome string)
	Job(analyzer, status string)
}

type nopRecorder struct{}

func (nopRecorder) Dispatch(string, string) {}
func (nopRecorder) Job(string, string)      {}

func enabled(r Registry, id string) (onkostar.ProcedureAnalyzer, bool) {
	for _, reg := range r.Analyzers() {
		if reg.ID == id {
			return reg.Analyzer, true
		}
	}
	return nil, false
}

// runAnalyze calls Analyze and turns a panic into an ANALYZER_PANIC error.
func runAnalyze(ctx context.Context, a onkostar.ProcedureAnalyzer, p *onkostar.Procedure, d *onkostar.Disease) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeAnalyzerPanic, fmt.Sprintf("analyzer %s panicked: %v", a.Name(), r),
				xerrors.WithMetadata("stack", string(debug.Stack())))
		}
	}()
	a.Analyze(ctx, p, d)
	return nil
}
