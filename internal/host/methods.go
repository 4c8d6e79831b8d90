package host

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	xerrors "github.com/CCC-MF/pluginworkshop20230216/internal/errors"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/logger"
	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Methods is the scripting entry point: it calls a named method of a
// plugin, the way form scripts call executePluginMethod.
type Methods struct {
	registry Registry
	log      *slog.Logger
}

// NewMethods creates the entry point over registry.
func NewMethods(registry Registry) *Methods {
	return &Methods{registry: registry, log: logger.Named("methods")}
}

// Execute looks the plugin up by id or name and calls method with input.
func (m *Methods) Execute(ctx context.Context, pluginName, method string, input map[string]any) (result any, err error) {
	reg, ok := m.registry.Lookup(pluginName)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %q not found", pluginName))
	}
	provider, ok := reg.Analyzer.(onkostar.MethodProvider)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %q exposes no methods", pluginName))
	}
	fn, ok := provider.Methods()[method]
	if !ok || fn == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %q has no method %q", pluginName, method))
	}
	if input == nil {
		input = map[string]any{}
	}

	defer func() {
		if r := recover(); r != nil {
			m.log.Error("plugin method panicked",
				slog.String("plugin", reg.ID), slog.String("method", method), slog.Any("panic", r))
			result = nil
			err = xerrors.New(xerrors.CodeAnalyzerPanic, fmt.Sprintf("method %s.%s panicked: %v", reg.ID, method, r),
				xerrors.WithMetadata("stack", string(debug.Stack())))
		}
	}()
	return fn(ctx, input)
}
