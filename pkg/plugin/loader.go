package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Loader resolves plugin binaries into analyzers bound to the host API.
type Loader interface {
	Load(path string, api onkostar.API) (onkostar.ProcedureAnalyzer, error)
}

// GoPluginLoader opens shared objects built with -buildmode=plugin.
type GoPluginLoader struct{}

// Load opens the shared object and resolves its `Plugin` symbol.
func (GoPluginLoader) Load(path string, api onkostar.API) (onkostar.ProcedureAnalyzer, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	return resolveSymbol(symbol, api)
}

// resolveSymbol accepts an analyzer, a pointer to one, or a factory taking
// the host API. Exported package variables arrive as pointers.
func resolveSymbol(symbol any, api onkostar.API) (onkostar.ProcedureAnalyzer, error) {
	switch s := symbol.(type) {
	case func(onkostar.API) onkostar.ProcedureAnalyzer:
		return s(api), nil
	case *func(onkostar.API) onkostar.ProcedureAnalyzer:
		if s == nil || *s == nil {
			return nil, errors.New("plugin factory is nil")
		}
		return (*s)(api), nil
	case *onkostar.ProcedureAnalyzer:
		if s == nil || *s == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *s, nil
	case onkostar.ProcedureAnalyzer:
		return s, nil
	default:
		return nil, fmt.Errorf("plugin symbol %T must be an analyzer or an analyzer factory", symbol)
	}
}
