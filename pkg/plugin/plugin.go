// Package plugin registers analyzer plugins with the development host,
// enforces their capability policy and loads them from shared objects.
package plugin

import "github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"

// Option modifies the behaviour of a Manager.
type Option func(*Manager)

// WithLoader overrides the shared-object loader.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom capability enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithAPI sets the host API handed to analyzer factories on Load.
func WithAPI(api onkostar.API) Option {
	return func(m *Manager) {
		m.api = api
	}
}

// WithStrictPolicy requires an explicit policy for analyzers that declare
// capabilities.
func WithStrictPolicy() Option {
	return func(m *Manager) {
		m.strict = true
	}
}
