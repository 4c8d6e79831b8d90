package plugin

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Manager keeps track of registered analyzers and whether they are enabled.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	api       onkostar.API
	defaults  IsolationPolicy
	strict    bool
}

type instance struct {
	analyzer onkostar.ProcedureAnalyzer
	info     Info
	policy   IsolationPolicy
}

// NewManager constructs a manager and loads every enabled plugin in cfg.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: CapabilityIsolation{},
		defaults:  cfg.Defaults,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register adds an analyzer under id. It starts enabled.
func (m *Manager) Register(id string, a onkostar.ProcedureAnalyzer, policy IsolationPolicy) error {
	return m.register(id, a, policy, "manual")
}

func (m *Manager) register(id string, a onkostar.ProcedureAnalyzer, policy IsolationPolicy, source string) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if a == nil {
		return errors.New("analyzer implementation cannot be nil")
	}
	if a.Type() != onkostar.PluginTypeAnalyzer {
		return fmt.Errorf("plugin %s has type %s, want %s", id, a.Type(), onkostar.PluginTypeAnalyzer)
	}
	if len(a.TriggerEvents()) == 0 {
		return fmt.Errorf("plugin %s declares no trigger events", id)
	}
	info := describe(id, a)
	info.Source = source
	info.State = StateEnabled

	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy, m.strict); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return fmt.Errorf("plugin %s rejected: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{analyzer: a, info: info, policy: policy}
	return nil
}

// Load loads a shared object from path and registers it under id.
func (m *Manager) Load(id, path string, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	a, err := m.loader.Load(path, m.api)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	return m.register(id, a, policy, path)
}

// Enable makes an analyzer eligible for dispatch again.
func (m *Manager) Enable(id string) error {
	return m.setState(id, StateEnabled)
}

// Disable keeps the analyzer registered but excludes it from dispatch.
func (m *Manager) Disable(id string) error {
	return m.setState(id, StateDisabled)
}

func (m *Manager) setState(id string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.registry[id]
	if !ok {
		return fmt.Errorf("plugin %s not registered", id)
	}
	inst.info.State = state
	return nil
}

// State returns the lifecycle state of an analyzer.
func (m *Manager) State(id string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return "", fmt.Errorf("plugin %s not registered", id)
	}
	return inst.info.State, nil
}

// Registered is an enabled analyzer together with its id.
type Registered struct {
	ID       string
	Analyzer onkostar.ProcedureAnalyzer
}

// Analyzers returns the enabled analyzers ordered by id.
func (m *Manager) Analyzers() []Registered {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Registered, 0, len(m.registry))
	for id, inst := range m.registry {
		if inst.info.State != StateEnabled {
			continue
		}
		out = append(out, Registered{ID: id, Analyzer: inst.analyzer})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup finds an enabled analyzer by id, or by its reported name.
func (m *Manager) Lookup(name string) (Registered, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if inst, ok := m.registry[name]; ok {
		if inst.info.State != StateEnabled {
			return Registered{}, false
		}
		return Registered{ID: name, Analyzer: inst.analyzer}, true
	}
	ids := make([]string, 0, len(m.registry))
	for id, inst := range m.registry {
		if inst.info.State == StateEnabled && inst.info.Name == name {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return Registered{}, false
	}
	slices.Sort(ids)
	return Registered{ID: ids[0], Analyzer: m.registry[ids[0]].analyzer}, true
}

// Infos returns metadata for every registered analyzer ordered by id.
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.registry))
	for _, inst := range m.registry {
		out = append(out, inst.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	ids := make([]string, 0, len(cfg.Plugins))
	for id := range cfg.Plugins {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		pc := cfg.Plugins[id]
		if !pc.Enabled {
			continue
		}
		path := pc.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, pc.Policy)
		if err := m.Load(id, path, policy); err != nil {
			return err
		}
	}
	return nil
}
