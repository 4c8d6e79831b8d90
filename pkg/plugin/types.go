package plugin

import (
	"slices"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Capability names a host facility a plugin may request access to.
type Capability string

const (
	CapabilityProcedureRead  Capability = "procedure:read"
	CapabilityProcedureWrite Capability = "procedure:write"
	CapabilityScripting      Capability = "scripting"
)

// CapabilityDeclarer is implemented by analyzers requesting host capabilities.
type CapabilityDeclarer interface {
	Capabilities() []Capability
}

// Info is the descriptive metadata the manager keeps for each analyzer.
type Info struct {
	ID            string                       `json:"id"`
	Name          string                       `json:"name"`
	Description   string                       `json:"description"`
	Version       string                       `json:"version"`
	Type          onkostar.PluginType          `json:"type"`
	Requirement   onkostar.AnalyzerRequirement `json:"requirement"`
	TriggerEvents []onkostar.TriggerEvent      `json:"trigger_events"`
	Synchronous   bool                         `json:"synchronous"`
	Methods       []string                     `json:"methods,omitempty"`
	Capabilities  []Capability                 `json:"capabilities,omitempty"`
	State         State                        `json:"state"`
	Source        string                       `json:"source"`
}

// describe snapshots the metadata of a.
func describe(id string, a onkostar.ProcedureAnalyzer) Info {
	info := Info{
		ID:            id,
		Name:          a.Name(),
		Description:   a.Description(),
		Version:       a.Version(),
		Type:          a.Type(),
		Requirement:   a.Requirement(),
		TriggerEvents: slices.Clone(a.TriggerEvents()),
		Synchronous:   a.Synchronous(),
	}
	if declarer, ok := a.(CapabilityDeclarer); ok {
		info.Capabilities = slices.Clone(declarer.Capabilities())
	}
	if provider, ok := a.(onkostar.MethodProvider); ok {
		for name := range provider.Methods() {
			info.Methods = append(info.Methods, name)
		}
		slices.Sort(info.Methods)
	}
	return info
}

// State represents the lifecycle position of a registered analyzer.
type State string

const (
	StateEnabled  State = "enabled"
	StateDisabled State = "disabled"
)
