package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy enforces capability restrictions at registration time.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
}

// CapabilityIsolation only checks declared capabilities against the policy.
type CapabilityIsolation struct{}

// Validate rejects denied capabilities and, when an allow list exists,
// anything not on it.
func (CapabilityIsolation) Validate(info Info, policy IsolationPolicy) error {
	for _, c := range policy.DeniedCapabilities {
		if slices.Contains(info.Capabilities, c) {
			return fmt.Errorf("capability %s is explicitly denied", c)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, c := range info.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, c) {
			return fmt.Errorf("capability %s not permitted", c)
		}
	}
	return nil
}

// MergePolicies combines the default and the analyzer specific policy.
func MergePolicies(defaults IsolationPolicy, specific *IsolationPolicy) IsolationPolicy {
	if specific == nil {
		return defaults
	}
	merged := specific.Merge(defaults)
	if merged.IsZero() {
		return defaults
	}
	return merged
}

// EnsurePolicy requires a policy for analyzers that declare capabilities
// when strict mode is on.
func EnsurePolicy(info Info, policy IsolationPolicy, strict bool) error {
	if !strict || len(info.Capabilities) == 0 {
		return nil
	}
	if policy.IsZero() {
		return errors.New("analyzers declaring capabilities require an isolation policy")
	}
	return nil
}
