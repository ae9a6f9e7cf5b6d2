// Package model provides capability-based model selection for pipeline steps.
// Instead of hardcoding model names, callers specify capabilities (search,
// analysis, writing) and the registry resolves them to available endpoints
// with fallback chains.
package model

// Capability represents a semantic capability for model selection.
// Instead of specifying "gpt-4o", callers specify "writing" or "search".
type Capability string

const (
	// CapabilitySearch is for web-grounded research with citations.
	CapabilitySearch Capability = "search"

	// CapabilityAnalysis is for trend evaluation and opportunity scoring.
	CapabilityAnalysis Capability = "analysis"

	// CapabilityCreative is for concept and idea generation.
	CapabilityCreative Capability = "creative"

	// CapabilityWriting is for final content composition.
	CapabilityWriting Capability = "writing"

	// CapabilityStrategy is for planning and execution strategy.
	CapabilityStrategy Capability = "strategy"
)

// IsValid checks if a capability string is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilitySearch, CapabilityAnalysis, CapabilityCreative, CapabilityWriting, CapabilityStrategy:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string {
	return string(c)
}

// ParseCapability converts a string to a Capability, returning empty for invalid values.
func ParseCapability(s string) Capability {
	cap := Capability(s)
	if cap.IsValid() {
		return cap
	}
	return ""
}
