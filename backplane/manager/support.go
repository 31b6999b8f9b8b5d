package manager

import "sort"

// Capability names an operation a provider may support.
type Capability string

const (
	CapabilityUpdateMetrics  Capability = "UpdateMetrics"
	CapabilityDisposeChanges Capability = "DisposeDataChanges"
	CapabilityPublishChanges Capability = "PublishChange"
	CapabilityListServices   Capability = "ListServices"
)

// Support level thresholds.
const (
	NoSupportThreshold      = 0
	MinimumSupportThreshold = 1
	DefaultSupportThreshold = 10
)

// SupportLevel maps capabilities to priorities. A nil SupportLevel, or a
// missing capability, means DefaultSupportThreshold.
type SupportLevel map[Capability]int

// Priority returns the priority declared for c.
func (s SupportLevel) Priority(c Capability) int {
	if s == nil {
		return DefaultSupportThreshold
	}
	p, ok := s[c]
	if !ok {
		return DefaultSupportThreshold
	}
	return p
}

type registration struct {
	provider Provider
	support  SupportLevel
}

// selectProviders applies the support thresholds and orders the remainder by
// descending priority. Ties keep registration order.
func selectProviders(regs []registration, c Capability) []Provider {
	type candidate struct {
		provider Provider
		priority int
	}

	var supported []candidate
	for _, r := range regs {
		if p := r.support.Priority(c); p > NoSupportThreshold {
			supported = append(supported, candidate{r.provider, p})
		}
	}

	// A bare fallback only takes part when nothing better is available.
	if len(supported) > 1 {
		preferred := supported[:0]
		for _, cand := range supported {
			if cand.priority > MinimumSupportThreshold {
				preferred = append(preferred, cand)
			}
		}
		supported = preferred
	}

	sort.SliceStable(supported, func(i, j int) bool {
		return supported[i].priority > supported[j].priority
	})

	out := make([]Provider, len(supported))
	for i, cand := range supported {
		out[i] = cand.provider
	}
	return out
}
