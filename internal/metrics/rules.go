package metrics

import "github.com/noctualabs/hearth/internal/types"

// Rule scores a single activity into the category map. The rule set is a
// replaceable table keyed by activity type; scores are clamped by the
// engine afterwards.
type Rule func(activity types.Activity, scores map[string]float64)

// DefaultRules is the standard scoring table. Conversation feeds two
// categories weighted by the caller-supplied depth and reflection
// scalars; the remaining types feed their natural categories by
// magnitude.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"conversation": func(a types.Activity, scores map[string]float64) {
			scores[types.GroupSage] += a.Depth * 2
			scores[types.GroupHaven] += a.Reflection * 1.5
		},
		"challenge": func(a types.Activity, scores map[string]float64) {
			scores[types.GroupEmber] += a.Magnitude * 2
			scores[types.GroupForge] += a.Magnitude
		},
		"creation": func(a types.Activity, scores map[string]float64) {
			scores[types.GroupDrift] += a.Magnitude * 2
			scores[types.GroupForge] += a.Magnitude * 0.5
		},
		"support": func(a types.Activity, scores map[string]float64) {
			scores[types.GroupHaven] += a.Magnitude * 2
		},
		"exploration": func(a types.Activity, scores map[string]float64) {
			scores[types.GroupDrift] += a.Magnitude
			scores[types.GroupEmber] += a.Magnitude * 0.5
		},
	}
}
