package types

// Group ids. GroupOrder below is the fixed enumeration order used for
// metrics tie-breaking; keep the two in sync.
const (
	GroupEmber = "ember"
	GroupSage  = "sage"
	GroupHaven = "haven"
	GroupForge = "forge"
	GroupDrift = "drift"
)

// GroupOrder is the fixed enumeration order of groups and metrics
// categories. The first max in this order wins primary-group ties.
var GroupOrder = []string{GroupEmber, GroupSage, GroupHaven, GroupForge, GroupDrift}

// GroupProfile describes a group for instruction and insight text.
type GroupProfile struct {
	ID      string
	Name    string
	Essence string
	Traits  []string
}

var groupProfiles = map[string]GroupProfile{
	GroupEmber: {
		ID:      GroupEmber,
		Name:    "Ember",
		Essence: "bold, direct, energized by challenge",
		Traits:  []string{"courage", "drive", "candor"},
	},
	GroupSage: {
		ID:      GroupSage,
		Name:    "Sage",
		Essence: "curious, analytical, drawn to deep questions",
		Traits:  []string{"curiosity", "clarity", "patience"},
	},
	GroupHaven: {
		ID:      GroupHaven,
		Name:    "Haven",
		Essence: "warm, steady, attentive to others",
		Traits:  []string{"empathy", "loyalty", "calm"},
	},
	GroupForge: {
		ID:      GroupForge,
		Name:    "Forge",
		Essence: "ambitious, pragmatic, focused on building",
		Traits:  []string{"ambition", "discipline", "craft"},
	},
	GroupDrift: {
		ID:      GroupDrift,
		Name:    "Drift",
		Essence: "imaginative, playful, at home in the unknown",
		Traits:  []string{"creativity", "openness", "wonder"},
	},
}

// GroupProfileFor returns the profile for a group id.
func GroupProfileFor(id string) (GroupProfile, bool) {
	p, ok := groupProfiles[id]
	return p, ok
}

// ValidGroup reports whether id names a known group.
func ValidGroup(id string) bool {
	_, ok := groupProfiles[id]
	return ok
}
