package configx

// Configuration precedence tiers, lowest to highest priority: a runtime
// override always wins over an environment variable, which always wins
// over the built-in default.
const (
	TierDefault = iota
	TierEnvironment
	TierRuntime
)

var tierNames = map[int]string{
	TierDefault:     "default",
	TierEnvironment: "environment",
	TierRuntime:     "runtime",
}

// TierName returns the human-readable name for a precedence tier constant.
func TierName(tier int) string {
	if name, ok := tierNames[tier]; ok {
		return name
	}
	return "unknown"
}

// TierPrecedenceOrder returns the merge order from lowest to highest
// priority.
func TierPrecedenceOrder() []int {
	return []int{TierDefault, TierEnvironment, TierRuntime}
}
