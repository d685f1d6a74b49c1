package ratelimit

import "github.com/iceos-ai/iceos/core/blueprint"

// Tier buckets a blueprint by how expensive its runs tend to be. Agent
// and recursive nodes dominate cost, so they drive the classification.
type Tier string

const (
	TierSimple   Tier = "simple"   // no agent or recursive nodes
	TierStandard Tier = "standard" // 1-2 agent nodes, or any recursion
	TierHeavy    Tier = "heavy"    // 3+ agent nodes
)

// TierConfig is the per-client limit for one tier.
type TierConfig struct {
	Tier      Tier
	PerMinute int64
}

var tierConfigs = map[Tier]TierConfig{
	TierSimple:   {Tier: TierSimple, PerMinute: 100},
	TierStandard: {Tier: TierStandard, PerMinute: 20},
	TierHeavy:    {Tier: TierHeavy, PerMinute: 5},
}

func tierConfig(t Tier) TierConfig {
	if cfg, ok := tierConfigs[t]; ok {
		return cfg
	}
	// Unknown tiers get the most restrictive limit.
	return tierConfigs[TierHeavy]
}

// Tiers lists the configured tiers for API discovery responses.
func Tiers() []TierConfig {
	return []TierConfig{tierConfigs[TierSimple], tierConfigs[TierStandard], tierConfigs[TierHeavy]}
}

// Classify inspects a blueprint and picks its tier.
func Classify(bp *blueprint.Blueprint) Tier {
	agents := 0
	recursive := false
	for i := range bp.Nodes {
		switch bp.Nodes[i].Kind {
		case blueprint.KindAgent:
			agents++
		case blueprint.KindRecursive:
			recursive = true
		}
	}

	switch {
	case agents >= 3:
		return TierHeavy
	case agents > 0 || recursive:
		return TierStandard
	default:
		return TierSimple
	}
}
