package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/iceos-ai/iceos/core/blueprint"
)

func bpWithKinds(kinds ...blueprint.NodeKind) *blueprint.Blueprint {
	bp := &blueprint.Blueprint{}
	for i, k := range kinds {
		bp.Nodes = append(bp.Nodes, blueprint.NodeSpec{ID: string(rune('a' + i)), Kind: k})
	}
	return bp
}

func TestClassify(t *testing.T) {
	assert.Equal(t, TierSimple, Classify(bpWithKinds(blueprint.KindTool, blueprint.KindLLM)))
	assert.Equal(t, TierStandard, Classify(bpWithKinds(blueprint.KindAgent)))
	assert.Equal(t, TierStandard, Classify(bpWithKinds(blueprint.KindTool, blueprint.KindRecursive)))
	assert.Equal(t, TierHeavy, Classify(bpWithKinds(
		blueprint.KindAgent, blueprint.KindAgent, blueprint.KindAgent)))
	assert.Equal(t, TierSimple, Classify(&blueprint.Blueprint{}))
}

func TestTierConfigFallsBackToHeavy(t *testing.T) {
	assert.Equal(t, tierConfigs[TierHeavy].PerMinute, tierConfig(Tier("bogus")).PerMinute)
}
