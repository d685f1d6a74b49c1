// Package plan validates blueprints and compiles them into immutable
// execution plans: topological levels, body ownership for container
// nodes, and a budget estimate. Compilation is a pure function of the
// blueprint and the registry snapshot; equal pairs yield equal
// fingerprints.
package plan

import (
	"github.com/iceos-ai/iceos/core/blueprint"
)

// Plan is the compiled, immutable form of a blueprint.
type Plan struct {
	BlueprintID string
	Fingerprint string

	// Levels partition the top-level nodes: every dependency of a node
	// at level k sits at a level strictly below k. Container bodies are
	// collapsed into their owner and expanded by the executors.
	Levels [][]string

	// Nodes indexes every node spec, including body members.
	Nodes map[string]*blueprint.NodeSpec

	// BodyOwner maps a body-member node id to its owning container
	// (loop, parallel or recursive) node id.
	BodyOwner map[string]string

	// BodyOrder gives a dependency-respecting serial order for each
	// container's body members.
	BodyOrder map[string][]string

	// Dependents maps node id to the top-level nodes that depend on it,
	// used for skip propagation.
	Dependents map[string][]string

	// EstimateUSD is the budget pre-flight estimate.
	EstimateUSD float64
}

// Node returns the spec for a node id.
func (p *Plan) Node(id string) *blueprint.NodeSpec { return p.Nodes[id] }

// IsBodyMember reports whether the node belongs to a container's body.
func (p *Plan) IsBodyMember(id string) bool {
	_, ok := p.BodyOwner[id]
	return ok
}

// TopLevelCount returns the number of scheduler-visible nodes.
func (p *Plan) TopLevelCount() int {
	n := 0
	for _, level := range p.Levels {
		n += len(level)
	}
	return n
}
