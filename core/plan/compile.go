package plan

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/expr"
	"github.com/iceos-ai/iceos/core/llm"
	"github.com/iceos-ai/iceos/core/registry"
	"github.com/iceos-ai/iceos/core/sandbox"
)

// Offense is one validation failure. The validator collects every offense
// before reporting; it never short-circuits.
type Offense struct {
	NodeID  string `json:"node_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// defaultLLMTokens is assumed for llm/agent nodes that do not declare
// max_tokens, so the budget estimate never undercounts to zero.
const defaultLLMTokens = 1024

// maxWorkflowDepth bounds sub-workflow estimate recursion.
const maxWorkflowDepth = 5

// Compiler validates blueprints and materializes plans.
type Compiler struct {
	reg     *registry.Registry
	eval    *expr.Evaluator
	catalog llm.Catalog
	log     *logger.Logger
}

// NewCompiler creates a compiler bound to a registry snapshot source.
func NewCompiler(reg *registry.Registry, eval *expr.Evaluator, catalog llm.Catalog, log *logger.Logger) *Compiler {
	return &Compiler{reg: reg, eval: eval, catalog: catalog, log: log.WithComponent("compiler")}
}

// Validate runs every check and returns a single Validation error listing
// all offenses, or nil.
func (c *Compiler) Validate(ctx context.Context, bp *blueprint.Blueprint) error {
	_, err := c.Compile(ctx, bp)
	return err
}

// Compile validates the blueprint and produces its Plan.
func (c *Compiler) Compile(ctx context.Context, bp *blueprint.Blueprint) (*Plan, error) {
	var offenses []Offense
	add := func(nodeID, field, format string, args ...any) {
		offenses = append(offenses, Offense{NodeID: nodeID, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// 1. Unique ids, existing dependency references.
	nodes := make(map[string]*blueprint.NodeSpec, len(bp.Nodes))
	for i := range bp.Nodes {
		n := &bp.Nodes[i]
		if n.ID == "" {
			add("", "id", "node %d has an empty id", i)
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			add(n.ID, "id", "duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
	}
	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if dep == n.ID {
				add(n.ID, "dependencies", "node depends on itself")
			} else if _, ok := nodes[dep]; !ok {
				add(n.ID, "dependencies", "dependency %q does not exist", dep)
			}
		}
	}

	// 2. Container body ownership.
	bodyOwner := make(map[string]string)
	claim := func(owner, member string) {
		if member == owner {
			add(owner, "body", "container cannot contain itself")
			return
		}
		if _, ok := nodes[member]; !ok {
			add(owner, "body", "body references unknown node %q", member)
			return
		}
		if prev, taken := bodyOwner[member]; taken && prev != owner {
			add(member, "body", "node belongs to both %q and %q", prev, owner)
			return
		}
		bodyOwner[member] = owner
	}
	for _, n := range nodes {
		switch n.Kind {
		case blueprint.KindLoop:
			if n.Loop != nil {
				for _, member := range n.Loop.Body {
					claim(n.ID, member)
				}
			}
		case blueprint.KindParallel:
			if n.Parallel != nil {
				for _, branch := range n.Parallel.Branches {
					for _, member := range branch {
						claim(n.ID, member)
					}
				}
			}
		case blueprint.KindRecursive:
			if n.Recursive != nil {
				for _, member := range n.Recursive.Body {
					claim(n.ID, member)
				}
			}
		}
	}

	// Body outputs are scoped to their container; outside nodes must not
	// depend on them.
	for _, n := range nodes {
		owner := bodyOwner[n.ID]
		for _, dep := range n.Dependencies {
			depOwner, depOwned := bodyOwner[dep]
			if !depOwned {
				continue
			}
			if owner != depOwner {
				add(n.ID, "dependencies", "dependency %q is scoped inside container %q", dep, depOwner)
			}
		}
	}

	// 3. Per-kind payloads.
	for _, n := range nodes {
		c.checkKind(n, nodes, bodyOwner, add)
	}

	// 4. Input bindings against upstream output schemas.
	for _, n := range nodes {
		deps := make(map[string]bool, len(n.Dependencies))
		for _, d := range n.Dependencies {
			deps[d] = true
		}
		for param, binding := range n.InputBindings {
			if binding.Ref == nil {
				continue
			}
			ref := binding.Ref
			upstream, ok := nodes[ref.UpstreamID]
			if !ok {
				add(n.ID, "input_bindings."+param, "references unknown node %q", ref.UpstreamID)
				continue
			}
			if !deps[ref.UpstreamID] && bodyOwner[n.ID] == "" {
				add(n.ID, "input_bindings."+param, "references %q which is not a declared dependency", ref.UpstreamID)
			}
			if ref.FieldPath == "" {
				add(n.ID, "input_bindings."+param, "field_path is required")
				continue
			}
			if !blueprint.SchemaDeclaresField(upstream.OutputSchema, rootField(ref.FieldPath)) {
				add(n.ID, "input_bindings."+param,
					"field %q is not declared in the output_schema of %q", ref.FieldPath, ref.UpstreamID)
			}
		}
		if _, err := blueprint.CompileSchema(n.OutputSchema); err != nil {
			add(n.ID, "output_schema", "invalid schema: %v", err)
		}
	}

	// 5. Top-level layering (containers collapsed).
	levels, cyclic := c.layer(nodes, bodyOwner)
	for _, id := range cyclic {
		add(id, "dependencies", "node participates in a dependency cycle")
	}

	// 6. Serial order within each container body.
	bodyOrder := make(map[string][]string)
	for _, n := range nodes {
		var members []string
		reentry := ""
		switch {
		case n.Kind == blueprint.KindLoop && n.Loop != nil:
			members = n.Loop.Body
		case n.Kind == blueprint.KindRecursive && n.Recursive != nil:
			members = n.Recursive.Body
			reentry = n.Recursive.BodyEntry
		case n.Kind == blueprint.KindParallel && n.Parallel != nil:
			for _, branch := range n.Parallel.Branches {
				members = append(members, branch...)
			}
		default:
			continue
		}
		order, bodyCyclic := orderBody(members, reentry, nodes)
		if len(bodyCyclic) > 0 {
			for _, id := range bodyCyclic {
				add(id, "dependencies", "body node participates in a cycle inside container %q", n.ID)
			}
			continue
		}
		bodyOrder[n.ID] = order
	}

	if len(offenses) > 0 {
		sort.SliceStable(offenses, func(i, j int) bool { return offenses[i].NodeID < offenses[j].NodeID })
		return nil, apperrors.New(apperrors.KindValidation,
			"blueprint failed validation with %d offense(s)", len(offenses)).WithDetails(offenses)
	}

	// 7. Budget estimate.
	estimate, err := c.estimate(bp, 0)
	if err != nil {
		return nil, err
	}

	// 8. Fingerprint over canonical blueprint plus registry snapshot.
	canonical, err := bp.CanonicalJSON()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "canonicalize blueprint")
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(c.reg.SnapshotDigest()))
	fingerprint := hex.EncodeToString(h.Sum(nil))

	dependents := make(map[string][]string)
	for _, n := range nodes {
		if _, owned := bodyOwner[n.ID]; owned {
			continue
		}
		for _, dep := range n.Dependencies {
			target := dep
			if owner, owned := bodyOwner[dep]; owned {
				target = owner
			}
			dependents[target] = append(dependents[target], n.ID)
		}
	}

	return &Plan{
		BlueprintID: bp.ID,
		Fingerprint: fingerprint,
		Levels:      levels,
		Nodes:       nodes,
		BodyOwner:   bodyOwner,
		BodyOrder:   bodyOrder,
		Dependents:  dependents,
		EstimateUSD: estimate,
	}, nil
}

// checkKind validates the kind-specific payload of one node.
func (c *Compiler) checkKind(n *blueprint.NodeSpec, nodes map[string]*blueprint.NodeSpec, bodyOwner map[string]string, add func(string, string, string, ...any)) {
	if n.Retry != nil && n.Retry.MaxAttempts < 1 {
		add(n.ID, "retry_policy", "max_attempts must be >= 1")
	}
	if n.TimeoutMS < 0 {
		add(n.ID, "timeout_ms", "must be >= 0")
	}
	if n.When != "" {
		if err := c.eval.Check(n.When); err != nil {
			add(n.ID, "when", "expression does not compile: %v", err)
		}
	}

	switch n.Kind {
	case blueprint.KindTool:
		if n.Tool == nil || n.Tool.ToolName == "" {
			add(n.ID, "tool", "tool nodes require tool_name")
			return
		}
		if _, err := c.reg.Get(registry.KindTool, n.Tool.ToolName); err != nil {
			add(n.ID, "tool.tool_name", "tool %q is not registered", n.Tool.ToolName)
		}

	case blueprint.KindLLM:
		if n.LLM == nil {
			add(n.ID, "llm", "llm nodes require an llm payload")
			return
		}
		if n.LLM.Provider == "" || n.LLM.Model == "" {
			add(n.ID, "llm", "provider and model are required")
		} else if !c.catalog.Contains(n.LLM.Provider, n.LLM.Model) {
			add(n.ID, "llm.model", "%s/%s is not an allowed model", n.LLM.Provider, n.LLM.Model)
		}
		if n.LLM.Prompt == "" {
			add(n.ID, "llm.prompt", "prompt is required")
		}
		if _, err := blueprint.CompileSchema(n.LLM.ResponseSchema); err != nil {
			add(n.ID, "llm.response_schema", "invalid schema: %v", err)
		}

	case blueprint.KindAgent:
		if n.Agent == nil {
			add(n.ID, "agent", "agent nodes require an agent payload")
			return
		}
		if n.Agent.SystemPrompt == "" {
			add(n.ID, "agent.system_prompt", "system_prompt is required")
		}
		if n.Agent.Provider == "" || n.Agent.Model == "" {
			add(n.ID, "agent", "provider and model are required")
		}
		for _, toolName := range n.Agent.Tools {
			if _, err := c.reg.Get(registry.KindTool, toolName); err != nil {
				add(n.ID, "agent.tools", "tool %q is not registered", toolName)
			}
		}
		if n.Agent.MaxIterations < 0 {
			add(n.ID, "agent.max_iterations", "must be >= 0")
		}

	case blueprint.KindCondition:
		if n.Condition == nil || n.Condition.Expression == "" {
			add(n.ID, "condition", "condition nodes require an expression")
			return
		}
		if err := c.eval.Check(n.Condition.Expression); err != nil {
			add(n.ID, "condition.expression", "expression does not compile: %v", err)
		}

	case blueprint.KindLoop:
		if n.Loop == nil {
			add(n.ID, "loop", "loop nodes require a loop payload")
			return
		}
		if len(n.Loop.Body) == 0 {
			add(n.ID, "loop.body", "body must list at least one node")
		}
		if n.Loop.LoopVariable == "" {
			add(n.ID, "loop.loop_variable", "loop_variable is required")
		}
		src := n.Loop.ItemsSource
		if src.UpstreamID == "" || src.FieldPath == "" {
			add(n.ID, "loop.items_source", "items_source requires upstream_id and field_path")
		} else if upstream, ok := nodes[src.UpstreamID]; !ok {
			add(n.ID, "loop.items_source", "references unknown node %q", src.UpstreamID)
		} else if bodyOwner[src.UpstreamID] == n.ID {
			add(n.ID, "loop.items_source", "cannot source items from the loop's own body")
		} else if !blueprint.SchemaDeclaresField(upstream.OutputSchema, rootField(src.FieldPath)) {
			add(n.ID, "loop.items_source", "field %q is not declared by %q", src.FieldPath, src.UpstreamID)
		}

	case blueprint.KindParallel:
		if n.Parallel == nil {
			add(n.ID, "parallel", "parallel nodes require a parallel payload")
			return
		}
		for i, branch := range n.Parallel.Branches {
			if len(branch) == 0 {
				add(n.ID, "parallel.branches", "branch %d is empty", i)
			}
		}

	case blueprint.KindRecursive:
		if n.Recursive == nil {
			add(n.ID, "recursive", "recursive nodes require a recursive payload")
			return
		}
		if len(n.Recursive.Body) == 0 {
			add(n.ID, "recursive.body", "body must list at least one node")
		}
		entryInBody := false
		for _, member := range n.Recursive.Body {
			if member == n.Recursive.BodyEntry {
				entryInBody = true
			}
		}
		if n.Recursive.BodyEntry == "" || !entryInBody {
			add(n.ID, "recursive.body_entry", "body_entry must name a node inside the body")
		}
		if n.Recursive.ConvergenceExpression == "" {
			add(n.ID, "recursive.convergence_expression", "convergence_expression is required")
		} else if err := c.eval.Check(n.Recursive.ConvergenceExpression); err != nil {
			add(n.ID, "recursive.convergence_expression", "expression does not compile: %v", err)
		}
		if n.Recursive.MaxIterations < 0 {
			add(n.ID, "recursive.max_iterations", "must be >= 0")
		}

	case blueprint.KindWorkflow:
		if n.Workflow == nil || n.Workflow.WorkflowRef == "" {
			add(n.ID, "workflow", "workflow nodes require workflow_ref")
			return
		}
		if _, err := c.reg.Get(registry.KindWorkflow, n.Workflow.WorkflowRef); err != nil {
			add(n.ID, "workflow.workflow_ref", "workflow %q is not registered", n.Workflow.WorkflowRef)
		}

	case blueprint.KindCode:
		if n.Code == nil || n.Code.Source == "" {
			add(n.ID, "code", "code nodes require inline source")
			return
		}
		if !sandbox.Supported(n.Code.Language) {
			add(n.ID, "code.language", "unsupported language %q", n.Code.Language)
		}

	default:
		add(n.ID, "kind", "unknown node kind %q", n.Kind)
	}
}

// layer assigns top-level nodes to levels: level = 1 + max(level of deps),
// with container body members absorbed into their owner. Returns the node
// ids left unplaced by a cycle.
func (c *Compiler) layer(nodes map[string]*blueprint.NodeSpec, bodyOwner map[string]string) ([][]string, []string) {
	// Effective dependency: a dep inside a container counts as a dep on
	// the container itself.
	resolve := func(id string) string {
		if owner, owned := bodyOwner[id]; owned {
			return owner
		}
		return id
	}

	indegree := make(map[string]int)
	edges := make(map[string][]string)
	for id, n := range nodes {
		if _, owned := bodyOwner[id]; owned {
			continue
		}
		if _, ok := indegree[id]; !ok {
			indegree[id] = 0
		}
		seen := make(map[string]bool)
		for _, dep := range n.Dependencies {
			eff := resolve(dep)
			if eff == id || seen[eff] {
				continue
			}
			if _, exists := nodes[eff]; !exists {
				continue
			}
			if _, owned := bodyOwner[eff]; owned {
				continue
			}
			seen[eff] = true
			edges[eff] = append(edges[eff], id)
			indegree[id]++
		}
	}
	// Container deps also flow through their body members' dependencies:
	// a loop over the output of node A must wait for A.
	for id, n := range nodes {
		owner, owned := bodyOwner[id]
		if !owned {
			continue
		}
		for _, dep := range n.Dependencies {
			eff := resolve(dep)
			if eff == owner {
				continue
			}
			if _, exists := indegree[eff]; !exists {
				continue
			}
			already := false
			for _, to := range edges[eff] {
				if to == owner {
					already = true
					break
				}
			}
			if !already {
				edges[eff] = append(edges[eff], owner)
				indegree[owner]++
			}
		}
	}
	// Loop items_source and recursive entry inputs are data deps too.
	for id, n := range nodes {
		if n.Kind == blueprint.KindLoop && n.Loop != nil && n.Loop.ItemsSource.UpstreamID != "" {
			eff := resolve(n.Loop.ItemsSource.UpstreamID)
			if eff != id {
				if _, exists := indegree[eff]; exists {
					already := false
					for _, to := range edges[eff] {
						if to == id {
							already = true
							break
						}
					}
					if !already {
						edges[eff] = append(edges[eff], id)
						indegree[id]++
					}
				}
			}
		}
	}

	var levels [][]string
	placed := 0
	frontier := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		sort.Strings(frontier)
		levels = append(levels, frontier)
		placed += len(frontier)
		var next []string
		for _, id := range frontier {
			for _, to := range edges[id] {
				indegree[to]--
				if indegree[to] == 0 {
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	if placed < len(indegree) {
		var cyclic []string
		inLevels := make(map[string]bool)
		for _, level := range levels {
			for _, id := range level {
				inLevels[id] = true
			}
		}
		for id := range indegree {
			if !inLevels[id] {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return levels, cyclic
	}
	return levels, nil
}

// orderBody topologically orders a container's body members. For
// recursive containers, edges terminating at the declared re-entry point
// are the one tolerated back-edge and are dropped before the sort.
func orderBody(members []string, reentry string, nodes map[string]*blueprint.NodeSpec) ([]string, []string) {
	memberSet := make(map[string]bool, len(members))
	for _, m := range members {
		memberSet[m] = true
	}

	indegree := make(map[string]int, len(members))
	edges := make(map[string][]string)
	for _, m := range members {
		if _, ok := nodes[m]; !ok {
			continue
		}
		if _, ok := indegree[m]; !ok {
			indegree[m] = 0
		}
		for _, dep := range nodes[m].Dependencies {
			if !memberSet[dep] {
				continue
			}
			if m == reentry {
				// Controlled back-edge into the re-entry point.
				continue
			}
			edges[dep] = append(edges[dep], m)
			indegree[m]++
		}
	}

	var order []string
	frontier := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	for len(frontier) > 0 {
		sort.Strings(frontier)
		order = append(order, frontier...)
		var next []string
		for _, id := range frontier {
			for _, to := range edges[id] {
				indegree[to]--
				if indegree[to] == 0 {
					next = append(next, to)
				}
			}
		}
		frontier = next
	}

	if len(order) < len(indegree) {
		var cyclic []string
		inOrder := make(map[string]bool, len(order))
		for _, id := range order {
			inOrder[id] = true
		}
		for id := range indegree {
			if !inOrder[id] {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		return nil, cyclic
	}
	return order, nil
}

// estimate sums declared per-node cost estimates; llm and agent nodes
// contribute max_tokens times the model rate.
func (c *Compiler) estimate(bp *blueprint.Blueprint, depth int) (float64, error) {
	if depth > maxWorkflowDepth {
		return 0, apperrors.New(apperrors.KindValidation,
			"workflow nesting exceeds %d levels", maxWorkflowDepth)
	}

	total := 0.0
	for i := range bp.Nodes {
		n := &bp.Nodes[i]
		total += n.CostEstimateUSD

		switch n.Kind {
		case blueprint.KindLLM:
			if n.LLM != nil {
				tokens := n.LLM.MaxTokens
				if tokens == 0 {
					tokens = defaultLLMTokens
				}
				total += float64(tokens) * c.catalog.Rate(n.LLM.Provider, n.LLM.Model)
			}
		case blueprint.KindAgent:
			if n.Agent != nil {
				tokens := n.Agent.MaxTokens
				if tokens == 0 {
					tokens = defaultLLMTokens
				}
				iters := n.Agent.MaxIterations
				if iters == 0 {
					iters = 8
				}
				total += float64(tokens*iters) * c.catalog.Rate(n.Agent.Provider, n.Agent.Model)
			}
		case blueprint.KindWorkflow:
			if n.Workflow != nil {
				sub, err := c.reg.ResolveWorkflow(n.Workflow.WorkflowRef)
				if err == nil && sub != nil {
					subTotal, err := c.estimate(sub, depth+1)
					if err != nil {
						return 0, err
					}
					total += subTotal
				}
			}
		}
	}
	return total, nil
}

// rootField returns the first segment of a dotted field path.
func rootField(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' || path[i] == '[' {
			return path[:i]
		}
	}
	return path
}
