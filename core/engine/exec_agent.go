package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/llm"
	"github.com/iceos-ai/iceos/core/registry"
)

// defaultAgentIterations bounds the tool-use loop when the spec does not.
const defaultAgentIterations = 8

// Memory pseudo-tools exposed to agents with memory_enabled.
const (
	memReadTool  = "memory_read"
	memWriteTool = "memory_write"
	memKeysTool  = "memory_keys"
)

// execAgent runs the tool-use loop: chat, execute requested tools, feed
// observations back, until the model answers without tool calls or the
// iteration cap trips.
func (e *Engine) execAgent(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.Agent
	prov, err := e.providers.Get(spec.Provider)
	if err != nil {
		return nil, err
	}

	params, err := e.resolveInputs(rt, sc, node)
	if err != nil {
		return nil, err
	}
	tmplScope := e.templateScope(rt, sc, params)

	system, err := llm.RenderTemplate(spec.SystemPrompt, tmplScope)
	if err != nil {
		return nil, err
	}
	task := agentTask(params)

	toolSpecs, err := e.agentToolSpecs(spec)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: task},
	}

	maxIter := spec.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultAgentIterations
	}

	toolsUsed := 0
	for iteration := 1; iteration <= maxIter; iteration++ {
		resp, err := e.chat(ctx, rt, prov, llm.Request{
			Model:       spec.Model,
			Messages:    messages,
			Tools:       toolSpecs,
			Temperature: spec.Temperature,
			MaxTokens:   spec.MaxTokens,
		}, spec.Provider)
		if err != nil {
			return nil, err
		}

		if len(resp.ToolCalls) == 0 {
			return map[string]any{
				"text":       resp.Text,
				"iterations": iteration,
				"tool_calls": toolsUsed,
			}, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
		for _, call := range resp.ToolCalls {
			toolsUsed++
			observation := e.invokeAgentTool(ctx, rt, spec, call)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    observation,
				ToolCallID: call.ID,
			})
		}
	}

	return nil, apperrors.New(apperrors.KindAgentExhausted,
		"agent did not produce a final answer within %d iterations", maxIter)
}

// agentToolSpecs builds the tool declarations offered to the model.
func (e *Engine) agentToolSpecs(spec *blueprint.AgentSpec) ([]llm.ToolSpec, error) {
	specs := make([]llm.ToolSpec, 0, len(spec.Tools)+3)
	for _, name := range spec.Tools {
		def, err := e.reg.Get(registry.KindTool, name)
		if err != nil {
			return nil, err
		}
		description := def.Description
		if override, ok := spec.ToolInstructions[name]; ok {
			description = override
		}
		specs = append(specs, llm.ToolSpec{Name: name, Description: description})
	}

	if spec.MemoryEnabled {
		specs = append(specs,
			llm.ToolSpec{Name: memReadTool,
				Description: "Read a key from a memory store. Input: {store, key}. Stores: working, episodic, semantic, procedural."},
			llm.ToolSpec{Name: memWriteTool,
				Description: "Write a value to a memory store. Input: {store, key, value}."},
			llm.ToolSpec{Name: memKeysTool,
				Description: "List the keys of a memory store. Input: {store}."},
		)
	}
	return specs, nil
}

// invokeAgentTool executes one requested tool and renders the
// observation. Tool failures become observations instead of node
// failures so the model can recover.
func (e *Engine) invokeAgentTool(ctx context.Context, rt *runtime, spec *blueprint.AgentSpec, call llm.ToolCall) string {
	result, err := e.dispatchAgentTool(ctx, rt, spec, call)
	if err != nil {
		return fmt.Sprintf("tool %s failed: %v", call.Name, err)
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("tool %s returned an unencodable result: %v", call.Name, err)
	}
	return string(encoded)
}

func (e *Engine) dispatchAgentTool(ctx context.Context, rt *runtime, spec *blueprint.AgentSpec, call llm.ToolCall) (any, error) {
	switch call.Name {
	case memReadTool, memWriteTool, memKeysTool:
		if !spec.MemoryEnabled {
			return nil, apperrors.New(apperrors.KindValidation, "memory is not enabled for this agent")
		}
		return e.memoryTool(ctx, rt, call)
	}

	allowed := false
	for _, name := range spec.Tools {
		if name == call.Name {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, apperrors.New(apperrors.KindValidation, "tool %q is not in the agent's allow list", call.Name)
	}

	tool, err := e.reg.ResolveTool(call.Name)
	if err != nil {
		return nil, err
	}
	return tool.Execute(ctx, call.Input)
}

func (e *Engine) memoryTool(ctx context.Context, rt *runtime, call llm.ToolCall) (any, error) {
	store, _ := call.Input["store"].(string)
	handle, err := rt.ec.MemoryHandles().ByName(store)
	if err != nil {
		return nil, err
	}

	switch call.Name {
	case memReadTool:
		key, _ := call.Input["key"].(string)
		value, err := handle.Read(ctx, key)
		if err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "value": value}, nil
	case memWriteTool:
		key, _ := call.Input["key"].(string)
		if err := handle.Write(ctx, key, call.Input["value"]); err != nil {
			return nil, err
		}
		return map[string]any{"key": key, "written": true}, nil
	default:
		keys, err := handle.Keys(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"keys": keys}, nil
	}
}

// agentTask derives the initial user message from the resolved params.
func agentTask(params map[string]any) string {
	if task, ok := params["task"].(string); ok && task != "" {
		return task
	}
	if len(params) == 0 {
		return "Complete the task described in the system prompt."
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return "Complete the task described in the system prompt."
	}
	return "Task inputs: " + string(encoded)
}
