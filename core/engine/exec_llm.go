package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/llm"
)

// execLLM renders the prompt, makes a single chat call and accounts the
// spend. A response_schema forces the completion through a JSON Schema
// check with one self-repair round trip on failure.
func (e *Engine) execLLM(ctx context.Context, rt *runtime, sc *scope, node *blueprint.NodeSpec) (any, error) {
	spec := node.LLM
	prov, err := e.providers.Get(spec.Provider)
	if err != nil {
		return nil, err
	}

	params, err := e.resolveInputs(rt, sc, node)
	if err != nil {
		return nil, err
	}
	tmplScope := e.templateScope(rt, sc, params)

	prompt, err := llm.RenderTemplate(spec.Prompt, tmplScope)
	if err != nil {
		return nil, err
	}
	var messages []llm.Message
	if spec.SystemPrompt != "" {
		system, err := llm.RenderTemplate(spec.SystemPrompt, tmplScope)
		if err != nil {
			return nil, err
		}
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	resp, err := e.chat(ctx, rt, prov, llm.Request{
		Model:       spec.Model,
		Messages:    messages,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	}, spec.Provider)
	if err != nil {
		return nil, err
	}

	if len(spec.ResponseSchema) == 0 {
		return map[string]any{
			"text":   resp.Text,
			"tokens": resp.Usage.OutputTokens,
		}, nil
	}

	parsed, verr := parseAgainstSchema(resp.Text, spec.ResponseSchema)
	if verr != nil {
		// One self-repair attempt before giving up.
		repair := append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Text},
			llm.Message{Role: llm.RoleUser, Content: "The previous reply did not satisfy the required JSON schema: " +
				verr.Error() + ". Reply with only the corrected JSON object."})
		resp, err = e.chat(ctx, rt, prov, llm.Request{
			Model:       spec.Model,
			Messages:    repair,
			Temperature: spec.Temperature,
			MaxTokens:   spec.MaxTokens,
		}, spec.Provider)
		if err != nil {
			return nil, err
		}
		parsed, verr = parseAgainstSchema(resp.Text, spec.ResponseSchema)
		if verr != nil {
			return nil, apperrors.Wrap(apperrors.KindValidation, verr,
				"model output failed the response schema after one repair attempt")
		}
	}

	if obj, ok := parsed.(map[string]any); ok {
		return obj, nil
	}
	return map[string]any{"result": parsed}, nil
}

// chat performs one provider call and accounts its cost against the run
// budget before returning.
func (e *Engine) chat(ctx context.Context, rt *runtime, prov llm.Provider, req llm.Request, providerName string) (llm.Response, error) {
	resp, err := prov.Chat(ctx, req)
	if err != nil {
		return llm.Response{}, asAppError(err, apperrors.KindLLMProvider)
	}

	cost := resp.Usage.CostUSD
	if cost == 0 && resp.Usage.OutputTokens > 0 {
		cost = float64(resp.Usage.OutputTokens) * e.catalog.Rate(providerName, req.Model)
	}
	if cost > 0 {
		if budgetErr := rt.ec.AccumulateCost(cost); budgetErr != nil {
			return llm.Response{}, budgetErr
		}
	}
	return resp, nil
}

// parseAgainstSchema decodes a completion as JSON, tolerating markdown
// fences, and validates it against the compiled schema.
func parseAgainstSchema(text string, schemaDoc map[string]any) (any, error) {
	raw := strings.TrimSpace(text)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}

	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, err
	}

	schema, err := blueprint.CompileSchema(schemaDoc)
	if err != nil {
		return nil, err
	}
	if schema != nil {
		if err := schema.Validate(parsed); err != nil {
			return nil, err
		}
	}
	return parsed, nil
}
