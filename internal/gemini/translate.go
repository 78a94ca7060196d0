package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gluk-w/geminigate/internal/relay"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrUnsupportedInput marks request content the backend family cannot take,
// e.g. image parts against a text-only relay.
var ErrUnsupportedInput = errors.New("unsupported input: image content is not supported")

// HasImageInput reports whether any message carries an image content part.
// Checked at the edge so the request fails fast, before any provider call.
func HasImageInput(req *relay.ChatCompletionRequest) bool {
	for _, m := range req.Messages {
		if len(m.Content) == 0 || m.Content[0] != '[' {
			continue
		}
		for _, part := range gjson.GetBytes(m.Content, "@this").Array() {
			if part.Get("type").String() == "image_url" {
				return true
			}
		}
	}
	return false
}

// BuildPayload translates a chat-completion request into the Gemini
// generateContent body for the given tier model.
func BuildPayload(model string, req *relay.ChatCompletionRequest) ([]byte, error) {
	body := map[string]any{}

	var system []string
	var contents []map[string]any
	// Tool-call ids seen on assistant turns, so tool results can be routed
	// back to the right function name.
	callNames := make(map[string]string)

	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			text, err := contentText(m.Content)
			if err != nil {
				return nil, err
			}
			system = append(system, text)

		case "user":
			text, err := contentText(m.Content)
			if err != nil {
				return nil, err
			}
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": text}},
			})

		case "assistant":
			var parts []map[string]any
			if len(m.Content) > 0 {
				text, err := contentText(m.Content)
				if err != nil {
					return nil, err
				}
				if text != "" {
					parts = append(parts, map[string]any{"text": text})
				}
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				var args map[string]any
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						return nil, fmt.Errorf("tool call %s: invalid arguments: %w", tc.ID, err)
					}
				}
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{"name": tc.Function.Name, "args": args},
				})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, map[string]any{"role": "model", "parts": parts})

		case "tool":
			text, err := contentText(m.Content)
			if err != nil {
				return nil, err
			}
			name := callNames[m.ToolCallID]
			if name == "" {
				name = m.ToolCallID
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []map[string]any{{
					"functionResponse": map[string]any{
						"name":     name,
						"response": map[string]any{"result": text},
					},
				}},
			})

		default:
			return nil, fmt.Errorf("unknown message role %q", m.Role)
		}
	}

	body["contents"] = contents
	if len(system) > 0 {
		body["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": strings.Join(system, "\n\n")}},
		}
	}
	if len(req.Tools) > 0 {
		var decls []map[string]any
		for _, t := range req.Tools {
			decl := map[string]any{"name": t.Function.Name}
			if t.Function.Description != "" {
				decl["description"] = t.Function.Description
			}
			if len(t.Function.Parameters) > 0 {
				var params any
				if err := json.Unmarshal(t.Function.Parameters, &params); err != nil {
					return nil, fmt.Errorf("tool %s: invalid parameters: %w", t.Function.Name, err)
				}
				decl["parameters"] = params
			}
			decls = append(decls, decl)
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return applyGenerationConfig(raw, model, req)
}

// applyGenerationConfig writes the sparse generationConfig fields straight
// into the payload; sjson keeps the absent ones absent instead of zeroed.
func applyGenerationConfig(raw []byte, model string, req *relay.ChatCompletionRequest) ([]byte, error) {
	var err error
	set := func(path string, value any) {
		if err != nil {
			return
		}
		raw, err = sjson.SetBytes(raw, path, value)
	}

	if req.Temperature != nil {
		set("generationConfig.temperature", *req.Temperature)
	}
	if req.TopP != nil {
		set("generationConfig.topP", *req.TopP)
	}
	if req.MaxTokens != nil {
		set("generationConfig.maxOutputTokens", *req.MaxTokens)
	}
	if req.Seed != nil {
		set("generationConfig.seed", *req.Seed)
	}
	if req.PresencePenalty != nil {
		set("generationConfig.presencePenalty", *req.PresencePenalty)
	}
	if req.FrequencyPenalty != nil {
		set("generationConfig.frequencyPenalty", *req.FrequencyPenalty)
	}
	if stops := stopSequences(req.Stop); len(stops) > 0 {
		set("generationConfig.stopSequences", stops)
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "text" {
		set("generationConfig.responseMimeType", "application/json")
	}

	budget, hasBudget := 0, false
	if req.ThinkingBudget != nil {
		budget, hasBudget = *req.ThinkingBudget, true
	} else if b, ok := relay.ThinkingBudgetFor(model, req.ReasoningEffort); ok {
		budget, hasBudget = b, true
	}
	if hasBudget {
		set("generationConfig.thinkingConfig.thinkingBudget", budget)
		set("generationConfig.thinkingConfig.includeThoughts", !relay.HideThoughts(req.ReasoningEffort))
	}

	return raw, err
}

func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

// contentText flattens message content (a bare string or an array of
// content parts) into text. Image parts are rejected.
func contentText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}

	var parts []string
	for _, part := range gjson.GetBytes(raw, "@this").Array() {
		switch part.Get("type").String() {
		case "text":
			parts = append(parts, part.Get("text").String())
		case "image_url":
			return "", ErrUnsupportedInput
		}
	}
	return strings.Join(parts, ""), nil
}
