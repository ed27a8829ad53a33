// Package gemini adapts canonical completion requests to Google's Gemini
// streamGenerateContent wire format, for both the direct API-key endpoint
// and the OAuth-gated Code Assist endpoint, and translates their streamed
// responses back into the Anthropic Messages SSE schema (spec.md §4.F).
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/madappgang/claudish-proxy/internal/adapter"
	"github.com/madappgang/claudish-proxy/internal/provider"
	"github.com/madappgang/claudish-proxy/internal/sse"
)

// TokenSource supplies the bearer token for the OAuth-gated Code Assist
// endpoint. The direct API-key endpoint does not need one.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Adapter implements adapter.Capability for Gemini Direct and Gemini Code
// Assist; which one is selected is determined by providerName.
type Adapter struct {
	registry     *provider.Registry
	providerName provider.Name
	apiKey       string      // Gemini Direct
	tokens       TokenSource // Gemini Code Assist
}

// New returns a Gemini adapter. Exactly one of apiKey or tokens should be
// non-empty/non-nil, matching providerName.
func New(registry *provider.Registry, providerName provider.Name, apiKey string, tokens TokenSource) *Adapter {
	return &Adapter{registry: registry, providerName: providerName, apiKey: apiKey, tokens: tokens}
}

// Recognize reports whether modelID resolves to this adapter's provider.
func (a *Adapter) Recognize(modelID string) bool {
	desc, _, ok := a.registry.Resolve(modelID)
	return ok && desc.Name == string(a.providerName)
}

// ToolNameLimit reports no provider-imposed limit for Gemini.
func (a *Adapter) ToolNameLimit() int { return 0 }

// schemaRejectedFields are JSON-Schema keywords Gemini's function-calling
// schema validator rejects outright (spec.md §4.F.2).
var schemaRejectedFields = []string{
	"$schema", "$ref", "$defs", "definitions", "anyOf", "oneOf", "allOf",
	"format", "default", "const", "examples", "additionalProperties",
	"minLength", "maxLength", "pattern", "minimum", "maximum",
	"exclusiveMinimum", "exclusiveMaximum", "multipleOf", "minItems", "maxItems",
}

// SanitizeSchema recursively strips JSON-Schema fields Gemini rejects and
// normalizes nullable "type" arrays to their first non-null member,
// recursing into "properties" and "items" (spec.md §4.F.2). The input is
// not mutated; a sanitized copy is returned. Idempotent: sanitizing an
// already-sanitized schema returns it unchanged (spec.md §8, property 9).
func SanitizeSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return nil
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		out[k] = v
	}
	for _, field := range schemaRejectedFields {
		delete(out, field)
	}

	if t, ok := out["type"]; ok {
		out["type"] = normalizeType(t)
	}

	if props, ok := out["properties"].(map[string]any); ok {
		sanitizedProps := make(map[string]any, len(props))
		for name, raw := range props {
			if nested, ok := raw.(map[string]any); ok {
				sanitizedProps[name] = SanitizeSchema(nested)
			} else {
				sanitizedProps[name] = raw
			}
		}
		out["properties"] = sanitizedProps
	}

	if items, ok := out["items"].(map[string]any); ok {
		out["items"] = SanitizeSchema(items)
	}

	return out
}

// normalizeType collapses a JSON-Schema "type" array (e.g. ["string",
// "null"]) to its first non-null member; a scalar type passes through.
func normalizeType(t any) any {
	arr, ok := t.([]any)
	if !ok {
		return t
	}
	for _, v := range arr {
		if s, ok := v.(string); ok && s != "null" {
			return s
		}
	}
	if len(arr) > 0 {
		return arr[0]
	}
	return t
}

type genContent struct {
	Role  string     `json:"role"`
	Parts []genPart  `json:"parts"`
}

type genPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *genFunctionCall `json:"functionCall,omitempty"`
	FunctionResponse *genFuncResponse `json:"functionResponse,omitempty"`
}

type genFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type genFuncResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type genFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type genTool struct {
	FunctionDeclarations []genFunctionDeclaration `json:"functionDeclarations"`
}

type genRequest struct {
	SystemInstruction *genContent          `json:"systemInstruction,omitempty"`
	Contents          []genContent         `json:"contents"`
	Tools             []genTool            `json:"tools,omitempty"`
	GenerationConfig  genGenerationConfig  `json:"generationConfig"`
}

type genGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     float64  `json:"temperature,omitempty"`
	ThinkingConfig  *genThinkingConfig `json:"thinkingConfig,omitempty"`
}

type genThinkingConfig struct {
	ThinkingBudget int `json:"thinkingBudget"`
}

// PrepareRequest translates a canonical Request into a Gemini
// streamGenerateContent HTTP request, sanitizing tool schemas en route.
func (a *Adapter) PrepareRequest(ctx context.Context, req adapter.Request, modelID string) (adapter.Prepared, error) {
	desc, bareModel, ok := a.registry.Resolve(modelID)
	if !ok {
		return adapter.Prepared{}, fmt.Errorf("gemini adapter: unresolvable model %q", modelID)
	}

	wire := genRequest{
		GenerationConfig: genGenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature},
	}
	if req.ThinkingBudgetTokens > 0 {
		wire.GenerationConfig.ThinkingConfig = &genThinkingConfig{ThinkingBudget: req.ThinkingBudgetTokens}
	}
	if req.System != "" {
		wire.SystemInstruction = &genContent{Parts: []genPart{{Text: req.System}}}
	}
	for _, m := range req.Messages {
		wire.Contents = append(wire.Contents, toGenContent(m))
	}
	if len(req.Tools) > 0 {
		decls := make([]genFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, genFunctionDeclaration{
				Name: t.Name, Description: t.Description, Parameters: SanitizeSchema(t.InputSchema),
			})
		}
		wire.Tools = []genTool{{FunctionDeclarations: decls}}
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return adapter.Prepared{}, fmt.Errorf("gemini adapter: marshaling request: %w", err)
	}

	path := strings.Replace(desc.APIPath, "{model}", bareModel, 1)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return adapter.Prepared{}, fmt.Errorf("gemini adapter: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.tokens != nil {
		token, err := a.tokens.AccessToken(ctx)
		if err != nil {
			return adapter.Prepared{}, fmt.Errorf("gemini adapter: acquiring access token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	} else {
		httpReq.Header.Set("x-goog-api-key", a.apiKey)
	}
	for k, v := range desc.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	return adapter.Prepared{HTTPRequest: httpReq, ToolNameMap: map[string]string{}}, nil
}

func toGenContent(m adapter.Message) genContent {
	role := "user"
	if m.Role == "assistant" {
		role = "model"
	}
	c := genContent{Role: role}
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			c.Parts = append(c.Parts, genPart{Text: block.Text})
		case "tool_use":
			c.Parts = append(c.Parts, genPart{FunctionCall: &genFunctionCall{Name: block.ToolName, Args: block.ToolInput}})
		case "tool_result":
			c.Parts = append(c.Parts, genPart{FunctionResponse: &genFuncResponse{
				Name: block.ToolName, Response: map[string]any{"result": block.ToolResult},
			}})
		}
	}
	return c
}

type genStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text         string           `json:"text"`
				Thought      bool             `json:"thought"`
				FunctionCall *genFunctionCall `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// TranslateResponseStream consumes a Gemini SSE stream and re-emits the
// Anthropic Messages SSE schema.
func (a *Adapter) TranslateResponseStream(ctx context.Context, body io.Reader, w *sse.Writer, opts adapter.TranslateOpts) (adapter.TranslateResult, error) {
	result := adapter.TranslateResult{StopReason: "end_turn"}

	if err := w.MessageStart(sse.Message{
		ID: opts.MessageID, Type: "message", Role: "assistant", Model: opts.Model, Content: []any{},
	}); err != nil {
		return result, err
	}

	nextIndex := 0
	textIndex := -1
	thinkIndex := -1
	var fullText strings.Builder

	closeText := func() error {
		if textIndex < 0 {
			return nil
		}
		idx := textIndex
		textIndex = -1
		return w.ContentBlockStop(idx)
	}
	closeThink := func() error {
		if thinkIndex < 0 {
			return nil
		}
		idx := thinkIndex
		thinkIndex = -1
		return w.ContentBlockStop(idx)
	}

	onLine := func(line string) error {
		if !strings.HasPrefix(line, "data: ") {
			return nil
		}
		var chunk genStreamChunk
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			return nil
		}
		if chunk.UsageMetadata != nil {
			result.InputTokens = chunk.UsageMetadata.PromptTokenCount
			result.OutputTokens = chunk.UsageMetadata.CandidatesTokenCount
		}
		if len(chunk.Candidates) == 0 {
			return nil
		}
		cand := chunk.Candidates[0]

		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				if err := closeText(); err != nil {
					return err
				}
				if err := closeThink(); err != nil {
					return err
				}
				idx := nextIndex
				nextIndex++
				argsJSON, _ := json.Marshal(part.FunctionCall.Args)
				if err := w.ContentBlockStart(idx, sse.ContentBlock{Type: "tool_use", ID: part.FunctionCall.Name, Name: part.FunctionCall.Name}); err != nil {
					return err
				}
				if err := w.ContentBlockDelta(idx, sse.Delta{Type: "input_json_delta", PartialJSON: string(argsJSON)}); err != nil {
					return err
				}
				if err := w.ContentBlockStop(idx); err != nil {
					return err
				}
				result.StopReason = "tool_use"
			case part.Thought:
				if textIndex >= 0 {
					if err := closeText(); err != nil {
						return err
					}
				}
				if thinkIndex < 0 {
					thinkIndex = nextIndex
					nextIndex++
					if err := w.ContentBlockStart(thinkIndex, sse.ContentBlock{Type: "thinking"}); err != nil {
						return err
					}
				}
				if err := w.ContentBlockDelta(thinkIndex, sse.Delta{Type: "thinking_delta", Thinking: part.Text}); err != nil {
					return err
				}
			case part.Text != "":
				if err := closeThink(); err != nil {
					return err
				}
				if textIndex < 0 {
					textIndex = nextIndex
					nextIndex++
					if err := w.ContentBlockStart(textIndex, sse.ContentBlock{Type: "text"}); err != nil {
						return err
					}
				}
				fullText.WriteString(part.Text)
				if err := w.ContentBlockDelta(textIndex, sse.Delta{Type: "text_delta", Text: part.Text}); err != nil {
					return err
				}
			}
		}

		switch cand.FinishReason {
		case "MAX_TOKENS":
			result.StopReason = "max_tokens"
		case "", "STOP":
		default:
			if result.StopReason != "tool_use" {
				result.StopReason = cand.FinishReason
			}
		}
		return nil
	}
	if err := sse.ScanWithPing(ctx, body, w, onLine); err != nil {
		return result, fmt.Errorf("gemini adapter: reading stream: %w", err)
	}

	if err := closeThink(); err != nil {
		return result, err
	}
	if err := closeText(); err != nil {
		return result, err
	}

	result.FullText = fullText.String()

	if err := w.MessageDelta(result.StopReason); err != nil {
		return result, err
	}
	if err := w.MessageLimit(); err != nil {
		return result, err
	}
	return result, w.MessageStop()
}
