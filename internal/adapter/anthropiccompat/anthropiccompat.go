// Package anthropiccompat adapts canonical completion requests for
// providers that already speak the Anthropic Messages wire format
// (MiniMax, Kimi/Moonshot via /anthropic/v1/messages): request translation
// is a direct field mapping, and the response stream is re-emitted
// essentially verbatim, modulo message id and model substitution
// (spec.md §4.F.2, §4.F.3).
package anthropiccompat

import (
	"bufio"
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

// TokenSource supplies an OAuth bearer token when one is configured for
// this provider (e.g. Kimi via device-code grant); nil means static-key
// auth is used instead.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Adapter implements adapter.Capability for Anthropic-wire-compatible
// providers.
type Adapter struct {
	registry     *provider.Registry
	providerName provider.Name
	apiKey       string
	tokens       TokenSource
}

// New returns an Adapter bound to providerName. With tokens set, requests
// carry a bearer token and fall back to the static apiKey (when non-empty)
// if acquiring a token fails; with tokens nil, apiKey alone is used.
func New(registry *provider.Registry, providerName provider.Name, apiKey string, tokens TokenSource) *Adapter {
	return &Adapter{registry: registry, providerName: providerName, apiKey: apiKey, tokens: tokens}
}

// Recognize reports whether modelID resolves to this adapter's provider.
func (a *Adapter) Recognize(modelID string) bool {
	desc, _, ok := a.registry.Resolve(modelID)
	return ok && desc.Name == string(a.providerName)
}

// ToolNameLimit reports no truncation: the wire format is already
// Anthropic's, so there is nothing to reverse.
func (a *Adapter) ToolNameLimit() int { return 0 }

type wireContentBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	Content   string         `json:"content,omitempty"`
}

type wireMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
	Tools     []wireTool    `json:"tools,omitempty"`
	MaxTokens int           `json:"max_tokens"`
	Stream    bool          `json:"stream"`
	Thinking  *wireThinking `json:"thinking,omitempty"`
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

// PrepareRequest translates a canonical Request into the provider's
// Anthropic-compatible wire request.
func (a *Adapter) PrepareRequest(ctx context.Context, req adapter.Request, modelID string) (adapter.Prepared, error) {
	desc, bareModel, ok := a.registry.Resolve(modelID)
	if !ok {
		return adapter.Prepared{}, fmt.Errorf("anthropiccompat adapter: unresolvable model %q", modelID)
	}

	wire := wireRequest{Model: bareModel, System: req.System, MaxTokens: req.MaxTokens, Stream: req.Stream}
	if req.ThinkingBudgetTokens > 0 {
		wire.Thinking = &wireThinking{Type: "enabled", BudgetTokens: req.ThinkingBudgetTokens}
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role}
		for _, block := range m.Content {
			switch block.Type {
			case "text":
				wm.Content = append(wm.Content, wireContentBlock{Type: "text", Text: block.Text})
			case "tool_use":
				wm.Content = append(wm.Content, wireContentBlock{Type: "tool_use", ID: block.ToolUseID, Name: block.ToolName, Input: block.ToolInput})
			case "tool_result":
				wm.Content = append(wm.Content, wireContentBlock{Type: "tool_result", ToolUseID: block.ToolUseID, Content: block.ToolResult})
			}
		}
		wire.Messages = append(wire.Messages, wm)
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return adapter.Prepared{}, fmt.Errorf("anthropiccompat adapter: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.BaseURL+desc.APIPath, bytes.NewReader(body))
	if err != nil {
		return adapter.Prepared{}, fmt.Errorf("anthropiccompat adapter: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	if a.tokens != nil {
		token, err := a.tokens.AccessToken(ctx)
		switch {
		case err == nil:
			httpReq.Header.Set("Authorization", "Bearer "+token)
		case a.apiKey != "":
			httpReq.Header.Set("x-api-key", a.apiKey)
		default:
			return adapter.Prepared{}, fmt.Errorf("anthropiccompat adapter: acquiring access token: %w", err)
		}
	} else {
		httpReq.Header.Set("x-api-key", a.apiKey)
	}
	for k, v := range desc.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	return adapter.Prepared{HTTPRequest: httpReq, ToolNameMap: map[string]string{}}, nil
}

// TranslateResponseStream re-emits the upstream's already-Anthropic-shaped
// SSE stream, substituting opts.MessageID/opts.Model into message_start and
// tallying usage/text for the caller's bookkeeping. Event framing and
// ordering are preserved verbatim; only the message envelope is rewritten.
func (a *Adapter) TranslateResponseStream(ctx context.Context, body io.Reader, w *sse.Writer, opts adapter.TranslateOpts) (adapter.TranslateResult, error) {
	result := adapter.TranslateResult{StopReason: "end_turn"}
	var fullText strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var pendingEvent string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			pendingEvent = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if err := relayEvent(w, pendingEvent, payload, opts, &fullText, &result); err != nil {
				return result, err
			}
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return result, fmt.Errorf("anthropiccompat adapter: reading stream: %w", err)
	}

	result.FullText = fullText.String()
	return result, nil
}

func relayEvent(w *sse.Writer, event, payload string, opts adapter.TranslateOpts, fullText *strings.Builder, result *adapter.TranslateResult) error {
	var generic map[string]any
	if err := json.Unmarshal([]byte(payload), &generic); err != nil {
		return nil
	}

	switch event {
	case "message_start":
		msg, _ := generic["message"].(map[string]any)
		if msg != nil {
			msg["id"] = opts.MessageID
			msg["model"] = opts.Model
		}
		return w.MessageStart(sse.Message{
			ID: opts.MessageID, Type: "message", Role: "assistant", Model: opts.Model, Content: []any{},
		})
	case "ping":
		return w.Ping()
	case "content_block_start":
		idx, block := contentBlockStartFields(generic)
		return w.ContentBlockStart(idx, block)
	case "content_block_delta":
		idx, delta := contentBlockDeltaFields(generic)
		if delta.Type == "text_delta" {
			fullText.WriteString(delta.Text)
		}
		return w.ContentBlockDelta(idx, delta)
	case "content_block_stop":
		idx, _ := generic["index"].(float64)
		return w.ContentBlockStop(int(idx))
	case "message_delta":
		if delta, ok := generic["delta"].(map[string]any); ok {
			if sr, ok := delta["stop_reason"].(string); ok && sr != "" {
				result.StopReason = sr
			}
		}
		if usage, ok := generic["usage"].(map[string]any); ok {
			if v, ok := usage["input_tokens"].(float64); ok {
				result.InputTokens = int(v)
			}
			if v, ok := usage["output_tokens"].(float64); ok {
				result.OutputTokens = int(v)
			}
		}
		return w.MessageDelta(result.StopReason)
	case "message_limit":
		return w.MessageLimit()
	case "message_stop":
		return w.MessageStop()
	}
	return nil
}

func contentBlockStartFields(generic map[string]any) (int, sse.ContentBlock) {
	idx, _ := generic["index"].(float64)
	block := sse.ContentBlock{}
	if cb, ok := generic["content_block"].(map[string]any); ok {
		if t, ok := cb["type"].(string); ok {
			block.Type = t
		}
		if id, ok := cb["id"].(string); ok {
			block.ID = id
		}
		if name, ok := cb["name"].(string); ok {
			block.Name = name
		}
	}
	return int(idx), block
}

func contentBlockDeltaFields(generic map[string]any) (int, sse.Delta) {
	idx, _ := generic["index"].(float64)
	delta := sse.Delta{}
	if d, ok := generic["delta"].(map[string]any); ok {
		if t, ok := d["type"].(string); ok {
			delta.Type = t
		}
		if v, ok := d["text"].(string); ok {
			delta.Text = v
		}
		if v, ok := d["thinking"].(string); ok {
			delta.Thinking = v
		}
		if v, ok := d["partial_json"].(string); ok {
			delta.PartialJSON = v
		}
	}
	return int(idx), delta
}
