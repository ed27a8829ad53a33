// Package openai adapts canonical completion requests to the OpenAI chat
// completions wire format (and OpenAI-compatible peers reached through the
// OpenRouter prefix), and translates their streamed responses back into the
// Anthropic Messages SSE schema (spec.md §4.F).
package openai

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

// maxToolNameLen is the longest tool name OpenAI's function-calling API
// accepts; longer names are truncated and the mapping is reversed in
// TranslateResponseStream (spec.md §4.F.2).
const maxToolNameLen = 64

// Adapter implements adapter.Capability for the OpenAI family: OpenAI
// direct and any target reached via the bare "provider/model" OpenRouter
// fallback that happens to speak the same wire format.
type Adapter struct {
	registry     *provider.Registry
	apiKey       string
	providerName provider.Name
}

// New returns an Adapter bound to a provider descriptor (OpenAI or
// OpenRouter) and the API key used to authenticate against it.
func New(registry *provider.Registry, providerName provider.Name, apiKey string) *Adapter {
	return &Adapter{registry: registry, apiKey: apiKey, providerName: providerName}
}

// Recognize reports whether modelID resolves to this adapter's provider.
func (a *Adapter) Recognize(modelID string) bool {
	desc, _, ok := a.registry.Resolve(modelID)
	return ok && desc.Name == string(a.providerName)
}

// ToolNameLimit returns OpenAI's 64-character function-name limit.
func (a *Adapter) ToolNameLimit() int { return maxToolNameLen }

// wireMessage is one OpenAI chat-completions message.
type wireMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolCallFunc `json:"function"`
}

type wireToolCallFunc struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type wireRequest struct {
	Model           string        `json:"model"`
	Messages        []wireMessage `json:"messages"`
	Tools           []wireTool    `json:"tools,omitempty"`
	MaxTokens       int           `json:"max_completion_tokens,omitempty"`
	Temperature     float64       `json:"temperature,omitempty"`
	ReasoningEffort string        `json:"reasoning_effort,omitempty"`
	Stream          bool          `json:"stream"`
}

// reasoningEffort bands thinking.budget_tokens into OpenAI's discrete
// reasoning_effort levels (spec.md §4.F.2).
func reasoningEffort(budgetTokens int) string {
	switch {
	case budgetTokens <= 0:
		return ""
	case budgetTokens < 4000:
		return "minimal"
	case budgetTokens < 16000:
		return "low"
	case budgetTokens < 32000:
		return "medium"
	default:
		return "high"
	}
}

// truncateToolName shortens name to maxToolNameLen, recording the mapping
// so the original can be restored when translating tool_use blocks back.
func truncateToolName(name string, toolNameMap map[string]string) string {
	if len(name) <= maxToolNameLen {
		return name
	}
	truncated := name[:maxToolNameLen]
	toolNameMap[truncated] = name
	return truncated
}

// PrepareRequest translates a canonical Request into an OpenAI
// chat-completions HTTP request.
func (a *Adapter) PrepareRequest(ctx context.Context, req adapter.Request, modelID string) (adapter.Prepared, error) {
	desc, bareModel, ok := a.registry.Resolve(modelID)
	if !ok {
		return adapter.Prepared{}, fmt.Errorf("openai adapter: unresolvable model %q", modelID)
	}

	toolNameMap := make(map[string]string)

	wire := wireRequest{
		Model:           bareModel,
		Stream:          req.Stream,
		Temperature:     req.Temperature,
		MaxTokens:       req.MaxTokens,
		ReasoningEffort: reasoningEffort(req.ThinkingBudgetTokens),
	}

	if req.System != "" {
		wire.Messages = append(wire.Messages, wireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, toWireMessages(m, toolNameMap)...)
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Type: "function",
			Function: wireToolFunction{
				Name:        truncateToolName(t.Name, toolNameMap),
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return adapter.Prepared{}, fmt.Errorf("openai adapter: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.BaseURL+desc.APIPath, bytes.NewReader(body))
	if err != nil {
		return adapter.Prepared{}, fmt.Errorf("openai adapter: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	for k, v := range desc.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}

	return adapter.Prepared{HTTPRequest: httpReq, ToolNameMap: toolNameMap}, nil
}

// toWireMessages expands one canonical Message into zero or more OpenAI
// wire messages: a tool_result content block becomes its own "tool" role
// message, separate from the text/tool_use content of its turn.
func toWireMessages(m adapter.Message, toolNameMap map[string]string) []wireMessage {
	var out []wireMessage
	var text strings.Builder
	var toolCalls []wireToolCall

	for _, block := range m.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			argsJSON, _ := json.Marshal(block.ToolInput)
			toolCalls = append(toolCalls, wireToolCall{
				ID:   block.ToolUseID,
				Type: "function",
				Function: wireToolCallFunc{
					Name:      truncateToolName(block.ToolName, toolNameMap),
					Arguments: string(argsJSON),
				},
			})
		case "tool_result":
			out = append(out, wireMessage{Role: "tool", Content: block.ToolResult, ToolCallID: block.ToolUseID})
		}
	}

	if text.Len() > 0 || len(toolCalls) > 0 {
		out = append([]wireMessage{{Role: m.Role, Content: text.String(), ToolCalls: toolCalls}}, out...)
	}
	return out
}

// streamChunk is one OpenAI chat-completions SSE "data:" payload.
type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning_content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// streamBlockState tracks the content-block bookkeeping needed to translate
// OpenAI's flat per-choice delta stream into Anthropic's indexed content
// blocks (spec.md §4.F.3).
type streamBlockState struct {
	nextIndex   int
	textIndex   int
	thinkIndex  int
	toolIndexOf map[int]int // OpenAI tool_calls[i].index -> our block index
	toolIDOf    map[int]string
	toolNameOf  map[int]string
}

// TranslateResponseStream consumes an OpenAI SSE stream and re-emits the
// Anthropic Messages SSE schema.
func (a *Adapter) TranslateResponseStream(ctx context.Context, body io.Reader, w *sse.Writer, opts adapter.TranslateOpts) (adapter.TranslateResult, error) {
	result := adapter.TranslateResult{StopReason: "end_turn"}

	if err := w.MessageStart(sse.Message{
		ID: opts.MessageID, Type: "message", Role: "assistant", Model: opts.Model, Content: []any{},
	}); err != nil {
		return result, err
	}

	state := &streamBlockState{textIndex: -1, thinkIndex: -1, toolIndexOf: map[int]int{}, toolIDOf: map[int]string{}, toolNameOf: map[int]string{}}
	var fullText strings.Builder

	onLine := func(line string) error {
		if !strings.HasPrefix(line, "data: ") {
			return nil
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return sse.ErrStop
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return nil
		}
		if chunk.Usage != nil {
			result.InputTokens = chunk.Usage.PromptTokens
			result.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			return nil
		}
		choice := chunk.Choices[0]

		if choice.Delta.Reasoning != "" {
			if err := ensureThinkingBlock(w, state); err != nil {
				return err
			}
			if err := w.ContentBlockDelta(state.thinkIndex, sse.Delta{Type: "thinking_delta", Thinking: choice.Delta.Reasoning}); err != nil {
				return err
			}
		}
		if choice.Delta.Content != "" {
			if err := closeThinkingBlock(w, state); err != nil {
				return err
			}
			if err := ensureTextBlock(w, state); err != nil {
				return err
			}
			fullText.WriteString(choice.Delta.Content)
			if err := w.ContentBlockDelta(state.textIndex, sse.Delta{Type: "text_delta", Text: choice.Delta.Content}); err != nil {
				return err
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			if err := closeThinkingBlock(w, state); err != nil {
				return err
			}
			if err := closeTextBlock(w, state); err != nil {
				return err
			}
			if err := emitToolCallFragment(w, state, opts.ToolNameMap, tc.Index, tc.ID, tc.Function.Name, tc.Function.Arguments); err != nil {
				return err
			}
		}

		switch choice.FinishReason {
		case "tool_calls":
			result.StopReason = "tool_use"
		case "length":
			result.StopReason = "max_tokens"
		case "stop", "":
		default:
			result.StopReason = choice.FinishReason
		}
		return nil
	}
	if err := sse.ScanWithPing(ctx, body, w, onLine); err != nil {
		return result, fmt.Errorf("openai adapter: reading stream: %w", err)
	}

	if err := closeThinkingBlock(w, state); err != nil {
		return result, err
	}
	if err := closeTextBlock(w, state); err != nil {
		return result, err
	}
	if err := closeAllToolBlocks(w, state); err != nil {
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

func ensureTextBlock(w *sse.Writer, s *streamBlockState) error {
	if s.textIndex >= 0 {
		return nil
	}
	s.textIndex = s.nextIndex
	s.nextIndex++
	return w.ContentBlockStart(s.textIndex, sse.ContentBlock{Type: "text"})
}

func closeTextBlock(w *sse.Writer, s *streamBlockState) error {
	if s.textIndex < 0 {
		return nil
	}
	idx := s.textIndex
	s.textIndex = -1
	return w.ContentBlockStop(idx)
}

func ensureThinkingBlock(w *sse.Writer, s *streamBlockState) error {
	if s.thinkIndex >= 0 {
		return nil
	}
	s.thinkIndex = s.nextIndex
	s.nextIndex++
	return w.ContentBlockStart(s.thinkIndex, sse.ContentBlock{Type: "thinking"})
}

func closeThinkingBlock(w *sse.Writer, s *streamBlockState) error {
	if s.thinkIndex < 0 {
		return nil
	}
	idx := s.thinkIndex
	s.thinkIndex = -1
	return w.ContentBlockStop(idx)
}

// emitToolCallFragment reassembles OpenAI's per-chunk tool_calls[i].function
// fragments into a single tool_use block with streaming input_json_delta
// fragments (spec.md §4.F.3).
func emitToolCallFragment(w *sse.Writer, s *streamBlockState, toolNameMap map[string]string, oaiIndex int, id, name, argsFragment string) error {
	idx, started := s.toolIndexOf[oaiIndex]
	if !started {
		idx = s.nextIndex
		s.nextIndex++
		s.toolIndexOf[oaiIndex] = idx
		s.toolIDOf[oaiIndex] = id
		originalName := name
		if orig, ok := toolNameMap[name]; ok {
			originalName = orig
		}
		s.toolNameOf[oaiIndex] = originalName
		if err := w.ContentBlockStart(idx, sse.ContentBlock{Type: "tool_use", ID: id, Name: originalName}); err != nil {
			return err
		}
	}
	if argsFragment == "" {
		return nil
	}
	return w.ContentBlockDelta(idx, sse.Delta{Type: "input_json_delta", PartialJSON: argsFragment})
}

func closeAllToolBlocks(w *sse.Writer, s *streamBlockState) error {
	for _, idx := range s.toolIndexOf {
		if err := w.ContentBlockStop(idx); err != nil {
			return err
		}
	}
	return nil
}
