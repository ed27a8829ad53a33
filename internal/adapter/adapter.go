// Package adapter defines the canonical request shape and the Adapter
// capability set that each provider package implements (spec.md §4.F, §9).
package adapter

import (
	"context"
	"io"
	"net/http"

	"github.com/madappgang/claudish-proxy/internal/sse"
)

// Message is one canonical conversation turn.
type Message struct {
	Role    string // "user" | "assistant"
	Content []ContentBlock
}

// ContentBlock is one canonical content span: text, a tool call the
// assistant made, or a tool result supplied by the user turn.
type ContentBlock struct {
	Type       string // "text" | "tool_use" | "tool_result"
	Text       string
	ToolUseID  string
	ToolName   string
	ToolInput  map[string]any
	ToolResult string
}

// Tool is a canonical tool/function declaration.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is the canonical request the classifier hands to an adapter,
// translated from the vendor's intercepted completion payload.
type Request struct {
	System               string
	Messages             []Message
	Tools                []Tool
	MaxTokens            int
	Temperature          float64
	ThinkingBudgetTokens int
	Stream               bool
	// ParentMessageUUID is the client-supplied parent_message_uuid from the
	// intercepted completion body, threaded through to the Conversation
	// State Store so the stored user message's parent matches what the
	// client actually sent (spec.md §3).
	ParentMessageUUID string
}

// Prepared is the result of translating a canonical Request into a
// provider's wire format.
type Prepared struct {
	HTTPRequest *http.Request
	// ToolNameMap maps a (possibly truncated) outbound tool name back to
	// the original, for reversal in tool_use blocks in the response
	// (spec.md §4.F.2, truncation rule; Testable scenario D).
	ToolNameMap map[string]string
}

// Capability is the set every provider adapter implements (spec.md §9):
// recognize(model_id), prepare_request, translate_response_stream,
// tool_name_limit().
type Capability interface {
	// Recognize reports whether modelID (the bare model id after stripping
	// the routing-target's provider prefix) belongs to this adapter.
	Recognize(modelID string) bool
	// PrepareRequest translates a canonical Request for modelID into the
	// provider's wire request, ready to send upstream.
	PrepareRequest(ctx context.Context, req Request, modelID string) (Prepared, error)
	// TranslateResponseStream consumes the provider's raw SSE/JSON response
	// body and re-emits the Anthropic Messages SSE event schema to w.
	TranslateResponseStream(ctx context.Context, body io.Reader, w *sse.Writer, opts TranslateOpts) (TranslateResult, error)
	// ToolNameLimit returns the maximum tool name length this provider
	// accepts (0 means unbounded).
	ToolNameLimit() int
}

// TranslateOpts carries per-request context needed to shape the
// re-streamed Anthropic SSE events.
type TranslateOpts struct {
	MessageID   string
	Model       string
	ToolNameMap map[string]string // truncated -> original
}

// TranslateResult carries side-channel information extracted from the
// upstream stream, needed by the caller (e.g. for usage accounting and for
// the conversation store).
type TranslateResult struct {
	InputTokens  int
	OutputTokens int
	FullText     string // concatenation of all emitted text deltas
	StopReason   string
}
