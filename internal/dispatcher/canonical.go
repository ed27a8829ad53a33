package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/madappgang/claudish-proxy/internal/adapter"
)

// wireRequest mirrors the intercepted client's completion request body —
// not the full Anthropic Messages API shape, but the vendor's own
// lightweight completion endpoint, `POST
// /organizations/{org}/chat_conversations/{uuid}/completion`, which carries
// only the new turn's prompt and its parent message uuid (spec.md's
// Completion-endpoint glossary entry and §8 Scenario B); the rest of the
// conversation lives server-side and is reconstructed by the Conversation
// State Store, not resent on every turn.
type wireRequest struct {
	Prompt            string            `json:"prompt"`
	ParentMessageUUID string            `json:"parent_message_uuid"`
	Attachments       []json.RawMessage `json:"attachments,omitempty"`
}

// canonicalRequestFromBody parses an intercepted client's completion
// request body into the canonical adapter.Request shape shared by every
// provider adapter (spec.md §4.F.2): a single new user turn, carrying the
// client-supplied parent uuid through so the Conversation State Store can
// thread it into the stored message chain (spec.md §3).
func canonicalRequestFromBody(body []byte) (adapter.Request, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return adapter.Request{}, fmt.Errorf("dispatcher: parsing request body: %w", err)
	}

	return adapter.Request{
		ParentMessageUUID: wire.ParentMessageUUID,
		Messages: []adapter.Message{
			{
				Role:    "user",
				Content: []adapter.ContentBlock{{Type: "text", Text: wire.Prompt}},
			},
		},
	}, nil
}
