package anthropiccompat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madappgang/claudish-proxy/internal/adapter"
	"github.com/madappgang/claudish-proxy/internal/provider"
	"github.com/madappgang/claudish-proxy/internal/sse"
)

func TestRecognizeMiniMax(t *testing.T) {
	a := New(provider.NewRegistry(), provider.MiniMax, "key", nil)
	assert.True(t, a.Recognize("mm/abab6.5"))
	assert.False(t, a.Recognize("kimi/moonshot-v1"))
}

func TestPrepareRequestUsesStaticKeyHeader(t *testing.T) {
	a := New(provider.NewRegistry(), provider.MiniMax, "mm-key", nil)
	req := adapter.Request{
		Messages: []adapter.Message{{Role: "user", Content: []adapter.ContentBlock{{Type: "text", Text: "hi"}}}},
	}

	prepared, err := a.PrepareRequest(context.Background(), req, "mm/abab6.5")
	require.NoError(t, err)
	assert.Equal(t, "mm-key", prepared.HTTPRequest.Header.Get("x-api-key"))
	assert.Equal(t, "https://api.minimax.io/anthropic/v1/messages", prepared.HTTPRequest.URL.String())
}

type fakeTokenSource struct{ token string }

func (f fakeTokenSource) AccessToken(ctx context.Context) (string, error) { return f.token, nil }

func TestPrepareRequestUsesBearerTokenWhenOAuth(t *testing.T) {
	a := New(provider.NewRegistry(), provider.Kimi, "", fakeTokenSource{token: "oauth-tok"})
	req := adapter.Request{Messages: []adapter.Message{{Role: "user", Content: []adapter.ContentBlock{{Type: "text", Text: "hi"}}}}}

	prepared, err := a.PrepareRequest(context.Background(), req, "kimi/moonshot-v1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer oauth-tok", prepared.HTTPRequest.Header.Get("Authorization"))
}

func TestTranslateResponseStreamRelaysEventsAndRewritesEnvelope(t *testing.T) {
	a := New(provider.NewRegistry(), provider.MiniMax, "key", nil)
	upstream := strings.Join([]string{
		`event: message_start` + "\n" + `data: {"type":"message_start","message":{"id":"upstream_id","model":"abab6.5","content":[]}}`,
		`event: content_block_start` + "\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`event: content_block_delta` + "\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hi"}}`,
		`event: content_block_stop` + "\n" + `data: {"type":"content_block_stop","index":0}`,
		`event: message_delta` + "\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":4,"output_tokens":1}}`,
		`event: message_stop` + "\n" + `data: {"type":"message_stop"}`,
		"",
	}, "\n\n")

	var buf strings.Builder
	w := sse.NewWriter(&buf)
	result, err := a.TranslateResponseStream(context.Background(), strings.NewReader(upstream), w, adapter.TranslateOpts{
		MessageID: "msg_local", Model: "mm/abab6.5",
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", result.FullText)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, 4, result.InputTokens)
	assert.Equal(t, 1, result.OutputTokens)
	assert.Contains(t, buf.String(), `"id":"msg_local"`)
	assert.NotContains(t, buf.String(), "upstream_id")
}
