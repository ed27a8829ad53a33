package gemini

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

func TestRecognizeDirectVsCodeAssist(t *testing.T) {
	reg := provider.NewRegistry()
	direct := New(reg, provider.GeminiDirect, "key", nil)
	assert.True(t, direct.Recognize("g/gemini-1.5-pro"))
	assert.True(t, direct.Recognize("gemini/gemini-1.5-pro"))
	assert.False(t, direct.Recognize("gca/gemini-1.5-pro"))
}

func TestSanitizeSchemaStripsRejectedFields(t *testing.T) {
	schema := map[string]any{
		"type":       "object",
		"$schema":    "http://json-schema.org/draft-07/schema#",
		"format":     "date-time",
		"properties": map[string]any{
			"when": map[string]any{"type": []any{"string", "null"}, "$ref": "#/defs/x"},
		},
	}

	out := SanitizeSchema(schema)

	assert.NotContains(t, out, "$schema")
	assert.NotContains(t, out, "format")
	props := out["properties"].(map[string]any)
	when := props["when"].(map[string]any)
	assert.Equal(t, "string", when["type"])
	assert.NotContains(t, when, "$ref")
}

func TestSanitizeSchemaIsIdempotent(t *testing.T) {
	schema := map[string]any{
		"type":       []any{"integer", "null"},
		"minimum":    1,
		"properties": map[string]any{"n": map[string]any{"type": "integer", "maximum": 10}},
	}

	once := SanitizeSchema(schema)
	twice := SanitizeSchema(once)
	assert.Equal(t, once, twice)
}

func TestSanitizeSchemaDoesNotMutateInput(t *testing.T) {
	schema := map[string]any{"type": "object", "format": "email"}
	SanitizeSchema(schema)
	assert.Equal(t, "email", schema["format"])
}

func TestPrepareRequestUsesAPIKeyHeaderForDirect(t *testing.T) {
	a := New(provider.NewRegistry(), provider.GeminiDirect, "direct-key", nil)
	req := adapter.Request{Messages: []adapter.Message{{Role: "user", Content: []adapter.ContentBlock{{Type: "text", Text: "hi"}}}}}

	prepared, err := a.PrepareRequest(context.Background(), req, "g/gemini-1.5-pro")
	require.NoError(t, err)
	assert.Equal(t, "direct-key", prepared.HTTPRequest.Header.Get("x-goog-api-key"))
	assert.Contains(t, prepared.HTTPRequest.URL.String(), "gemini-1.5-pro")
}

type fakeTokenSource struct{ token string }

func (f fakeTokenSource) AccessToken(ctx context.Context) (string, error) { return f.token, nil }

func TestPrepareRequestUsesBearerTokenForCodeAssist(t *testing.T) {
	a := New(provider.NewRegistry(), provider.GeminiCodeAssist, "", fakeTokenSource{token: "oauth-tok"})
	req := adapter.Request{Messages: []adapter.Message{{Role: "user", Content: []adapter.ContentBlock{{Type: "text", Text: "hi"}}}}}

	prepared, err := a.PrepareRequest(context.Background(), req, "gca/gemini-1.5-pro")
	require.NoError(t, err)
	assert.Equal(t, "Bearer oauth-tok", prepared.HTTPRequest.Header.Get("Authorization"))
}

func TestTranslateResponseStreamTextOnly(t *testing.T) {
	a := New(provider.NewRegistry(), provider.GeminiDirect, "key", nil)
	stream := strings.Join([]string{
		`data: {"candidates":[{"content":{"parts":[{"text":"Hel"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":"lo"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1}}`,
		"",
	}, "\n\n")

	var buf strings.Builder
	w := sse.NewWriter(&buf)
	result, err := a.TranslateResponseStream(context.Background(), strings.NewReader(stream), w, adapter.TranslateOpts{MessageID: "m1", Model: "g/gemini-1.5-pro"})
	require.NoError(t, err)
	assert.Equal(t, "Hello", result.FullText)
	assert.Equal(t, "end_turn", result.StopReason)
	assert.Equal(t, 3, result.InputTokens)
}

func TestTranslateResponseStreamEmitsToolUse(t *testing.T) {
	a := New(provider.NewRegistry(), provider.GeminiDirect, "key", nil)
	stream := `data: {"candidates":[{"content":{"parts":[{"functionCall":{"name":"search","args":{"q":"go"}}}]},"finishReason":"STOP"}]}` + "\n\n"

	var buf strings.Builder
	w := sse.NewWriter(&buf)
	result, err := a.TranslateResponseStream(context.Background(), strings.NewReader(stream), w, adapter.TranslateOpts{MessageID: "m1", Model: "g/gemini-1.5-pro"})
	require.NoError(t, err)
	assert.Equal(t, "tool_use", result.StopReason)
	assert.Contains(t, buf.String(), `"name":"search"`)
}
