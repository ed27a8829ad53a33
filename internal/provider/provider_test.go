package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveByPrefix(t *testing.T) {
	r := NewRegistry()

	d, model, ok := r.Resolve("oai/gpt-4o")
	assert.True(t, ok)
	assert.Equal(t, string(OpenAI), d.Name)
	assert.Equal(t, "gpt-4o", model)
}

func TestResolveGeminiPrefixes(t *testing.T) {
	r := NewRegistry()

	d, model, ok := r.Resolve("gemini/gemini-2.5-pro")
	assert.True(t, ok)
	assert.Equal(t, string(GeminiDirect), d.Name)
	assert.Equal(t, "gemini-2.5-pro", model)
}

func TestResolveBareOpenRouterFallback(t *testing.T) {
	r := NewRegistry()

	d, model, ok := r.Resolve("anthropic/claude-3.5-sonnet")
	assert.True(t, ok)
	assert.Equal(t, string(OpenRouter), d.Name)
	assert.Equal(t, "anthropic/claude-3.5-sonnet", model)
}

func TestResolveUnknownTarget(t *testing.T) {
	r := NewRegistry()

	_, _, ok := r.Resolve("not-a-model")
	assert.False(t, ok)
}

func TestLookupByName(t *testing.T) {
	r := NewRegistry()

	d, ok := r.Lookup(string(Kimi))
	assert.True(t, ok)
	assert.Equal(t, "/anthropic/v1/messages", d.APIPath)
}
