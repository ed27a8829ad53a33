package pac

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocumentRoutesAnthropicAndClaudeHosts(t *testing.T) {
	doc := Document(54321)

	assert.Contains(t, doc, "function FindProxyForURL(url, host)")
	assert.Contains(t, doc, `"PROXY 127.0.0.1:54321"`)
	assert.Contains(t, doc, `host === "api.anthropic.com"`)
	assert.Contains(t, doc, `host.endsWith(".anthropic.com")`)
	assert.Contains(t, doc, `host === "claude.ai"`)
	assert.Contains(t, doc, `host.endsWith(".claude.ai")`)
	assert.Contains(t, doc, `return "DIRECT";`)
}
