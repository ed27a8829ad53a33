package classifier

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/madappgang/claudish-proxy/internal/convstore"
	"github.com/madappgang/claudish-proxy/internal/httpparse"
)

func newTestClassifier() *Classifier {
	return New(convstore.New(), slog.New(slog.DiscardHandler))
}

func reqGET(path string) httpparse.ParsedRequest {
	return httpparse.ParsedRequest{Method: "GET", Path: path, HTTPVersion: "HTTP/1.1", Headers: httpparse.NewHeader()}
}

func reqPOST(path string) httpparse.ParsedRequest {
	return httpparse.ParsedRequest{Method: "POST", Path: path, HTTPVersion: "HTTP/1.1", Headers: httpparse.NewHeader()}
}

func TestPassthroughWhenRoutingDisabled(t *testing.T) {
	c := newTestClassifier()
	req := reqPOST("/api/organizations/org-1/chat_conversations/conv-1/completion")

	c.Observe(req)
	decision, _, _ := c.Decide(req)

	assert.Equal(t, DecisionPassthrough, decision)
}

func TestInterceptUsesCurrentModelWhenConversationUnbound(t *testing.T) {
	c := newTestClassifier()
	c.SetRouting(RoutingConfig{Enabled: true, ModelMap: map[string]string{"claude-sonnet-4-5": "oai/gpt-4o"}})

	c.Observe(reqGET("/api/model_configs/claude-sonnet-4-5"))

	req := reqPOST("/api/organizations/org-1/chat_conversations/conv-1/completion")
	c.Observe(req)
	decision, convUUID, model := c.Decide(req)

	assert.Equal(t, DecisionIntercept, decision)
	assert.Equal(t, "conv-1", convUUID)
	assert.Equal(t, "oai/gpt-4o", model)
}

func TestConversationBindingPreferredOverCurrentModel(t *testing.T) {
	c := newTestClassifier()
	c.SetRouting(RoutingConfig{Enabled: true, ModelMap: map[string]string{
		"claude-sonnet-4-5": "oai/gpt-4o",
		"claude-opus-4":     "oai/o3",
	}})

	c.Observe(reqGET("/api/model_configs/claude-sonnet-4-5"))
	bindReq := reqPOST("/api/organizations/org-1/chat_conversations/conv-1")
	c.Observe(bindReq)

	// current_model changes after binding; the earlier binding must stick.
	c.Observe(reqGET("/api/model_configs/claude-opus-4"))

	req := reqPOST("/api/organizations/org-1/chat_conversations/conv-1/completion")
	c.Observe(req)
	decision, _, model := c.Decide(req)

	require.Equal(t, DecisionIntercept, decision)
	assert.Equal(t, "oai/gpt-4o", model)
}

func TestAmbiguousFallbackChoosesDeterministicallyAndLogs(t *testing.T) {
	c := newTestClassifier()
	c.SetRouting(RoutingConfig{Enabled: true, ModelMap: map[string]string{
		"claude-sonnet-4-5": "oai/gpt-4o",
		"claude-opus-4":     "oai/o3",
	}})
	// No current_model observed, no conversation binding: ambiguous.

	req := reqPOST("/api/organizations/org-1/chat_conversations/conv-1/completion")
	c.Observe(req)
	decision, _, model := c.Decide(req)

	require.Equal(t, DecisionIntercept, decision)
	// Deterministic: sorted source-model keys -> "claude-opus-4" comes first.
	assert.Equal(t, "oai/o3", model)
}

func TestSyncInjectWhenConversationHasStoredMessages(t *testing.T) {
	store := convstore.New()
	store.Append("conv-1", "P", "hi", "hello")
	c := New(store, slog.New(slog.DiscardHandler))

	req := reqGET("/api/organizations/org-1/chat_conversations/conv-1?tree=True")
	c.Observe(req)
	decision, convUUID, _ := c.Decide(req)

	assert.Equal(t, DecisionSyncInject, decision)
	assert.Equal(t, "conv-1", convUUID)
}

func TestAuthCaptureIsWriteOnce(t *testing.T) {
	c := newTestClassifier()
	first := httpparse.NewHeader()
	first.Add("Cookie", "session=first")
	c.Observe(httpparse.ParsedRequest{Method: "GET", Path: "/api/organizations/org-1/x", Headers: first})

	second := httpparse.NewHeader()
	second.Add("Cookie", "session=second")
	c.Observe(httpparse.ParsedRequest{Method: "GET", Path: "/api/organizations/org-1/y", Headers: second})

	assert.Equal(t, "org-1", c.CapturedAuth().OrganizationID)
	assert.Equal(t, "session=first", c.CapturedAuth().Cookie)
}

func TestRoutingSnapshotIsCopyOnRead(t *testing.T) {
	c := newTestClassifier()
	c.SetRouting(RoutingConfig{Enabled: true, ModelMap: map[string]string{"a": "b"}})

	snap := c.Routing()
	snap.ModelMap["a"] = "mutated"

	assert.Equal(t, "b", c.Routing().ModelMap["a"])
}
