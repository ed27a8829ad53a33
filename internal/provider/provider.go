// Package provider holds the static registry of alternative LLM providers
// the proxy can route completions to (spec.md §3, §4.F, §6).
package provider

// Name identifies a provider in the registry and in routing-map target
// strings (e.g. "oai/gpt-4o" selects Name "openai").
type Name string

// Supported providers.
const (
	OpenAI           Name = "openai"
	GeminiDirect     Name = "gemini"
	GeminiCodeAssist Name = "gemini-code-assist"
	OpenRouter       Name = "openrouter"
	MiniMax          Name = "minimax"
	Kimi             Name = "kimi"
	GLM              Name = "glm"
	OllamaCloud      Name = "ollama-cloud"
)

// Capabilities describes what a provider's completion endpoint supports.
type Capabilities struct {
	Tools      bool
	Vision     bool
	Streaming  bool
	JSONMode   bool
	Reasoning  bool
}

// Descriptor is the static description of one provider, per spec.md §3.
type Descriptor struct {
	Name string
	// BaseURL is the provider's API origin, e.g. "https://api.openai.com".
	BaseURL string
	// APIPath is the completion endpoint path, e.g. "/v1/chat/completions".
	APIPath string
	// APIKeyEnv is the environment variable holding a static API key. Empty
	// means the provider is OAuth-managed (see internal/auth).
	APIKeyEnv string
	// URLPrefixes are the routing-map target prefixes recognized for this
	// provider (spec.md §4.F.1), e.g. {"oai/"} for OpenAI.
	URLPrefixes []string
	Capabilities Capabilities
	// ExtraHeaders are static headers always sent to this provider.
	ExtraHeaders map[string]string
}

// Registry is the immutable, process-lifetime table of provider
// descriptors, keyed by URL prefix for fast model-id recognition.
type Registry struct {
	byName   map[string]Descriptor
	byPrefix map[string]Descriptor
}

// NewRegistry returns the built-in provider registry described in spec.md
// §6 ("Provider endpoints").
func NewRegistry() *Registry {
	descriptors := []Descriptor{
		{
			Name:        string(OpenAI),
			BaseURL:     "https://api.openai.com",
			APIPath:     "/v1/chat/completions",
			APIKeyEnv:   "OPENAI_API_KEY",
			URLPrefixes: []string{"oai/"},
			Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, JSONMode: true, Reasoning: true},
		},
		{
			Name:        string(GeminiDirect),
			BaseURL:     "https://generativelanguage.googleapis.com",
			APIPath:     "/v1beta/models/{model}:streamGenerateContent?alt=sse",
			APIKeyEnv:   "GEMINI_API_KEY",
			URLPrefixes: []string{"g/", "gemini/"},
			Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, Reasoning: true},
		},
		{
			Name:        string(GeminiCodeAssist),
			BaseURL:     "https://cloudcode-pa.googleapis.com",
			APIPath:     "/v1internal:streamGenerateContent?alt=sse",
			APIKeyEnv:   "", // OAuth-managed, see internal/auth
			URLPrefixes: []string{"gca/"},
			Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, Reasoning: true},
		},
		{
			Name:        string(OpenRouter),
			BaseURL:     "https://openrouter.ai",
			APIPath:     "/api/v1/chat/completions",
			APIKeyEnv:   "OPENROUTER_API_KEY",
			URLPrefixes: []string{"or/"},
			Capabilities: Capabilities{Tools: true, Vision: true, Streaming: true, JSONMode: true},
		},
		{
			Name:        string(MiniMax),
			BaseURL:     "https://api.minimax.io",
			APIPath:     "/anthropic/v1/messages",
			APIKeyEnv:   "MINIMAX_API_KEY",
			URLPrefixes: []string{"mm/"},
			Capabilities: Capabilities{Tools: true, Streaming: true},
		},
		{
			Name:        string(Kimi),
			BaseURL:     "https://api.moonshot.ai",
			APIPath:     "/anthropic/v1/messages",
			APIKeyEnv:   "MOONSHOT_API_KEY", // optional; OAuth preferred, see internal/auth
			URLPrefixes: []string{"kimi/"},
			Capabilities: Capabilities{Tools: true, Streaming: true},
		},
		{
			Name:        string(GLM),
			BaseURL:     "https://open.bigmodel.cn",
			APIPath:     "/api/paas/v4/chat/completions",
			APIKeyEnv:   "ZHIPU_API_KEY",
			URLPrefixes: []string{"glm/", "zen/"},
			Capabilities: Capabilities{Tools: true, Streaming: true},
		},
		{
			Name:        string(OllamaCloud),
			BaseURL:     "https://ollama.com",
			APIPath:     "/api/chat",
			APIKeyEnv:   "OLLAMA_API_KEY",
			URLPrefixes: []string{"ollama/"},
			Capabilities: Capabilities{Tools: true, Streaming: true},
		},
	}

	r := &Registry{byName: map[string]Descriptor{}, byPrefix: map[string]Descriptor{}}
	for _, d := range descriptors {
		r.byName[d.Name] = d
		for _, prefix := range d.URLPrefixes {
			r.byPrefix[prefix] = d
		}
	}
	return r
}

// Lookup returns the provider registered under name, and whether it exists.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// Resolve splits a routing-map target model string (e.g. "oai/gpt-4o")
// into its provider descriptor and the bare upstream model id, by the
// longest matching URL prefix. OpenRouter accepts a bare "vendor/model"
// string with no recognized prefix, per spec.md §4.F.1.
func (r *Registry) Resolve(target string) (Descriptor, string, bool) {
	var best Descriptor
	bestLen := -1
	for prefix, d := range r.byPrefix {
		if len(prefix) > bestLen && hasPrefix(target, prefix) {
			best = d
			bestLen = len(prefix)
		}
	}
	if bestLen >= 0 {
		return best, target[bestLen:], true
	}

	// Bare "vendor/model" falls back to OpenRouter (spec.md §4.F.1).
	if d, ok := r.byName[string(OpenRouter)]; ok && containsSlash(target) {
		return d, target, true
	}
	return Descriptor{}, "", false
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func containsSlash(s string) bool {
	for _, c := range s {
		if c == '/' {
			return true
		}
	}
	return false
}
