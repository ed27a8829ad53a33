package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/madappgang/claudish-proxy/internal/adapter"
	"github.com/madappgang/claudish-proxy/internal/adapter/anthropiccompat"
	"github.com/madappgang/claudish-proxy/internal/adapter/gemini"
	"github.com/madappgang/claudish-proxy/internal/adapter/openai"
	"github.com/madappgang/claudish-proxy/internal/auth"
	"github.com/madappgang/claudish-proxy/internal/certmanager"
	"github.com/madappgang/claudish-proxy/internal/classifier"
	"github.com/madappgang/claudish-proxy/internal/config"
	"github.com/madappgang/claudish-proxy/internal/controlapi"
	"github.com/madappgang/claudish-proxy/internal/convstore"
	"github.com/madappgang/claudish-proxy/internal/dispatcher"
	"github.com/madappgang/claudish-proxy/internal/forwarder"
	"github.com/madappgang/claudish-proxy/internal/provider"
)

// managerTokenSource adapts an *auth.Manager to the narrow AccessToken
// interface each OAuth-capable provider adapter depends on, so adapters
// never import internal/auth directly.
type managerTokenSource struct {
	manager *auth.Manager
}

func (m managerTokenSource) AccessToken(ctx context.Context) (string, error) {
	return m.manager.GetAccessToken(ctx)
}

// components bundles everything runProxy needs to start serving, built from
// a validated Config (spec.md §3, §6).
type components struct {
	certs      *certmanager.Manager
	classifier *classifier.Classifier
	conv       *convstore.Store
	registry   *provider.Registry
	dispatcher *dispatcher.Dispatcher
	control    *controlapi.Server
	geminiAuth *auth.Manager // always set; token reads fail until a Code Assist login has been performed
	kimiAuth   *auth.Manager // always set; token reads fail until a device-code login has been performed
}

// build wires every component named in spec.md's architecture, following
// the teacher's pattern of constructing long-lived collaborators once in
// the root command and handing them to the server(s) that serve them.
func build(cfg config.Config, controlToken string, log *slog.Logger) (*components, error) {
	fs := afero.Afero{Fs: afero.NewOsFs()}

	certs := certmanager.New(fs, cfg.Workspace, log)
	if err := certs.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing certificate manager: %w", err)
	}

	conv := convstore.New()
	cl := classifier.New(conv, log)
	cl.SetRouting(classifier.RoutingConfig{Enabled: cfg.RoutingEnabled, ModelMap: cfg.RoutingModelMap})

	registry := provider.NewRegistry()

	geminiAuth := auth.New(fs, filepath.Join(cfg.AuthDir, "gemini-code-assist.json"), oauth2Refresher{cfg: geminiOAuthConfig()}, "")
	kimiAuth := auth.New(fs, filepath.Join(cfg.AuthDir, "kimi.json"), oauth2Refresher{cfg: kimiOAuthConfig()}, "MOONSHOT_API_KEY")

	adapters := buildAdapters(cfg, registry, geminiAuth, kimiAuth)

	fwd := forwarder.New(forwarder.NativeDialer{}, nil, log)
	disp := dispatcher.New(certs, cl, conv, fwd, registry, adapters, log)

	control := controlapi.New(controlToken, cfg.DispatcherPort, certs, cl, log)

	return &components{
		certs:      certs,
		classifier: cl,
		conv:       conv,
		registry:   registry,
		dispatcher: disp,
		control:    control,
		geminiAuth: geminiAuth,
		kimiAuth:   kimiAuth,
	}, nil
}

// buildAdapters constructs one adapter.Capability each for OpenAI,
// OpenRouter, Gemini Direct, Gemini Code Assist, MiniMax and Kimi, whether
// or not a credential is present; a missing key or login surfaces as a
// request error. No adapter is built for GLM or OllamaCloud.
func buildAdapters(cfg config.Config, registry *provider.Registry, geminiAuth, kimiAuth *auth.Manager) []adapter.Capability {
	apiKey := func(name provider.Name, envVar string) string {
		if key, ok := cfg.ProviderAPIKeys[string(name)]; ok {
			return key
		}
		return envLookup(envVar)
	}

	var adapters []adapter.Capability

	adapters = append(adapters, openai.New(registry, provider.OpenAI, apiKey(provider.OpenAI, "OPENAI_API_KEY")))
	adapters = append(adapters, openai.New(registry, provider.OpenRouter, apiKey(provider.OpenRouter, "OPENROUTER_API_KEY")))
	adapters = append(adapters, gemini.New(registry, provider.GeminiDirect, apiKey(provider.GeminiDirect, "GEMINI_API_KEY"), nil))
	adapters = append(adapters, gemini.New(registry, provider.GeminiCodeAssist, "", managerTokenSource{manager: geminiAuth}))
	adapters = append(adapters, anthropiccompat.New(registry, provider.MiniMax, apiKey(provider.MiniMax, "MINIMAX_API_KEY"), nil))
	adapters = append(adapters, anthropiccompat.New(registry, provider.Kimi, apiKey(provider.Kimi, "MOONSHOT_API_KEY"), managerTokenSource{manager: kimiAuth}))

	return adapters
}
