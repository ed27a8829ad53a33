// Package main is the claudish-proxy binary's entry point and root cobra
// command, wired the way the teacher's privatemode-proxy/cmd/cmd.go wires
// its own single-purpose proxy command.
package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/madappgang/claudish-proxy/internal/auth"
	"github.com/madappgang/claudish-proxy/internal/buildinfo"
	"github.com/madappgang/claudish-proxy/internal/config"
	"github.com/madappgang/claudish-proxy/internal/controlapi"
	"github.com/madappgang/claudish-proxy/internal/httpauth"
	"github.com/madappgang/claudish-proxy/internal/logging"
	"github.com/madappgang/claudish-proxy/internal/netutil"
)

var (
	logLevel       string
	logFormat      string
	workspace      string
	authDir        string
	dispatcherPort int
	controlPort    int
	debug          bool
	routingEnabled bool
	routes         []string
	providerKeys   []string
)

// New returns the root command of claudish-proxy.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "claudish-proxy",
		Short:   "claudish-proxy terminates Claude Code's HTTPS traffic and reroutes selected completions to alternative LLM providers.",
		Args:    cobra.NoArgs,
		Version: buildinfo.Version(),
		RunE:    runProxy,
	}

	cmd.Flags().StringVarP(&logLevel, logging.Flag, logging.FlagShorthand, logging.DefaultFlagValue, logging.FlagInfo)
	cmd.Flags().StringVar(&logFormat, logging.FormatFlag, logging.DefaultFormatFlagValue, logging.FormatFlagInfo)

	cmd.Flags().StringVar(&workspace, "workspace", "", "Directory for certs and the bridge token file (defaults to $HOME/.claudish-proxy).")
	cmd.Flags().StringVar(&authDir, "auth-dir", "", "Directory for OAuth credentials and the device id (defaults to $HOME/.claudish).")
	cmd.Flags().IntVar(&dispatcherPort, "dispatcher-port", 0, "Fixed port for the CONNECT dispatcher, or 0 for a random free port.")
	cmd.Flags().IntVar(&controlPort, "control-port", 0, "Fixed port for the control API, or 0 for a random free port.")
	cmd.Flags().BoolVar(&debug, "debug", false, "Open a rotating debug.log file in the workspace (requests and responses are not written to it).")
	cmd.Flags().BoolVar(&routingEnabled, "routing-enabled", false, "Start with model routing already enabled.")
	cmd.Flags().StringArrayVar(&routes, "route", nil, "A source_model=target_model routing entry (e.g. claude-sonnet-4-5=oai/gpt-4o); repeatable.")
	cmd.Flags().StringArrayVar(&providerKeys, "provider-api-key", nil, "A provider=key static credential (e.g. openai=sk-...); repeatable, overrides the provider's default environment variable.")

	cmd.AddCommand(newLoginCmd())

	return cmd
}

func newLoginCmd() *cobra.Command {
	login := &cobra.Command{
		Use:   "login",
		Short: "Run an OAuth login flow for a provider that requires one.",
	}
	login.AddCommand(newLoginGeminiCmd())
	login.AddCommand(newLoginKimiCmd())
	return login
}

func newLoginGeminiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gemini",
		Short: "Log in to Gemini Code Assist via the PKCE browser flow.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			fs := osFs()
			geminiCfg := geminiOAuthConfig()
			manager := auth.New(fs, authPath(cfg, "gemini-code-assist.json"), oauth2Refresher{cfg: geminiCfg}, "")
			pkceCfg := auth.PKCEConfig{OAuth2: geminiCfg}
			creds, err := auth.LoginPKCE(cmd.Context(), pkceCfg, openBrowser)
			if err != nil {
				return fmt.Errorf("gemini login failed: %w", err)
			}
			if err := manager.SaveCredentials(creds); err != nil {
				return fmt.Errorf("saving gemini credentials: %w", err)
			}
			fmt.Println("Gemini Code Assist login complete.")
			return nil
		},
	}
}

func newLoginKimiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kimi",
		Short: "Log in to Kimi/Moonshot via the device authorization grant.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			fs := osFs()
			kimiCfg := kimiOAuthConfig()
			manager := auth.New(fs, authPath(cfg, "kimi.json"), oauth2Refresher{cfg: kimiCfg}, "MOONSHOT_API_KEY")
			deviceCfg := auth.DeviceAuthConfig{
				OAuth2: kimiCfg,
				DisplayCode: func(userCode, verificationURI string) error {
					fmt.Printf("Visit %s and enter code: %s\n", verificationURI, userCode)
					return nil
				},
			}
			creds, err := auth.LoginDeviceCode(cmd.Context(), deviceCfg)
			if err != nil {
				return fmt.Errorf("kimi login failed: %w", err)
			}
			if err := manager.SaveCredentials(creds); err != nil {
				return fmt.Errorf("saving kimi credentials: %w", err)
			}
			fmt.Println("Kimi/Moonshot login complete.")
			return nil
		},
	}
}

func runProxy(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info("Starting claudish-proxy", "version", buildinfo.Version())

	if cfg.Debug {
		debugLog := logging.NewFileLogger(cfg.LogLevel, nil, fmt.Sprintf("%s/debug.log", cfg.Workspace))
		debugLog.Info("Debug logging enabled")
	}

	controlToken, err := httpauth.GenerateToken()
	if err != nil {
		return fmt.Errorf("generating control API token: %w", err)
	}

	comps, err := build(cfg, controlToken, log)
	if err != nil {
		return err
	}

	dispatcherLis, err := netutil.ListenLocalhost(cfg.DispatcherPort)
	if err != nil {
		return fmt.Errorf("binding dispatcher listener: %w", err)
	}
	controlLis, err := netutil.ListenLocalhost(cfg.ControlPort)
	if err != nil {
		return fmt.Errorf("binding control API listener: %w", err)
	}

	if err := writeBridgeTokenFile(cfg, controlLis, controlToken); err != nil {
		return fmt.Errorf("writing bridge token file: %w", err)
	}

	ctx, cancel := netutil.SignalContext(cmd.Context(), os.Interrupt)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- comps.dispatcher.Serve(ctx, dispatcherLis) }()
	go func() {
		server := controlServer(comps.control, controlLis)
		errCh <- netutil.HTTPServeContext(ctx, server, controlLis, log)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		<-errCh
		return nil
	}
}

func resolveConfig() (config.Config, error) {
	cfg, err := config.Default()
	if err != nil {
		return config.Config{}, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if authDir != "" {
		cfg.AuthDir = authDir
	}
	if dispatcherPort != 0 {
		cfg.DispatcherPort = dispatcherPort
	}
	if controlPort != 0 {
		cfg.ControlPort = controlPort
	}
	cfg.Debug = debug
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	cfg.RoutingEnabled = routingEnabled

	if len(routes) > 0 {
		cfg.RoutingModelMap = map[string]string{}
		for _, r := range routes {
			source, target, ok := strings.Cut(r, "=")
			if !ok {
				return config.Config{}, fmt.Errorf("malformed --route %q, expected source=target", r)
			}
			cfg.RoutingModelMap[source] = target
		}
	}

	if len(providerKeys) > 0 {
		cfg.ProviderAPIKeys = map[string]string{}
		for _, p := range providerKeys {
			name, key, ok := strings.Cut(p, "=")
			if !ok {
				return config.Config{}, fmt.Errorf("malformed --provider-api-key %q, expected provider=key", p)
			}
			cfg.ProviderAPIKeys[name] = key
		}
	}

	return config.LoadFile(cfg, fmt.Sprintf("%s/config.json", cfg.Workspace))
}

func authPath(cfg config.Config, filename string) string {
	return fmt.Sprintf("%s/%s", cfg.AuthDir, filename)
}

func envLookup(name string) string {
	if name == "" {
		return ""
	}
	v, _ := os.LookupEnv(name)
	return v
}

func openBrowser(authURL string) error {
	fmt.Printf("Open this URL in a browser to continue: %s\n", authURL)
	return nil
}

func osFs() afero.Afero {
	return afero.Afero{Fs: afero.NewOsFs()}
}

// controlServer wraps the control API's handler in a plain HTTP server;
// TLS is never used for loopback-only control traffic (spec.md §6).
func controlServer(control *controlapi.Server, lis net.Listener) *http.Server {
	return &http.Server{Addr: lis.Addr().String(), Handler: control.Handler()}
}

// writeBridgeTokenFile persists the control API's listen port, bearer
// token, and process identity so a companion bridge process can discover
// and authenticate to this proxy instance (spec.md §6).
func writeBridgeTokenFile(cfg config.Config, controlLis net.Listener, token string) error {
	_, portStr, err := net.SplitHostPort(controlLis.Addr().String())
	if err != nil {
		return err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return err
	}

	tokenFile := controlapi.BridgeTokenFile{
		Port:      port,
		Token:     token,
		PID:       os.Getpid(),
		StartTime: time.Now(),
	}
	data, err := json.MarshalIndent(tokenFile, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Workspace, 0o700); err != nil {
		return err
	}
	path := fmt.Sprintf("%s/bridge-token", cfg.Workspace)
	return os.WriteFile(path, data, 0o600)
}
