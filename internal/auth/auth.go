// Package auth implements the OAuth Manager (spec.md §4.H): PKCE + local
// loopback callback for Gemini Code Assist, RFC 8628 device authorization
// grant for Kimi/Moonshot, single-flight token refresh, and restrictive-
// permission on-disk credential persistence.
//
// Grounded on the teacher's internal/gpl/secretmanager.SecretManager
// (mutex-guarded, pluggable clock, lazy refresh-on-read) generalized from a
// single in-memory secret to a per-provider OAuth token persisted to disk.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/spf13/afero"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"
)

// refreshSkew is how far ahead of expires_at a cached token is treated as
// stale, so callers never race a token's actual expiry (spec.md §4.H).
const refreshSkew = 5 * time.Minute

// ErrFallbackToAPIKey is raised by GetAccessToken when a refresh fails and
// a provider-specific static API key is available as a fallback
// (spec.md §4.H, refresh failure policy (b)).
var ErrFallbackToAPIKey = errors.New("oauth refresh failed; fall back to API key")

// ErrReloginRequired is raised when a refresh fails and no fallback key is
// configured: the human must re-run the login flow.
var ErrReloginRequired = errors.New("oauth credentials invalid; re-login required")

// Credentials is the on-disk token shape persisted per spec.md §6.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	TokenType    string    `json:"token_type"`
}

func (c Credentials) expired(now time.Time, skew time.Duration) bool {
	return !now.Before(c.ExpiresAt.Add(-skew))
}

// Refresher performs the provider-specific token-refresh HTTP exchange.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Credentials, error)
}

// Manager caches and refreshes one provider's OAuth credentials, persisting
// them to fs at path with mode 0600 (spec.md §6).
type Manager struct {
	fs           afero.Afero
	path         string
	refresher    Refresher
	apiKeyEnvLookup func(string) (string, bool)
	apiKeyEnvVar string
	clock        clock.Clock
	group        singleflight.Group
}

// New returns a Manager for one OAuth provider. apiKeyEnvVar names the
// environment variable checked for a fallback static key on refresh
// failure (empty disables the fallback).
func New(fs afero.Afero, path string, refresher Refresher, apiKeyEnvVar string) *Manager {
	return &Manager{
		fs: fs, path: path, refresher: refresher, apiKeyEnvVar: apiKeyEnvVar,
		apiKeyEnvLookup: os.LookupEnv,
		clock:           clock.RealClock{},
	}
}

// SetClock overrides the manager's clock, for tests.
func (m *Manager) SetClock(c clock.Clock) { m.clock = c }

// SetAPIKeyEnvLookup overrides how the fallback API key environment
// variable is read, for tests.
func (m *Manager) SetAPIKeyEnvLookup(f func(string) (string, bool)) { m.apiKeyEnvLookup = f }

// SaveCredentials persists creds to disk with mode 0600, creating parent
// directories with mode 0700 (spec.md §6).
func (m *Manager) SaveCredentials(creds Credentials) error {
	if err := m.fs.MkdirAll(dirOf(m.path), 0o700); err != nil {
		return fmt.Errorf("auth: creating credentials directory: %w", err)
	}
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("auth: marshaling credentials: %w", err)
	}
	return m.fs.WriteFile(m.path, data, 0o600)
}

func (m *Manager) loadCredentials() (Credentials, error) {
	data, err := m.fs.ReadFile(m.path)
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, fmt.Errorf("auth: parsing credentials: %w", err)
	}
	return creds, nil
}

// GetAccessToken returns a valid access token, refreshing if the cached
// token is within refreshSkew of expiry. Concurrent callers for the same
// manager share one in-flight refresh (spec.md §5, single-flight refresh).
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	creds, err := m.loadCredentials()
	if err != nil {
		return "", ErrReloginRequired
	}

	if !creds.expired(m.clock.Now(), refreshSkew) {
		return creds.AccessToken, nil
	}

	v, err, _ := m.group.Do(m.path, func() (any, error) {
		return m.refresh(ctx, creds)
	})
	if err != nil {
		return "", err
	}
	return v.(Credentials).AccessToken, nil
}

// refresh exchanges the refresh token for a new access token, preserving
// the old refresh token if the server omits a new one, and handles the
// refresh-failure policy of spec.md §4.H.
func (m *Manager) refresh(ctx context.Context, current Credentials) (Credentials, error) {
	next, err := m.refresher.Refresh(ctx, current.RefreshToken)
	if err != nil {
		_ = m.fs.Remove(m.path)
		if key, ok := m.apiKeyEnvLookup(m.apiKeyEnvVar); ok && key != "" {
			return Credentials{}, ErrFallbackToAPIKey
		}
		return Credentials{}, ErrReloginRequired
	}
	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}
	if err := m.SaveCredentials(next); err != nil {
		return Credentials{}, fmt.Errorf("auth: persisting refreshed credentials: %w", err)
	}
	return next, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// --- PKCE + local loopback callback (Gemini Code Assist) ---

// PKCEConfig configures the authorization-code-with-PKCE flow.
type PKCEConfig struct {
	OAuth2   oauth2.Config
	Timeout  time.Duration // defaults to 5 minutes per spec.md §4.H
}

// pkceVerifier generates a 64-byte verifier and its SHA-256 challenge.
func pkceVerifier() (verifier, challenge string, err error) {
	raw := make([]byte, 64)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("auth: generating pkce verifier: %w", err)
	}
	verifier = base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

func randomState() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generating state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// LoginPKCE runs the PKCE + loopback-callback login flow and returns the
// obtained credentials on success. openBrowser is invoked with the
// authorization URL; the caller decides how to surface it (open a system
// browser, print it to a terminal, etc).
func LoginPKCE(ctx context.Context, cfg PKCEConfig, openBrowser func(authURL string) error) (Credentials, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verifier, challenge, err := pkceVerifier()
	if err != nil {
		return Credentials{}, err
	}
	state, err := randomState()
	if err != nil {
		return Credentials{}, err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: starting loopback listener: %w", err)
	}
	defer listener.Close()

	cfg.OAuth2.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/callback", listener.Addr().(*net.TCPAddr).Port)

	type callbackResult struct {
		code string
		err  error
	}
	resultCh := make(chan callbackResult, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("state"); got != state {
			resultCh <- callbackResult{err: errors.New("auth: state mismatch in oauth callback")}
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if errMsg := r.URL.Query().Get("error"); errMsg != "" {
			resultCh <- callbackResult{err: fmt.Errorf("auth: authorization denied: %s", errMsg)}
			http.Error(w, "authorization denied", http.StatusBadRequest)
			return
		}
		code := r.URL.Query().Get("code")
		resultCh <- callbackResult{code: code}
		fmt.Fprint(w, "Login complete. You can close this window.")
	})
	server := &http.Server{Handler: mux}
	go server.Serve(listener)
	defer server.Shutdown(context.Background())

	authURL := cfg.OAuth2.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
	if err := openBrowser(authURL); err != nil {
		return Credentials{}, fmt.Errorf("auth: opening browser: %w", err)
	}

	select {
	case <-ctx.Done():
		return Credentials{}, fmt.Errorf("auth: login timed out: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return Credentials{}, res.err
		}
		token, err := cfg.OAuth2.Exchange(ctx, res.code, oauth2.SetAuthURLParam("code_verifier", verifier))
		if err != nil {
			return Credentials{}, fmt.Errorf("auth: exchanging authorization code: %w", err)
		}
		return credentialsFromToken(token), nil
	}
}

func credentialsFromToken(token *oauth2.Token) Credentials {
	return Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		TokenType:    token.TokenType,
	}
}

// --- Device Authorization Grant, RFC 8628 (Kimi/Moonshot) ---

// DeviceAuthConfig configures the device-code login flow.
type DeviceAuthConfig struct {
	OAuth2   oauth2.Config
	// DisplayCode is invoked with the user code and verification URI for
	// the caller to surface to the user.
	DisplayCode func(userCode, verificationURI string) error
}

// LoginDeviceCode runs the RFC 8628 device authorization grant and returns
// the obtained credentials.
func LoginDeviceCode(ctx context.Context, cfg DeviceAuthConfig) (Credentials, error) {
	var deviceAuth *oauth2.DeviceAuthResponse
	err := retry.Do(func() error {
		var err error
		deviceAuth, err = cfg.OAuth2.DeviceAuth(ctx)
		return err
	}, retry.Attempts(3), retry.Delay(time.Second), retry.MaxDelay(4*time.Second))
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: requesting device code: %w", err)
	}

	uri := deviceAuth.VerificationURIComplete
	if uri == "" {
		uri = deviceAuth.VerificationURI
	}
	if err := cfg.DisplayCode(deviceAuth.UserCode, uri); err != nil {
		return Credentials{}, fmt.Errorf("auth: displaying device code: %w", err)
	}

	token, err := cfg.OAuth2.DeviceAccessToken(ctx, deviceAuth)
	if err != nil {
		return Credentials{}, fmt.Errorf("auth: polling for device token: %w", err)
	}
	return credentialsFromToken(token), nil
}
