package main

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/madappgang/claudish-proxy/internal/auth"
)

// geminiOAuthConfig is the PKCE client configuration for Gemini Code
// Assist, shared by the login command and the background token refresher.
func geminiOAuthConfig() oauth2.Config {
	return oauth2.Config{
		ClientID: "claudish-proxy",
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
	}
}

// kimiOAuthConfig is the device-authorization client configuration for
// Kimi/Moonshot, shared by the login command and the background token
// refresher.
func kimiOAuthConfig() oauth2.Config {
	return oauth2.Config{
		ClientID: "claudish-proxy",
		Endpoint: oauth2.Endpoint{
			AuthURL:       "https://api.moonshot.ai/oauth/device/authorize",
			TokenURL:      "https://api.moonshot.ai/oauth/device/token",
			DeviceAuthURL: "https://api.moonshot.ai/oauth/device/authorize",
		},
	}
}

// oauth2Refresher implements auth.Refresher over a stock oauth2.Config's
// refresh-token exchange, the same exchange golang.org/x/oauth2 performs
// internally for its own TokenSource; auth.Manager needs it exposed as a
// single call so it can sit behind its own single-flight refresh guard.
type oauth2Refresher struct {
	cfg oauth2.Config
}

func (r oauth2Refresher) Refresh(ctx context.Context, refreshToken string) (auth.Credentials, error) {
	src := r.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("oauth2: refreshing token: %w", err)
	}
	return auth.Credentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		TokenType:    tok.TokenType,
	}, nil
}
