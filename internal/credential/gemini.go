package credential

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"ccrelay/internal/account"
)

const (
	geminiOAuthTokenURL = "https://oauth2.googleapis.com/token"
	// Default client id/secret: embedded placeholders mirroring the "public
	// desktop app" credentials the original relay shipped with. Override via
	// GEMINI_OAUTH_CLIENT_ID / GEMINI_OAUTH_CLIENT_SECRET for a real deployment.
	geminiOAuthDefaultClientID     = "681255809395-oo8ft2oprdrnp9e3aqf6avd3wa5amxgi.apps.googleusercontent.com"
	geminiOAuthDefaultClientSecret = "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"
)

// GeminiRefresher performs the Google OAuth2 refresh-token exchange used by
// CloudCode accounts, via golang.org/x/oauth2's token source so the form
// encoding and response parsing follow the library's own wire handling
// rather than a hand-rolled client.
type GeminiRefresher struct {
	endpoint     oauth2.Endpoint
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

func NewGeminiRefresher(httpClient *http.Client) *GeminiRefresher {
	return &GeminiRefresher{
		endpoint:     oauth2.Endpoint{TokenURL: geminiOAuthTokenURL},
		clientID:     envOrDefault("GEMINI_OAUTH_CLIENT_ID", geminiOAuthDefaultClientID),
		clientSecret: envOrDefault("GEMINI_OAUTH_CLIENT_SECRET", geminiOAuthDefaultClientSecret),
		httpClient:   httpClient,
	}
}

func (r *GeminiRefresher) Refresh(ctx context.Context, a *account.OAuthAccount) (string, time.Duration, error) {
	cfg := &oauth2.Config{
		ClientID:     r.clientID,
		ClientSecret: r.clientSecret,
		Endpoint:     r.endpoint,
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	ts := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: a.RefreshToken})

	tok, err := ts.Token()
	if err != nil {
		return "", 0, fmt.Errorf("credential: gemini refresh: %w", err)
	}
	if tok.RefreshToken != "" {
		a.RefreshToken = tok.RefreshToken
	}

	expiresIn := time.Until(tok.Expiry)
	if tok.Expiry.IsZero() {
		expiresIn = time.Hour
	}
	return tok.AccessToken, expiresIn, nil
}
