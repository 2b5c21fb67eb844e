package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ccrelay/internal/account"
)

const (
	claudeOAuthTokenURL = "https://console.anthropic.com/v1/oauth/token"
	claudeOAuthClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	claudeOAuthUA       = "claude-cli/1.0.56 (external, cli)"
)

// ClaudeRefresher performs the Anthropic console OAuth refresh flow: a JSON
// POST with a fixed embedded client_id, matching the exact wire shape the
// original relay used so existing refresh tokens keep working.
type ClaudeRefresher struct {
	client *http.Client
}

func NewClaudeRefresher(client *http.Client) *ClaudeRefresher {
	return &ClaudeRefresher{client: client}
}

type claudeRefreshRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	RefreshToken string `json:"refresh_token"`
}

type claudeRefreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (r *ClaudeRefresher) Refresh(ctx context.Context, a *account.OAuthAccount) (string, time.Duration, error) {
	body, err := json.Marshal(claudeRefreshRequest{
		GrantType:    "refresh_token",
		ClientID:     claudeOAuthClientID,
		RefreshToken: a.RefreshToken,
	})
	if err != nil {
		return "", 0, fmt.Errorf("credential: marshal claude refresh body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, claudeOAuthTokenURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, fmt.Errorf("credential: build claude refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", claudeOAuthUA)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("credential: claude refresh request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, &Error{AccountID: a.ID(), Status: resp.StatusCode, Body: string(respBody)}
	}

	var parsed claudeRefreshResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", 0, fmt.Errorf("credential: parse claude refresh response: %w", err)
	}
	if parsed.RefreshToken != "" {
		a.RefreshToken = parsed.RefreshToken
	}
	return parsed.AccessToken, time.Duration(parsed.ExpiresIn) * time.Second, nil
}
