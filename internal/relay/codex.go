package relay

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"ccrelay/internal/account"
	"ccrelay/internal/pool"
)

const codexDefaultBaseURL = "https://api.openai.com/v1"

// ResolveCodexURL joins an account's api_url override (or the default
// api.openai.com base) with the caller-supplied path, e.g. "/responses".
func ResolveCodexURL(apiURL, path string) string {
	base := strings.TrimRight(apiURL, "/")
	if base == "" {
		base = codexDefaultBaseURL
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

// CodexRequest is one Responses API attempt against a single account.
type CodexRequest struct {
	AccountID  string
	ProxyURL   string
	Path       string
	Credential account.Credential
	Body       []byte
}

// CodexClient executes OpenAI Responses API passthrough attempts over the
// shared per-account connection pool. Codex accounts are API-key only; a
// bearer-token credential is a configuration error, not an upstream attempt.
type CodexClient struct {
	pool pool.Pool
}

func NewCodexClient(p pool.Pool) *CodexClient { return &CodexClient{pool: p} }

// Do issues one Responses API attempt and returns the raw response for the
// caller to stream or parse. The caller must close resp.Body.
func (c *CodexClient) Do(ctx context.Context, apiURL string, request CodexRequest) (*http.Response, error) {
	if request.Credential.Kind != account.KindAPIKey {
		return nil, &Error{Kind: KindUnauthorized, HTTPStatus: 401, Message: "codex accounts require an api key credential"}
	}

	target := ResolveCodexURL(apiURL, request.Path)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(request.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+request.Credential.Key)
	httpReq.Header.Set("Content-Type", "application/json")

	return c.pool.Do(httpReq, request.AccountID, request.ProxyURL)
}
