package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/imroc/req/v3"

	"ccrelay/internal/account"
	"ccrelay/internal/httpclient"
)

const (
	claudeDefaultBaseURL = "https://api.anthropic.com/v1/messages"
	claudeAPIVersion     = "2023-06-01"
	claudeBetaFull       = "claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"
	claudeBetaHaiku      = "oauth-2025-04-20,interleaved-thinking-2025-05-14"
)

// claudeAllowedClientHeaders forwards these client headers verbatim; any
// not present on the inbound request are simply omitted (no synthesis of
// individual missing ones — see defaultClaudeHeaders for the full fallback
// set used when none of these are present at all).
var claudeAllowedClientHeaders = []string{
	"x-stainless-retry-count",
	"x-stainless-timeout",
	"x-stainless-lang",
	"x-stainless-package-version",
	"x-stainless-os",
	"x-stainless-arch",
	"x-stainless-runtime",
	"x-stainless-runtime-version",
	"anthropic-dangerous-direct-browser-access",
	"x-app",
	"user-agent",
	"accept-language",
	"sec-fetch-mode",
	"accept-encoding",
}

// defaultClaudeHeaders impersonates the Stainless-generated SDK's default
// request headers when the client supplied none of the allow-listed ones.
var defaultClaudeHeaders = map[string]string{
	"x-stainless-lang":             "js",
	"x-stainless-package-version":  "0.55.1",
	"x-stainless-os":               "Linux",
	"x-stainless-arch":             "x64",
	"x-stainless-runtime":          "node",
	"x-stainless-runtime-version":  "v20.19.2",
	"user-agent":                   "claude-cli/1.0.57 (external, cli)",
	"accept-language":              "*",
	"sec-fetch-mode":               "cors",
	"accept-encoding":              "gzip, deflate, br",
}

// ResolveClaudeURL normalizes an account's api_url override into the final
// Messages endpoint, or returns the default api.anthropic.com URL when
// apiURL is empty.
func ResolveClaudeURL(apiURL string) string {
	if apiURL == "" {
		return claudeDefaultBaseURL
	}
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasSuffix(u, "/v1/messages"):
		return u
	case strings.HasSuffix(u, "/v1"):
		return u + "/messages"
	default:
		return u + "/v1/messages"
	}
}

// ClaudeBetaHeader picks the anthropic-beta value for the given model,
// using the shorter haiku-specific set for any model whose name contains
// "haiku".
func ClaudeBetaHeader(model string) string {
	if strings.Contains(strings.ToLower(model), "haiku") {
		return claudeBetaHaiku
	}
	return claudeBetaFull
}

// ClaudeRequest is one Messages API attempt against a single account.
type ClaudeRequest struct {
	AccountID     string // for client-build tracing only, never sent upstream
	ProxyURL      string // built on demand, never cached, per the account's proxy config
	Credential    account.Credential
	Model         string
	Stream        bool
	Body          []byte // serialized MessagesRequest, stream field already set
	ClientHeaders http.Header
}

// ClaudeClient executes Claude Messages API attempts over a per-account
// Chrome-impersonating client.
type ClaudeClient struct{}

func NewClaudeClient() *ClaudeClient { return &ClaudeClient{} }

// Do issues one Claude Messages attempt and returns the raw response for
// the caller to stream or parse. The caller must close resp.Body.
func (c *ClaudeClient) Do(ctx context.Context, apiURL string, request ClaudeRequest) (*req.Response, error) {
	url := ResolveClaudeURL(apiURL)

	client := httpclient.GetClient()
	if request.ProxyURL != "" {
		client = httpclient.NewClientForAccount(request.AccountID, request.ProxyURL)
	}

	r := client.R().
		SetContext(ctx).
		SetHeader("anthropic-version", claudeAPIVersion).
		SetHeader("anthropic-beta", ClaudeBetaHeader(request.Model)).
		SetHeader("Content-Type", "application/json")

	switch request.Credential.Kind {
	case account.KindOAuth:
		r.SetHeader("Authorization", "Bearer "+request.Credential.Token)
	case account.KindAPIKey:
		r.SetHeader("x-api-key", request.Credential.Key)
	}

	applyClientHeaders(r, request.ClientHeaders)

	r.SetBody(request.Body)
	r.DisableAutoReadResponse()

	return r.Post(url)
}

func applyClientHeaders(r *req.Request, client http.Header) {
	forwarded := false
	for _, h := range claudeAllowedClientHeaders {
		if v := client.Get(h); v != "" {
			r.SetHeader(h, v)
			forwarded = true
		}
	}
	if !forwarded {
		for h, v := range defaultClaudeHeaders {
			r.SetHeader(h, v)
		}
	}
}

// StreamClaude scans an SSE body, forwarding each raw line to write while
// accumulating usage telemetry from content_block_delta/message_delta/
// message events. Malformed JSON frames are skipped and forwarded
// unmodified; [DONE] is a sentinel with no payload.
func StreamClaude(body io.Reader, write func(line string) error) (Usage, error) {
	var usage Usage
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if err := write(line); err != nil {
			return usage, err
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}

		var event claudeStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		mergeClaudeEventUsage(&usage, &event)
	}
	return usage, scanner.Err()
}

// ParseClaudeResponse extracts usage from a non-streamed Messages response
// body.
func ParseClaudeResponse(body []byte) Usage {
	var resp struct {
		Usage claudeUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Usage{}
	}
	var u Usage
	u.MergeClaude(int64(resp.Usage.InputTokens), int64(resp.Usage.OutputTokens), int64(resp.Usage.CacheCreationInputTokens), int64(resp.Usage.CacheReadInputTokens))
	return u
}

type claudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type claudeStreamEvent struct {
	Type    string `json:"type"`
	Usage   *claudeUsage `json:"usage"`
	Message *struct {
		Usage claudeUsage `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Usage *claudeUsage `json:"usage"`
	} `json:"delta"`
}

func mergeClaudeEventUsage(u *Usage, event *claudeStreamEvent) {
	if event.Usage != nil {
		u.MergeClaude(int64(event.Usage.InputTokens), int64(event.Usage.OutputTokens), int64(event.Usage.CacheCreationInputTokens), int64(event.Usage.CacheReadInputTokens))
	}
	if event.Message != nil {
		u.MergeClaude(int64(event.Message.Usage.InputTokens), int64(event.Message.Usage.OutputTokens), int64(event.Message.Usage.CacheCreationInputTokens), int64(event.Message.Usage.CacheReadInputTokens))
	}
	if event.Delta != nil && event.Delta.Usage != nil {
		u.MergeClaude(int64(event.Delta.Usage.InputTokens), int64(event.Delta.Usage.OutputTokens), int64(event.Delta.Usage.CacheCreationInputTokens), int64(event.Delta.Usage.CacheReadInputTokens))
	}
}
