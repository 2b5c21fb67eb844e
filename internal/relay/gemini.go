package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"ccrelay/internal/account"
	"ccrelay/internal/pool"
)

const geminiDefaultBaseURL = "https://cloudcode.googleapis.com/v1"

// ResolveGeminiURL normalizes an account's api_url override to a CloudCode
// v1 base, or returns the default cloudcode.googleapis.com base when apiURL
// is empty.
func ResolveGeminiURL(apiURL string) string {
	if apiURL == "" {
		return geminiDefaultBaseURL
	}
	u := strings.TrimRight(apiURL, "/")
	if strings.HasSuffix(u, "/v1") {
		return u
	}
	return u + "/v1"
}

// GeminiRequest is one generateContent attempt against a single account.
type GeminiRequest struct {
	AccountID  string
	ProxyURL   string
	Model      string
	Stream     bool
	Credential account.Credential
	Body       []byte
}

// GeminiClient executes CloudCode generateContent attempts over the shared
// per-account connection pool.
type GeminiClient struct {
	pool pool.Pool
}

func NewGeminiClient(p pool.Pool) *GeminiClient { return &GeminiClient{pool: p} }

// Do issues one generateContent (or streamGenerateContent) attempt and
// returns the raw response for the caller to stream or parse. The caller
// must close resp.Body.
func (c *GeminiClient) Do(ctx context.Context, apiURL string, request GeminiRequest) (*http.Response, error) {
	method := "generateContent"
	if request.Stream {
		method = "streamGenerateContent"
	}
	target := ResolveGeminiURL(apiURL) + "/models/" + request.Model + ":" + method
	if request.Stream {
		target += "?alt=sse"
	}

	token := request.Credential.Token
	if request.Credential.Kind == account.KindAPIKey {
		token = request.Credential.Key
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(request.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	return c.pool.Do(httpReq, request.AccountID, request.ProxyURL)
}

// StreamGemini scans an SSE body, forwarding each raw line to write while
// accumulating usage telemetry from usageMetadata objects.
func StreamGemini(body io.Reader, write func(line string) error) (Usage, error) {
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

		var event geminiResponse
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if event.UsageMetadata != nil {
			usage.MergeGemini(int64(event.UsageMetadata.PromptTokenCount), int64(event.UsageMetadata.CandidatesTokenCount))
		}
	}
	return usage, scanner.Err()
}

// ParseGeminiResponse extracts usage from a non-streamed generateContent
// response body.
func ParseGeminiResponse(body []byte) Usage {
	var resp geminiResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Usage{}
	}
	var u Usage
	if resp.UsageMetadata != nil {
		u.MergeGemini(int64(resp.UsageMetadata.PromptTokenCount), int64(resp.UsageMetadata.CandidatesTokenCount))
	}
	return u
}

type geminiResponse struct {
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}
