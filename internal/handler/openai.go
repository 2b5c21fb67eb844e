package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"ccrelay/internal/account"
	"ccrelay/internal/dispatch"
)

// OpenAI-compatible request/response shapes, converted to and from the
// native Anthropic Messages wire format before and after dispatch.

type OpenAIChatRequest struct {
	Model       string          `json:"model"`
	Messages    []OpenAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	TopP        float64         `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

type OpenAIMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content,omitempty"`
}

type OpenAIChatResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

type OpenAIChoice struct {
	Index        int            `json:"index"`
	Message      *OpenAIMessage `json:"message,omitempty"`
	Delta        *OpenAIMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

type anthropicWireRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   float64            `json:"temperature,omitempty"`
	TopP          float64            `json:"top_p,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	System        string             `json:"system,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicWireResponse struct {
	ID         string             `json:"id"`
	StopReason string             `json:"stop_reason"`
	Content    []anthropicContent `json:"content"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ChatCompletions handles the OpenAI-compatible chat endpoint by converting
// the request to an Anthropic Messages body, dispatching it as a Claude
// request, and converting the response (or, for streaming, each SSE event)
// back to the OpenAI shape.
func (h *RelayHandler) ChatCompletions(c *gin.Context) {
	var openaiReq OpenAIChatRequest
	if err := c.ShouldBindJSON(&openaiReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	anthropicReq := convertToAnthropicRequest(&openaiReq)
	body, err := json.Marshal(anthropicReq)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build upstream request"})
		return
	}

	var fingerprintBody map[string]interface{}
	_ = json.Unmarshal(body, &fingerprintBody)

	clientKeyHash, userID := identity(c)
	req := dispatch.Request{
		Platform:        account.Claude,
		Model:           openaiReq.Model,
		Stream:          openaiReq.Stream,
		Body:            body,
		FingerprintBody: fingerprintBody,
		ClientKeyHash:   clientKeyHash,
		UserID:          userID,
		ClientIP:        c.ClientIP(),
	}

	start := time.Now()

	if req.Stream {
		conv := newOpenAISSEConverter(c.Writer, openaiReq.Model)
		result, dispatchErr := h.Dispatch.Dispatch(c.Request.Context(), req, conv)
		h.logRequest(req, result, dispatchErr, start)
		if dispatchErr != nil && !conv.started {
			writeDispatchError(c, string(req.Platform), dispatchErr)
		}
		return
	}

	result, dispatchErr := h.Dispatch.Dispatch(c.Request.Context(), req, nil)
	h.logRequest(req, result, dispatchErr, start)
	if dispatchErr != nil {
		writeDispatchError(c, string(req.Platform), dispatchErr)
		return
	}

	if result.StatusCode != http.StatusOK {
		c.Data(result.StatusCode, "application/json", result.Body)
		return
	}

	var anthropicResp anthropicWireResponse
	if err := json.Unmarshal(result.Body, &anthropicResp); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to parse upstream response"})
		return
	}
	c.JSON(http.StatusOK, convertToOpenAIResponse(&anthropicResp, openaiReq.Model))
}

func convertToAnthropicRequest(req *OpenAIChatRequest) *anthropicWireRequest {
	out := &anthropicWireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
		StopSequences: req.Stop,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}

	for _, msg := range req.Messages {
		text := extractTextFromContent(msg.Content)
		if msg.Role == "system" {
			if out.System != "" {
				out.System += "\n"
			}
			out.System += text
			continue
		}
		role := msg.Role
		if role != "assistant" {
			role = "user"
		}
		out.Messages = append(out.Messages, anthropicMessage{Role: role, Content: text})
	}

	return out
}

func convertToOpenAIResponse(resp *anthropicWireResponse, model string) *OpenAIChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	finishReason := "stop"
	if resp.StopReason == "max_tokens" {
		finishReason = "length"
	}

	text := content.String()
	return &OpenAIChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      &OpenAIMessage{Role: "assistant", Content: text},
			FinishReason: &finishReason,
		}},
		Usage: &OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// extractTextFromContent flattens an OpenAI message's content field, which
// the client may send as a plain string or as an array of content blocks.
func extractTextFromContent(content interface{}) string {
	switch v := content.(type) {
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, block := range v {
			m, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := m["type"].(string); t == "text" {
				if text, ok := m["text"].(string); ok {
					parts = append(parts, text)
				}
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}

// anthropicSSEEvent is the subset of an Anthropic Messages SSE event this
// converter needs, mirroring the event shapes relay.StreamClaude scans.
type anthropicSSEEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Text       string `json:"text,omitempty"`
		StopReason string `json:"stop_reason,omitempty"`
	} `json:"delta"`
}

// openAISSEConverter receives one raw Claude SSE line per Write call (see
// dispatch.Controller.handleSuccess's write closure) and re-emits it as an
// OpenAI-style chat.completion.chunk SSE event. Headers and the 200 status
// are only committed on the first successfully-converted event, matching
// flushWriter's lazy-start behavior for plain passthrough streams.
type openAISSEConverter struct {
	w          http.ResponseWriter
	f          http.Flusher
	responseID string
	model      string
	started    bool
}

func newOpenAISSEConverter(w http.ResponseWriter, model string) *openAISSEConverter {
	f, _ := w.(http.Flusher)
	return &openAISSEConverter{
		w:          w,
		f:          f,
		responseID: "chatcmpl-" + uuid.New().String(),
		model:      model,
	}
}

func (conv *openAISSEConverter) Write(p []byte) (int, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(p)))
	for scanner.Scan() {
		conv.handleLine(scanner.Text())
	}
	return len(p), nil
}

func (conv *openAISSEConverter) handleLine(line string) {
	if !strings.HasPrefix(line, "data: ") {
		return
	}
	data := strings.TrimPrefix(line, "data: ")
	if data == "[DONE]" {
		return
	}

	var event anthropicSSEEvent
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta != nil && event.Delta.Text != "" {
			conv.emit(OpenAIChoice{
				Index: 0,
				Delta: &OpenAIMessage{Content: event.Delta.Text},
			})
		}
	case "message_delta":
		if event.Delta != nil && event.Delta.StopReason != "" {
			finishReason := "stop"
			if event.Delta.StopReason == "max_tokens" {
				finishReason = "length"
			}
			conv.emit(OpenAIChoice{Index: 0, Delta: &OpenAIMessage{}, FinishReason: &finishReason})
		}
	case "message_stop":
		conv.ensureStarted()
		fmt.Fprint(conv.w, "data: [DONE]\n\n")
		conv.flush()
	}
}

func (conv *openAISSEConverter) emit(choice OpenAIChoice) {
	conv.ensureStarted()
	chunk := OpenAIChatResponse{
		ID:      conv.responseID,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   conv.model,
		Choices: []OpenAIChoice{choice},
	}
	encoded, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(conv.w, "data: %s\n\n", encoded)
	conv.flush()
}

func (conv *openAISSEConverter) ensureStarted() {
	if conv.started {
		return
	}
	setSSEHeaders(conv.w)
	conv.w.WriteHeader(http.StatusOK)
	conv.started = true
}

func (conv *openAISSEConverter) flush() {
	if conv.f != nil {
		conv.f.Flush()
	}
}
