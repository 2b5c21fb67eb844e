package handler

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ccrelay/internal/account"
	"ccrelay/internal/dispatch"
	"ccrelay/internal/middleware"
	"ccrelay/internal/store"
)

// RelayHandler drives every upstream-facing route through a single
// dispatch.Controller: native Claude Messages, the OpenAI-compatible chat
// endpoint, Codex Responses passthrough, and Gemini passthrough all funnel
// into dispatchAndRespond.
type RelayHandler struct {
	Dispatch *dispatch.Controller
	Store    *store.Store
}

func NewRelayHandler(d *dispatch.Controller, s *store.Store) *RelayHandler {
	return &RelayHandler{Dispatch: d, Store: s}
}

// identity resolves the usage-attribution client key hash and the
// concurrency/rate-limit user id from whichever auth layer matched the
// request (see middleware.AuthMiddleware).
func identity(c *gin.Context) (clientKeyHash, userID string) {
	if v, ok := c.Get(middleware.ContextKeyClientKeyHash); ok {
		clientKeyHash, _ = v.(string)
	}
	if clientKeyHash == "" {
		clientKeyHash = dispatch.AnonymousClientKey
	}
	userID = clientKeyHash
	if v, ok := c.Get(middleware.ContextKeyTokenID); ok {
		if id, ok := v.(string); ok && id != "" {
			userID = id
		}
	}
	return clientKeyHash, userID
}

// Messages handles the native Anthropic Messages endpoint, mounted at
// /v1/messages, /api/v1/messages, and /claude/v1/messages.
func (h *RelayHandler) Messages(c *gin.Context) {
	body, parsed, ok := readJSONBody(c)
	if !ok {
		return
	}

	model, _ := parsed["model"].(string)
	stream, _ := parsed["stream"].(bool)
	clientKeyHash, userID := identity(c)

	h.dispatchAndRespond(c, dispatch.Request{
		Platform:        account.Claude,
		Model:           model,
		Stream:          stream,
		Body:            body,
		FingerprintBody: parsed,
		ClientKeyHash:   clientKeyHash,
		UserID:          userID,
		ClientIP:        c.ClientIP(),
		ClientHeaders:   c.Request.Header,
	})
}

// Responses handles the Codex Responses API passthrough, mounted at
// /openai/v1/responses and /v1/responses. The body is forwarded verbatim;
// only the path (e.g. "/responses") and the stream flag are inspected.
func (h *RelayHandler) Responses(c *gin.Context) {
	body, parsed, ok := readJSONBody(c)
	if !ok {
		return
	}

	model, _ := parsed["model"].(string)
	stream, _ := parsed["stream"].(bool)
	clientKeyHash, userID := identity(c)

	h.dispatchAndRespond(c, dispatch.Request{
		Platform:        account.Codex,
		Model:           model,
		Stream:          stream,
		Body:            body,
		FingerprintBody: parsed,
		ClientKeyHash:   clientKeyHash,
		UserID:          userID,
		ClientIP:        c.ClientIP(),
		Path:            "/responses",
	})
}

// ListModels answers the OpenAI-compatible model listing shared by every
// relay surface. The relay has no model discovery call of its own upstream
// (accounts serve whatever model the client asks for); this is a static
// catalog of the models client SDKs are known to request.
func (h *RelayHandler) ListModels(c *gin.Context) {
	models := []gin.H{
		{"id": "claude-opus-4-20250514", "object": "model", "owned_by": "anthropic"},
		{"id": "claude-sonnet-4-20250514", "object": "model", "owned_by": "anthropic"},
		{"id": "claude-3-5-sonnet-20241022", "object": "model", "owned_by": "anthropic"},
		{"id": "claude-3-5-haiku-20241022", "object": "model", "owned_by": "anthropic"},
		{"id": "gemini-2.0-flash", "object": "model", "owned_by": "google"},
		{"id": "gemini-2.5-pro", "object": "model", "owned_by": "google"},
		{"id": "gpt-4o", "object": "model", "owned_by": "openai"},
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}

// Health answers a liveness probe: 200 as long as the process is serving
// requests. It does not depend on any account being currently reachable —
// that is what /api/stats/health and /api/stats/circuit are for.
func (h *RelayHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func readJSONBody(c *gin.Context) ([]byte, map[string]interface{}, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return nil, nil, false
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body"})
		return nil, nil, false
	}

	return body, parsed, true
}

// dispatchAndRespond runs req through the controller and renders the
// result. Non-streaming calls return the buffered body and status as-is;
// streaming calls forward bytes as they arrive, only falling back to a JSON
// error body when Dispatch fails before the first upstream byte was
// written (see flushWriter).
func (h *RelayHandler) dispatchAndRespond(c *gin.Context, req dispatch.Request) {
	start := time.Now()

	if req.Stream {
		w := newStreamWriter(c.Writer)
		result, err := h.Dispatch.Dispatch(c.Request.Context(), req, w)
		h.logRequest(req, result, err, start)
		if err != nil {
			if w.Started() {
				log.Warn().Err(err).Str("platform", string(req.Platform)).Msg("streaming dispatch failed after the response was already committed")
				return
			}
			writeDispatchError(c, string(req.Platform), err)
		}
		return
	}

	result, err := h.Dispatch.Dispatch(c.Request.Context(), req, nil)
	h.logRequest(req, result, err, start)
	if err != nil {
		writeDispatchError(c, string(req.Platform), err)
		return
	}
	c.Data(result.StatusCode, "application/json", result.Body)
}

// logRequest appends an audit row for the request regardless of outcome.
// It runs in a goroutine, same as the rest of the store's best-effort
// bookkeeping writes (see middleware.AuthMiddleware.Auth's TouchClientToken
// call) — a logging failure must never affect the response already sent.
func (h *RelayHandler) logRequest(req dispatch.Request, result *dispatch.Result, dispatchErr error, start time.Time) {
	if h.Store == nil {
		return
	}

	entry := store.RequestLog{
		ID:       uuid.New().String(),
		Platform: string(req.Platform),
		Stream:   req.Stream,
	}
	if req.ClientKeyHash != "" && req.ClientKeyHash != dispatch.AnonymousClientKey {
		entry.TokenID = sql.NullString{String: req.ClientKeyHash, Valid: true}
	}
	if req.Model != "" {
		entry.Model = sql.NullString{String: req.Model, Valid: true}
	}
	entry.DurationMs = sql.NullInt64{Int64: time.Since(start).Milliseconds(), Valid: true}

	switch {
	case dispatchErr == nil:
		entry.StatusCode = result.StatusCode
	default:
		entry.ErrorMessage = sql.NullString{String: dispatchErr.Error(), Valid: true}
		entry.StatusCode = clientStatusFor(dispatchErr)
	}

	db := h.Store
	go func() {
		if err := db.CreateRequestLog(entry); err != nil {
			log.Warn().Err(err).Msg("failed to record request log")
		}
	}()
}
