// Package dispatch drives one client request through the scheduler and the
// upstream relay: up to MaxRetries attempts against distinct accounts,
// cooldown/circuit-breaker bookkeeping on failure, and usage recording on
// success.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"ccrelay/internal/account"
	"ccrelay/internal/circuit"
	"ccrelay/internal/concurrency"
	"ccrelay/internal/cooldown"
	"ccrelay/internal/credential"
	"ccrelay/internal/metrics"
	"ccrelay/internal/ratelimit"
	"ccrelay/internal/relay"
	"ccrelay/internal/retry"
	"ccrelay/internal/scheduler"
	"ccrelay/internal/store"
)

// MaxRetries is the number of distinct accounts a dispatch attempts before
// giving up.
const MaxRetries = 3

// AnonymousClientKey is recorded for requests the gateway did not
// authenticate with an API key.
const AnonymousClientKey = "anonymous"

// Request is one client call, already parsed and (re-)serialized by the
// caller into the wire shape the chosen platform expects.
type Request struct {
	Platform        account.Platform
	Model           string
	Stream          bool
	Body            []byte                 // bytes to forward upstream, stream flag already set
	FingerprintBody map[string]interface{} // parsed generic JSON, used only for sticky-session fingerprinting
	ClientKeyHash   string                 // SHA-256(api_key) hex, or AnonymousClientKey
	UserID          string                 // concurrency/rate-limit identity; defaults to ClientKeyHash
	ClientIP        string
	Path            string      // Codex only: e.g. "/responses"
	ClientHeaders   http.Header // Claude only: allow-listed client headers to forward
}

// Result is returned for a non-streaming attempt. Streaming attempts are
// forwarded directly to the caller-supplied writer and return a nil Body.
type Result struct {
	StatusCode int
	Body       []byte
	Usage      relay.Usage
}

// upstreamResponse unifies the *req.Response (Claude) and *http.Response
// (Gemini, Codex) shapes the relay clients return.
type upstreamResponse struct {
	StatusCode int
	Body       io.ReadCloser
}

// Controller wires the scheduler, credential manager, and per-platform
// relay clients into the retry loop described in SPEC_FULL.md §4.8.
type Controller struct {
	Scheduler   *scheduler.Scheduler
	Credentials *credential.Manager
	Cooldown    *cooldown.Table
	Breakers    circuit.Manager
	Concurrency concurrency.Manager
	RateLimit   ratelimit.MultiLimiter
	Store       *store.Store
	Retry       *retry.Tracker
	Metrics     *metrics.Metrics

	// MaxAccountAttempts overrides MaxRetries when positive, sourced from
	// the configured retry.max_attempts.
	MaxAccountAttempts int

	Claude *relay.ClaudeClient
	Gemini *relay.GeminiClient
	Codex  *relay.CodexClient
}

func (c *Controller) maxAttempts() int {
	if c.MaxAccountAttempts > 0 {
		return c.MaxAccountAttempts
	}
	return MaxRetries
}

// NoAccountAvailableError is returned by Dispatch when every attempt failed
// before an account could be selected, and no retryable attempt had run.
type NoAccountAvailableError struct {
	Platform account.Platform
}

func (e *NoAccountAvailableError) Error() string {
	return fmt.Sprintf("dispatch: no account available for platform %s", e.Platform)
}

// AdmissionDeniedError is returned when a rate limit is exceeded before
// scheduling begins; it consumes no retry attempt and no concurrency slot.
type AdmissionDeniedError struct {
	Result *ratelimit.Result
}

func (e *AdmissionDeniedError) Error() string { return "dispatch: rate limit exceeded" }

// ClientStatus reports the HTTP status a caller of Dispatch should render
// for err, covering every error shape Dispatch itself can return. Callers
// outside this package (handler.writeDispatchError, request-log
// bookkeeping) delegate to this instead of re-deriving the same mapping.
func ClientStatus(err error) int {
	switch e := err.(type) {
	case *relay.Error:
		return e.ClientStatus()
	case *AdmissionDeniedError:
		return http.StatusTooManyRequests
	case *NoAccountAvailableError:
		return http.StatusServiceUnavailable
	case *scheduler.NoAccountAvailableError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Dispatch runs the retry loop for one client request. For streaming
// requests, response bytes are forwarded to w as they arrive; the returned
// Result's Body is nil. For non-streaming requests, Result.Body holds the
// full response body and nothing is written to w.
func (c *Controller) Dispatch(ctx context.Context, req Request, w io.Writer) (result *Result, err error) {
	userID := req.UserID
	if userID == "" {
		userID = req.ClientKeyHash
	}

	mode := "sync"
	if req.Stream {
		mode = "stream"
	}

	start := time.Now()
	c.Metrics.IncInFlight(mode)
	defer func() {
		c.Metrics.DecInFlight(mode)
		status := http.StatusOK
		if err != nil {
			status = ClientStatus(err)
		} else if result != nil {
			status = result.StatusCode
		}
		c.Metrics.RecordRequest(string(req.Platform), req.Model, mode, status, time.Since(start))
	}()

	if c.RateLimit != nil {
		admission, rlErr := c.RateLimit.CheckAll(ctx, userID, "", req.ClientIP)
		if rlErr != nil {
			return nil, rlErr
		}
		if !admission.Allowed {
			c.Metrics.RecordRateLimitHit(admission.Tier)
			return nil, &AdmissionDeniedError{Result: admission}
		}
	}

	if c.Concurrency != nil {
		acquired, acqErr := c.Concurrency.AcquireUserSlot(ctx, userID)
		if acqErr != nil {
			return nil, acqErr
		}
		if acquired != nil {
			c.Metrics.RecordConcurrencyWait("user", acquired.WaitTime)
		}
		defer c.Concurrency.ReleaseUserSlot(userID)
	}

	excluded := make(map[string]bool)
	var lastErr error

	c.Retry.RecordExecution()

	for attempt := 0; attempt < c.maxAttempts(); attempt++ {
		if attempt > 0 {
			c.Retry.RecordRetry()
			c.Metrics.RecordRetryAttempt("retry")
		}

		selected, selErr := c.Scheduler.Select(ctx, req.Platform, req.FingerprintBody, excluded)
		if selErr != nil {
			c.Retry.RecordFailure()
			c.Metrics.RecordRetryAttempt("failure")
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, &NoAccountAvailableError{Platform: req.Platform}
		}

		attemptResult, attemptErr := c.attempt(ctx, req, selected, w)
		if attemptErr == nil {
			c.Retry.RecordSuccess(attempt > 0)
			c.Metrics.RecordRetryAttempt("success")
			return attemptResult, nil
		}

		relayErr, ok := attemptErr.(*relay.Error)
		if !ok {
			c.Retry.RecordFailure()
			c.Metrics.RecordRetryAttempt("failure")
			return nil, attemptErr
		}
		if !relayErr.Retryable() {
			c.Retry.RecordFailure()
			c.Metrics.RecordRetryAttempt("failure")
			return nil, relayErr
		}

		c.applyCooldown(selected.ID(), relayErr)
		excluded[selected.ID()] = true
		lastErr = relayErr
		c.Retry.RecordSwitch()
		c.Metrics.RecordAccountSwitch(string(relayErr.Kind))
		log.Debug().Str("account_id", selected.ID()).Str("kind", string(relayErr.Kind)).Int("attempt", attempt).Msg("dispatch attempt failed, retrying with another account")
	}

	c.Retry.RecordFailure()
	c.Metrics.RecordRetryAttempt("failure")
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, &NoAccountAvailableError{Platform: req.Platform}
}

// attempt runs one relay call against selected and handles its outcome:
// success is streamed/parsed and its usage recorded; a classified failure
// or transport error updates the circuit breaker and returns as an error
// for Dispatch to decide whether to retry.
func (c *Controller) attempt(ctx context.Context, req Request, selected account.Account, w io.Writer) (*Result, error) {
	platform := string(req.Platform)
	c.Metrics.RecordAccountRequest(selected.ID(), platform)

	if c.Concurrency != nil {
		acquired, err := c.Concurrency.AcquireAccountSlot(ctx, selected.ID(), selected.Priority())
		if err != nil {
			c.Metrics.RecordAccountError(selected.ID(), platform, "concurrency")
			return nil, relay.Internal(err)
		}
		if acquired != nil {
			c.Metrics.RecordConcurrencyWait("account", acquired.WaitTime)
		}
		defer c.Concurrency.ReleaseAccountSlot(selected.ID())
	}

	creds, err := c.Credentials.CredentialsFor(ctx, selected)
	if err != nil {
		if c.Breakers != nil {
			c.Breakers.RecordFailure(selected.ID())
		}
		c.Metrics.RecordAccountError(selected.ID(), platform, string(relay.KindCredentialError))
		return nil, relay.CredentialError(err)
	}

	start := time.Now()
	resp, err := c.call(ctx, req, selected, creds)
	if err != nil {
		if c.Breakers != nil {
			c.Breakers.RecordFailure(selected.ID())
		}
		c.Metrics.RecordAccountError(selected.ID(), platform, "transport")
		return nil, relay.Internal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		classified := relay.ClassifyResponse(resp.StatusCode, string(body))
		c.Metrics.RecordAccountError(selected.ID(), platform, string(classified.Kind))
		if classified.Retryable() {
			if c.Breakers != nil {
				c.Breakers.RecordFailure(selected.ID())
			}
			return nil, classified
		}
		if c.Breakers != nil {
			c.Breakers.RecordSuccess(selected.ID())
		}
		return nil, classified
	}

	if c.Breakers != nil {
		c.Breakers.RecordSuccess(selected.ID())
	}

	return c.handleSuccess(req, selected, resp, w, start)
}

func (c *Controller) call(ctx context.Context, req Request, selected account.Account, creds account.Credential) (upstreamResponse, error) {
	proxyURL := selected.Proxy().ToURL()

	switch req.Platform {
	case account.Claude:
		r, err := c.Claude.Do(ctx, selected.APIURLOverride(), relay.ClaudeRequest{
			AccountID:     selected.ID(),
			ProxyURL:      proxyURL,
			Credential:    creds,
			Model:         req.Model,
			Stream:        req.Stream,
			Body:          req.Body,
			ClientHeaders: req.ClientHeaders,
		})
		if err != nil {
			return upstreamResponse{}, err
		}
		return upstreamResponse{StatusCode: r.StatusCode, Body: r.Body}, nil

	case account.Gemini:
		r, err := c.Gemini.Do(ctx, selected.APIURLOverride(), relay.GeminiRequest{
			AccountID:  selected.ID(),
			ProxyURL:   proxyURL,
			Model:      req.Model,
			Stream:     req.Stream,
			Credential: creds,
			Body:       req.Body,
		})
		if err != nil {
			return upstreamResponse{}, err
		}
		return upstreamResponse{StatusCode: r.StatusCode, Body: r.Body}, nil

	case account.Codex:
		r, err := c.Codex.Do(ctx, selected.APIURLOverride(), relay.CodexRequest{
			AccountID:  selected.ID(),
			ProxyURL:   proxyURL,
			Path:       req.Path,
			Credential: creds,
			Body:       req.Body,
		})
		if err != nil {
			return upstreamResponse{}, err
		}
		return upstreamResponse{StatusCode: r.StatusCode, Body: r.Body}, nil

	default:
		return upstreamResponse{}, fmt.Errorf("dispatch: unsupported platform %s", req.Platform)
	}
}

func (c *Controller) handleSuccess(req Request, selected account.Account, resp upstreamResponse, w io.Writer, start time.Time) (*Result, error) {
	if !req.Stream {
		body, err := io.ReadAll(resp.Body)
		c.Metrics.RecordTTFT(string(req.Platform), req.Model, time.Since(start))
		if err != nil {
			return nil, relay.Internal(err)
		}

		var usage relay.Usage
		switch req.Platform {
		case account.Claude:
			usage = relay.ParseClaudeResponse(body)
		case account.Gemini:
			usage = relay.ParseGeminiResponse(body)
		}
		c.recordUsage(req, selected, usage)

		return &Result{StatusCode: resp.StatusCode, Body: body, Usage: usage}, nil
	}

	ttftWriter := &firstWriteTimer{w: w, onFirst: func() {
		c.Metrics.RecordTTFT(string(req.Platform), req.Model, time.Since(start))
	}}

	write := func(line string) error {
		_, err := ttftWriter.Write([]byte(line + "\n"))
		return err
	}

	var usage relay.Usage
	var err error
	switch req.Platform {
	case account.Claude:
		usage, err = relay.StreamClaude(resp.Body, write)
	case account.Gemini:
		usage, err = relay.StreamGemini(resp.Body, write)
	case account.Codex:
		_, err = io.Copy(ttftWriter, resp.Body)
	}
	if err != nil {
		log.Warn().Err(err).Str("account_id", selected.ID()).Msg("stream forwarding ended with an error")
	}

	c.recordUsage(req, selected, usage)
	return &Result{StatusCode: resp.StatusCode, Usage: usage}, nil
}

// firstWriteTimer wraps an io.Writer to fire onFirst exactly once, on the
// first non-empty Write, so streaming callers can record time-to-first-byte
// without threading a "have we written yet" flag through each platform's
// stream loop.
type firstWriteTimer struct {
	w       io.Writer
	onFirst func()
	fired   bool
}

func (t *firstWriteTimer) Write(p []byte) (int, error) {
	if !t.fired && len(p) > 0 {
		t.fired = true
		t.onFirst()
	}
	return t.w.Write(p)
}

func (c *Controller) recordUsage(req Request, selected account.Account, usage relay.Usage) {
	if usage.IsZero() {
		return
	}
	clientKey := req.ClientKeyHash
	if clientKey == "" {
		clientKey = AnonymousClientKey
	}
	err := c.Store.RecordUsage(store.UsageRecord{
		ClientAPIKeyHash:    clientKey,
		AccountID:           selected.ID(),
		Model:               req.Model,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		CacheReadTokens:     usage.CacheReadTokens,
	})
	if err != nil {
		log.Warn().Err(err).Str("account_id", selected.ID()).Msg("failed to record usage")
	}
}

func (c *Controller) applyCooldown(accountID string, e *relay.Error) {
	switch e.Kind {
	case relay.KindRateLimited:
		d := time.Duration(e.RetrySeconds) * time.Second
		if d <= 0 {
			d = 60 * time.Second
		}
		c.Cooldown.MarkRateLimited(accountID, d)
	case relay.KindOverloaded:
		d := time.Duration(e.RetryMinutes) * time.Minute
		if d <= 0 {
			d = 5 * time.Minute
		}
		c.Cooldown.MarkOverloaded(accountID, d)
	default:
		c.Cooldown.MarkUnavailable(accountID, string(e.Kind))
	}
}
