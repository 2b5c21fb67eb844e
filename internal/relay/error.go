// Package relay builds and executes a single upstream attempt per platform:
// URL/header resolution, request serialization, response classification, and
// SSE usage-telemetry extraction.
package relay

import (
	"fmt"
	"strings"
)

// Kind enumerates the upstream failure classifications a relay attempt can
// produce, mirroring the original relay's error taxonomy exactly.
type Kind string

const (
	KindUnauthorized         Kind = "unauthorized"
	KindInsufficientQuota    Kind = "insufficient_quota"
	KindOrganizationDisabled Kind = "organization_disabled"
	KindOpusWeeklyLimit      Kind = "opus_weekly_limit"
	KindRateLimited          Kind = "rate_limited"
	KindOverloaded           Kind = "overloaded"
	KindContentFiltered      Kind = "content_filtered"
	KindUpstream             Kind = "upstream_error"
	KindNoAccountAvailable   Kind = "no_available_account"
	KindInternal             Kind = "internal_error"
	KindCredentialError      Kind = "oauth_error"
)

// Error is a classified upstream (or local) failure, carrying enough detail
// to pick a cooldown and render the client-facing JSON error body.
type Error struct {
	Kind            Kind
	HTTPStatus      int
	Message         string
	RetrySeconds    int // RateLimited
	RetryMinutes    int // Overloaded
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// ClassifyResponse maps an upstream HTTP status and response body to a
// classified Error, following the original relay's exact condition order.
func ClassifyResponse(status int, body string) *Error {
	lowerBody := strings.ToLower(body)

	switch {
	case status == 401:
		return &Error{Kind: KindUnauthorized, HTTPStatus: 401, Message: body}
	case status == 402:
		return &Error{Kind: KindInsufficientQuota, HTTPStatus: 402, Message: "Insufficient balance. Please check your daily limit and total quota."}
	case status == 403 && strings.Contains(body, "organization has been disabled"):
		return &Error{Kind: KindOrganizationDisabled, HTTPStatus: 403, Message: body}
	case status == 403:
		return &Error{Kind: KindUnauthorized, HTTPStatus: 403, Message: body}
	case status == 429 && strings.Contains(body, "weekly usage limit") && strings.Contains(lowerBody, "opus"):
		return &Error{Kind: KindOpusWeeklyLimit, HTTPStatus: 429, Message: "Opus weekly usage limit reached."}
	case status == 429:
		return &Error{Kind: KindRateLimited, HTTPStatus: 429, Message: "Rate limited. Retry after 60 seconds.", RetrySeconds: 60}
	case status == 529:
		return &Error{Kind: KindOverloaded, HTTPStatus: 529, Message: "API overloaded. Retry after 5 minutes.", RetryMinutes: 5}
	default:
		return &Error{Kind: KindUpstream, HTTPStatus: status, Message: body}
	}
}

// NoAccountAvailable builds the classified error for an exhausted scheduler.
func NoAccountAvailable(platform string) *Error {
	return &Error{Kind: KindNoAccountAvailable, HTTPStatus: 503, Message: fmt.Sprintf("No available account for platform %s", platform)}
}

// Internal wraps an unclassified local failure (transport error, JSON parse
// failure) as a non-retryable internal error.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, HTTPStatus: 500, Message: err.Error()}
}

// CredentialError wraps a credential.Manager failure (most commonly a failed
// OAuth refresh) as a local, non-retryable error. Unlike an upstream 401,
// this never reached the provider at all, so excluding the account and
// trying another would just mask a broken refresh token behind whichever
// account happens to be tried next.
func CredentialError(err error) *Error {
	return &Error{Kind: KindCredentialError, HTTPStatus: 500, Message: err.Error()}
}

// jsonErrorBody is the wire shape every classified error renders to,
// matching the original relay's to_json_error exactly.
type jsonErrorBody struct {
	Type  string           `json:"type"`
	Error jsonErrorPayload `json:"error"`
}

type jsonErrorPayload struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// JSON renders the client-facing error body for this classification.
func (e *Error) JSON() interface{} {
	code := fmt.Sprintf("%d", e.HTTPStatus)
	if e.HTTPStatus == 0 {
		code = "500"
	}
	return jsonErrorBody{
		Type: "error",
		Error: jsonErrorPayload{
			Code:    code,
			Type:    string(e.Kind),
			Message: e.Message,
		},
	}
}

// Retryable reports whether the dispatch controller should try another
// account after this failure, per the retryable-error table.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindOverloaded, KindOpusWeeklyLimit, KindUnauthorized, KindOrganizationDisabled, KindInsufficientQuota:
		return true
	default:
		return false
	}
}

// ClientStatus maps this classification to the status the caller of the
// relay actually sees, which is not always HTTPStatus: Overloaded carries
// the upstream's literal 529 in HTTPStatus (used for cooldown bookkeeping
// and the JSON body's code field) but is rendered to clients as 429, same
// as RateLimited.
func (e *Error) ClientStatus() int {
	switch e.Kind {
	case KindUnauthorized:
		return 401
	case KindContentFiltered, KindOrganizationDisabled:
		return 403
	case KindRateLimited, KindOverloaded:
		return 429
	case KindNoAccountAvailable:
		return 503
	case KindUpstream:
		return e.HTTPStatus
	default:
		return 500
	}
}
