package relay

import "testing"

func TestClassifyResponse(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   Kind
	}{
		{"unauthorized", 401, "bad token", KindUnauthorized},
		{"insufficient quota", 402, "", KindInsufficientQuota},
		{"organization disabled", 403, "this organization has been disabled", KindOrganizationDisabled},
		{"forbidden without org message", 403, "forbidden", KindUnauthorized},
		{"opus weekly limit", 429, "weekly usage limit reached for Opus", KindOpusWeeklyLimit},
		{"generic rate limit", 429, "too many requests", KindRateLimited},
		{"overloaded", 529, "", KindOverloaded},
		{"unclassified upstream", 500, "boom", KindUpstream},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyResponse(tc.status, tc.body)
			if got.Kind != tc.want {
				t.Fatalf("ClassifyResponse(%d, %q) kind = %s, want %s", tc.status, tc.body, got.Kind, tc.want)
			}
		})
	}
}

func TestClassifyResponseOpusRequiresBothSubstrings(t *testing.T) {
	got := ClassifyResponse(429, "weekly usage limit reached")
	if got.Kind != KindRateLimited {
		t.Fatalf("kind = %s, want %s (no opus mention should fall through to generic rate limit)", got.Kind, KindRateLimited)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Kind{KindRateLimited, KindOverloaded, KindOpusWeeklyLimit, KindUnauthorized, KindOrganizationDisabled, KindInsufficientQuota}
	for _, k := range retryable {
		e := &Error{Kind: k}
		if !e.Retryable() {
			t.Errorf("%s should be retryable", k)
		}
	}

	fatal := []Kind{KindContentFiltered, KindUpstream, KindInternal, KindNoAccountAvailable, KindCredentialError}
	for _, k := range fatal {
		e := &Error{Kind: k}
		if e.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
}

func TestClientStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		http int
		want int
	}{
		{KindUnauthorized, 401, 401},
		{KindContentFiltered, 0, 403},
		{KindOrganizationDisabled, 403, 403},
		{KindRateLimited, 429, 429},
		{KindOverloaded, 529, 429}, // upstream 529 is never exposed to the client
		{KindNoAccountAvailable, 503, 503},
		{KindUpstream, 418, 418}, // pass-through
		{KindInsufficientQuota, 402, 500},
		{KindOpusWeeklyLimit, 429, 500},
		{KindInternal, 500, 500},
		{KindCredentialError, 500, 500},
	}

	for _, tc := range cases {
		e := &Error{Kind: tc.kind, HTTPStatus: tc.http}
		if got := e.ClientStatus(); got != tc.want {
			t.Errorf("%s: ClientStatus() = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestErrorJSON(t *testing.T) {
	e := &Error{Kind: KindRateLimited, HTTPStatus: 429, Message: "slow down"}
	body, ok := e.JSON().(jsonErrorBody)
	if !ok {
		t.Fatalf("JSON() returned %T, want jsonErrorBody", e.JSON())
	}
	if body.Type != "error" || body.Error.Type != "rate_limited" || body.Error.Code != "429" || body.Error.Message != "slow down" {
		t.Fatalf("unexpected JSON body: %+v", body)
	}
}
