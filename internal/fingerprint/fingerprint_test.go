package fingerprint

import (
	"encoding/json"
	"testing"
)

func mustBody(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("invalid json fixture: %v", err)
	}
	return body
}

func TestGenerate_UserIDSession(t *testing.T) {
	body := mustBody(t, `{"metadata":{"user_id":"user_session_12345678-1234-1234-1234-123456789012_abc"}}`)

	got, ok := Generate(body)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	want := "12345678-1234-1234-1234-123456789012"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestGenerate_SystemPromptString(t *testing.T) {
	body := mustBody(t, `{"system":"you are helpful"}`)

	got, ok := Generate(body)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	if len(got) != 32 {
		t.Errorf("expected 32 hex chars, got %d (%s)", len(got), got)
	}

	again, ok := Generate(body)
	if !ok || again != got {
		t.Errorf("expected deterministic fingerprint, got %q then %q", got, again)
	}
}

func TestGenerate_CacheableContentPrecedesSystemPrompt(t *testing.T) {
	body := mustBody(t, `{
		"system": "plain system prompt",
		"messages": [
			{"role":"user","content":[{"type":"text","text":"hello","cache_control":{"type":"ephemeral"}}]}
		]
	}`)

	withCache, ok := Generate(body)
	if !ok {
		t.Fatal("expected a fingerprint")
	}

	plainBody := mustBody(t, `{"system":"plain system prompt"}`)
	plain, ok := Generate(plainBody)
	if !ok {
		t.Fatal("expected a fingerprint")
	}

	if withCache == plain {
		t.Error("cacheable-content path should take precedence over system-prompt path and hash different content")
	}
}

func TestGenerate_FirstMessageFallback(t *testing.T) {
	body := mustBody(t, `{"messages":[{"role":"user","content":"hi there"}]}`)

	got, ok := Generate(body)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	if len(got) != 32 {
		t.Errorf("expected 32 hex chars, got %d", len(got))
	}
}

func TestGenerate_NoneApplicable(t *testing.T) {
	body := mustBody(t, `{}`)

	if _, ok := Generate(body); ok {
		t.Error("expected no fingerprint for an empty body")
	}
}

func TestGenerate_ArraySystemParts(t *testing.T) {
	a := mustBody(t, `{"system":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}`)
	b := mustBody(t, `{"system":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}`)

	fa, ok := Generate(a)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	fb, ok := Generate(b)
	if !ok {
		t.Fatal("expected a fingerprint")
	}
	if fa != fb {
		t.Errorf("identical bodies should hash identically: %q vs %q", fa, fb)
	}
}
