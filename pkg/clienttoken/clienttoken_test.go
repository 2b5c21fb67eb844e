package clienttoken

import (
	"testing"
	"time"
)

func TestGenerateAndValidate(t *testing.T) {
	m := NewManager("test-secret", "ccrelay-test")

	token, info, err := m.Generate("alice", "api", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if info.UserName != "alice" || info.Mode != "api" {
		t.Fatalf("info = %+v", info)
	}

	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.ID != info.ID || claims.UserName != "alice" || claims.Mode != "api" {
		t.Fatalf("claims = %+v, want id=%s", claims, info.ID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	m := NewManager("test-secret", "ccrelay-test")

	token, _, err := m.Generate("bob", "web", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := m.Validate(token); err != ErrExpiredToken {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer := NewManager("secret-a", "ccrelay-test")
	verifier := NewManager("secret-b", "ccrelay-test")

	token, _, err := issuer.Generate("carol", "both", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	if _, err := verifier.Validate(token); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenID(t *testing.T) {
	m := NewManager("test-secret", "ccrelay-test")

	token, info, err := m.Generate("dave", "api", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	id, err := m.TokenID(token)
	if err != nil {
		t.Fatalf("token id: %v", err)
	}
	if id != info.ID {
		t.Fatalf("id = %s, want %s", id, info.ID)
	}
}

func TestClaimsAllowsMode(t *testing.T) {
	cases := []struct {
		mode  string
		gate  []string
		allow bool
	}{
		{"both", []string{"api"}, true},
		{"both", []string{}, true},
		{"api", []string{"api", "web"}, true},
		{"api", []string{"web"}, false},
		{"web", []string{"api"}, false},
	}

	for _, tc := range cases {
		claims := &Claims{Mode: tc.mode}
		if got := claims.AllowsMode(tc.gate...); got != tc.allow {
			t.Errorf("Mode=%q AllowsMode(%v) = %v, want %v", tc.mode, tc.gate, got, tc.allow)
		}
	}
}

func TestTokenIDRejectsMalformedToken(t *testing.T) {
	m := NewManager("test-secret", "ccrelay-test")

	if _, err := m.TokenID("not-a-jwt"); err != ErrInvalidToken {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}
