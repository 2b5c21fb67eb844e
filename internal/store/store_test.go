package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "relay.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second open (re-migrate): %v", err)
	}
	defer s2.Close()
}

func TestStickySessionExpiry(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.UpsertStickySession("hash1", "acct-a", now.Add(time.Hour)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetStickySession("hash1", now)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccountID != "acct-a" {
		t.Errorf("got account %q, want acct-a", got.AccountID)
	}

	if _, err := s.GetStickySession("hash1", now.Add(2*time.Hour)); err != ErrNotFound {
		t.Errorf("expected ErrNotFound for an expired row, got %v", err)
	}
}

func TestStickySessionUpsertRebinds(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	if err := s.UpsertStickySession("hash1", "acct-a", now.Add(time.Hour)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertStickySession("hash1", "acct-b", now.Add(2*time.Hour)); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetStickySession("hash1", now)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccountID != "acct-b" {
		t.Errorf("got account %q, want acct-b after rebind", got.AccountID)
	}
}

func TestSweepStickySessions(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	s.UpsertStickySession("expired", "acct-a", now.Add(-time.Minute))
	s.UpsertStickySession("live", "acct-b", now.Add(time.Hour))

	n, err := s.SweepStickySessions(now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d rows, want 1", n)
	}

	if _, err := s.GetStickySession("live", now); err != nil {
		t.Errorf("live session should survive sweep: %v", err)
	}
}

func TestAccountUpsertAndList(t *testing.T) {
	s := openTestStore(t)

	a := AccountRow{ID: "acct-1", Name: "primary", Platform: "claude", CredentialKind: "oauth", Priority: 100, Enabled: true}
	if err := s.UpsertAccount(a); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	a.Priority = 50
	if err := s.UpsertAccount(a); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	rows, err := s.ListAccounts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 account, got %d", len(rows))
	}
	if rows[0].Priority != 50 {
		t.Errorf("upsert should overwrite priority, got %d", rows[0].Priority)
	}
}

func TestUsageAggregation(t *testing.T) {
	s := openTestStore(t)

	s.RecordUsage(UsageRecord{ClientAPIKeyHash: "anonymous", AccountID: "acct-1", Model: "claude-3", InputTokens: 10, OutputTokens: 20})
	s.RecordUsage(UsageRecord{ClientAPIKeyHash: "anonymous", AccountID: "acct-1", Model: "claude-3", InputTokens: 5, OutputTokens: 15})

	summaries, err := s.UsageByAccount(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("usage by account: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	if summaries[0].InputTokens != 15 || summaries[0].OutputTokens != 35 {
		t.Errorf("got %+v, want input=15 output=35", summaries[0])
	}
}

func TestClientTokenLifecycle(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	tok := ClientToken{ID: "tok-1", UserName: "alice", Mode: "api", ExpiresAt: now.Add(time.Hour)}
	if err := s.CreateClientToken(tok); err != nil {
		t.Fatalf("create: %v", err)
	}

	valid, err := s.IsClientTokenValid("tok-1", now)
	if err != nil {
		t.Fatalf("valid check: %v", err)
	}
	if !valid {
		t.Error("expected freshly created token to be valid")
	}

	if err := s.RevokeClientToken("tok-1", now); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	valid, err = s.IsClientTokenValid("tok-1", now)
	if err != nil {
		t.Fatalf("valid check after revoke: %v", err)
	}
	if valid {
		t.Error("expected revoked token to be invalid")
	}
}
