package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ccrelay/internal/account"
	"ccrelay/internal/circuit"
	"ccrelay/internal/concurrency"
	"ccrelay/internal/cooldown"
	"ccrelay/internal/credential"
	"ccrelay/internal/pool"
	"ccrelay/internal/relay"
	"ccrelay/internal/retry"
	"ccrelay/internal/scheduler"
	"ccrelay/internal/store"
	"ccrelay/internal/stickystore"
)

// newTestController wires a dispatch.Controller against the given Gemini
// accounts, backed by a temp-dir store and a disabled circuit breaker, same
// as scheduler's own test harness.
func newTestController(t *testing.T, accounts ...account.Account) (*Controller, *store.Store) {
	t.Helper()
	registry, err := account.NewRegistry(accounts...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	db, err := store.Open(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cooldownTable := cooldown.New()
	breakers := circuit.NewManager(circuit.BreakerConfig{Enabled: false})
	sched := scheduler.New(scheduler.DefaultConfig(), registry, stickystore.New(db, nil), cooldownTable, breakers)
	t.Cleanup(sched.Close)

	p := pool.New(pool.DefaultConfig())
	creds := credential.NewManager(nil, nil)
	conc := concurrency.NewManager(concurrency.DefaultConcurrencyConfig())

	return &Controller{
		Scheduler:   sched,
		Credentials: creds,
		Cooldown:    cooldownTable,
		Breakers:    breakers,
		Concurrency: conc,
		Store:       db,
		Retry:       retry.NewTracker(),
		Gemini:      relay.NewGeminiClient(p),
	}, db
}

func geminiRequest(body string) Request {
	return Request{
		Platform:      account.Gemini,
		Model:         "gemini-2.0-flash",
		ClientKeyHash: "key-hash",
		ClientIP:      "127.0.0.1",
		Body:          []byte(body),
	}
}

func TestDispatch_SuccessRecordsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5}}`))
	}))
	defer srv.Close()

	acc := account.NewAPIKeyAccount("acc-a", "A", account.Gemini, 100, true, account.Proxy{}, srv.URL, "key-a")
	ctrl, db := newTestController(t, acc)

	result, err := ctrl.Dispatch(context.Background(), geminiRequest(`{}`), nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", result.StatusCode)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 5 {
		t.Fatalf("usage = %+v", result.Usage)
	}

	summary, err := db.UsageByAccount(time.Time{})
	if err != nil {
		t.Fatalf("usage by account: %v", err)
	}
	if len(summary) != 1 || summary[0].AccountID != "acc-a" {
		t.Fatalf("usage not recorded: %+v", summary)
	}
}

func TestDispatch_ZeroUsageNotRecorded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	acc := account.NewAPIKeyAccount("acc-a", "A", account.Gemini, 100, true, account.Proxy{}, srv.URL, "key-a")
	ctrl, db := newTestController(t, acc)

	if _, err := ctrl.Dispatch(context.Background(), geminiRequest(`{}`), nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	summary, err := db.UsageByAccount(time.Time{})
	if err != nil {
		t.Fatalf("usage by account: %v", err)
	}
	if len(summary) != 0 {
		t.Fatalf("expected no usage recorded, got %+v", summary)
	}
}

func TestDispatch_RetriesOnRateLimitThenSucceeds(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":1}}`))
	}))
	defer good.Close()

	accA := account.NewAPIKeyAccount("acc-a", "A", account.Gemini, 100, true, account.Proxy{}, bad.URL, "key-a")
	accB := account.NewAPIKeyAccount("acc-b", "B", account.Gemini, 100, true, account.Proxy{}, good.URL, "key-b")
	ctrl, _ := newTestController(t, accA, accB)

	result, err := ctrl.Dispatch(context.Background(), geminiRequest(`{}`), nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.Usage.InputTokens != 3 {
		t.Fatalf("usage = %+v, want the second account's response", result.Usage)
	}
	if !ctrl.Cooldown.IsInCooldown("acc-a") {
		t.Fatal("expected acc-a to be in cooldown after a 429")
	}

	stats := ctrl.Retry.Stats()
	if stats.TotalExecutions != 1 {
		t.Errorf("total executions = %d, want 1", stats.TotalExecutions)
	}
	if stats.TotalSwitches != 1 {
		t.Errorf("total switches = %d, want 1", stats.TotalSwitches)
	}
	if stats.SuccessfulRetries != 1 {
		t.Errorf("successful retries = %d, want 1", stats.SuccessfulRetries)
	}
}

func TestDispatch_FatalErrorSurfacesImmediately(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer srv.Close()

	accA := account.NewAPIKeyAccount("acc-a", "A", account.Gemini, 100, true, account.Proxy{}, srv.URL, "key-a")
	accB := account.NewAPIKeyAccount("acc-b", "B", account.Gemini, 90, true, account.Proxy{}, srv.URL, "key-b")
	ctrl, _ := newTestController(t, accA, accB)

	_, err := ctrl.Dispatch(context.Background(), geminiRequest(`{}`), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	relayErr, ok := err.(*relay.Error)
	if !ok || relayErr.Kind != relay.KindUnauthorized {
		t.Fatalf("err = %#v, want a fatal Unauthorized relay.Error", err)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one upstream attempt before surfacing, got %d", hits)
	}
}

func TestDispatch_ExhaustsRetriesAndReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	accounts := make([]account.Account, 0, MaxRetries+1)
	for i := 0; i < MaxRetries+1; i++ {
		accounts = append(accounts, account.NewAPIKeyAccount(
			"acc-"+string(rune('a'+i)), "account", account.Gemini, 100, true, account.Proxy{}, srv.URL, "key",
		))
	}
	ctrl, _ := newTestController(t, accounts...)

	_, err := ctrl.Dispatch(context.Background(), geminiRequest(`{}`), nil)
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	relayErr, ok := err.(*relay.Error)
	if !ok || relayErr.Kind != relay.KindRateLimited {
		t.Fatalf("err = %#v, want the last RateLimited error", err)
	}
}

func TestDispatch_CredentialFailureIsNotRetried(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// newTestController wires credential.NewManager(nil, nil): a Gemini OAuth
	// account has no refresher configured, so CredentialsFor fails before any
	// upstream call is made.
	accA := account.NewOAuthAccount("acc-a", "A", account.Gemini, 100, true, account.Proxy{}, srv.URL, "refresh-a")
	accB := account.NewOAuthAccount("acc-b", "B", account.Gemini, 90, true, account.Proxy{}, srv.URL, "refresh-b")
	ctrl, _ := newTestController(t, accA, accB)

	_, err := ctrl.Dispatch(context.Background(), geminiRequest(`{}`), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	relayErr, ok := err.(*relay.Error)
	if !ok || relayErr.Kind != relay.KindCredentialError {
		t.Fatalf("err = %#v, want a *relay.Error with Kind=KindCredentialError", err)
	}
	if relayErr.Retryable() {
		t.Fatal("a credential-resolution failure must not be retryable")
	}
	if hits != 0 {
		t.Fatalf("expected no upstream call once credential resolution failed, got %d hits", hits)
	}
}

func TestDispatch_NoAccountAvailable(t *testing.T) {
	ctrl, _ := newTestController(t)

	_, err := ctrl.Dispatch(context.Background(), geminiRequest(`{}`), nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*scheduler.NoAccountAvailableError); !ok {
		t.Fatalf("err = %#v, want *scheduler.NoAccountAvailableError surfaced from Select", err)
	}
}

func TestDispatch_StreamingForwardsLinesAndRecordsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"usageMetadata\":{\"promptTokenCount\":7,\"candidatesTokenCount\":2}}\n")
	}))
	defer srv.Close()

	acc := account.NewAPIKeyAccount("acc-a", "A", account.Gemini, 100, true, account.Proxy{}, srv.URL, "key-a")
	ctrl, _ := newTestController(t, acc)

	req := geminiRequest(`{}`)
	req.Stream = true

	var out strings.Builder
	result, err := ctrl.Dispatch(context.Background(), req, &out)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(out.String(), "promptTokenCount") {
		t.Fatalf("expected forwarded SSE line in output, got %q", out.String())
	}
	if result.Usage.InputTokens != 7 || result.Usage.OutputTokens != 2 {
		t.Fatalf("usage = %+v", result.Usage)
	}
}
