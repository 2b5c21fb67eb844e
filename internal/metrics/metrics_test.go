package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/config"
)

func newTestRouter(m *Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", m.Handler())
	return r
}

func TestNew_DisabledReturnsNil(t *testing.T) {
	if m := New(config.MetricsConfig{Enabled: false}); m != nil {
		t.Fatalf("expected nil Metrics when disabled")
	}
}

func TestNew_CanBeConstructedMoreThanOnce(t *testing.T) {
	if New(config.MetricsConfig{Enabled: true}) == nil {
		t.Fatalf("first instance nil")
	}
	if New(config.MetricsConfig{Enabled: true}) == nil {
		t.Fatalf("second instance nil")
	}
}

func TestRecordRequest_NilReceiverIsNoOp(t *testing.T) {
	var m *Metrics
	m.RecordRequest("claude", "sonnet", "api", 200, time.Millisecond)
	m.RecordTTFT("claude", "sonnet", time.Millisecond)
	m.IncInFlight("api")
	m.DecInFlight("api")
	m.RecordAccountRequest("acc-a", "claude")
	m.RecordAccountError("acc-a", "claude", "rate_limited")
	m.SetAccountHealthy("acc-a", "claude", true)
	m.RecordRateLimitHit("user")
	m.RecordRetryAttempt("retried")
	m.RecordAccountSwitch("rate_limited")
	m.SetPoolClients(3)
	m.RecordConcurrencyWait("account", time.Millisecond)
}

func TestHandler_ExposesRecordedMetrics(t *testing.T) {
	m := New(config.MetricsConfig{Enabled: true})

	m.RecordRequest("claude", "sonnet", "api", 200, 120*time.Millisecond)
	m.RecordAccountRequest("acc-a", "claude")
	m.SetAccountHealthy("acc-a", "claude", true)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	newTestRouter(m).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"ccrelay_requests_total",
		"ccrelay_account_requests_total",
		"ccrelay_account_healthy",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestHandler_NilReceiverReturns404(t *testing.T) {
	var m *Metrics
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	newTestRouter(m).ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
