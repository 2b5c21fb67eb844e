package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"ccrelay/internal/circuit"
	"ccrelay/internal/concurrency"
	"ccrelay/internal/pool"
	"ccrelay/internal/ratelimit"
	"ccrelay/internal/retry"
)

func newStatsTestRouter(h *StatsHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/stats/scheduler", h.SchedulerStats)
	r.GET("/stats/circuit", h.CircuitStats)
	r.GET("/stats/concurrency", h.ConcurrencyStats)
	r.GET("/stats/ratelimit", h.RateLimitStats)
	r.GET("/stats/pool", h.PoolStats)
	r.GET("/stats/retry", h.RetryStats)
	r.GET("/stats/health", h.HealthStats)
	return r
}

func TestStatsHandler_NilComponentsReturnEmptyObject(t *testing.T) {
	h := &StatsHandler{Retry: retry.NewTracker()}
	r := newStatsTestRouter(h)

	for _, path := range []string{"/stats/scheduler", "/stats/circuit", "/stats/concurrency", "/stats/ratelimit", "/stats/pool", "/stats/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: unmarshal: %v", path, err)
		}
		if len(body) != 0 {
			t.Fatalf("%s: expected empty object for nil component, got %v", path, body)
		}
	}
}

func TestStatsHandler_RetryStatsAlwaysServesTrackerShape(t *testing.T) {
	tracker := retry.NewTracker()
	tracker.RecordExecution()
	tracker.RecordSwitch()
	tracker.RecordSuccess(true)

	h := &StatsHandler{Retry: tracker}
	r := newStatsTestRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/stats/retry", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var stats retry.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.TotalExecutions != 1 || stats.TotalSwitches != 1 || stats.SuccessfulRetries != 1 {
		t.Fatalf("unexpected retry stats: %+v", stats)
	}
}

func TestStatsHandler_PopulatedComponentsServeTheirStats(t *testing.T) {
	circuitMgr := circuit.NewManager(circuit.BreakerConfig{Enabled: true, FailureThreshold: 5, SuccessThreshold: 2, OpenTimeout: 0})
	defer circuitMgr.Close()
	concurrencyMgr := concurrency.NewManager(concurrency.ConcurrencyConfig{UserMax: 2, AccountMax: 2})
	defer concurrencyMgr.Close()
	rateLimiter := ratelimit.NewMultiMemoryLimiter(ratelimit.RateLimitConfig{Enabled: true})
	defer rateLimiter.Close()
	httpPool := pool.New(pool.DefaultConfig())
	defer httpPool.Close()

	h := &StatsHandler{
		Circuit:     circuitMgr,
		Concurrency: concurrencyMgr,
		RateLimit:   rateLimiter,
		Pool:        httpPool,
		Retry:       retry.NewTracker(),
	}
	r := newStatsTestRouter(h)

	for _, path := range []string{"/stats/circuit", "/stats/concurrency", "/stats/ratelimit", "/stats/pool"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
	}
}
