// Package retry tracks dispatch's account-switching retry loop. The loop
// itself (immediate account exclusion on a retryable failure, no backoff)
// lives in internal/dispatch; this package only counts what happened to it,
// exposed at /api/stats/retry.
package retry

import "sync/atomic"

// Tracker accumulates retry-loop counters. A nil *Tracker is valid: every
// Record method is a no-op on a nil receiver, so dispatch never needs to
// branch on whether a tracker was configured.
type Tracker struct {
	totalExecutions   int64
	totalRetries      int64
	totalSwitches     int64
	successfulRetries int64
	failedExecutions  int64
}

// Stats is the JSON shape served at /api/stats/retry.
type Stats struct {
	TotalExecutions   int64 `json:"total_executions"`
	TotalRetries      int64 `json:"total_retries"`
	TotalSwitches     int64 `json:"total_switches"`
	SuccessfulRetries int64 `json:"successful_retries"`
	FailedExecutions  int64 `json:"failed_executions"`
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordExecution marks the start of one Dispatch call.
func (t *Tracker) RecordExecution() {
	if t == nil {
		return
	}
	atomic.AddInt64(&t.totalExecutions, 1)
}

// RecordRetry marks an attempt after the first within a single Dispatch call.
func (t *Tracker) RecordRetry() {
	if t == nil {
		return
	}
	atomic.AddInt64(&t.totalRetries, 1)
}

// RecordSwitch marks a retryable failure that excluded its account and moved
// on to another.
func (t *Tracker) RecordSwitch() {
	if t == nil {
		return
	}
	atomic.AddInt64(&t.totalSwitches, 1)
}

// RecordSuccess marks a Dispatch call that ultimately succeeded. afterRetries
// is true when the successful attempt was not the first.
func (t *Tracker) RecordSuccess(afterRetries bool) {
	if t == nil {
		return
	}
	if afterRetries {
		atomic.AddInt64(&t.successfulRetries, 1)
	}
}

// RecordFailure marks a Dispatch call that exhausted every account without
// succeeding.
func (t *Tracker) RecordFailure() {
	if t == nil {
		return
	}
	atomic.AddInt64(&t.failedExecutions, 1)
}

// Stats reports the current counters.
func (t *Tracker) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	return Stats{
		TotalExecutions:   atomic.LoadInt64(&t.totalExecutions),
		TotalRetries:      atomic.LoadInt64(&t.totalRetries),
		TotalSwitches:     atomic.LoadInt64(&t.totalSwitches),
		SuccessfulRetries: atomic.LoadInt64(&t.successfulRetries),
		FailedExecutions:  atomic.LoadInt64(&t.failedExecutions),
	}
}
