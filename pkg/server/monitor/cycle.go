package monitor

import (
	"sync"
	"time"
)

// MaxConsecutiveErrors is the failure streak after which a cycle is
// reported unhealthy.
const MaxConsecutiveErrors = 3

// CycleMonitor tracks the health of one periodic cycle.
type CycleMonitor struct {
	name string

	// staleAfter is how long without a success is tolerated. Zero means
	// only the failure streak counts.
	staleAfter time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	consecutiveErrors int
	skipped           int
	lastError         string

	now func() time.Time
}

// NewCycleMonitor creates a monitor for the named cycle
func NewCycleMonitor(name string, staleAfter time.Duration) *CycleMonitor {
	return &CycleMonitor{name: name, staleAfter: staleAfter, now: time.Now}
}

// RecordSuccess records a completed cycle.
func (cm *CycleMonitor) RecordSuccess(d time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := cm.now()
	cm.lastSuccess = now
	cm.lastAttempt = now
	cm.lastDuration = d
	cm.consecutiveErrors = 0
	cm.lastError = ""
}

// RecordFailure records a failed cycle.
func (cm *CycleMonitor) RecordFailure(err error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.lastAttempt = cm.now()
	cm.consecutiveErrors++
	if err != nil {
		cm.lastError = err.Error()
	}
}

// RecordSkipped counts a trigger that found the previous cycle running.
func (cm *CycleMonitor) RecordSkipped() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.skipped++
}

// IsHealthy reports whether the cycle works. Unhealthy conditions:
//   - never succeeded
//   - no success within staleAfter
//   - more than MaxConsecutiveErrors failures in a row
func (cm *CycleMonitor) IsHealthy() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.healthy()
}

func (cm *CycleMonitor) healthy() bool {
	if cm.lastSuccess.IsZero() {
		return false
	}
	if cm.staleAfter > 0 && cm.now().Sub(cm.lastSuccess) > cm.staleAfter {
		return false
	}
	return cm.consecutiveErrors <= MaxConsecutiveErrors
}

// CycleStatus is the health report of one cycle.
type CycleStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDuration      string `json:"last_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	Skipped           int    `json:"skipped,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current report.
func (cm *CycleMonitor) Status() CycleStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	status := CycleStatus{
		Name:    cm.name,
		Healthy: cm.healthy(),
		Skipped: cm.skipped,
	}
	if !cm.lastSuccess.IsZero() {
		status.LastSuccess = cm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = cm.now().Sub(cm.lastSuccess).Round(time.Second).String()
		status.LastDuration = cm.lastDuration.Round(time.Millisecond).String()
	}
	if !cm.lastAttempt.IsZero() {
		status.LastAttempt = cm.lastAttempt.Format(time.RFC3339)
	}
	if cm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = cm.consecutiveErrors
		status.LastError = cm.lastError
	}
	return status
}
