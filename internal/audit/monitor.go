package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Monitor re-verifies the chain on a fixed interval and remembers the last
// result for the status endpoint. Verification is O(n), so this is the
// periodic path; request handlers should read Last instead of verifying.
type Monitor struct {
	reader   *Reader
	interval time.Duration

	mu      sync.RWMutex
	last    VerifyResult
	checked time.Time
}

// MonitorStatus is the last verification outcome.
type MonitorStatus struct {
	Result    VerifyResult `json:"result"`
	CheckedAt time.Time    `json:"checkedAt"`
}

// NewMonitor creates a monitor. It does nothing until Run is called.
func NewMonitor(reader *Reader, interval time.Duration) *Monitor {
	return &Monitor{reader: reader, interval: interval}
}

// Run verifies once immediately, then every interval, until ctx is done.
// A non-positive interval runs a single check and returns.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	if m.interval <= 0 {
		return
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one verification and stores the result.
func (m *Monitor) Check(ctx context.Context) (VerifyResult, error) {
	res, err := m.reader.Verify(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("integrity check failed", "error", err)
		}
		return VerifyResult{}, err
	}

	m.mu.Lock()
	m.last = res
	m.checked = time.Now().UTC()
	m.mu.Unlock()

	if res.OK {
		slog.Info("integrity check passed", "entries", res.Count)
	}
	return res, nil
}

// Last returns the most recent result. CheckedAt is zero before the first
// check completes.
func (m *Monitor) Last() MonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MonitorStatus{Result: m.last, CheckedAt: m.checked}
}
