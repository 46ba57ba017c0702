package esp

import (
	"sync"
	"time"
)

// MonitorStats holds provider health statistics for reporting.
type MonitorStats struct {
	AverageLatency   time.Duration
	ThrottleCount429 int
	RequestsLastHour int
	LastThrottleAt   time.Time
	ThrottleRetryIn  time.Duration
}

// Monitor tracks delivery API health: recent latencies, throttle responses,
// and request volume over a sliding window.
type Monitor struct {
	mu sync.RWMutex

	recentLatencies  []time.Duration
	maxLatencyWindow int

	throttleCount429 int
	lastThrottleTime time.Time
	retryAfter       time.Duration

	requestTimestamps []time.Time
	windowDuration    time.Duration
}

// NewMonitor creates a monitor with default settings.
func NewMonitor() *Monitor {
	return &Monitor{
		recentLatencies:  make([]time.Duration, 0, 100),
		maxLatencyWindow: 100,
		windowDuration:   time.Hour,
	}
}

// RecordRequest records a successful request with its latency.
func (m *Monitor) RecordRequest(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()

	m.recentLatencies = append(m.recentLatencies, latency)
	if len(m.recentLatencies) > m.maxLatencyWindow {
		m.recentLatencies = m.recentLatencies[1:]
	}

	m.requestTimestamps = append(m.requestTimestamps, now)

	// Drop timestamps outside the window
	cutoff := now.Add(-m.windowDuration)
	filtered := m.requestTimestamps[:0]
	for _, t := range m.requestTimestamps {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	m.requestTimestamps = filtered
}

// RecordThrottle records a rate-limiting response.
func (m *Monitor) RecordThrottle(statusCode int, retryAfter time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastThrottleTime = time.Now()
	if statusCode == 429 {
		m.throttleCount429++
		if retryAfter > 0 {
			m.retryAfter = retryAfter
		} else {
			m.retryAfter = time.Minute
		}
	}
}

// GetStats returns a snapshot of the monitor.
func (m *Monitor) GetStats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := MonitorStats{
		ThrottleCount429: m.throttleCount429,
		RequestsLastHour: len(m.requestTimestamps),
		LastThrottleAt:   m.lastThrottleTime,
	}

	if len(m.recentLatencies) > 0 {
		var total time.Duration
		for _, lat := range m.recentLatencies {
			total += lat
		}
		stats.AverageLatency = total / time.Duration(len(m.recentLatencies))
	}

	if m.retryAfter > 0 {
		if remaining := m.retryAfter - time.Since(m.lastThrottleTime); remaining > 0 {
			stats.ThrottleRetryIn = remaining
		}
	}

	return stats
}
