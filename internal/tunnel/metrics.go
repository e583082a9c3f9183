package tunnel

import (
	"sync"
	"time"
)

// sessionMetrics tracks health and traffic counters for one session.
type sessionMetrics struct {
	mu               sync.Mutex
	createdAt        time.Time
	lastHealthCheck  time.Time
	successfulChecks int64
	failedChecks     int64
	connections      int64
	activeForwards   int64
	bytesSent        int64
	bytesReceived    int64
}

func newMetrics() *sessionMetrics {
	return &sessionMetrics{createdAt: time.Now()}
}

// Snapshot returns a copy of the counters.
func (m *sessionMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MetricsSnapshot{
		CreatedAt:        m.createdAt,
		LastHealthCheck:  m.lastHealthCheck,
		SuccessfulChecks: m.successfulChecks,
		FailedChecks:     m.failedChecks,
		Connections:      m.connections,
		ActiveForwards:   m.activeForwards,
		BytesSent:        m.bytesSent,
		BytesReceived:    m.bytesReceived,
	}
}

// MetricsSnapshot is a copy of a session's health and traffic counters.
type MetricsSnapshot struct {
	CreatedAt        time.Time `json:"created_at"`
	LastHealthCheck  time.Time `json:"last_health_check"`
	SuccessfulChecks int64     `json:"successful_checks"`
	FailedChecks     int64     `json:"failed_checks"`
	Connections      int64     `json:"connections"`
	ActiveForwards   int64     `json:"active_forwards"`
	BytesSent        int64     `json:"bytes_sent"`
	BytesReceived    int64     `json:"bytes_received"`
}

func (m *sessionMetrics) recordCheck(ok bool) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHealthCheck = time.Now()
	if ok {
		m.successfulChecks++
	} else {
		m.failedChecks++
	}
	return m.lastHealthCheck
}

func (m *sessionMetrics) forwardStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections++
	m.activeForwards++
}

func (m *sessionMetrics) forwardDone(sent, received int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeForwards--
	m.bytesSent += sent
	m.bytesReceived += received
}
