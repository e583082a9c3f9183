package tunnel

import "testing"

func TestSessionMetricsSnapshot(t *testing.T) {
	m := newMetrics()
	m.recordCheck(true)
	m.recordCheck(false)
	m.forwardStarted()
	m.forwardStarted()
	m.forwardDone(10, 20)

	snap := m.Snapshot()
	if snap.SuccessfulChecks != 1 || snap.FailedChecks != 1 {
		t.Errorf("checks = %d ok, %d failed", snap.SuccessfulChecks, snap.FailedChecks)
	}
	if snap.Connections != 2 || snap.ActiveForwards != 1 {
		t.Errorf("connections = %d, active = %d", snap.Connections, snap.ActiveForwards)
	}
	if snap.BytesSent != 10 || snap.BytesReceived != 20 {
		t.Errorf("bytes = %d sent, %d received", snap.BytesSent, snap.BytesReceived)
	}
	if snap.CreatedAt.IsZero() || snap.LastHealthCheck.IsZero() {
		t.Errorf("timestamps not set: %+v", snap)
	}

	m.forwardStarted()
	if snap.ActiveForwards != 1 {
		t.Error("snapshot changed after the counters moved")
	}
}
