package tunnel

import (
	"time"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
)

// Event reports one state transition of a session.
type Event struct {
	SessionID    string       `json:"session_id"`
	HostID       hosts.ID     `json:"host"`
	Container    string       `json:"container"`
	LocalPort    int          `json:"local_port"`
	RemotePort   int          `json:"remote_port"`
	From         State        `json:"from"`
	To           State        `json:"to"`
	Reason       string       `json:"reason"`
	FailureKind  failure.Kind `json:"failure_kind,omitempty"`
	PortReleased bool         `json:"port_released"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Listener receives lifecycle events. Listeners are called synchronously in
// transition order and must not block; long-running handlers should spawn
// goroutines.
type Listener func(Event)

// OnEvent registers a listener for every session of the manager.
func (m *Manager) OnEvent(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) emit(ev Event) {
	switch {
	case ev.To == StateFailed:
		logger.Warningf("tunnel %s (%s/%s %d->%d): %s -> %s: %s",
			ev.SessionID, ev.HostID, ev.Container, ev.LocalPort, ev.RemotePort, ev.From, ev.To, ev.Reason)
	default:
		logger.Infof("tunnel %s (%s/%s %d->%d): %s -> %s: %s",
			ev.SessionID, ev.HostID, ev.Container, ev.LocalPort, ev.RemotePort, ev.From, ev.To, ev.Reason)
	}

	m.listenersMu.RLock()
	ls := make([]Listener, len(m.listeners))
	copy(ls, m.listeners)
	m.listenersMu.RUnlock()

	for _, l := range ls {
		l(ev)
	}
}
