// Package tunnel opens and supervises local port forwards into containers on
// remote hosts (the equivalent of ssh -L local:container-ip:remote -N).
//
// Each session moves through Connecting, Active and Closing before ending in
// Closed or Failed. A session owns a local listener, one SSH connection and
// the forwards running over it; all of them are released before the session
// reaches a terminal state. Failed sessions report whether the local port was
// confirmed free again.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/juju/loggo"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/inventory"
	"github.com/redpencil/rpio/internal/sshclient"
)

var logger = loggo.GetLogger("rpio.tunnel")

const (
	DefaultBindAddress    = "127.0.0.1"
	DefaultHealthInterval = 60 * time.Second
	DefaultHealthTimeout  = 10 * time.Second
	DefaultCleanupTimeout = 5 * time.Second
)

// ErrClosed is returned by Open after CloseAll.
var ErrClosed = errors.New("tunnel manager is closed")

// Spec describes one forward. It is immutable once a session is opened.
type Spec struct {
	HostID     hosts.ID `json:"host"`
	Container  string   `json:"container"`
	LocalPort  int      `json:"local_port"`
	RemotePort int      `json:"remote_port"`
}

// Validate checks for a host, a container and ports in range.
func (s Spec) Validate() error {
	switch {
	case s.HostID == "":
		return errors.New("tunnel spec: host is required")
	case s.Container == "":
		return errors.New("tunnel spec: container is required")
	case s.LocalPort < 1 || s.LocalPort > 65535:
		return fmt.Errorf("tunnel spec: local port %d out of range", s.LocalPort)
	case s.RemotePort < 1 || s.RemotePort > 65535:
		return fmt.Errorf("tunnel spec: remote port %d out of range", s.RemotePort)
	}
	return nil
}

func (s Spec) String() string {
	return fmt.Sprintf("%s/%s %d->%d", s.HostID, s.Container, s.LocalPort, s.RemotePort)
}

// ResolveFunc returns the address of a container as seen from its host.
type ResolveFunc func(ctx context.Context, conn sshclient.Conn, container string) (string, error)

// Options configures a Manager.
type Options struct {
	Dialer sshclient.Dialer
	Hosts  *hosts.Registry
	// Resolve defaults to inventory.ContainerAddress.
	Resolve        ResolveFunc
	BindAddress    string
	HealthInterval time.Duration
	HealthTimeout  time.Duration
	CleanupTimeout time.Duration
}

// Manager owns every tunnel session of the process.
type Manager struct {
	opts Options

	mu       sync.Mutex
	closed   bool
	ports    map[int]*session
	sessions map[string]*session

	listenersMu sync.RWMutex
	listeners   []Listener
}

// NewManager returns a manager with defaults applied to opts.
func NewManager(opts Options) *Manager {
	if opts.Resolve == nil {
		opts.Resolve = inventory.ContainerAddress
	}
	if opts.BindAddress == "" {
		opts.BindAddress = DefaultBindAddress
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthInterval
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = DefaultCleanupTimeout
	}
	return &Manager{
		opts:     opts,
		ports:    make(map[int]*session),
		sessions: make(map[string]*session),
	}
}

// Snapshot is a point-in-time copy of a session.
type Snapshot struct {
	ID              string          `json:"id"`
	Spec            Spec            `json:"spec"`
	State           State           `json:"state"`
	Target          string          `json:"target,omitempty"`
	StartedAt       time.Time       `json:"started_at"`
	LastHealthCheck time.Time       `json:"last_health_check"`
	Failure         *failure.Error  `json:"failure,omitempty"`
	PortReleased    bool            `json:"port_released"`
	Transitions     []Transition    `json:"transitions"`
	Metrics         MetricsSnapshot `json:"metrics"`
}

// Summary is a one-line human description of the session.
func (s Snapshot) Summary() string {
	age := units.HumanDuration(time.Since(s.StartedAt))
	switch {
	case s.State == StateFailed && !s.PortReleased:
		return fmt.Sprintf("%s: failed after %s, local port %d may still be held: %v", s.Spec, age, s.Spec.LocalPort, s.Failure)
	case s.State == StateFailed:
		return fmt.Sprintf("%s: failed after %s: %v", s.Spec, age, s.Failure)
	default:
		return fmt.Sprintf("%s: %s for %s", s.Spec, s.State, age)
	}
}

// Handle refers to an opened session.
type Handle struct {
	s *session
}

func (h *Handle) ID() string { return h.s.id }

func (h *Handle) Spec() Spec { return h.s.spec }

// Snapshot returns the current state of the session.
func (h *Handle) Snapshot() Snapshot { return h.s.snapshot() }

// Done is closed once the session is terminal.
func (h *Handle) Done() <-chan struct{} { return h.s.done }

// Open binds spec.LocalPort, connects to the host, resolves the container and
// starts forwarding. The session lives until Close, CloseAll or cancellation
// of ctx. Errors are PortInUse, HostUnreachable or AuthFailed failures, ctx's
// error if it ended during the connect, or ErrClosed.
func (m *Manager) Open(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	host, ok := m.opts.Hosts.Lookup(spec.HostID)
	if !ok {
		return nil, failure.New(failure.HostUnreachable, "unknown host %q", spec.HostID).WithPort(spec.LocalPort)
	}

	s, err := m.reserve(ctx, spec, host)
	if err != nil {
		return nil, err
	}
	s.transition(StateConnecting, "open requested", nil)

	if err := s.connect(); err != nil {
		return nil, err
	}

	s.transition(StateActive, "forwarding to "+s.target, nil)
	go s.acceptLoop()
	go s.supervise()
	return &Handle{s: s}, nil
}

// reserve registers a new session for spec.LocalPort. Check and reserve
// happen under one lock so two Opens cannot both claim a port.
func (m *Manager) reserve(ctx context.Context, spec Spec, host hosts.Host) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if other, ok := m.ports[spec.LocalPort]; ok {
		return nil, failure.New(failure.PortInUse, "local port %d is used by tunnel %s", spec.LocalPort, other.id).
			WithPort(spec.LocalPort).WithHost(host.Alias)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &session{
		id:         uuid.NewString(),
		spec:       spec,
		host:       host,
		m:          m,
		parent:     ctx,
		ctx:        sctx,
		cancel:     cancel,
		startedAt:  time.Now(),
		metrics:    newMetrics(),
		done:       make(chan struct{}),
		acceptDone: make(chan struct{}),
		acceptErr:  make(chan error, 1),
		forwards:   make(map[net.Conn]struct{}),
	}
	m.ports[spec.LocalPort] = s
	m.sessions[s.id] = s
	return s, nil
}

func (m *Manager) unregister(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ports[s.spec.LocalPort] == s {
		delete(m.ports, s.spec.LocalPort)
	}
	delete(m.sessions, s.id)
}

// Close ends the session and returns its terminal snapshot. Closing a
// terminal session returns the same snapshot again.
func (m *Manager) Close(h *Handle) Snapshot {
	if h == nil || h.s == nil {
		return Snapshot{}
	}
	h.s.requestClose("close requested")
	<-h.s.done
	return h.s.snapshot()
}

// CloseAll drives every session to a terminal state and rejects later Opens.
// It returns ctx's error if ctx ends before all sessions are terminal.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	pending := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		pending = append(pending, s)
	}
	m.mu.Unlock()

	for _, s := range pending {
		s.requestClose("shutdown")
	}
	for _, s := range pending {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for tunnel %s to close: %w", s.id, ctx.Err())
		}
	}
	if len(pending) > 0 {
		logger.Infof("closed %d tunnel sessions", len(pending))
	}
	return nil
}

// Sessions returns snapshots of the non-terminal sessions ordered by local port.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	list := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, s := range list {
		out = append(out, s.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.LocalPort < out[j].Spec.LocalPort })
	return out
}

// Lookup returns the handle of a non-terminal session.
func (m *Manager) Lookup(id string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return &Handle{s: s}, true
}

// CloseBudget is the longest a single session can take to release its
// resources: the accept loop, the forwards and the port check each wait up
// to CleanupTimeout.
func (m *Manager) CloseBudget() time.Duration {
	return 3 * m.opts.CleanupTimeout
}

func bindAddr(bind string, port int) string {
	return net.JoinHostPort(bind, strconv.Itoa(port))
}
