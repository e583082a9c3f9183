package tunnel

import (
	"context"
	"errors"
	"net"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/sshclient"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSpecValidate(t *testing.T) {
	valid := Spec{HostID: "h1", Container: "web", LocalPort: 8080, RemotePort: 80}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid spec: %v", err)
	}
	bad := []Spec{
		{Container: "web", LocalPort: 1, RemotePort: 1},
		{HostID: "h1", LocalPort: 1, RemotePort: 1},
		{HostID: "h1", Container: "web", LocalPort: 0, RemotePort: 1},
		{HostID: "h1", Container: "web", LocalPort: 70000, RemotePort: 1},
		{HostID: "h1", Container: "web", LocalPort: 1, RemotePort: -1},
	}
	for _, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("Validate(%+v) should fail", s)
		}
	}
}

func TestOpen_ForwardsAndCloses(t *testing.T) {
	conn := &fakeConn{}
	m := newTestManager(t, connDialer(conn))
	rec := &eventRecorder{}
	m.OnEvent(rec.listen)

	echo := startEcho(t)
	port := freePort(t)
	h, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: echo})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if got := h.Snapshot().State; got != StateActive {
		t.Fatalf("state = %s, want active", got)
	}
	if got := h.Snapshot().Target; got != net.JoinHostPort("127.0.0.1", strconv.Itoa(echo)) {
		t.Errorf("target = %q", got)
	}

	roundTrip(t, port, "hello")
	roundTrip(t, port, "again")

	if n := len(m.Sessions()); n != 1 {
		t.Errorf("Sessions() = %d, want 1", n)
	}

	snap := m.Close(h)
	if snap.State != StateClosed || !snap.PortReleased {
		t.Fatalf("closed snapshot = %s released=%v", snap.State, snap.PortReleased)
	}
	if snap.Failure != nil {
		t.Errorf("failure = %v", snap.Failure)
	}
	if snap.Metrics.Connections != 2 {
		t.Errorf("connections = %d, want 2", snap.Metrics.Connections)
	}
	if !conn.closed.Load() {
		t.Error("ssh connection should be closed")
	}
	assertBindable(t, port)

	want := []State{StateConnecting, StateActive, StateClosing, StateClosed}
	if got := rec.states(h.ID()); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	var trans []State
	for _, tr := range snap.Transitions {
		trans = append(trans, tr.To)
	}
	if !reflect.DeepEqual(trans, want) {
		t.Errorf("transitions = %v, want %v", trans, want)
	}
	if len(m.Sessions()) != 0 {
		t.Error("terminal session should be dropped from the manager")
	}
	if _, ok := m.Lookup(h.ID()); ok {
		t.Error("Lookup() should not find a terminal session")
	}
}

func TestClose_Idempotent(t *testing.T) {
	m := newTestManager(t, connDialer(&fakeConn{}))
	port := freePort(t)
	h, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: 80})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	first := m.Close(h)
	second := m.Close(h)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("second Close() = %+v, want %+v", second, first)
	}
	if second.State != StateClosed {
		t.Errorf("state = %s", second.State)
	}
	if got := m.Close(nil); got.State != StateNone {
		t.Errorf("Close(nil) state = %s", got.State)
	}
}

func TestOpen_PortInUseLeavesExistingSession(t *testing.T) {
	m := newTestManager(t, connDialer(&fakeConn{}))
	echo := startEcho(t)
	port := freePort(t)

	h, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: echo})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	before := h.Snapshot()

	_, err = m.Open(context.Background(), Spec{HostID: "h1", Container: "db", LocalPort: port, RemotePort: 5432})
	if !errors.Is(err, failure.PortInUse) {
		t.Fatalf("second Open() error = %v, want PortInUse", err)
	}
	fe, _ := failure.As(err)
	if fe.Port != port {
		t.Errorf("failure port = %d, want %d", fe.Port, port)
	}

	after := h.Snapshot()
	if after.State != StateActive || len(after.Transitions) != len(before.Transitions) {
		t.Errorf("existing session changed: %s, %d transitions", after.State, len(after.Transitions))
	}
	roundTrip(t, port, "still there")
	if n := len(m.Sessions()); n != 1 {
		t.Errorf("Sessions() = %d, want 1", n)
	}
}

func TestOpen_PortBoundElsewhere(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	dialed := false
	d := &fakeDialer{dial: func(context.Context, hosts.Host) (sshclient.Conn, error) {
		dialed = true
		return &fakeConn{}, nil
	}}
	m := newTestManager(t, d)
	rec := &eventRecorder{}
	m.OnEvent(rec.listen)

	_, err = m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: 80})
	if !errors.Is(err, failure.PortInUse) {
		t.Fatalf("Open() error = %v, want PortInUse", err)
	}
	if dialed {
		t.Error("host should not be dialed when the port cannot be bound")
	}
	last := rec.last()
	if last.To != StateFailed || last.FailureKind != failure.PortInUse {
		t.Errorf("last event = %+v", last)
	}
	if len(m.Sessions()) != 0 {
		t.Error("failed session should not be kept")
	}
}

func TestOpen_BindAddressUnavailable(t *testing.T) {
	// 192.0.2.0/24 is reserved for documentation and never local.
	m := NewManager(Options{
		Dialer:         connDialer(&fakeConn{}),
		Hosts:          testRegistry(t),
		Resolve:        localResolve,
		BindAddress:    "192.0.2.1",
		HealthInterval: time.Hour,
		CleanupTimeout: time.Second,
	})
	t.Cleanup(func() { m.CloseAll(context.Background()) })

	_, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: freePort(t), RemotePort: 80})
	if err == nil {
		t.Fatal("Open() succeeded on an address that is not local")
	}
	if errors.Is(err, failure.PortInUse) {
		t.Fatalf("Open() error = %v, a bind failure on a foreign address is not PortInUse", err)
	}
	if !errors.Is(err, failure.ProtocolError) {
		t.Errorf("Open() error = %v, want ProtocolError", err)
	}
	if n := len(m.Sessions()); n != 0 {
		t.Errorf("sessions = %d, want 0", n)
	}
}

func TestOpen_ConcurrentSamePort(t *testing.T) {
	m := newTestManager(t, connDialer(&fakeConn{}))
	port := freePort(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: 80})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case !errors.Is(err, failure.PortInUse):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("%d Opens succeeded, want exactly 1", ok)
	}
}

func TestOpen_DialErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind failure.Kind
	}{
		{"auth", failure.New(failure.AuthFailed, "denied"), failure.AuthFailed},
		{"refused", failure.New(failure.HostUnreachable, "refused"), failure.HostUnreachable},
		{"timeout", failure.New(failure.Timeout, "dial timeout"), failure.HostUnreachable},
		{"plain", errors.New("boom"), failure.HostUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, errDialer(tt.err))
			port := freePort(t)
			_, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: 80})
			if failure.KindOf(err) != tt.wantKind {
				t.Fatalf("Open() error = %v, want kind %s", err, tt.wantKind)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("cause %v should stay in the chain", tt.err)
			}
			fe, _ := failure.As(err)
			if fe.Port != port || fe.Host != "h1" {
				t.Errorf("failure should name host and port: %+v", fe)
			}
			assertBindable(t, port)
		})
	}
}

func TestOpen_UnresolvableContainer(t *testing.T) {
	conn := &fakeConn{}
	m := NewManager(Options{
		Dialer: connDialer(conn),
		Hosts:  testRegistry(t),
		Resolve: func(context.Context, sshclient.Conn, string) (string, error) {
			return "", failure.New(failure.ProtocolError, "no such container")
		},
		CleanupTimeout: time.Second,
	})
	defer m.CloseAll(context.Background())

	_, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "ghost", LocalPort: freePort(t), RemotePort: 80})
	if failure.KindOf(err) != failure.HostUnreachable {
		t.Fatalf("Open() error = %v, want HostUnreachable", err)
	}
	if !conn.closed.Load() {
		t.Error("connection should be closed after a failed open")
	}
}

func TestOpen_UnknownHost(t *testing.T) {
	m := newTestManager(t, connDialer(&fakeConn{}))
	_, err := m.Open(context.Background(), Spec{HostID: "nope", Container: "web", LocalPort: freePort(t), RemotePort: 80})
	if !errors.Is(err, failure.HostUnreachable) {
		t.Fatalf("Open() error = %v, want HostUnreachable", err)
	}
}

func TestOpen_CancelledWhileConnecting(t *testing.T) {
	started := make(chan struct{})
	d := &fakeDialer{dial: func(ctx context.Context, _ hosts.Host) (sshclient.Conn, error) {
		close(started)
		<-ctx.Done()
		return nil, failure.Wrap(failure.Timeout, ctx.Err(), "dial")
	}}
	m := newTestManager(t, d)
	rec := &eventRecorder{}
	m.OnEvent(rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	port := freePort(t)
	_, err := m.Open(ctx, Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: 80})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Open() error = %v, want context.Canceled", err)
	}
	want := []State{StateConnecting, StateClosing, StateClosed}
	if got := rec.states(""); !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	assertBindable(t, port)
}

func TestHealthFailureFailsSession(t *testing.T) {
	conn := &fakeConn{ping: func(context.Context) error {
		return failure.New(failure.HostUnreachable, "connection lost")
	}}
	m := NewManager(Options{
		Dialer:         connDialer(conn),
		Hosts:          testRegistry(t),
		Resolve:        localResolve,
		HealthInterval: 20 * time.Millisecond,
		CleanupTimeout: time.Second,
	})
	defer m.CloseAll(context.Background())

	port := freePort(t)
	h, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: port, RemotePort: 80})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not fail after health check failure")
	}
	snap := h.Snapshot()
	if snap.State != StateFailed {
		t.Fatalf("state = %s, want failed", snap.State)
	}
	if !errors.Is(snap.Failure, failure.HostUnreachable) || snap.Failure.Port != port {
		t.Errorf("failure = %+v", snap.Failure)
	}
	if !snap.PortReleased {
		t.Error("port should be released after failure")
	}
	if snap.Metrics.FailedChecks != 1 || snap.LastHealthCheck.IsZero() {
		t.Errorf("metrics = %+v", snap.Metrics)
	}
	var trans []State
	for _, tr := range snap.Transitions {
		trans = append(trans, tr.To)
	}
	if want := []State{StateConnecting, StateActive, StateFailed}; !reflect.DeepEqual(trans, want) {
		t.Errorf("transitions = %v, want %v", trans, want)
	}
	assertBindable(t, port)

	if again := m.Close(h); again.State != StateFailed {
		t.Errorf("Close() after failure = %s, want failed", again.State)
	}
}

func TestCloseCancelsHealthCheckInFlight(t *testing.T) {
	inCheck := make(chan struct{}, 1)
	conn := &fakeConn{ping: func(ctx context.Context) error {
		select {
		case inCheck <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return failure.Wrap(failure.Timeout, ctx.Err(), "keepalive")
	}}
	m := NewManager(Options{
		Dialer:         connDialer(conn),
		Hosts:          testRegistry(t),
		Resolve:        localResolve,
		HealthInterval: 10 * time.Millisecond,
		HealthTimeout:  time.Minute,
		CleanupTimeout: time.Second,
	})
	defer m.CloseAll(context.Background())

	h, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: freePort(t), RemotePort: 80})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	<-inCheck

	start := time.Now()
	snap := m.Close(h)
	if time.Since(start) > 2*time.Second {
		t.Error("Close() waited for the health check timeout")
	}
	if snap.State != StateClosed {
		t.Errorf("state = %s, want closed", snap.State)
	}
}

func TestContextCancellationClosesSession(t *testing.T) {
	m := newTestManager(t, connDialer(&fakeConn{}))
	ctx, cancel := context.WithCancel(context.Background())
	h, err := m.Open(ctx, Spec{HostID: "h1", Container: "web", LocalPort: freePort(t), RemotePort: 80})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end after ctx cancellation")
	}
	if got := h.Snapshot().State; got != StateClosed {
		t.Errorf("state = %s, want closed", got)
	}
}

func TestCloseAll(t *testing.T) {
	m := newTestManager(t, connDialer(&fakeConn{}))
	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: freePort(t), RemotePort: 80})
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		handles = append(handles, h)
	}

	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll() error: %v", err)
	}
	for _, h := range handles {
		snap := h.Snapshot()
		if !snap.State.Terminal() {
			t.Errorf("session %s left in %s", h.ID(), snap.State)
		}
		assertBindable(t, snap.Spec.LocalPort)
	}
	if len(m.Sessions()) != 0 {
		t.Error("sessions remain after CloseAll()")
	}

	_, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: freePort(t), RemotePort: 80})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Open() after CloseAll() = %v, want ErrClosed", err)
	}
}

func TestCloseAll_AbortsConnecting(t *testing.T) {
	started := make(chan struct{})
	d := &fakeDialer{dial: func(ctx context.Context, _ hosts.Host) (sshclient.Conn, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	m := newTestManager(t, d)

	errc := make(chan error, 1)
	go func() {
		_, err := m.Open(context.Background(), Spec{HostID: "h1", Container: "web", LocalPort: freePort(t), RemotePort: 80})
		errc <- err
	}()
	<-started
	if err := m.CloseAll(context.Background()); err != nil {
		t.Fatalf("CloseAll() error: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Errorf("Open() = %v, want ErrClosed", err)
	}
}

func TestTransitionTable(t *testing.T) {
	allowed := map[[2]State]bool{
		{StateNone, StateConnecting}:    true,
		{StateConnecting, StateActive}:  true,
		{StateConnecting, StateClosing}: true,
		{StateConnecting, StateFailed}:  true,
		{StateActive, StateClosing}:     true,
		{StateActive, StateFailed}:      true,
		{StateClosing, StateClosed}:     true,
		{StateClosing, StateFailed}:     true,
	}
	for from := StateNone; from <= StateFailed; from++ {
		for to := StateNone; to <= StateFailed; to++ {
			if got := CanTransition(from, to); got != allowed[[2]State{from, to}] {
				t.Errorf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}
}

func TestTransitionLogWraps(t *testing.T) {
	var l transitionLog
	for i := 0; i < transitionBufferSize+7; i++ {
		l.record(Transition{Reason: strconv.Itoa(i)})
	}
	h := l.history()
	if len(h) != transitionBufferSize {
		t.Fatalf("len = %d", len(h))
	}
	if h[0].Reason != "7" || h[len(h)-1].Reason != strconv.Itoa(transitionBufferSize+6) {
		t.Errorf("history not chronological: first %s last %s", h[0].Reason, h[len(h)-1].Reason)
	}
}

func TestStateText(t *testing.T) {
	for st := StateNone; st <= StateFailed; st++ {
		b, _ := st.MarshalText()
		var back State
		if err := back.UnmarshalText(b); err != nil || back != st {
			t.Errorf("round trip %s = %s, %v", st, back, err)
		}
	}
	var s State
	if err := s.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) should fail")
	}
}

func TestCloseBudgetCoversRelease(t *testing.T) {
	m := NewManager(Options{Dialer: connDialer(&fakeConn{}), Hosts: testRegistry(t)})
	if got, want := m.CloseBudget(), 3*DefaultCleanupTimeout; got != want {
		t.Errorf("default CloseBudget() = %s, want %s", got, want)
	}

	m = NewManager(Options{Dialer: connDialer(&fakeConn{}), Hosts: testRegistry(t), CleanupTimeout: 2 * time.Second})
	if got := m.CloseBudget(); got != 6*time.Second {
		t.Errorf("CloseBudget() = %s, want 6s", got)
	}
}
