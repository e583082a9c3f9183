package tunnel

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/sshclient"
)

// fakeConn forwards Dial to the local network so a tunnel target can be a
// local echo server.
type fakeConn struct {
	ping   func(ctx context.Context) error
	closed atomic.Bool
}

func (c *fakeConn) Run(context.Context, string) ([]byte, error) {
	return []byte("127.0.0.1\n"), nil
}

func (c *fakeConn) Dial(network, addr string) (net.Conn, error) {
	return net.Dial(network, addr)
}

func (c *fakeConn) Ping(ctx context.Context) error {
	if c.ping != nil {
		return c.ping(ctx)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

type fakeDialer struct {
	dial func(ctx context.Context, h hosts.Host) (sshclient.Conn, error)
}

func (d *fakeDialer) Dial(ctx context.Context, h hosts.Host) (sshclient.Conn, error) {
	return d.dial(ctx, h)
}

func connDialer(conn sshclient.Conn) *fakeDialer {
	return &fakeDialer{dial: func(context.Context, hosts.Host) (sshclient.Conn, error) { return conn, nil }}
}

func errDialer(err error) *fakeDialer {
	return &fakeDialer{dial: func(context.Context, hosts.Host) (sshclient.Conn, error) { return nil, err }}
}

func localResolve(context.Context, sshclient.Conn, string) (string, error) {
	return "127.0.0.1", nil
}

func testRegistry(t *testing.T) *hosts.Registry {
	t.Helper()
	reg, err := hosts.NewRegistry([]hosts.Host{{ID: "h1", Alias: "h1", Address: "127.0.0.1"}})
	if err != nil {
		t.Fatalf("NewRegistry() error: %v", err)
	}
	return reg
}

func newTestManager(t *testing.T, d sshclient.Dialer) *Manager {
	t.Helper()
	m := NewManager(Options{
		Dialer:         d,
		Hosts:          testRegistry(t),
		Resolve:        localResolve,
		HealthInterval: time.Hour,
		HealthTimeout:  time.Second,
		CleanupTimeout: time.Second,
	})
	t.Cleanup(func() { m.CloseAll(context.Background()) })
	return m
}

// freePort returns a local port that was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// startEcho runs an echo server and returns its port.
func startEcho(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var wg sync.WaitGroup
	var mu sync.Mutex
	var conns []net.Conn
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer c.Close()
				io.Copy(c, c)
			}()
		}
	}()
	t.Cleanup(func() {
		l.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
		wg.Wait()
	})
	return l.Addr().(*net.TCPAddr).Port
}

// roundTrip sends msg through the local port and expects it echoed back.
func roundTrip(t *testing.T, port int, msg string) {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), time.Second)
	if err != nil {
		t.Fatalf("dial tunnel: %v", err)
	}
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := c.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != msg {
		t.Fatalf("echo = %q, want %q", buf, msg)
	}
}

func assertBindable(t *testing.T, port int) {
	t.Helper()
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("port %d should be free: %v", port, err)
	}
	l.Close()
}

// eventRecorder collects events in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) states(session string) []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if session == "" || ev.SessionID == session {
			out = append(out, ev.To)
		}
	}
	return out
}

func (r *eventRecorder) last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}
