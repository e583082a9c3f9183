package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/sshclient"
)

// session is one supervised forward. Its state is guarded by mu; the
// resources (listener, conn) are only touched by Open and then by the
// supervisor goroutine.
type session struct {
	id   string
	spec Spec
	host hosts.Host
	m    *Manager

	// parent is the ctx passed to Open; ctx additionally ends on close requests.
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	startedAt    time.Time
	lastHealth   time.Time
	failure      *failure.Error
	portReleased bool
	closeReason  string
	transitions  transitionLog

	metrics *sessionMetrics

	listener net.Listener
	conn     sshclient.Conn
	target   string

	acceptDone chan struct{}
	acceptErr  chan error
	done       chan struct{}
	finishOnce sync.Once

	fwdMu    sync.Mutex
	fwdWG    sync.WaitGroup
	forwards map[net.Conn]struct{}
	draining bool
}

// transition moves the session to state to, recording reason. Disallowed
// transitions are ignored and reported as false.
func (s *session) transition(to State, reason string, fe *failure.Error) bool {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		logger.Debugf("tunnel %s: ignoring transition %s -> %s", s.id, from, to)
		return false
	}
	s.state = to
	if fe != nil {
		s.failure = fe
	}
	now := time.Now()
	s.transitions.record(Transition{From: from, To: to, Timestamp: now, Reason: reason})
	ev := Event{
		SessionID:    s.id,
		HostID:       s.spec.HostID,
		Container:    s.spec.Container,
		LocalPort:    s.spec.LocalPort,
		RemotePort:   s.spec.RemotePort,
		From:         from,
		To:           to,
		Reason:       reason,
		PortReleased: s.portReleased,
		Timestamp:    now,
	}
	if s.failure != nil && to == StateFailed {
		ev.FailureKind = s.failure.Kind
	}
	s.mu.Unlock()

	s.m.emit(ev)
	return true
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:              s.id,
		Spec:            s.spec,
		State:           s.state,
		Target:          s.target,
		StartedAt:       s.startedAt,
		LastHealthCheck: s.lastHealth,
		Failure:         s.failure,
		PortReleased:    s.portReleased,
		Transitions:     s.transitions.history(),
		Metrics:         s.metrics.Snapshot(),
	}
}

func (s *session) requestClose(reason string) {
	s.mu.Lock()
	if s.closeReason == "" {
		s.closeReason = reason
	}
	s.mu.Unlock()
	s.cancel()
}

// stopReason explains why ctx ended.
func (s *session) stopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeReason != "" {
		return s.closeReason
	}
	return "context cancelled"
}

// connect runs the Connecting phase. On error the session is already terminal.
func (s *session) connect() error {
	port := s.spec.LocalPort
	addr := bindAddr(s.m.opts.BindAddress, port)

	l, err := net.Listen("tcp", addr)
	if err != nil {
		kind := failure.ProtocolError
		if errors.Is(err, syscall.EADDRINUSE) {
			kind = failure.PortInUse
		}
		fe := failure.Wrap(kind, err, "bind %s", addr).WithHost(s.host.Alias).WithPort(port)
		s.fail(fe)
		return fe
	}
	s.listener = l

	conn, err := s.m.opts.Dialer.Dial(s.ctx, s.host)
	if err != nil {
		return s.abortConnect(err, "connect")
	}
	s.conn = conn

	ip, err := s.m.opts.Resolve(s.ctx, conn, s.spec.Container)
	if err != nil {
		return s.abortConnect(err, fmt.Sprintf("resolve container %s", s.spec.Container))
	}

	s.mu.Lock()
	s.target = net.JoinHostPort(ip, fmt.Sprint(s.spec.RemotePort))
	s.mu.Unlock()

	if s.ctx.Err() != nil {
		return s.abortConnect(s.ctx.Err(), "connect")
	}
	return nil
}

// abortConnect ends a session that could not become active. Cancellation
// closes it in order; anything else fails it with AuthFailed or
// HostUnreachable.
func (s *session) abortConnect(err error, what string) error {
	if s.ctx.Err() != nil {
		s.closeOrderly(s.stopReason() + " while connecting")
		if s.parent.Err() != nil {
			return s.parent.Err()
		}
		return ErrClosed
	}

	kind := failure.HostUnreachable
	if failure.KindOf(err) == failure.AuthFailed {
		kind = failure.AuthFailed
	}
	fe := failure.Wrap(kind, err, "%s", what).WithHost(s.host.Alias).WithPort(s.spec.LocalPort)
	s.fail(fe)
	return fe
}

// supervise races close requests, listener failure and the health ticker.
func (s *session) supervise() {
	ticker := time.NewTicker(s.m.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.closeOrderly(s.stopReason())
			return

		case err := <-s.acceptErr:
			s.fail(failure.Wrap(failure.ProtocolError, err, "local listener failed").
				WithHost(s.host.Alias).WithPort(s.spec.LocalPort))
			return

		case <-ticker.C:
			err := s.healthCheck()
			if err == nil {
				continue
			}
			if s.ctx.Err() != nil {
				s.closeOrderly(s.stopReason())
				return
			}
			fe, ok := failure.As(err)
			if !ok {
				fe = failure.Wrap(failure.HostUnreachable, err, "health check")
			}
			s.fail(fe.WithHost(s.host.Alias).WithPort(s.spec.LocalPort))
			return
		}
	}
}

// healthCheck pings the connection. A close request aborts the check.
func (s *session) healthCheck() error {
	ctx, cancel := context.WithTimeout(s.ctx, s.m.opts.HealthTimeout)
	defer cancel()

	err := s.conn.Ping(ctx)
	at := s.metrics.recordCheck(err == nil)
	s.mu.Lock()
	s.lastHealth = at
	s.mu.Unlock()
	if err != nil {
		logger.Debugf("tunnel %s: health check failed: %v", s.id, err)
	}
	return err
}

func (s *session) acceptLoop() {
	defer close(s.acceptDone)
	for {
		c, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() == nil && !s.isDraining() {
				s.acceptErr <- err
			}
			return
		}
		if !s.track(c) {
			c.Close()
			return
		}
		go s.forward(c)
	}
}

func (s *session) isDraining() bool {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()
	return s.draining
}

// track registers a forward so release can close it.
func (s *session) track(c net.Conn) bool {
	s.fwdMu.Lock()
	defer s.fwdMu.Unlock()
	if s.draining {
		return false
	}
	s.forwards[c] = struct{}{}
	s.fwdWG.Add(1)
	return true
}

func (s *session) untrack(c net.Conn) {
	s.fwdMu.Lock()
	delete(s.forwards, c)
	s.fwdMu.Unlock()
	s.fwdWG.Done()
}

// forward copies one local connection to the container through the SSH
// connection.
func (s *session) forward(local net.Conn) {
	defer s.untrack(local)
	defer local.Close()

	remote, err := s.conn.Dial("tcp", s.target)
	if err != nil {
		logger.Warningf("tunnel %s: forward to %s failed: %v", s.id, s.target, err)
		return
	}
	defer remote.Close()

	s.metrics.forwardStarted()
	var sent, received int64
	done := make(chan struct{}, 2)
	go func() {
		sent, _ = io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		received, _ = io.Copy(local, remote)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-s.ctx.Done():
	}
	local.Close()
	remote.Close()
	<-done
	<-done
	s.metrics.forwardDone(sent, received)
}

// release closes the listener, forwards and connection, then confirms the
// local port can be bound again.
func (s *session) release() error {
	var err error
	s.cancel()

	s.fwdMu.Lock()
	s.draining = true
	s.fwdMu.Unlock()

	bound := s.listener != nil
	if bound {
		if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close listener: %w", cerr))
		}
		if !waitClosed(s.acceptDone, s.m.opts.CleanupTimeout) {
			err = multierr.Append(err, errors.New("accept loop did not stop"))
		}
	}

	s.fwdMu.Lock()
	for c := range s.forwards {
		c.Close()
	}
	s.fwdMu.Unlock()

	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
	}

	fwdDone := make(chan struct{})
	go func() {
		s.fwdWG.Wait()
		close(fwdDone)
	}()
	if !waitClosed(fwdDone, s.m.opts.CleanupTimeout) {
		err = multierr.Append(err, errors.New("forwards did not stop"))
	}

	if bound {
		err = multierr.Append(err, confirmReleased(bindAddr(s.m.opts.BindAddress, s.spec.LocalPort), s.m.opts.CleanupTimeout))
	}
	return err
}

func waitClosed(ch <-chan struct{}, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}

// confirmReleased retries binding addr until it succeeds or timeout passes.
func confirmReleased(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		l, err := net.Listen("tcp", addr)
		if err == nil {
			return l.Close()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("local port still bound: %w", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// closeOrderly runs Closing and ends in Closed, or Failed when cleanup could
// not be confirmed.
func (s *session) closeOrderly(reason string) {
	s.finishOnce.Do(func() {
		s.transition(StateClosing, reason, nil)
		err := s.release()
		s.m.unregister(s)
		if err != nil {
			fe := failure.Wrap(failure.CleanupUnconfirmed, err, "local port %d may still be held", s.spec.LocalPort).
				WithHost(s.host.Alias).WithPort(s.spec.LocalPort)
			s.transition(StateFailed, fe.Error(), fe)
		} else {
			s.setPortReleased()
			s.transition(StateClosed, "resources released", nil)
		}
		close(s.done)
	})
}

// fail releases resources and records cause. A failed cleanup escalates the
// failure to CleanupUnconfirmed while keeping cause in the chain.
func (s *session) fail(cause *failure.Error) {
	s.finishOnce.Do(func() {
		err := s.release()
		s.m.unregister(s)
		fe := cause
		if err != nil {
			fe = failure.Wrap(failure.CleanupUnconfirmed, multierr.Combine(cause, err),
				"local port %d may still be held", s.spec.LocalPort).WithHost(s.host.Alias).WithPort(s.spec.LocalPort)
		} else {
			s.setPortReleased()
		}
		s.transition(StateFailed, cause.Error(), fe)
		close(s.done)
	})
}

func (s *session) setPortReleased() {
	s.mu.Lock()
	s.portReleased = true
	s.mu.Unlock()
}
