// Package sshtest runs an in-process SSH server for tests. It supports exec
// sessions, direct-tcpip and direct-streamlocal forwards, and keepalive
// global requests, which is everything discovery and tunnels use.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/redpencil/rpio/internal/hosts"
)

// ExecResult is the reply to one exec request.
type ExecResult struct {
	Stdout string
	Stderr string
	Status uint32
	Delay  time.Duration
}

// Options configures a Server.
type Options struct {
	// AuthorizedKeys are accepted for public key auth. Empty accepts none.
	AuthorizedKeys []ssh.PublicKey
	// Exec answers exec requests. Nil replies with status 127.
	Exec func(cmd string) ExecResult
	// UnixSockets maps a remote socket path to a local TCP address that
	// direct-streamlocal channels are forwarded to.
	UnixSockets map[string]string
}

// Server is a running test SSH server.
type Server struct {
	Addr string

	opts     Options
	listener net.Listener
	done     chan struct{}

	stallKeepalive atomic.Bool
	execCount      atomic.Int64

	mu    sync.Mutex
	conns []net.Conn
}

// Start launches a server on a loopback port. It is closed on test cleanup.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range opts.AuthorizedKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		opts:     opts,
		listener: listener,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, netConn)
			s.mu.Unlock()
			go s.handleConn(netConn, config)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

// NewSigner returns a fresh ed25519 client key.
func NewSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return signer
}

// Host returns a host descriptor pointing at the server.
func (s *Server) Host(alias string) hosts.Host {
	addr, portStr, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(portStr)
	return hosts.Host{ID: hosts.ID(alias), Alias: alias, Address: addr, Port: port, User: "root"}
}

// StallKeepalive makes the server stop answering keepalive requests.
func (s *Server) StallKeepalive(stall bool) {
	s.stallKeepalive.Store(stall)
}

// ExecCount returns the number of exec requests served.
func (s *Server) ExecCount() int {
	return int(s.execCount.Load())
}

// DropConnections closes every accepted connection, simulating a network
// failure. The server keeps accepting new connections.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

// Close stops the server and drops all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if s.stallKeepalive.Load() {
				continue
			}
			if req.WantReply {
				// OpenSSH answers unknown global requests with failure, which
				// still proves liveness.
				req.Reply(false, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(ch, requests)

		case "direct-tcpip":
			var msg struct {
				Host     string
				Port     uint32
				OrigHost string
				OrigPort uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			target := net.JoinHostPort(msg.Host, strconv.Itoa(int(msg.Port)))
			forward(newChan, target)

		case "direct-streamlocal@openssh.com":
			var msg struct {
				Path      string
				Reserved0 string
				Reserved1 uint32
			}
			if err := ssh.Unmarshal(newChan.ExtraData(), &msg); err != nil {
				newChan.Reject(ssh.ConnectionFailed, "bad payload")
				continue
			}
			target, ok := s.opts.UnixSockets[msg.Path]
			if !ok {
				newChan.Reject(ssh.ConnectionFailed, "no such socket")
				continue
			}
			forward(newChan, target)

		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func forward(newChan ssh.NewChannel, target string) {
	conn, err := net.DialTimeout("tcp", target, 5*time.Second)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newChan.Accept()
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)
	go func() {
		defer ch.Close()
		defer conn.Close()
		done := make(chan struct{}, 2)
		go func() { io.Copy(ch, conn); ch.CloseWrite(); done <- struct{}{} }()
		go func() { io.Copy(conn, ch); done <- struct{}{} }()
		<-done
	}()
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(true, nil)
			}
			continue
		}
		var msg struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &msg); err != nil {
			req.Reply(false, nil)
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}
		s.execCount.Add(1)

		res := ExecResult{Stderr: "command not found\n", Status: 127}
		if s.opts.Exec != nil {
			res = s.opts.Exec(msg.Command)
		}
		if res.Delay > 0 {
			time.Sleep(res.Delay)
		}
		io.WriteString(ch, res.Stdout)
		io.WriteString(ch.Stderr(), res.Stderr)
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{res.Status}))
		return
	}
}
