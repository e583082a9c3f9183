package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/logutil"
)

// keepaliveRequest is the global request used as a liveness probe. OpenSSH
// replies to it even though it does not implement it.
const keepaliveRequest = "keepalive@openssh.com"

// maxStderrInError bounds how much remote stderr is copied into an error.
const maxStderrInError = 256

// Conn is an authenticated connection to one host.
type Conn interface {
	// Run executes cmd on the host and returns its stdout. A non-zero exit
	// status is a ProtocolError carrying the remote stderr.
	Run(ctx context.Context, cmd string) ([]byte, error)
	// Dial opens a forwarded connection to addr as seen from the host.
	// network is "tcp" or "unix".
	Dial(network, addr string) (net.Conn, error)
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens connections to hosts.
type Dialer interface {
	Dial(ctx context.Context, host hosts.Host) (Conn, error)
}

// Client is the Conn implementation backed by golang.org/x/crypto/ssh.
type Client struct {
	client *ssh.Client
	host   hosts.Host
}

func (c *Client) Run(ctx context.Context, cmd string) ([]byte, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, failure.Wrap(failure.HostUnreachable, err, "open session").WithHost(c.host.Alias)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case err := <-done:
		if err == nil {
			return stdout.Bytes(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			msg := logutil.Truncate(logutil.SanitizeForLog(stderr.String()), maxStderrInError)
			return nil, failure.Wrap(failure.ProtocolError, err,
				"remote command exited with status %d: %s", exitErr.ExitStatus(), msg).WithHost(c.host.Alias)
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) || errors.Is(err, io.EOF) {
			return nil, failure.Wrap(failure.HostUnreachable, err, "connection lost during command").WithHost(c.host.Alias)
		}
		return nil, failure.Wrap(failure.ProtocolError, err, "run remote command").WithHost(c.host.Alias)
	case <-ctx.Done():
		session.Close()
		return nil, failure.Wrap(failure.Timeout, ctx.Err(), "remote command").WithHost(c.host.Alias)
	}
}

func (c *Client) Dial(network, addr string) (net.Conn, error) {
	conn, err := c.client.Dial(network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s via %s: %w", network, addr, c.host.Alias, err)
	}
	return conn, nil
}

func (c *Client) Ping(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := c.client.SendRequest(keepaliveRequest, true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return failure.Wrap(failure.HostUnreachable, err, "keepalive").WithHost(c.host.Alias)
		}
		return nil
	case <-ctx.Done():
		return failure.Wrap(failure.Timeout, ctx.Err(), "keepalive").WithHost(c.host.Alias)
	}
}

func (c *Client) Close() error {
	err := c.client.Close()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh connection to %s: %w", c.host.Alias, err)
	}
	return nil
}
