package sshclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/loggo"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
)

var logger = loggo.GetLogger("rpio.sshclient")

// defaultConnectTimeout bounds dial plus handshake when Config.Timeout is zero.
const defaultConnectTimeout = 30 * time.Second

// Config controls how SSHDialer authenticates.
type Config struct {
	// User is used for hosts that do not name one. Defaults to the current user.
	User string
	// Signers are tried in addition to the agent and identity files.
	Signers []ssh.Signer
	// UseAgent enables keys from the agent at SSH_AUTH_SOCK.
	UseAgent bool
	// KnownHostsFile is checked for host keys. Defaults to ~/.ssh/known_hosts.
	KnownHostsFile string
	// InsecureIgnoreMissingKnownHosts skips host key verification when the
	// known_hosts file cannot be read. Without it NewDialer fails instead.
	InsecureIgnoreMissingKnownHosts bool
	// HostKeyCallback overrides known_hosts verification entirely.
	HostKeyCallback ssh.HostKeyCallback
	// Timeout bounds dial plus handshake.
	Timeout time.Duration
}

// SSHDialer dials hosts with the native SSH client.
type SSHDialer struct {
	cfg      Config
	hostKeys ssh.HostKeyCallback
}

// NewDialer validates cfg and prepares host key verification.
func NewDialer(cfg Config) (*SSHDialer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultConnectTimeout
	}
	if cfg.User == "" {
		if u, err := user.Current(); err == nil {
			cfg.User = u.Username
		}
	}

	hostKeys := cfg.HostKeyCallback
	if hostKeys == nil {
		path := cfg.KnownHostsFile
		if path == "" {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, ".ssh", "known_hosts")
			}
		}
		cb, err := knownhosts.New(path)
		switch {
		case err == nil:
			hostKeys = cb
		case cfg.InsecureIgnoreMissingKnownHosts:
			logger.Warningf("known hosts file %q unavailable (%v); host keys will not be verified", path, err)
			hostKeys = ssh.InsecureIgnoreHostKey()
		default:
			return nil, fmt.Errorf("load known hosts %s (set RPIO_STRICT_HOST_KEYS=false to skip verification): %w", path, err)
		}
	}

	return &SSHDialer{cfg: cfg, hostKeys: hostKeys}, nil
}

// Dial connects and authenticates to host. The returned Conn must be closed.
func (d *SSHDialer) Dial(ctx context.Context, host hosts.Host) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	signers, release := d.signers(host)
	defer release()
	if len(signers) == 0 {
		return nil, failure.New(failure.AuthFailed, "no usable keys (agent, identity files)").WithHost(host.Alias)
	}

	username := host.User
	if username == "" {
		username = d.cfg.User
	}
	clientCfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signers...)},
		HostKeyCallback: d.hostKeys,
		Timeout:         d.cfg.Timeout,
	}

	addr := host.Addr()
	var nd net.Dialer
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDial(ctx, host, err)
	}

	// NewClientConn ignores ctx; a deadline plus a close on cancellation
	// keeps the handshake within it.
	if dl, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() { netConn.Close() })

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	stopped := stop()
	if err != nil {
		netConn.Close()
		return nil, classifyHandshake(ctx, host, err)
	}
	if !stopped {
		sshConn.Close()
		return nil, failure.Wrap(failure.Timeout, ctx.Err(), "ssh handshake with %s", addr).WithHost(host.Alias)
	}
	netConn.SetDeadline(time.Time{})

	logger.Debugf("connected to %s (%s) as %s", host.Alias, addr, username)
	return &Client{client: ssh.NewClient(sshConn, chans, reqs), host: host}, nil
}

// signers collects explicit, identity file and agent keys. release closes
// the agent socket once the handshake is over.
func (d *SSHDialer) signers(host hosts.Host) ([]ssh.Signer, func()) {
	signers := append([]ssh.Signer(nil), d.cfg.Signers...)
	signers = append(signers, loadIdentityFiles(host.IdentityFiles)...)

	release := func() {}
	if d.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				logger.Debugf("ssh agent at %s unavailable: %v", sock, err)
			} else {
				agentSigners, err := agent.NewClient(conn).Signers()
				if err != nil {
					logger.Debugf("list ssh agent keys: %v", err)
				}
				signers = append(signers, agentSigners...)
				release = func() { conn.Close() }
			}
		}
	}
	return signers, release
}

func loadIdentityFiles(paths []string) []ssh.Signer {
	var out []ssh.Signer
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			logger.Debugf("skip identity file %s: %v", p, err)
			continue
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				logger.Debugf("skip identity file %s: passphrase protected, use the agent", p)
			} else {
				logger.Debugf("skip identity file %s: %v", p, err)
			}
			continue
		}
		out = append(out, signer)
	}
	return out
}

func classifyDial(ctx context.Context, host hosts.Host, err error) error {
	if ctx.Err() != nil {
		return failure.Wrap(failure.Timeout, err, "dial %s", host.Addr()).WithHost(host.Alias)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.Wrap(failure.Timeout, err, "dial %s", host.Addr()).WithHost(host.Alias)
	}
	return failure.Wrap(failure.HostUnreachable, err, "dial %s", host.Addr()).WithHost(host.Alias)
}

func classifyHandshake(ctx context.Context, host hosts.Host, err error) error {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return failure.Wrap(failure.AuthFailed, err, "host key verification failed").WithHost(host.Alias)
	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"):
		return failure.Wrap(failure.AuthFailed, err, "ssh authentication").WithHost(host.Alias)
	case ctx.Err() != nil:
		return failure.Wrap(failure.Timeout, err, "ssh handshake with %s", host.Addr()).WithHost(host.Alias)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.Wrap(failure.Timeout, err, "ssh handshake with %s", host.Addr()).WithHost(host.Alias)
	}
	return failure.Wrap(failure.HostUnreachable, err, "ssh handshake with %s", host.Addr()).WithHost(host.Alias)
}
