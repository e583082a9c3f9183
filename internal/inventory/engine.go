package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/sshclient"
)

// DefaultDockerSocket is the engine socket on the remote host.
const DefaultDockerSocket = "/var/run/docker.sock"

// EngineProbe lists instances through the remote Docker Engine API. The API
// socket is reached with a streamlocal forward over the SSH connection.
type EngineProbe struct {
	Dialer  sshclient.Dialer
	AppRoot string
	Socket  string
}

// NewEngineClient returns a Docker API client whose connections are forwarded
// to socket on the host behind conn.
func NewEngineClient(conn sshclient.Conn, socket string) (*dockerclient.Client, error) {
	if socket == "" {
		socket = DefaultDockerSocket
	}
	return dockerclient.NewClientWithOpts(
		dockerclient.WithHost("http://docker"),
		dockerclient.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return conn.Dial("unix", socket)
		}),
		dockerclient.WithAPIVersionNegotiation(),
	)
}

func (p *EngineProbe) Probe(ctx context.Context, host hosts.Host) (ProbeResult, error) {
	conn, err := p.Dialer.Dial(ctx, host)
	if err != nil {
		return ProbeResult{}, err
	}
	defer conn.Close()

	cli, err := NewEngineClient(conn, p.Socket)
	if err != nil {
		return ProbeResult{}, failure.Wrap(failure.ProtocolError, err, "docker client").WithHost(host.Alias)
	}
	defer cli.Close()

	list, err := cli.ContainerList(ctx, container.ListOptions{
		Filters: filters.NewArgs(filters.Arg("label", LabelProject)),
	})
	if err != nil {
		return ProbeResult{}, classifyEngine(ctx, host, err)
	}

	var res ProbeResult
	for _, c := range list {
		project := c.Labels[LabelProject]
		workdir := c.Labels[LabelWorkingDir]
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		if project == "" || name == "" {
			res.Skipped++
			continue
		}
		if !underRoot(workdir, p.AppRoot) {
			continue
		}
		seen := make(map[nat.Port]bool)
		var ports []nat.Port
		for _, cp := range c.Ports {
			np, err := nat.NewPort(cp.Type, strconv.Itoa(int(cp.PrivatePort)))
			if err != nil || seen[np] {
				continue
			}
			seen[np] = true
			ports = append(ports, np)
		}
		sort.Slice(ports, func(i, j int) bool { return ports[i].Int() < ports[j].Int() })
		res.Instances = append(res.Instances, Instance{
			HostID:     host.ID,
			App:        project,
			Container:  name,
			WorkingDir: workdir,
			Ports:      ports,
		})
	}
	return res, nil
}

func classifyEngine(ctx context.Context, host hosts.Host, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.Timeout, err, "docker engine").WithHost(host.Alias)
	}
	return failure.Wrap(failure.ProtocolError, err, "docker engine").WithHost(host.Alias)
}

// EngineAddress resolves a container IP with the Engine API instead of the
// docker CLI. Networks are tried in name order.
func EngineAddress(socket string) func(ctx context.Context, conn sshclient.Conn, name string) (string, error) {
	return func(ctx context.Context, conn sshclient.Conn, name string) (string, error) {
		cli, err := NewEngineClient(conn, socket)
		if err != nil {
			return "", err
		}
		defer cli.Close()

		info, err := cli.ContainerInspect(ctx, name)
		if err != nil {
			if dockerclient.IsErrNotFound(err) {
				return "", failure.Wrap(failure.ProtocolError, err, "container %s not found", name)
			}
			return "", fmt.Errorf("inspect container %s: %w", name, err)
		}
		if info.NetworkSettings == nil {
			return "", failure.New(failure.ProtocolError, "container %s has no network settings", name)
		}
		names := make([]string, 0, len(info.NetworkSettings.Networks))
		for n := range info.NetworkSettings.Networks {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			if ep := info.NetworkSettings.Networks[n]; ep != nil && ep.IPAddress != "" {
				return ep.IPAddress, nil
			}
		}
		return "", failure.New(failure.ProtocolError, "container %s has no network address", name)
	}
}
