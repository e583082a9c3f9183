package inventory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/juju/loggo"
	"github.com/kballard/go-shellquote"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/sshclient"
)

var logger = loggo.GetLogger("rpio.inventory")

// psFormat renders one tab-separated record per container.
var psFormat = fmt.Sprintf(`{{.Label %q}}\t{{.Label %q}}\t{{.Names}}\t{{.Ports}}`, LabelProject, LabelWorkingDir)

// PsCommand is the remote command run by CLIProbe.
var PsCommand = shellquote.Join("docker", "ps", "--filter", "label="+LabelProject, "--format", psFormat)

// CLIProbe lists instances by running docker ps on the host.
type CLIProbe struct {
	Dialer  sshclient.Dialer
	AppRoot string
}

func (p *CLIProbe) Probe(ctx context.Context, host hosts.Host) (ProbeResult, error) {
	conn, err := p.Dialer.Dial(ctx, host)
	if err != nil {
		return ProbeResult{}, err
	}
	defer conn.Close()

	out, err := conn.Run(ctx, PsCommand)
	if err != nil {
		return ProbeResult{}, err
	}
	res := ParseRecords(host.ID, string(out), p.AppRoot)
	if res.Skipped > 0 {
		logger.Warningf("host %s: skipped %d malformed docker ps records", host.ID, res.Skipped)
	}
	return res, nil
}

// inspectFormat prints one IP address per attached network.
const inspectFormat = `{{range .NetworkSettings.Networks}}{{.IPAddress}}{{"\n"}}{{end}}`

// ContainerAddress resolves the IP of a container on the host by running
// docker inspect. The first network with an address wins.
func ContainerAddress(ctx context.Context, conn sshclient.Conn, container string) (string, error) {
	if container == "" {
		return "", errors.New("container name is empty")
	}
	out, err := conn.Run(ctx, shellquote.Join("docker", "inspect", "-f", inspectFormat, container))
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", container, err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if net.ParseIP(line) == nil {
			return "", failure.New(failure.ProtocolError, "container %s: unexpected address %q", container, line)
		}
		return line, nil
	}
	return "", failure.New(failure.ProtocolError, "container %s has no network address", container)
}
