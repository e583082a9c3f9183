// Package inventory probes a single host for running application instances.
//
// An instance is a container that belongs to a compose project. Two probe
// backends exist: CLIProbe runs docker ps on the host, EngineProbe talks to
// the host's Docker Engine API through the SSH connection. Both are read-only
// and never retry.
package inventory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/go-connections/nat"

	"github.com/redpencil/rpio/internal/hosts"
)

// DefaultAppRoot is where the platform deploys applications, one directory
// per app.
const DefaultAppRoot = "/data"

// Compose labels set on every compose-managed container.
const (
	LabelProject    = "com.docker.compose.project"
	LabelWorkingDir = "com.docker.compose.project.working_dir"
	LabelService    = "com.docker.compose.service"
)

// Instance is one running application container on a host.
type Instance struct {
	HostID     hosts.ID   `json:"host"`
	App        string     `json:"app"`
	Container  string     `json:"container"`
	WorkingDir string     `json:"working_dir,omitempty"`
	Ports      []nat.Port `json:"ports,omitempty"`
}

// Key returns the app:host form used by pickers and the CLI.
func (i Instance) Key() string {
	return i.App + ":" + string(i.HostID)
}

// ProbeResult is the outcome of one successful probe.
type ProbeResult struct {
	Instances []Instance
	// Skipped counts records that could not be parsed.
	Skipped int
}

// Prober queries one host. Errors are *failure.Error values.
type Prober interface {
	Probe(ctx context.Context, host hosts.Host) (ProbeResult, error)
}

// ParseRecords parses docker ps output with one tab-separated record per
// line: project, working dir, container name, ports. Malformed records are
// skipped and counted. When appRoot is set, records whose working dir is known
// and outside it are dropped without being counted.
func ParseRecords(hostID hosts.ID, output, appRoot string) ProbeResult {
	var res ProbeResult
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			res.Skipped++
			continue
		}
		project := strings.TrimSpace(fields[0])
		workdir := strings.TrimSpace(fields[1])
		name := strings.TrimSpace(fields[2])
		if project == "" || name == "" {
			res.Skipped++
			continue
		}
		var portsCol string
		if len(fields) > 3 {
			portsCol = strings.Join(fields[3:], "\t")
		}
		ports, err := ParsePorts(portsCol)
		if err != nil {
			res.Skipped++
			continue
		}
		if !underRoot(workdir, appRoot) {
			continue
		}
		res.Instances = append(res.Instances, Instance{
			HostID:     hostID,
			App:        project,
			Container:  name,
			WorkingDir: workdir,
			Ports:      ports,
		})
	}
	return res
}

func underRoot(workdir, root string) bool {
	if root == "" || workdir == "" {
		return true
	}
	root = path.Clean(root)
	workdir = path.Clean(workdir)
	return root == "/" || workdir == root || strings.HasPrefix(workdir, root+"/")
}

// ParsePorts parses Docker's ports column, for example
// "0.0.0.0:8080->80/tcp, :::8080->80/tcp, 443/tcp", into the sorted set of
// container ports.
func ParsePorts(col string) ([]nat.Port, error) {
	col = strings.TrimSpace(col)
	if col == "" {
		return nil, nil
	}
	seen := make(map[nat.Port]bool)
	for _, entry := range strings.Split(col, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if i := strings.LastIndex(entry, "->"); i >= 0 {
			entry = entry[i+2:]
		}
		proto, portRange := nat.SplitProtoPort(entry)
		switch proto {
		case "tcp", "udp", "sctp":
		default:
			return nil, fmt.Errorf("port %q: unknown protocol %q", entry, proto)
		}
		start, end, err := nat.ParsePortRangeToInt(portRange)
		if err != nil {
			return nil, fmt.Errorf("port %q: %w", entry, err)
		}
		if start < 1 || end > 65535 || end < start {
			return nil, fmt.Errorf("port %q: out of range", entry)
		}
		for p := start; p <= end; p++ {
			np, err := nat.NewPort(proto, strconv.Itoa(p))
			if err != nil {
				return nil, fmt.Errorf("port %q: %w", entry, err)
			}
			seen[np] = true
		}
	}
	out := make([]nat.Port, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Int() != out[j].Int() {
			return out[i].Int() < out[j].Int()
		}
		return out[i].Proto() < out[j].Proto()
	})
	return out, nil
}

// SortInstances orders instances by host, app and container name.
func SortInstances(list []Instance) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.HostID != b.HostID {
			return a.HostID < b.HostID
		}
		if a.App != b.App {
			return a.App < b.App
		}
		return a.Container < b.Container
	})
}
