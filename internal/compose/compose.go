// Package compose reads the resolved docker compose configuration of an app
// on a remote host.
package compose

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/juju/loggo"
	shellquote "github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/inventory"
	"github.com/redpencil/rpio/internal/sshclient"
)

var logger = loggo.GetLogger("rpio.compose")

const (
	// IdentifierService is the compose service that terminates TLS for an app.
	IdentifierService = "identifier"
	// HostEnvKey names the public hostname in the identifier's environment.
	HostEnvKey = "LETSENCRYPT_HOST"
)

// Project is the subset of a compose file needed here. Environment is kept as
// a node since compose allows both a mapping and a KEY=VALUE list.
type Project struct {
	Services map[string]struct {
		Image       string    `yaml:"image"`
		Environment yaml.Node `yaml:"environment"`
	} `yaml:"services"`
}

// Parse decodes compose YAML.
func Parse(data []byte) (*Project, error) {
	var p Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, failure.Wrap(failure.ProtocolError, err, "parse compose config")
	}
	return &p, nil
}

// LookupEnv returns the value of key in service's environment.
func (p *Project) LookupEnv(service, key string) (string, bool) {
	svc, ok := p.Services[service]
	if !ok {
		return "", false
	}
	env := svc.Environment
	switch env.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(env.Content); i += 2 {
			if env.Content[i].Value == key && env.Content[i+1].Kind == yaml.ScalarNode {
				return env.Content[i+1].Value, true
			}
		}
	case yaml.SequenceNode:
		for _, item := range env.Content {
			if item.Kind != yaml.ScalarNode {
				continue
			}
			k, v, found := strings.Cut(item.Value, "=")
			if found && k == key {
				return v, true
			}
		}
	}
	return "", false
}

// AppDir returns the directory of app under appRoot.
func AppDir(appRoot, app string) string {
	if appRoot == "" {
		appRoot = inventory.DefaultAppRoot
	}
	return path.Join(appRoot, app)
}

// Config runs `docker compose config` in dir on the host behind conn.
func Config(ctx context.Context, conn sshclient.Conn, dir string) (*Project, error) {
	cmd := "cd " + shellquote.Join(dir) + " && " + shellquote.Join("docker", "compose", "config")
	logger.Debugf("reading compose config in %s", dir)
	out, err := conn.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("docker compose config in %s: %w", dir, err)
	}
	return Parse(out)
}

// HostedURL returns the public https URL of the app in dir, taken from the
// identifier service's LETSENCRYPT_HOST. ok is false when none is set.
func HostedURL(ctx context.Context, conn sshclient.Conn, dir string) (url string, ok bool, err error) {
	p, err := Config(ctx, conn, dir)
	if err != nil {
		return "", false, err
	}
	host, ok := p.LookupEnv(IdentifierService, HostEnvKey)
	if !ok || host == "" {
		return "", false, nil
	}
	// LETSENCRYPT_HOST may list several names; the first is canonical.
	if first, _, found := strings.Cut(host, ","); found {
		host = first
	}
	return "https://" + strings.TrimSpace(host), true, nil
}
