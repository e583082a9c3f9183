package hosts

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

// DefaultSSHConfigPath returns ~/.ssh/config.
func DefaultSSHConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "config")
}

// LoadSSHConfig reads an OpenSSH client config and returns a registry with one
// host per concrete Host alias, in file order. Wildcard and negated patterns
// only contribute settings to the concrete aliases they match.
func LoadSSHConfig(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parse ssh config %s: %w", path, err)
	}

	var list []Host
	for _, block := range cfg.Hosts {
		for _, pattern := range block.Patterns {
			alias := pattern.String()
			if alias == "" || strings.ContainsAny(alias, "*?!") {
				continue
			}
			h, err := resolveHost(cfg, alias)
			if err != nil {
				return nil, err
			}
			list = append(list, h)
		}
	}
	return NewRegistry(list)
}

func resolveHost(cfg *ssh_config.Config, alias string) (Host, error) {
	h := Host{ID: ID(alias), Alias: alias, Port: DefaultPort}

	hostname, err := cfg.Get(alias, "HostName")
	if err != nil {
		return Host{}, fmt.Errorf("host %s: HostName: %w", alias, err)
	}
	if hostname == "" {
		hostname = alias
	}
	h.Address = strings.ReplaceAll(hostname, "%h", alias)

	port, err := cfg.Get(alias, "Port")
	if err != nil {
		return Host{}, fmt.Errorf("host %s: Port: %w", alias, err)
	}
	if port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Host{}, fmt.Errorf("host %s: invalid port %q", alias, port)
		}
		h.Port = p
	}

	if h.User, err = cfg.Get(alias, "User"); err != nil {
		return Host{}, fmt.Errorf("host %s: User: %w", alias, err)
	}

	files, err := cfg.GetAll(alias, "IdentityFile")
	if err != nil {
		return Host{}, fmt.Errorf("host %s: IdentityFile: %w", alias, err)
	}
	for _, f := range files {
		h.IdentityFiles = append(h.IdentityFiles, expandHome(f))
	}
	return h, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}
