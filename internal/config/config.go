package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type Settings struct {
	ConfigFile  string   `envconfig:"CONFIG_FILE" default:""`
	SSHConfig   string   `envconfig:"SSH_CONFIG" default:""`
	IgnoreHosts []string `envconfig:"IGNORE_HOSTS" default:""`

	// Discovery
	ProbeBackend    string        `envconfig:"PROBE_BACKEND" default:"cli"`
	AppRoot         string        `envconfig:"APP_ROOT" default:"/data"`
	DockerSocket    string        `envconfig:"DOCKER_SOCKET" default:"/var/run/docker.sock"`
	ScanTimeout     time.Duration `envconfig:"SCAN_TIMEOUT" default:"15s"`
	ScanWorkers     int           `envconfig:"SCAN_WORKERS" default:"8"`
	RefreshSchedule string        `envconfig:"REFRESH_SCHEDULE" default:"@every 5m"`

	// SSH transport
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	KnownHosts     string        `envconfig:"KNOWN_HOSTS" default:""`
	StrictHostKeys bool          `envconfig:"STRICT_HOST_KEYS" default:"true"`
	UseAgent       bool          `envconfig:"USE_AGENT" default:"true"`

	// Tunnels
	BindAddress    string        `envconfig:"BIND_ADDRESS" default:"127.0.0.1"`
	HealthInterval time.Duration `envconfig:"HEALTH_INTERVAL" default:"60s"`
	HealthTimeout  time.Duration `envconfig:"HEALTH_TIMEOUT" default:"10s"`
	CleanupTimeout time.Duration `envconfig:"CLEANUP_TIMEOUT" default:"5s"`

	// Logging, audit and status
	LogLevel           string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogPath            string `envconfig:"LOG_PATH" default:""`
	CacheDir           string `envconfig:"CACHE_DIR" default:""`
	AuditDisabled      bool   `envconfig:"AUDIT_DISABLED" default:"false"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	// StatusAddr is the default for --status-addr. Empty leaves the status
	// API off for tunnels and uses DefaultStatusAddr for watch.
	StatusAddr string `envconfig:"STATUS_ADDR" default:""`
}

// FileSettings is the subset of settings read from the YAML config file.
type FileSettings struct {
	CacheDir    string   `yaml:"cache_dir"`
	IgnoreHosts []string `yaml:"ignore_hosts"`
}

// DefaultStatusAddr is where `apps watch` serves the status API when no
// address is configured.
const DefaultStatusAddr = "127.0.0.1:7411"

// Process reads settings from RPIO_* environment variables and the config
// file. Environment values win over
// the file for scalar settings; ignore lists from both sources are merged.
func Process() (Settings, error) {
	var s Settings
	if err := envconfig.Process("RPIO", &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}

	if s.ConfigFile == "" {
		s.ConfigFile = DefaultConfigFile()
	}
	fs, err := ReadFile(s.ConfigFile)
	if err != nil {
		return Settings{}, err
	}
	if s.CacheDir == "" {
		s.CacheDir = fs.CacheDir
	}
	s.IgnoreHosts = mergeUnique(s.IgnoreHosts, fs.IgnoreHosts)

	if s.CacheDir == "" {
		s.CacheDir = defaultCacheDir()
	}
	if s.ScanWorkers <= 0 {
		return Settings{}, fmt.Errorf("load config: RPIO_SCAN_WORKERS must be positive, got %d", s.ScanWorkers)
	}
	switch s.ProbeBackend {
	case "cli", "engine":
	default:
		return Settings{}, fmt.Errorf("load config: unknown probe backend %q (want cli or engine)", s.ProbeBackend)
	}
	return s, nil
}

// ReadFile loads the YAML config file. A missing file yields zero settings.
func ReadFile(path string) (FileSettings, error) {
	var fs FileSettings
	if path == "" {
		return fs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fs, nil
		}
		return fs, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fs, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fs, nil
}

// WriteDefaultFile writes a config file with default values. It refuses to
// overwrite an existing file.
func WriteDefaultFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(FileSettings{
		CacheDir:    defaultCacheDir(),
		IgnoreHosts: []string{},
	})
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// DefaultConfigFile returns the per-user config file location.
func DefaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "rpio", "config.yaml")
}

// AuditDBPath is where the tunnel audit database lives.
func (s Settings) AuditDBPath() string {
	return filepath.Join(s.CacheDir, "audit.db")
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rpio")
	}
	return filepath.Join(dir, "rpio")
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, v := range list {
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
