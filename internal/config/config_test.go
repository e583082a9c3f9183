package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestProcessDefaults(t *testing.T) {
	t.Setenv("RPIO_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	s, err := Process()
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s.ProbeBackend != "cli" {
		t.Errorf("ProbeBackend = %q", s.ProbeBackend)
	}
	if s.AppRoot != "/data" {
		t.Errorf("AppRoot = %q", s.AppRoot)
	}
	if s.ScanTimeout != 15*time.Second {
		t.Errorf("ScanTimeout = %s", s.ScanTimeout)
	}
	if s.HealthInterval != 60*time.Second {
		t.Errorf("HealthInterval = %s", s.HealthInterval)
	}
	if s.ScanWorkers != 8 {
		t.Errorf("ScanWorkers = %d", s.ScanWorkers)
	}
	if s.CacheDir == "" {
		t.Error("CacheDir should default to a user cache directory")
	}
	if len(s.IgnoreHosts) != 0 {
		t.Errorf("IgnoreHosts = %v", s.IgnoreHosts)
	}
	if !s.StrictHostKeys {
		t.Error("StrictHostKeys should default to true")
	}
	if s.StatusAddr != "" {
		t.Errorf("StatusAddr = %q", s.StatusAddr)
	}
}

func TestProcessHostKeyOptOut(t *testing.T) {
	t.Setenv("RPIO_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("RPIO_STRICT_HOST_KEYS", "false")
	t.Setenv("RPIO_STATUS_ADDR", "127.0.0.1:9000")

	s, err := Process()
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s.StrictHostKeys {
		t.Error("RPIO_STRICT_HOST_KEYS=false should disable strict host keys")
	}
	if s.StatusAddr != "127.0.0.1:9000" {
		t.Errorf("StatusAddr = %q", s.StatusAddr)
	}
}

func TestProcessMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("cache_dir: /tmp/rpio-cache\nignore_hosts:\n  - github.com\n  - old-box\n"), 0644)

	t.Setenv("RPIO_CONFIG_FILE", path)
	t.Setenv("RPIO_IGNORE_HOSTS", "old-box,gitlab")
	t.Setenv("RPIO_SCAN_TIMEOUT", "3s")

	s, err := Process()
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if s.CacheDir != "/tmp/rpio-cache" {
		t.Errorf("CacheDir = %q", s.CacheDir)
	}
	if got := strings.Join(s.IgnoreHosts, ","); got != "old-box,gitlab,github.com" {
		t.Errorf("IgnoreHosts = %q", got)
	}
	if s.ScanTimeout != 3*time.Second {
		t.Errorf("ScanTimeout = %s", s.ScanTimeout)
	}
	if s.AuditDBPath() != "/tmp/rpio-cache/audit.db" {
		t.Errorf("AuditDBPath = %q", s.AuditDBPath())
	}
}

func TestProcessRejectsUnknownBackend(t *testing.T) {
	t.Setenv("RPIO_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("RPIO_PROBE_BACKEND", "kubernetes")
	if _, err := Process(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestProcessRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("ignore_hosts: [unterminated"), 0644)
	t.Setenv("RPIO_CONFIG_FILE", path)
	if _, err := Process(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWriteDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := WriteDefaultFile(path); err != nil {
		t.Fatalf("WriteDefaultFile: %v", err)
	}
	fs, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if fs.CacheDir == "" {
		t.Error("default file should carry a cache_dir")
	}
	if err := WriteDefaultFile(path); err == nil {
		t.Fatal("expected error when file exists")
	}
}
