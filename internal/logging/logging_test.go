package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/juju/loggo"
)

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rpio.log")
	if err := Init("DEBUG", path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer Close()

	if Path() != path {
		t.Errorf("Path = %q", Path())
	}

	loggo.GetLogger("rpio.test").Infof("tunnel %d active", 8080)

	tail, err := ReadTail(path, 10)
	if err != nil {
		t.Fatalf("ReadTail: %v", err)
	}
	if !strings.Contains(tail, "tunnel 8080 active") {
		t.Errorf("log file missing entry: %q", tail)
	}
}

func TestInitRejectsBadLevel(t *testing.T) {
	if err := Init("LOUD", ""); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.log")
	os.WriteFile(path, []byte("1\n2\n3\n4\n5\n"), 0644)

	got, err := ReadTail(path, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got != "4\n5" {
		t.Errorf("ReadTail = %q", got)
	}

	got, _ = ReadTail(filepath.Join(t.TempDir(), "missing.log"), 2)
	if got != "" {
		t.Errorf("missing file tail = %q", got)
	}
}
