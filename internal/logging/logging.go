package logging

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/juju/loggo"
)

var (
	logFile *os.File
	logPath string
	mu      sync.Mutex
)

// Init configures the loggo root level and sends log output to stderr and,
// when path is set, to a log file as well.
func Init(level, path string) error {
	mu.Lock()
	defer mu.Unlock()

	if level == "" {
		level = "INFO"
	}
	if err := loggo.ConfigureLoggers("<root>=" + strings.ToUpper(level)); err != nil {
		return fmt.Errorf("configure log level: %w", err)
	}

	var out io.Writer = os.Stderr
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", path, err)
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		logPath = path
		out = io.MultiWriter(os.Stderr, f)
	}

	if _, err := loggo.ReplaceDefaultWriter(loggo.NewSimpleWriter(out, loggo.DefaultFormatter)); err != nil {
		return fmt.Errorf("install log writer: %w", err)
	}
	return nil
}

// Close releases the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

// Path returns the active log file path, or "" when logging to stderr only.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// ReadTail returns the last n lines of the log file at path.
func ReadTail(path string, n int) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan log file: %w", err)
	}
	return strings.Join(lines, "\n"), nil
}
