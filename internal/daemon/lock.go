// Package daemon keeps a single scheduler process per data directory by
// means of a PID file.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const lockName = "longform.pid"

var (
	// ErrRunning is returned by Acquire when another live process holds the
	// lock.
	ErrRunning = errors.New("daemon already running")
	// ErrNotRunning is returned by Stop when no daemon holds the lock.
	ErrNotRunning = errors.New("daemon is not running")
)

// Lock is a PID file in the data directory.
type Lock struct {
	path string
}

// NewLock returns the lock for dataDir.
func NewLock(dataDir string) *Lock {
	return &Lock{path: filepath.Join(dataDir, lockName)}
}

// Path returns the PID file path.
func (l *Lock) Path() string { return l.path }

// Acquire writes the current PID unless a live process already holds the
// lock. The returned release removes the file.
func (l *Lock) Acquire() (release func(), err error) {
	if pid, alive := l.Owner(); alive && pid != os.Getpid() {
		return nil, fmt.Errorf("%w (pid=%d)", ErrRunning, pid)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() { l.remove() }, nil
}

// Owner returns the PID recorded in the lock and whether that process is
// alive. A stale file is removed.
func (l *Lock) Owner() (int, bool) {
	pid, err := l.read()
	if err != nil || pid == 0 {
		return 0, false
	}
	if !alive(pid) {
		l.remove()
		return 0, false
	}
	return pid, true
}

// Stop sends SIGTERM to the daemon holding the lock.
func (l *Lock) Stop() (int, error) {
	pid, running := l.Owner()
	if !running {
		return 0, ErrNotRunning
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal %d: %w", pid, err)
	}
	return pid, nil
}

func (l *Lock) read() (int, error) {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file %s: %w", l.path, err)
	}
	return pid, nil
}

func (l *Lock) remove() {
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[daemon] remove pid file: %v\n", err)
	}
}

// alive uses signal 0, which checks existence without delivering anything.
func alive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
