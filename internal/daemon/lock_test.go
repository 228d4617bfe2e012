package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestLock_Path(t *testing.T) {
	dir := t.TempDir()
	if got, want := NewLock(dir).Path(), filepath.Join(dir, lockName); got != want {
		t.Fatalf("path = %q, want %q", got, want)
	}
}

func TestLock_AcquireRelease(t *testing.T) {
	l := NewLock(filepath.Join(t.TempDir(), "nested"))

	release, err := l.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pid, running := l.Owner()
	if !running || pid != os.Getpid() {
		t.Fatalf("owner = %d running = %v", pid, running)
	}

	release()
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatal("pid file still exists after release")
	}
}

// writePID simulates another process holding the lock.
func writePID(t *testing.T, l *Lock, pid int) {
	t.Helper()
	if err := os.WriteFile(l.Path(), []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLock_AcquireHeldByLiveProcess(t *testing.T) {
	l := NewLock(t.TempDir())
	writePID(t, l, os.Getppid())

	if _, err := l.Acquire(); !errors.Is(err, ErrRunning) {
		t.Fatalf("err = %v, want ErrRunning", err)
	}
}

func TestLock_StaleFileIsReplaced(t *testing.T) {
	l := NewLock(t.TempDir())
	writePID(t, l, 99999999)

	if pid, running := l.Owner(); running || pid != 0 {
		t.Fatalf("owner = %d running = %v, want stale", pid, running)
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatal("stale pid file was not removed")
	}
	release, err := l.Acquire()
	if err != nil {
		t.Fatalf("Acquire after stale: %v", err)
	}
	release()
}

func TestLock_InvalidContent(t *testing.T) {
	l := NewLock(t.TempDir())
	if err := os.WriteFile(l.Path(), []byte("not-a-number"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, running := l.Owner(); running {
		t.Fatal("garbage pid file reported as running")
	}
	if _, err := l.read(); err == nil {
		t.Fatal("read: expected error for invalid content")
	}
}

func TestLock_StopWithoutDaemon(t *testing.T) {
	if _, err := NewLock(t.TempDir()).Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v, want ErrNotRunning", err)
	}
}

func TestAlive(t *testing.T) {
	if !alive(os.Getpid()) {
		t.Error("current process reported dead")
	}
	if alive(99999999) {
		t.Error("pid 99999999 reported alive")
	}
}
