package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisition(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	h := ReadHolder(lock.Path())
	if h.PID != os.Getpid() || !h.Running || h.Started == "" {
		t.Errorf("holder = %+v", h)
	}
}

func TestLockConflict(t *testing.T) {
	dir := t.TempDir()
	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("expected second AcquireLock to fail")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T, want *LockError", err)
	}
	if lockErr.Holder.PID != os.Getpid() {
		t.Errorf("holder = %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), LockFileName) {
		t.Errorf("error %q does not name the lock file", err)
	}
}

func TestLockRelease(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("re-acquire after release: %v", err)
	}
	again.Release()
}

func TestReadHolder(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		pid     int
	}{
		{"full", "pid=999999999\nstarted=2026-01-01T00:00:00Z\n", 999999999},
		{"garbage", "hello", 0},
		{"empty", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			h := ReadHolder(path)
			if h.PID != tt.pid {
				t.Errorf("PID = %d, want %d", h.PID, tt.pid)
			}
			if h.PID == 999999999 && h.Running {
				t.Error("impossible pid reported running")
			}
		})
	}
	if h := ReadHolder(filepath.Join(dir, "missing")); h.PID != 0 || h.String() != "unknown process" {
		t.Errorf("missing file holder = %+v", h)
	}
}
