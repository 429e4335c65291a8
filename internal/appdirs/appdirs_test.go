//go:build !windows

package appdirs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRuntimeDirOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "rt")
	t.Setenv(runtimeDirEnv, dir)
	got, err := RuntimeDir()
	if err != nil {
		t.Fatalf("RuntimeDir: %v", err)
	}
	if got != dir {
		t.Fatalf("RuntimeDir = %q, want %q", got, dir)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Fatalf("runtime dir created with loose perms %v", perm)
	}
}

func TestEnsureRuntimeDirTightensPerms(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "loose")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := ensureRuntimeDir(dir, false); err != nil {
		t.Fatalf("ensureRuntimeDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Fatalf("perms not tightened: %v", perm)
	}
}

func TestEnsureRuntimeDirRejectsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ensureRuntimeDir(path, false); err == nil {
		t.Fatalf("expected error for non-directory")
	}
}
