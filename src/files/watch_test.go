package files

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForChange(t *testing.T, changed chan struct{}) {
	t.Helper()
	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for watch callback")
	}
}

func TestWatch_FiresOnCreate(t *testing.T) {
	dir := t.TempDir()
	w := NewWatch(nil)
	defer w.Close()

	changed := make(chan struct{}, 1)
	w.SetDirectory(dir, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForChange(t, changed)
}

func TestWatch_FiresOnWriteAndRemove(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "existing.txt")
	if err := os.WriteFile(target, []byte("a"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w := NewWatch(nil)
	defer w.Close()

	changed := make(chan struct{}, 1)
	w.SetDirectory(dir, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	if err := os.WriteFile(target, []byte("ab"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForChange(t, changed)

	if err := os.Remove(target); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForChange(t, changed)
}

func TestWatch_SetDirectoryTwiceIsNoop(t *testing.T) {
	dir := t.TempDir()
	w := NewWatch(nil)
	defer w.Close()

	calls := 0
	w.SetDirectory(dir, func() { calls++ })
	first := w.watcher
	w.SetDirectory(dir, func() { calls++ })

	if w.watcher != first {
		t.Fatal("expected SetDirectory with the same dir to leave the watcher untouched")
	}
}

func TestWatch_SetDirectoryRetargets(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	w := NewWatch(nil)
	defer w.Close()

	changedA := make(chan struct{}, 1)
	w.SetDirectory(dirA, func() {
		select {
		case changedA <- struct{}{}:
		default:
		}
	})

	changedB := make(chan struct{}, 1)
	w.SetDirectory(dirB, func() {
		select {
		case changedB <- struct{}{}:
		default:
		}
	})

	if err := os.WriteFile(filepath.Join(dirB, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForChange(t, changedB)

	select {
	case <-changedA:
		t.Fatal("expected no callback for the directory no longer being watched")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatch_CloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	w := NewWatch(nil)
	w.SetDirectory(dir, func() {})
	w.Close()
	w.Close()
}

func TestWatch_BadDirectoryIsBestEffort(t *testing.T) {
	w := NewWatch(nil)
	defer w.Close()
	w.SetDirectory(filepath.Join(t.TempDir(), "does-not-exist"), func() {})
	if w.watcher != nil {
		t.Fatal("expected no watcher to be installed for a nonexistent directory")
	}
}
