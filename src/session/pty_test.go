package session

import (
	"bytes"
	"testing"
	"time"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New(Options{
		ID:           "testid01",
		Name:         "test",
		ChildCommand: "/bin/sh",
		Cols:         80,
		Rows:         24,
		IdleTimeout:  time.Hour,
	})
	if err != nil {
		t.Fatalf("unexpected error starting session: %v", err)
	}
	t.Cleanup(s.Kill)
	return s
}

func TestSession_WriteAndScrollback(t *testing.T) {
	s := newTestSession(t)

	received := make(chan []byte, 16)
	s.SetListener(func(data []byte) {
		received <- data
	})

	if _, err := s.Write([]byte("echo hello_ccr\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.After(3 * time.Second)
	var all []byte
	for {
		select {
		case chunk := <-received:
			all = append(all, chunk...)
			if bytes.Contains(all, []byte("hello_ccr")) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for echoed output, got: %q", all)
		}
	}
}

func TestSession_GetScrollbackAfterDetach(t *testing.T) {
	s := newTestSession(t)

	done := make(chan struct{})
	s.SetListener(func(data []byte) {
		if bytes.Contains(data, []byte("hello_ccr")) {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	if _, err := s.Write([]byte("echo hello_ccr\n")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	s.SetListener(nil)
	if !bytes.Contains(s.GetScrollback(), []byte("hello_ccr")) {
		t.Fatalf("expected scrollback to contain echoed output, got: %q", s.GetScrollback())
	}
}

func TestSession_ResizeNoopAfterExit(t *testing.T) {
	s := newTestSession(t)
	s.Kill()

	// Kill forces the underlying process down; Resize must not panic or
	// block even though the PTY master is now closed.
	if err := s.Resize(100, 30); err != nil {
		t.Fatalf("resize after kill should be a harmless no-op, got error: %v", err)
	}
}

func TestSession_IsIdle(t *testing.T) {
	s, err := New(Options{
		ID:           "idletest",
		ChildCommand: "/bin/sh",
		IdleTimeout:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Kill()

	if s.IsIdle() {
		t.Fatal("freshly created session should not be idle yet")
	}
	time.Sleep(30 * time.Millisecond)
	if !s.IsIdle() {
		t.Fatal("expected session to be idle after exceeding idle timeout")
	}
}

func TestSession_KillClearsScrollbackAndListener(t *testing.T) {
	s := newTestSession(t)
	s.SetListener(func([]byte) {})
	s.Kill()

	if len(s.GetScrollback()) != 0 {
		t.Fatalf("expected empty scrollback after Kill, got %q", s.GetScrollback())
	}
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		t.Fatal("expected listener to be detached after Kill")
	}
}

func TestResolveChildCommand_Override(t *testing.T) {
	resolved, err := resolveChildCommand("/bin/sh")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected a resolved path")
	}
}

func TestResolveChildCommand_FallbackChain(t *testing.T) {
	resolved, err := resolveChildCommand("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected a resolved fallback command")
	}
}
