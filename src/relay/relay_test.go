package relay

import (
	"bytes"
	"testing"
	"time"

	"github.com/ccr-dev/ccr/src/client"
	"github.com/ccr-dev/ccr/src/protocol"
)

func newTestRelay(stdin *bytes.Buffer, stdout *bytes.Buffer) *Relay {
	r := New(client.New("ws://unused/ws", "tok", false, nil), nil)
	r.stdin = stdin
	r.stdout = stdout
	r.fd = -1 // not a terminal, so raw-mode/WINCH paths are skipped in tests
	return r
}

func TestProcessChunk_PlainDataForwardsWhole(t *testing.T) {
	r := newTestRelay(nil, &bytes.Buffer{})
	// No Ctrl+B present: processChunk should just call sendInput once and
	// leave the prefix state untouched. Send on an unconnected client
	// returns an error, which sendInput ignores — this only checks it
	// doesn't panic and doesn't arm the prefix window.
	r.processChunk([]byte("hello"))

	r.mu.Lock()
	armed := r.prefixArmed
	r.mu.Unlock()
	if armed {
		t.Fatal("expected prefix window to stay disarmed for plain data")
	}
}

func TestProcessChunk_TrailingCtrlBArmsPrefix(t *testing.T) {
	r := newTestRelay(nil, &bytes.Buffer{})
	r.processChunk([]byte("hi" + string(rune(prefixKey))))

	r.mu.Lock()
	armed := r.prefixArmed
	r.mu.Unlock()
	if !armed {
		t.Fatal("expected prefix to be armed after trailing Ctrl+B")
	}
}

func TestProcessChunk_PrefixWindowExpires(t *testing.T) {
	r := newTestRelay(nil, &bytes.Buffer{})
	r.armPrefix()

	r.mu.Lock()
	r.prefixTimer.Stop()
	r.mu.Unlock()
	// Simulate expiry directly rather than sleeping the real window.
	r.mu.Lock()
	r.prefixArmed = false
	r.mu.Unlock()

	out := &bytes.Buffer{}
	r.stdout = out
	r.processChunk([]byte("x"))

	r.mu.Lock()
	armed := r.prefixArmed
	r.mu.Unlock()
	if armed {
		t.Fatal("expected prefix window to have expired")
	}
}

func TestProcessChunk_MidBufferCommandIsPositional(t *testing.T) {
	out := &bytes.Buffer{}
	r := newTestRelay(nil, out)
	// "ab" + Ctrl+B + "l" (list command) + "cd" — "ab" flushes as data,
	// 'l' runs the list command, "cd" flushes as data afterward.
	data := append([]byte("ab"), prefixKey, 'l')
	data = append(data, []byte("cd")...)
	r.processChunk(data)
	// printSessions writes to stdout; just assert it ran without panicking
	// and left the prefix window unarmed.
	r.mu.Lock()
	armed := r.prefixArmed
	r.mu.Unlock()
	if armed {
		t.Fatal("expected prefix window to be consumed by the command byte")
	}
}

func TestCycle_WrapsAroundSessionList(t *testing.T) {
	r := newTestRelay(nil, &bytes.Buffer{})
	r.sessions = []protocol.SessionListEntry{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	r.attachedID = "c"

	// cycle(1) from the last entry should wrap to index 0 ("a"). Since
	// attach() requires a live client.Send, only verify the index math
	// via the same wrap computation cycle() performs.
	entries := r.sessions
	idx := 2 // "c"
	idx = (idx + 1 + len(entries)) % len(entries)
	if entries[idx].ID != "a" {
		t.Fatalf("expected wrap to first session, got %s", entries[idx].ID)
	}
}

func TestFinish_IsIdempotent(t *testing.T) {
	r := newTestRelay(nil, &bytes.Buffer{})
	r.finish(ErrReconnectExhausted)
	r.finish(ErrReconnectExhausted) // must not panic on double-close

	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("expected done channel to be closed")
	}
	if r.exit != ErrReconnectExhausted {
		t.Fatalf("expected exit error to be recorded, got %v", r.exit)
	}
}
