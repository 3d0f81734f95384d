package session

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// gitLookupTimeout bounds how long listSessions waits for a single
// session's best-effort repo decoration before giving up on it.
const gitLookupTimeout = 50 * time.Millisecond

// CreateOptions requests a new session from the Manager.
type CreateOptions struct {
	Name         string
	Cwd          string // empty: manager provisions <base>/sessions/<id>/
	Cols, Rows   uint16
	ChildCommand string
}

// SessionListEntry is a manager-level snapshot decorated with best-effort
// repo context, independent of any wire encoding.
type SessionListEntry struct {
	Snapshot
	Connected bool
	GitBranch string
	GitDirty  bool
}

type entry struct {
	session *Session
	client  any
}

// Manager is the registry described by spec.md §4.6/C6: id -> session
// record, enforcing the single-attacher invariant and reaping idle
// sessions. baseDir is where per-session sandbox directories are
// provisioned.
type Manager struct {
	mu            sync.RWMutex
	sessions      map[string]*entry
	baseDir       string
	logger        *logrus.Logger
	idleTimeout   time.Duration
	maxScrollback int
	childCommand  string
}

// NewManager creates a Manager rooted at baseDir (created if missing).
func NewManager(baseDir string, idleTimeout time.Duration, maxScrollback int, childCommand string, logger *logrus.Logger) (*Manager, error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("session: create base dir %s: %w", baseDir, err)
	}
	return &Manager{
		sessions:      make(map[string]*entry),
		baseDir:       baseDir,
		logger:        logger,
		idleTimeout:   idleTimeout,
		maxScrollback: maxScrollback,
		childCommand:  childCommand,
	}, nil
}

func newSessionID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}

// CreateSession generates a fresh id, provisions its sandbox directory,
// spawns the child, and records a manager entry with a null attached
// client. The session is removed from the registry automatically once
// its child exits.
func (m *Manager) CreateSession(opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	var id string
	for {
		id = newSessionID()
		if _, exists := m.sessions[id]; !exists {
			break
		}
	}
	m.mu.Unlock()

	cwd := opts.Cwd
	if cwd == "" {
		cwd = filepath.Join(m.baseDir, "sessions", id)
	}
	if err := os.MkdirAll(cwd, 0o755); err != nil {
		return nil, fmt.Errorf("session: provision sandbox %s: %w", cwd, err)
	}

	name := opts.Name
	if name == "" {
		name = "session-" + id
	}
	childCommand := opts.ChildCommand
	if childCommand == "" {
		childCommand = m.childCommand
	}

	sess, err := New(Options{
		ID:            id,
		Name:          name,
		Cwd:           cwd,
		Cols:          opts.Cols,
		Rows:          opts.Rows,
		ChildCommand:  childCommand,
		MaxScrollback: m.maxScrollback,
		IdleTimeout:   m.idleTimeout,
		Logger:        m.logger,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = &entry{session: sess}
	m.mu.Unlock()

	sess.SetExitListener(func(code int, signal string) {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{"session": id, "code": code, "signal": signal}).Info("session: removed after child exit")
	})

	m.logger.WithField("session", id).Info("session: created")
	return sess, nil
}

// AttachClient registers client as the sole subscriber of session id's
// data events, detaching whatever client was previously attached.
// Returns false iff id is unknown.
func (m *Manager) AttachClient(id string, client any, onData func([]byte)) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.client = client
	m.mu.Unlock()

	e.session.SetListener(onData)
	return true
}

// DetachClient clears the current attachment and subscription for id.
// Idempotent; a no-op if id is unknown or already detached.
func (m *Manager) DetachClient(id string) {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		e.client = nil
	}
	m.mu.Unlock()
	if ok {
		e.session.SetListener(nil)
	}
}

// GetSession returns the session record for id, if any.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// GetSessionForClient finds the session (if any) currently attached to
// client, comparing by identity.
func (m *Manager) GetSessionForClient(client any) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.sessions {
		if e.client == client {
			return e.session, true
		}
	}
	return nil, false
}

// ListSessions returns a fresh snapshot of every session, each decorated
// with its current attachment flag and (best-effort, time-bounded) repo
// context.
func (m *Manager) ListSessions() []SessionListEntry {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]SessionListEntry, 0, len(entries))
	for _, e := range entries {
		snap := e.session.Snapshot()
		item := SessionListEntry{
			Snapshot:  snap,
			Connected: e.client != nil,
		}
		branch, dirty, ok := currentBranchWithTimeout(snap.Cwd)
		if ok {
			item.GitBranch = branch
			item.GitDirty = dirty
		}
		out = append(out, item)
	}
	return out
}

func currentBranchWithTimeout(dir string) (branch string, dirty bool, ok bool) {
	type result struct {
		branch string
		dirty  bool
		ok     bool
	}
	ch := make(chan result, 1)
	go func() {
		b, d, ok := CurrentBranch(dir)
		ch <- result{b, d, ok}
	}()
	select {
	case r := <-ch:
		return r.branch, r.dirty, r.ok
	case <-time.After(gitLookupTimeout):
		return "", false, false
	}
}

// DestroySession kills the child and removes the entry. Returns false
// iff id is unknown.
func (m *Manager) DestroySession(id string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	e.session.Kill()
	m.logger.WithField("session", id).Info("session: destroyed")
	return true
}

// CleanupIdleSessions kills and removes every session with no attached
// client whose IsIdle() is true. Returns the count cleaned.
func (m *Manager) CleanupIdleSessions() int {
	m.mu.Lock()
	var toKill []*entry
	for id, e := range m.sessions {
		if e.client == nil && e.session.IsIdle() {
			toKill = append(toKill, e)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, e := range toKill {
		e.session.Kill()
		m.logger.WithField("session", e.session.ID).Info("session: reaped idle session")
	}
	return len(toKill)
}

// DestroyAll kills every session. Used on server shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	all := make([]*entry, 0, len(m.sessions))
	for id, e := range m.sessions {
		all = append(all, e)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, e := range all {
		e.session.Kill()
	}
}

// Count returns the number of currently registered sessions, used by the
// /api/health endpoint.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
