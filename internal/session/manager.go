package session

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/renkert/termhostd/internal/emulator"
)

// ManagerConfig tunes session lifecycle behavior.
type ManagerConfig struct {
	// ScrollbackMaxBytes caps retained output per session (0 = default).
	ScrollbackMaxBytes int
	// CleanupDelay is how long an exited session is kept before the
	// attached-client check that may reap it.
	CleanupDelay time.Duration
	// SettleDelay is the pause before initial commands are written.
	SettleDelay time.Duration
}

const (
	defaultCleanupDelay = 5 * time.Second
	defaultSettleDelay  = 300 * time.Millisecond
)

// Manager is the keyed collection of sessions. It owns creation, attachment
// bookkeeping, and the delayed reaping of exited sessions.
type Manager struct {
	cfg ManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
	cleanup  map[string]*time.Timer
	closed   bool
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = defaultCleanupDelay
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		cleanup:  make(map[string]*time.Timer),
	}
}

// CreateOrAttachRequest carries the client's view of the session to attach
// to or create.
type CreateOrAttachRequest struct {
	Meta            Meta
	Cols            int
	Rows            int
	Cwd             string
	Env             map[string]string
	Shell           string
	InitialCommands []string
	// AllowKilled attaches to an exited session instead of recreating it,
	// so the client can inspect the final screen and exit status.
	AllowKilled bool
}

// CreateOrAttachResult reports what happened.
type CreateOrAttachResult struct {
	IsNew        bool
	WasRecovered bool
	Snapshot     emulator.Snapshot
	Attachment   *Attachment
}

// CreateOrAttach looks up the session by id, creating it (and spawning its
// PTY) when absent. A found-but-exited session is disposed and recreated
// unless the request allows attaching to killed sessions: a crashed process
// from a previous daemon life must not permanently poison an id.
func (m *Manager) CreateOrAttach(clientID string, req CreateOrAttachRequest) (CreateOrAttachResult, error) {
	id := strings.TrimSpace(req.Meta.SessionID)
	if id == "" {
		return CreateOrAttachResult{}, ErrNotFound
	}
	req.Meta.SessionID = id

	wasRecovered := false
	for {
		m.mu.Lock()
		existing := m.sessions[id]
		if existing != nil && existing.Exited() && !req.AllowKilled {
			existing.Dispose()
			delete(m.sessions, id)
			m.cancelCleanupLocked(id)
			existing = nil
			wasRecovered = true
		}

		if existing != nil {
			m.mu.Unlock()
			// Best-effort: match the snapshot to what this client will
			// render. A resize failure on a PTY in a bad state must not
			// abort the attach; the session may still be usable.
			if req.Cols > 0 && req.Rows > 0 {
				if err := existing.Resize(req.Cols, req.Rows); err != nil {
					slog.Debug("reattach resize failed", "session", id, "error", err)
				}
			}
			snap, att, err := existing.Attach(clientID)
			if err != nil {
				// Lost a race with the reaper: the session was removed
				// from the map and disposed between our lookup and the
				// attach. The id is free again; retry from the top.
				continue
			}
			return CreateOrAttachResult{Snapshot: snap, Attachment: att, WasRecovered: wasRecovered}, nil
		}

		if m.closed {
			m.mu.Unlock()
			return CreateOrAttachResult{}, ErrNotFound
		}
		s := New(req.Meta, req.Cols, req.Rows, m.cfg.ScrollbackMaxBytes)
		s.SetOnExit(func() { m.scheduleCleanup(id) })
		m.sessions[id] = s
		m.mu.Unlock()

		if err := s.Spawn(SpawnOptions{
			Cwd:   req.Cwd,
			Cols:  req.Cols,
			Rows:  req.Rows,
			Env:   req.Env,
			Shell: req.Shell,
		}); err != nil {
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()
			s.Dispose()
			return CreateOrAttachResult{}, err
		}
		s.QueueInitialCommands(req.InitialCommands, m.cfg.SettleDelay)

		snap, att, err := s.Attach(clientID)
		if err != nil {
			// Freshly spawned but already torn down: only Close/KillAll
			// style shutdown does that, so report the session gone.
			return CreateOrAttachResult{}, ErrNotFound
		}
		return CreateOrAttachResult{IsNew: true, WasRecovered: wasRecovered, Snapshot: snap, Attachment: att}, nil
	}
}

// scheduleCleanup arms the delayed check that reaps an exited session once
// no clients are attached. While clients remain attached the check
// reschedules itself indefinitely; a client staring at a dead shell keeps
// its view.
func (m *Manager) scheduleCleanup(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.cancelCleanupLocked(id)
	m.cleanup[id] = time.AfterFunc(m.cfg.CleanupDelay, func() { m.cleanupCheck(id) })
}

func (m *Manager) cleanupCheck(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil || m.closed {
		delete(m.cleanup, id)
		m.mu.Unlock()
		return
	}
	if !s.Exited() {
		delete(m.cleanup, id)
		m.mu.Unlock()
		return
	}
	if s.AttachedCount() > 0 {
		m.cleanup[id] = time.AfterFunc(m.cfg.CleanupDelay, func() { m.cleanupCheck(id) })
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	delete(m.cleanup, id)
	m.mu.Unlock()

	s.Dispose()
	slog.Info("session reaped", "session", id)
}

func (m *Manager) cancelCleanupLocked(id string) {
	if timer := m.cleanup[id]; timer != nil {
		timer.Stop()
		delete(m.cleanup, id)
	}
}

// Write forwards client input to the session's PTY.
func (m *Manager) Write(id string, data []byte) error {
	s := m.lookup(id)
	if s == nil {
		return ErrNotFound
	}
	return s.Write(data)
}

// Resize updates a session's dimensions.
func (m *Manager) Resize(id string, cols, rows int) error {
	s := m.lookup(id)
	if s == nil {
		return ErrNotFound
	}
	return s.Resize(cols, rows)
}

// Detach removes a client from a session. Idempotent: a missing session is
// nothing to do, not an error. An exited session with no remaining clients
// is torn down immediately rather than waiting for the cleanup timer.
func (m *Manager) Detach(id, clientID string) {
	s := m.lookup(id)
	if s == nil {
		return
	}
	if s.Detach(clientID) {
		m.reapNow(id)
	}
}

// DetachClient implicitly detaches a dead connection from every session. A
// session holding a dead subscription forever would be a phantom attached
// client and a resource leak.
func (m *Manager) DetachClient(clientID string) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		if s.Detach(clientID) {
			m.reapNow(s.Meta().SessionID)
		}
	}
}

func (m *Manager) reapNow(id string) {
	m.mu.Lock()
	s := m.sessions[id]
	if s == nil || !s.Exited() || s.AttachedCount() > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.cancelCleanupLocked(id)
	m.mu.Unlock()
	s.Dispose()
}

// Kill signals a session's process. Idempotent against a missing id.
func (m *Manager) Kill(id string, signal string) error {
	s := m.lookup(id)
	if s == nil {
		return nil
	}
	return s.Kill(parseSignal(signal))
}

// KillAll signals every session.
func (m *Manager) KillAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		_ = s.Kill(syscall.SIGTERM)
	}
}

// ClearScrollback empties a session's retained output. Idempotent.
func (m *Manager) ClearScrollback(id string) {
	if s := m.lookup(id); s != nil {
		s.ClearScrollback()
	}
}

// List returns the listing view of all sessions, stable by id.
func (m *Manager) List() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].SessionID < infos[j].SessionID })
	return infos
}

func (m *Manager) lookup(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// Close disposes every session and stops all timers. The manager accepts no
// new sessions afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	for id, timer := range m.cleanup {
		timer.Stop()
		delete(m.cleanup, id)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.Dispose()
	}
}

func parseSignal(name string) syscall.Signal {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return syscall.SIGTERM
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig
	}
	return syscall.SIGTERM
}
