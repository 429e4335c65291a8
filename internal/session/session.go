// Package session owns PTY processes and their accumulated terminal state,
// independent of any UI client's lifetime. Sessions outlive clients: a
// connection's death detaches it but never tears the shell down with it.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/renkert/termhostd/internal/emulator"
)

var (
	ErrAlreadySpawned = errors.New("session: PTY already spawned")
	ErrNotSpawned     = errors.New("session: PTY not spawned")
	ErrNotFound       = errors.New("session: session not found")
	ErrDisposed       = errors.New("session: disposed")
)

// eventBufferSize bounds per-attachment buffered events. A client that falls
// this far behind is dropped rather than growing daemon memory.
const eventBufferSize = 256

// EventType identifies session-scoped async events.
type EventType string

const (
	EventData EventType = "data"
	EventExit EventType = "exit"
)

// Event is delivered to every attached client in PTY output order.
type Event struct {
	SessionID string
	Type      EventType
	Data      []byte
	ExitCode  int
	Signal    string
}

// Attachment is one client's subscription to a session's event stream.
type Attachment struct {
	clientID   string
	ch         chan Event
	overflowed bool
}

// Events returns the attachment's event channel. It is closed on detach,
// session disposal, or overflow.
func (a *Attachment) Events() <-chan Event { return a.ch }

// Overflowed reports whether the attachment was dropped for falling behind.
// Valid after the event channel closes.
func (a *Attachment) Overflowed() bool { return a.overflowed }

// Meta is the client-supplied grouping identity, opaque to the daemon.
type Meta struct {
	SessionID   string
	WorkspaceID string
	PaneID      string
	TabID       string
}

// State tracks the session lifecycle: spawning -> running -> exited.
type State int

const (
	StateSpawning State = iota
	StateRunning
	StateExited
)

// Info is the listing view of a session.
type Info struct {
	SessionID       string `json:"sessionId"`
	WorkspaceID     string `json:"workspaceId"`
	PaneID          string `json:"paneId"`
	IsAlive         bool   `json:"isAlive"`
	AttachedClients int    `json:"attachedClients"`
}

// Session bridges one PTY process, one headless emulator, and the set of
// attached client subscriptions.
type Session struct {
	meta Meta

	mu           sync.Mutex
	emu          *emulator.Emulator
	cmd          *exec.Cmd
	ptmx         *os.File
	attached     map[string]*Attachment
	state        State
	exitCode     int
	exitSignal   string
	lastAttached time.Time
	settleTimer  *time.Timer
	disposed     bool

	onExit   func()
	readDone chan struct{}
	wg       sync.WaitGroup
}

// New creates an unspawned session with the given dimensions and scrollback
// cap.
func New(meta Meta, cols, rows, scrollbackMax int) *Session {
	return &Session{
		meta:     meta,
		emu:      emulator.New(cols, rows, scrollbackMax),
		attached: make(map[string]*Attachment),
		state:    StateSpawning,
	}
}

// SetOnExit registers the callback invoked once when the PTY process exits.
// Must be set before Spawn.
func (s *Session) SetOnExit(fn func()) { s.onExit = fn }

// SpawnOptions describe the PTY process to start.
type SpawnOptions struct {
	Cwd   string
	Cols  int
	Rows  int
	Env   map[string]string
	Shell string
}

// Spawn binds the OS process. Calling it twice on the same session is an
// error: the PTY is already bound.
func (s *Session) Spawn(opts SpawnOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return ErrAlreadySpawned
	}
	if s.disposed {
		return ErrDisposed
	}

	name, args, err := resolveCommand(opts.Shell)
	if err != nil {
		return err
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	// #nosec G204 - the command is client-controlled by design: the daemon
	// hosts whatever shell the UI asks for.
	cmd := exec.Command(name, args...)
	if strings.TrimSpace(opts.Cwd) != "" {
		cmd.Dir = opts.Cwd
	}
	cmd.Env = buildEnv(opts.Env, s.meta.SessionID)
	setupPTYCommand(cmd)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return err
	}

	s.cmd = cmd
	s.ptmx = ptmx
	s.state = StateRunning
	s.emu.Resize(cols, rows)
	s.readDone = make(chan struct{})

	s.wg.Add(2)
	go s.readLoop(ptmx)
	go s.waitExit()
	return nil
}

func (s *Session) readLoop(ptmx *os.File) {
	defer s.wg.Done()
	defer close(s.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			s.handleOutput(buf[:n])
		}
		if err != nil {
			// EIO is the normal end-of-stream for a PTY master.
			return
		}
	}
}

// handleOutput applies state capture before fan-out, so a snapshot taken
// between chunks is always consistent with some prefix of the delivered
// event stream.
func (s *Session) handleOutput(chunk []byte) {
	s.mu.Lock()
	forward := s.emu.Write(chunk)
	if len(forward) > 0 && len(s.attached) > 0 {
		data := append([]byte(nil), forward...)
		s.fanOutLocked(Event{SessionID: s.meta.SessionID, Type: EventData, Data: data})
	}
	replyLoop := len(s.attached) == 0 && looksLikeQueryResponse(chunk)
	ptmx := s.ptmx
	s.mu.Unlock()

	if replyLoop && ptmx != nil {
		// Headless query response: answer the program ourselves or it may
		// hang waiting for a reply no client will ever send.
		if _, err := ptmx.Write(chunk); err != nil {
			slog.Debug("headless reply write failed", "session", s.meta.SessionID, "error", err)
		}
	}
}

func (s *Session) fanOutLocked(ev Event) {
	for clientID, att := range s.attached {
		select {
		case att.ch <- ev:
		default:
			att.overflowed = true
			close(att.ch)
			delete(s.attached, clientID)
			slog.Warn("dropping slow client", "session", s.meta.SessionID, "client", clientID)
		}
	}
}

func (s *Session) waitExit() {
	defer s.wg.Done()
	err := s.cmd.Wait()

	// Let the read loop drain trailing output before the exit event, so
	// clients never see exit ordered ahead of data the PTY produced. The
	// read loop may not terminate if a grandchild keeps the slave open,
	// hence the bound.
	select {
	case <-s.readDone:
	case <-time.After(time.Second):
	}

	code := 0
	signalName := ""
	if state := s.cmd.ProcessState; state != nil {
		code = state.ExitCode()
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signalName = unix.SignalName(ws.Signal())
		}
	} else if err != nil {
		code = -1
	}

	s.mu.Lock()
	s.state = StateExited
	s.exitCode = code
	s.exitSignal = signalName
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	ptmx := s.ptmx
	s.ptmx = nil
	s.fanOutLocked(Event{SessionID: s.meta.SessionID, Type: EventExit, ExitCode: code, Signal: signalName})
	onExit := s.onExit
	s.mu.Unlock()

	if ptmx != nil {
		_ = ptmx.Close()
	}
	if onExit != nil {
		onExit()
	}
}

// Attach subscribes a client and returns the snapshot that primes it. The
// snapshot is taken under the same lock that orders fan-out, so no data event
// already folded into it is ever delivered to this attachment. Attaching to a
// disposed session fails: the reaper may have torn it down between the
// caller's lookup and this call, and an attachment registered here would hold
// a channel nothing ever closes.
func (s *Session) Attach(clientID string) (emulator.Snapshot, *Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return emulator.Snapshot{}, nil, ErrDisposed
	}
	if old := s.attached[clientID]; old != nil {
		close(old.ch)
		delete(s.attached, clientID)
	}
	att := &Attachment{clientID: clientID, ch: make(chan Event, eventBufferSize)}
	snap := s.emu.Snapshot()
	s.attached[clientID] = att
	s.lastAttached = time.Now()
	if s.state == StateExited {
		// Late attach to a dead session still observes the exit.
		att.ch <- Event{SessionID: s.meta.SessionID, Type: EventExit, ExitCode: s.exitCode, Signal: s.exitSignal}
	}
	return snap, att, nil
}

// Detach unsubscribes a client. It reports whether the session is now an
// exited session with zero clients, i.e. eligible for immediate teardown.
func (s *Session) Detach(clientID string) (reapable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if att := s.attached[clientID]; att != nil {
		close(att.ch)
		delete(s.attached, clientID)
	}
	return s.state == StateExited && len(s.attached) == 0
}

// Write sends client input to the PTY.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotSpawned
	}
	_, err := ptmx.Write(data)
	return err
}

// Resize updates the PTY and emulator dimensions. Dimensions outside the
// winsize range are rejected before touching the PTY; a negative value would
// otherwise wrap through the uint16 conversion.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > 0xffff || rows > 0xffff {
		return fmt.Errorf("session: invalid dimensions %dx%d", cols, rows)
	}
	s.mu.Lock()
	s.emu.Resize(cols, rows)
	ptmx := s.ptmx
	s.mu.Unlock()
	if ptmx == nil {
		return ErrNotSpawned
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill delivers a signal to the PTY process group. Fire-and-forget: removal
// happens asynchronously via the exit callback, never synchronously here.
func (s *Session) Kill(sig syscall.Signal) error {
	s.mu.Lock()
	cmd := s.cmd
	running := s.state == StateRunning
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil || !running {
		return nil
	}
	// Negative pid addresses the process group created by Setsid.
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		return cmd.Process.Signal(sig)
	}
	return nil
}

// QueueInitialCommands writes commands to the PTY after a settle delay;
// shells need a beat to finish rc initialization before accepting piped
// commands reliably.
func (s *Session) QueueInitialCommands(commands []string, settle time.Duration) {
	if len(commands) == 0 {
		return
	}
	payload := strings.Join(commands, "\n") + "\n"
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settleTimer != nil {
		s.settleTimer.Stop()
	}
	s.settleTimer = time.AfterFunc(settle, func() {
		if err := s.Write([]byte(payload)); err != nil {
			slog.Warn("initial commands not delivered", "session", s.meta.SessionID, "error", err)
		}
	})
}

// ClearScrollback empties the retained output.
func (s *Session) ClearScrollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emu.Clear()
}

// Snapshot returns the current transferable state.
func (s *Session) Snapshot() emulator.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emu.Snapshot()
}

// Exited reports whether the PTY process has terminated.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateExited
}

// ExitStatus returns the recorded exit code and signal name, valid once
// Exited is true.
func (s *Session) ExitStatus() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.exitSignal
}

// AttachedCount returns the number of live attachments.
func (s *Session) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// Meta returns the session identity.
func (s *Session) Meta() Meta { return s.meta }

// Info returns the listing view.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:       s.meta.SessionID,
		WorkspaceID:     s.meta.WorkspaceID,
		PaneID:          s.meta.PaneID,
		IsAlive:         s.state == StateRunning,
		AttachedClients: len(s.attached),
	}
}

// Dispose terminates the process if still running, closes all attachments
// and releases emulator memory. Idempotent.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	if s.settleTimer != nil {
		s.settleTimer.Stop()
		s.settleTimer = nil
	}
	for clientID, att := range s.attached {
		close(att.ch)
		delete(s.attached, clientID)
	}
	cmd := s.cmd
	running := s.state == StateRunning
	ptmx := s.ptmx
	s.ptmx = nil
	s.emu.Dispose()
	s.mu.Unlock()

	if running && cmd != nil && cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if ptmx != nil {
		_ = ptmx.Close()
	}
}
