// Package emulator implements the daemon-side headless terminal: a raw byte
// log of session output plus the mode/cwd trackers needed to hand a session
// over to a fresh UI client. It deliberately does no grid or glyph work; the
// UI process owns a real emulator, and running a second one here would only
// risk state divergence.
package emulator

import (
	"bytes"

	"github.com/renkert/termhostd/internal/modes"
	"github.com/renkert/termhostd/internal/scrollback"
)

// Snapshot is the cross-process transfer unit used to prime a reattaching
// client: the accumulated ANSI content, plus the derived escape sequences
// that restore non-default modes on a freshly constructed terminal.
type Snapshot struct {
	SnapshotANSI       string      `json:"snapshotAnsi"`
	RehydrateSequences string      `json:"rehydrateSequences"`
	Cwd                *string     `json:"cwd"`
	Modes              modes.Modes `json:"modes"`
	Cols               int         `json:"cols"`
	Rows               int         `json:"rows"`
	ScrollbackLines    int         `json:"scrollbackLines"`
}

// Emulator composes the mode tracker and the scrollback buffer. It is not
// internally synchronized; the owning Session serializes access.
type Emulator struct {
	tracker  *modes.Tracker
	buf      *scrollback.Buffer
	cols     int
	rows     int
	disposed bool
}

// New creates an emulator with the given dimensions. maxScrollback <= 0
// selects the default cap.
func New(cols, rows, maxScrollback int) *Emulator {
	return &Emulator{
		tracker: modes.NewTracker(),
		buf:     scrollback.New(maxScrollback),
		cols:    cols,
		rows:    rows,
	}
}

// Write feeds a chunk of PTY output: mode/cwd capture first, then append to
// the scrollback. It returns the bytes safe to fan out to clients (the chunk
// minus any held-back incomplete tracked sequence).
func (e *Emulator) Write(data []byte) []byte {
	if e.disposed || len(data) == 0 {
		return nil
	}
	forward := e.tracker.Feed(data)
	e.buf.Write(forward)
	return forward
}

// Resize records new dimensions. Content is not reflowed.
func (e *Emulator) Resize(cols, rows int) {
	if e.disposed || cols <= 0 || rows <= 0 {
		return
	}
	e.cols = cols
	e.rows = rows
}

func (e *Emulator) Size() (cols, rows int) { return e.cols, e.rows }

func (e *Emulator) SetCwd(path string) {
	if e.disposed {
		return
	}
	e.tracker.SetCwd(path)
}

func (e *Emulator) Cwd() (string, bool) {
	return e.tracker.Cwd()
}

func (e *Emulator) Modes() modes.Modes { return e.tracker.Modes() }

// Snapshot returns the current transferable state. Rehydrate sequences are
// derived on demand by diffing the mode record against power-on defaults.
func (e *Emulator) Snapshot() Snapshot {
	content := e.buf.Contents()
	snap := Snapshot{
		SnapshotANSI:       string(content),
		RehydrateSequences: e.tracker.Modes().RehydrateSequences(),
		Modes:              e.tracker.Modes(),
		Cols:               e.cols,
		Rows:               e.rows,
		ScrollbackLines:    bytes.Count(content, []byte{'\n'}),
	}
	if cwd, ok := e.tracker.Cwd(); ok {
		snap.Cwd = &cwd
	}
	return snap
}

// Clear empties the scrollback buffer, leaving modes intact.
func (e *Emulator) Clear() {
	if e.disposed {
		return
	}
	e.buf.Clear()
}

// Reset clears the buffer and restores all modes to defaults.
func (e *Emulator) Reset() {
	if e.disposed {
		return
	}
	e.buf.Clear()
	e.tracker.Reset()
}

// Dispose releases buffer memory. Idempotent; all operations become no-ops
// afterwards.
func (e *Emulator) Dispose() {
	if e.disposed {
		return
	}
	e.disposed = true
	e.buf.Clear()
}
