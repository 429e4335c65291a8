package session

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		CleanupDelay: 50 * time.Millisecond,
		SettleDelay:  10 * time.Millisecond,
	})
	t.Cleanup(m.Close)
	return m
}

func mustCreate(t *testing.T, m *Manager, clientID, sessionID, shell string) CreateOrAttachResult {
	t.Helper()
	res, err := m.CreateOrAttach(clientID, CreateOrAttachRequest{
		Meta:  Meta{SessionID: sessionID, WorkspaceID: "ws", PaneID: "p1"},
		Cols:  80,
		Rows:  24,
		Shell: shell,
	})
	if err != nil {
		t.Skipf("no PTY available: %v", err)
	}
	return res
}

func TestCreateOrAttachNew(t *testing.T) {
	m := newTestManager(t)
	res := mustCreate(t, m, "c1", "s1", "/bin/sh")
	if !res.IsNew || res.WasRecovered {
		t.Fatalf("isNew=%v wasRecovered=%v", res.IsNew, res.WasRecovered)
	}
	infos := m.List()
	if len(infos) != 1 || infos[0].SessionID != "s1" || !infos[0].IsAlive || infos[0].AttachedClients != 1 {
		t.Fatalf("list = %+v", infos)
	}
}

func TestCreateOrAttachReattach(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "c1", "s1", "/bin/sh")
	res := mustCreate(t, m, "c2", "s1", "/bin/sh")
	if res.IsNew {
		t.Fatalf("reattach reported isNew")
	}
	if got := m.List()[0].AttachedClients; got != 2 {
		t.Fatalf("attached clients = %d", got)
	}
}

func TestCreateOrAttachEmptyID(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateOrAttach("c1", CreateOrAttachRequest{}); err == nil {
		t.Fatalf("expected error for empty session id")
	}
}

func TestCreateOrAttachSelfHeals(t *testing.T) {
	m := newTestManager(t)
	res := mustCreate(t, m, "c1", "s1", "/bin/sh -c true")
	waitFor(t, 5*time.Second, "exit", func() bool {
		infos := m.List()
		return len(infos) == 1 && !infos[0].IsAlive
	})
	_ = res

	// The exited session is disposed and recreated under the same id.
	res2 := mustCreate(t, m, "c1", "s1", "/bin/sh")
	if !res2.IsNew || !res2.WasRecovered {
		t.Fatalf("isNew=%v wasRecovered=%v", res2.IsNew, res2.WasRecovered)
	}
}

func TestAllowKilledAttachesToExited(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "c1", "s1", "/bin/sh -c 'printf last-words'")
	waitFor(t, 5*time.Second, "exit", func() bool {
		infos := m.List()
		return len(infos) == 1 && !infos[0].IsAlive
	})
	res, err := m.CreateOrAttach("c2", CreateOrAttachRequest{
		Meta:        Meta{SessionID: "s1"},
		Cols:        80,
		Rows:        24,
		AllowKilled: true,
	})
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if res.IsNew || res.WasRecovered {
		t.Fatalf("allowKilled recreated the session")
	}
	if !strings.Contains(res.Snapshot.SnapshotANSI, "last-words") {
		t.Fatalf("snapshot lost final output: %q", res.Snapshot.SnapshotANSI)
	}
}

func TestCleanupLiveness(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "c1", "s1", "/bin/sh -c true")
	waitFor(t, 5*time.Second, "exit", func() bool {
		infos := m.List()
		return len(infos) == 1 && !infos[0].IsAlive
	})

	// Attached client: session must survive cleanup cycles.
	time.Sleep(200 * time.Millisecond)
	if len(m.List()) != 1 {
		t.Fatalf("session reaped while a client was attached")
	}

	// Detach to zero: removed within one cleanup cycle.
	m.Detach("s1", "c1")
	waitFor(t, 2*time.Second, "reap", func() bool { return len(m.List()) == 0 })
}

func TestAttachLosesRaceWithReaper(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "c1", "s1", "/bin/sh -c true")
	waitFor(t, 5*time.Second, "exit", func() bool {
		infos := m.List()
		return len(infos) == 1 && !infos[0].IsAlive
	})

	// Interleave an attach with the reaper: hold a handle looked up before
	// the last client detaches, then dispose via that detach. The stale
	// handle must refuse the attach instead of registering a subscription
	// on a dead session.
	stale := m.lookup("s1")
	m.Detach("s1", "c1")
	if _, _, err := stale.Attach("c2"); !errors.Is(err, ErrDisposed) {
		t.Fatalf("attach on disposed session = %v, want ErrDisposed", err)
	}
	if stale.AttachedCount() != 0 {
		t.Fatalf("disposed session holds %d attachments", stale.AttachedCount())
	}

	// The id is free again: the next createOrAttach builds a fresh session.
	res, err := m.CreateOrAttach("c2", CreateOrAttachRequest{
		Meta:        Meta{SessionID: "s1"},
		Cols:        80,
		Rows:        24,
		Shell:       "/bin/sh",
		AllowKilled: true,
	})
	if err != nil {
		t.Fatalf("CreateOrAttach: %v", err)
	}
	if !res.IsNew {
		t.Fatalf("attached to a disposed session instead of recreating")
	}
}

func TestDetachClientImplicit(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "c1", "s1", "/bin/sh")
	mustCreate(t, m, "c1", "s2", "/bin/sh")
	m.DetachClient("c1")
	for _, info := range m.List() {
		if info.AttachedClients != 0 {
			t.Fatalf("phantom attachment on %s", info.SessionID)
		}
	}
}

func TestManagerOpsIdempotentOnMissing(t *testing.T) {
	m := newTestManager(t)
	if err := m.Kill("ghost", ""); err != nil {
		t.Fatalf("kill missing: %v", err)
	}
	m.Detach("ghost", "c1")
	m.ClearScrollback("ghost")
	m.KillAll()
}

func TestWriteUnknownSession(t *testing.T) {
	m := newTestManager(t)
	if err := m.Write("ghost", []byte("x")); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if err := m.Resize("ghost", 80, 24); err != ErrNotFound {
		t.Fatalf("resize err = %v, want ErrNotFound", err)
	}
}

func TestKillRemovesAsynchronously(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "c1", "s1", "/bin/sh")
	if err := m.Kill("s1", "KILL"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	// Not gone synchronously: removal happens via the exit callback.
	if len(m.List()) != 1 {
		t.Fatalf("session removed synchronously by kill")
	}
	m.Detach("s1", "c1")
	waitFor(t, 5*time.Second, "reap after kill", func() bool { return len(m.List()) == 0 })
}

func TestClearScrollback(t *testing.T) {
	m := newTestManager(t)
	res := mustCreate(t, m, "c1", "s1", "/bin/sh -c 'printf wipe-me; sleep 1'")
	_ = res
	waitFor(t, 5*time.Second, "output", func() bool {
		s := m.lookup("s1")
		return s != nil && strings.Contains(s.Snapshot().SnapshotANSI, "wipe-me")
	})
	m.ClearScrollback("s1")
	if got := m.lookup("s1").Snapshot().SnapshotANSI; strings.Contains(got, "wipe-me") {
		t.Fatalf("scrollback not cleared: %q", got)
	}
}

func TestInitialCommands(t *testing.T) {
	m := newTestManager(t)
	res, err := m.CreateOrAttach("c1", CreateOrAttachRequest{
		Meta:            Meta{SessionID: "s1"},
		Cols:            80,
		Rows:            24,
		Shell:           "/bin/sh",
		InitialCommands: []string{"echo init-done-token"},
	})
	if err != nil {
		t.Skipf("no PTY available: %v", err)
	}
	_ = res
	waitFor(t, 5*time.Second, "initial command output", func() bool {
		s := m.lookup("s1")
		return s != nil && strings.Contains(s.Snapshot().SnapshotANSI, "init-done-token")
	})
}

func TestParseSignal(t *testing.T) {
	cases := map[string]syscall.Signal{
		"":        syscall.SIGTERM,
		"TERM":    syscall.SIGTERM,
		"SIGKILL": syscall.SIGKILL,
		"kill":    syscall.SIGKILL,
		"SIGHUP":  syscall.SIGHUP,
		"bogus":   syscall.SIGTERM,
	}
	for name, want := range cases {
		if got := parseSignal(name); got != want {
			t.Errorf("parseSignal(%q) = %v, want %v", name, got, want)
		}
	}
}
