package hostd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/renkert/termhostd/internal/session"
)

type testDaemon struct {
	daemon *Daemon
	socket string
	pid    string
	token  string
}

func startTestDaemon(t *testing.T) testDaemon {
	t.Helper()
	dir := t.TempDir()
	cfg := DaemonConfig{
		Version:    "test",
		SocketPath: filepath.Join(dir, "d.sock"),
		PidPath:    filepath.Join(dir, "d.pid"),
		TokenPath:  filepath.Join(dir, "token"),
		Manager: session.ManagerConfig{
			CleanupDelay: 50 * time.Millisecond,
			SettleDelay:  10 * time.Millisecond,
		},
	}
	d, err := NewDaemon(cfg)
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop() })
	data, err := os.ReadFile(cfg.TokenPath)
	if err != nil {
		t.Fatalf("read token: %v", err)
	}
	return testDaemon{
		daemon: d,
		socket: cfg.SocketPath,
		pid:    cfg.PidPath,
		token:  strings.TrimSpace(string(data)),
	}
}

func dialTest(t *testing.T, td testDaemon) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, td.socket, td.token)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// mustAttach creates a shell session, skipping the test when the environment
// cannot allocate PTYs.
func mustAttach(t *testing.T, client *Client, id string, req CreateOrAttachRequest) CreateOrAttachResponse {
	t.Helper()
	req.SessionID = id
	if req.Cols == 0 {
		req.Cols, req.Rows = 80, 24
	}
	if req.Shell == "" {
		req.Shell = "/bin/sh"
	}
	resp, err := client.CreateOrAttach(context.Background(), req)
	if err != nil {
		var info *ErrorInfo
		if errors.As(err, &info) && info.Code == CodePTYError {
			t.Skipf("no PTY available: %v", err)
		}
		t.Fatalf("CreateOrAttach: %v", err)
	}
	return resp
}

func TestHelloHandshake(t *testing.T) {
	td := startTestDaemon(t)
	client := dialTest(t, td)

	sessions, err := client.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty session list, got %d", len(sessions))
	}
}

func TestHelloBadToken(t *testing.T) {
	td := startTestDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, td.socket, "wrong-token")
	var info *ErrorInfo
	if !errors.As(err, &info) || info.Code != CodeAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %v", err)
	}
}

func TestHelloVersionMismatch(t *testing.T) {
	td := startTestDaemon(t)
	resp := rawRequest(t, td, Request{ID: "1", Type: TypeHello},
		HelloRequest{ProtocolVersion: ProtocolVersion + 1, Token: td.token})
	if resp.Error == nil || resp.Error.Code != CodeProtocolMismatch {
		t.Fatalf("expected PROTOCOL_MISMATCH, got %+v", resp)
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	td := startTestDaemon(t)
	resp := rawRequest(t, td, Request{ID: "1", Type: TypeListSessions}, nil)
	if resp.Error == nil || resp.Error.Code != CodeNotAuthenticated {
		t.Fatalf("expected NOT_AUTHENTICATED, got %+v", resp)
	}
}

func TestUnknownRequestType(t *testing.T) {
	td := startTestDaemon(t)
	resp := rawRequest(t, td, Request{ID: "1", Type: "dancePlease"}, nil)
	if resp.Error == nil || resp.Error.Code != CodeUnknownRequest {
		t.Fatalf("expected UNKNOWN_REQUEST, got %+v", resp)
	}
}

// rawRequest speaks raw NDJSON to exercise protocol-boundary behavior the
// typed client would refuse to send.
func rawRequest(t *testing.T, td testDaemon, req Request, payload any) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", td.socket, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		req.Payload = raw
	}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var frame inboundFrame
	if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return Response{ID: frame.ID, OK: frame.OK, Payload: frame.Payload, Error: frame.Error}
}

func TestMalformedLineIsDropped(t *testing.T) {
	td := startTestDaemon(t)
	conn, err := net.DialTimeout("unix", td.socket, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("this is not json\n")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	raw, _ := json.Marshal(HelloRequest{ProtocolVersion: ProtocolVersion, Token: td.token})
	line, _ := json.Marshal(Request{ID: "1", Type: TypeHello, Payload: raw})
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("connection dropped after malformed line: %v", scanner.Err())
	}
	var frame inboundFrame
	if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !frame.OK {
		t.Fatalf("hello after garbage failed: %+v", frame.Error)
	}
}

type logSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *logSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestOversizedLineDropsConnectionWithTrace(t *testing.T) {
	sink := &logSink{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(sink, &slog.HandlerOptions{Level: slog.LevelWarn})))
	defer slog.SetDefault(prev)

	td := startTestDaemon(t)
	conn, err := net.DialTimeout("unix", td.socket, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// One line over the frame limit; no newline needed, the reader gives
	// up once its buffer is full.
	chunk := bytes.Repeat([]byte("a"), 64*1024)
	for written := 0; written <= maxLineBytes; {
		n, err := conn.Write(chunk)
		written += n
		if err != nil {
			break // daemon already hung up
		}
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected connection to be closed")
	}
	// The connection close happens after the read loop logs, so the trace
	// must be visible by now.
	if got := sink.String(); !strings.Contains(got, "read error") {
		t.Fatalf("oversized line dropped without a trace; log: %q", got)
	}
}

func TestCreateWriteEcho(t *testing.T) {
	td := startTestDaemon(t)
	client := dialTest(t, td)

	resp := mustAttach(t, client, "echo-1", CreateOrAttachRequest{})
	if !resp.IsNew {
		t.Fatalf("expected new session")
	}

	ctx := context.Background()
	if err := client.Write(ctx, "echo-1", []byte("printf 'marker-%s\\n' done\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var got []byte
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				t.Fatalf("event stream closed; collected %q", got)
			}
			if ev.Event == EventData {
				got = append(got, ev.Data...)
				if strings.Contains(string(got), "marker-done") {
					return
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for echo; collected %q", got)
		}
	}
}

func TestExitEventDelivered(t *testing.T) {
	td := startTestDaemon(t)
	client := dialTest(t, td)

	mustAttach(t, client, "exit-1", CreateOrAttachRequest{})
	if err := client.Write(context.Background(), "exit-1", []byte("exit 3\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				t.Fatalf("event stream closed before exit event")
			}
			if ev.Event == EventExit {
				if ev.ExitCode != 3 {
					t.Fatalf("exit code = %d, want 3", ev.ExitCode)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for exit event")
		}
	}
}

func TestListKillAndClear(t *testing.T) {
	td := startTestDaemon(t)
	client := dialTest(t, td)
	ctx := context.Background()

	mustAttach(t, client, "lk-1", CreateOrAttachRequest{WorkspaceID: "ws", PaneID: "p1"})
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "lk-1" || sessions[0].WorkspaceID != "ws" {
		t.Fatalf("unexpected listing: %+v", sessions)
	}

	if err := client.ClearScrollback(ctx, "lk-1"); err != nil {
		t.Fatalf("ClearScrollback: %v", err)
	}
	if err := client.Kill(ctx, "lk-1", "SIGKILL"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
}

func TestWriteUnknownSession(t *testing.T) {
	td := startTestDaemon(t)
	client := dialTest(t, td)
	err := client.Write(context.Background(), "ghost", []byte("x"))
	var info *ErrorInfo
	if !errors.As(err, &info) || info.Code != CodeSessionNotFound {
		t.Fatalf("expected SESSION_NOT_FOUND, got %v", err)
	}
}

func TestReattachReplaysSnapshot(t *testing.T) {
	td := startTestDaemon(t)
	first := dialTest(t, td)
	ctx := context.Background()

	mustAttach(t, first, "re-1", CreateOrAttachRequest{})
	if err := first.Write(ctx, "re-1", []byte("printf 'before-detach\\n'\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitForData(t, first, "before-detach")
	if err := first.Detach(ctx, "re-1"); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	_ = first.Close()

	second := dialTest(t, td)
	resp := mustAttach(t, second, "re-1", CreateOrAttachRequest{})
	if resp.IsNew {
		t.Fatalf("expected attach to existing session")
	}
	if !strings.Contains(resp.Snapshot.SnapshotANSI, "before-detach") {
		t.Fatalf("snapshot missing pre-detach output")
	}
}

func TestSecondDaemonRefusesLiveSocket(t *testing.T) {
	td := startTestDaemon(t)
	second, err := NewDaemon(DaemonConfig{
		Version:    "test",
		SocketPath: td.socket,
		PidPath:    td.pid + ".second",
		TokenPath:  filepath.Join(filepath.Dir(td.socket), "token"),
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if err := second.Start(); err == nil {
		_ = second.Stop()
		t.Fatalf("expected start to fail on live socket")
	}
}

func TestStaleSocketIsReplaced(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "stale.sock")
	// An orphaned path nothing listens on: the probe fails, so startup
	// should remove it and bind fresh.
	if err := os.WriteFile(sock, nil, 0o600); err != nil {
		t.Fatalf("plant stale socket: %v", err)
	}

	d, err := NewDaemon(DaemonConfig{
		Version:    "test",
		SocketPath: sock,
		PidPath:    filepath.Join(dir, "d.pid"),
		TokenPath:  filepath.Join(dir, "token"),
	})
	if err != nil {
		t.Fatalf("NewDaemon: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start over stale socket: %v", err)
	}
	_ = d.Stop()
}

func TestTokenFilePersistsAndLocksDown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	tok1, err := loadOrCreateToken(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	if len(tok1) != 32 {
		t.Fatalf("token length = %d, want 32 hex chars", len(tok1))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("token file mode = %o, want 600", perm)
	}
	tok2, err := loadOrCreateToken(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("token changed between loads")
	}
}

func TestClientDisconnectDetachesSessions(t *testing.T) {
	td := startTestDaemon(t)
	client := dialTest(t, td)
	ctx := context.Background()

	mustAttach(t, client, "dc-1", CreateOrAttachRequest{})
	_ = client.Close()

	// The session stays alive; only the attachment count drops.
	other := dialTest(t, td)
	deadline := time.Now().Add(2 * time.Second)
	for {
		sessions, err := other.ListSessions(ctx)
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) == 1 && sessions[0].AttachedClients == 0 {
			if !sessions[0].IsAlive {
				t.Fatalf("session died on client disconnect")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("attachment not released: %+v", sessions)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func waitForData(t *testing.T, client *Client, marker string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var got []byte
	for {
		select {
		case ev, ok := <-client.Events():
			if !ok {
				t.Fatalf("event stream closed; collected %q", got)
			}
			if ev.Event == EventData {
				got = append(got, ev.Data...)
				if strings.Contains(string(got), marker) {
					return
				}
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; collected %q", marker, got)
		}
	}
}

func TestReadPidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pid")
	if _, err := ReadPidFile(path); err == nil {
		t.Fatalf("expected error for missing pid file")
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", 4242)), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	pid, err := ReadPidFile(path)
	if err != nil {
		t.Fatalf("ReadPidFile: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("pid = %d, want 4242", pid)
	}
}
