package hostd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/renkert/termhostd/internal/session"
)

const (
	defaultWriteTimeout = 5 * time.Second
	// maxLineBytes bounds a single NDJSON frame. Large pastes arrive as
	// write requests, so this has to be roomy.
	maxLineBytes = 16 << 20
)

// DaemonConfig configures a daemon instance.
type DaemonConfig struct {
	Version       string
	SocketPath    string
	PidPath       string
	TokenPath     string
	HandleSignals bool
	Manager       session.ManagerConfig
}

// Daemon owns persistent PTY sessions and serves clients over a unix socket.
type Daemon struct {
	manager    *session.Manager
	listener   net.Listener
	listenerMu sync.RWMutex
	socketPath string
	pidPath    string
	tokenPath  string
	token      string
	version    string

	ctx    context.Context
	cancel context.CancelFunc

	clients   map[string]*clientConn
	clientsMu sync.RWMutex

	closing atomic.Bool
	wg      sync.WaitGroup
}

type clientConn struct {
	id            string
	conn          net.Conn
	respCh        chan []byte
	eventCh       chan []byte
	done          chan struct{}
	authenticated atomic.Bool
}

// NewDaemon creates a daemon instance.
func NewDaemon(cfg DaemonConfig) (*Daemon, error) {
	socketPath := cfg.SocketPath
	if socketPath == "" {
		path, err := DefaultSocketPath()
		if err != nil {
			return nil, err
		}
		socketPath = path
	}
	pidPath := cfg.PidPath
	if pidPath == "" {
		path, err := DefaultPidPath()
		if err != nil {
			return nil, err
		}
		pidPath = path
	}
	tokenPath := cfg.TokenPath
	if tokenPath == "" {
		path, err := DefaultTokenPath()
		if err != nil {
			return nil, err
		}
		tokenPath = path
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		manager:    session.NewManager(cfg.Manager),
		socketPath: socketPath,
		pidPath:    pidPath,
		tokenPath:  tokenPath,
		version:    cfg.Version,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*clientConn),
	}
	if cfg.HandleSignals {
		d.handleSignals()
	}
	return d, nil
}

// Start begins listening for client connections.
func (d *Daemon) Start() error {
	if d == nil {
		return errors.New("hostd: daemon is nil")
	}
	if err := ensureSocketDir(d.socketPath); err != nil {
		return err
	}
	token, err := loadOrCreateToken(d.tokenPath)
	if err != nil {
		return err
	}
	d.token = token
	if err := d.removeStaleSocket(); err != nil {
		return err
	}
	listener, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("hostd: listen on %s: %w", d.socketPath, err)
	}
	d.setListener(listener)
	if err := os.Chmod(d.socketPath, 0o700); err != nil {
		_ = listener.Close()
		return fmt.Errorf("hostd: chmod socket: %w", err)
	}
	if err := d.writePidFile(); err != nil {
		_ = listener.Close()
		return err
	}

	d.wg.Add(1)
	go d.acceptLoop()

	slog.Info("daemon listening", "socket", d.socketPath, "pid", os.Getpid())
	return nil
}

// Run starts the daemon and blocks until it is stopped.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	<-d.ctx.Done()
	return d.shutdown()
}

// Stop signals the daemon to shut down.
func (d *Daemon) Stop() error {
	if d == nil {
		return nil
	}
	if d.closing.Swap(true) {
		return nil
	}
	d.cancel()
	return d.shutdown()
}

func (d *Daemon) shutdown() error {
	if listener := d.clearListener(); listener != nil {
		_ = listener.Close()
	}

	d.clientsMu.Lock()
	for _, client := range d.clients {
		closeClient(client)
	}
	d.clients = make(map[string]*clientConn)
	d.clientsMu.Unlock()

	d.manager.Close()

	d.wg.Wait()

	_ = os.Remove(d.socketPath)
	_ = os.Remove(d.pidPath)
	slog.Info("daemon stopped")
	return nil
}

func (d *Daemon) acceptLoop() {
	defer d.wg.Done()
	listener := d.listenerValue()
	if listener == nil {
		return
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			if d.closing.Load() {
				return
			}
			continue
		}
		client := d.newClient(conn)
		d.registerClient(client)
		d.wg.Add(1)
		go d.readLoop(client)
		d.wg.Add(1)
		go d.writeLoop(client)
	}
}

func (d *Daemon) setListener(listener net.Listener) {
	d.listenerMu.Lock()
	d.listener = listener
	d.listenerMu.Unlock()
}

func (d *Daemon) listenerValue() net.Listener {
	d.listenerMu.RLock()
	listener := d.listener
	d.listenerMu.RUnlock()
	return listener
}

func (d *Daemon) clearListener() net.Listener {
	d.listenerMu.Lock()
	listener := d.listener
	d.listener = nil
	d.listenerMu.Unlock()
	return listener
}

func (d *Daemon) newClient(conn net.Conn) *clientConn {
	return &clientConn{
		id:      uuid.NewString(),
		conn:    conn,
		respCh:  make(chan []byte, 64),
		eventCh: make(chan []byte, 128),
		done:    make(chan struct{}),
	}
}

func (d *Daemon) registerClient(client *clientConn) {
	d.clientsMu.Lock()
	d.clients[client.id] = client
	d.clientsMu.Unlock()
}

func (d *Daemon) removeClient(client *clientConn) {
	d.clientsMu.Lock()
	delete(d.clients, client.id)
	d.clientsMu.Unlock()
}

// readLoop consumes newline-delimited JSON requests. A line that fails to
// parse is dropped; the connection stays up.
func (d *Daemon) readLoop(client *clientConn) {
	defer d.wg.Done()
	defer d.shutdownClientConn(client)
	scanner := bufio.NewScanner(client.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			slog.Debug("dropping malformed request line", "client", client.id, "err", err)
			continue
		}
		resp := d.handleRequest(client, req)
		if err := sendResponse(client, resp); err != nil {
			return
		}
	}
	// A scan error ends the connection without an error frame, so leave a
	// trace of why the client was dropped (e.g. a line over maxLineBytes).
	if err := scanner.Err(); err != nil && !d.closing.Load() {
		slog.Warn("dropping client after read error", "client", client.id, "err", err)
	}
}

func (d *Daemon) writeLoop(client *clientConn) {
	defer d.wg.Done()
	for {
		select {
		case <-client.done:
			return
		case <-d.ctx.Done():
			return
		default:
		}

		// Responses take priority over buffered events.
		select {
		case line := <-client.respCh:
			if err := d.writeLine(client, line); err != nil {
				d.shutdownClientConn(client)
				return
			}
			continue
		default:
		}

		select {
		case line := <-client.respCh:
			if err := d.writeLine(client, line); err != nil {
				d.shutdownClientConn(client)
				return
			}
		case line := <-client.eventCh:
			if err := d.writeLine(client, line); err != nil {
				d.shutdownClientConn(client)
				return
			}
		case <-client.done:
			return
		case <-d.ctx.Done():
			return
		}
	}
}

func (d *Daemon) writeLine(client *clientConn, line []byte) error {
	if err := client.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout)); err != nil {
		return err
	}
	_, err := client.conn.Write(append(line, '\n'))
	return err
}

func sendResponse(client *clientConn, resp Response) error {
	line, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("hostd: encode response: %w", err)
	}
	select {
	case <-client.done:
		return errors.New("hostd: client closed")
	default:
	}
	select {
	case client.respCh <- line:
		return nil
	case <-client.done:
		return errors.New("hostd: client closed")
	case <-time.After(defaultWriteTimeout):
		return errors.New("hostd: client send timeout")
	}
}

// sendEvent pushes an event frame to the client writer. It blocks rather
// than drops: per-session backpressure already lives in the attachment
// channel, and reordering output frames is worse than waiting.
func (d *Daemon) sendEvent(client *clientConn, env EventEnvelope) error {
	line, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("hostd: encode event: %w", err)
	}
	select {
	case client.eventCh <- line:
		return nil
	case <-client.done:
		return errors.New("hostd: client closed")
	case <-d.ctx.Done():
		return errors.New("hostd: daemon closing")
	}
}

func closeClient(client *clientConn) {
	select {
	case <-client.done:
		return
	default:
		close(client.done)
	}
	if client.conn != nil {
		_ = client.conn.Close()
	}
}

func (d *Daemon) shutdownClientConn(client *clientConn) {
	if client == nil {
		return
	}
	d.removeClient(client)
	closeClient(client)
	// Implicit detach: a vanished client must not pin sessions alive.
	d.manager.DetachClient(client.id)
}

// forwardEvents relays one attachment's stream to the client connection.
// The loop ends when the session closes the channel, either on detach,
// session teardown, or the slow-consumer overflow drop.
func (d *Daemon) forwardEvents(client *clientConn, att *session.Attachment) {
	defer d.wg.Done()
	for ev := range att.Events() {
		env := EventEnvelope{Type: "event", SessionID: ev.SessionID}
		switch ev.Type {
		case session.EventData:
			env.Event = EventData
			env.Payload = DataEventPayload{Data: string(ev.Data)}
		case session.EventExit:
			env.Event = EventExit
			payload := ExitEventPayload{ExitCode: ev.ExitCode}
			if ev.Signal != "" {
				sig := ev.Signal
				payload.Signal = &sig
			}
			env.Payload = payload
		default:
			continue
		}
		if err := d.sendEvent(client, env); err != nil {
			return
		}
	}
	if att.Overflowed() {
		slog.Warn("dropping slow client", "client", client.id)
		line, err := json.Marshal(Response{
			OK:    false,
			Error: protoErr(CodeEventOverflow, "event buffer overflow, attachment dropped"),
		})
		if err == nil {
			select {
			case client.respCh <- line:
			case <-client.done:
			case <-time.After(defaultWriteTimeout):
			}
		}
		d.shutdownClientConn(client)
	}
}

func (d *Daemon) writePidFile() error {
	if d.pidPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(d.pidPath), 0o755); err != nil {
		return fmt.Errorf("hostd: create pid dir: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.pidPath, []byte(pid), 0o600); err != nil {
		return fmt.Errorf("hostd: write pid file: %w", err)
	}
	return nil
}

func (d *Daemon) removeStaleSocket() error {
	if _, err := os.Stat(d.socketPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("hostd: stat socket: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := probeDaemon(ctx, d.socketPath, d.token); err == nil {
		return fmt.Errorf("hostd: daemon already running on %s", d.socketPath)
	} else if errors.Is(err, ErrDaemonProbeTimeout) {
		return err
	}
	if err := os.Remove(d.socketPath); err != nil {
		return fmt.Errorf("hostd: remove stale socket: %w", err)
	}
	return nil
}

func ensureSocketDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("hostd: create socket dir: %w", err)
	}
	return nil
}
