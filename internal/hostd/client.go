package hostd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/renkert/termhostd/internal/session"
)

// ClientEvent is a decoded unsolicited frame from the daemon.
type ClientEvent struct {
	Event     string
	SessionID string
	Data      []byte
	ExitCode  int
	Signal    *string
	Err       *ErrorInfo
}

// Client is a daemon connection used by UI processes and the CLI.
type Client struct {
	conn       net.Conn
	socketPath string
	token      string

	pendingMu sync.Mutex
	pending   map[string]chan Response
	nextID    atomic.Uint64

	sendMu sync.Mutex
	events chan ClientEvent

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// Dial connects to a daemon and completes the hello handshake.
func Dial(ctx context.Context, socketPath, token string) (*Client, error) {
	conn, err := dialSocket(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	client := &Client{
		conn:       conn,
		socketPath: socketPath,
		token:      token,
		pending:    make(map[string]chan Response),
		events:     make(chan ClientEvent, 256),
		done:       make(chan struct{}),
	}
	go client.readLoop()
	if err := client.hello(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Close shuts down the client connection.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if c.closed.Swap(true) {
		return nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.pendingMu.Lock()
	for _, ch := range c.pending {
		close(ch)
	}
	c.pending = nil
	c.pendingMu.Unlock()
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}

// Events returns the stream of session events. The channel closes when the
// connection is lost.
func (c *Client) Events() <-chan ClientEvent {
	if c == nil {
		return nil
	}
	return c.events
}

func (c *Client) hello(ctx context.Context) error {
	var resp HelloResponse
	req := HelloRequest{ProtocolVersion: ProtocolVersion, Token: c.token}
	if err := c.call(ctx, TypeHello, req, &resp); err != nil {
		return fmt.Errorf("hostd: hello failed: %w", err)
	}
	return nil
}

// inboundFrame is the union shape of both response and event lines.
type inboundFrame struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	OK        bool            `json:"ok"`
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
	Error     *ErrorInfo      `json:"error"`
}

func (c *Client) readLoop() {
	defer close(c.events)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame inboundFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			continue
		}
		switch {
		case frame.Type == "event":
			c.deliverEvent(decodeClientEvent(frame))
		case frame.ID != "":
			c.pendingMu.Lock()
			ch := c.pending[frame.ID]
			delete(c.pending, frame.ID)
			c.pendingMu.Unlock()
			if ch != nil {
				ch <- Response{ID: frame.ID, OK: frame.OK, Payload: frame.Payload, Error: frame.Error}
				close(ch)
			}
		case frame.Error != nil:
			// Unsolicited error, e.g. the daemon dropping us as a slow
			// consumer. Surface it on the event stream.
			c.deliverEvent(ClientEvent{Event: "error", Err: frame.Error})
		}
	}
	_ = c.Close()
}

func decodeClientEvent(frame inboundFrame) ClientEvent {
	ev := ClientEvent{Event: frame.Event, SessionID: frame.SessionID}
	switch frame.Event {
	case EventData:
		var p DataEventPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			ev.Data = []byte(p.Data)
		}
	case EventExit:
		var p ExitEventPayload
		if json.Unmarshal(frame.Payload, &p) == nil {
			ev.ExitCode = p.ExitCode
			ev.Signal = p.Signal
		}
	}
	return ev
}

func (c *Client) deliverEvent(ev ClientEvent) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) call(ctx context.Context, reqType string, payload any, out any) error {
	if c == nil {
		return errors.New("hostd: client is nil")
	}
	if c.closed.Load() {
		return errors.New("hostd: client closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("hostd: encode request: %w", err)
	}
	respCh := make(chan Response, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return errors.New("hostd: client closed")
	}
	c.pending[id] = respCh
	c.pendingMu.Unlock()
	if err := c.send(ctx, Request{ID: id, Type: reqType, Payload: raw}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return err
	}
	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return ctx.Err()
	case resp, ok := <-respCh:
		if !ok {
			return errors.New("hostd: connection closed")
		}
		if resp.Error != nil {
			return resp.Error
		}
		if out != nil {
			raw, ok := resp.Payload.(json.RawMessage)
			if !ok {
				return errors.New("hostd: unexpected response payload")
			}
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, out); err != nil {
					return fmt.Errorf("hostd: decode response: %w", err)
				}
			}
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, req Request) error {
	if c.conn == nil {
		return errors.New("hostd: connection unavailable")
	}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(defaultWriteTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = c.conn.Write(append(line, '\n'))
	return err
}

// CreateOrAttach creates a session or attaches to an existing one.
func (c *Client) CreateOrAttach(ctx context.Context, req CreateOrAttachRequest) (CreateOrAttachResponse, error) {
	var resp CreateOrAttachResponse
	if err := c.call(ctx, TypeCreateOrAttach, req, &resp); err != nil {
		return CreateOrAttachResponse{}, err
	}
	return resp, nil
}

// Write forwards raw input bytes to a session's PTY.
func (c *Client) Write(ctx context.Context, sessionID string, data []byte) error {
	return c.call(ctx, TypeWrite, WriteRequest{SessionID: sessionID, Data: string(data)}, nil)
}

// Resize updates a session's PTY and emulator dimensions.
func (c *Client) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	return c.call(ctx, TypeResize, ResizeRequest{SessionID: sessionID, Cols: cols, Rows: rows}, nil)
}

// Detach unsubscribes this connection from a session's events.
func (c *Client) Detach(ctx context.Context, sessionID string) error {
	return c.call(ctx, TypeDetach, SessionRequest{SessionID: sessionID}, nil)
}

// Kill signals a session's process group.
func (c *Client) Kill(ctx context.Context, sessionID, signal string) error {
	return c.call(ctx, TypeKill, SessionRequest{SessionID: sessionID, Signal: signal}, nil)
}

// KillAll terminates every session.
func (c *Client) KillAll(ctx context.Context) error {
	return c.call(ctx, TypeKillAll, nil, nil)
}

// ListSessions returns listing views for all sessions.
func (c *Client) ListSessions(ctx context.Context) ([]session.Info, error) {
	var resp ListSessionsResponse
	if err := c.call(ctx, TypeListSessions, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// ClearScrollback clears a session's retained output log.
func (c *Client) ClearScrollback(ctx context.Context, sessionID string) error {
	return c.call(ctx, TypeClearScrollback, SessionRequest{SessionID: sessionID}, nil)
}

func dialSocket(ctx context.Context, socketPath string) (net.Conn, error) {
	d := net.Dialer{Timeout: 2 * time.Second}
	if ctx == nil {
		ctx = context.Background()
	}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("hostd: dial %s: %w", socketPath, err)
	}
	return conn, nil
}

// probeDaemon reports nil when a live daemon answers on the socket. Any
// response, even a protocol or auth error, proves a daemon is listening.
func probeDaemon(ctx context.Context, socketPath, token string) error {
	client, err := Dial(ctx, socketPath, token)
	if err != nil {
		var info *ErrorInfo
		if errors.As(err, &info) {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrDaemonProbeTimeout, err)
		}
		return err
	}
	return client.Close()
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
