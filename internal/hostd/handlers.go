package hostd

import (
	"errors"
	"log/slog"
	"os"

	"github.com/renkert/termhostd/internal/session"
)

type handlerFunc func(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo)

var requestHandlers = map[string]handlerFunc{
	TypeHello:           handleHello,
	TypeCreateOrAttach:  handleCreateOrAttach,
	TypeWrite:           handleWrite,
	TypeResize:          handleResize,
	TypeDetach:          handleDetach,
	TypeKill:            handleKill,
	TypeKillAll:         handleKillAll,
	TypeListSessions:    handleListSessions,
	TypeClearScrollback: handleClearScrollback,
}

// handleRequest dispatches one request and always produces a response; a
// panicking handler must not take the daemon down with it.
func (d *Daemon) handleRequest(client *clientConn, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("request handler panicked", "type", req.Type, "panic", r)
			resp = Response{ID: req.ID, Error: protoErr(CodeInternalError, "internal error: %v", r)}
		}
	}()

	handler, ok := requestHandlers[req.Type]
	if !ok {
		return Response{ID: req.ID, Error: protoErr(CodeUnknownRequest, "unknown request type %q", req.Type)}
	}
	if req.Type != TypeHello && !client.authenticated.Load() {
		return Response{ID: req.ID, Error: protoErr(CodeNotAuthenticated, "hello handshake required")}
	}

	payload, errInfo := handler(d, client, req)
	if errInfo != nil {
		return Response{ID: req.ID, Error: errInfo}
	}
	return Response{ID: req.ID, OK: true, Payload: payload}
}

func handleHello(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	hello, err := decodePayload[HelloRequest](req.Payload)
	if err != nil {
		return nil, protoErr(CodeInternalError, "%v", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return nil, protoErr(CodeProtocolMismatch, "daemon speaks protocol %d, client sent %d", ProtocolVersion, hello.ProtocolVersion)
	}
	if !tokenEqual(hello.Token, d.token) {
		return nil, protoErr(CodeAuthFailed, "invalid auth token")
	}
	client.authenticated.Store(true)
	return HelloResponse{
		ProtocolVersion: ProtocolVersion,
		DaemonVersion:   d.version,
		DaemonPID:       os.Getpid(),
	}, nil
}

func handleCreateOrAttach(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	p, err := decodePayload[CreateOrAttachRequest](req.Payload)
	if err != nil {
		return nil, protoErr(CodeInternalError, "%v", err)
	}
	res, err := d.manager.CreateOrAttach(client.id, session.CreateOrAttachRequest{
		Meta: session.Meta{
			SessionID:   p.SessionID,
			WorkspaceID: p.WorkspaceID,
			PaneID:      p.PaneID,
			TabID:       p.TabID,
		},
		Cols:            p.Cols,
		Rows:            p.Rows,
		Cwd:             p.Cwd,
		Env:             p.Env,
		Shell:           p.Shell,
		InitialCommands: p.InitialCommands,
		AllowKilled:     p.AllowKilled,
	})
	if err != nil {
		return nil, sessionErr(err)
	}
	if res.Attachment != nil {
		d.wg.Add(1)
		go d.forwardEvents(client, res.Attachment)
	}
	return CreateOrAttachResponse{
		IsNew:        res.IsNew,
		Snapshot:     res.Snapshot,
		WasRecovered: res.WasRecovered,
	}, nil
}

func handleWrite(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	p, err := decodePayload[WriteRequest](req.Payload)
	if err != nil {
		return nil, protoErr(CodeInternalError, "%v", err)
	}
	if err := d.manager.Write(p.SessionID, []byte(p.Data)); err != nil {
		return nil, sessionErr(err)
	}
	return SuccessResponse{Success: true}, nil
}

func handleResize(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	p, err := decodePayload[ResizeRequest](req.Payload)
	if err != nil {
		return nil, protoErr(CodeInternalError, "%v", err)
	}
	if err := d.manager.Resize(p.SessionID, p.Cols, p.Rows); err != nil {
		return nil, sessionErr(err)
	}
	return SuccessResponse{Success: true}, nil
}

func handleDetach(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	p, err := decodePayload[SessionRequest](req.Payload)
	if err != nil {
		return nil, protoErr(CodeInternalError, "%v", err)
	}
	d.manager.Detach(p.SessionID, client.id)
	return SuccessResponse{Success: true}, nil
}

func handleKill(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	p, err := decodePayload[SessionRequest](req.Payload)
	if err != nil {
		return nil, protoErr(CodeInternalError, "%v", err)
	}
	if err := d.manager.Kill(p.SessionID, p.Signal); err != nil {
		return nil, sessionErr(err)
	}
	return SuccessResponse{Success: true}, nil
}

func handleKillAll(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	d.manager.KillAll()
	return SuccessResponse{Success: true}, nil
}

func handleListSessions(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	return ListSessionsResponse{Sessions: d.manager.List()}, nil
}

func handleClearScrollback(d *Daemon, client *clientConn, req Request) (any, *ErrorInfo) {
	p, err := decodePayload[SessionRequest](req.Payload)
	if err != nil {
		return nil, protoErr(CodeInternalError, "%v", err)
	}
	d.manager.ClearScrollback(p.SessionID)
	return SuccessResponse{Success: true}, nil
}

func sessionErr(err error) *ErrorInfo {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return protoErr(CodeSessionNotFound, "Session not found")
	case errors.Is(err, session.ErrNotSpawned):
		return protoErr(CodePTYError, "Session has no PTY")
	default:
		return protoErr(CodePTYError, "%v", err)
	}
}
