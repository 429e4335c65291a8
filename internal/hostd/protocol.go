package hostd

import (
	"encoding/json"
	"fmt"

	"github.com/renkert/termhostd/internal/emulator"
	"github.com/renkert/termhostd/internal/session"
)

// ProtocolVersion is bumped on any wire-incompatible change. The handshake
// rejects mismatches explicitly so clients can tell "upgrade your client"
// apart from "wrong token".
const ProtocolVersion = 1

// Request type identifiers.
const (
	TypeHello           = "hello"
	TypeCreateOrAttach  = "createOrAttach"
	TypeWrite           = "write"
	TypeResize          = "resize"
	TypeDetach          = "detach"
	TypeKill            = "kill"
	TypeKillAll         = "killAll"
	TypeListSessions    = "listSessions"
	TypeClearScrollback = "clearScrollback"
)

// Event identifiers for unsolicited session-scoped envelopes.
const (
	EventData = "data"
	EventExit = "exit"
)

// Error codes observed at the protocol boundary.
const (
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodeUnknownRequest   = "UNKNOWN_REQUEST"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeSessionNotFound  = "SESSION_NOT_FOUND"
	CodePTYError         = "PTY_ERROR"
	CodeEventOverflow    = "EVENT_OVERFLOW"
)

// Request is the inbound envelope: one JSON object per line.
type Request struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the outbound reply envelope.
type Response struct {
	ID      string     `json:"id"`
	OK      bool       `json:"ok"`
	Payload any        `json:"payload,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries a machine code and a human message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func protoErr(code, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EventEnvelope is the unsolicited session-scoped frame.
type EventEnvelope struct {
	Type      string `json:"type"` // always "event"
	Event     string `json:"event"`
	SessionID string `json:"sessionId"`
	Payload   any    `json:"payload,omitempty"`
}

// HelloRequest begins a connection handshake.
type HelloRequest struct {
	ProtocolVersion int    `json:"protocolVersion"`
	Token           string `json:"token"`
}

// HelloResponse acknowledges the handshake.
type HelloResponse struct {
	ProtocolVersion int    `json:"protocolVersion"`
	DaemonVersion   string `json:"daemonVersion"`
	DaemonPID       int    `json:"daemonPid"`
}

// CreateOrAttachRequest creates a session or attaches to a live one.
type CreateOrAttachRequest struct {
	SessionID       string            `json:"sessionId"`
	WorkspaceID     string            `json:"workspaceId"`
	PaneID          string            `json:"paneId"`
	TabID           string            `json:"tabId"`
	Cols            int               `json:"cols"`
	Rows            int               `json:"rows"`
	Cwd             string            `json:"cwd,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
	Shell           string            `json:"shell,omitempty"`
	InitialCommands []string          `json:"initialCommands,omitempty"`
	AllowKilled     bool              `json:"allowKilled,omitempty"`
}

// CreateOrAttachResponse reports the attach outcome and the priming snapshot.
type CreateOrAttachResponse struct {
	IsNew        bool              `json:"isNew"`
	Snapshot     emulator.Snapshot `json:"snapshot"`
	WasRecovered bool              `json:"wasRecovered"`
}

// WriteRequest forwards client keystrokes to the PTY.
type WriteRequest struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// ResizeRequest updates session dimensions.
type ResizeRequest struct {
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// SessionRequest addresses a single session by id.
type SessionRequest struct {
	SessionID string `json:"sessionId"`
	Signal    string `json:"signal,omitempty"`
}

// SuccessResponse is the unit response for mutating requests.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ListSessionsResponse returns session listing views.
type ListSessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
}

// DataEventPayload carries PTY output.
type DataEventPayload struct {
	Data string `json:"data"`
}

// ExitEventPayload carries the recorded exit status.
type ExitEventPayload struct {
	ExitCode int     `json:"exitCode"`
	Signal   *string `json:"signal,omitempty"`
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}
