// Package protocol defines the JSON messages exchanged with clients.
// Clients send one envelope shape with a type tag; the server replies
// with per-type messages. Terminal byte streams cross the wire base64
// encoded in both directions.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"time"
)

// Client message types.
const (
	TypeInput          = "input"
	TypeCreateSession  = "create-session"
	TypeCloseSession   = "close-session"
	TypeResize         = "resize"
	TypeStartRecording = "start-recording"
	TypeStopRecording  = "stop-recording"
	TypeGetContent     = "get-content"
	TypeListSessions   = "list-sessions"
)

// Server message types. TypeResize is used in both directions.
const (
	TypeOutput           = "output"
	TypeSessionCreated   = "session-created"
	TypeSessionClosed    = "session-closed"
	TypeRecordingStarted = "recording-started"
	TypeRecordingStopped = "recording-stopped"
	TypeContent          = "content"
	TypeSessionList      = "session-list"
	TypeError            = "error"
)

// Error codes carried by ErrorMessage.
const (
	CodeParseError      = "parse-error"
	CodeUnknownType     = "unknown-type"
	CodeSessionNotFound = "session-not-found"
	CodeSpawnFailed     = "spawn-failed"
	CodeSessionDisposed = "session-disposed"
	CodeNotImplemented  = "not-implemented"
	CodeBadPayload      = "bad-payload"
	CodeInternalError   = "internal-error"
)

// ClientMessage is the single envelope for everything a client sends.
// Which fields matter depends on Type.
type ClientMessage struct {
	Type      string            `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	Data      string            `json:"data,omitempty"` // base64 terminal input
	Cols      int               `json:"cols,omitempty"`
	Rows      int               `json:"rows,omitempty"`
	Shell     string            `json:"shell,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Filename  string            `json:"filename,omitempty"`
}

// ParseClient decodes one client envelope.
func ParseClient(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	err := json.Unmarshal(raw, &msg)
	return msg, err
}

// EncodeData encodes terminal bytes for the wire.
func EncodeData(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeData decodes base64 terminal bytes from the wire.
func DecodeData(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// OutputMessage carries terminal output to clients.
type OutputMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64
}

func NewOutput(sessionID string, data []byte) OutputMessage {
	return OutputMessage{Type: TypeOutput, SessionID: sessionID, Data: EncodeData(data)}
}

// SessionCreatedMessage acknowledges a new session.
type SessionCreatedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Shell     string `json:"shell"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func NewSessionCreated(sessionID, shell string, cols, rows int) SessionCreatedMessage {
	return SessionCreatedMessage{Type: TypeSessionCreated, SessionID: sessionID, Shell: shell, Cols: cols, Rows: rows}
}

// SessionClosedMessage reports a session ending. ExitCode stays in the
// JSON as null when the process died without one.
type SessionClosedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	ExitCode  *int   `json:"exitCode"`
}

func NewSessionClosed(sessionID string, exitCode *int) SessionClosedMessage {
	return SessionClosedMessage{Type: TypeSessionClosed, SessionID: sessionID, ExitCode: exitCode}
}

// ResizeMessage reports new terminal dimensions.
type ResizeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

func NewResize(sessionID string, cols, rows int) ResizeMessage {
	return ResizeMessage{Type: TypeResize, SessionID: sessionID, Cols: cols, Rows: rows}
}

// RecordingStartedMessage reports a transcript opening.
type RecordingStartedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Filename  string `json:"filename"`
}

func NewRecordingStarted(sessionID, filename string) RecordingStartedMessage {
	return RecordingStartedMessage{Type: TypeRecordingStarted, SessionID: sessionID, Filename: filename}
}

// RecordingStoppedMessage reports a transcript finalizing and whether it
// was kept.
type RecordingStoppedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Filename  string `json:"filename"`
	Saved     bool   `json:"saved"`
}

func NewRecordingStopped(sessionID, filename string, saved bool) RecordingStoppedMessage {
	return RecordingStoppedMessage{Type: TypeRecordingStopped, SessionID: sessionID, Filename: filename, Saved: saved}
}

// Cursor is a zero-based screen position.
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Dimensions is a terminal size.
type Dimensions struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ContentMessage is a one-shot screen snapshot reply.
type ContentMessage struct {
	Type       string     `json:"type"`
	SessionID  string     `json:"sessionId"`
	Content    string     `json:"content"`
	Cursor     Cursor     `json:"cursor"`
	Dimensions Dimensions `json:"dimensions"`
}

func NewContent(sessionID, content string, cursor Cursor, dims Dimensions) ContentMessage {
	return ContentMessage{Type: TypeContent, SessionID: sessionID, Content: content, Cursor: cursor, Dimensions: dims}
}

// SessionEntry is one row of a session-list reply.
type SessionEntry struct {
	ID        string    `json:"id"`
	Shell     string    `json:"shell"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Recording bool      `json:"recording"`
}

// SessionListMessage enumerates live sessions.
type SessionListMessage struct {
	Type     string         `json:"type"`
	Sessions []SessionEntry `json:"sessions"`
}

func NewSessionList(sessions []SessionEntry) SessionListMessage {
	if sessions == nil {
		sessions = []SessionEntry{}
	}
	return SessionListMessage{Type: TypeSessionList, Sessions: sessions}
}

// ErrorMessage is a structured failure reply naming the request that
// caused it.
type ErrorMessage struct {
	Type        string `json:"type"`
	RequestType string `json:"requestType"`
	SessionID   string `json:"sessionId,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message"`
}

func NewError(requestType, sessionID, code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, RequestType: requestType, SessionID: sessionID, Code: code, Message: message}
}
