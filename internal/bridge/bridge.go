// Package bridge connects wire clients to the session registry. It owns
// which client hears about which session, turns registry events into
// protocol messages, and dispatches every inbound client message to the
// right session operation with structured error replies.
package bridge

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/choonkeat/ptyhub/internal/protocol"
	"github.com/choonkeat/ptyhub/internal/registry"
	"github.com/choonkeat/ptyhub/internal/term"
)

// DeliverFunc pushes one marshaled server message to a client. Returning
// an error only gets logged; a slow or dead client never blocks the
// others.
type DeliverFunc func(msg []byte) error

type client struct {
	id      string
	deliver DeliverFunc
}

// Bridge fans session events out to clients and routes client requests
// into the registry.
type Bridge struct {
	reg *registry.Registry

	mu      sync.Mutex
	clients map[string]*client
	// subs maps session id to the set of subscribed client ids. A
	// session with no entry broadcasts to every client; a session with
	// an empty set broadcasts to no one. The distinction is what lets
	// legacy single-session clients hear everything while targeted
	// clients hear only their session.
	subs map[string]map[string]bool

	removeListener func()
}

// New wires a bridge into a registry's event stream.
func New(reg *registry.Registry) *Bridge {
	b := &Bridge{
		reg:     reg,
		clients: make(map[string]*client),
		subs:    make(map[string]map[string]bool),
	}
	b.removeListener = reg.AddListener(b)
	return b
}

// Close detaches the bridge from the registry.
func (b *Bridge) Close() {
	if b.removeListener != nil {
		b.removeListener()
	}
}

// AddClient registers a delivery function and returns the new client id.
func (b *Bridge) AddClient(deliver DeliverFunc) string {
	id := uuid.New().String()
	b.mu.Lock()
	b.clients[id] = &client{id: id, deliver: deliver}
	b.mu.Unlock()
	log.Printf("Client %s: connected", id)
	return id
}

// RemoveClient unregisters a client and purges it from every
// subscription set. Unknown ids are ignored.
func (b *Bridge) RemoveClient(clientID string) {
	b.mu.Lock()
	_, known := b.clients[clientID]
	delete(b.clients, clientID)
	for _, set := range b.subs {
		delete(set, clientID)
	}
	b.mu.Unlock()
	if known {
		log.Printf("Client %s: disconnected", clientID)
	}
}

// ClientCount returns how many clients are connected.
func (b *Bridge) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// SubscribeToSession routes a session's events to a client. The first
// subscription switches the session from broadcast-to-all to
// subscribers-only.
func (b *Bridge) SubscribeToSession(clientID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[string]bool)
		b.subs[sessionID] = set
	}
	set[clientID] = true
}

// UnsubscribeFromSession removes one client from a session's set. The
// set itself stays, so remaining broadcasts stay targeted.
func (b *Bridge) UnsubscribeFromSession(clientID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[sessionID]; ok {
		delete(set, clientID)
	}
}

// BroadcastToSession marshals a message once and delivers it to the
// session's subscribers, or to every client when the session has no
// subscriber set.
func (b *Bridge) BroadcastToSession(sessionID string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Broadcast %s: marshal: %v", sessionID, err)
		return
	}

	b.mu.Lock()
	var targets []*client
	if set, ok := b.subs[sessionID]; ok {
		for cid := range set {
			if c, ok := b.clients[cid]; ok {
				targets = append(targets, c)
			}
		}
	} else {
		for _, c := range b.clients {
			targets = append(targets, c)
		}
	}
	b.mu.Unlock()

	for _, c := range targets {
		if err := c.deliver(raw); err != nil {
			log.Printf("Client %s: deliver failed: %v", c.id, err)
		}
	}
}

// send delivers a message to one client.
func (b *Bridge) send(clientID string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Client %s: marshal reply: %v", clientID, err)
		return
	}
	b.mu.Lock()
	c, ok := b.clients[clientID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := c.deliver(raw); err != nil {
		log.Printf("Client %s: deliver failed: %v", clientID, err)
	}
}

func (b *Bridge) sendError(clientID, requestType, sessionID, code, message string) {
	b.send(clientID, protocol.NewError(requestType, sessionID, code, message))
}

// errorCode maps registry and session errors to wire error codes.
func errorCode(err error) string {
	var notFound *registry.NotFoundError
	var spawn *term.SpawnError
	switch {
	case errors.As(err, &notFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, term.ErrDisposed):
		return protocol.CodeSessionDisposed
	case errors.As(err, &spawn):
		return protocol.CodeSpawnFailed
	default:
		return protocol.CodeInternalError
	}
}

// registry.Listener implementation: registry events become broadcasts.

func (b *Bridge) SessionCreated(id string) {
	sess, err := b.reg.SessionByID(id)
	if err != nil {
		return
	}
	b.BroadcastToSession(id, protocol.NewSessionCreated(id, sess.Shell(), sess.Cols(), sess.Rows()))
}

func (b *Bridge) SessionOutput(id string, data []byte) {
	b.BroadcastToSession(id, protocol.NewOutput(id, data))
}

func (b *Bridge) SessionResized(id string, cols, rows int) {
	b.BroadcastToSession(id, protocol.NewResize(id, cols, rows))
}

func (b *Bridge) SessionClosed(id string, exitCode *int) {
	b.BroadcastToSession(id, protocol.NewSessionClosed(id, exitCode))
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

func (b *Bridge) RecordingStarted(id, filename string) {
	b.BroadcastToSession(id, protocol.NewRecordingStarted(id, filename))
}

func (b *Bridge) RecordingStopped(id, filename string, saved bool) {
	b.BroadcastToSession(id, protocol.NewRecordingStopped(id, filename, saved))
}

// HandleMessage dispatches one raw client message. Malformed input and
// handler panics produce error replies to the sending client, never a
// crash.
func (b *Bridge) HandleMessage(clientID string, raw []byte) {
	msg, err := protocol.ParseClient(raw)
	if err != nil {
		b.sendError(clientID, "", "", protocol.CodeParseError, "invalid message: "+err.Error())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Client %s: panic handling %s: %v", clientID, msg.Type, r)
			b.sendError(clientID, msg.Type, msg.SessionID, protocol.CodeInternalError, "internal error")
		}
	}()

	switch msg.Type {
	case protocol.TypeInput:
		b.handleInput(clientID, msg)
	case protocol.TypeCreateSession:
		b.handleCreateSession(clientID, msg)
	case protocol.TypeCloseSession:
		b.handleCloseSession(clientID, msg)
	case protocol.TypeResize:
		b.handleResize(clientID, msg)
	case protocol.TypeGetContent:
		b.handleGetContent(clientID, msg)
	case protocol.TypeListSessions:
		b.handleListSessions(clientID)
	case protocol.TypeStartRecording, protocol.TypeStopRecording:
		b.sendError(clientID, msg.Type, msg.SessionID, protocol.CodeNotImplemented,
			"recording control is not available on this connection")
	default:
		b.sendError(clientID, msg.Type, msg.SessionID, protocol.CodeUnknownType,
			"unknown message type "+msg.Type)
	}
}

func (b *Bridge) handleInput(clientID string, msg protocol.ClientMessage) {
	data, err := protocol.DecodeData(msg.Data)
	if err != nil {
		b.sendError(clientID, msg.Type, msg.SessionID, protocol.CodeBadPayload, "bad input encoding: "+err.Error())
		return
	}

	if msg.SessionID == "" {
		if err := b.reg.Write(data); err != nil {
			b.sendError(clientID, msg.Type, "", errorCode(err), err.Error())
		}
		return
	}
	sess, err := b.reg.SessionByID(msg.SessionID)
	if err != nil {
		b.sendError(clientID, msg.Type, msg.SessionID, errorCode(err), err.Error())
		return
	}
	if err := sess.Write(data); err != nil {
		b.sendError(clientID, msg.Type, msg.SessionID, errorCode(err), err.Error())
	}
}

// handleCreateSession initializes the shared default session. When it
// already exists the existing session is acknowledged again instead of
// spawning another shell, so reconnecting clients converge on one
// session.
func (b *Bridge) handleCreateSession(clientID string, msg protocol.ClientMessage) {
	existed := b.reg.HasDefault()
	sess, err := b.reg.InitSession(term.Options{
		Shell: msg.Shell,
		Cols:  msg.Cols,
		Rows:  msg.Rows,
		Cwd:   msg.Cwd,
		Env:   msg.Env,
	})
	if err != nil {
		b.sendError(clientID, msg.Type, "", errorCode(err), err.Error())
		return
	}

	b.SubscribeToSession(clientID, registry.DefaultSessionID)
	if existed {
		// The creation broadcast already went out; acknowledge this
		// client directly and replay buffered output so its screen
		// catches up with the running session.
		b.send(clientID, protocol.NewSessionCreated(registry.DefaultSessionID, sess.Shell(), sess.Cols(), sess.Rows()))
		if backlog := sess.Scrollback(); len(backlog) > 0 {
			b.send(clientID, protocol.NewOutput(registry.DefaultSessionID, backlog))
		}
	}
}

func (b *Bridge) handleCloseSession(clientID string, msg protocol.ClientMessage) {
	id := msg.SessionID
	if id == "" {
		id = registry.DefaultSessionID
	}
	if err := b.reg.CloseSession(id); err != nil {
		b.sendError(clientID, msg.Type, id, errorCode(err), err.Error())
	}
}

func (b *Bridge) handleResize(clientID string, msg protocol.ClientMessage) {
	if msg.Cols < 1 || msg.Rows < 1 {
		b.sendError(clientID, msg.Type, msg.SessionID, protocol.CodeBadPayload,
			"resize requires positive cols and rows")
		return
	}

	var err error
	if msg.SessionID == "" {
		err = b.reg.Resize(msg.Cols, msg.Rows)
	} else {
		var sess *term.Session
		sess, err = b.reg.SessionByID(msg.SessionID)
		if err == nil {
			err = sess.Resize(msg.Cols, msg.Rows)
		}
	}
	if err != nil {
		b.sendError(clientID, msg.Type, msg.SessionID, errorCode(err), err.Error())
	}
}

func (b *Bridge) handleGetContent(clientID string, msg protocol.ClientMessage) {
	var shot term.Screenshot
	var err error
	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = registry.DefaultSessionID
		shot, err = b.reg.Screenshot()
	} else {
		var sess *term.Session
		sess, err = b.reg.SessionByID(sessionID)
		if err == nil {
			shot = sess.Screenshot()
		}
	}
	if err != nil {
		b.sendError(clientID, msg.Type, msg.SessionID, errorCode(err), err.Error())
		return
	}

	b.send(clientID, protocol.NewContent(sessionID, shot.Content,
		protocol.Cursor{X: shot.CursorX, Y: shot.CursorY},
		protocol.Dimensions{Cols: shot.Cols, Rows: shot.Rows}))
}

func (b *Bridge) handleListSessions(clientID string) {
	infos := b.reg.Sessions()
	entries := make([]protocol.SessionEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, protocol.SessionEntry{
			ID:        info.ID,
			Shell:     info.Shell,
			Cols:      info.Cols,
			Rows:      info.Rows,
			Cwd:       info.Cwd,
			CreatedAt: info.CreatedAt,
			Recording: info.Recording,
		})
	}
	b.send(clientID, protocol.NewSessionList(entries))
}
