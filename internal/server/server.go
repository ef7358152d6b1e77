// Package server exposes the bridge over HTTP: a websocket endpoint for
// the wire protocol and plain endpoints for health and saved recordings.
package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	recordtui "github.com/choonkeat/record-tui/playback"
	"github.com/gorilla/websocket"

	"github.com/choonkeat/ptyhub/internal/bridge"
	"github.com/choonkeat/ptyhub/internal/recording"
	"github.com/choonkeat/ptyhub/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// SafeConn wraps a websocket.Conn with a mutex for thread-safe writes.
// gorilla/websocket doesn't support concurrent writes, so all writes
// must be serialized. This wrapper makes it impossible to forget the lock.
type SafeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewSafeConn wraps a websocket connection for thread-safe writes
func NewSafeConn(conn *websocket.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteMessage sends a message with the given type and payload (thread-safe)
func (sc *SafeConn) WriteMessage(messageType int, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteMessage(messageType, data)
}

// ReadMessage reads the next message (no lock needed - reads are already safe)
func (sc *SafeConn) ReadMessage() (messageType int, p []byte, err error) {
	return sc.conn.ReadMessage()
}

// Close closes the underlying connection
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// Server routes HTTP traffic to the bridge and the recording index.
type Server struct {
	reg    *registry.Registry
	bridge *bridge.Bridge
	index  *recording.Index
	mux    *http.ServeMux
}

// New assembles the HTTP surface. index may be nil when recordings are
// not exposed.
func New(reg *registry.Registry, b *bridge.Bridge, index *recording.Index) *Server {
	s := &Server{reg: reg, bridge: b, index: index, mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.handleWebSocket)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/recordings", s.handleRecordingList)
	s.mux.HandleFunc("/recordings/", s.handleRecording)
	return s
}

// Handler returns the root handler for this server.
func (s *Server) Handler() http.Handler { return s.mux }

// handleWebSocket upgrades the connection, registers it as a bridge
// client and pumps inbound messages until the client goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rawConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn := NewSafeConn(rawConn)

	clientID := s.bridge.AddClient(func(msg []byte) error {
		return conn.WriteMessage(websocket.TextMessage, msg)
	})
	defer func() {
		s.bridge.RemoveClient(clientID)
		conn.Close()
	}()

	// ?session=<id> attaches this client to one session up front.
	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		s.bridge.SubscribeToSession(clientID, sessionID)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.bridge.HandleMessage(clientID, raw)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.reg.Sessions()),
		"clients":  s.bridge.ClientCount(),
	})
}

// recordingListItem is one row of the /recordings listing.
type recordingListItem struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"modTime"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Title    string    `json:"title,omitempty"`
	Duration float64   `json:"duration"`
	URL      string    `json:"url"`
	PlayURL  string    `json:"playUrl"`
}

func (s *Server) handleRecordingList(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.Error(w, "Recordings not available", http.StatusNotFound)
		return
	}

	entries := s.index.Entries()
	items := make([]recordingListItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, recordingListItem{
			Name:     e.Name,
			Size:     e.Size,
			ModTime:  e.ModTime,
			Width:    e.Width,
			Height:   e.Height,
			Title:    e.Title,
			Duration: e.Duration,
			URL:      "/recordings/" + e.Name + "/download",
			PlayURL:  "/recordings/" + e.Name,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(items)
}

// handleRecording serves /recordings/{name} as a playback page and
// /recordings/{name}/download as the raw transcript. Names resolve
// through the index only, so nothing outside the recordings directory
// is reachable.
func (s *Server) handleRecording(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		http.Error(w, "Recordings not available", http.StatusNotFound)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/recordings/")
	download := false
	if strings.HasSuffix(rest, "/download") {
		download = true
		rest = strings.TrimSuffix(rest, "/download")
	}
	entry, ok := s.index.Get(rest)
	if !ok {
		http.Error(w, "Recording not found", http.StatusNotFound)
		return
	}

	if download {
		w.Header().Set("Content-Type", "application/x-asciicast")
		http.ServeFile(w, r, entry.Path)
		return
	}
	s.serveRecordingPage(w, entry)
}

// serveRecordingPage renders a transcript as a self-contained playback
// page with the output embedded.
func (s *Server) serveRecordingPage(w http.ResponseWriter, entry recording.Entry) {
	content, err := recording.TranscriptOutput(entry.Path)
	if err != nil {
		http.Error(w, "Failed to read recording", http.StatusInternalServerError)
		return
	}

	title := entry.Title
	if title == "" {
		title = entry.Name
	}
	stripped := recordtui.StripMetadata(content)
	html, err := recordtui.RenderHTML([]recordtui.Frame{
		{Timestamp: 0, Content: stripped},
	}, recordtui.Options{
		Title: title,
		FooterLink: recordtui.FooterLink{
			Text: "ptyhub",
			URL:  "https://github.com/choonkeat/ptyhub",
		},
	})
	if err != nil {
		http.Error(w, "Failed to render playback", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(html))
}
