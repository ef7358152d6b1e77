// Package registry tracks every live terminal session under a unique id
// and layers the legacy single-session behavior on top: callers that
// never ask for a specific session get the shared "default" one, created
// lazily exactly once no matter how many callers race for it.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/choonkeat/ptyhub/internal/recording"
	"github.com/choonkeat/ptyhub/internal/term"
)

// DefaultSessionID is the reserved id of the legacy single session.
// Generated ids never collide with it.
const DefaultSessionID = "default"

var (
	// ErrRegistryDisposed is returned once the registry has shut down.
	ErrRegistryDisposed = errors.New("registry disposed")
	// ErrNoRecording is returned by StopRecording when nothing is
	// recording the session.
	ErrNoRecording = errors.New("no active recording")
)

// NotFoundError reports a session id with no live session behind it.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("session %q not found", e.ID) }

// Config carries the session and recording defaults applied when a
// request leaves them unset.
type Config struct {
	Shell string
	Cols  int
	Rows  int
	Cwd   string

	RecordingDir      string
	RecordingMode     recording.Mode
	AutoRecord        bool
	IdleLimit         time.Duration // recorded-gap cap in transcripts
	MaxDuration       time.Duration // recording hard stop
	InactivityTimeout time.Duration // recording inactivity stop
}

// Listener observes registry-wide events. Callbacks run synchronously on
// the session's event path, so a session's output, resize and close
// events arrive in order, close last.
type Listener interface {
	SessionCreated(id string)
	SessionOutput(id string, data []byte)
	SessionResized(id string, cols, rows int)
	SessionClosed(id string, exitCode *int)
	RecordingStarted(id, filename string)
	RecordingStopped(id, filename string, saved bool)
}

// SessionInfo is a point-in-time description of one live session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Shell     string    `json:"shell"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Recording bool      `json:"recording"`
}

type managed struct {
	id        string
	sess      *term.Session
	seq       uint64
	createdAt time.Time
}

// inflight is the pending result of a default-session creation that
// concurrent callers wait on.
type inflight struct {
	done chan struct{}
	sess *term.Session
	err  error
}

// Registry is the session table plus the recording pipeline attached to
// it.
type Registry struct {
	cfg      Config
	pipeline *recording.Pipeline

	mu          sync.Mutex
	sessions    map[string]*managed
	defaultCall *inflight
	disposed    bool
	idCounter   uint64
	seqCounter  uint64

	lisMu     sync.Mutex
	listeners []registeredListener
	nextLisID int

	// spawn is swapped out by tests that count or fake process starts.
	spawn func(term.Options) (*term.Session, error)
}

type registeredListener struct {
	id int
	l  Listener
}

// New returns a registry with no sessions.
func New(cfg Config) *Registry {
	r := &Registry{
		cfg:      cfg,
		sessions: make(map[string]*managed),
		spawn:    term.Start,
	}
	r.pipeline = recording.NewPipeline(func(sessionID string, rec *recording.Recorder, res recording.Result) {
		r.notifyRecordingStopped(sessionID, rec.Filename(), res.Saved)
	})
	return r
}

// Config returns the defaults this registry was built with.
func (r *Registry) Config() Config { return r.cfg }

// Pipeline exposes the recording fan-out, mainly for tests.
func (r *Registry) Pipeline() *recording.Pipeline { return r.pipeline }

// AddListener registers an event listener and returns its remove func.
func (r *Registry) AddListener(l Listener) (remove func()) {
	r.lisMu.Lock()
	id := r.nextLisID
	r.nextLisID++
	r.listeners = append(r.listeners, registeredListener{id: id, l: l})
	r.lisMu.Unlock()

	return func() {
		r.lisMu.Lock()
		defer r.lisMu.Unlock()
		for i, reg := range r.listeners {
			if reg.id == id {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry) eachListener(fn func(Listener)) {
	r.lisMu.Lock()
	defer r.lisMu.Unlock()
	for _, reg := range r.listeners {
		fn(reg.l)
	}
}

func (r *Registry) notifyCreated(id string) {
	r.eachListener(func(l Listener) { l.SessionCreated(id) })
}

func (r *Registry) notifyOutput(id string, data []byte) {
	r.eachListener(func(l Listener) { l.SessionOutput(id, data) })
}

func (r *Registry) notifyResized(id string, cols, rows int) {
	r.eachListener(func(l Listener) { l.SessionResized(id, cols, rows) })
}

func (r *Registry) notifyClosed(id string, exitCode *int) {
	r.eachListener(func(l Listener) { l.SessionClosed(id, exitCode) })
}

func (r *Registry) notifyRecordingStarted(id, filename string) {
	r.eachListener(func(l Listener) { l.RecordingStarted(id, filename) })
}

func (r *Registry) notifyRecordingStopped(id, filename string, saved bool) {
	r.eachListener(func(l Listener) { l.RecordingStopped(id, filename, saved) })
}

// fillOptions applies registry defaults to unset request options.
func (r *Registry) fillOptions(opts term.Options) term.Options {
	if opts.Shell == "" {
		opts.Shell = r.cfg.Shell
	}
	if opts.Cols <= 0 {
		opts.Cols = r.cfg.Cols
	}
	if opts.Rows <= 0 {
		opts.Rows = r.cfg.Rows
	}
	if opts.Cwd == "" {
		opts.Cwd = r.cfg.Cwd
	}
	return opts
}

func (r *Registry) nextID() string {
	n := atomic.AddUint64(&r.idCounter, 1)
	return fmt.Sprintf("session-%d-%s", n, uuid.New().String()[:8])
}

// CreateSession starts a new session under a freshly generated id.
func (r *Registry) CreateSession(opts term.Options) (string, *term.Session, error) {
	id := r.nextID()
	sess, err := r.startSession(id, opts)
	if err != nil {
		return "", nil, err
	}
	return id, sess, nil
}

// InitSession creates the default session with explicit options. If the
// default session already exists it is returned as-is; concurrent
// initializations share one spawn.
func (r *Registry) InitSession(opts term.Options) (*term.Session, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil, ErrRegistryDisposed
	}
	if m, ok := r.sessions[DefaultSessionID]; ok {
		r.mu.Unlock()
		return m.sess, nil
	}
	if call := r.defaultCall; call != nil {
		// Another caller is already creating it; share the outcome. The
		// cell is cleared on failure too, so the next caller after an
		// error starts fresh.
		r.mu.Unlock()
		<-call.done
		return call.sess, call.err
	}
	call := &inflight{done: make(chan struct{})}
	r.defaultCall = call
	r.mu.Unlock()

	sess, err := r.startSession(DefaultSessionID, opts)
	call.sess, call.err = sess, err

	r.mu.Lock()
	r.defaultCall = nil
	r.mu.Unlock()
	close(call.done)
	return sess, err
}

// DefaultSession returns the legacy shared session, creating it with the
// registry defaults on first use.
func (r *Registry) DefaultSession() (*term.Session, error) {
	return r.InitSession(term.Options{})
}

// HasDefault reports whether the default session currently exists.
func (r *Registry) HasDefault() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[DefaultSessionID]
	return ok
}

// startSession spawns the shell, registers the session and wires its
// events into the pipeline and listeners.
func (r *Registry) startSession(id string, opts term.Options) (*term.Session, error) {
	opts = r.fillOptions(opts)
	sess, err := r.spawn(opts)
	if err != nil {
		return nil, err
	}

	m := &managed{id: id, sess: sess, seq: atomic.AddUint64(&r.seqCounter, 1), createdAt: time.Now()}
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		sess.Dispose()
		return nil, ErrRegistryDisposed
	}
	r.sessions[id] = m
	r.mu.Unlock()

	sess.Subscribe(&sessionObserver{reg: r, id: id})
	go func() {
		<-sess.Done()
		r.removeSession(id, sess, sess.ExitCode())
	}()

	log.Printf("Session %s: started %q (%dx%d)", id, sess.Shell(), sess.Cols(), sess.Rows())
	r.notifyCreated(id)

	if r.cfg.AutoRecord && r.cfg.RecordingMode != recording.ModeOff {
		if _, err := r.StartRecording(id, ""); err != nil {
			log.Printf("Session %s: autorecord failed: %v", id, err)
		}
	}
	return sess, nil
}

// sessionObserver forwards one session's events into the recording
// pipeline and out to listeners.
type sessionObserver struct {
	reg *Registry
	id  string
}

func (o *sessionObserver) Data(data []byte) {
	o.reg.pipeline.RecordOutputToAll(o.id, data)
	o.reg.notifyOutput(o.id, data)
}

func (o *sessionObserver) Resize(cols, rows int) {
	o.reg.pipeline.RecordResizeToAll(o.id, cols, rows)
	o.reg.notifyResized(o.id, cols, rows)
}

func (o *sessionObserver) Exit(code *int) {
	// Noted ahead of removal so a recording limit stop racing the exit
	// still sees the real code.
	o.reg.pipeline.NoteExit(o.id, code)
}

// removeSession unregisters a session and emits the trailing events:
// recordings finalize first, the close event goes out last.
func (r *Registry) removeSession(id string, sess *term.Session, exitCode *int) {
	r.mu.Lock()
	m, ok := r.sessions[id]
	if !ok || m.sess != sess {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, id)
	r.mu.Unlock()

	r.pipeline.FinalizeAll(id, exitCode)
	sess.Dispose()
	r.notifyClosed(id, exitCode)
	if exitCode != nil {
		log.Printf("Session %s: closed (exit code %d)", id, *exitCode)
	} else {
		log.Printf("Session %s: closed", id)
	}
}

// SessionByID looks up a live session.
func (r *Registry) SessionByID(id string) (*term.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sessions[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	return m.sess, nil
}

// CloseSession disposes a session and removes it immediately. The close
// event carries whatever exit code is known at removal time.
func (r *Registry) CloseSession(id string) error {
	r.mu.Lock()
	m, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return &NotFoundError{ID: id}
	}

	m.sess.DisposeContext(context.Background())
	r.removeSession(id, m.sess, m.sess.ExitCode())
	return nil
}

// Sessions lists live sessions in creation order.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	managed := make([]*managed, 0, len(r.sessions))
	for _, m := range r.sessions {
		managed = append(managed, m)
	}
	r.mu.Unlock()

	sort.Slice(managed, func(i, j int) bool { return managed[i].seq < managed[j].seq })

	infos := make([]SessionInfo, 0, len(managed))
	for _, m := range managed {
		info := SessionInfo{
			ID:        m.id,
			Shell:     m.sess.Shell(),
			Cols:      m.sess.Cols(),
			Rows:      m.sess.Rows(),
			Cwd:       m.sess.Cwd(),
			CreatedAt: m.createdAt,
		}
		for _, rec := range r.pipeline.Recorders(m.id) {
			if rec.Recording() {
				info.Recording = true
				break
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// StartRecording attaches a recorder to a session and starts it at the
// session's current dimensions. filename is optional; unsafe names are
// reduced to safe ones and an empty name derives one from the session id.
func (r *Registry) StartRecording(id, filename string) (string, error) {
	sess, err := r.SessionByID(id)
	if err != nil {
		return "", err
	}
	if filename != "" {
		filename = recording.SafeFilename(filename)
	}

	rec := r.pipeline.CreateRecording(id, recording.Options{
		Dir:               r.cfg.RecordingDir,
		Filename:          filename,
		Title:             id,
		Shell:             sess.Shell(),
		Mode:              r.cfg.RecordingMode,
		IdleLimit:         r.cfg.IdleLimit,
		MaxDuration:       r.cfg.MaxDuration,
		InactivityTimeout: r.cfg.InactivityTimeout,
	})
	if err := rec.Start(sess.Cols(), sess.Rows()); err != nil {
		r.pipeline.Discard(id, rec)
		return "", err
	}

	name := rec.Filename()
	log.Printf("Session %s: recording to %s", id, name)
	r.notifyRecordingStarted(id, name)
	return name, nil
}

// StopRecording finalizes every recorder attached to a session and
// reports the first one's outcome.
func (r *Registry) StopRecording(id string) (filename string, saved bool, err error) {
	sess, err := r.SessionByID(id)
	if err != nil {
		return "", false, err
	}
	recs := r.pipeline.Recorders(id)
	if len(recs) == 0 {
		return "", false, ErrNoRecording
	}

	exitCode := sess.ExitCode()
	for i, rec := range recs {
		name := rec.Filename()
		res, ferr := r.pipeline.Finalize(id, rec, exitCode)
		if i == 0 {
			filename, saved, err = name, res.Saved, ferr
		}
	}
	return filename, saved, err
}

// ReapIdle closes sessions with no activity for longer than maxIdle.
// Returns how many were closed.
func (r *Registry) ReapIdle(maxIdle time.Duration) int {
	r.mu.Lock()
	var idle []*managed
	for _, m := range r.sessions {
		if time.Since(m.sess.LastActive()) > maxIdle {
			idle = append(idle, m)
		}
	}
	r.mu.Unlock()

	for _, m := range idle {
		log.Printf("Session %s: reaping after %s idle", m.id, maxIdle)
		r.CloseSession(m.id)
	}
	return len(idle)
}

// Write forwards input to the default session, creating it on demand.
func (r *Registry) Write(data []byte) error {
	sess, err := r.DefaultSession()
	if err != nil {
		return err
	}
	return sess.Write(data)
}

// SendKey sends a named key to the default session, creating it on
// demand.
func (r *Registry) SendKey(name string) error {
	sess, err := r.DefaultSession()
	if err != nil {
		return err
	}
	return sess.SendKey(name)
}

// Resize resizes the default session, creating it on demand.
func (r *Registry) Resize(cols, rows int) error {
	sess, err := r.DefaultSession()
	if err != nil {
		return err
	}
	return sess.Resize(cols, rows)
}

// Content returns the default session's screen content, creating the
// session on demand.
func (r *Registry) Content() (string, error) {
	sess, err := r.DefaultSession()
	if err != nil {
		return "", err
	}
	return sess.Content(), nil
}

// Screenshot captures the default session's screen, creating the session
// on demand.
func (r *Registry) Screenshot() (term.Screenshot, error) {
	sess, err := r.DefaultSession()
	if err != nil {
		return term.Screenshot{}, err
	}
	return sess.Screenshot(), nil
}

// Dispose shuts down every session. Safe to call more than once.
func (r *Registry) Dispose() {
	r.DisposeContext(context.Background())
}

// DisposeContext shuts down every session, running sandbox cleanups
// under ctx. Each session's recordings finalize before its close event.
func (r *Registry) DisposeContext(ctx context.Context) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	all := make([]*managed, 0, len(r.sessions))
	for _, m := range r.sessions {
		all = append(all, m)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	for _, m := range all {
		m.sess.DisposeContext(ctx)
		r.removeSession(m.id, m.sess, m.sess.ExitCode())
	}
}
