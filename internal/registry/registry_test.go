package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/choonkeat/ptyhub/internal/recording"
	"github.com/choonkeat/ptyhub/internal/term"
)

// ============================================================================
// Test helpers
// ============================================================================

// eventLog records registry events as formatted strings so tests can
// assert on relative order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(s string) {
	e.mu.Lock()
	e.events = append(e.events, s)
	e.mu.Unlock()
}

func (e *eventLog) SessionCreated(id string) { e.add("created:" + id) }

func (e *eventLog) SessionOutput(id string, _ []byte) { e.add("output:" + id) }

func (e *eventLog) SessionResized(id string, c, r int) {
	e.add(fmt.Sprintf("resized:%s:%dx%d", id, c, r))
}

func (e *eventLog) SessionClosed(id string, exitCode *int) {
	if exitCode != nil {
		e.add(fmt.Sprintf("closed:%s:%d", id, *exitCode))
	} else {
		e.add("closed:" + id + ":nil")
	}
}

func (e *eventLog) RecordingStarted(id, filename string) {
	e.add("rec-started:" + id + ":" + filename)
}

func (e *eventLog) RecordingStopped(id, filename string, saved bool) {
	e.add(fmt.Sprintf("rec-stopped:%s:%s:%v", id, filename, saved))
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func (e *eventLog) waitFor(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range e.snapshot() {
			if strings.HasPrefix(ev, prefix) {
				return ev
			}
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("no event with prefix %q; events: %v", prefix, e.snapshot())
	return ""
}

func newTestRegistry(t *testing.T, cfg Config) *Registry {
	t.Helper()
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.Cols == 0 {
		cfg.Cols = 80
	}
	if cfg.Rows == 0 {
		cfg.Rows = 24
	}
	if cfg.RecordingDir == "" {
		cfg.RecordingDir = t.TempDir()
	}
	r := New(cfg)
	t.Cleanup(r.Dispose)
	return r
}

// ============================================================================
// Session lifecycle
// ============================================================================

func TestCreateSessionUniqueIDs(t *testing.T) {
	r := newTestRegistry(t, Config{})
	pattern := regexp.MustCompile(`^session-(\d+)-[0-9a-f]{8}$`)

	seen := make(map[string]bool)
	for i := 1; i <= 5; i++ {
		id, sess, err := r.CreateSession(term.Options{})
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if sess == nil {
			t.Fatal("CreateSession returned nil session")
		}
		m := pattern.FindStringSubmatch(id)
		if m == nil {
			t.Fatalf("id %q does not match session-<n>-<hex8>", id)
		}
		if m[1] != fmt.Sprint(i) {
			t.Errorf("id %q counter = %s, want %d", id, m[1], i)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if n := len(r.Sessions()); n != 5 {
		t.Errorf("Sessions() = %d entries, want 5", n)
	}
}

func TestCreateSessionInheritsConfigDefaults(t *testing.T) {
	r := newTestRegistry(t, Config{Cols: 90, Rows: 30})
	id, sess, err := r.CreateSession(term.Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Shell() != "/bin/sh" {
		t.Errorf("Shell() = %q, want /bin/sh", sess.Shell())
	}
	if sess.Cols() != 90 || sess.Rows() != 30 {
		t.Errorf("dims = %dx%d, want 90x30", sess.Cols(), sess.Rows())
	}

	infos := r.Sessions()
	if len(infos) != 1 || infos[0].ID != id || infos[0].Cols != 90 {
		t.Errorf("Sessions() = %+v", infos)
	}
}

func TestDefaultSessionMemoized(t *testing.T) {
	r := newTestRegistry(t, Config{})
	var spawns int32
	r.spawn = func(opts term.Options) (*term.Session, error) {
		atomic.AddInt32(&spawns, 1)
		return term.Start(opts)
	}

	const n = 10
	results := make([]*term.Session, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			s, err := r.DefaultSession()
			if err != nil {
				t.Errorf("DefaultSession: %v", err)
				return
			}
			results[i] = s
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&spawns); got != 1 {
		t.Errorf("spawn count = %d, want 1", got)
	}
	for i := 1; i < n; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got a different session", i)
		}
	}
	if !r.HasDefault() {
		t.Error("HasDefault() = false")
	}
}

func TestDefaultSessionRetriesAfterFailure(t *testing.T) {
	r := newTestRegistry(t, Config{})
	calls := 0
	r.spawn = func(opts term.Options) (*term.Session, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("spawn failed")
		}
		return term.Start(opts)
	}

	if _, err := r.DefaultSession(); err == nil {
		t.Fatal("first DefaultSession returned nil error")
	}
	if r.HasDefault() {
		t.Fatal("failed creation left a default session behind")
	}
	sess, err := r.DefaultSession()
	if err != nil {
		t.Fatalf("second DefaultSession: %v", err)
	}
	if sess == nil || calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSessionByIDNotFound(t *testing.T) {
	r := newTestRegistry(t, Config{})
	_, err := r.SessionByID("session-99-deadbeef")
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want *NotFoundError", err)
	}
	if nf.ID != "session-99-deadbeef" {
		t.Errorf("NotFoundError.ID = %q", nf.ID)
	}
}

func TestCloseSessionRemovesAndNotifies(t *testing.T) {
	r := newTestRegistry(t, Config{})
	events := &eventLog{}
	r.AddListener(events)

	id, _, err := r.CreateSession(term.Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events.waitFor(t, "created:"+id)

	if err := r.CloseSession(id); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	events.waitFor(t, "closed:"+id+":nil")

	if _, err := r.SessionByID(id); err == nil {
		t.Error("SessionByID succeeded after close")
	}
	var nf *NotFoundError
	if err := r.CloseSession(id); !errors.As(err, &nf) {
		t.Errorf("second CloseSession = %v, want *NotFoundError", err)
	}
}

func TestNaturalExitRemovesSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	events := &eventLog{}
	r.AddListener(events)

	id, sess, err := r.CreateSession(term.Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := sess.WriteString("exit 5\r"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}

	events.waitFor(t, "closed:"+id+":5")
	if _, err := r.SessionByID(id); err == nil {
		t.Error("SessionByID succeeded after natural exit")
	}
}

// ============================================================================
// Recording control
// ============================================================================

func TestRecordingStopsBeforeSessionClosed(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, Config{
		RecordingDir:  dir,
		RecordingMode: recording.ModeAlways,
		AutoRecord:    true,
	})
	events := &eventLog{}
	r.AddListener(events)

	id, sess, err := r.CreateSession(term.Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events.waitFor(t, "rec-started:"+id)

	if err := sess.WriteString("exit 0\r"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	events.waitFor(t, "closed:"+id)

	var stoppedAt, closedAt, createdAt, startedAt = -1, -1, -1, -1
	for i, ev := range events.snapshot() {
		switch {
		case strings.HasPrefix(ev, "created:"+id) && createdAt < 0:
			createdAt = i
		case strings.HasPrefix(ev, "rec-started:"+id) && startedAt < 0:
			startedAt = i
		case strings.HasPrefix(ev, "rec-stopped:"+id) && stoppedAt < 0:
			stoppedAt = i
		case strings.HasPrefix(ev, "closed:"+id) && closedAt < 0:
			closedAt = i
		}
	}
	if createdAt < 0 || startedAt < 0 || stoppedAt < 0 || closedAt < 0 {
		t.Fatalf("missing events: %v", events.snapshot())
	}
	if !(createdAt < startedAt && startedAt < stoppedAt && stoppedAt < closedAt) {
		t.Errorf("event order created=%d rec-started=%d rec-stopped=%d closed=%d",
			createdAt, startedAt, stoppedAt, closedAt)
	}
}

func TestStartStopRecording(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, Config{RecordingDir: dir, RecordingMode: recording.ModeAlways})
	events := &eventLog{}
	r.AddListener(events)

	id, _, err := r.CreateSession(term.Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	filename, err := r.StartRecording(id, "")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if !strings.HasSuffix(filename, ".cast") {
		t.Errorf("filename = %q, want .cast suffix", filename)
	}
	events.waitFor(t, "rec-started:"+id+":"+filename)

	infos := r.Sessions()
	if len(infos) != 1 || !infos[0].Recording {
		t.Errorf("Sessions() = %+v, want Recording true", infos)
	}

	gotName, saved, err := r.StopRecording(id)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if gotName != filename || !saved {
		t.Errorf("StopRecording = (%q, %v), want (%q, true)", gotName, saved, filename)
	}
	if _, err := os.Stat(filepath.Join(dir, filename)); err != nil {
		t.Errorf("saved transcript missing: %v", err)
	}

	if _, _, err := r.StopRecording(id); !errors.Is(err, ErrNoRecording) {
		t.Errorf("second StopRecording = %v, want ErrNoRecording", err)
	}
}

func TestStartRecordingSanitizesFilename(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry(t, Config{RecordingDir: dir, RecordingMode: recording.ModeAlways})

	id, _, err := r.CreateSession(term.Options{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	filename, err := r.StartRecording(id, "../../escape")
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if filename != "escape.cast" {
		t.Errorf("filename = %q, want escape.cast", filename)
	}
	if _, _, err := r.StopRecording(id); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "escape.cast")); err != nil {
		t.Errorf("transcript not inside recordings dir: %v", err)
	}
}

func TestStartRecordingUnknownSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	var nf *NotFoundError
	if _, err := r.StartRecording("session-0-00000000", ""); !errors.As(err, &nf) {
		t.Errorf("StartRecording = %v, want *NotFoundError", err)
	}
}

func TestOnFailureRetentionAcrossExit(t *testing.T) {
	tests := []struct {
		name      string
		exit      string
		wantSaved bool
	}{
		{"failure kept", "exit 3\r", true},
		{"success discarded", "exit 0\r", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			r := newTestRegistry(t, Config{RecordingDir: dir, RecordingMode: recording.ModeOnFailure})
			events := &eventLog{}
			r.AddListener(events)

			id, sess, err := r.CreateSession(term.Options{})
			if err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			filename, err := r.StartRecording(id, "")
			if err != nil {
				t.Fatalf("StartRecording: %v", err)
			}
			if err := sess.WriteString(tt.exit); err != nil {
				t.Fatalf("WriteString: %v", err)
			}

			ev := events.waitFor(t, "rec-stopped:"+id)
			want := fmt.Sprintf("rec-stopped:%s:%s:%v", id, filename, tt.wantSaved)
			if ev != want {
				t.Errorf("stop event = %q, want %q", ev, want)
			}
			events.waitFor(t, "closed:"+id)

			_, statErr := os.Stat(filepath.Join(dir, filename))
			if tt.wantSaved && statErr != nil {
				t.Errorf("transcript missing: %v", statErr)
			}
			if !tt.wantSaved && !os.IsNotExist(statErr) {
				t.Errorf("discarded transcript still on disk (stat err %v)", statErr)
			}
		})
	}
}

// ============================================================================
// Dispose and maintenance
// ============================================================================

func TestRegistryDisposeIdempotent(t *testing.T) {
	r := newTestRegistry(t, Config{})
	events := &eventLog{}
	r.AddListener(events)

	if _, _, err := r.CreateSession(term.Options{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := r.DefaultSession(); err != nil {
		t.Fatalf("DefaultSession: %v", err)
	}

	r.Dispose()
	r.Dispose()

	closed := 0
	for _, ev := range events.snapshot() {
		if strings.HasPrefix(ev, "closed:") {
			closed++
		}
	}
	if closed != 2 {
		t.Errorf("closed events = %d, want 2", closed)
	}
	if _, _, err := r.CreateSession(term.Options{}); !errors.Is(err, ErrRegistryDisposed) {
		t.Errorf("CreateSession after dispose = %v, want ErrRegistryDisposed", err)
	}
	if _, err := r.DefaultSession(); !errors.Is(err, ErrRegistryDisposed) {
		t.Errorf("DefaultSession after dispose = %v, want ErrRegistryDisposed", err)
	}
}

func TestPassthroughsUseDefaultSession(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if r.HasDefault() {
		t.Fatal("default session exists before first use")
	}

	if _, err := r.Content(); err != nil {
		t.Fatalf("Content: %v", err)
	}
	if !r.HasDefault() {
		t.Fatal("Content did not create the default session")
	}

	if err := r.Resize(100, 30); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	shot, err := r.Screenshot()
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if shot.Cols != 100 || shot.Rows != 30 {
		t.Errorf("screenshot dims = %dx%d, want 100x30", shot.Cols, shot.Rows)
	}
	if err := r.Write([]byte("true\r")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := r.SendKey("enter"); err != nil {
		t.Fatalf("SendKey: %v", err)
	}
}

func TestReapIdle(t *testing.T) {
	r := newTestRegistry(t, Config{})
	if _, _, err := r.CreateSession(term.Options{}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Let the shell finish its startup output so lastActive goes quiet.
	time.Sleep(500 * time.Millisecond)
	reaped := r.ReapIdle(100 * time.Millisecond)
	if reaped != 1 {
		t.Errorf("ReapIdle = %d, want 1", reaped)
	}
	if n := len(r.Sessions()); n != 0 {
		t.Errorf("Sessions() = %d entries after reap, want 0", n)
	}
}
