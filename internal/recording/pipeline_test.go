package recording

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type notifyRecord struct {
	sessionID string
	filename  string
	saved     bool
}

type notifyCollector struct {
	mu   sync.Mutex
	list []notifyRecord
}

func (c *notifyCollector) fn(sessionID string, rec *Recorder, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list = append(c.list, notifyRecord{sessionID, rec.Filename(), res.Saved})
}

func (c *notifyCollector) snapshot() []notifyRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notifyRecord(nil), c.list...)
}

func TestPipelineFanOut(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(nil)

	rec1 := p.CreateRecording("s1", Options{Dir: dir, Filename: "one.cast"})
	rec2 := p.CreateRecording("s1", Options{Dir: dir, Filename: "two.cast"})
	for _, rec := range []*Recorder{rec1, rec2} {
		if err := rec.Start(80, 24); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	p.RecordOutputToAll("s1", []byte("shared"))
	p.RecordResizeToAll("s1", 100, 30)
	p.FinalizeAll("s1", nil)

	for _, name := range []string{"one.cast", "two.cast"} {
		_, events := readCast(t, dir+"/"+name)
		if len(events) != 2 {
			t.Fatalf("%s: got %d events, want 2", name, len(events))
		}
		if events[0][2] != "shared" || events[1][2] != "100x30" {
			t.Errorf("%s: events = %v", name, events)
		}
	}
}

func TestPipelineIsolatesFailingRecorder(t *testing.T) {
	dir := t.TempDir()
	collector := &notifyCollector{}
	p := NewPipeline(collector.fn)

	broken := p.CreateRecording("s1", Options{Dir: dir, Filename: "broken.cast"})
	healthy := p.CreateRecording("s1", Options{Dir: dir, Filename: "healthy.cast"})
	for _, rec := range []*Recorder{broken, healthy} {
		if err := rec.Start(80, 24); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	// Make the first recorder's writes fail from here on.
	broken.file.Close()

	big := bytes.Repeat([]byte("x"), 8192)
	p.RecordOutputToAll("s1", big)
	p.FinalizeAll("s1", nil)

	_, events := readCast(t, dir+"/healthy.cast")
	if len(events) != 1 || events[0][2] != string(big) {
		t.Error("healthy recorder lost the event written alongside a failing one")
	}

	notes := collector.snapshot()
	if len(notes) != 2 {
		t.Fatalf("got %d stop notifications, want 2", len(notes))
	}
}

func TestPipelineFinalizeDetachesAndNotifiesOnce(t *testing.T) {
	dir := t.TempDir()
	collector := &notifyCollector{}
	p := NewPipeline(collector.fn)

	rec := p.CreateRecording("s1", Options{Dir: dir, Filename: "run.cast"})
	if err := rec.Start(80, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := p.Finalize("s1", rec, nil)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !res.Saved {
		t.Error("recorder did not save")
	}
	if got := p.Recorders("s1"); len(got) != 0 {
		t.Errorf("Recorders(s1) = %d entries after finalize, want 0", len(got))
	}

	if _, err := p.Finalize("s1", rec, nil); !errors.Is(err, ErrRecorderFinalized) {
		t.Errorf("second Finalize = %v, want ErrRecorderFinalized", err)
	}
	if notes := collector.snapshot(); len(notes) != 1 {
		t.Errorf("got %d stop notifications, want 1", len(notes))
	}
}

func TestPipelineFinalizeAllOrderAndCleanup(t *testing.T) {
	dir := t.TempDir()
	collector := &notifyCollector{}
	p := NewPipeline(collector.fn)

	for _, name := range []string{"first.cast", "second.cast"} {
		rec := p.CreateRecording("s1", Options{Dir: dir, Filename: name})
		if err := rec.Start(80, 24); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	p.NoteExit("s1", intPtr(0))
	p.FinalizeAll("s1", intPtr(0))

	notes := collector.snapshot()
	if len(notes) != 2 || notes[0].filename != "first.cast" || notes[1].filename != "second.cast" {
		t.Errorf("notifications = %v, want first.cast then second.cast", notes)
	}
	if got := p.Recorders("s1"); len(got) != 0 {
		t.Errorf("Recorders(s1) = %d entries, want 0", len(got))
	}
	if code := p.notedExit("s1"); code != nil {
		t.Errorf("exit note survived FinalizeAll: %v", *code)
	}
}

func TestPipelineAutoStopAdoptsNotedExit(t *testing.T) {
	dir := t.TempDir()
	collector := &notifyCollector{}
	p := NewPipeline(collector.fn)

	rec := p.CreateRecording("s1", Options{
		Dir:         dir,
		Filename:    "run.cast",
		Mode:        ModeOnFailure,
		MaxDuration: 50 * time.Millisecond,
	})
	if err := rec.Start(80, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.NoteExit("s1", intPtr(3))

	deadline := time.Now().Add(3 * time.Second)
	for rec.Recording() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rec.Recording() {
		t.Fatal("recorder still recording after max duration")
	}

	notes := collector.snapshot()
	if len(notes) != 1 {
		t.Fatalf("got %d stop notifications, want 1", len(notes))
	}
	if !notes[0].saved {
		t.Error("on-failure recording with noted exit 3 was not saved")
	}
	if !strings.HasSuffix(notes[0].filename, "run.cast") {
		t.Errorf("notification filename = %q", notes[0].filename)
	}
}

func TestPipelineEventsAfterDetachAreDropped(t *testing.T) {
	dir := t.TempDir()
	p := NewPipeline(nil)

	rec := p.CreateRecording("s1", Options{Dir: dir, Filename: "run.cast"})
	if err := rec.Start(80, 24); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := p.Finalize("s1", rec, nil); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	p.RecordOutputToAll("s1", []byte("late"))
	_, events := readCast(t, dir+"/run.cast")
	if len(events) != 0 {
		t.Errorf("events = %v, want none", events)
	}
}
