// Package recording writes terminal transcripts in asciicast v2 format.
// A Recorder is a one-shot state machine (idle, recording, finalized)
// that streams events to a temp file and atomically renames it into
// place when the retention mode says the transcript should be kept.
package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Mode decides at finalize time whether a transcript is kept.
type Mode string

const (
	// ModeAlways keeps every finalized transcript.
	ModeAlways Mode = "always"
	// ModeOnFailure keeps a transcript only when the session exited with
	// a known non-zero code.
	ModeOnFailure Mode = "on-failure"
	// ModeOff records events but always discards the transcript.
	ModeOff Mode = "off"
)

// ParseMode maps a config string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAlways, ModeOnFailure, ModeOff:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown recording mode %q", s)
}

var (
	// ErrRecorderStarted is returned by Start on a recorder that is
	// already recording.
	ErrRecorderStarted = errors.New("recorder already started")
	// ErrRecorderFinalized is returned by Start and Finalize once a
	// recorder has been finalized.
	ErrRecorderFinalized = errors.New("recorder finalized")
)

// timeNow is swapped out by tests that need deterministic timestamps.
var timeNow = time.Now

// Options configures a Recorder.
type Options struct {
	Dir      string // recordings directory, created on Start
	Filename string // final file name; empty derives one from Title
	Title    string
	Shell    string // recorded in the transcript header env
	Mode     Mode   // zero value falls back to ModeAlways

	// IdleLimit caps the recorded gap between consecutive events, so a
	// session left idle overnight plays back without the wait.
	IdleLimit time.Duration
	// MaxDuration force-stops the recording after this much wall time.
	MaxDuration time.Duration
	// InactivityTimeout force-stops the recording after this long without any
	// recorded event.
	InactivityTimeout time.Duration

	// OnAutoStop is invoked, from a timer goroutine, when MaxDuration or
	// InactivityTimeout fires. When nil the recorder finalizes itself with an
	// unknown exit code.
	OnAutoStop func(r *Recorder, reason string)
}

// Result is the metadata of a finalized recorder. Discarded transcripts
// report the same fields with Saved false and the path they would have
// been renamed to.
type Result struct {
	Saved    bool
	Name     string // transcript file name
	Path     string // final transcript path
	TempPath string // staging file the events were written to
	Start    time.Time
	End      time.Time
	Duration time.Duration // wall time between Start and Finalize
	Bytes    int64         // transcript bytes written, header included
	ExitCode *int
	Mode     Mode
}

type recorderState int

const (
	stateIdle recorderState = iota
	stateRecording
	stateFinalized
)

type castHeader struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Env       map[string]string `json:"env"`
	Title     string            `json:"title,omitempty"`
}

// Recorder streams one session's output into one asciicast v2 file.
type Recorder struct {
	opts Options

	mu              sync.Mutex
	state           recorderState
	file            *os.File
	w               *bufio.Writer
	tempPath        string
	finalPath       string
	startWall       time.Time
	lastWall        time.Time
	lastTS          float64
	bytes           int64
	maxTimer        *time.Timer
	inactivityTimer *time.Timer
	result          Result
}

// New returns an idle recorder. Nothing touches the filesystem until
// Start.
func New(opts Options) *Recorder {
	if opts.Mode == "" {
		opts.Mode = ModeAlways
	}
	return &Recorder{opts: opts}
}

// Mode returns the retention mode this recorder finalizes under.
func (r *Recorder) Mode() Mode { return r.opts.Mode }

// Filename returns the final transcript file name, known once Start has
// run.
func (r *Recorder) Filename() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalPath == "" {
		return ""
	}
	return filepath.Base(r.finalPath)
}

// Recording reports whether the recorder is between Start and Finalize.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRecording
}

// Start opens the temp transcript and writes the asciicast header with
// the session's current dimensions.
func (r *Recorder) Start(cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case stateRecording:
		return ErrRecorderStarted
	case stateFinalized:
		return ErrRecorderFinalized
	}

	if err := os.MkdirAll(r.opts.Dir, 0755); err != nil {
		return fmt.Errorf("recordings dir: %w", err)
	}

	start := timeNow()
	name := r.opts.Filename
	if name == "" {
		name = DefaultFilename(start, r.opts.Title)
	}
	finalPath := filepath.Join(r.opts.Dir, name)
	tempPath := filepath.Join(r.opts.Dir, "."+name+".part")

	f, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}
	w := bufio.NewWriter(f)

	header := castHeader{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: start.Unix(),
		Env:       map[string]string{"SHELL": r.opts.Shell, "TERM": "xterm-256color"},
		Title:     r.opts.Title,
	}
	line, err := json.Marshal(header)
	if err == nil {
		_, err = w.Write(append(line, '\n'))
	}
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write transcript header: %w", err)
	}

	r.state = stateRecording
	r.file = f
	r.w = w
	r.tempPath = tempPath
	r.finalPath = finalPath
	r.startWall = start
	r.lastWall = start
	r.lastTS = 0
	r.bytes = int64(len(line) + 1)

	if r.opts.MaxDuration > 0 {
		r.maxTimer = time.AfterFunc(r.opts.MaxDuration, func() { r.autoStop("max-duration") })
	}
	if r.opts.InactivityTimeout > 0 {
		r.inactivityTimer = time.AfterFunc(r.opts.InactivityTimeout, func() { r.autoStop("inactivity") })
	}
	return nil
}

// RecordOutput appends an output event. Events outside the recording
// state are ignored.
func (r *Recorder) RecordOutput(data []byte) error {
	return r.writeEvent("o", string(data))
}

// RecordResize appends a resize event with a "COLSxROWS" payload.
func (r *Recorder) RecordResize(cols, rows int) error {
	return r.writeEvent("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) writeEvent(code, payload string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateRecording {
		return nil
	}

	now := timeNow()
	delta := now.Sub(r.lastWall)
	if delta < 0 {
		delta = 0
	}
	if r.opts.IdleLimit > 0 && delta > r.opts.IdleLimit {
		delta = r.opts.IdleLimit
	}
	ts := round6(r.lastTS + delta.Seconds())
	r.lastTS = ts
	r.lastWall = now

	if r.inactivityTimer != nil {
		r.inactivityTimer.Reset(r.opts.InactivityTimeout)
	}

	line, err := json.Marshal([]interface{}{ts, code, payload})
	if err != nil {
		return err
	}
	n, err := r.w.Write(append(line, '\n'))
	r.bytes += int64(n)
	if err != nil {
		return fmt.Errorf("write transcript event: %w", err)
	}
	return nil
}

// round6 rounds a timestamp to microsecond precision.
func round6(ts float64) float64 {
	return math.Round(ts*1e6) / 1e6
}

// Elapsed returns the recorded timestamp of the last event.
func (r *Recorder) Elapsed() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastTS
}

func (r *Recorder) autoStop(reason string) {
	if r.opts.OnAutoStop != nil {
		r.opts.OnAutoStop(r, reason)
		return
	}
	r.Finalize(nil)
}

// Finalize closes the transcript and applies the retention mode: the
// temp file is renamed into place when kept, removed when not. exitCode
// nil means the session ended without a known code, which ModeOnFailure
// treats as not-a-failure. Finalize is one-shot; later calls return the
// first result with ErrRecorderFinalized.
func (r *Recorder) Finalize(exitCode *int) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateFinalized:
		return r.result, ErrRecorderFinalized
	case stateIdle:
		// Never started: nothing on disk, nothing to keep.
		r.state = stateFinalized
		r.result = Result{Mode: r.opts.Mode}
		return r.result, nil
	}

	r.state = stateFinalized
	if r.maxTimer != nil {
		r.maxTimer.Stop()
	}
	if r.inactivityTimer != nil {
		r.inactivityTimer.Stop()
	}

	end := timeNow()
	res := Result{
		Name:     filepath.Base(r.finalPath),
		Path:     r.finalPath,
		TempPath: r.tempPath,
		Start:    r.startWall,
		End:      end,
		Duration: end.Sub(r.startWall),
		Bytes:    r.bytes,
		Mode:     r.opts.Mode,
	}
	if exitCode != nil {
		code := *exitCode
		res.ExitCode = &code
	}
	r.result = res

	flushErr := r.w.Flush()
	closeErr := r.file.Close()
	if flushErr != nil || closeErr != nil {
		os.Remove(r.tempPath)
		if flushErr != nil {
			return r.result, fmt.Errorf("flush transcript: %w", flushErr)
		}
		return r.result, fmt.Errorf("close transcript: %w", closeErr)
	}

	save := false
	switch r.opts.Mode {
	case ModeAlways:
		save = true
	case ModeOnFailure:
		save = exitCode != nil && *exitCode != 0
	case ModeOff:
		save = false
	}
	if !save {
		if err := os.Remove(r.tempPath); err != nil && !os.IsNotExist(err) {
			return r.result, fmt.Errorf("discard transcript: %w", err)
		}
		return r.result, nil
	}

	if err := os.Rename(r.tempPath, r.finalPath); err != nil {
		os.Remove(r.tempPath)
		return r.result, fmt.Errorf("save transcript: %w", err)
	}
	r.result.Saved = true
	return r.result, nil
}
