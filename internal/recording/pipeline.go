package recording

import (
	"errors"
	"log"
	"sync"
)

// NotifyFunc is called after a recorder finalizes, whether the stop was
// requested or forced by a limit timer.
type NotifyFunc func(sessionID string, rec *Recorder, res Result)

// Pipeline fans session events out to every recorder attached to that
// session. A recorder that fails to write never blocks the session or
// its sibling recorders.
type Pipeline struct {
	mu        sync.Mutex
	recorders map[string][]*Recorder
	exits     map[string]exitNote
	notify    NotifyFunc
}

// exitNote distinguishes "exited with nil code" from "not exited yet".
type exitNote struct {
	code  *int
	noted bool
}

// NewPipeline returns an empty pipeline. notify may be nil.
func NewPipeline(notify NotifyFunc) *Pipeline {
	return &Pipeline{
		recorders: make(map[string][]*Recorder),
		exits:     make(map[string]exitNote),
		notify:    notify,
	}
}

// CreateRecording registers a new recorder for a session. The recorder is
// returned idle; the caller starts it with the session's dimensions. Limit
// timers finalize through the pipeline so the stop event still fans out.
func (p *Pipeline) CreateRecording(sessionID string, opts Options) *Recorder {
	opts.OnAutoStop = func(r *Recorder, reason string) {
		log.Printf("Recording %s: stopped by %s limit", r.Filename(), reason)
		p.finalizeAuto(sessionID, r)
	}
	rec := New(opts)

	p.mu.Lock()
	p.recorders[sessionID] = append(p.recorders[sessionID], rec)
	p.mu.Unlock()
	return rec
}

// Recorders returns the recorders currently attached to a session.
func (p *Pipeline) Recorders(sessionID string) []*Recorder {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Recorder(nil), p.recorders[sessionID]...)
}

// RecordOutputToAll forwards output to every recorder on the session.
func (p *Pipeline) RecordOutputToAll(sessionID string, data []byte) {
	for _, rec := range p.Recorders(sessionID) {
		if err := rec.RecordOutput(data); err != nil {
			log.Printf("Recording %s: dropping output event: %v", rec.Filename(), err)
		}
	}
}

// RecordResizeToAll forwards a resize to every recorder on the session.
func (p *Pipeline) RecordResizeToAll(sessionID string, cols, rows int) {
	for _, rec := range p.Recorders(sessionID) {
		if err := rec.RecordResize(cols, rows); err != nil {
			log.Printf("Recording %s: dropping resize event: %v", rec.Filename(), err)
		}
	}
}

// NoteExit records a session's exit code so a limit-timer stop racing the
// exit can still apply the right retention decision.
func (p *Pipeline) NoteExit(sessionID string, code *int) {
	p.mu.Lock()
	p.exits[sessionID] = exitNote{code: code, noted: true}
	p.mu.Unlock()
}

func (p *Pipeline) notedExit(sessionID string) *int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exits[sessionID].code
}

// Finalize stops one recorder, detaches it and fires the stop
// notification. Finalizing an already-finalized recorder is a no-op that
// returns the original result.
func (p *Pipeline) Finalize(sessionID string, rec *Recorder, exitCode *int) (Result, error) {
	p.detach(sessionID, rec)

	res, err := rec.Finalize(exitCode)
	if errors.Is(err, ErrRecorderFinalized) {
		return res, err
	}
	if err != nil {
		log.Printf("Recording %s: finalize failed: %v", rec.Filename(), err)
	}
	if p.notify != nil {
		p.notify(sessionID, rec, res)
	}
	return res, err
}

// FinalizeAll stops every recorder attached to a session and clears its
// exit note. Each finalized recorder fires its own stop notification.
func (p *Pipeline) FinalizeAll(sessionID string, exitCode *int) []Result {
	p.mu.Lock()
	recs := p.recorders[sessionID]
	delete(p.recorders, sessionID)
	delete(p.exits, sessionID)
	p.mu.Unlock()

	results := make([]Result, 0, len(recs))
	for _, rec := range recs {
		res, err := rec.Finalize(exitCode)
		if errors.Is(err, ErrRecorderFinalized) {
			continue
		}
		if err != nil {
			log.Printf("Recording %s: finalize failed: %v", rec.Filename(), err)
		}
		if p.notify != nil {
			p.notify(sessionID, rec, res)
		}
		results = append(results, res)
	}
	return results
}

// finalizeAuto handles a limit-timer stop, adopting the session's noted
// exit code when the session already ended.
func (p *Pipeline) finalizeAuto(sessionID string, rec *Recorder) {
	p.Finalize(sessionID, rec, p.notedExit(sessionID))
}

// Discard detaches and finalizes a recorder without firing the stop
// notification. Used when a recorder failed to start and no one was ever
// told about it.
func (p *Pipeline) Discard(sessionID string, rec *Recorder) {
	p.detach(sessionID, rec)
	rec.Finalize(nil)
}

func (p *Pipeline) detach(sessionID string, rec *Recorder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recs := p.recorders[sessionID]
	for i, r := range recs {
		if r == rec {
			p.recorders[sessionID] = append(recs[:i], recs[i+1:]...)
			if len(p.recorders[sessionID]) == 0 {
				delete(p.recorders, sessionID)
			}
			return
		}
	}
}
