package recording

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Entry describes one saved transcript in the recordings directory.
type Entry struct {
	Name     string
	Path     string
	Size     int64
	ModTime  time.Time
	Width    int
	Height   int
	Title    string
	Duration float64 // seconds, timestamp of the last event
}

// Index maintains a live listing of saved transcripts. Because recorders
// write to dotfile temps and rename on finalize, the watcher only ever
// sees complete files appear.
type Index struct {
	dir     string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	entries map[string]Entry

	done chan struct{}
}

// NewIndex scans the recordings directory and starts watching it for
// transcripts appearing or disappearing.
func NewIndex(dir string) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	ix := &Index{
		dir:     dir,
		watcher: watcher,
		entries: make(map[string]Entry),
		done:    make(chan struct{}),
	}
	ix.rescan()
	go ix.loop()
	return ix, nil
}

// Close stops the directory watcher.
func (ix *Index) Close() error {
	close(ix.done)
	return ix.watcher.Close()
}

// Entries returns the known transcripts, newest first.
func (ix *Index) Entries() []Entry {
	ix.mu.RLock()
	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		out = append(out, e)
	}
	ix.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Get looks up a transcript by file name.
func (ix *Index) Get(name string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[name]
	return e, ok
}

func indexable(name string) bool {
	return strings.HasSuffix(name, ".cast") && !strings.HasPrefix(name, ".")
}

func (ix *Index) loop() {
	for {
		select {
		case ev, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !indexable(name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write):
				ix.scanFile(ev.Name)
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				ix.forget(name)
			}
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Recording index: watcher error: %v", err)
		case <-ix.done:
			return
		}
	}
}

func (ix *Index) rescan() {
	names, err := os.ReadDir(ix.dir)
	if err != nil {
		log.Printf("Recording index: scan %s: %v", ix.dir, err)
		return
	}
	for _, de := range names {
		if de.IsDir() || !indexable(de.Name()) {
			continue
		}
		ix.scanFile(filepath.Join(ix.dir, de.Name()))
	}
}

func (ix *Index) scanFile(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	entry := Entry{
		Name:    filepath.Base(path),
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if hdr, last, err := readCastInfo(path); err == nil {
		entry.Width = hdr.Width
		entry.Height = hdr.Height
		entry.Title = hdr.Title
		entry.Duration = last
	}

	ix.mu.Lock()
	ix.entries[entry.Name] = entry
	ix.mu.Unlock()
}

func (ix *Index) forget(name string) {
	ix.mu.Lock()
	delete(ix.entries, name)
	ix.mu.Unlock()
}

// TranscriptOutput concatenates a transcript's output events back into
// the raw byte stream a terminal replaying it would receive. Resize and
// other non-output events are skipped.
func TranscriptOutput(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var b strings.Builder
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		var ev []interface{}
		if json.Unmarshal(sc.Bytes(), &ev) != nil || len(ev) < 3 {
			continue
		}
		if code, _ := ev[1].(string); code != "o" {
			continue
		}
		if payload, ok := ev[2].(string); ok {
			b.WriteString(payload)
		}
	}
	return b.String(), sc.Err()
}

// readCastInfo parses a transcript's header line and the timestamp of its
// final event.
func readCastInfo(path string) (castHeader, float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return castHeader{}, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var hdr castHeader
	var lastLine []byte
	first := true
	for sc.Scan() {
		if first {
			if err := json.Unmarshal(sc.Bytes(), &hdr); err != nil {
				return castHeader{}, 0, err
			}
			first = false
			continue
		}
		if len(bytes.TrimSpace(sc.Bytes())) > 0 {
			lastLine = append(lastLine[:0], sc.Bytes()...)
		}
	}
	if err := sc.Err(); err != nil {
		return hdr, 0, err
	}

	var last float64
	if lastLine != nil {
		var ev []interface{}
		if json.Unmarshal(lastLine, &ev) == nil && len(ev) > 0 {
			if ts, ok := ev[0].(float64); ok {
				last = ts
			}
		}
	}
	return hdr, last, nil
}
