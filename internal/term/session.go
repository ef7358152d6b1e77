// Package term owns one shell process per Session: a PTY with an attached
// vt10x screen emulator. Callers write bytes or named keys, read rendered
// screen content, and observe data/exit/resize events in the order the
// process produced them.
package term

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/hinshun/vt10x"
)

const (
	// DefaultCols is the terminal width used when none is requested.
	DefaultCols = 120
	// DefaultRows is the terminal height used when none is requested.
	DefaultRows = 40
	// RingBufferSize is the size of the raw-output scrollback ring (512KB).
	RingBufferSize = 512 * 1024

	readBufferSize = 4096
)

// ErrDisposed is the sentinel wrapped by every DisposedError.
var ErrDisposed = errors.New("session disposed")

// DisposedError reports an operation attempted on a disposed session.
type DisposedError struct {
	Op string
}

func (e *DisposedError) Error() string { return e.Op + ": session disposed" }
func (e *DisposedError) Unwrap() error { return ErrDisposed }

// SpawnError reports a shell process that could not be started.
type SpawnError struct {
	Shell string
	Err   error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %q: %v", e.Shell, e.Err) }
func (e *SpawnError) Unwrap() error { return e.Err }

// Sandbox is an opaque capability a session may be created under. Only its
// cleanup contract is consumed here, during async disposal.
type Sandbox interface {
	Cleanup(ctx context.Context) error
}

// Observer receives session events. Callbacks are invoked synchronously
// from the session's reader and control paths, in the exact order output
// was produced; Exit is delivered once, last.
type Observer interface {
	Data(data []byte)
	Exit(code *int)
	Resize(cols, rows int)
}

// Options configures a new session. Zero values fall back to defaults:
// $SHELL (then /bin/bash), 120x40, process working directory.
type Options struct {
	Shell   string            // command line, split on whitespace
	Cols    int
	Rows    int
	Cwd     string
	Env     map[string]string // extra environment entries
	Sandbox Sandbox
}

// DefaultShell returns $SHELL, falling back to /bin/bash.
func DefaultShell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/bash"
}

// Screenshot is one consistent capture of the visible screen.
type Screenshot struct {
	Content string
	CursorX int
	CursorY int
	Cols    int
	Rows    int
}

// Session is one live shell process plus its virtual screen state.
type Session struct {
	shell string
	cwd   string
	cmd   *exec.Cmd
	ptmx  *os.File

	mu         sync.Mutex // guards ptmx writes, dimensions, disposed, lastActive
	cols       int
	rows       int
	disposed   bool
	lastActive time.Time
	exitCode   *int
	exited     bool

	vtMu sync.Mutex // guards vt and the scrollback ring
	vt   vt10x.Terminal

	ringBuf  []byte
	ringHead int
	ringLen  int

	obsMu     sync.Mutex // held across dispatch: serializes data/resize/exit delivery
	observers []registeredObserver
	nextObsID int

	sandbox Sandbox
	done    chan struct{}
}

type registeredObserver struct {
	id  int
	obs Observer
}

// Start spawns the shell under a PTY with the requested dimensions and
// begins feeding its output into the screen emulator.
func Start(opts Options) (*Session, error) {
	shell := opts.Shell
	if shell == "" {
		shell = DefaultShell()
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}

	name, args := parseCommand(shell)
	cmd := exec.Command(name, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if opts.Cwd != "" {
		cmd.Dir = opts.Cwd
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, &SpawnError{Shell: shell, Err: err}
	}

	s := &Session{
		shell:      shell,
		cwd:        opts.Cwd,
		cmd:        cmd,
		ptmx:       ptmx,
		cols:       cols,
		rows:       rows,
		lastActive: time.Now(),
		vt:         vt10x.New(vt10x.WithSize(cols, rows)),
		ringBuf:    make([]byte, RingBufferSize),
		sandbox:    opts.Sandbox,
		done:       make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// parseCommand splits a command line into name and arguments.
func parseCommand(cmdStr string) (string, []string) {
	parts := strings.Fields(cmdStr)
	if len(parts) == 0 {
		return cmdStr, nil
	}
	return parts[0], parts[1:]
}

// readLoop pumps process output into the emulator and to observers until
// the PTY read fails, then reaps the process and delivers the exit event.
func (s *Session) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			s.vtMu.Lock()
			s.vt.Write(data)
			s.writeToRing(data)
			s.vtMu.Unlock()

			s.touch()
			s.notifyData(data)
		}
		if err != nil {
			break
		}
	}

	code := s.reap()
	s.mu.Lock()
	s.exitCode = code
	s.exited = true
	s.mu.Unlock()

	s.notifyExit(code)
	close(s.done)
}

// reap waits for the process and maps its status to an exit code; nil means
// the process terminated without one (killed by signal).
func (s *Session) reap() *int {
	s.cmd.Wait()
	state := s.cmd.ProcessState
	if state == nil || !state.Exited() {
		return nil
	}
	code := state.ExitCode()
	return &code
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// Subscribe registers an observer and returns its unsubscribe func.
// Unsubscribing is idempotent.
func (s *Session) Subscribe(obs Observer) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers = append(s.observers, registeredObserver{id: id, obs: obs})
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		for i, reg := range s.observers {
			if reg.id == id {
				s.observers = append(s.observers[:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

func (s *Session) notifyData(data []byte) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for _, reg := range s.observers {
		reg.obs.Data(data)
	}
}

func (s *Session) notifyResize(cols, rows int) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	for _, reg := range s.observers {
		reg.obs.Resize(cols, rows)
	}
}

func (s *Session) notifyExit(code *int) {
	s.obsMu.Lock()
	observers := s.observers
	s.observers = nil // disposal implies unsubscribe
	s.obsMu.Unlock()
	for _, reg := range observers {
		reg.obs.Exit(code)
	}
}

// Write forwards bytes to the shell process.
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return &DisposedError{Op: "write"}
	}
	s.lastActive = time.Now()
	_, err := s.ptmx.Write(data)
	return err
}

// WriteString forwards a string to the shell process.
func (s *Session) WriteString(text string) error {
	return s.Write([]byte(text))
}

// SendKey resolves a key name through the key table and writes its escape
// sequence to the process.
func (s *Session) SendKey(name string) error {
	return s.Write([]byte(KeySequence(name)))
}

// Clear clears the screen and homes the cursor.
func (s *Session) Clear() error {
	return s.Write([]byte("\x1b[2J\x1b[H"))
}

// Resize applies new dimensions to the PTY and the emulator together, so
// no caller observes one updated without the other.
func (s *Session) Resize(cols, rows int) error {
	if cols < 1 || rows < 1 {
		return fmt.Errorf("resize: invalid dimensions %dx%d", cols, rows)
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return &DisposedError{Op: "resize"}
	}
	s.vtMu.Lock()
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)}); err != nil {
		s.vtMu.Unlock()
		s.mu.Unlock()
		return fmt.Errorf("resize: %w", err)
	}
	s.vt.Resize(cols, rows)
	s.cols, s.rows = cols, rows
	s.lastActive = time.Now()
	s.vtMu.Unlock()
	s.mu.Unlock()

	s.notifyResize(cols, rows)
	return nil
}

// Cols returns the current terminal width.
func (s *Session) Cols() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cols
}

// Rows returns the current terminal height.
func (s *Session) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}

// Shell returns the command line this session was started with.
func (s *Session) Shell() string { return s.shell }

// Cwd returns the working directory this session was started in.
func (s *Session) Cwd() string { return s.cwd }

// LastActive returns the time of the last write or output.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Done is closed after the process has exited and the exit event was
// delivered.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitCode returns the process exit code once it has exited; nil before
// exit or when the process was killed without one.
func (s *Session) ExitCode() *int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Disposed reports whether Dispose has run.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// renderLine builds one screen row from emulator cells, trailing spaces
// trimmed. Caller holds vtMu.
func (s *Session) renderLine(row, cols int) string {
	var b strings.Builder
	b.Grow(cols)
	for col := 0; col < cols; col++ {
		c := s.vt.Cell(col, row)
		if c.Char == 0 {
			b.WriteRune(' ')
		} else {
			b.WriteRune(c.Char)
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// VisibleContent returns exactly the current viewport: one line per
// terminal row, trailing spaces trimmed.
func (s *Session) VisibleContent() string {
	s.vtMu.Lock()
	defer s.vtMu.Unlock()
	cols, rows := s.vt.Size()
	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		lines[row] = s.renderLine(row, cols)
	}
	return strings.Join(lines, "\n")
}

// Content returns the rendered screen with trailing blank lines trimmed.
func (s *Session) Content() string {
	return CleanOutput(s.VisibleContent())
}

// ContentRange returns rows [start, end), clamped to the screen.
func (s *Session) ContentRange(start, end int) string {
	s.vtMu.Lock()
	defer s.vtMu.Unlock()
	cols, rows := s.vt.Size()
	if start < 0 {
		start = 0
	}
	if end > rows {
		end = rows
	}
	if start >= end {
		return ""
	}
	lines := make([]string, 0, end-start)
	for row := start; row < end; row++ {
		lines = append(lines, s.renderLine(row, cols))
	}
	return strings.Join(lines, "\n")
}

// Screenshot captures visible content, cursor position and dimensions as
// one consistent snapshot.
func (s *Session) Screenshot() Screenshot {
	s.vtMu.Lock()
	defer s.vtMu.Unlock()
	cols, rows := s.vt.Size()
	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		lines[row] = s.renderLine(row, cols)
	}
	cursor := s.vt.Cursor()
	return Screenshot{
		Content: strings.Join(lines, "\n"),
		CursorX: cursor.X,
		CursorY: cursor.Y,
		Cols:    cols,
		Rows:    rows,
	}
}

// screenshotHeader is the dimensions and cursor line screenshots start
// with. Cursor position reads (row, col).
func screenshotHeader(cols, rows, cursorX, cursorY int) string {
	return fmt.Sprintf("Terminal: %dx%d | Cursor: (%d, %d)\n%s\n",
		cols, rows, cursorY, cursorX, strings.Repeat("─", cols))
}

// Header is the screenshot's leading dimensions and cursor line.
func (s Screenshot) Header() string {
	return screenshotHeader(s.Cols, s.Rows, s.CursorX, s.CursorY)
}

// ScreenshotANSI renders the screen with ANSI color sequences plus a
// header naming dimensions and cursor position.
func (s *Session) ScreenshotANSI() string {
	s.vtMu.Lock()
	defer s.vtMu.Unlock()

	cols, rows := s.vt.Size()
	cursor := s.vt.Cursor()

	var b strings.Builder
	b.WriteString(screenshotHeader(cols, rows, cursor.X, cursor.Y))

	lastFG, lastBG := vt10x.DefaultFG, vt10x.DefaultBG
	for row := 0; row < rows; row++ {
		for col := 0; col < cols; col++ {
			cell := s.vt.Cell(col, row)
			if cell.FG != lastFG || cell.BG != lastBG {
				b.WriteString("\x1b[0m")
				if cell.FG != vt10x.DefaultFG && cell.FG < 256 {
					fmt.Fprintf(&b, "\x1b[38;5;%dm", cell.FG)
				}
				if cell.BG != vt10x.DefaultBG && cell.BG < 256 {
					fmt.Fprintf(&b, "\x1b[48;5;%dm", cell.BG)
				}
				lastFG, lastBG = cell.FG, cell.BG
			}
			if cell.Char == 0 {
				b.WriteRune(' ')
			} else {
				b.WriteRune(cell.Char)
			}
		}
		b.WriteString("\x1b[0m")
		lastFG, lastBG = vt10x.DefaultFG, vt10x.DefaultBG
		if row < rows-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// writeToRing appends raw output to the scrollback ring, wrapping when
// full. Caller holds vtMu.
func (s *Session) writeToRing(data []byte) {
	for _, c := range data {
		s.ringBuf[s.ringHead] = c
		s.ringHead = (s.ringHead + 1) % RingBufferSize
		if s.ringLen < RingBufferSize {
			s.ringLen++
		}
	}
}

// Scrollback returns a copy of the raw-output ring, oldest byte first.
func (s *Session) Scrollback() []byte {
	s.vtMu.Lock()
	defer s.vtMu.Unlock()
	if s.ringLen == 0 {
		return nil
	}
	out := make([]byte, s.ringLen)
	if s.ringLen < RingBufferSize {
		copy(out, s.ringBuf[:s.ringLen])
	} else {
		n := copy(out, s.ringBuf[s.ringHead:])
		copy(out[n:], s.ringBuf[:s.ringHead])
	}
	return out
}

// Dispose terminates the process and releases the PTY. Safe to call any
// number of times.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.ptmx.Close()
}

// DisposeContext disposes the session and then runs the sandbox cleanup,
// if any. Cleanup failures are logged, never propagated.
func (s *Session) DisposeContext(ctx context.Context) {
	s.Dispose()
	if s.sandbox != nil {
		if err := s.sandbox.Cleanup(ctx); err != nil {
			log.Printf("Session sandbox cleanup failed: %v", err)
		}
	}
}
