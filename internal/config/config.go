// Package config assembles runtime settings from built-in defaults,
// PTYHUB_* environment variables and command line flags, in that order.
// A single Normalize pass validates the merged result; malformed values
// are rejected with a ConfigError, never silently coerced.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/choonkeat/ptyhub/internal/recording"
	"github.com/choonkeat/ptyhub/internal/registry"
	"github.com/choonkeat/ptyhub/internal/term"
)

// ConfigError reports one rejected setting.
type ConfigError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Config is every runtime setting the binary accepts.
type Config struct {
	Addr string

	Shell string
	Cols  int
	Rows  int
	Cwd   string

	RecordingDir      string
	Autorecord        string // always, on-failure or off
	IdleLimit         time.Duration
	MaxDuration       time.Duration
	InactivityTimeout time.Duration

	SessionTTL time.Duration
	MCP        bool
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Addr:         ":8080",
		Shell:        term.DefaultShell(),
		Cols:         term.DefaultCols,
		Rows:         term.DefaultRows,
		RecordingDir: defaultRecordingDir(),
		Autorecord:   string(recording.ModeOff),
		IdleLimit:    2 * time.Second,
		SessionTTL:   time.Hour,
	}
}

func defaultRecordingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ptyhub", "recordings")
	}
	return filepath.Join(home, ".ptyhub", "recordings")
}

// FromEnv overlays PTYHUB_* environment variables onto c.
func FromEnv(c Config) (Config, error) {
	if v := os.Getenv("PTYHUB_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("PTYHUB_SHELL"); v != "" {
		c.Shell = v
	}
	if v := os.Getenv("PTYHUB_COLS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, &ConfigError{Field: "PTYHUB_COLS", Value: v, Reason: "not an integer"}
		}
		c.Cols = n
	}
	if v := os.Getenv("PTYHUB_ROWS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c, &ConfigError{Field: "PTYHUB_ROWS", Value: v, Reason: "not an integer"}
		}
		c.Rows = n
	}
	if v := os.Getenv("PTYHUB_CWD"); v != "" {
		c.Cwd = v
	}
	if v := os.Getenv("PTYHUB_RECORDING_DIR"); v != "" {
		c.RecordingDir = v
	}
	if v := os.Getenv("PTYHUB_AUTORECORD"); v != "" {
		c.Autorecord = v
	}
	return c, nil
}

// RegisterFlags binds every setting to fs. Current values become the
// flag defaults, so environment overlays show up in -help output.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", c.Addr, "Listen address")
	fs.StringVar(&c.Shell, "shell", c.Shell, "Command to execute")
	fs.IntVar(&c.Cols, "cols", c.Cols, "Terminal width in columns")
	fs.IntVar(&c.Rows, "rows", c.Rows, "Terminal height in rows")
	fs.StringVar(&c.Cwd, "cwd", c.Cwd, "Working directory for the shell (defaults to current directory)")
	fs.StringVar(&c.RecordingDir, "recording-dir", c.RecordingDir, "Directory for saved recordings")
	fs.StringVar(&c.Autorecord, "autorecord", c.Autorecord, "Record every session: always, on-failure or off")
	fs.DurationVar(&c.IdleLimit, "idle-limit", c.IdleLimit, "Cap recorded idle gaps at this duration")
	fs.DurationVar(&c.MaxDuration, "max-duration", c.MaxDuration, "Stop recordings after this total duration (0 disables)")
	fs.DurationVar(&c.InactivityTimeout, "inactivity-timeout", c.InactivityTimeout, "Stop recordings after this long without output (0 disables)")
	fs.DurationVar(&c.SessionTTL, "session-ttl", c.SessionTTL, "Remove exited or idle sessions after this long (0 disables)")
	fs.BoolVar(&c.MCP, "mcp", c.MCP, "Serve terminal tools over JSON-RPC on stdio instead of HTTP")
}

// Load resolves the final configuration for args: defaults, then
// environment, then flags, then Normalize.
func Load(args []string) (Config, error) {
	cfg, err := FromEnv(Default())
	if err != nil {
		return Config{}, err
	}
	fs := flag.NewFlagSet("ptyhub", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if err := cfg.Normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Normalize validates the merged settings and fills empty ones that
// have derivable values.
func (c *Config) Normalize() error {
	if c.Shell == "" {
		c.Shell = term.DefaultShell()
	}
	if c.Cols < 1 {
		return &ConfigError{Field: "cols", Value: strconv.Itoa(c.Cols), Reason: "must be at least 1"}
	}
	if c.Rows < 1 {
		return &ConfigError{Field: "rows", Value: strconv.Itoa(c.Rows), Reason: "must be at least 1"}
	}
	if _, err := recording.ParseMode(c.Autorecord); err != nil {
		return &ConfigError{Field: "autorecord", Value: c.Autorecord, Reason: "must be always, on-failure or off"}
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"idle-limit", c.IdleLimit},
		{"max-duration", c.MaxDuration},
		{"inactivity-timeout", c.InactivityTimeout},
		{"session-ttl", c.SessionTTL},
	} {
		if d.value < 0 {
			return &ConfigError{Field: d.name, Value: d.value.String(), Reason: "must not be negative"}
		}
	}
	return nil
}

// RecordingMode returns the parsed autorecord mode. Only valid after
// Normalize has accepted the configuration.
func (c Config) RecordingMode() recording.Mode {
	mode, err := recording.ParseMode(c.Autorecord)
	if err != nil {
		return recording.ModeOff
	}
	return mode
}

// RegistryConfig maps the settings onto the session registry. With
// autorecord off nothing records automatically, but recordings started
// explicitly still save.
func (c Config) RegistryConfig() registry.Config {
	mode := c.RecordingMode()
	auto := mode != recording.ModeOff
	if !auto {
		mode = recording.ModeAlways
	}
	return registry.Config{
		Shell:             c.Shell,
		Cols:              c.Cols,
		Rows:              c.Rows,
		Cwd:               c.Cwd,
		RecordingDir:      c.RecordingDir,
		RecordingMode:     mode,
		AutoRecord:        auto,
		IdleLimit:         c.IdleLimit,
		MaxDuration:       c.MaxDuration,
		InactivityTimeout: c.InactivityTimeout,
	}
}
