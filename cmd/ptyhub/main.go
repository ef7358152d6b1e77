// Command ptyhub serves shell sessions over websockets, records them as
// asciicast transcripts, and exposes the same terminal to agents as MCP
// tools on stdio.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/choonkeat/ptyhub/internal/bridge"
	"github.com/choonkeat/ptyhub/internal/config"
	"github.com/choonkeat/ptyhub/internal/mcp"
	"github.com/choonkeat/ptyhub/internal/recording"
	"github.com/choonkeat/ptyhub/internal/registry"
	"github.com/choonkeat/ptyhub/internal/server"
)

// Version is stamped at build time.
var Version = "dev"

// Constants for recording cleanup
const (
	keepRecordings  = 20
	recordingMaxAge = 7 * 24 * time.Hour
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatalf("ptyhub: %v", err)
	}

	reg := registry.New(cfg.RegistryConfig())

	if cfg.MCP {
		// Stdio tool mode: no HTTP, the process lives as long as stdin.
		mcp.Serve(os.Stdin, os.Stdout, reg)
		reg.Dispose()
		return
	}

	b := bridge.New(reg)
	index, err := recording.NewIndex(cfg.RecordingDir)
	if err != nil {
		log.Fatalf("Failed to open recordings index: %v", err)
	}
	srv := server.New(reg, b, index)

	go reaper(reg, cfg)

	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}
	go func() {
		log.Printf("ptyhub %s", Version)
		log.Printf("Starting server on %s", cfg.Addr)
		log.Printf("  shell: %s", cfg.Shell)
		log.Printf("  terminal: %dx%d", cfg.Cols, cfg.Rows)
		log.Printf("  recordings: %s (autorecord %s)", cfg.RecordingDir, cfg.Autorecord)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	log.Printf("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(ctx)
	// Disposing the registry finalizes active recordings before the
	// process exits.
	reg.DisposeContext(ctx)
	index.Close()
	b.Close()
}

// reaper periodically closes idle sessions and prunes old recordings.
func reaper(reg *registry.Registry, cfg config.Config) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if cfg.SessionTTL > 0 {
			reg.ReapIdle(cfg.SessionTTL)
		}
		removed, err := recording.Sweep(cfg.RecordingDir, keepRecordings, recordingMaxAge)
		if err != nil {
			log.Printf("Recording sweep failed: %v", err)
		} else if removed > 0 {
			log.Printf("Recording sweep removed %d files", removed)
		}
	}
}
