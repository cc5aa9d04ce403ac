// filewired is the file synchronization daemon: it serves the websocket
// sync endpoint for configured workspaces and broadcasts external file
// changes to connected editors.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/filewire/filewire/internal/config"
	"github.com/filewire/filewire/internal/logger"
	"github.com/filewire/filewire/internal/syncserver"
)

type workspaceFlags map[string]string

func (w workspaceFlags) String() string {
	pairs := make([]string, 0, len(w))
	for name, path := range w {
		pairs = append(pairs, name+"="+path)
	}
	return strings.Join(pairs, ",")
}

func (w workspaceFlags) Set(value string) error {
	name, path, ok := strings.Cut(value, "=")
	if !ok || name == "" || path == "" {
		return fmt.Errorf("expected name=path, got %q", value)
	}
	w[name] = path
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	workspaces := make(workspaceFlags)

	configPath := flag.String("config", config.DefaultConfigPath(), "path to the configuration file")
	port := flag.Int("port", 0, "preferred listening port (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error, none (overrides config)")
	logToStderr := flag.Bool("log-stderr", false, "log to stderr instead of the log file")
	flag.Var(workspaces, "workspace", "workspace as name=path, repeatable (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.Port = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logToStderr {
		cfg.LogPath = ""
	}
	for name, path := range workspaces {
		cfg.Workspaces[name] = path
	}

	if len(cfg.Workspaces) == 0 {
		return fmt.Errorf("no workspaces configured; add them to %s or pass -workspace name=path", *configPath)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Global().Close()

	srv, err := syncserver.NewServer(cfg)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	fmt.Printf("filewired listening on 127.0.0.1:%d\n", srv.Port())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("Received %s, shutting down", sig)

	return srv.Stop()
}
