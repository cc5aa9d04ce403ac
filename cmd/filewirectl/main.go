// filewirectl is a small client for the filewired daemon: fetch a file,
// save a file, or watch a workspace for changes from the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/filewire/filewire/internal/syncclient"
)

const usage = `Usage: filewirectl [flags] <command> [args]

Commands:
  get <workspace> <path>          print a file from the workspace
  put <workspace> <path> [file]   save a file (reads stdin when no file given)
  watch <workspace>               print change notifications until interrupted

Flags:
  -port N      connect to a known daemon port (skips discovery)
  -discovery   port discovery URL (default http://127.0.0.1:8377/discovery/port)
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	port := flag.Int("port", 0, "daemon port, skips discovery when set")
	discovery := flag.String("discovery", "http://127.0.0.1:8377/discovery/port", "port discovery URL")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		flag.Usage()
		return fmt.Errorf("missing command or workspace")
	}
	command, workspaceName := args[0], args[1]

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch command {
	case "get":
		if len(args) != 3 {
			return fmt.Errorf("usage: filewirectl get <workspace> <path>")
		}
		return runGet(ctx, workspaceName, args[2], *port, *discovery)

	case "put":
		if len(args) != 3 && len(args) != 4 {
			return fmt.Errorf("usage: filewirectl put <workspace> <path> [file]")
		}
		localFile := ""
		if len(args) == 4 {
			localFile = args[3]
		}
		return runPut(ctx, workspaceName, args[2], localFile, *port, *discovery)

	case "watch":
		return runWatch(workspaceName, *port, *discovery)

	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

func connect(ctx context.Context, workspaceName string, port int, discovery string, handlers syncclient.Handlers) (*syncclient.Session, error) {
	s := syncclient.NewSession(workspaceName, syncclient.Options{
		Port:         port,
		DiscoveryURL: discovery,
		Handlers:     handlers,
	})
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func runGet(ctx context.Context, workspaceName, path string, port int, discovery string) error {
	s, err := connect(ctx, workspaceName, port, discovery, syncclient.Handlers{})
	if err != nil {
		return err
	}
	defer s.Disconnect()

	resp, err := s.FetchFile(ctx, path)
	if err != nil {
		return err
	}

	_, err = io.WriteString(os.Stdout, resp.Content)
	return err
}

func runPut(ctx context.Context, workspaceName, path, localFile string, port int, discovery string) error {
	var content []byte
	var err error
	if localFile == "" {
		content, err = io.ReadAll(os.Stdin)
	} else {
		content, err = os.ReadFile(localFile)
	}
	if err != nil {
		return err
	}

	s, err := connect(ctx, workspaceName, port, discovery, syncclient.Handlers{})
	if err != nil {
		return err
	}
	defer s.Disconnect()

	conf, err := s.SaveFile(ctx, path, string(content))
	if err != nil {
		return err
	}
	if !conf.Success {
		return fmt.Errorf("save failed: %s", conf.Message)
	}

	fmt.Printf("Saved %s (%d bytes)\n", path, len(content))
	return nil
}

func runWatch(workspaceName string, port int, discovery string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	handlers := syncclient.Handlers{
		OnFileChanged: func(path string) {
			fmt.Printf("%s changed: %s\n", time.Now().Format("15:04:05"), path)
		},
		OnStateChange: func(state syncclient.State) {
			fmt.Fprintf(os.Stderr, "connection %s\n", state)
		},
		OnError: func(message string) {
			fmt.Fprintf(os.Stderr, "server error: %s\n", message)
		},
	}

	s, err := connect(ctx, workspaceName, port, discovery, handlers)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	fmt.Fprintf(os.Stderr, "Watching workspace %s, Ctrl-C to stop\n", workspaceName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return nil
}
