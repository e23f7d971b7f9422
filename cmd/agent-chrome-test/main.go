// Command agent-chrome-test is the local control-plane bridge: it opens a
// loopback socket for a single pre-authenticated browser extension and
// exposes a tool surface the agent drives through stdio.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brennhill/agent-chrome-test/internal/allowlist"
	"github.com/brennhill/agent-chrome-test/internal/audit"
	"github.com/brennhill/agent-chrome-test/internal/baseline"
	"github.com/brennhill/agent-chrome-test/internal/bridge"
	"github.com/brennhill/agent-chrome-test/internal/config"
	"github.com/brennhill/agent-chrome-test/internal/session"
	"github.com/brennhill/agent-chrome-test/internal/toolsurface"
)

const version = "0.1.0"

func main() {
	var flags *config.Flags

	root := &cobra.Command{
		Use:     "agent-chrome-test",
		Short:   "Local control-plane bridge between an agent and a pre-authenticated browser session",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Resolve(flags)
			if err != nil {
				return err
			}
			if cfg.Check {
				return runCheck(cfg)
			}
			return run(cfg)
		},
		SilenceUsage: true,
	}
	flags = config.Register(root)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agent-chrome-test: %v\n", err)
		os.Exit(1)
	}
}

// isInteractive reports whether stdin is a terminal rather than a pipe —
// mirroring the teacher's own TTY-vs-piped dispatch in main().
func isInteractive() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// runCheck performs the doctor-style startup diagnostic: can the port
// be bound, can the state directory be created. It never starts the
// bridge.
func runCheck(cfg config.Config) error {
	fmt.Printf("agent-chrome-test v%s — startup diagnostics\n\n", version)

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Printf("✗ port %d: %v\n", cfg.Port, err)
		return err
	}
	_ = ln.Close()
	fmt.Printf("✓ port %d is available\n", cfg.Port)

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		fmt.Printf("✗ state dir %s: %v\n", cfg.StateDir, err)
		return err
	}
	fmt.Printf("✓ state dir %s is writable\n", cfg.StateDir)

	fmt.Printf("✓ allowed origins: %v\n", cfg.AllowedOrigins)
	fmt.Println("\nagent-chrome-test is ready to start.")
	return nil
}

func run(cfg config.Config) error {
	interactive := isInteractive()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if !interactive {
		log.SetFormatter(&logrus.JSONFormatter{})
	}

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	auditLog, err := audit.Open(cfg.StateDir+"/audit.ndjson", log)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLog.Close()

	al := allowlist.New(cfg.AllowedOrigins)
	store := baseline.New(cfg.StateDir + "/baselines")
	sess := session.New()

	b, err := bridge.New(al, auditLog, log)
	if err != nil {
		return fmt.Errorf("construct bridge: %w", err)
	}

	surface := toolsurface.New(b, sess, store)
	_ = surface // wired to the agent channel below

	if interactive {
		b.OnConnect(func() {
			color.Green("✓ extension connected")
		})
		b.OnDisconnect(func() {
			color.Yellow("extension disconnected, waiting for reconnect")
		})
	} else {
		b.OnConnect(func() {
			log.Info("extension connected")
		})
		b.OnDisconnect(func() {
			log.Warn("extension disconnected")
		})
	}

	if err := b.Start(cfg.Port); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}

	if interactive {
		printBanner(cfg, b, auditLog)
	} else {
		fmt.Fprintf(os.Stderr, "[agent-chrome-test] listening on 127.0.0.1:%d, token=%s\n", cfg.Port, b.Token())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if !interactive {
		// The agent channel over stdio is the whole of piped-mode's
		// main loop; stdin closing means the host hung up.
		done := make(chan struct{})
		go func() {
			serveAgentChannel(surface)
			close(done)
		}()
		select {
		case <-done:
		case <-sigCh:
		}
	} else {
		<-sigCh
		fmt.Println("\nShutting down.")
	}

	b.Stop()
	return nil
}

func printBanner(cfg config.Config, b *bridge.Bridge, auditLog *audit.Log) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                  agent-chrome-test                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
	color.Cyan("✓ Bridge listening on ws://127.0.0.1:%d\n", cfg.Port)
	fmt.Printf("  Auth token: %s\n", b.Token())
	fmt.Printf("  State dir:  %s\n", cfg.StateDir)
	fmt.Printf("  Audit log:  %s\n", cfg.StateDir+"/audit.ndjson")
	fmt.Println()
	fmt.Println("Waiting for the extension to connect.")
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// serveAgentChannel reads newline-delimited {tool, args} requests from
// stdin and writes newline-delimited JSON results to stdout, the
// channel the agent drives the tool surface through in piped mode.
func serveAgentChannel(surface *toolsurface.Surface) {
	decoder := json.NewDecoder(os.Stdin)
	for {
		var req struct {
			Tool string          `json:"tool"`
			Args json.RawMessage `json:"args"`
		}
		if err := decoder.Decode(&req); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		result := surface.Invoke(ctx, req.Tool, req.Args)
		cancel()
		fmt.Println(result.Text)
	}
}
