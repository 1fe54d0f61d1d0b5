// Package main is the entry point for the mcp-host-bridge server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hostbridge/mcp-host-bridge/internal/server"
	"github.com/hostbridge/mcp-host-bridge/pkg/config"
	"github.com/hostbridge/mcp-host-bridge/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() options {
	opts := options{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", "", "Listen address override, e.g. :8787")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("mcp-host-bridge version %s\n", server.Version)
		return nil
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.address != "" {
		cfg.Server.Address = opts.address
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.Log.Level))

	bridge, err := server.New(server.Options{Config: cfg, Logger: logger})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go approvalLoop(ctx, bridge)

	return bridge.Run(ctx)
}

// approvalLoop is the console approval surface: it presents one pending
// authorization request at a time and reports the decision back. A richer UI
// replaces this loop by calling Resolve itself.
func approvalLoop(ctx context.Context, bridge *server.Bridge) {
	stdin := bufio.NewReader(os.Stdin)
	for {
		select {
		case <-ctx.Done():
			return
		case <-bridge.ApprovalNotify():
		}

		for {
			req, ok := bridge.NextApproval()
			if !ok {
				break
			}

			fmt.Printf("\nAuthorization request from client %q\n", req.ClientID)
			fmt.Printf("  Confirm code: %s\n", req.ConfirmCode)
			fmt.Printf("  Source: %s\n", req.Source)
			fmt.Print("Approve? [y/N]: ")

			line, err := stdin.ReadString('\n')
			if err != nil {
				return
			}
			approve := strings.EqualFold(strings.TrimSpace(line), "y")

			label := ""
			if approve {
				fmt.Print("Session label (optional): ")
				if line, err = stdin.ReadString('\n'); err == nil {
					label = strings.TrimSpace(line)
				}
			}

			bridge.Resolve(req.ID, approve, label)
		}
	}
}
