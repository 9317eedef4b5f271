// learnd: long-term learning memory for agents, served over MCP.
//
// Usage:
//
//	learnd serve [--config path]    # Start MCP server (stdio transport)
//	learnd stats [--config path]    # Print stored record counts
//	learnd export [--config path]   # Dump every record as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	"github.com/HendryAvila/learnd/internal/config"
	"github.com/HendryAvila/learnd/internal/learning"
	"github.com/HendryAvila/learnd/internal/memory"
	learnd "github.com/HendryAvila/learnd/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = run(os.Args[2:])
	case "stats":
		err = withStore(os.Args[2:], printStats)
	case "export":
		err = withStore(os.Args[2:], export)
	case "--help", "-h", "help":
		printUsage()
		os.Exit(0)
	case "--version", "-v", "version":
		fmt.Printf("learnd v%s\n", learnd.Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd string, args []string) (*config.Config, error) {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	path := fs.String("config", "", "path to learnd.yaml")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

func run(args []string) error {
	cfg, err := loadConfig("serve", args)
	if err != nil {
		return err
	}

	// Logs go to stderr; stdout belongs to the MCP transport.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := learnd.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer app.Close()

	logger.Info("learnd serving on stdio", "version", learnd.Version, "data_dir", cfg.DataDir)

	stdio := server.NewStdioServer(app.MCP)
	stdio.SetErrorLogger(slog.NewLogLogger(handler, slog.LevelError))
	err = stdio.Listen(ctx, os.Stdin, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func withStore(args []string, fn func(context.Context, *memory.Store) error) error {
	cfg, err := loadConfig(os.Args[1], args)
	if err != nil {
		return err
	}
	store, err := memory.New(cfg.Memory())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func printStats(ctx context.Context, store *memory.Store) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("scopes: %d\n", stats.Scopes)
	for _, t := range learning.AllStoreTypes() {
		fmt.Printf("%-18s active=%d tombstoned=%d\n", t, stats.Active[t], stats.Tombstoned[t])
	}
	return nil
}

func export(ctx context.Context, store *memory.Store) error {
	data, err := store.Export(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `learnd v%s - learning memory MCP server

Usage:
  learnd serve  [--config path]   Start the MCP server (stdio transport)
  learnd stats  [--config path]   Print stored record counts
  learnd export [--config path]   Dump every record as JSON
  learnd version                  Print the version

Configuration:
  learnd.yaml is read from ., $XDG_CONFIG_HOME/learnd or ~/.config/learnd.
  Any key can be overridden with LEARND_* environment variables,
  e.g. LEARND_STORES_LEARNED_KNOWLEDGE_MODE=propose.

  Add to your AI tool's MCP config:

  {
    "mcpServers": {
      "learnd": {
        "command": "learnd",
        "args": ["serve"]
      }
    }
  }
`, learnd.Version)
}
