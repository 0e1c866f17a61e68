package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/HyphaGroup/drawbridge/internal/auth"
	"github.com/HyphaGroup/drawbridge/internal/config"
	"github.com/HyphaGroup/drawbridge/internal/logger"
	"github.com/HyphaGroup/drawbridge/internal/mcp"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "mcp":
			cmdMCP(os.Args[2:])
			return
		case "token":
			cmdToken(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("drawbridge %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}

	runServer(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`Drawbridge %s - Channel relay and request/response bridge

Usage: drawbridge [command] [options]

Commands:
  (default)    Start the relay server
  mcp          Start the relay server and serve MCP over stdio
  token        Manage bearer tokens for the session surface

Options:
  -config      Path to drawbridge.json (default: drawbridge.json)
  -addr        Listen address (overrides config)
  -version     Print version and exit
`, Version)
}

// setup loads config and initializes logging and the auth stack.
func setup(fs *flag.FlagSet, args []string) (*config.Config, *auth.Store, *auth.Authorizer) {
	configPath := fs.String("config", "drawbridge.json", "Path to config file")
	addr := fs.String("addr", "", "Listen address (overrides config)")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drawbridge: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Address = *addr
	}

	if err := logger.Init(cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "drawbridge: failed to init logging: %v\n", err)
		os.Exit(1)
	}
	if err := logger.InitSlog(cfg.LogDir, cfg.JSONLogs); err != nil {
		fmt.Fprintf(os.Stderr, "drawbridge: failed to init structured logging: %v\n", err)
		os.Exit(1)
	}

	store, err := auth.NewStore(cfg.DataDir)
	if err != nil {
		logger.Fatalf("failed to open auth store: %v", err)
	}

	return cfg, store, auth.NewAuthorizer(cfg.AuthTokens, store)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfg, store, authorizer := setup(fs, args)
	defer func() { _ = store.Close() }()
	defer func() { _ = logger.Close() }()

	server := mcp.NewServer(cfg, authorizer)

	// Expired tokens are already rejected at validation time; the hourly
	// purge just keeps the table from accumulating dead rows.
	c := cron.New()
	_, err := c.AddFunc("@hourly", func() {
		if n, err := store.PurgeExpired(); err != nil {
			logger.Error("token purge failed: %v", err)
		} else if n > 0 {
			logger.Info("purged %d expired tokens", n)
		}
	})
	if err != nil {
		logger.Fatalf("failed to schedule token purge: %v", err)
	}
	c.Start()
	defer c.Stop()

	if err := server.Serve(cfg.Address); err != nil {
		logger.Fatalf("server error: %v", err)
	}
}

// cmdMCP starts the relay server and serves the tool registry over stdio,
// for clients that speak MCP directly to this process.
func cmdMCP(args []string) {
	fs := flag.NewFlagSet("mcp", flag.ExitOnError)
	cfg, store, authorizer := setup(fs, args)
	defer func() { _ = store.Close() }()
	defer func() { _ = logger.Close() }()

	server := mcp.NewServer(cfg, authorizer)

	go func() {
		if err := server.Serve(cfg.Address); err != nil {
			logger.Fatalf("relay server error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.RunStdio(ctx); err != nil && ctx.Err() == nil {
		logger.Fatalf("stdio server error: %v", err)
	}
}

func cmdToken(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: drawbridge token <create|list|revoke> [options]")
		os.Exit(1)
	}

	sub := args[0]
	fs := flag.NewFlagSet("token "+sub, flag.ExitOnError)
	dataDir := fs.String("data", "data", "Data directory holding the token database")

	switch sub {
	case "create":
		name := fs.String("name", "", "Token name")
		ttl := fs.Duration("ttl", 0, "Token lifetime (0 = no expiry)")
		_ = fs.Parse(args[1:])
		if *name == "" {
			fmt.Fprintln(os.Stderr, "token create: -name is required")
			os.Exit(1)
		}

		store := openStore(*dataDir)
		defer func() { _ = store.Close() }()

		var expiresAt *time.Time
		if *ttl > 0 {
			t := time.Now().Add(*ttl)
			expiresAt = &t
		}
		_, tokenID, err := store.CreateToken(*name, expiresAt)
		if err != nil {
			fmt.Fprintf(os.Stderr, "token create: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(tokenID)

	case "list":
		_ = fs.Parse(args[1:])
		store := openStore(*dataDir)
		defer func() { _ = store.Close() }()

		tokens, err := store.ListTokens()
		if err != nil {
			fmt.Fprintf(os.Stderr, "token list: %v\n", err)
			os.Exit(1)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tCREATED\tEXPIRES\tLAST USED")
		for _, t := range tokens {
			expires := "-"
			if t.ExpiresAt != nil {
				expires = t.ExpiresAt.Format(time.RFC3339)
			}
			lastUsed := "-"
			if t.LastUsedAt != nil {
				lastUsed = t.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.CreatedAt.Format(time.RFC3339), expires, lastUsed)
		}
		_ = w.Flush()

	case "revoke":
		id := fs.String("id", "", "Token id to revoke")
		_ = fs.Parse(args[1:])
		if *id == "" {
			fmt.Fprintln(os.Stderr, "token revoke: -id is required")
			os.Exit(1)
		}

		store := openStore(*dataDir)
		defer func() { _ = store.Close() }()

		if err := store.RevokeToken(*id); err != nil {
			fmt.Fprintf(os.Stderr, "token revoke: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("revoked")

	default:
		fmt.Fprintf(os.Stderr, "unknown token subcommand: %s\n", sub)
		os.Exit(1)
	}
}

func openStore(dataDir string) *auth.Store {
	store, err := auth.NewStore(dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "drawbridge: %v\n", err)
		os.Exit(1)
	}
	return store
}
