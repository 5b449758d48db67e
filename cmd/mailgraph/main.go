// Command mailgraph ingests an IMAP mailbox into the knowledge graph.
//
// Subcommands:
//
//	run           poll continuously until interrupted (default)
//	once          run exactly one poll and exit
//	status        print the sync cursor and mailbox statistics
//	reset         clear the sync cursor
//	check         test connectivity only, no polling
//	set-password  store the IMAP password in the OS keyring
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailgraph/internal/config"
	"github.com/nhle/mailgraph/internal/credential"
	"github.com/nhle/mailgraph/internal/poller"
	"github.com/nhle/mailgraph/internal/sink"
	"github.com/nhle/mailgraph/internal/state"
	"github.com/nhle/mailgraph/internal/transport"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to configuration file")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "run"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)

	// set-password is the one-time setup step, so it must work before
	// any credential is stored.
	if command == "set-password" {
		os.Exit(runSetPassword(cfg))
	}

	// Missing credentials are the one fatal condition: they must be
	// reported before any polling begins.
	if cfg.IMAP.Password == "" {
		password, err := credential.Password(cfg.IMAP.Username)
		if err != nil {
			fmt.Fprintf(os.Stderr,
				"error: no imap password in config or keyring for %s: %v\n",
				cfg.IMAP.Username, err)
			os.Exit(1)
		}
		cfg.IMAP.Password = password
	}

	client := transport.New(transport.Config{
		Host:     cfg.IMAP.Host,
		Port:     cfg.IMAP.Port,
		UseTLS:   cfg.IMAP.UseTLS,
		Username: cfg.IMAP.Username,
		Password: cfg.IMAP.Password,
		Mailbox:  cfg.IMAP.Mailbox,
	}, logger)
	defer client.Close()

	var exitCode int
	switch command {
	case "run":
		exitCode = runContinuous(cfg, client, logger)
	case "once":
		exitCode = runOnce(cfg, client, logger)
	case "status":
		exitCode = runStatus(cfg, client)
	case "reset":
		exitCode = runReset(cfg)
	case "check":
		exitCode = runCheck(client, logger)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", command)
		exitCode = 2
	}
	os.Exit(exitCode)
}

// newPoller wires the full pipeline for the run and once commands.
func newPoller(cfg *config.Config, client *transport.Client, logger zerolog.Logger) (*poller.Poller, *state.SQLiteStore, error) {
	store, err := openState(cfg)
	if err != nil {
		return nil, nil, err
	}

	graph := sink.NewHTTPGraph(cfg.Graph.BaseURL, cfg.Graph.Token)
	ingester := sink.NewIngester(graph, cfg.AutoExtract, cfg.NotifyURL, logger)

	p := poller.New(client, ingester, store, poller.Config{
		PollInterval: time.Duration(cfg.PollIntervalSec) * time.Second,
		BatchSize:    cfg.BatchSize,
	}, logger)

	return p, store, nil
}

func runContinuous(cfg *config.Config, client *transport.Client, logger zerolog.Logger) int {
	p, store, err := newPoller(cfg, client, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Force exit on second signal.
	go func() {
		<-ctx.Done()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Warn().Msg("forced shutdown")
		os.Exit(1)
	}()

	logger.Info().
		Str("account", cfg.Account()).
		Int("interval_sec", cfg.PollIntervalSec).
		Int("batch_size", cfg.BatchSize).
		Msg("mailgraph starting")

	_ = p.Run(ctx)

	ingested, errCount := p.Totals()
	fmt.Printf("ingested %d messages, %d errors\n", ingested, errCount)
	return 0
}

func runOnce(cfg *config.Config, client *transport.Client, logger zerolog.Logger) int {
	p, store, err := newPoller(cfg, client, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}
	defer store.Close()

	count, err := p.PollOnce(context.Background())
	if err != nil {
		logger.Error().Err(err).Msg("poll failed")
		return 1
	}
	fmt.Printf("ingested %d messages\n", count)
	return 0
}

func runStatus(cfg *config.Config, client *transport.Client) int {
	store, err := openState(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer store.Close()

	cursor, err := store.Cursor(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	fmt.Printf("account:    %s\n", cfg.Account())
	fmt.Printf("last uid:   %d\n", cursor.LastUID)
	if cursor.LastSync.IsZero() {
		fmt.Printf("last sync:  never\n")
	} else {
		fmt.Printf("last sync:  %s\n", cursor.LastSync.Local().Format(time.RFC1123))
	}
	fmt.Printf("ingested:   %d\n", cursor.Ingested)
	fmt.Printf("errors:     %d\n", cursor.Errors)

	// Live mailbox counts are best-effort; the cursor above is the
	// authoritative part of status.
	if mbox, err := client.Status(context.Background()); err == nil {
		fmt.Printf("mailbox:    %s (%d messages, next uid %d)\n",
			mbox.Mailbox, mbox.NumMessages, mbox.UIDNext)
	}
	return 0
}

func runReset(cfg *config.Config) int {
	store, err := openState(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	defer store.Close()

	if err := store.Reset(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("cursor reset for %s\n", cfg.Account())
	return 0
}

func runCheck(client *transport.Client, logger zerolog.Logger) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.Check(ctx); err != nil {
		logger.Error().Err(err).Msg("connectivity check failed")
		return 1
	}
	fmt.Println("connection ok")
	return 0
}

// runSetPassword reads a password from stdin and stores it in the OS
// keyring under the configured username.
func runSetPassword(cfg *config.Config) int {
	fmt.Fprintf(os.Stderr, "password for %s: ", cfg.IMAP.Username)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintf(os.Stderr, "error: reading password: %v\n", scanner.Err())
		return 1
	}
	password := strings.TrimSpace(scanner.Text())
	if password == "" {
		fmt.Fprintln(os.Stderr, "error: empty password")
		return 1
	}

	if err := credential.SetPassword(cfg.IMAP.Username, password); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	fmt.Printf("password stored for %s\n", cfg.IMAP.Username)
	return 0
}

func openState(cfg *config.Config) (*state.SQLiteStore, error) {
	if dir := filepath.Dir(cfg.StatePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating state directory %s: %w", dir, err)
		}
	}
	return state.Open(cfg.StatePath, cfg.Account())
}

func setupLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
}
