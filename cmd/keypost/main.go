package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/alphabot-ai/keypost/internal/auth"
	"github.com/alphabot-ai/keypost/internal/config"
	"github.com/alphabot-ai/keypost/internal/content"
	httpapp "github.com/alphabot-ai/keypost/internal/http"
	"github.com/alphabot-ai/keypost/internal/logging"
	"github.com/alphabot-ai/keypost/internal/metrics"
	"github.com/alphabot-ai/keypost/internal/rate"
	"github.com/alphabot-ai/keypost/internal/retention"
	"github.com/alphabot-ai/keypost/internal/store"
	"github.com/alphabot-ai/keypost/internal/store/memory"
	redisstore "github.com/alphabot-ai/keypost/internal/store/redis"
	"github.com/alphabot-ai/keypost/internal/store/sqlite"
)

var version = "v0.1.0"

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	warnMark = color.New(color.FgYellow).Sprint("!")
	errMark  = color.New(color.FgRed).Sprint("✗")
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fatalf("%v", err)
	}

	if len(os.Args) < 2 {
		runServer()
		return
	}

	cmd := os.Args[1]

	if cmd == "-h" || cmd == "--help" || cmd == "help" {
		printUsage()
		return
	}

	if cmd == "-v" || cmd == "--version" || cmd == "version" {
		fmt.Println("keypost " + version)
		return
	}

	if strings.HasPrefix(cmd, "-") {
		runServer()
		return
	}

	args := os.Args[2:]

	switch cmd {
	case "server", "serve":
		runServer()
	case "sweep":
		cmdSweep(args)
	case "keygen":
		cmdKeygen(args)
	case "pubkey":
		cmdPubkey(args)
	case "fingerprint":
		cmdFingerprint(args)
	case "login":
		cmdLogin(args)
	case "logout":
		cmdLogout(args)
	case "post":
		cmdPost(args)
	case "read", "list":
		cmdRead(args)
	case "whoami", "status":
		cmdWhoami(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`keypost - a blog where your key is your account

Usage: keypost <command> [options]

Quick Start:
  keypost keygen --out ~/.keypost/private_key.pem
  keypost login --url http://localhost:8080 --key ~/.keypost/private_key.pem
  keypost post --title "Hello" --body "Signed with my key" --publish

Client Commands:
  keygen              Generate an RSA key pair locally
  pubkey              Print the public key for a private key
  fingerprint         Print the identity fingerprint for a key
  login               Log in (creates the identity on first use)
  logout              Forget the saved session
  post                Sign and publish a post
  read                List posts, or read one with --slug
  whoami              Show the current identity

Server Commands:
  server              Run the HTTP server (default)
  sweep               Delete identities inactive for --days (default 60)

Configuration is read from .env, the YAML file named by KEYPOST_CONFIG and
KEYPOST_* environment variables. The server requires KEYPOST_SESSION_SECRET
(at least 16 bytes).`)
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fatalf("config: %v", err)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	slog.SetDefault(logger)

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fatalf("failed to open db: %v", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	challengeStore, purger, closeChallenges, err := openChallengeStore(ctx, cfg, st)
	if err != nil {
		fatalf("challenge store: %v", err)
	}
	defer closeChallenges()

	m := metrics.New()
	challenges := auth.NewChallengeService(challengeStore, cfg.ChallengeTTL, m)
	authSvc := auth.NewService(st, challenges, logger, m)
	sessions := auth.NewSessionIssuer([]byte(cfg.SessionSecret), cfg.SessionTTL, st)
	contentSvc := content.NewService(st, st, logger, m)

	server, err := httpapp.NewServer(httpapp.Deps{
		Store:    st,
		Auth:     authSvc,
		Sessions: sessions,
		Content:  contentSvc,
		Limiter:  rate.NewMemory(),
		Metrics:  m,
		Logger:   logger,
		Config:   cfg,
		Version:  version,
	})
	if err != nil {
		fatalf("failed to initialize server: %v", err)
	}

	var scheduler *retention.Scheduler
	if cfg.SweepSchedule != "" {
		opts := []retention.Option{retention.WithLogger(logger), retention.WithMetrics(m), retention.WithSessionStore(st)}
		if purger != nil {
			opts = append(opts, retention.WithChallengePurger(purger))
		}
		sweeper, err := retention.NewSweeper(st, cfg.InactivityWindow, opts...)
		if err != nil {
			fatalf("sweeper: %v", err)
		}
		scheduler, err = retention.NewScheduler(sweeper, cfg.SweepSchedule, logger)
		if err != nil {
			fatalf("%v", err)
		}
		scheduler.Start()
		logger.Info("inactivity sweep scheduled", "schedule", cfg.SweepSchedule, "window", cfg.InactivityWindow)
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("keypost listening", "addr", cfg.Addr, "challenges", cfg.ChallengeBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			logger.Warn("sweep still running at shutdown", "error", err)
		}
	}
	_ = httpServer.Shutdown(shutdownCtx)
}

// openChallengeStore picks the configured backend. The purger is nil for
// backends that expire entries themselves.
func openChallengeStore(ctx context.Context, cfg config.Config, st *sqlite.Store) (store.ChallengeStore, store.ChallengePurger, func(), error) {
	switch cfg.ChallengeBackend {
	case config.BackendRedis:
		dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		client, err := redisstore.Dial(dialCtx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		return redisstore.NewChallengeStore(client, ""), nil, func() { _ = client.Close() }, nil
	case config.BackendMemory:
		mem := memory.NewChallengeStore()
		return mem, mem, func() {}, nil
	default:
		return st, st, func() {}, nil
	}
}

func cmdSweep(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	days := fs.Int("days", 60, "Inactivity window in days")
	dryRun := fs.Bool("dry-run", false, "List identities that would be deleted without deleting them")
	dbPath := fs.String("db", "", "Database path (defaults to KEYPOST_DB)")
	fs.Parse(args)

	// The sweep never signs sessions, so a missing secret is fine here.
	cfg, err := config.Load()
	if err != nil && !errors.Is(err, config.ErrMissingSessionSecret) {
		fatalf("config: %v", err)
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})

	st, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fatalf("failed to open db: %v", err)
	}
	defer st.Close()

	sweeper, err := retention.NewSweeper(st, time.Duration(*days)*24*time.Hour,
		retention.WithLogger(logger), retention.WithChallengePurger(st), retention.WithSessionStore(st))
	if err != nil {
		fatalf("%v", err)
	}
	report, err := sweeper.Run(context.Background(), *dryRun)
	if err != nil {
		fatalf("sweep: %v", err)
	}

	if len(report.Candidates) == 0 {
		fmt.Printf("%s No identities inactive since %s\n", okMark, report.Cutoff.Format(time.RFC3339))
		return
	}
	for _, id := range report.Candidates {
		fmt.Printf("  %s  last seen %s\n", id.ShortFingerprint(), id.LastSeen().Format("2006-01-02"))
	}
	if report.DryRun {
		fmt.Printf("%s Dry run: %d identities would be deleted\n", warnMark, len(report.Candidates))
		return
	}
	fmt.Printf("%s Deleted %d inactive identities\n", okMark, report.Deleted)
	if report.ExpiredChallenges > 0 {
		fmt.Printf("  Purged %d expired challenges\n", report.ExpiredChallenges)
	}
	if report.ExpiredRevocations > 0 {
		fmt.Printf("  Purged %d expired session revocations\n", report.ExpiredRevocations)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s Error: %s\n", errMark, fmt.Sprintf(format, args...))
	os.Exit(1)
}
