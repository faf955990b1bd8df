// toolgate is the tool-call gateway for the booking platform: it fronts
// the platform's tools API with idempotent commits and a two-phase
// propose/confirm protocol.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/findyourwork/toolgate/pkg/actionlog"
	"github.com/findyourwork/toolgate/pkg/api"
	"github.com/findyourwork/toolgate/pkg/config"
	"github.com/findyourwork/toolgate/pkg/kernel"
	"github.com/findyourwork/toolgate/pkg/observability"
	"github.com/findyourwork/toolgate/pkg/proposal"
	"github.com/findyourwork/toolgate/pkg/registry"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) > 1 {
		switch args[1] {
		case "version", "--version":
			fmt.Fprintf(stdout, "toolgate %s\n", version)
			return 0
		case "help", "--help", "-h":
			printUsage(stdout)
			return 0
		case "server", "serve":
			// fall through to the server below
		default:
			fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
			printUsage(stderr)
			return 2
		}
	}

	if err := runServer(); err != nil {
		fmt.Fprintf(stderr, "toolgate: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: toolgate [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server     Run the gateway server (default)")
	fmt.Fprintln(w, "  version    Print the version")
	fmt.Fprintln(w, "  help       Show this help")
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:    "toolgate",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	actions, cleanup, err := openActionStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open action store: %w", err)
	}
	defer cleanup()

	proposals, err := openProposalStore(cfg)
	if err != nil {
		return fmt.Errorf("open proposal store: %w", err)
	}

	reg, err := registry.New(registry.Builtin()...)
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}
	executor := registry.NewExecutor(reg, registry.NewClient(cfg.ToolsBaseURL, cfg.ToolsAPIKey))
	svc := kernel.New(actions, proposals, executor)

	server := api.NewServer(svc, reg,
		api.NewAuthenticator(cfg.ToolsAPIKey, cfg.JWTSecret),
		api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.Middleware(server.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Port, "tools_base_url", cfg.ToolsBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// openActionStore picks the action log backend from the DSN: an empty
// DSN means in-memory, postgres:// uses lib/pq, anything else is
// treated as a SQLite path.
func openActionStore(dsn string) (actionlog.Store, func(), error) {
	if dsn == "" {
		slog.Warn("no DATABASE_URL set, idempotency state is in-memory only")
		return actionlog.NewMemoryStore(), func() {}, nil
	}

	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, err
	}
	if driver == "sqlite" {
		// modernc.org/sqlite serializes writes through one connection.
		db.SetMaxOpenConns(1)
	}

	store := actionlog.NewSQLStore(db)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}
	return store, func() { _ = db.Close() }, nil
}

func openProposalStore(cfg *config.Config) (proposal.Store, error) {
	ttl := time.Duration(cfg.ProposalTTLSeconds) * time.Second
	if cfg.RedisURL != "" {
		return proposal.NewRedisStore(cfg.RedisURL, ttl)
	}
	return proposal.NewMemoryStore(ttl), nil
}
