package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/tsugi"
	"github.com/ashita-ai/tsugi/internal/auth"
	"github.com/ashita-ai/tsugi/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

var logger *slog.Logger

var rootCmd = &cobra.Command{
	Use:           "tsugi",
	Short:         "Supervisor/worker orchestration server",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, supervisor runners, executors and recovery sweep",
	Long: `Run the full server until SIGINT or SIGTERM.

Configuration comes from TSUGI_* environment variables (and a .env file in the
working directory). Flags override the matching variables.

Examples:
  tsugi serve
  tsugi serve --port 9090`,
	RunE: runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded SQL migrations and exit",
	RunE:  runMigrate,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one recovery sweep and print its summary as JSON",
	Long: `Run one recovery sweep: fail running jobs whose heartbeat is stale,
create the missing continuation for every finished job, and re-notify
runners about queued runs. Safe to run while servers are up.`,
	RunE: runSweep,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an owner-scoped bearer token",
	Long: `Sign a bearer token for one owner with TSUGI_JWT_PRIVATE_KEY and print it.

Examples:
  tsugi token --owner 21
  tsugi token --owner 21 --ttl 1h`,
	RunE: runToken,
}

func init() {
	serveCmd.Flags().Int("port", 0, "HTTP port (overrides TSUGI_PORT)")
	for _, c := range []*cobra.Command{serveCmd, migrateCmd, sweepCmd} {
		c.Flags().String("database-url", "", "Postgres URL (overrides DATABASE_URL)")
		rootCmd.AddCommand(c)
	}

	tokenCmd.Flags().Int64("owner", 0, "Owner id the token acts for")
	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default TSUGI_JWT_EXPIRATION)")
	_ = tokenCmd.MarkFlagRequired("owner")
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	os.Exit(run0())
}

func run0() int {
	level := config.Config{LogLevel: os.Getenv("TSUGI_LOG_LEVEL")}.SlogLevel()
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func appOptions(cmd *cobra.Command) []tsugi.Option {
	opts := []tsugi.Option{tsugi.WithLogger(logger), tsugi.WithVersion(version)}
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		opts = append(opts, tsugi.WithDatabaseURL(url))
	}
	if cmd.Flags().Lookup("port") != nil {
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			opts = append(opts, tsugi.WithPort(port))
		}
	}
	return opts
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := tsugi.New(appOptions(cmd)...)
	if err != nil {
		return err
	}
	return app.Run(cmd.Context())
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if url, _ := cmd.Flags().GetString("database-url"); url != "" {
		cfg.DatabaseURL = url
	}
	// Migrations never LISTEN.
	cfg.NotifyURL = ""

	db, err := tsugi.OpenDatabase(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(context.Background())

	applied, err := db.AppliedMigrations(cmd.Context())
	if err != nil {
		return err
	}
	logger.Info("migrations applied", "versions", applied)
	return nil
}

func runSweep(cmd *cobra.Command, _ []string) error {
	app, err := tsugi.New(appOptions(cmd)...)
	if err != nil {
		return err
	}
	defer app.Close()

	report, err := app.Sweep(cmd.Context())
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		return fmt.Errorf("TSUGI_JWT_PRIVATE_KEY is required to issue tokens")
	}
	mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return err
	}
	owner, _ := cmd.Flags().GetInt64("owner")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	token, expiresAt, err := mgr.IssueToken(owner, ttl)
	if err != nil {
		return err
	}
	logger.Info("token issued", "owner_id", owner, "expires_at", expiresAt)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
	return err
}
