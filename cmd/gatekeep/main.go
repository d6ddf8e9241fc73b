package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/denizumutdereli/gatekeep/pkg/api"
	"github.com/denizumutdereli/gatekeep/pkg/captcha"
	"github.com/denizumutdereli/gatekeep/pkg/core"
	"github.com/denizumutdereli/gatekeep/pkg/daemon"
	"github.com/denizumutdereli/gatekeep/pkg/errlog"
	"github.com/denizumutdereli/gatekeep/pkg/logging"
	"github.com/denizumutdereli/gatekeep/pkg/session"
	"github.com/denizumutdereli/gatekeep/pkg/users"
)

func main() {
	var cliOverrides core.CLIOverrides

	rootCmd := &cobra.Command{
		Use:   "gatekeep",
		Short: "gatekeep - account API with captcha-gated mutations",
		Long:  "An account service: registration, login sessions, verification, password reset and profile edits, each sensitive mutation guarded by a single-use captcha token.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), &cliOverrides)
		},
		SilenceUsage: true,
	}

	// CLI flags - highest priority in the config hierarchy.
	f := rootCmd.Flags()

	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides GATEKEEP_CONFIG env)")
	cliOverrides.HTTPAddr = f.String("http-addr", "", "HTTP listen address")
	cliOverrides.Env = f.String("env", "", "Environment: dev or prod")
	cliOverrides.DataPath = f.String("data-path", "", "Data directory for users.db")
	cliOverrides.LogLevel = f.String("log-level", "", "Log level (trace|debug|info|warn|error)")
	cliOverrides.ErrorLogPath = f.String("error-log", "", "Path of the production error log")

	// Captcha flags
	cliOverrides.CaptchaProvider = f.String("captcha-provider", "", "Captcha provider: dev or recaptcha")
	cliOverrides.CaptchaSecret = f.String("captcha-secret", "", "Captcha provider secret")

	cliOverrides.MCPEnabled = f.Bool("mcp", false, "Enable the admin MCP endpoint")

	// Security flags
	cliOverrides.AllowedOrigins = f.String("allowed-origins", "", "CORS allowed origins (comma-separated, \"*\" for all)")
	cliOverrides.MaxRequestBody = f.Int64("max-request-body", 0, "Maximum request body size in bytes")
	cliOverrides.TLSCert = f.String("tls-cert", "", "Path to TLS certificate file")
	cliOverrides.TLSKey = f.String("tls-key", "", "Path to TLS private key file")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// run implements the server startup sequence after CLI flags are parsed.
func run(flags *pflag.FlagSet, cliOverrides *core.CLIOverrides) error {
	core.PrintBanner()

	// Resolve config path: --config flag > GATEKEEP_CONFIG env var
	configPath := ""
	if cliOverrides.ConfigPath != nil && *cliOverrides.ConfigPath != "" {
		configPath = *cliOverrides.ConfigPath
	} else {
		configPath = os.Getenv("GATEKEEP_CONFIG")
	}

	// Load config through hierarchy: defaults -> YAML -> env vars
	cfg, err := core.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Apply CLI flag overrides (only flags that were explicitly set)
	applyExplicitFlags(flags, cfg, cliOverrides)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(cfg.Server.Env, cfg.Log.Level, os.Stderr)
	log.Logger = logger

	logger.Info().
		Str("env", cfg.Server.Env.String()).
		Str("data_path", cfg.Storage.DataPath).
		Str("http", cfg.Server.HTTPAddr).
		Msg("configuration loaded")

	store, err := users.NewStore(cfg.Storage.DataPath, cfg.Storage.Compress)
	if err != nil {
		return fmt.Errorf("failed to initialize user store: %w", err)
	}
	logger.Info().Int("users", store.Count()).Str("path", store.Path()).Msg("user store initialized")

	errorLog, err := errlog.Open(cfg.Log.ErrorLogPath, cfg.Log.ErrorLogMaxSizeMB, cfg.Log.ErrorLogMaxBackups)
	if err != nil {
		return fmt.Errorf("failed to open error log: %w", err)
	}
	defer errorLog.Close()

	sessions := session.NewManager(cfg.Session.IdleThreshold, cfg.Session.ExpiryThreshold)
	sessions.OnExpire(func(s session.Session) {
		logger.Debug().Str("user_id", s.UserID).Uint64("requests", s.InvokeCount).Msg("session expired")
	})

	var (
		issuer   *captcha.DevIssuer
		upstream captcha.Verifier
	)
	switch cfg.Captcha.Provider {
	case "dev":
		issuer = captcha.NewDevIssuer()
		upstream = issuer
		logger.Warn().Msg("captcha provider is dev: tokens are minted by /v1/captcha/challenge")
	default:
		upstream = captcha.NewSiteVerifier(cfg.Captcha.Secret, cfg.Captcha.VerifyURL, cfg.Captcha.MinScore,
			&http.Client{Timeout: 10 * time.Second})
		logger.Info().Str("verify_url", cfg.Captcha.VerifyURL).Float64("min_score", cfg.Captcha.MinScore).Msg("captcha provider configured")
	}
	// The ledger prunes the dev issuer along with its own entries.
	ledger := captcha.NewLedger(upstream)

	server, err := api.NewServer(cfg, api.Deps{
		Users:    store,
		Sessions: sessions,
		Verifier: ledger,
		Issuer:   issuer,
		Hasher:   users.NewHasher(cfg.Security.BcryptCost),
		ErrorLog: errorLog,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	// Initialize daemon manager with config-driven intervals
	daemons := daemon.NewDaemonManager(sessions, ledger, logger, server.Limiters()...)
	daemons.SetIntervals(cfg.Daemons.SessionSweepInterval, cfg.Daemons.LedgerPruneInterval, cfg.Captcha.LedgerTTL)
	daemons.Start()
	server.SetDaemonManager(daemons)
	logger.Info().Msg("background daemons started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		core.WaitForShutdown(gctx, cancel)

		logger.Info().Msg("initiating graceful shutdown")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return server.Stop(shutdownCtx)
	})

	logger.Info().Msg("gatekeep is ready")

	err = g.Wait()
	daemons.Stop()
	if err != nil {
		logger.Error().Err(err).Msg("shutdown with error")
		return err
	}
	logger.Info().Msg("gatekeep shutdown complete")
	return nil
}

// applyExplicitFlags applies only the CLI flags that were explicitly set
// by the user on the command line. Unset flags are ignored so they do not
// override values resolved from YAML or environment variables.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config, o *core.CLIOverrides) {
	overrides := core.CLIOverrides{}

	if flags.Changed("http-addr") {
		overrides.HTTPAddr = o.HTTPAddr
	}
	if flags.Changed("env") {
		overrides.Env = o.Env
	}
	if flags.Changed("data-path") {
		overrides.DataPath = o.DataPath
	}
	if flags.Changed("log-level") {
		overrides.LogLevel = o.LogLevel
	}
	if flags.Changed("error-log") {
		overrides.ErrorLogPath = o.ErrorLogPath
	}
	if flags.Changed("captcha-provider") {
		overrides.CaptchaProvider = o.CaptchaProvider
	}
	if flags.Changed("captcha-secret") {
		overrides.CaptchaSecret = o.CaptchaSecret
	}
	if flags.Changed("mcp") {
		overrides.MCPEnabled = o.MCPEnabled
	}
	if flags.Changed("allowed-origins") {
		overrides.AllowedOrigins = o.AllowedOrigins
	}
	if flags.Changed("max-request-body") {
		overrides.MaxRequestBody = o.MaxRequestBody
	}
	if flags.Changed("tls-cert") {
		overrides.TLSCert = o.TLSCert
	}
	if flags.Changed("tls-key") {
		overrides.TLSKey = o.TLSKey
	}

	cfg.ApplyCLIOverrides(&overrides)
}
