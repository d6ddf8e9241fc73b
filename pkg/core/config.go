package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

var builtInMCPTools = map[string]struct{}{
	"gatekeep_user_lookup":    {},
	"gatekeep_error_log_tail": {},
}

// ---------------------------------------------------------------------------
// Config - Central configuration for a gatekeep server instance.
//
// The configuration is resolved through a four-level hierarchy where each
// layer overrides values set by the layer beneath it:
//
//	Priority (highest → lowest):
//	  1. Programmatic overrides (e.g. CLI flags applied after loading)
//	  2. Environment variables (GATEKEEP_* prefix)
//	  3. YAML configuration file
//	  4. Built-in defaults
//
// All duration fields accept standard Go duration strings when supplied
// through the YAML file or environment variables (e.g. "30s", "5m", "1h").
// ---------------------------------------------------------------------------

// ServerConfig groups network listener settings.
type ServerConfig struct {
	// HTTPAddr is the TCP address the HTTP/REST API binds to.
	HTTPAddr string `yaml:"httpAddr"`

	// Env selects dev or prod behaviour for error exposure and request logs.
	Env Environment `yaml:"env"`
}

// StorageConfig groups persistence-related settings.
type StorageConfig struct {
	// DataPath is the directory holding users.db.
	DataPath string `yaml:"dataPath"`

	// Compress gzips the msgpack payload when it makes the file smaller.
	Compress bool `yaml:"compress"`
}

// LogConfig groups logging settings.
type LogConfig struct {
	// Level is a zerolog level name (trace|debug|info|warn|error).
	Level string `yaml:"level"`

	// ErrorLogPath is the append-only file receiving 5xx records in prod.
	ErrorLogPath string `yaml:"errorLogPath"`

	// ErrorLogMaxSizeMB rotates the error log once it grows past this size.
	ErrorLogMaxSizeMB int `yaml:"errorLogMaxSizeMB"`

	// ErrorLogMaxBackups is the number of rotated files kept.
	ErrorLogMaxBackups int `yaml:"errorLogMaxBackups"`
}

// SessionConfig groups login session thresholds.
type SessionConfig struct {
	// IdleThreshold marks a session idle after this much inactivity.
	IdleThreshold time.Duration `yaml:"idleThreshold"`

	// ExpiryThreshold expires a session after this much inactivity.
	ExpiryThreshold time.Duration `yaml:"expiryThreshold"`

	// ResetTokenTTL bounds how long a password reset token stays valid.
	ResetTokenTTL time.Duration `yaml:"resetTokenTTL"`
}

// CaptchaConfig groups human-verification settings.
type CaptchaConfig struct {
	// Provider is "dev" (tokens minted by /v1/captcha/challenge) or "recaptcha".
	Provider string `yaml:"provider"`

	// Secret is the provider secret used for siteverify calls.
	Secret string `yaml:"secret"`

	// VerifyURL is the siteverify endpoint.
	VerifyURL string `yaml:"verifyURL"`

	// MinScore is the lowest accepted risk score (0.0 - 1.0).
	MinScore float64 `yaml:"minScore"`

	// LedgerTTL is how long a consumed token is remembered to reject replays.
	LedgerTTL time.Duration `yaml:"ledgerTTL"`
}

// DaemonConfig groups background maintenance intervals.
type DaemonConfig struct {
	SessionSweepInterval time.Duration `yaml:"sessionSweepInterval"`
	LedgerPruneInterval  time.Duration `yaml:"ledgerPruneInterval"`
}

// MCPConfig groups Model Context Protocol endpoint settings.
type MCPConfig struct {
	// Enabled controls whether the admin MCP endpoint is exposed.
	Enabled bool `yaml:"enabled"`

	// Path is the HTTP route for MCP transport.
	Path string `yaml:"path"`

	// APIKey is optional shared secret validated from X-API-Key or Bearer token.
	APIKey string `yaml:"apiKey"`

	// Stateless enables stateless session-id handling for streamable HTTP.
	Stateless bool `yaml:"stateless"`

	// RateLimitRPS controls per-client rate limiting in requests/second.
	// Set to 0 to disable MCP-specific rate limiting.
	RateLimitRPS float64 `yaml:"rateLimitRPS"`

	// RateLimitBurst controls burst capacity for MCP-specific rate limiting.
	RateLimitBurst int `yaml:"rateLimitBurst"`

	// AllowedTools is an optional allowlist; empty means all built-in MCP tools.
	AllowedTools []string `yaml:"allowedTools"`
}

// SecurityConfig groups network security and request-limiting settings.
type SecurityConfig struct {
	// AllowedOrigins controls the CORS Access-Control-Allow-Origin header.
	// Use "*" to allow all origins (development only) or a comma-separated
	// list of allowed origins for production.
	AllowedOrigins string `yaml:"allowedOrigins"`

	// MaxRequestBody is the maximum allowed HTTP request body size in bytes.
	// Requests exceeding this limit are rejected with 413 Payload Too Large.
	// Default: 1048576 (1 MB). Set to 0 to disable the limit (not recommended).
	MaxRequestBody int64 `yaml:"maxRequestBody"`

	// RateLimitRequests is the per-client request budget per RateLimitWindow.
	// 0 disables the limiter.
	RateLimitRequests int `yaml:"rateLimitRequests"`

	// RateLimitWindow is the period over which RateLimitRequests refill.
	RateLimitWindow time.Duration `yaml:"rateLimitWindow"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For or
	// X-Real-IP. Enable it only behind a reverse proxy that sets them.
	TrustProxyHeaders bool `yaml:"trustProxyHeaders"`

	// BcryptCost is the password hashing cost.
	BcryptCost int `yaml:"bcryptCost"`

	// TLSCert is the path to a TLS certificate file for HTTPS.
	// Leave empty to disable TLS (plain HTTP). Requires TLSKey.
	TLSCert string `yaml:"tlsCert"`

	// TLSKey is the path to the TLS private key file.
	// Leave empty to disable TLS. Requires TLSCert.
	TLSKey string `yaml:"tlsKey"`

	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `yaml:"readTimeout"`

	// WriteTimeout is the maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// Config is the root configuration object for a gatekeep server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Log      LogConfig      `yaml:"log"`
	Session  SessionConfig  `yaml:"session"`
	Captcha  CaptchaConfig  `yaml:"captcha"`
	Daemons  DaemonConfig   `yaml:"daemons"`
	MCP      MCPConfig      `yaml:"mcp"`
	Security SecurityConfig `yaml:"security"`
}

// ---------------------------------------------------------------------------
// Factory functions
// ---------------------------------------------------------------------------

// DefaultConfig returns a Config populated with production-safe defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":8080",
			Env:      EnvProduction,
		},
		Storage: StorageConfig{
			DataPath: "./data",
			Compress: true,
		},
		Log: LogConfig{
			Level:              "info",
			ErrorLogPath:       "./data/error.log",
			ErrorLogMaxSizeMB:  50,
			ErrorLogMaxBackups: 3,
		},
		Session: SessionConfig{
			IdleThreshold:   15 * time.Minute,
			ExpiryThreshold: 24 * time.Hour,
			ResetTokenTTL:   1 * time.Hour,
		},
		Captcha: CaptchaConfig{
			Provider:  "recaptcha",
			VerifyURL: "https://www.google.com/recaptcha/api/siteverify",
			MinScore:  0.5,
			LedgerTTL: 10 * time.Minute,
		},
		Daemons: DaemonConfig{
			SessionSweepInterval: 1 * time.Minute,
			LedgerPruneInterval:  5 * time.Minute,
		},
		MCP: MCPConfig{
			Enabled:        false,
			Path:           "/mcp",
			Stateless:      true,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Security: SecurityConfig{
			AllowedOrigins:    "http://localhost:3000",
			MaxRequestBody:    1 << 20, // 1 MB
			RateLimitRequests: 600,
			RateLimitWindow:   time.Minute,
			BcryptCost:        12,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		},
	}
}

// ConfigFromFile reads a YAML configuration file and merges it on top of
// the built-in defaults. Fields absent from the file retain their defaults.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}

// ConfigFromEnv applies environment variable overrides to the given Config.
// If cfg is nil a new default Config is created first.
//
// Environment variable mapping (all optional, prefix GATEKEEP_):
//
//	GATEKEEP_HTTP_ADDR              → Server.HTTPAddr
//	GATEKEEP_ENV                    → Server.Env               (dev|prod)
//	GATEKEEP_DATA_PATH              → Storage.DataPath
//	GATEKEEP_COMPRESS               → Storage.Compress         ("true"/"false")
//	GATEKEEP_LOG_LEVEL              → Log.Level
//	GATEKEEP_ERROR_LOG_PATH         → Log.ErrorLogPath
//	GATEKEEP_ERROR_LOG_MAX_SIZE_MB  → Log.ErrorLogMaxSizeMB
//	GATEKEEP_SESSION_IDLE           → Session.IdleThreshold    (duration string)
//	GATEKEEP_SESSION_EXPIRY         → Session.ExpiryThreshold  (duration string)
//	GATEKEEP_RESET_TOKEN_TTL        → Session.ResetTokenTTL    (duration string)
//	GATEKEEP_CAPTCHA_PROVIDER       → Captcha.Provider         (dev|recaptcha)
//	GATEKEEP_CAPTCHA_SECRET         → Captcha.Secret
//	GATEKEEP_CAPTCHA_VERIFY_URL     → Captcha.VerifyURL
//	GATEKEEP_CAPTCHA_MIN_SCORE      → Captcha.MinScore         (float)
//	GATEKEEP_CAPTCHA_LEDGER_TTL     → Captcha.LedgerTTL        (duration string)
//	GATEKEEP_SESSION_SWEEP_INTERVAL → Daemons.SessionSweepInterval
//	GATEKEEP_LEDGER_PRUNE_INTERVAL  → Daemons.LedgerPruneInterval
//	GATEKEEP_MCP_ENABLED            → MCP.Enabled              ("true"/"false")
//	GATEKEEP_MCP_PATH               → MCP.Path
//	GATEKEEP_MCP_API_KEY            → MCP.APIKey
//	GATEKEEP_MCP_ALLOWED_TOOLS      → MCP.AllowedTools         (comma-separated)
//	GATEKEEP_ALLOWED_ORIGINS        → Security.AllowedOrigins
//	GATEKEEP_MAX_REQUEST_BODY       → Security.MaxRequestBody  (bytes, integer)
//	GATEKEEP_RATE_LIMIT_REQUESTS    → Security.RateLimitRequests
//	GATEKEEP_RATE_LIMIT_WINDOW      → Security.RateLimitWindow (duration string)
//	GATEKEEP_TRUST_PROXY_HEADERS    → Security.TrustProxyHeaders ("true"/"false")
//	GATEKEEP_BCRYPT_COST            → Security.BcryptCost
//	GATEKEEP_TLS_CERT               → Security.TLSCert
//	GATEKEEP_TLS_KEY                → Security.TLSKey
//	GATEKEEP_READ_TIMEOUT           → Security.ReadTimeout     (duration string)
//	GATEKEEP_WRITE_TIMEOUT          → Security.WriteTimeout    (duration string)
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	// -- Server --
	setEnvStr("GATEKEEP_HTTP_ADDR", &cfg.Server.HTTPAddr)
	if v := os.Getenv("GATEKEEP_ENV"); v != "" {
		if env, err := ParseEnvironment(v); err == nil {
			cfg.Server.Env = env
		}
	}

	// -- Storage --
	setEnvStr("GATEKEEP_DATA_PATH", &cfg.Storage.DataPath)
	setEnvBool("GATEKEEP_COMPRESS", &cfg.Storage.Compress)

	// -- Log --
	setEnvStr("GATEKEEP_LOG_LEVEL", &cfg.Log.Level)
	setEnvStr("GATEKEEP_ERROR_LOG_PATH", &cfg.Log.ErrorLogPath)
	setEnvInt("GATEKEEP_ERROR_LOG_MAX_SIZE_MB", &cfg.Log.ErrorLogMaxSizeMB)

	// -- Session --
	setEnvDuration("GATEKEEP_SESSION_IDLE", &cfg.Session.IdleThreshold)
	setEnvDuration("GATEKEEP_SESSION_EXPIRY", &cfg.Session.ExpiryThreshold)
	setEnvDuration("GATEKEEP_RESET_TOKEN_TTL", &cfg.Session.ResetTokenTTL)

	// -- Captcha --
	setEnvStr("GATEKEEP_CAPTCHA_PROVIDER", &cfg.Captcha.Provider)
	setEnvStr("GATEKEEP_CAPTCHA_SECRET", &cfg.Captcha.Secret)
	setEnvStr("GATEKEEP_CAPTCHA_VERIFY_URL", &cfg.Captcha.VerifyURL)
	setEnvFloat("GATEKEEP_CAPTCHA_MIN_SCORE", &cfg.Captcha.MinScore)
	setEnvDuration("GATEKEEP_CAPTCHA_LEDGER_TTL", &cfg.Captcha.LedgerTTL)

	// -- Daemons --
	setEnvDuration("GATEKEEP_SESSION_SWEEP_INTERVAL", &cfg.Daemons.SessionSweepInterval)
	setEnvDuration("GATEKEEP_LEDGER_PRUNE_INTERVAL", &cfg.Daemons.LedgerPruneInterval)

	// -- MCP --
	setEnvBool("GATEKEEP_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("GATEKEEP_MCP_PATH", &cfg.MCP.Path)
	setEnvStr("GATEKEEP_MCP_API_KEY", &cfg.MCP.APIKey)
	setEnvCSV("GATEKEEP_MCP_ALLOWED_TOOLS", &cfg.MCP.AllowedTools)

	// -- Security --
	setEnvStr("GATEKEEP_ALLOWED_ORIGINS", &cfg.Security.AllowedOrigins)
	setEnvInt64("GATEKEEP_MAX_REQUEST_BODY", &cfg.Security.MaxRequestBody)
	setEnvInt("GATEKEEP_RATE_LIMIT_REQUESTS", &cfg.Security.RateLimitRequests)
	setEnvDuration("GATEKEEP_RATE_LIMIT_WINDOW", &cfg.Security.RateLimitWindow)
	setEnvBool("GATEKEEP_TRUST_PROXY_HEADERS", &cfg.Security.TrustProxyHeaders)
	setEnvInt("GATEKEEP_BCRYPT_COST", &cfg.Security.BcryptCost)
	setEnvStr("GATEKEEP_TLS_CERT", &cfg.Security.TLSCert)
	setEnvStr("GATEKEEP_TLS_KEY", &cfg.Security.TLSKey)
	setEnvDuration("GATEKEEP_READ_TIMEOUT", &cfg.Security.ReadTimeout)
	setEnvDuration("GATEKEEP_WRITE_TIMEOUT", &cfg.Security.WriteTimeout)

	return cfg
}

// LoadConfig implements the full four-level configuration hierarchy:
//
//  1. Start with built-in defaults.
//  2. If configPath is non-empty, overlay the YAML file.
//  3. Apply environment variable overrides.
//  4. The caller may then apply programmatic overrides (e.g. CLI flags).
//
// Returns the merged Config or an error if the file cannot be read/parsed.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config

	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}

	cfg = ConfigFromEnv(cfg)
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate performs structural validation of the entire configuration.
// Returns a descriptive error for the first invalid field encountered.
func (c *Config) Validate() error {
	// Server
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.httpAddr must not be empty")
	}
	env, err := ParseEnvironment(string(c.Server.Env))
	if err != nil {
		return fmt.Errorf("server.env: %w", err)
	}
	c.Server.Env = env

	// Storage
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}

	// Log
	if c.Log.ErrorLogPath == "" {
		return fmt.Errorf("log.errorLogPath must not be empty")
	}
	if c.Log.ErrorLogMaxSizeMB < 0 || c.Log.ErrorLogMaxBackups < 0 {
		return fmt.Errorf("log.errorLogMaxSizeMB and log.errorLogMaxBackups must be >= 0")
	}

	// Session - ensure ordering makes sense
	if c.Session.IdleThreshold <= 0 {
		return fmt.Errorf("session.idleThreshold must be > 0")
	}
	if c.Session.ExpiryThreshold <= c.Session.IdleThreshold {
		return fmt.Errorf("session.expiryThreshold (%v) must be > session.idleThreshold (%v)",
			c.Session.ExpiryThreshold, c.Session.IdleThreshold)
	}
	if c.Session.ResetTokenTTL <= 0 {
		return fmt.Errorf("session.resetTokenTTL must be > 0")
	}

	// Captcha
	provider := strings.ToLower(strings.TrimSpace(c.Captcha.Provider))
	if provider != "dev" && provider != "recaptcha" {
		return fmt.Errorf("captcha.provider must be one of dev|recaptcha")
	}
	c.Captcha.Provider = provider
	if provider == "dev" && !env.IsDevelopment() {
		return fmt.Errorf("captcha.provider dev is only allowed when server.env is dev")
	}
	if provider == "recaptcha" {
		if c.Captcha.Secret == "" {
			return fmt.Errorf("captcha.secret is required for the recaptcha provider")
		}
		if c.Captcha.VerifyURL == "" {
			return fmt.Errorf("captcha.verifyURL is required for the recaptcha provider")
		}
	}
	if c.Captcha.MinScore < 0 || c.Captcha.MinScore > 1 {
		return fmt.Errorf("captcha.minScore must be between 0.0 and 1.0, got %f", c.Captcha.MinScore)
	}
	if c.Captcha.LedgerTTL <= 0 {
		return fmt.Errorf("captcha.ledgerTTL must be > 0")
	}

	// Daemons - all intervals must be positive
	for name, d := range map[string]time.Duration{
		"daemons.sessionSweepInterval": c.Daemons.SessionSweepInterval,
		"daemons.ledgerPruneInterval":  c.Daemons.LedgerPruneInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	// MCP
	mcpPath := strings.TrimSpace(c.MCP.Path)
	if mcpPath == "" {
		mcpPath = "/mcp"
	}
	if !strings.HasPrefix(mcpPath, "/") {
		return fmt.Errorf("mcp.path must start with '/'")
	}
	if len(mcpPath) > 1 {
		mcpPath = strings.TrimRight(mcpPath, "/")
	}
	c.MCP.Path = mcpPath
	if c.MCP.RateLimitRPS < 0 {
		return fmt.Errorf("mcp.rateLimitRPS must be >= 0")
	}
	if c.MCP.RateLimitBurst < 0 {
		return fmt.Errorf("mcp.rateLimitBurst must be >= 0")
	}
	for _, name := range c.MCP.AllowedTools {
		if _, ok := builtInMCPTools[strings.TrimSpace(name)]; !ok {
			return fmt.Errorf("mcp.allowedTools contains unsupported tool: %s", name)
		}
	}
	if c.MCP.Enabled && c.MCP.APIKey == "" && !env.IsDevelopment() {
		return fmt.Errorf("mcp.apiKey is required when mcp is enabled outside dev")
	}

	// Security
	if c.Security.MaxRequestBody < 0 {
		return fmt.Errorf("security.maxRequestBody must be >= 0 (0 = unlimited, not recommended)")
	}
	if c.Security.RateLimitRequests < 0 {
		return fmt.Errorf("security.rateLimitRequests must be >= 0")
	}
	if c.Security.RateLimitRequests > 0 && c.Security.RateLimitWindow <= 0 {
		return fmt.Errorf("security.rateLimitWindow must be > 0 when rate limiting is enabled")
	}
	if c.Security.BcryptCost < 4 || c.Security.BcryptCost > 31 {
		return fmt.Errorf("security.bcryptCost must be between 4 and 31, got %d", c.Security.BcryptCost)
	}
	if c.Security.ReadTimeout <= 0 {
		return fmt.Errorf("security.readTimeout must be > 0")
	}
	if c.Security.WriteTimeout <= 0 {
		return fmt.Errorf("security.writeTimeout must be > 0")
	}
	if c.Security.AllowedOrigins == "*" {
		if !env.IsDevelopment() {
			return fmt.Errorf("security.allowedOrigins must not be '*' in prod")
		}
		log.Warn().Msg("security.allowedOrigins is set to \"*\" (allow all); restrict for production use")
	}
	if c.Security.TLSCert != "" && c.Security.TLSKey == "" {
		return fmt.Errorf("security.tlsKey is required when security.tlsCert is set")
	}
	if c.Security.TLSKey != "" && c.Security.TLSCert == "" {
		return fmt.Errorf("security.tlsCert is required when security.tlsKey is set")
	}

	return nil
}

// ---------------------------------------------------------------------------
// Environment variable helpers
// ---------------------------------------------------------------------------

// setEnvStr sets *target to the value of the named env var if it is non-empty.
func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

// setEnvBool sets *target to the parsed boolean value of the named env var.
// Accepted values: "true", "1" → true; "false", "0" → false.
func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

// setEnvInt sets *target to the parsed integer value of the named env var.
func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setEnvInt64 sets *target to the parsed int64 value of the named env var.
func setEnvInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setEnvDuration sets *target to the parsed duration of the named env var.
// Uses time.ParseDuration, so accepts "30s", "5m", "1h30m", etc.
func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

// setEnvFloat sets *target to the parsed float64 value of the named env var.
func setEnvFloat(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// setEnvCSV sets *target to a comma-separated env var list.
func setEnvCSV(key string, target *[]string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
		*target = out
	}
}

// ---------------------------------------------------------------------------
// CLI flag overrides - final layer of the configuration hierarchy.
// ---------------------------------------------------------------------------

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided,
// allowing the caller to distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath      *string
	HTTPAddr        *string
	Env             *string
	DataPath        *string
	LogLevel        *string
	ErrorLogPath    *string
	CaptchaProvider *string
	CaptchaSecret   *string
	MCPEnabled      *bool
	AllowedOrigins  *string
	MaxRequestBody  *int64
	TLSCert         *string
	TLSKey          *string
}

// ApplyCLIOverrides patches the Config with any explicitly-set CLI flags.
// Only non-nil fields in the CLIOverrides are applied, preserving all
// values resolved from earlier hierarchy layers.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.HTTPAddr != nil {
		c.Server.HTTPAddr = *o.HTTPAddr
	}
	if o.Env != nil {
		// Unparseable values are kept verbatim so Validate reports them.
		c.Server.Env = Environment(*o.Env)
		if env, err := ParseEnvironment(*o.Env); err == nil {
			c.Server.Env = env
		}
	}
	if o.DataPath != nil {
		c.Storage.DataPath = *o.DataPath
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
	if o.ErrorLogPath != nil {
		c.Log.ErrorLogPath = *o.ErrorLogPath
	}
	if o.CaptchaProvider != nil {
		c.Captcha.Provider = *o.CaptchaProvider
	}
	if o.CaptchaSecret != nil {
		c.Captcha.Secret = *o.CaptchaSecret
	}
	if o.MCPEnabled != nil {
		c.MCP.Enabled = *o.MCPEnabled
	}
	if o.AllowedOrigins != nil {
		c.Security.AllowedOrigins = *o.AllowedOrigins
	}
	if o.MaxRequestBody != nil {
		c.Security.MaxRequestBody = *o.MaxRequestBody
	}
	if o.TLSCert != nil {
		c.Security.TLSCert = *o.TLSCert
	}
	if o.TLSKey != nil {
		c.Security.TLSKey = *o.TLSKey
	}
}

// ---------------------------------------------------------------------------
// Lifecycle helpers
// ---------------------------------------------------------------------------

// WaitForShutdown blocks until an OS interrupt or termination signal is
// received, then cancels the provided context to initiate graceful shutdown.
func WaitForShutdown(ctx context.Context, cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		log.Info().Stringer("signal", sig).Msg("received signal, initiating shutdown")
		cancel()
	case <-ctx.Done():
	}
}

// PrintBanner prints the gatekeep banner to stdout.
func PrintBanner() {
	banner := `
              __       __
   ___ ____ _/ /____  / /_____ ___ ___
  / _ '/ _ '/ __/ -_)/  '_/ -_) -_) _ \
  \_, /\_,_/\__/\__//_/\_\\__/\__/ .__/
 /___/                          /_/

    Authenticated profiles, captcha-gated mutations
    ───────────────────────────────────────────────
`
	fmt.Print(banner)
}
