package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gatekeep.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp YAML: %v", err)
	}
	return path
}

// clearGatekeepEnvs blanks every GATEKEEP_ variable the loader reads.
func clearGatekeepEnvs(t *testing.T) {
	t.Helper()
	keys := []string{
		"GATEKEEP_HTTP_ADDR", "GATEKEEP_ENV", "GATEKEEP_DATA_PATH", "GATEKEEP_COMPRESS",
		"GATEKEEP_LOG_LEVEL", "GATEKEEP_ERROR_LOG_PATH", "GATEKEEP_ERROR_LOG_MAX_SIZE_MB",
		"GATEKEEP_SESSION_IDLE", "GATEKEEP_SESSION_EXPIRY", "GATEKEEP_RESET_TOKEN_TTL",
		"GATEKEEP_CAPTCHA_PROVIDER", "GATEKEEP_CAPTCHA_SECRET", "GATEKEEP_CAPTCHA_VERIFY_URL",
		"GATEKEEP_CAPTCHA_MIN_SCORE", "GATEKEEP_CAPTCHA_LEDGER_TTL",
		"GATEKEEP_SESSION_SWEEP_INTERVAL", "GATEKEEP_LEDGER_PRUNE_INTERVAL",
		"GATEKEEP_MCP_ENABLED", "GATEKEEP_MCP_PATH", "GATEKEEP_MCP_API_KEY", "GATEKEEP_MCP_ALLOWED_TOOLS",
		"GATEKEEP_ALLOWED_ORIGINS", "GATEKEEP_MAX_REQUEST_BODY",
		"GATEKEEP_RATE_LIMIT_REQUESTS", "GATEKEEP_RATE_LIMIT_WINDOW", "GATEKEEP_TRUST_PROXY_HEADERS", "GATEKEEP_BCRYPT_COST",
		"GATEKEEP_TLS_CERT", "GATEKEEP_TLS_KEY", "GATEKEEP_READ_TIMEOUT", "GATEKEEP_WRITE_TIMEOUT",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

// validConfig returns defaults plus the one field production requires.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Captcha.Secret = "test-secret"
	return cfg
}

// ---------------------------------------------------------------------------
// DefaultConfig tests
// ---------------------------------------------------------------------------

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("expected Server.HTTPAddr ':8080', got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.Env != EnvProduction {
		t.Errorf("expected prod environment by default, got %q", cfg.Server.Env)
	}
	if cfg.Log.ErrorLogPath != "./data/error.log" {
		t.Errorf("expected default error log path, got %q", cfg.Log.ErrorLogPath)
	}
	if cfg.Captcha.Provider != "recaptcha" {
		t.Errorf("expected recaptcha provider by default, got %q", cfg.Captcha.Provider)
	}
	if cfg.Security.MaxRequestBody != 1<<20 {
		t.Errorf("expected 1MB body limit, got %d", cfg.Security.MaxRequestBody)
	}
	if cfg.Security.TrustProxyHeaders {
		t.Error("proxy headers must not be trusted by default")
	}
}

func TestDefaultConfig_RequiresCaptchaSecret(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "captcha.secret") {
		t.Fatalf("expected captcha.secret error, got %v", err)
	}
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("defaults plus secret should validate: %v", err)
	}
}

// ---------------------------------------------------------------------------
// YAML tests
// ---------------------------------------------------------------------------

func TestConfigFromFile_PartialOverride(t *testing.T) {
	path := writeTempYAML(t, `
server:
  httpAddr: ":7070"
  env: dev
captcha:
  provider: dev
session:
  idleThreshold: 5m
`)

	cfg, err := ConfigFromFile(path)
	if err != nil {
		t.Fatalf("ConfigFromFile failed: %v", err)
	}

	if cfg.Server.HTTPAddr != ":7070" {
		t.Errorf("expected ':7070', got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.Env != EnvDevelopment {
		t.Errorf("expected dev env, got %q", cfg.Server.Env)
	}
	if cfg.Session.IdleThreshold != 5*time.Minute {
		t.Errorf("expected 5m idle threshold, got %v", cfg.Session.IdleThreshold)
	}
	if cfg.Storage.DataPath != "./data" {
		t.Errorf("DataPath should retain default './data', got %q", cfg.Storage.DataPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("dev config with dev captcha should validate: %v", err)
	}
}

func TestConfigFromFile_NotFound(t *testing.T) {
	if _, err := ConfigFromFile("/nonexistent/path/gatekeep.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestConfigFromFile_InvalidYAML(t *testing.T) {
	path := writeTempYAML(t, `{{{invalid yaml`)
	if _, err := ConfigFromFile(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

// ---------------------------------------------------------------------------
// Environment variable override tests
// ---------------------------------------------------------------------------

func TestConfigFromEnv_Vars(t *testing.T) {
	clearGatekeepEnvs(t)
	t.Setenv("GATEKEEP_HTTP_ADDR", ":9090")
	t.Setenv("GATEKEEP_ENV", "development")
	t.Setenv("GATEKEEP_COMPRESS", "false")
	t.Setenv("GATEKEEP_SESSION_EXPIRY", "2h")
	t.Setenv("GATEKEEP_CAPTCHA_MIN_SCORE", "0.7")
	t.Setenv("GATEKEEP_MCP_ALLOWED_TOOLS", "gatekeep_user_lookup, ,gatekeep_error_log_tail")
	t.Setenv("GATEKEEP_MAX_REQUEST_BODY", "2048")
	t.Setenv("GATEKEEP_TRUST_PROXY_HEADERS", "true")

	cfg := ConfigFromEnv(nil)

	if cfg.Server.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr: got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.Env != EnvDevelopment {
		t.Errorf("Env: got %q", cfg.Server.Env)
	}
	if cfg.Storage.Compress {
		t.Error("Compress should be false")
	}
	if cfg.Session.ExpiryThreshold != 2*time.Hour {
		t.Errorf("ExpiryThreshold: got %v", cfg.Session.ExpiryThreshold)
	}
	if cfg.Captcha.MinScore != 0.7 {
		t.Errorf("MinScore: got %v", cfg.Captcha.MinScore)
	}
	if len(cfg.MCP.AllowedTools) != 2 {
		t.Errorf("AllowedTools: got %v", cfg.MCP.AllowedTools)
	}
	if cfg.Security.MaxRequestBody != 2048 {
		t.Errorf("MaxRequestBody: got %d", cfg.Security.MaxRequestBody)
	}
	if !cfg.Security.TrustProxyHeaders {
		t.Error("TrustProxyHeaders should be true")
	}
}

func TestConfigFromEnv_IgnoresInvalidValues(t *testing.T) {
	clearGatekeepEnvs(t)
	t.Setenv("GATEKEEP_ENV", "staging")
	t.Setenv("GATEKEEP_SESSION_IDLE", "not-a-duration")
	t.Setenv("GATEKEEP_BCRYPT_COST", "twelve")

	cfg := ConfigFromEnv(nil)
	def := DefaultConfig()

	if cfg.Server.Env != def.Server.Env {
		t.Errorf("invalid env should be ignored, got %q", cfg.Server.Env)
	}
	if cfg.Session.IdleThreshold != def.Session.IdleThreshold {
		t.Errorf("invalid duration should be ignored, got %v", cfg.Session.IdleThreshold)
	}
	if cfg.Security.BcryptCost != def.Security.BcryptCost {
		t.Errorf("invalid int should be ignored, got %d", cfg.Security.BcryptCost)
	}
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	path := writeTempYAML(t, `
server:
  httpAddr: ":7070"
`)
	clearGatekeepEnvs(t)
	t.Setenv("GATEKEEP_HTTP_ADDR", ":8081")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server.HTTPAddr != ":8081" {
		t.Errorf("env should override YAML: expected ':8081', got %q", cfg.Server.HTTPAddr)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/file.yaml"); err == nil {
		t.Error("expected error for nonexistent config file")
	}
}

// ---------------------------------------------------------------------------
// Validation tests
// ---------------------------------------------------------------------------

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty http addr", func(c *Config) { c.Server.HTTPAddr = "" }},
		{"unknown env", func(c *Config) { c.Server.Env = "staging" }},
		{"empty data path", func(c *Config) { c.Storage.DataPath = "" }},
		{"empty error log path", func(c *Config) { c.Log.ErrorLogPath = "" }},
		{"expiry not after idle", func(c *Config) { c.Session.ExpiryThreshold = c.Session.IdleThreshold }},
		{"zero reset ttl", func(c *Config) { c.Session.ResetTokenTTL = 0 }},
		{"unknown captcha provider", func(c *Config) { c.Captcha.Provider = "hcaptcha" }},
		{"dev captcha in prod", func(c *Config) { c.Captcha.Provider = "dev" }},
		{"min score above one", func(c *Config) { c.Captcha.MinScore = 1.5 }},
		{"zero sweep interval", func(c *Config) { c.Daemons.SessionSweepInterval = 0 }},
		{"mcp path without slash", func(c *Config) { c.MCP.Path = "mcp" }},
		{"unknown mcp tool", func(c *Config) { c.MCP.AllowedTools = []string{"drop_tables"} }},
		{"mcp without key in prod", func(c *Config) { c.MCP.Enabled = true }},
		{"wildcard origin in prod", func(c *Config) { c.Security.AllowedOrigins = "*" }},
		{"bcrypt cost too low", func(c *Config) { c.Security.BcryptCost = 2 }},
		{"tls cert without key", func(c *Config) { c.Security.TLSCert = "/tmp/cert.pem" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("%s should fail validation", tt.name)
			}
		})
	}
}

func TestValidate_NormalizesEnvAndMCPPath(t *testing.T) {
	cfg := validConfig()
	cfg.Server.Env = "production"
	cfg.MCP.Path = "/admin/mcp/"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Env != EnvProduction {
		t.Errorf("expected env normalized to prod, got %q", cfg.Server.Env)
	}
	if cfg.MCP.Path != "/admin/mcp" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.MCP.Path)
	}
}

// ---------------------------------------------------------------------------
// CLI override tests
// ---------------------------------------------------------------------------

func TestApplyCLIOverrides_NilOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyCLIOverrides(nil)
	if cfg.Server.HTTPAddr != ":8080" {
		t.Errorf("nil overrides must not change config, got %q", cfg.Server.HTTPAddr)
	}
}

func TestApplyCLIOverrides_WinsOverEnvAndYAML(t *testing.T) {
	clearGatekeepEnvs(t)
	t.Setenv("GATEKEEP_HTTP_ADDR", ":8081")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	addr := ":9999"
	env := "dev"
	cfg.ApplyCLIOverrides(&CLIOverrides{HTTPAddr: &addr, Env: &env})
	if cfg.Server.HTTPAddr != ":9999" {
		t.Errorf("CLI should override env: expected :9999, got %q", cfg.Server.HTTPAddr)
	}
	if cfg.Server.Env != EnvDevelopment {
		t.Errorf("CLI env override not applied, got %q", cfg.Server.Env)
	}
}

// ---------------------------------------------------------------------------
// Environment
// ---------------------------------------------------------------------------

func TestParseEnvironment(t *testing.T) {
	for _, raw := range []string{"dev", "Development", " local "} {
		if env, err := ParseEnvironment(raw); err != nil || !env.IsDevelopment() {
			t.Errorf("%q: expected dev, got %q (%v)", raw, env, err)
		}
	}
	for _, raw := range []string{"prod", "PRODUCTION"} {
		if env, err := ParseEnvironment(raw); err != nil || env.IsDevelopment() {
			t.Errorf("%q: expected prod, got %q (%v)", raw, env, err)
		}
	}
	if _, err := ParseEnvironment("qa"); err == nil {
		t.Error("expected error for unknown environment")
	}
}
