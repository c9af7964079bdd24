// Package config holds operator-level configuration for an atlasgate
// installation: data directory, vault encryption key, caller registry path,
// retry knobs, log settings. Set via env vars (ATLASGATE_*) or a YAML
// config file.
//
// Per-channel Atlassian credentials are NOT configured here. They live in
// the encrypted vault (internal/secrets) and are resolved per request.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/cryptoutil"
	"github.com/Bullseye1979/ai-discord-bot-sub001/internal/rest"
)

// Viper keys. Each maps to an env var with the ATLASGATE_ prefix
// (e.g. "vault_key" → ATLASGATE_VAULT_KEY) and to a YAML field in the
// config file.
const (
	KeyDataDir         = "data_dir"
	KeyVaultKey        = "vault_key"
	KeyCallersFile     = "callers_file"
	KeyPolicyFile      = "policy_file"
	KeyListenAddr      = "listen_addr"
	KeyMaxAttempts     = "max_attempts"
	KeyRetryBaseMS     = "retry_base_ms"
	KeyRetryMaxMS      = "retry_max_ms"
	KeyRequestTimeoutS = "request_timeout_s"
	KeyFetchTimeoutS   = "fetch_timeout_s"
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
)

// Defaults that do not involve crypto material. The vault key has no
// baked-in default; when unset we derive a per-machine fallback and warn.
const (
	DefaultCallersFile     = "callers.yaml"
	DefaultListenAddr      = ":8080"
	DefaultMaxAttempts     = 3
	DefaultRetryBaseMS     = 500
	DefaultRetryMaxMS      = 4000
	DefaultRequestTimeoutS = 30
	DefaultFetchTimeoutS   = 30
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
)

// Config holds resolved operator-level configuration for a process.
type Config struct {
	DataDir         string // base directory for all state (~/.atlasgate)
	VaultKey        string // AES-256 key for the credential vault
	CallersFile     string // caller registry YAML path
	PolicyFile      string // optional cross-tenant rego override ("" = embedded)
	ListenAddr      string
	MaxAttempts     int
	RetryBaseMS     int
	RetryMaxMS      int
	RequestTimeoutS int
	FetchTimeoutS   int
	LogLevel        string
	LogFormat       string // "json" or "console"

	usingDefaultVaultKey bool
}

// UsingDefaultVaultKey returns true if the vault key was derived rather
// than set explicitly. Commands should warn when this is the case.
func (c *Config) UsingDefaultVaultKey() bool {
	return c.usingDefaultVaultKey
}

// VaultDBPath returns the full path to the credential vault database.
func (c *Config) VaultDBPath() string {
	return filepath.Join(c.DataDir, "credentials.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// ExecutorConfig maps the retry knobs onto the request executor settings.
func (c *Config) ExecutorConfig() rest.ExecutorConfig {
	return rest.ExecutorConfig{
		MaxAttempts:    c.MaxAttempts,
		BaseBackoff:    time.Duration(c.RetryBaseMS) * time.Millisecond,
		MaxBackoff:     time.Duration(c.RetryMaxMS) * time.Millisecond,
		RequestTimeout: time.Duration(c.RequestTimeoutS) * time.Second,
		FetchTimeout:   time.Duration(c.FetchTimeoutS) * time.Second,
	}
}

// WarnIfDefaultKey logs a warning when the vault key is not explicitly set.
func (c *Config) WarnIfDefaultKey() {
	if c.usingDefaultVaultKey {
		log.Warn().Msg("using generated default ATLASGATE_VAULT_KEY, set it explicitly for production")
	}
}

func init() {
	viper.SetEnvPrefix("ATLASGATE")
	viper.AutomaticEnv()
	viper.SetDefault(KeyCallersFile, DefaultCallersFile)
	viper.SetDefault(KeyListenAddr, DefaultListenAddr)
	viper.SetDefault(KeyMaxAttempts, DefaultMaxAttempts)
	viper.SetDefault(KeyRetryBaseMS, DefaultRetryBaseMS)
	viper.SetDefault(KeyRetryMaxMS, DefaultRetryMaxMS)
	viper.SetDefault(KeyRequestTimeoutS, DefaultRequestTimeoutS)
	viper.SetDefault(KeyFetchTimeoutS, DefaultFetchTimeoutS)
	viper.SetDefault(KeyLogLevel, DefaultLogLevel)
	viper.SetDefault(KeyLogFormat, DefaultLogFormat)
}

// Load reads configuration from Viper (which merges env vars, config file,
// and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:         resolveDataDir(),
		VaultKey:        viper.GetString(KeyVaultKey),
		CallersFile:     viper.GetString(KeyCallersFile),
		PolicyFile:      viper.GetString(KeyPolicyFile),
		ListenAddr:      viper.GetString(KeyListenAddr),
		MaxAttempts:     viper.GetInt(KeyMaxAttempts),
		RetryBaseMS:     viper.GetInt(KeyRetryBaseMS),
		RetryMaxMS:      viper.GetInt(KeyRetryMaxMS),
		RequestTimeoutS: viper.GetInt(KeyRequestTimeoutS),
		FetchTimeoutS:   viper.GetInt(KeyFetchTimeoutS),
		LogLevel:        viper.GetString(KeyLogLevel),
		LogFormat:       viper.GetString(KeyLogFormat),
	}

	if cfg.VaultKey == "" {
		cfg.VaultKey = deriveDefaultKey(cfg.DataDir, "credential-vault")
		cfg.usingDefaultVaultKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".atlasgate"
	}
	return filepath.Join(home, ".atlasgate")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Not cryptographically strong; it exists
// so the server starts out of the box while still encrypting credentials
// at rest with a per-machine key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("atlasgate:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if _, ok := cryptoutil.DecodeKey(c.VaultKey); !ok {
		return fmt.Errorf("vault_key must be exactly 32 bytes or 64 hex characters (got %d); set ATLASGATE_VAULT_KEY", len(c.VaultKey))
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.RetryBaseMS <= 0 || c.RetryMaxMS <= 0 {
		return fmt.Errorf("retry_base_ms and retry_max_ms must be positive")
	}
	if c.RetryMaxMS < c.RetryBaseMS {
		return fmt.Errorf("retry_max_ms must be at least retry_base_ms")
	}
	if c.RequestTimeoutS <= 0 || c.FetchTimeoutS <= 0 {
		return fmt.Errorf("request_timeout_s and fetch_timeout_s must be positive")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be json or console")
	}
	return nil
}
