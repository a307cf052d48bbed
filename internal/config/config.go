package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend names accepted by CONTENT_STORE, KEY_STORE, KEY_DIRECTORY and LEDGER.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendS3       = "s3"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// MinPassphraseLength is the shortest KEY_STORE_PASSPHRASE accepted for the
// file key store.
const MinPassphraseLength = 12

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	AuthMode    string   `mapstructure:"AUTH_MODE"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	ContentStore string `mapstructure:"CONTENT_STORE"`
	BadgerPath   string `mapstructure:"BADGER_PATH"`
	S3Bucket     string `mapstructure:"S3_BUCKET"`
	S3Region     string `mapstructure:"S3_REGION"`
	S3Endpoint   string `mapstructure:"S3_ENDPOINT"`
	S3AccessKey  string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey  string `mapstructure:"S3_SECRET_KEY"`
	S3Prefix     string `mapstructure:"S3_PREFIX"`

	KeyStore           string `mapstructure:"KEY_STORE"`
	KeyStoreDir        string `mapstructure:"KEY_STORE_DIR"`
	KeyStorePassphrase string `mapstructure:"KEY_STORE_PASSPHRASE"`
	KeyDirectory       string `mapstructure:"KEY_DIRECTORY"`
	Ledger             string `mapstructure:"LEDGER"`
	RSAKeyBits         int    `mapstructure:"RSA_KEY_BITS"`

	MaxUploadBytes  int64         `mapstructure:"MAX_UPLOAD_BYTES"`
	PipelineTimeout time.Duration `mapstructure:"PIPELINE_TIMEOUT"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool    `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string  `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string  `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS",
	"CONTENT_STORE", "BADGER_PATH",
	"S3_BUCKET", "S3_REGION", "S3_ENDPOINT", "S3_ACCESS_KEY", "S3_SECRET_KEY", "S3_PREFIX",
	"KEY_STORE", "KEY_STORE_DIR", "KEY_STORE_PASSPHRASE", "KEY_DIRECTORY", "LEDGER", "RSA_KEY_BITS",
	"MAX_UPLOAD_BYTES", "PIPELINE_TIMEOUT",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CONTENT_STORE", BackendMemory)
	v.SetDefault("BADGER_PATH", "./data/blobs")
	v.SetDefault("S3_PREFIX", "docvault/")
	v.SetDefault("KEY_STORE", BackendMemory)
	v.SetDefault("KEY_STORE_DIR", "./data/keys")
	v.SetDefault("KEY_DIRECTORY", BackendMemory)
	v.SetDefault("LEDGER", BackendMemory)
	v.SetDefault("RSA_KEY_BITS", 2048)
	v.SetDefault("MAX_UPLOAD_BYTES", 50<<20)
	v.SetDefault("PIPELINE_TIMEOUT", "30s")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	cfg.ContentStore = strings.ToLower(cfg.ContentStore)
	cfg.KeyStore = strings.ToLower(cfg.KeyStore)
	cfg.KeyDirectory = strings.ToLower(cfg.KeyDirectory)
	cfg.Ledger = strings.ToLower(cfg.Ledger)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise, the mode is inferred:
//   - ENV=development -> "development" (identity taken from X-Identity)
//   - otherwise       -> "jwt"
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// UsesPostgres reports whether any backend needs DATABASE_URL.
func (c *Config) UsesPostgres() bool {
	return c.KeyStore == BackendPostgres || c.KeyDirectory == BackendPostgres || c.Ledger == BackendPostgres
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if err := oneOf("CONTENT_STORE", c.ContentStore, BackendMemory, BackendBadger, BackendS3); err != nil {
		return err
	}
	if err := oneOf("KEY_STORE", c.KeyStore, BackendMemory, BackendFile, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("KEY_DIRECTORY", c.KeyDirectory, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if err := oneOf("LEDGER", c.Ledger, BackendMemory, BackendPostgres); err != nil {
		return err
	}

	if c.UsesPostgres() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when a postgres backend is selected")
	}
	if c.ContentStore == BackendBadger && c.BadgerPath == "" {
		return fmt.Errorf("BADGER_PATH is required when CONTENT_STORE is %q", BackendBadger)
	}
	if c.ContentStore == BackendS3 {
		if c.S3Bucket == "" || c.S3Region == "" {
			return fmt.Errorf("S3_BUCKET and S3_REGION are required when CONTENT_STORE is %q", BackendS3)
		}
		if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	}
	if c.KeyStore == BackendFile || c.KeyStore == BackendPostgres {
		if len(c.KeyStorePassphrase) < MinPassphraseLength {
			return fmt.Errorf("KEY_STORE_PASSPHRASE must be at least %d characters when KEY_STORE is %q", MinPassphraseLength, c.KeyStore)
		}
	}
	if c.KeyStore == BackendFile && c.KeyStoreDir == "" {
		return fmt.Errorf("KEY_STORE_DIR is required when KEY_STORE is %q", BackendFile)
	}
	if c.RSAKeyBits < 2048 {
		return fmt.Errorf("RSA_KEY_BITS must be at least 2048, got %d", c.RSAKeyBits)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive, got %d", c.MaxUploadBytes)
	}
	if c.PipelineTimeout < 0 {
		return fmt.Errorf("PIPELINE_TIMEOUT must not be negative, got %s", c.PipelineTimeout)
	}

	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "jwt" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if mode == "jwt" && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when AUTH_MODE is \"jwt\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}

	if c.IsProduction() {
		if mode != "jwt" {
			return fmt.Errorf("AUTH_MODE must be \"jwt\" in production")
		}
		if c.KeyStore == BackendMemory {
			return fmt.Errorf("KEY_STORE=%q loses private keys on restart and is not allowed in production", BackendMemory)
		}
		if c.AuthSigningKey != "" {
			return fmt.Errorf("AUTH_SIGNING_KEY is for development only; use AUTH_ISSUER or AUTH_JWKS_URL in production")
		}
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", name, strings.Join(allowed, "|"), value)
}
