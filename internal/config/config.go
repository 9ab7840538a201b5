// Package config loads the service configuration: defaults, then an optional
// YAML file, then ROSTERLINE_* environment overrides, then validation.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"rosterline.org/internal/secure"
)

// EnvFile names the environment variable holding the YAML config path.
const EnvFile = "ROSTERLINE_CONFIG"

// Rate limit scopes. The set is closed; ratelimit rejects anything else.
const (
	ScopeLogin        = "login"
	ScopeResetRequest = "password-reset-request"
	ScopeTOTP         = "totp-validate"
	ScopeCSRFIssue    = "csrf-token-issue"
	ScopeGeneric      = "generic-api"
)

// Combination modes for checks over several subjects.
const (
	CombineAll = "all"
	CombineAny = "any"
)

// Config is the full service configuration.
type Config struct {
	Environment string         `yaml:"environment" validate:"oneof=dev staging prod"`
	HTTPAddr    string         `yaml:"http_addr" validate:"required"`
	GRPCAddr    string         `yaml:"grpc_addr"`
	Issuer      string         `yaml:"issuer" validate:"required"`
	CORSOrigins []string       `yaml:"cors_origins"`
	TrustProxy  bool           `yaml:"trust_proxy"`
	Database    DatabaseConfig `yaml:"database"`
	Redis       RedisConfig    `yaml:"redis"`
	Logger      LoggerConfig   `yaml:"logger"`
	Security    Security       `yaml:"security"`
	Secrets     Secrets        `yaml:"secrets"`
}

// DatabaseConfig describes the relational store. An empty DSN selects the
// in-memory stores, which is only accepted in dev.
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=1"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// RedisConfig describes the shared counter store. An empty Addr selects the
// in-process counter store, which is only accepted in dev.
type RedisConfig struct {
	Addr          string        `yaml:"addr"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db" validate:"gte=0"`
	PoolSize      int           `yaml:"pool_size" validate:"gte=1"`
	MaxRetries    int           `yaml:"max_retries" validate:"gte=0"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LoggerConfig selects the log level and encoding.
type LoggerConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Secrets carries key material. SigningKey is used verbatim; TOTPEncryptionKey
// is hex encoded.
type Secrets struct {
	SigningKey        string `yaml:"signing_key"`
	TOTPEncryptionKey string `yaml:"totp_encryption_key"`
}

// Security holds every threshold and lifetime used by the security core. It
// is passed by value so components cannot change each other's view.
type Security struct {
	LoginLimit   int           `yaml:"login_limit" validate:"gte=1"`
	LoginWindow  time.Duration `yaml:"login_window" validate:"gt=0"`
	LoginLockout time.Duration `yaml:"login_lockout" validate:"gte=0"`

	ResetLimit  int           `yaml:"reset_limit" validate:"gte=1"`
	ResetWindow time.Duration `yaml:"reset_window" validate:"gt=0"`

	TOTPLimit   int           `yaml:"totp_limit" validate:"gte=1"`
	TOTPWindow  time.Duration `yaml:"totp_window" validate:"gt=0"`
	TOTPLockout time.Duration `yaml:"totp_lockout" validate:"gte=0"`

	GenericLimit  int           `yaml:"generic_limit" validate:"gte=1"`
	GenericWindow time.Duration `yaml:"generic_window" validate:"gt=0"`

	CSRFIssueLimit  int           `yaml:"csrf_issue_limit" validate:"gte=1"`
	CSRFIssueWindow time.Duration `yaml:"csrf_issue_window" validate:"gt=0"`

	CSRFTTL            time.Duration `yaml:"csrf_ttl" validate:"gt=0"`
	ResetTokenTTL      time.Duration `yaml:"reset_token_ttl" validate:"gt=0"`
	SessionTTL         time.Duration `yaml:"session_ttl" validate:"gt=0"`
	SessionMaxLifetime time.Duration `yaml:"session_max_lifetime" validate:"gtefield=SessionTTL"`

	StoreTimeout time.Duration `yaml:"store_timeout" validate:"gt=0"`
	// ResetMinDuration is the floor every reset request is padded to.
	ResetMinDuration      time.Duration `yaml:"reset_min_duration" validate:"gte=0"`
	RecoveryCodeThreshold int           `yaml:"recovery_code_threshold" validate:"gte=0,lte=10"`
	BcryptCost            int           `yaml:"bcrypt_cost" validate:"gte=4,lte=31"`

	// Combine maps a scope to CombineAll or CombineAny.
	Combine map[string]string `yaml:"combine" validate:"dive,keys,oneof=login password-reset-request totp-validate csrf-token-issue generic-api,endkeys,oneof=all any"`
	// FailOpen lists scopes that allow requests while the counter store is down.
	FailOpen []string `yaml:"fail_open" validate:"dive,oneof=csrf-token-issue generic-api"`
}

// CombineMode returns the configured mode for scope, CombineAll when unset.
func (s Security) CombineMode(scope string) string {
	if m, ok := s.Combine[scope]; ok {
		return m
	}
	return CombineAll
}

// IsFailOpen reports whether scope may be allowed while storage is unavailable.
func (s Security) IsFailOpen(scope string) bool {
	for _, sc := range s.FailOpen {
		if sc == scope {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable state with s.
func (s Security) Clone() Security {
	out := s
	if s.Combine != nil {
		out.Combine = make(map[string]string, len(s.Combine))
		for k, v := range s.Combine {
			out.Combine[k] = v
		}
	}
	out.FailOpen = append([]string(nil), s.FailOpen...)
	return out
}

// DefaultSecurity returns the thresholds the service ships with.
func DefaultSecurity() Security {
	return Security{
		LoginLimit:            5,
		LoginWindow:           5 * time.Minute,
		LoginLockout:          15 * time.Minute,
		ResetLimit:            3,
		ResetWindow:           time.Hour,
		TOTPLimit:             3,
		TOTPWindow:            15 * time.Minute,
		TOTPLockout:           30 * time.Minute,
		GenericLimit:          100,
		GenericWindow:         time.Minute,
		CSRFIssueLimit:        30,
		CSRFIssueWindow:       time.Minute,
		CSRFTTL:               time.Hour,
		ResetTokenTTL:         time.Hour,
		SessionTTL:            24 * time.Hour,
		SessionMaxLifetime:    7 * 24 * time.Hour,
		StoreTimeout:          2 * time.Second,
		ResetMinDuration:      250 * time.Millisecond,
		RecoveryCodeThreshold: 2,
		BcryptCost:            12,
		FailOpen:              []string{ScopeGeneric},
	}
}

// Default returns the configuration used before any file or environment override.
func Default() Config {
	return Config{
		Environment: "dev",
		HTTPAddr:    ":8080",
		GRPCAddr:    ":9090",
		Issuer:      "rosterline",
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			ConnLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			PoolSize:      10,
			MaxRetries:    3,
			RetryInterval: time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "json",
		},
		Security: DefaultSecurity(),
	}
}

// Load builds the configuration. path may be empty, in which case EnvFile is
// consulted; a missing path means defaults plus environment only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvFile)
	}
	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("load config from environment: %w", err)
	}
	if err := fillDevSecrets(&cfg); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Security = cfg.Security.Clone()
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	content, err := os.ReadFile(os.ExpandEnv(path))
	if err != nil {
		return err
	}
	if err := yaml.UnmarshalStrict(content, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

type envVar struct {
	name  string
	apply func(string) error
}

func loadEnv(cfg *Config) error {
	s := &cfg.Security
	vars := []envVar{
		{"ROSTERLINE_ENV", setString(&cfg.Environment)},
		{"ROSTERLINE_HTTP_ADDR", setString(&cfg.HTTPAddr)},
		{"ROSTERLINE_GRPC_ADDR", setString(&cfg.GRPCAddr)},
		{"ROSTERLINE_ISSUER", setString(&cfg.Issuer)},
		{"ROSTERLINE_CORS_ORIGINS", setList(&cfg.CORSOrigins)},
		{"ROSTERLINE_TRUST_PROXY", setBool(&cfg.TrustProxy)},
		{"ROSTERLINE_PG_DSN", setString(&cfg.Database.DSN)},
		{"ROSTERLINE_REDIS_ADDR", setString(&cfg.Redis.Addr)},
		{"ROSTERLINE_REDIS_PASSWORD", setString(&cfg.Redis.Password)},
		{"ROSTERLINE_REDIS_DB", setInt(&cfg.Redis.DB)},
		{"ROSTERLINE_LOG_LEVEL", setString(&cfg.Logger.Level)},
		{"ROSTERLINE_LOG_FORMAT", setString(&cfg.Logger.Format)},
		{"ROSTERLINE_SIGNING_KEY", setString(&cfg.Secrets.SigningKey)},
		{"ROSTERLINE_TOTP_ENCRYPTION_KEY", setString(&cfg.Secrets.TOTPEncryptionKey)},
		{"ROSTERLINE_LOGIN_LIMIT", setInt(&s.LoginLimit)},
		{"ROSTERLINE_LOGIN_WINDOW", setDuration(&s.LoginWindow)},
		{"ROSTERLINE_LOGIN_LOCKOUT", setDuration(&s.LoginLockout)},
		{"ROSTERLINE_RESET_LIMIT", setInt(&s.ResetLimit)},
		{"ROSTERLINE_RESET_WINDOW", setDuration(&s.ResetWindow)},
		{"ROSTERLINE_TOTP_LIMIT", setInt(&s.TOTPLimit)},
		{"ROSTERLINE_TOTP_WINDOW", setDuration(&s.TOTPWindow)},
		{"ROSTERLINE_TOTP_LOCKOUT", setDuration(&s.TOTPLockout)},
		{"ROSTERLINE_CSRF_TTL", setDuration(&s.CSRFTTL)},
		{"ROSTERLINE_RESET_TOKEN_TTL", setDuration(&s.ResetTokenTTL)},
		{"ROSTERLINE_SESSION_TTL", setDuration(&s.SessionTTL)},
		{"ROSTERLINE_SESSION_MAX_LIFETIME", setDuration(&s.SessionMaxLifetime)},
		{"ROSTERLINE_STORE_TIMEOUT", setDuration(&s.StoreTimeout)},
		{"ROSTERLINE_RECOVERY_CODE_THRESHOLD", setInt(&s.RecoveryCodeThreshold)},
		{"ROSTERLINE_BCRYPT_COST", setInt(&s.BcryptCost)},
		{"ROSTERLINE_FAIL_OPEN", setList(&s.FailOpen)},
	}
	for _, v := range vars {
		raw, ok := os.LookupEnv(v.name)
		if !ok {
			continue
		}
		if err := v.apply(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", v.name, err)
		}
	}
	return nil
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func setList(dst *[]string) func(string) error {
	return func(v string) error {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*dst = out
		return nil
	}
}

// fillDevSecrets generates throwaway keys in dev so the service starts
// without provisioning. Sessions and encrypted secrets do not survive restarts.
func fillDevSecrets(cfg *Config) error {
	if cfg.Environment != "dev" {
		return nil
	}
	if cfg.Secrets.SigningKey == "" {
		key, err := secure.RandomToken(32)
		if err != nil {
			return err
		}
		cfg.Secrets.SigningKey = key
	}
	if cfg.Secrets.TOTPEncryptionKey == "" {
		key, err := secure.RandomBytes(32)
		if err != nil {
			return err
		}
		cfg.Secrets.TOTPEncryptionKey = hex.EncodeToString(key)
	}
	return nil
}

var validate = validator.New()

// Validate checks struct constraints and cross-field rules.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	if len(cfg.Secrets.SigningKey) < 32 {
		return errors.New("secrets.signing_key must be at least 32 bytes")
	}
	if _, err := cfg.TOTPKey(); err != nil {
		return err
	}
	if cfg.Environment != "dev" {
		if cfg.Database.DSN == "" {
			return errors.New("database.dsn is required outside dev")
		}
		if cfg.Redis.Addr == "" {
			return errors.New("redis.addr is required outside dev")
		}
	}
	return nil
}

// TOTPKey decodes the secret-encryption key.
func (c Config) TOTPKey() ([]byte, error) {
	key, err := hex.DecodeString(c.Secrets.TOTPEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("secrets.totp_encryption_key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("secrets.totp_encryption_key must decode to 32 bytes")
	}
	return key, nil
}
