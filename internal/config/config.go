package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const prefix = "DOCFLOW_"

// Config is the process configuration, read from DOCFLOW_* variables.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	Version  string

	Database  DatabaseConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Schema    SchemaConfig
	Override  OverrideConfig
	Bootstrap BootstrapConfig
}

type DatabaseConfig struct {
	DSN             string
	MaxOpen         int
	MaxIdle         int
	RetryMaxElapsed time.Duration
}

type AuthConfig struct {
	Secret           string
	TokenTTL         time.Duration
	ImpersonationTTL time.Duration
}

type RateLimitConfig struct {
	Burst     int
	PerSecond float64
}

type CORSConfig struct {
	AllowedOrigins []string
}

type SchemaConfig struct {
	DDLTimeout time.Duration
}

type OverrideConfig struct {
	Timeout time.Duration
}

// BootstrapConfig describes the superadmin ensured at startup. Empty ID disables it.
type BootstrapConfig struct {
	AdminID       string
	AdminName     string
	AdminPassword string
}

// Load reads .env files when present (already-set variables win) and then the
// environment. Malformed values are reported together.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary variable source.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		HTTPAddr: r.str("HTTP_ADDR", ":8080"),
		GRPCAddr: r.str("GRPC_ADDR", ""),
		Version:  r.str("VERSION", ""),
		Database: DatabaseConfig{
			DSN:             r.str("PG_DSN", ""),
			MaxOpen:         r.int("DB_MAX_OPEN", 50),
			MaxIdle:         r.int("DB_MAX_IDLE", 25),
			RetryMaxElapsed: r.duration("RETRY_MAX_ELAPSED", 2*time.Second),
		},
		Auth: AuthConfig{
			Secret:           r.str("AUTH_SECRET", ""),
			TokenTTL:         r.duration("TOKEN_TTL", time.Hour),
			ImpersonationTTL: r.duration("IMPERSONATION_TTL", 15*time.Minute),
		},
		RateLimit: RateLimitConfig{
			Burst:     r.int("RATE_BURST", 200),
			PerSecond: r.float("RATE_PER_SEC", 100),
		},
		CORS: CORSConfig{
			AllowedOrigins: r.list("CORS_ORIGINS", nil),
		},
		Schema: SchemaConfig{
			DDLTimeout: r.duration("DDL_TIMEOUT", 10*time.Second),
		},
		Override: OverrideConfig{
			Timeout: r.duration("OVERRIDE_TIMEOUT", 30*time.Second),
		},
		Bootstrap: BootstrapConfig{
			AdminID:       r.str("BOOTSTRAP_ADMIN_ID", ""),
			AdminName:     r.str("BOOTSTRAP_ADMIN_NAME", "Administrator"),
			AdminPassword: r.str("BOOTSTRAP_ADMIN_PASSWORD", ""),
		},
	}
	if cfg.Bootstrap.AdminID != "" && cfg.Bootstrap.AdminPassword == "" {
		r.errs = append(r.errs, fmt.Errorf("%sBOOTSTRAP_ADMIN_PASSWORD is required when %sBOOTSTRAP_ADMIN_ID is set", prefix, prefix))
	}
	if cfg.RateLimit.Burst < 0 || cfg.RateLimit.PerSecond < 0 {
		r.errs = append(r.errs, fmt.Errorf("%sRATE_BURST and %sRATE_PER_SEC must not be negative", prefix, prefix))
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(prefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return f
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return def
	}
	return d
}

func (r *reader) list(key string, def []string) []string {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
