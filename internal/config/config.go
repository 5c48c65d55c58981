// Package config loads service settings from a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"memberflow.org/internal/obs"
)

const prefix = "MEMBERFLOW_"

// Config holds all runtime settings.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	PGDSN    string
	// AutoMigrate applies pending migrations and seeds at startup.
	AutoMigrate bool

	AuthSecret string
	AuthIssuer string
	// BootstrapAdminID, when set, is granted the ADMIN role at startup.
	BootstrapAdminID int64

	TransferWindowMonths int
	SweepSchedule        string
	SweepDisabled        bool
	OrgCacheTTL          time.Duration
	AuthzCacheTTL        time.Duration

	AdminRoles    []string
	OrgAdminRoles []string

	RateBurst     int
	RatePerSecond float64
}

// InMemory reports whether no database is configured.
func (c Config) InMemory() bool { return c.PGDSN == "" }

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv. Invalid values are errors, never
// silent defaults.
func FromEnv(getenv func(string) string) (Config, error) {
	r := reader{getenv: getenv}
	cfg := Config{
		HTTPAddr:             r.str("HTTP_ADDR", ":8080"),
		GRPCAddr:             r.str("GRPC_ADDR", ":9090"),
		PGDSN:                r.str("PG_DSN", ""),
		AutoMigrate:          r.boolean("AUTO_MIGRATE", false),
		AuthSecret:           r.str("AUTH_SECRET", ""),
		AuthIssuer:           r.str("AUTH_ISSUER", "memberflow"),
		BootstrapAdminID:     int64(r.integer("BOOTSTRAP_ADMIN_ID", 0)),
		TransferWindowMonths: r.integer("TRANSFER_WINDOW_MONTHS", 3),
		SweepSchedule:        r.str("SWEEP_SCHEDULE", "0 1 * * *"),
		SweepDisabled:        r.boolean("SWEEP_DISABLED", false),
		OrgCacheTTL:          r.duration("ORG_CACHE_TTL", time.Minute),
		AuthzCacheTTL:        r.duration("AUTHZ_CACHE_TTL", time.Minute),
		AdminRoles:           r.list("ADMIN_ROLES", []string{"ADMIN"}),
		OrgAdminRoles:        r.list("ORG_ADMIN_ROLES", []string{"ADMIN", "ORG_ADMIN", "BRANCH_ADMIN"}),
		RateBurst:            r.integer("RATE_BURST", 40),
		RatePerSecond:        r.float("RATE_PER_SEC", 20),
	}
	if strings.EqualFold(cfg.GRPCAddr, "off") {
		cfg.GRPCAddr = ""
	}
	if cfg.AuthSecret == "" {
		r.errs = append(r.errs, fmt.Errorf("%sAUTH_SECRET is required", prefix))
	}
	if cfg.BootstrapAdminID < 0 {
		r.errs = append(r.errs, fmt.Errorf("%sBOOTSTRAP_ADMIN_ID must not be negative", prefix))
	}
	if cfg.TransferWindowMonths <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%sTRANSFER_WINDOW_MONTHS must be positive", prefix))
	}
	if cfg.RateBurst <= 0 || cfg.RatePerSecond <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%sRATE_BURST and %sRATE_PER_SEC must be positive", prefix, prefix))
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Log writes the effective settings, without secrets.
func (c Config) Log() {
	storage := "postgres"
	if c.InMemory() {
		storage = "memory"
	}
	obs.Info("config_loaded", map[string]any{
		"http_addr":              c.HTTPAddr,
		"grpc_addr":              c.GRPCAddr,
		"storage":                storage,
		"auto_migrate":           c.AutoMigrate,
		"transfer_window_months": c.TransferWindowMonths,
		"sweep_schedule":         c.SweepSchedule,
		"sweep_disabled":         c.SweepDisabled,
		"org_cache_ttl":          c.OrgCacheTTL.String(),
		"authz_cache_ttl":        c.AuthzCacheTTL.String(),
	})
}

type reader struct {
	getenv func(string) string
	errs   []error
}

func (r *reader) raw(key string) (string, bool) {
	v := strings.TrimSpace(r.getenv(prefix + key))
	return v, v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %q is not an integer", prefix, key, v))
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
		r.errs = append(r.errs, fmt.Errorf("%s%s: %q is not a number", prefix, key, v))
		return def
	}
	return f
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %q is not a boolean", prefix, key, v))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %q is not a positive duration", prefix, key, v))
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
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		r.errs = append(r.errs, fmt.Errorf("%s%s: empty list", prefix, key))
		return def
	}
	return out
}
