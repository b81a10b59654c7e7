// Package config loads service settings from an optional file and
// ENTITLEMENTS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"entitlements.org/internal/entitlement"
)

const EnvPrefix = "ENTITLEMENTS"

type Config struct {
	HTTPAddr string
	GRPCAddr string

	DatabaseDSN string

	AuthSecret string
	AuthIssuer string

	// DefaultPolicy applies to entitlements with no stored policy. Each
	// unset window is unlimited.
	DefaultPolicy entitlement.EffectivePolicy

	CatalogURL       string
	CatalogToken     string
	CatalogTimeout   time.Duration
	CatalogCacheTTL  time.Duration
	CatalogCacheSize int
	RedisAddr        string

	EnrollmentTarget  string
	EnrollmentTimeout time.Duration

	RateLimitPerSecond float64
	RateLimitBurst     int

	LogLevel string

	// TracingEndpoint is the OTLP/HTTP collector (host:port). Empty disables
	// span export.
	TracingEndpoint   string
	TracingInsecure   bool
	TracingSampleRate float64
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.addr", ":9090")
	v.SetDefault("auth.issuer", "entitlements")
	v.SetDefault("catalog.timeout", "5s")
	v.SetDefault("catalog.cache_ttl", "5m")
	v.SetDefault("catalog.cache_size", 1024)
	v.SetDefault("enrollment.timeout", "10s")
	v.SetDefault("ratelimit.per_second", 50.0)
	v.SetDefault("ratelimit.burst", 100)
	v.SetDefault("log.level", "info")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_rate", 1.0)

	// Registered without defaults so AutomaticEnv still resolves them.
	for _, key := range []string{
		"database.dsn", "auth.secret", "catalog.url", "catalog.token", "redis.addr", "enrollment.target", "tracing.endpoint",
		"policy.expiration_period_days", "policy.refund_period_days", "policy.regain_period_days",
	} {
		_ = v.BindEnv(key)
	}
	return v
}

// Load reads file (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	policy, err := defaultPolicy(v)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		HTTPAddr:           v.GetString("http.addr"),
		GRPCAddr:           v.GetString("grpc.addr"),
		DatabaseDSN:        v.GetString("database.dsn"),
		AuthSecret:         v.GetString("auth.secret"),
		AuthIssuer:         v.GetString("auth.issuer"),
		DefaultPolicy:      policy,
		CatalogURL:         v.GetString("catalog.url"),
		CatalogToken:       v.GetString("catalog.token"),
		CatalogTimeout:     v.GetDuration("catalog.timeout"),
		CatalogCacheTTL:    v.GetDuration("catalog.cache_ttl"),
		CatalogCacheSize:   v.GetInt("catalog.cache_size"),
		RedisAddr:          v.GetString("redis.addr"),
		EnrollmentTarget:   v.GetString("enrollment.target"),
		EnrollmentTimeout:  v.GetDuration("enrollment.timeout"),
		RateLimitPerSecond: v.GetFloat64("ratelimit.per_second"),
		RateLimitBurst:     v.GetInt("ratelimit.burst"),
		LogLevel:           v.GetString("log.level"),
		TracingEndpoint:    v.GetString("tracing.endpoint"),
		TracingInsecure:    v.GetBool("tracing.insecure"),
		TracingSampleRate:  v.GetFloat64("tracing.sample_rate"),
	}
	if cfg.RateLimitPerSecond <= 0 || cfg.RateLimitBurst <= 0 {
		return Config{}, errors.New("ratelimit.per_second and ratelimit.burst must be positive")
	}
	return cfg, nil
}

func defaultPolicy(v *viper.Viper) (entitlement.EffectivePolicy, error) {
	window := func(key string) (int, error) {
		if !v.IsSet(key) || strings.TrimSpace(v.GetString(key)) == "" {
			return entitlement.NoLimitDays, nil
		}
		days, err := windowDays(v.Get(key))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		if days < 0 {
			return 0, fmt.Errorf("%s must not be negative", key)
		}
		return days, nil
	}
	var (
		p   entitlement.EffectivePolicy
		err error
	)
	if p.ExpirationPeriodDays, err = window("policy.expiration_period_days"); err != nil {
		return p, err
	}
	if p.RefundPeriodDays, err = window("policy.refund_period_days"); err != nil {
		return p, err
	}
	if p.RegainPeriodDays, err = window("policy.regain_period_days"); err != nil {
		return p, err
	}
	return p, nil
}

// windowDays accepts whole-day counts from env strings or decoded files.
// Strings are read as decimal.
func windowDays(raw any) (int, error) {
	if s, ok := raw.(string); ok {
		return strconv.Atoi(strings.TrimSpace(s))
	}
	return cast.ToIntE(raw)
}
