// Package config loads process settings from an optional YAML file and
// FANOUT_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/GetStream/realtime-fanout/ratelimit"
)

type Config struct {
	HTTP struct {
		// Addr is the listen address. The default is :8080.
		Addr string `validate:"required"`
		// TrustedProxies lists the addresses or CIDR ranges allowed to set
		// the client IP through X-Forwarded-For or X-Real-IP.
		TrustedProxies []string `mapstructure:"trusted_proxies" validate:"dive,cidr|ip"`
	}
	Redis struct {
		Addr     string `validate:"required"`
		Password string
		DB       int `validate:"gte=0"`
	}
	Postgres struct {
		DSN string `validate:"required"`
	}
	Auth struct {
		// Secret signs and verifies HS256 access tokens.
		Secret string `validate:"required,min=16"`
	}
	Store struct {
		// Timeout bounds every limiter and publish call to the store.
		Timeout time.Duration `validate:"gt=0"`
	}
	Log struct {
		Level  string `validate:"oneof=debug info warn error"`
		Format string `validate:"oneof=json text"`
	}
	Fanout struct {
		// TopicDelivery also delivers new messages to subscribed connections.
		TopicDelivery bool `mapstructure:"topic_delivery"`
	}
	Gateway struct {
		SendBuffer     int      `mapstructure:"send_buffer" validate:"gt=0"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	}
	// Limits overrides rate limit policies by action name.
	Limits map[string]Limit `validate:"dive"`
}

// A Limit overrides the max and window of one rate limit policy.
type Limit struct {
	Max    int           `validate:"gte=0"`
	Window time.Duration `validate:"gte=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the YAML file at path, if any, applies environment overrides
// and validates the result. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("store.timeout", "250ms")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("fanout.topic_delivery", false)
	v.SetDefault("gateway.send_buffer", 64)
	v.SetDefault("gateway.allowed_origins", []string{})

	v.SetEnvPrefix("FANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field and reports the failing ones.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
}

// Policies returns the default rate limit policies with the configured
// overrides applied.
func (c *Config) Policies() ratelimit.Policies {
	p := ratelimit.DefaultPolicies()
	for action, l := range c.Limits {
		p.Override(action, l.Max, l.Window)
	}
	return p
}

// TrustedProxies returns the trusted proxy ranges. A bare address is a
// single-host range.
func (c *Config) TrustedProxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.HTTP.TrustedProxies))
	for _, s := range c.HTTP.TrustedProxies {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", s, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
