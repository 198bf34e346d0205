package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Auction   AuctionConfig   `mapstructure:"auction"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Click     ClickConfig     `mapstructure:"click"`
	Recorder  RecorderConfig  `mapstructure:"recorder"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Partners  []PartnerConfig `mapstructure:"partners"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	AdminKey string `mapstructure:"admin_key"`
}

type AuctionConfig struct {
	DefaultTimeoutMs    int     `mapstructure:"default_timeout_ms"`
	MaxTimeoutMs        int     `mapstructure:"max_timeout_ms"`
	MaxBids             int     `mapstructure:"max_bids"`
	FloorPriceMin       float64 `mapstructure:"floor_price_min"`
	MaxBidPrice         float64 `mapstructure:"max_bid_price"`
	DefaultBidTTLSecs   int     `mapstructure:"default_bid_ttl_seconds"`
	LateResponseGraceMs int     `mapstructure:"late_response_grace_ms"`
	PartnerRetries      int     `mapstructure:"partner_retries"`
}

func (a AuctionConfig) DefaultTimeout() time.Duration {
	return time.Duration(a.DefaultTimeoutMs) * time.Millisecond
}

func (a AuctionConfig) MaxTimeout() time.Duration {
	return time.Duration(a.MaxTimeoutMs) * time.Millisecond
}

func (a AuctionConfig) DefaultBidTTL() time.Duration {
	return time.Duration(a.DefaultBidTTLSecs) * time.Second
}

func (a AuctionConfig) LateResponseGrace() time.Duration {
	return time.Duration(a.LateResponseGraceMs) * time.Millisecond
}

type CacheConfig struct {
	Backend                string `mapstructure:"backend"` // memory | redis
	TTLSeconds             int    `mapstructure:"ttl_seconds"`
	CleanupIntervalSeconds int    `mapstructure:"cleanup_interval_seconds"`
	KeyPrefix              string `mapstructure:"key_prefix"`
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c CacheConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

type BreakerConfig struct {
	WindowSize         int     `mapstructure:"window_size"`
	FailureThreshold   float64 `mapstructure:"failure_threshold"`
	MinSamples         int     `mapstructure:"min_samples"`
	CooldownSeconds    int     `mapstructure:"cooldown_seconds"`
	BackoffMultiplier  float64 `mapstructure:"backoff_multiplier"`
	MaxCooldownSeconds int     `mapstructure:"max_cooldown_seconds"`
}

type ClickConfig struct {
	DuplicateWindowSeconds int  `mapstructure:"duplicate_window_seconds"`
	MinClickDelayMs        int  `mapstructure:"min_click_delay_ms"`
	PenalizePartner        bool `mapstructure:"penalize_partner"`
}

type RecorderConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
	RecentMax  int `mapstructure:"recent_max"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int    `mapstructure:"max_conns"`
	RetentionDays          int    `mapstructure:"retention_days"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig caps inbound requests across all callers. QPS 0 disables it.
type RateLimitConfig struct {
	QPS   float64 `mapstructure:"qps"`
	Burst int     `mapstructure:"burst"`
}

type PartnerConfig struct {
	ID                  string             `mapstructure:"id"`
	Name                string             `mapstructure:"name"`
	Endpoint            string             `mapstructure:"endpoint"`
	APIKey              string             `mapstructure:"api_key"`
	Format              string             `mapstructure:"format"` // native | openrtb
	Enabled             bool               `mapstructure:"enabled"`
	Priority            int                `mapstructure:"priority"`
	Multiplier          float64            `mapstructure:"multiplier"`
	VerticalMultipliers map[string]float64 `mapstructure:"vertical_multipliers"`
	MinBid              float64            `mapstructure:"min_bid"`
	MaxBid              float64            `mapstructure:"max_bid"`
	QPS                 float64            `mapstructure:"qps"`
	Burst               int                `mapstructure:"burst"`
}

// Load reads config.yaml from . or ./configs, then BIDGATE_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")

	// e.g. BIDGATE_CACHE_TTL_SECONDS
	v.SetEnvPrefix("bidgate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("auth.admin_key", "")

	v.SetDefault("auction.default_timeout_ms", 100)
	v.SetDefault("auction.max_timeout_ms", 300)
	v.SetDefault("auction.max_bids", 10)
	v.SetDefault("auction.floor_price_min", 0.01)
	v.SetDefault("auction.max_bid_price", 0)
	v.SetDefault("auction.default_bid_ttl_seconds", 300)
	v.SetDefault("auction.late_response_grace_ms", 2000)
	v.SetDefault("auction.partner_retries", 0)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl_seconds", 30)
	v.SetDefault("cache.cleanup_interval_seconds", 60)
	v.SetDefault("cache.key_prefix", "bidgate:")

	v.SetDefault("breaker.window_size", 20)
	v.SetDefault("breaker.failure_threshold", 0.5)
	v.SetDefault("breaker.min_samples", 5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("breaker.backoff_multiplier", 2.0)
	v.SetDefault("breaker.max_cooldown_seconds", 300)

	v.SetDefault("click.duplicate_window_seconds", 10)
	v.SetDefault("click.min_click_delay_ms", 0)
	v.SetDefault("click.penalize_partner", false)

	v.SetDefault("recorder.buffer_size", 1000)
	v.SetDefault("recorder.recent_max", 1000)

	v.SetDefault("database.max_conns", 20)
	v.SetDefault("database.retention_days", 30)
	v.SetDefault("database.cleanup_interval_minutes", 60)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("rate_limit.qps", 0)
	v.SetDefault("rate_limit.burst", 100)
}

func (c *Config) Validate() error {
	a := c.Auction
	if a.DefaultTimeoutMs <= 0 || a.MaxTimeoutMs <= 0 {
		return fmt.Errorf("auction timeouts must be positive")
	}
	if a.DefaultTimeoutMs > a.MaxTimeoutMs {
		return fmt.Errorf("auction default timeout %dms exceeds max timeout %dms", a.DefaultTimeoutMs, a.MaxTimeoutMs)
	}
	if a.MaxBids < 1 {
		return fmt.Errorf("auction max_bids must be at least 1")
	}
	if a.FloorPriceMin < 0 {
		return fmt.Errorf("auction floor_price_min cannot be negative")
	}
	if a.MaxBidPrice < 0 {
		return fmt.Errorf("auction max_bid_price cannot be negative")
	}
	if a.MaxBidPrice > 0 && a.MaxBidPrice < a.FloorPriceMin {
		return fmt.Errorf("auction max_bid_price %.4f is below floor_price_min %.4f", a.MaxBidPrice, a.FloorPriceMin)
	}
	if a.PartnerRetries < 0 {
		return fmt.Errorf("auction partner_retries cannot be negative")
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}

	b := c.Breaker
	if b.WindowSize < 1 {
		return fmt.Errorf("breaker window_size must be at least 1")
	}
	if b.FailureThreshold <= 0 || b.FailureThreshold > 1 {
		return fmt.Errorf("breaker failure_threshold must be in (0, 1]")
	}
	if b.MinSamples < 1 || b.MinSamples > b.WindowSize {
		return fmt.Errorf("breaker min_samples must be between 1 and window_size")
	}
	if b.CooldownSeconds <= 0 {
		return fmt.Errorf("breaker cooldown must be positive")
	}
	if b.BackoffMultiplier < 1 {
		return fmt.Errorf("breaker backoff_multiplier must be >= 1")
	}

	seen := make(map[string]struct{}, len(c.Partners))
	for _, p := range c.Partners {
		if p.ID == "" {
			return fmt.Errorf("partner id is required")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate partner id %s", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.Enabled && p.Endpoint == "" {
			return fmt.Errorf("missing endpoint for partner %s", p.ID)
		}
		if p.Multiplier < 0 {
			return fmt.Errorf("invalid multiplier for partner %s", p.ID)
		}
		for vertical, m := range p.VerticalMultipliers {
			if m < 0.1 || m > 10 {
				return fmt.Errorf("invalid multiplier %v for vertical %s in partner %s", m, vertical, p.ID)
			}
		}
		if p.MaxBid > 0 && p.MinBid > p.MaxBid {
			return fmt.Errorf("partner %s min_bid exceeds max_bid", p.ID)
		}
	}
	return nil
}
