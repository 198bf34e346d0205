package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaults(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 100*time.Millisecond, cfg.Auction.DefaultTimeout())
	assert.Equal(t, 300*time.Millisecond, cfg.Auction.MaxTimeout())
	assert.Equal(t, 10, cfg.Auction.MaxBids)
	assert.Equal(t, 0.01, cfg.Auction.FloorPriceMin)
	assert.Zero(t, cfg.Auction.MaxBidPrice)
	assert.Equal(t, 5*time.Minute, cfg.Auction.DefaultBidTTL())
	assert.Equal(t, 2*time.Second, cfg.Auction.LateResponseGrace())
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL())
	assert.Equal(t, time.Minute, cfg.Cache.CleanupInterval())
	assert.Equal(t, 20, cfg.Breaker.WindowSize)
	assert.Equal(t, 0.5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10, cfg.Click.DuplicateWindowSeconds)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Zero(t, cfg.RateLimit.QPS)
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
auction:
  max_bids: 3
cache:
  ttl_seconds: 45
partners:
  - id: alpha
    endpoint: http://alpha.test/bid
    enabled: true
    priority: 2
    vertical_multipliers:
      auto: 1.5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("BIDGATE_AUCTION_DEFAULT_TIMEOUT_MS", "150")
	t.Setenv("BIDGATE_AUCTION_MAX_BID_PRICE", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Auction.MaxBids)
	assert.Equal(t, 45, cfg.Cache.TTLSeconds)
	assert.Equal(t, 150, cfg.Auction.DefaultTimeoutMs)
	assert.Equal(t, 25.0, cfg.Auction.MaxBidPrice)
	require.Len(t, cfg.Partners, 1)
	assert.Equal(t, "alpha", cfg.Partners[0].ID)
	assert.Equal(t, 1.5, cfg.Partners[0].VerticalMultipliers["auto"])
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(c *Config){
		"default above max":   func(c *Config) { c.Auction.DefaultTimeoutMs = 500 },
		"zero max bids":       func(c *Config) { c.Auction.MaxBids = 0 },
		"negative floor":      func(c *Config) { c.Auction.FloorPriceMin = -1 },
		"negative retries":    func(c *Config) { c.Auction.PartnerRetries = -1 },
		"unknown backend":     func(c *Config) { c.Cache.Backend = "memcached" },
		"zero cache ttl":      func(c *Config) { c.Cache.TTLSeconds = 0 },
		"threshold above one": func(c *Config) { c.Breaker.FailureThreshold = 1.5 },
		"min samples > window": func(c *Config) {
			c.Breaker.MinSamples = c.Breaker.WindowSize + 1
		},
		"backoff below one": func(c *Config) { c.Breaker.BackoffMultiplier = 0.5 },
		"partner without id": func(c *Config) {
			c.Partners = []PartnerConfig{{Endpoint: "http://x"}}
		},
		"duplicate partner": func(c *Config) {
			c.Partners = []PartnerConfig{{ID: "a"}, {ID: "a"}}
		},
		"enabled without endpoint": func(c *Config) {
			c.Partners = []PartnerConfig{{ID: "a", Enabled: true}}
		},
		"vertical multiplier out of range": func(c *Config) {
			c.Partners = []PartnerConfig{{ID: "a", VerticalMultipliers: map[string]float64{"auto": 20}}}
		},
		"min bid above max bid": func(c *Config) {
			c.Partners = []PartnerConfig{{ID: "a", MinBid: 5, MaxBid: 1}}
		},
		"max price below floor min": func(c *Config) {
			c.Auction.FloorPriceMin = 1
			c.Auction.MaxBidPrice = 0.5
		},
		"negative max price": func(c *Config) { c.Auction.MaxBidPrice = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig(t)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
