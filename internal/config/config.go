// Package config loads and validates fetch core configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-downloader/internal/downloader"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Downloader  DownloaderConfig  `mapstructure:"downloader"`
	Dupefilter  DupefilterConfig  `mapstructure:"dupefilter"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Transport   TransportConfig   `mapstructure:"transport"`
	Middleware  MiddlewareConfig  `mapstructure:"middleware"`
	Signals     SignalsConfig     `mapstructure:"signals"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// DownloaderConfig governs slot concurrency, delays and garbage collection.
type DownloaderConfig struct {
	ConcurrentRequests          int           `mapstructure:"concurrent_requests"`
	ConcurrentRequestsPerDomain int           `mapstructure:"concurrent_requests_per_domain"`
	ConcurrentRequestsPerIP     int           `mapstructure:"concurrent_requests_per_ip"`
	DownloadDelay               time.Duration `mapstructure:"download_delay"`
	RandomizeDownloadDelay      bool          `mapstructure:"randomize_download_delay"`
	SlotGCInterval              time.Duration `mapstructure:"slot_gc_interval"`
	SlotGCAge                   time.Duration `mapstructure:"slot_gc_age"`
	DNSCacheTTL                 time.Duration `mapstructure:"dns_cache_ttl"`
	Slots                       []SlotConfig  `mapstructure:"slots"`
}

// SlotConfig overrides the defaults of a single slot. Slots are a list rather
// than a map because slot keys are hostnames and contain dots.
type SlotConfig struct {
	Key            string         `mapstructure:"key"`
	Concurrency    *int           `mapstructure:"concurrency"`
	Delay          *time.Duration `mapstructure:"delay"`
	RandomizeDelay *bool          `mapstructure:"randomize_delay"`
	Throttle       *bool          `mapstructure:"throttle"`
}

// DupefilterConfig selects where request fingerprints persist.
type DupefilterConfig struct {
	Debug       bool   `mapstructure:"debug"`
	JobDir      string `mapstructure:"job_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	Table       string `mapstructure:"table"`
	Job         string `mapstructure:"job"`
}

// FingerprintConfig tunes which request fields feed the fingerprint.
type FingerprintConfig struct {
	IncludeHeaders []string `mapstructure:"include_headers"`
	KeepFragments  bool     `mapstructure:"keep_fragments"`
}

// TransportConfig configures the colly transport.
type TransportConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// MiddlewareConfig enables and orders download middleware. A negative order
// disables a middleware.
type MiddlewareConfig struct {
	Order          map[string]int    `mapstructure:"order"`
	DefaultHeaders map[string]string `mapstructure:"default_headers"`
	RateLimit      RateLimitConfig   `mapstructure:"ratelimit"`
	HTTPCache      HTTPCacheConfig   `mapstructure:"httpcache"`
}

// RateLimitConfig sets the per-host token bucket.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HTTPCacheConfig sets the in-memory response cache lifetime.
type HTTPCacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// SignalsConfig configures the signal hub and its sinks.
type SignalsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	LogEvents      bool          `mapstructure:"log_events"`
	StoreDSN       string        `mapstructure:"store_dsn"`
	StoreTable     string        `mapstructure:"store_table"`
}

// ServerConfig controls the status API. An empty Listen disables it.
type ServerConfig struct {
	Listen string `mapstructure:"listen"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Middleware.Order = mergeOrder(cfg.Middleware.Order)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultMiddlewareOrder returns the built-in middleware positions.
func DefaultMiddlewareOrder() map[string]int {
	return map[string]int{
		"default_headers": 400,
		"user_agent":      500,
		"ratelimit":       550,
		"stats":           850,
		"httpcache":       900,
	}
}

// mergeOrder lays configured positions over the defaults. Viper replaces a
// defaulted map wholesale once the file sets any key under it.
func mergeOrder(configured map[string]int) map[string]int {
	order := DefaultMiddlewareOrder()
	for name, pos := range configured {
		order[name] = pos
	}
	return order
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("downloader.concurrent_requests", 16)
	v.SetDefault("downloader.concurrent_requests_per_domain", 8)
	v.SetDefault("downloader.concurrent_requests_per_ip", 0)
	v.SetDefault("downloader.download_delay", "0s")
	v.SetDefault("downloader.randomize_download_delay", true)
	v.SetDefault("downloader.slot_gc_interval", "60s")
	v.SetDefault("downloader.slot_gc_age", "60s")
	v.SetDefault("downloader.dns_cache_ttl", "5m")
	v.SetDefault("dupefilter.debug", false)
	v.SetDefault("dupefilter.job_dir", "")
	v.SetDefault("dupefilter.postgres_dsn", "")
	v.SetDefault("dupefilter.table", "request_fingerprints")
	v.SetDefault("dupefilter.job", "default")
	v.SetDefault("fingerprint.include_headers", []string{})
	v.SetDefault("fingerprint.keep_fragments", false)
	v.SetDefault("transport.user_agent", "crawl-downloader/1.0")
	v.SetDefault("transport.timeout", "15s")
	v.SetDefault("transport.max_body_bytes", 0)
	v.SetDefault("transport.respect_robots", true)
	v.SetDefault("middleware.order", DefaultMiddlewareOrder())
	v.SetDefault("middleware.default_headers", map[string]string{
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en",
	})
	v.SetDefault("middleware.ratelimit.rps", 2.0)
	v.SetDefault("middleware.ratelimit.burst", 1)
	v.SetDefault("middleware.httpcache.ttl", "10m")
	v.SetDefault("signals.buffer_size", 4096)
	v.SetDefault("signals.max_batch_events", 500)
	v.SetDefault("signals.max_batch_wait", "250ms")
	v.SetDefault("signals.log_events", false)
	v.SetDefault("signals.store_dsn", "")
	v.SetDefault("signals.store_table", "slot_stats")
	v.SetDefault("server.listen", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	d := c.Downloader
	if d.ConcurrentRequests <= 0 {
		return fmt.Errorf("downloader.concurrent_requests must be > 0")
	}
	if d.ConcurrentRequestsPerDomain < 0 {
		return fmt.Errorf("downloader.concurrent_requests_per_domain must be >= 0")
	}
	if d.ConcurrentRequestsPerIP < 0 {
		return fmt.Errorf("downloader.concurrent_requests_per_ip must be >= 0")
	}
	if d.DownloadDelay < 0 {
		return fmt.Errorf("downloader.download_delay must be >= 0")
	}
	if d.SlotGCInterval < 0 || d.SlotGCAge < 0 {
		return fmt.Errorf("downloader.slot_gc_interval and slot_gc_age must be >= 0")
	}
	seen := make(map[string]struct{}, len(d.Slots))
	for i, s := range d.Slots {
		if s.Key == "" {
			return fmt.Errorf("downloader.slots[%d].key must be set", i)
		}
		if _, dup := seen[s.Key]; dup {
			return fmt.Errorf("downloader.slots[%d].key %q is duplicated", i, s.Key)
		}
		seen[s.Key] = struct{}{}
		if s.Delay != nil && *s.Delay < 0 {
			return fmt.Errorf("downloader.slots[%d].delay must be >= 0", i)
		}
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("transport.timeout must be > 0")
	}
	if c.Middleware.RateLimit.RPS < 0 {
		return fmt.Errorf("middleware.ratelimit.rps must be >= 0")
	}
	if c.Middleware.HTTPCache.TTL < 0 {
		return fmt.Errorf("middleware.httpcache.ttl must be >= 0")
	}
	if c.Signals.BufferSize < 0 || c.Signals.MaxBatchEvents < 0 {
		return fmt.Errorf("signals.buffer_size and max_batch_events must be >= 0")
	}
	if c.Dupefilter.JobDir != "" && c.Dupefilter.PostgresDSN != "" {
		return fmt.Errorf("dupefilter.job_dir and dupefilter.postgres_dsn are mutually exclusive")
	}
	return nil
}

// DownloaderSettings converts the downloader section into downloader.Config.
func (c Config) DownloaderSettings() downloader.Config {
	d := c.Downloader
	overrides := make(map[string]downloader.SlotSettings, len(d.Slots))
	for _, s := range d.Slots {
		overrides[s.Key] = downloader.SlotSettings{
			Concurrency:    s.Concurrency,
			Delay:          s.Delay,
			RandomizeDelay: s.RandomizeDelay,
			Throttle:       s.Throttle,
		}
	}
	return downloader.Config{
		TotalConcurrency:  d.ConcurrentRequests,
		DomainConcurrency: d.ConcurrentRequestsPerDomain,
		IPConcurrency:     d.ConcurrentRequestsPerIP,
		Delay:             d.DownloadDelay,
		RandomizeDelay:    d.RandomizeDownloadDelay,
		SlotOverrides:     overrides,
		GCInterval:        d.SlotGCInterval,
		GCAge:             d.SlotGCAge,
	}
}
