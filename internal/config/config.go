// Package config provides configuration loading for whale-intel.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/circuitbreaker"
	"github.com/yourorg/whale-intel/internal/httpclient"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/types"
)

// Upstream defaults
const (
	DefaultMarketURL = "https://api.coingecko.com/api/v3"
	DefaultChainURL  = "https://deep-index.moralis.io/api/v2.2"
)

// Config holds all application configuration
type Config struct {
	App      AppConfig
	Market   UpstreamConfig `envconfig:"MARKET"`
	Chain    UpstreamConfig `envconfig:"CHAIN"`
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Webhook  WebhookConfig
	Whale    WhaleConfig
	Jobs     JobsConfig
}

// AppConfig covers the process itself.
type AppConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"LOG_FORMAT" default:"text"`
	OtelEndpoint    string        `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// UpstreamConfig configures one upstream API. Variables are prefixed with
// MARKET_ or CHAIN_.
type UpstreamConfig struct {
	BaseURL string        `envconfig:"BASE_URL"`
	APIKey  string        `envconfig:"API_KEY"`
	Timeout time.Duration `envconfig:"TIMEOUT" default:"10s"`

	MaxRetries    int           `envconfig:"MAX_RETRIES" default:"3"`
	BaseDelay     time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	MaxDelay      time.Duration `envconfig:"RETRY_MAX_DELAY" default:"10s"`
	BackoffFactor float64       `envconfig:"RETRY_BACKOFF_FACTOR" default:"2"`
	MaxJitter     time.Duration `envconfig:"RETRY_MAX_JITTER" default:"1s"`

	FailureThreshold int           `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	OpenDuration     time.Duration `envconfig:"BREAKER_OPEN_DURATION" default:"60s"`
	MonitoringPeriod time.Duration `envconfig:"BREAKER_MONITORING_PERIOD" default:"2m"`

	// Requests per second; 0 disables pacing
	RateLimit float64 `envconfig:"RATE_LIMIT_RPS" default:"0"`
	Burst     int     `envconfig:"RATE_LIMIT_BURST" default:"1"`
}

// ClientOptions converts the upstream config to http client options.
// apiKeyHeader names the header carrying APIKey; it is omitted when the key
// is empty.
func (u UpstreamConfig) ClientOptions(name, apiKeyHeader string) httpclient.Options {
	headers := map[string]string{
		"Accept":     "application/json",
		"User-Agent": "whale-intel/1.0",
	}
	if u.APIKey != "" && apiKeyHeader != "" {
		headers[apiKeyHeader] = u.APIKey
	}
	return httpclient.Options{
		Name:    name,
		BaseURL: u.BaseURL,
		Headers: headers,
		Timeout: u.Timeout,
		Retry: httpclient.RetryPolicy{
			MaxRetries:    u.MaxRetries,
			BaseDelay:     u.BaseDelay,
			MaxDelay:      u.MaxDelay,
			BackoffFactor: u.BackoffFactor,
			MaxJitter:     u.MaxJitter,
		},
		Breaker: circuitbreaker.Config{
			FailureThreshold: u.FailureThreshold,
			OpenDuration:     u.OpenDuration,
			MonitoringPeriod: u.MonitoringPeriod,
		},
		RateLimit: u.RateLimit,
		Burst:     u.Burst,
	}
}

// PostgresConfig selects the durable store. An empty DSN keeps whale
// transactions in memory.
type PostgresConfig struct {
	DSN     string `envconfig:"POSTGRES_DSN"`
	Migrate bool   `envconfig:"POSTGRES_MIGRATE" default:"true"`
}

// RedisConfig selects the shared cache. An empty address uses an in-process
// cache.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Prefix   string `envconfig:"REDIS_PREFIX" default:"whale-intel:"`
}

// KafkaConfig enables the event stream when brokers are set.
type KafkaConfig struct {
	Brokers      []string      `envconfig:"KAFKA_BROKERS"`
	Topic        string        `envconfig:"KAFKA_TOPIC" default:"whale-events"`
	BatchTimeout time.Duration `envconfig:"KAFKA_BATCH_TIMEOUT" default:"100ms"`
}

// WebhookConfig enables the batched webhook export when URL is set.
type WebhookConfig struct {
	URL       string        `envconfig:"WEBHOOK_URL"`
	APIKey    string        `envconfig:"WEBHOOK_API_KEY"`
	BatchSize int           `envconfig:"WEBHOOK_BATCH_SIZE" default:"100"`
	Interval  time.Duration `envconfig:"WEBHOOK_INTERVAL" default:"1m"`

	// Batches are signed when enabled; an empty key signs with an ephemeral one
	Sign       bool   `envconfig:"WEBHOOK_SIGN" default:"true"`
	SigningKey string `envconfig:"WEBHOOK_SIGNING_KEY"`
}

// WhaleConfig tunes detection and the tracked universe.
type WhaleConfig struct {
	MinUSDValue   float64       `envconfig:"WHALE_MIN_USD_VALUE" default:"10000"`
	TransferLimit int           `envconfig:"WHALE_TRANSFER_LIMIT" default:"100"`
	ActiveWindow  time.Duration `envconfig:"WHALE_ACTIVE_WINDOW" default:"168h"`

	// Known addresses; exchanges default to a built-in list when empty
	ExchangeAddresses []string `envconfig:"WHALE_EXCHANGE_ADDRESSES"`
	DevAddresses      []string `envconfig:"WHALE_DEV_ADDRESSES"`

	// Coins tracked regardless of trending, as coinId:contract:network
	TrackedCoins []string `envconfig:"WHALE_TRACKED_COINS"`

	// Add the market upstream's trending coins to the tracked set
	TrendingEnabled bool `envconfig:"WHALE_TRENDING_ENABLED" default:"true"`
}

// Coins parses TrackedCoins.
func (w WhaleConfig) Coins() ([]model.Coin, error) {
	coins := make([]model.Coin, 0, len(w.TrackedCoins))
	for _, raw := range w.TrackedCoins {
		c, err := ParseCoin(raw)
		if err != nil {
			return nil, err
		}
		coins = append(coins, c)
	}
	return coins, nil
}

// ParseCoin parses "coinId:contract:network". The network defaults to
// ethereum when omitted.
func ParseCoin(raw string) (model.Coin, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return model.Coin{}, fmt.Errorf("tracked coin %q: want coinId:contract[:network]", raw)
	}
	contract, err := types.NormalizeAddress(parts[1])
	if err != nil {
		return model.Coin{}, fmt.Errorf("tracked coin %q: %w", raw, err)
	}
	network := types.NetworkEthereum
	if len(parts) == 3 {
		if network, err = types.ParseNetwork(parts[2]); err != nil {
			return model.Coin{}, fmt.Errorf("tracked coin %q: %w", raw, err)
		}
	}
	return model.Coin{ID: strings.ToLower(parts[0]), Contract: contract, Network: network}, nil
}

// JobsConfig holds batch sizing and cron schedules. Schedules accept the
// robfig/cron syntax, including "@every 5m"; an empty schedule disables the
// job.
type JobsConfig struct {
	SyncBatchSize     int           `envconfig:"SYNC_BATCH_SIZE" default:"5"`
	SyncDelay         time.Duration `envconfig:"SYNC_BATCH_DELAY" default:"2s"`
	AnalysisBatchSize int           `envconfig:"ANALYSIS_BATCH_SIZE" default:"10"`
	AnalysisDelay     time.Duration `envconfig:"ANALYSIS_BATCH_DELAY" default:"1s"`

	DiscoverySchedule string `envconfig:"DISCOVERY_SCHEDULE" default:"@every 1h"`
	SyncSchedule      string `envconfig:"SYNC_SCHEDULE" default:"@every 5m"`
	AnalysisSchedule  string `envconfig:"ANALYSIS_SCHEDULE" default:"@every 15m"`

	// Run discovery and sync once at startup
	RunOnStart bool `envconfig:"JOBS_RUN_ON_START" default:"true"`
}

// Load reads configuration from environment variables, after loading a .env
// file when one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Market.BaseURL == "" {
		c.Market.BaseURL = DefaultMarketURL
	}
	if c.Chain.BaseURL == "" {
		c.Chain.BaseURL = DefaultChainURL
	}
	c.App.LogLevel = strings.ToLower(c.App.LogLevel)
	c.App.LogFormat = strings.ToLower(c.App.LogFormat)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Whale.MinUSDValue < 0 {
		errs = append(errs, errors.New("WHALE_MIN_USD_VALUE must not be negative"))
	}
	if c.Jobs.SyncBatchSize < 1 {
		errs = append(errs, errors.New("SYNC_BATCH_SIZE must be at least 1"))
	}
	if c.Jobs.AnalysisBatchSize < 1 {
		errs = append(errs, errors.New("ANALYSIS_BATCH_SIZE must be at least 1"))
	}
	if _, err := logrus.ParseLevel(c.App.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if _, err := c.Whale.Coins(); err != nil {
		errs = append(errs, err)
	}
	for _, u := range []struct {
		name string
		cfg  UpstreamConfig
	}{{"MARKET", c.Market}, {"CHAIN", c.Chain}} {
		if u.cfg.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("%s_MAX_RETRIES must not be negative", u.name))
		}
		if u.cfg.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("%s_RATE_LIMIT_RPS must not be negative", u.name))
		}
	}
	return errors.Join(errs...)
}

// Fields returns a loggable summary without secrets.
func (c *Config) Fields() logrus.Fields {
	return logrus.Fields{
		"port":            c.App.Port,
		"market_url":      c.Market.BaseURL,
		"chain_url":       c.Chain.BaseURL,
		"postgres":        c.Postgres.DSN != "",
		"redis":           c.Redis.Addr != "",
		"kafka":           len(c.Kafka.Brokers) > 0,
		"webhook":         c.Webhook.URL != "",
		"min_usd":         c.Whale.MinUSDValue,
		"tracked_coins":   len(c.Whale.TrackedCoins),
		"trending":        c.Whale.TrendingEnabled,
		"sync_schedule":   c.Jobs.SyncSchedule,
		"analysis_sched":  c.Jobs.AnalysisSchedule,
		"discovery_sched": c.Jobs.DiscoverySchedule,
	}
}
