package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/whale-intel/internal/types"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.App.Port)
	assert.Equal(t, "info", cfg.App.LogLevel)
	assert.Equal(t, DefaultMarketURL, cfg.Market.BaseURL)
	assert.Equal(t, DefaultChainURL, cfg.Chain.BaseURL)
	assert.Equal(t, 3, cfg.Market.MaxRetries)
	assert.Equal(t, time.Second, cfg.Chain.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Chain.MaxDelay)
	assert.Equal(t, 5, cfg.Market.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Market.OpenDuration)
	assert.Equal(t, 10_000.0, cfg.Whale.MinUSDValue)
	assert.Equal(t, 7*24*time.Hour, cfg.Whale.ActiveWindow)
	assert.Equal(t, 5, cfg.Jobs.SyncBatchSize)
	assert.Equal(t, 2*time.Second, cfg.Jobs.SyncDelay)
	assert.Equal(t, 10, cfg.Jobs.AnalysisBatchSize)
	assert.Equal(t, time.Second, cfg.Jobs.AnalysisDelay)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.Empty(t, cfg.Kafka.Brokers)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MARKET_BASE_URL", "http://market.local")
	t.Setenv("MARKET_API_KEY", "secret")
	t.Setenv("CHAIN_MAX_RETRIES", "1")
	t.Setenv("CHAIN_BREAKER_OPEN_DURATION", "5s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("WHALE_MIN_USD_VALUE", "250000")
	t.Setenv("WHALE_TRACKED_COINS", "pepe:0x6982508145454Ce325dDbE47a25d4ec3d2311933:ethereum,usdc:0x2791bca1f2de4661ed88a30c99a7a9449aa84174:polygon")
	t.Setenv("SYNC_SCHEDULE", "*/10 * * * *")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.App.Port)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "http://market.local", cfg.Market.BaseURL)
	assert.Equal(t, DefaultChainURL, cfg.Chain.BaseURL)
	assert.Equal(t, 1, cfg.Chain.MaxRetries)
	assert.Equal(t, 3, cfg.Market.MaxRetries, "Prefixed settings stay per upstream")
	assert.Equal(t, 5*time.Second, cfg.Chain.OpenDuration)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250_000.0, cfg.Whale.MinUSDValue)
	assert.Equal(t, "*/10 * * * *", cfg.Jobs.SyncSchedule)

	coins, err := cfg.Whale.Coins()
	require.NoError(t, err)
	require.Len(t, coins, 2)
	assert.Equal(t, "pepe", coins[0].ID)
	assert.Equal(t, "0x6982508145454ce325ddbe47a25d4ec3d2311933", coins[0].Contract)
	assert.Equal(t, types.NetworkPolygon, coins[1].Network)

	opts := cfg.Market.ClientOptions("market", "x-cg-pro-api-key")
	assert.Equal(t, "secret", opts.Headers["x-cg-pro-api-key"])
	assert.Equal(t, "http://market.local", opts.BaseURL)
	assert.Equal(t, 3, opts.Retry.MaxRetries)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"negative threshold", "WHALE_MIN_USD_VALUE", "-1"},
		{"zero batch", "SYNC_BATCH_SIZE", "0"},
		{"bad level", "LOG_LEVEL", "loud"},
		{"bad coin", "WHALE_TRACKED_COINS", "pepe"},
		{"bad duration", "SYNC_BATCH_DELAY", "soon"},
		{"negative retries", "MARKET_MAX_RETRIES", "-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseCoin(t *testing.T) {
	c, err := ParseCoin(" PEPE:0x6982508145454ce325ddbe47a25d4ec3d2311933 ")
	require.NoError(t, err)
	assert.Equal(t, "pepe", c.ID)
	assert.Equal(t, types.NetworkEthereum, c.Network, "Network defaults to ethereum")

	for _, bad := range []string{"", "pepe", ":0x6982508145454ce325ddbe47a25d4ec3d2311933", "pepe:0x12:ethereum", "pepe:0x6982508145454ce325ddbe47a25d4ec3d2311933:solana", "a:b:c:d"} {
		_, err := ParseCoin(bad)
		assert.Error(t, err, bad)
	}
}

func TestClientOptions_NoKey(t *testing.T) {
	opts := UpstreamConfig{BaseURL: "http://x"}.ClientOptions("chain", "X-API-Key")
	_, ok := opts.Headers["X-API-Key"]
	assert.False(t, ok)
	assert.Equal(t, "chain", opts.Name)
}
