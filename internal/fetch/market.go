package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/circuitbreaker"
	"github.com/yourorg/whale-intel/internal/httpclient"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/types"
)

// MarketClient talks to the CoinGecko-shaped market-data upstream.
type MarketClient struct {
	http *httpclient.Client
	now  func() time.Time
}

// NewMarketClient wraps an upstream client.
func NewMarketClient(hc *httpclient.Client) *MarketClient {
	return &MarketClient{http: hc, now: time.Now}
}

// Breaker returns the upstream's circuit breaker.
func (c *MarketClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.http.Breaker()
}

// GetTrendingCoins returns the upstream's trending list.
func (c *MarketClient) GetTrendingCoins(ctx context.Context) ([]model.TrendingCoin, error) {
	body, err := c.http.Get(ctx, "/search/trending", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch trending coins: %w", err)
	}

	var response struct {
		Coins []struct {
			Item struct {
				ID            string `json:"id"`
				Symbol        string `json:"symbol"`
				Name          string `json:"name"`
				MarketCapRank int    `json:"market_cap_rank"`
			} `json:"item"`
		} `json:"coins"`
	}
	if err := body.Decode(&response); err != nil {
		return nil, fmt.Errorf("decode trending coins: %w", err)
	}

	coins := make([]model.TrendingCoin, 0, len(response.Coins))
	for _, entry := range response.Coins {
		if entry.Item.ID == "" {
			continue
		}
		coins = append(coins, model.TrendingCoin{
			ID:     entry.Item.ID,
			Symbol: entry.Item.Symbol,
			Name:   entry.Item.Name,
			Rank:   entry.Item.MarketCapRank,
		})
	}

	logrus.Debugf("Received %d trending coins", len(coins))
	return coins, nil
}

// GetCoinPlatforms returns the coin's contract address per supported network.
// Platforms this service does not track are dropped.
func (c *MarketClient) GetCoinPlatforms(ctx context.Context, coinID string) (map[types.Network]string, error) {
	query := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"market_data":    {"false"},
		"community_data": {"false"},
		"developer_data": {"false"},
	}
	body, err := c.http.Get(ctx, "/coins/"+url.PathEscape(coinID), query)
	if err != nil {
		return nil, fmt.Errorf("fetch platforms for %s: %w", coinID, err)
	}

	var response struct {
		Platforms map[string]string `json:"platforms"`
	}
	if err := body.Decode(&response); err != nil {
		return nil, fmt.Errorf("decode platforms for %s: %w", coinID, err)
	}

	platforms := make(map[types.Network]string)
	for platform, contract := range response.Platforms {
		network, ok := types.NetworkForPlatform(platform)
		if !ok {
			continue
		}
		addr, err := types.NormalizeAddress(contract)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"coin_id":  coinID,
				"platform": platform,
			}).Debugf("Skipping platform with invalid contract: %v", err)
			continue
		}
		platforms[network] = addr
	}
	return platforms, nil
}

// GetPrice quotes a token in USD. A token the upstream does not price yields
// ErrPriceUnavailable.
func (c *MarketClient) GetPrice(ctx context.Context, tokenAddress string, network types.Network) (*model.PriceQuote, error) {
	platform := network.Platform()
	if platform == "" {
		return nil, fmt.Errorf("%w: unsupported network %q", ErrPriceUnavailable, network)
	}
	addr := strings.ToLower(tokenAddress)

	query := url.Values{
		"contract_addresses": {addr},
		"vs_currencies":      {"usd"},
	}
	body, err := c.http.Get(ctx, "/simple/token_price/"+platform, query)
	if err != nil {
		return nil, fmt.Errorf("fetch price for %s on %s: %w", addr, network, err)
	}

	var response map[string]map[string]float64
	if err := body.Decode(&response); err != nil {
		return nil, fmt.Errorf("decode price for %s: %w", addr, err)
	}

	var price float64
	for key, quote := range response {
		if strings.EqualFold(key, addr) {
			price = quote["usd"]
			break
		}
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrPriceUnavailable, addr, network)
	}

	return &model.PriceQuote{
		TokenAddress: addr,
		Network:      network,
		USDPrice:     price,
		FetchedAt:    c.now(),
	}, nil
}
