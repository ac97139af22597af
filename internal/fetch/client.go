// Package fetch provides typed clients for the market-data and chain-index
// upstreams, built on the resilient httpclient.
package fetch

import (
	"context"
	"errors"

	"github.com/yourorg/whale-intel/internal/circuitbreaker"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/types"
)

// ErrPriceUnavailable is returned when the market upstream has no quote for a token.
var ErrPriceUnavailable = errors.New("price unavailable")

// PriceSource quotes token prices in USD.
type PriceSource interface {
	GetPrice(ctx context.Context, tokenAddress string, network types.Network) (*model.PriceQuote, error)
}

// TransferSource lists recent token transfers for a contract.
type TransferSource interface {
	GetTokenTransfers(ctx context.Context, contractAddress string, network types.Network, limit int) ([]model.TokenTransfer, error)
}

// CoinSource discovers coins worth tracking.
type CoinSource interface {
	GetTrendingCoins(ctx context.Context) ([]model.TrendingCoin, error)
	GetCoinPlatforms(ctx context.Context, coinID string) (map[types.Network]string, error)
}

// BreakerReporter exposes the breaker of an upstream client.
type BreakerReporter interface {
	Breaker() *circuitbreaker.CircuitBreaker
}

// DefaultTransferLimit is the page size requested from the chain-index upstream.
const DefaultTransferLimit = 100
