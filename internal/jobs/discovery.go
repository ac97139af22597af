// Package jobs wires the whale service into recurring batch jobs: coin
// discovery, whale sync and whale analysis.
package jobs

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/whale-intel/internal/fetch"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/types"
)

// platformLookups bounds concurrent GetCoinPlatforms calls.
const platformLookups = 3

// preferredNetworks decides which contract tracks a multi-chain coin.
var preferredNetworks = []types.Network{
	types.NetworkEthereum,
	types.NetworkBSC,
	types.NetworkPolygon,
	types.NetworkArbitrum,
	types.NetworkBase,
	types.NetworkOptimism,
	types.NetworkAvalanche,
}

// Discovery builds the set of tracked coins from configuration and, when
// enabled, the market upstream's trending list.
type Discovery struct {
	source   fetch.CoinSource
	tracked  []model.Coin
	trending bool
}

// NewDiscovery creates a discovery. source may be nil when trending is off.
func NewDiscovery(source fetch.CoinSource, tracked []model.Coin, trending bool) *Discovery {
	return &Discovery{
		source:   source,
		tracked:  tracked,
		trending: trending && source != nil,
	}
}

// Discover returns configured coins followed by trending coins that have a
// contract on a supported network. Upstream failures only shrink the result;
// configured coins are always returned.
func (d *Discovery) Discover(ctx context.Context) []model.Coin {
	coins := make([]model.Coin, 0, len(d.tracked))
	seen := make(map[string]struct{})
	for _, c := range d.tracked {
		if _, ok := seen[c.ID]; ok {
			continue
		}
		seen[c.ID] = struct{}{}
		coins = append(coins, c)
	}
	if !d.trending {
		return coins
	}

	trending, err := d.source.GetTrendingCoins(ctx)
	if err != nil {
		logrus.Warnf("Trending coins unavailable, tracking %d configured coins: %v", len(coins), err)
		return coins
	}

	var (
		mu       sync.Mutex
		resolved = make(map[string]model.Coin)
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(platformLookups)
	for _, t := range trending {
		if _, ok := seen[t.ID]; ok {
			continue
		}
		g.Go(func() error {
			platforms, err := d.source.GetCoinPlatforms(gctx, t.ID)
			if err != nil {
				logrus.WithField("coin_id", t.ID).Warnf("Failed to resolve contract: %v", err)
				return nil
			}
			coin, ok := pickContract(t.ID, platforms)
			if !ok {
				logrus.WithField("coin_id", t.ID).Debug("Trending coin has no supported contract")
				return nil
			}
			mu.Lock()
			resolved[t.ID] = coin
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	// Keep the upstream's trending order.
	for _, t := range trending {
		if c, ok := resolved[t.ID]; ok {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			coins = append(coins, c)
		}
	}

	logrus.WithFields(logrus.Fields{
		"configured": len(d.tracked),
		"trending":   len(resolved),
		"total":      len(coins),
	}).Info("Coin discovery finished")
	return coins
}

func pickContract(coinID string, platforms map[types.Network]string) (model.Coin, bool) {
	for _, n := range preferredNetworks {
		if addr, ok := platforms[n]; ok && addr != "" {
			return model.Coin{ID: coinID, Contract: addr, Network: n}, true
		}
	}
	// Networks added later than preferredNetworks, in a stable order
	rest := make([]string, 0, len(platforms))
	for n, addr := range platforms {
		if addr != "" && n.IsSupported() {
			rest = append(rest, string(n))
		}
	}
	if len(rest) == 0 {
		return model.Coin{}, false
	}
	sort.Strings(rest)
	n := types.Network(rest[0])
	return model.Coin{ID: coinID, Contract: platforms[n], Network: n}, true
}
