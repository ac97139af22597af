// Package types contains shared type definitions used across multiple packages
package types

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Network represents a blockchain network whose token transfers are tracked
type Network string

// Supported blockchain networks
const (
	NetworkEthereum  Network = "ethereum"
	NetworkBSC       Network = "bsc"
	NetworkPolygon   Network = "polygon"
	NetworkArbitrum  Network = "arbitrum"
	NetworkBase      Network = "base"
	NetworkOptimism  Network = "optimism"
	NetworkAvalanche Network = "avalanche"
)

// networkInfo maps a network onto the identifiers each upstream uses for it.
type networkInfo struct {
	// Asset platform id of the market-data upstream
	platform string
	// Chain query parameter of the chain-index upstream
	chainParam string
}

var networks = map[Network]networkInfo{
	NetworkEthereum:  {platform: "ethereum", chainParam: "eth"},
	NetworkBSC:       {platform: "binance-smart-chain", chainParam: "bsc"},
	NetworkPolygon:   {platform: "polygon-pos", chainParam: "polygon"},
	NetworkArbitrum:  {platform: "arbitrum-one", chainParam: "arbitrum"},
	NetworkBase:      {platform: "base", chainParam: "base"},
	NetworkOptimism:  {platform: "optimistic-ethereum", chainParam: "optimism"},
	NetworkAvalanche: {platform: "avalanche", chainParam: "avalanche"},
}

// ParseNetwork accepts a network name or alias in any case.
func ParseNetwork(s string) (Network, error) {
	n := Network(strings.ToLower(strings.TrimSpace(s)))
	switch n {
	case "eth", "mainnet":
		return NetworkEthereum, nil
	case "binance", "binance-smart-chain", "bnb":
		return NetworkBSC, nil
	case "polygon-pos", "matic":
		return NetworkPolygon, nil
	case "arbitrum-one":
		return NetworkArbitrum, nil
	case "optimistic-ethereum":
		return NetworkOptimism, nil
	}
	if _, ok := networks[n]; ok {
		return n, nil
	}
	return "", fmt.Errorf("unsupported network %q", s)
}

// NetworkForPlatform resolves a market-data asset platform id.
func NetworkForPlatform(platform string) (Network, bool) {
	for n, info := range networks {
		if info.platform == platform {
			return n, true
		}
	}
	return "", false
}

// Platform returns the market-data asset platform id.
func (n Network) Platform() string {
	return networks[n].platform
}

// ChainParam returns the chain-index query value.
func (n Network) ChainParam() string {
	return networks[n].chainParam
}

// IsSupported reports whether n is a known network.
func (n Network) IsSupported() bool {
	_, ok := networks[n]
	return ok
}

// IsEVM is true for every supported network today. Non-EVM chains would use
// a different address format and skip hex validation.
func (n Network) IsEVM() bool {
	return n.IsSupported()
}

// NormalizeAddress lowercases a hex address, rejecting malformed input.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid address %q", addr)
	}
	return strings.ToLower(addr), nil
}
