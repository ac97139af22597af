package fetch

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/circuitbreaker"
	"github.com/yourorg/whale-intel/internal/httpclient"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/types"
)

// ChainClient talks to the Moralis-shaped chain-index upstream.
type ChainClient struct {
	http *httpclient.Client
}

// NewChainClient wraps an upstream client.
func NewChainClient(hc *httpclient.Client) *ChainClient {
	return &ChainClient{http: hc}
}

// Breaker returns the upstream's circuit breaker.
func (c *ChainClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.http.Breaker()
}

// transferRecord mirrors one entry of the transfers response. Numeric fields
// arrive as strings.
type transferRecord struct {
	TransactionHash string `json:"transaction_hash"`
	FromAddress     string `json:"from_address"`
	ToAddress       string `json:"to_address"`
	Value           string `json:"value"`
	TokenDecimals   string `json:"token_decimals"`
	BlockTimestamp  string `json:"block_timestamp"`
	BlockNumber     string `json:"block_number"`
}

// GetTokenTransfers returns the most recent transfers of an ERC-20 contract.
// Malformed records are dropped.
func (c *ChainClient) GetTokenTransfers(ctx context.Context, contractAddress string, network types.Network, limit int) ([]model.TokenTransfer, error) {
	if !network.IsSupported() {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	addr, err := types.NormalizeAddress(contractAddress)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultTransferLimit
	}

	query := url.Values{
		"chain": {network.ChainParam()},
		"limit": {strconv.Itoa(limit)},
		"order": {"DESC"},
	}
	body, err := c.http.Get(ctx, "/erc20/"+addr+"/transfers", query)
	if err != nil {
		return nil, fmt.Errorf("fetch transfers for %s on %s: %w", addr, network, err)
	}

	var response struct {
		Result []transferRecord `json:"result"`
	}
	if err := body.Decode(&response); err != nil {
		return nil, fmt.Errorf("decode transfers for %s: %w", addr, err)
	}

	transfers := make([]model.TokenTransfer, 0, len(response.Result))
	for _, rec := range response.Result {
		t, err := rec.toTransfer()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"contract": addr,
				"tx_hash":  rec.TransactionHash,
			}).Debugf("Dropping malformed transfer: %v", err)
			continue
		}
		transfers = append(transfers, t)
	}

	logrus.Debugf("Received %d transfers for %s on %s", len(transfers), addr, network)
	return transfers, nil
}

func (r transferRecord) toTransfer() (model.TokenTransfer, error) {
	if r.TransactionHash == "" {
		return model.TokenTransfer{}, fmt.Errorf("missing transaction hash")
	}
	from, err := types.NormalizeAddress(r.FromAddress)
	if err != nil {
		return model.TokenTransfer{}, fmt.Errorf("from: %w", err)
	}
	to, err := types.NormalizeAddress(r.ToAddress)
	if err != nil {
		return model.TokenTransfer{}, fmt.Errorf("to: %w", err)
	}

	var decimals int
	if r.TokenDecimals != "" {
		decimals, err = strconv.Atoi(r.TokenDecimals)
		if err != nil {
			return model.TokenTransfer{}, fmt.Errorf("token_decimals: %w", err)
		}
		if !model.ValidDecimals(decimals) {
			return model.TokenTransfer{}, fmt.Errorf("token_decimals %d out of range", decimals)
		}
	}
	if _, err := model.ParseRawAmount(r.Value); err != nil {
		return model.TokenTransfer{}, fmt.Errorf("value: %w", err)
	}

	var block uint64
	if r.BlockNumber != "" {
		block, err = strconv.ParseUint(r.BlockNumber, 10, 64)
		if err != nil {
			return model.TokenTransfer{}, fmt.Errorf("block_number: %w", err)
		}
	}

	ts, err := time.Parse(time.RFC3339, r.BlockTimestamp)
	if err != nil {
		return model.TokenTransfer{}, fmt.Errorf("block_timestamp: %w", err)
	}

	return model.TokenTransfer{
		TxHash:         strings.ToLower(r.TransactionHash),
		FromAddress:    from,
		ToAddress:      to,
		Value:          r.Value,
		TokenDecimals:  decimals,
		BlockNumber:    block,
		BlockTimestamp: ts.UTC(),
	}, nil
}
