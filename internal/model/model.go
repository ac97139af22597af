// Package model defines the core data structures for whale-intel.
package model

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/whale-intel/internal/types"
)

// TokenTransfer is a single ERC-20 transfer as reported by the chain-index
// upstream. Value is the raw integer amount before decimal scaling.
type TokenTransfer struct {
	TxHash         string    `json:"transaction_hash"`
	FromAddress    string    `json:"from_address"`
	ToAddress      string    `json:"to_address"`
	Value          string    `json:"value"`
	TokenDecimals  int       `json:"token_decimals"`
	BlockNumber    uint64    `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
}

// MaxTokenDecimals bounds the decimals a token may report. A uint256 amount
// has at most 78 digits.
const MaxTokenDecimals = 77

// ErrInvalidAmount is returned for raw amounts that are not a base-10
// integer within uint256 range.
var ErrInvalidAmount = errors.New("invalid token amount")

// ParseRawAmount parses a raw on-chain amount. Only plain base-10 integers
// that fit in 256 bits are accepted; exponents and fractions are rejected.
func ParseRawAmount(v string) (decimal.Decimal, error) {
	n, ok := new(big.Int).SetString(v, 10)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, v)
	}
	if n.BitLen() > 256 {
		return decimal.Decimal{}, fmt.Errorf("%w: %q exceeds uint256", ErrInvalidAmount, v)
	}
	return decimal.NewFromBigInt(n, 0), nil
}

// ValidDecimals reports whether d is a usable token decimals value.
func ValidDecimals(d int) bool {
	return d >= 0 && d <= MaxTokenDecimals
}

// PriceQuote is the USD price of one token on one network.
type PriceQuote struct {
	TokenAddress string        `json:"token_address"`
	Network      types.Network `json:"network"`
	USDPrice     float64       `json:"usd_price"`

	// Decimals is used when a transfer does not report its own; 0 means unknown
	Decimals int `json:"decimals,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// Valid reports whether the quote can price a transfer.
func (q *PriceQuote) Valid() bool {
	return q != nil && q.USDPrice > 0
}

// WhaleCandidate is a transfer whose USD value cleared the whale threshold.
type WhaleCandidate struct {
	Transfer    TokenTransfer
	TokenAmount decimal.Decimal
	USDValue    float64
}

// WhaleTransaction is a persisted whale event. TxHash is the natural key.
type WhaleTransaction struct {
	ID             uuid.UUID       `json:"id"`
	CoinID         string          `json:"coin_id"`
	Network        types.Network   `json:"network"`
	TxHash         string          `json:"tx_hash"`
	FromAddress    string          `json:"from_address"`
	ToAddress      string          `json:"to_address"`
	TokenAmount    decimal.Decimal `json:"token_amount"`
	USDValue       float64         `json:"usd_value"`
	BlockNumber    uint64          `json:"block_number"`
	BlockTimestamp time.Time       `json:"block_timestamp"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewWhaleTransaction builds the row for a detected candidate.
func NewWhaleTransaction(coinID string, network types.Network, c WhaleCandidate, now time.Time) *WhaleTransaction {
	return &WhaleTransaction{
		ID:             uuid.New(),
		CoinID:         coinID,
		Network:        network,
		TxHash:         c.Transfer.TxHash,
		FromAddress:    c.Transfer.FromAddress,
		ToAddress:      c.Transfer.ToAddress,
		TokenAmount:    c.TokenAmount,
		USDValue:       c.USDValue,
		BlockNumber:    c.Transfer.BlockNumber,
		BlockTimestamp: c.Transfer.BlockTimestamp,
		CreatedAt:      now,
	}
}

// WalletCategory classifies a whale wallet.
type WalletCategory string

const (
	CategoryExchange WalletCategory = "exchange"
	CategoryWhale    WalletCategory = "whale"
	CategoryDev      WalletCategory = "dev"
	CategoryUnknown  WalletCategory = "unknown"
)

// WhaleWallet is derived from the whale transactions touching an address.
// It only lives in the cache.
type WhaleWallet struct {
	Address           string         `json:"address"`
	Category          WalletCategory `json:"category"`
	TotalTransactions int            `json:"total_transactions"`
	TotalVolumeUSD    float64        `json:"total_volume_usd"`
	FirstSeenAt       time.Time      `json:"first_seen_at"`
	LastSeenAt        time.Time      `json:"last_seen_at"`
	IsActive          bool           `json:"is_active"`
}

// Timeframe is an analysis window.
type Timeframe string

const (
	Timeframe1h  Timeframe = "1h"
	Timeframe24h Timeframe = "24h"
	Timeframe7d  Timeframe = "7d"
)

// Timeframes lists every supported window, shortest first.
var Timeframes = []Timeframe{Timeframe1h, Timeframe24h, Timeframe7d}

// Duration returns the window length.
func (t Timeframe) Duration() (time.Duration, error) {
	switch t {
	case Timeframe1h:
		return time.Hour, nil
	case Timeframe24h:
		return 24 * time.Hour, nil
	case Timeframe7d:
		return 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported timeframe %q", string(t))
	}
}

// WhaleAnalysis summarises whale activity for a coin over a timeframe.
type WhaleAnalysis struct {
	CoinID                    string    `json:"coin_id"`
	Timeframe                 Timeframe `json:"timeframe"`
	TotalTransactions         int       `json:"total_transactions"`
	TotalVolumeUSD            float64   `json:"total_volume_usd"`
	NetFlowUSD                float64   `json:"net_flow_usd"`
	AverageTransactionSizeUSD float64   `json:"average_transaction_size_usd"`
	UniqueWalletCount         int       `json:"unique_wallet_count"`
	PriceImpactEstimate       float64   `json:"price_impact_estimate"`
	AnalyzedAt                time.Time `json:"analyzed_at"`
}

// TransactionQuery is a paginated, filtered read of a coin's whale transactions.
// Filters are combined with AND.
type TransactionQuery struct {
	Limit       int        `json:"limit"`
	Offset      int        `json:"offset"`
	FromDate    *time.Time `json:"from_date,omitempty"`
	ToDate      *time.Time `json:"to_date,omitempty"`
	MinUSDValue float64    `json:"min_usd_value,omitempty"`
}

// TransactionPage is one page of whale transactions plus the unpaged total.
type TransactionPage struct {
	Transactions []*WhaleTransaction `json:"transactions"`
	Total        int                 `json:"total"`
}

// TrendingCoin is an entry of the market upstream's trending list.
type TrendingCoin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Rank   int    `json:"market_cap_rank"`
}

// Coin is a tracked token on one network.
type Coin struct {
	ID       string        `json:"id"`
	Contract string        `json:"contract"`
	Network  types.Network `json:"network"`
}
