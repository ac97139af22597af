// Package validation filters upstream transfers before detection and
// normalises read queries.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/model"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// Query limits
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// ErrInvalidQuery is returned for queries that cannot be served.
var ErrInvalidQuery = errors.New("invalid query")

// ValidationOptions holds configuration for transfer filtering
type ValidationOptions struct {
	// MaxAge drops transfers older than this; 0 keeps everything
	MaxAge time.Duration

	// DropMintBurn removes transfers from or to the zero address
	DropMintBurn bool

	// DropSelfTransfers removes transfers whose sender is the receiver
	DropSelfTransfers bool
}

// DefaultValidationOptions keeps a week of transfers and drops self
// transfers. Mints and burns are kept since they can move supply.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{
		MaxAge:            7 * 24 * time.Hour,
		DropSelfTransfers: true,
	}
}

// FilterTransfers removes transfers that cannot become whale transactions.
// The first occurrence of a repeated hash wins.
func FilterTransfers(transfers []model.TokenTransfer, opts ValidationOptions, now time.Time) []model.TokenTransfer {
	valid := make([]model.TokenTransfer, 0, len(transfers))
	seen := make(map[string]struct{}, len(transfers))

	for _, t := range transfers {
		if reason := rejectReason(t, opts, now); reason != "" {
			logrus.WithFields(logrus.Fields{
				"tx_hash": t.TxHash,
				"reason":  reason,
			}).Debug("Filtered transfer")
			continue
		}
		key := strings.ToLower(t.TxHash)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		valid = append(valid, t)
	}
	return valid
}

func rejectReason(t model.TokenTransfer, opts ValidationOptions, now time.Time) string {
	if t.TxHash == "" {
		return "missing hash"
	}
	if !model.ValidDecimals(t.TokenDecimals) {
		return "decimals out of range"
	}
	amount, err := model.ParseRawAmount(t.Value)
	if err != nil {
		return "unparseable value"
	}
	if !amount.IsPositive() {
		return "non-positive value"
	}
	if opts.DropSelfTransfers && strings.EqualFold(t.FromAddress, t.ToAddress) {
		return "self transfer"
	}
	if opts.DropMintBurn && (strings.EqualFold(t.FromAddress, zeroAddress) || strings.EqualFold(t.ToAddress, zeroAddress)) {
		return "mint or burn"
	}
	if opts.MaxAge > 0 && !t.BlockTimestamp.IsZero() && now.Sub(t.BlockTimestamp) > opts.MaxAge {
		return "too old"
	}
	return ""
}

// NormalizeQuery applies the default limit, caps it, and rejects impossible
// ranges.
func NormalizeQuery(q model.TransactionQuery) (model.TransactionQuery, error) {
	if q.Offset < 0 {
		return q, fmt.Errorf("%w: negative offset %d", ErrInvalidQuery, q.Offset)
	}
	if q.MinUSDValue < 0 {
		return q, fmt.Errorf("%w: negative min usd value", ErrInvalidQuery)
	}
	if q.FromDate != nil && q.ToDate != nil && q.FromDate.After(*q.ToDate) {
		return q, fmt.Errorf("%w: from date after to date", ErrInvalidQuery)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultLimit
	case q.Limit > MaxLimit:
		q.Limit = MaxLimit
	}
	return q, nil
}

// ParseTimeframe validates a timeframe string.
func ParseTimeframe(s string) (model.Timeframe, error) {
	tf := model.Timeframe(strings.ToLower(strings.TrimSpace(s)))
	if _, err := tf.Duration(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	return tf, nil
}
