// Package whale turns token transfers into whale transactions and serves the
// wallet and timeframe views built from them.
package whale

import (
	"math"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/whale-intel/internal/model"
)

// DefaultMinUSDValue is the whale threshold used when none is configured.
const DefaultMinUSDValue = 10_000

// fallbackDecimals applies when neither the transfer nor the quote reports
// the token's decimals.
const fallbackDecimals = 18

// Detect values each transfer in USD and keeps those worth at least minUSD.
// Without a usable quote it returns no candidates and logs a warning. Raw
// amounts stay in arbitrary precision until the final USD figure.
func Detect(transfers []model.TokenTransfer, quote *model.PriceQuote, minUSD float64) []model.WhaleCandidate {
	if len(transfers) == 0 {
		return nil
	}
	if !quote.Valid() {
		entry := logrus.WithField("transfers", len(transfers))
		if quote != nil {
			entry = entry.WithField("token", quote.TokenAddress)
		}
		entry.Warn("No price quote available, skipping whale detection")
		return nil
	}

	price := decimal.NewFromFloat(quote.USDPrice)
	var candidates []model.WhaleCandidate

	for _, t := range transfers {
		log := logrus.WithField("tx_hash", t.TxHash)
		raw, err := model.ParseRawAmount(t.Value)
		if err != nil || !raw.IsPositive() {
			log.Debugf("Skipping transfer with invalid amount %q", t.Value)
			continue
		}
		decimals, ok := decimalsFor(t, quote)
		if !ok {
			log.Debugf("Skipping transfer with invalid decimals %d", t.TokenDecimals)
			continue
		}

		amount := raw.Shift(-int32(decimals))
		usd := amount.Mul(price).InexactFloat64()
		if math.IsNaN(usd) || math.IsInf(usd, 0) {
			log.Warnf("Skipping transfer with unrepresentable USD value, amount %s", amount)
			continue
		}
		if usd < minUSD {
			continue
		}

		candidates = append(candidates, model.WhaleCandidate{
			Transfer:    t,
			TokenAmount: amount,
			USDValue:    usd,
		})
	}
	return candidates
}

// decimalsFor picks the transfer's decimals, then the quote's, then 18. It
// reports false when the chosen value is out of range.
func decimalsFor(t model.TokenTransfer, quote *model.PriceQuote) (int, bool) {
	d := fallbackDecimals
	switch {
	case t.TokenDecimals != 0:
		d = t.TokenDecimals
	case quote.Decimals != 0:
		d = quote.Decimals
	}
	return d, model.ValidDecimals(d)
}
