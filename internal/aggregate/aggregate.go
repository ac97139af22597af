// Package aggregate folds whale transactions into wallet aggregates and
// timeframe analyses. Everything here is pure: callers load the rows.
package aggregate

import (
	"sort"
	"strings"
	"time"

	"github.com/yourorg/whale-intel/internal/model"
)

// WhaleVolumeUSD is the lifetime volume above which an otherwise unknown
// wallet is categorised as a whale.
const WhaleVolumeUSD = 1_000_000

// AnalyzeTransactions computes the analysis of txs, which must already be
// restricted to the timeframe window. Empty input yields a zeroed analysis.
//
// Net flow is the USD received by non-exchange addresses minus the USD sent
// by them, so wallet-to-wallet moves cancel out and only exchange withdrawals
// (positive) and deposits (negative) remain. The price impact estimate is
// net flow normalised by volume, in [-1, 1].
func AnalyzeTransactions(coinID string, tf model.Timeframe, txs []*model.WhaleTransaction, book AddressBook, now time.Time) model.WhaleAnalysis {
	analysis := model.WhaleAnalysis{
		CoinID:     coinID,
		Timeframe:  tf,
		AnalyzedAt: now,
	}
	if len(txs) == 0 {
		return analysis
	}

	wallets := make(map[string]struct{}, len(txs)*2)
	var volume, inflow, outflow float64

	for _, tx := range txs {
		volume += tx.USDValue
		if !isExchange(book, tx.ToAddress) {
			inflow += tx.USDValue
		}
		if !isExchange(book, tx.FromAddress) {
			outflow += tx.USDValue
		}
		wallets[strings.ToLower(tx.FromAddress)] = struct{}{}
		wallets[strings.ToLower(tx.ToAddress)] = struct{}{}
	}

	analysis.TotalTransactions = len(txs)
	analysis.TotalVolumeUSD = volume
	analysis.NetFlowUSD = inflow - outflow
	analysis.AverageTransactionSizeUSD = volume / float64(len(txs))
	analysis.UniqueWalletCount = len(wallets)
	if volume > 0 {
		analysis.PriceImpactEstimate = analysis.NetFlowUSD / volume
	}
	return analysis
}

// FoldWallet builds the wallet view of address from every transaction that
// touches it. It returns nil when no transaction does.
func FoldWallet(address string, txs []*model.WhaleTransaction, book AddressBook, now time.Time, activeWindow time.Duration) *model.WhaleWallet {
	address = strings.ToLower(address)

	var w *model.WhaleWallet
	for _, tx := range txs {
		if !touches(tx, address) {
			continue
		}
		if w == nil {
			w = &model.WhaleWallet{Address: address}
		}
		addActivity(w, tx)
	}
	if w == nil {
		return nil
	}
	finish(w, book, now, activeWindow)
	return w
}

// TopWallets groups txs by every address that sent or received, and returns
// the limit wallets with the highest volume. Equal volumes are ordered by
// address.
func TopWallets(txs []*model.WhaleTransaction, book AddressBook, now time.Time, activeWindow time.Duration, limit int) []*model.WhaleWallet {
	byAddress := make(map[string]*model.WhaleWallet)
	get := func(addr string) *model.WhaleWallet {
		addr = strings.ToLower(addr)
		w, ok := byAddress[addr]
		if !ok {
			w = &model.WhaleWallet{Address: addr}
			byAddress[addr] = w
		}
		return w
	}

	for _, tx := range txs {
		addActivity(get(tx.FromAddress), tx)
		if !strings.EqualFold(tx.FromAddress, tx.ToAddress) {
			addActivity(get(tx.ToAddress), tx)
		}
	}

	wallets := make([]*model.WhaleWallet, 0, len(byAddress))
	for _, w := range byAddress {
		finish(w, book, now, activeWindow)
		wallets = append(wallets, w)
	}

	sort.Slice(wallets, func(i, j int) bool {
		if wallets[i].TotalVolumeUSD != wallets[j].TotalVolumeUSD {
			return wallets[i].TotalVolumeUSD > wallets[j].TotalVolumeUSD
		}
		return wallets[i].Address < wallets[j].Address
	})

	if limit > 0 && len(wallets) > limit {
		wallets = wallets[:limit]
	}
	return wallets
}

// Categorize returns the configured category of address, falling back to a
// volume heuristic.
func Categorize(book AddressBook, address string, volumeUSD float64) model.WalletCategory {
	if book != nil {
		if c, ok := book.Category(address); ok {
			return c
		}
	}
	if volumeUSD >= WhaleVolumeUSD {
		return model.CategoryWhale
	}
	return model.CategoryUnknown
}

func touches(tx *model.WhaleTransaction, address string) bool {
	return strings.EqualFold(tx.FromAddress, address) || strings.EqualFold(tx.ToAddress, address)
}

func addActivity(w *model.WhaleWallet, tx *model.WhaleTransaction) {
	w.TotalTransactions++
	w.TotalVolumeUSD += tx.USDValue
	ts := tx.BlockTimestamp
	if w.FirstSeenAt.IsZero() || ts.Before(w.FirstSeenAt) {
		w.FirstSeenAt = ts
	}
	if ts.After(w.LastSeenAt) {
		w.LastSeenAt = ts
	}
}

func finish(w *model.WhaleWallet, book AddressBook, now time.Time, activeWindow time.Duration) {
	w.Category = Categorize(book, w.Address, w.TotalVolumeUSD)
	w.IsActive = now.Sub(w.LastSeenAt) <= activeWindow
}

func isExchange(book AddressBook, address string) bool {
	if book == nil {
		return false
	}
	c, ok := book.Category(address)
	return ok && c == model.CategoryExchange
}
