package whale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/whale-intel/internal/aggregate"
	"github.com/yourorg/whale-intel/internal/cache"
	"github.com/yourorg/whale-intel/internal/events"
	"github.com/yourorg/whale-intel/internal/fetch"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/storage"
	"github.com/yourorg/whale-intel/internal/storage/memory"
	"github.com/yourorg/whale-intel/internal/types"
)

const (
	pepe       = "pepe"
	contract   = "0x6982508145454ce325ddbe47a25d4ec3d2311933"
	exchangeHW = "0x28c6c06298d514db089934071355e5743bf21d60"
	walletA    = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	walletB    = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	walletC    = "0xcccccccccccccccccccccccccccccccccccccccc"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeTransfers struct {
	mu        sync.Mutex
	transfers []model.TokenTransfer
	err       error
	calls     int
}

func (f *fakeTransfers) GetTokenTransfers(context.Context, string, types.Network, int) ([]model.TokenTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.transfers, f.err
}

func (f *fakeTransfers) set(t ...model.TokenTransfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = t
}

type fakePrices struct {
	quote *model.PriceQuote
	err   error
}

func (f *fakePrices) GetPrice(context.Context, string, types.Network) (*model.PriceQuote, error) {
	return f.quote, f.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

// usdTransfer is a transfer worth usd at a $1 price with 18 decimals.
func usdTransfer(hash, from, to string, usd int64, age time.Duration) model.TokenTransfer {
	return model.TokenTransfer{
		TxHash:         hash,
		FromAddress:    from,
		ToAddress:      to,
		Value:          fmt.Sprintf("%d000000000000000000", usd),
		TokenDecimals:  18,
		BlockTimestamp: now.Add(-age),
	}
}

type fixture struct {
	svc       *Service
	transfers *fakeTransfers
	prices    *fakePrices
	store     *memory.WhaleTransactionStore
	cache     *cache.Memory
	events    *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		transfers: &fakeTransfers{},
		prices:    &fakePrices{quote: &model.PriceQuote{TokenAddress: contract, USDPrice: 1}},
		store:     memory.NewWhaleTransactionStore(),
		cache:     cache.NewMemory(),
		events:    &recorder{},
	}
	opts := DefaultOptions()
	opts.Now = func() time.Time { return now }
	f.svc = NewService(Deps{
		Transfers:   f.transfers,
		Prices:      f.prices,
		Store:       f.store,
		Cache:       f.cache,
		Publisher:   f.events,
		AddressBook: aggregate.NewStaticAddressBook([]string{exchangeHW}, nil),
	}, opts)
	return f
}

func hashes(txs []*model.WhaleTransaction) []string {
	out := make([]string, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.TxHash)
	}
	return out
}

func TestProcessWhaleTransactions_InsertsAboveThreshold(t *testing.T) {
	f := newFixture(t)
	f.transfers.set(
		usdTransfer("0x5k", walletA, walletB, 5_000, time.Hour),
		usdTransfer("0x15k", exchangeHW, walletA, 15_000, time.Hour),
		usdTransfer("0x30k", walletB, exchangeHW, 30_000, 2*time.Hour),
	)

	inserted, err := f.svc.ProcessWhaleTransactions(context.Background(), pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x15k", "0x30k"}, hashes(inserted))

	stored, err := f.store.GetByHash(context.Background(), "0x30k")
	require.NoError(t, err)
	assert.Equal(t, pepe, stored.CoinID)
	assert.Equal(t, types.NetworkEthereum, stored.Network)
	assert.Equal(t, 30_000.0, stored.USDValue)
	assert.Equal(t, "30000", stored.TokenAmount.String())

	evs := f.events.all()
	require.Len(t, evs, 2, "One event per new row")
	for _, e := range evs {
		assert.Equal(t, events.TypeWhaleMovement, e.Type)
		assert.Equal(t, pepe, e.CoinID)
	}

	var cached []*model.WhaleTransaction
	hit, err := f.cache.Get(context.Background(), "whale_transactions:pepe", &cached)
	require.NoError(t, err)
	require.True(t, hit)
	assert.Equal(t, []string{"0x15k", "0x30k"}, hashes(cached))
}

func TestProcessWhaleTransactions_IgnoresMalformedAmounts(t *testing.T) {
	f := newFixture(t)
	exp := usdTransfer("0xexp", walletA, walletB, 0, time.Hour)
	exp.Value = "1e400"
	frac := usdTransfer("0xfrac", walletA, walletB, 0, time.Hour)
	frac.Value = "50000000000000000000000.5"
	wrapped := usdTransfer("0xwrap", walletA, walletB, 0, time.Hour)
	wrapped.Value = "1000"
	wrapped.TokenDecimals = 2147483649
	f.transfers.set(exp, frac, wrapped, usdTransfer("0xok", walletA, walletB, 20_000, time.Hour))

	done := make(chan struct{})
	var (
		inserted []*model.WhaleTransaction
		err      error
	)
	go func() {
		defer close(done)
		inserted, err = f.svc.ProcessWhaleTransactions(context.Background(), pepe, contract, types.NetworkEthereum)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("ProcessWhaleTransactions did not return")
	}
	require.NoError(t, err)
	assert.Equal(t, []string{"0xok"}, hashes(inserted))

	analysis, err := f.svc.AnalyzeWhaleMovements(context.Background(), pepe, model.Timeframe24h)
	require.NoError(t, err)
	assert.Equal(t, 20_000.0, analysis.TotalVolumeUSD)
	_, err = json.Marshal(analysis)
	assert.NoError(t, err)
}

func TestProcessWhaleTransactions_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.transfers.set(
		usdTransfer("0x1", walletA, walletB, 20_000, time.Hour),
		usdTransfer("0x2", walletB, walletC, 40_000, time.Hour),
	)
	first, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	// Overlapping window: 0x2 again plus a new transfer
	f.transfers.set(
		usdTransfer("0x2", walletB, walletC, 40_000, time.Hour),
		usdTransfer("0x3", walletC, walletA, 60_000, time.Minute),
	)
	second, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)
	assert.Equal(t, []string{"0x3"}, hashes(second), "Already stored hashes are excluded")

	third, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)
	assert.Empty(t, third)

	n, err := f.store.Count(ctx, storage.Filter{CoinID: pepe})
	require.NoError(t, err)
	assert.Equal(t, 3, n, "Each hash is stored exactly once")
	assert.Len(t, f.events.all(), 3, "Duplicates are never broadcast")
}

func TestProcessWhaleTransactions_ConcurrentRunsDoNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.transfers.set(usdTransfer("0x1", walletA, walletB, 20_000, time.Hour))

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := f.svc.ProcessWhaleTransactions(context.Background(), pepe, contract, types.NetworkEthereum)
			assert.NoError(t, err)
			mu.Lock()
			total += len(inserted)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, total)
	assert.Len(t, f.events.all(), 1)
}

// racingStore misses each hash on the first lookup, as if another process
// inserted it between the lookup and the insert.
type racingStore struct {
	*memory.WhaleTransactionStore

	mu     sync.Mutex
	missed map[string]bool
}

func newRacingStore() *racingStore {
	return &racingStore{WhaleTransactionStore: memory.NewWhaleTransactionStore(), missed: map[string]bool{}}
}

func (s *racingStore) GetByHash(ctx context.Context, txHash string) (*model.WhaleTransaction, error) {
	s.mu.Lock()
	first := !s.missed[txHash]
	s.missed[txHash] = true
	s.mu.Unlock()
	if first {
		return nil, storage.ErrNotFound
	}
	return s.WhaleTransactionStore.GetByHash(ctx, txHash)
}

func TestProcessWhaleTransactions_DuplicateKeyOnInsertIsSkip(t *testing.T) {
	f := newFixture(t)
	store := newRacingStore()
	stored := &model.WhaleTransaction{ID: uuid.New(), CoinID: pepe, TxHash: "0x1", FromAddress: walletA, ToAddress: walletB, USDValue: 20_000}
	require.NoError(t, store.Insert(context.Background(), stored))

	svc := NewService(Deps{
		Transfers: f.transfers,
		Prices:    f.prices,
		Store:     store,
		Cache:     f.cache,
		Publisher: f.events,
	}, Options{Now: func() time.Time { return now }})
	f.transfers.set(usdTransfer("0x1", walletA, walletB, 20_000, time.Hour))

	inserted, err := svc.ProcessWhaleTransactions(context.Background(), pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)
	assert.Empty(t, inserted)
	assert.Empty(t, f.events.all())

	// The cached list carries the stored row, not the one that lost the race
	var cached []*model.WhaleTransaction
	found, err := f.cache.Get(context.Background(), transactionsKey(pepe), &cached)
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, cached, 1)
	assert.Equal(t, stored.ID, cached[0].ID)
}

func TestProcessWhaleTransactions_PriceUnavailableDegrades(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"no quote", fmt.Errorf("wrapped: %w", fetch.ErrPriceUnavailable)},
		{"upstream down", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.prices.quote = nil
			f.prices.err = tt.err
			f.transfers.set(usdTransfer("0x1", walletA, walletB, 1_000_000, time.Hour))

			inserted, err := f.svc.ProcessWhaleTransactions(context.Background(), pepe, contract, types.NetworkEthereum)
			require.NoError(t, err)
			assert.Empty(t, inserted)
		})
	}
}

func TestProcessWhaleTransactions_TransferFailure(t *testing.T) {
	f := newFixture(t)
	f.transfers.err = errors.New("chain index down")

	_, err := f.svc.ProcessWhaleTransactions(context.Background(), pepe, contract, types.NetworkEthereum)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain index down")
}

func TestProcessWhaleTransactions_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.events.err = errors.New("socket closed")
	f.transfers.set(usdTransfer("0x1", walletA, walletB, 20_000, time.Hour))

	inserted, err := f.svc.ProcessWhaleTransactions(context.Background(), pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)
	assert.Len(t, inserted, 1)
}

func TestProcessWhaleTransactions_InvalidatesStaleViews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.transfers.set(usdTransfer("0x1", walletA, walletB, 20_000, time.Hour))
	_, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)

	analysis, err := f.svc.AnalyzeWhaleMovements(ctx, pepe, model.Timeframe24h)
	require.NoError(t, err)
	assert.Equal(t, 1, analysis.TotalTransactions)

	wallet, err := f.svc.GetWhaleWallet(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, 1, wallet.TotalTransactions)

	f.transfers.set(usdTransfer("0x2", walletA, walletC, 30_000, time.Minute))
	_, err = f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)

	analysis, err = f.svc.AnalyzeWhaleMovements(ctx, pepe, model.Timeframe24h)
	require.NoError(t, err)
	assert.Equal(t, 2, analysis.TotalTransactions, "Analysis cache is dropped after new rows")

	wallet, err = f.svc.GetWhaleWallet(ctx, walletA)
	require.NoError(t, err)
	assert.Equal(t, 2, wallet.TotalTransactions, "Wallet cache is dropped after new rows")
}

func TestAnalyzeWhaleMovements_Empty(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.AnalyzeWhaleMovements(context.Background(), "nobody", model.Timeframe7d)
	require.NoError(t, err)
	assert.Equal(t, 0, got.TotalTransactions)
	assert.Equal(t, 0.0, got.TotalVolumeUSD)
	assert.Equal(t, 0.0, got.AverageTransactionSizeUSD)
	assert.Equal(t, 0, got.UniqueWalletCount)
	assert.Equal(t, 0.0, got.NetFlowUSD)
}

func TestAnalyzeWhaleMovements_Window(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transfers.set(
		usdTransfer("0xrecent", exchangeHW, walletA, 40_000, 30*time.Minute),
		usdTransfer("0xday", walletB, exchangeHW, 20_000, 5*time.Hour),
		usdTransfer("0xweek", walletA, walletB, 60_000, 3*24*time.Hour),
	)
	_, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)

	tests := []struct {
		tf      model.Timeframe
		count   int
		volume  float64
		netFlow float64
	}{
		{model.Timeframe1h, 1, 40_000, 40_000},
		{model.Timeframe24h, 2, 60_000, 20_000},
		{model.Timeframe7d, 3, 120_000, 20_000},
	}
	for _, tt := range tests {
		t.Run(string(tt.tf), func(t *testing.T) {
			got, err := f.svc.AnalyzeWhaleMovements(ctx, pepe, tt.tf)
			require.NoError(t, err)
			assert.Equal(t, tt.count, got.TotalTransactions)
			assert.Equal(t, tt.volume, got.TotalVolumeUSD)
			assert.Equal(t, tt.netFlow, got.NetFlowUSD)
			assert.Equal(t, tt.volume/float64(tt.count), got.AverageTransactionSizeUSD)
		})
	}

	_, err = f.svc.AnalyzeWhaleMovements(ctx, pepe, model.Timeframe("30d"))
	assert.Error(t, err)
}

func TestAnalyzeWhaleMovements_ServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cached := model.WhaleAnalysis{CoinID: pepe, Timeframe: model.Timeframe1h, TotalTransactions: 99}
	require.NoError(t, f.cache.Set(ctx, "whale_analysis:pepe:1h", cached, time.Minute))

	got, err := f.svc.AnalyzeWhaleMovements(ctx, pepe, model.Timeframe1h)
	require.NoError(t, err)
	assert.Equal(t, 99, got.TotalTransactions)
}

func TestGetWhaleWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transfers.set(
		usdTransfer("0x1", walletA, walletB, 100_000, 5*24*time.Hour),
		usdTransfer("0x2", walletB, walletA, 50_000, time.Hour),
	)
	_, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)

	w, err := f.svc.GetWhaleWallet(ctx, "0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, walletA, w.Address)
	assert.Equal(t, 2, w.TotalTransactions)
	assert.Equal(t, 150_000.0, w.TotalVolumeUSD)
	assert.True(t, w.IsActive)
	assert.True(t, now.Add(-5*24*time.Hour).Equal(w.FirstSeenAt))

	var cached model.WhaleWallet
	hit, err := f.cache.Get(ctx, "whale_wallet:"+walletA, &cached)
	require.NoError(t, err)
	assert.True(t, hit, "Wallets are cached under the lowercased address")

	missing, err := f.svc.GetWhaleWallet(ctx, walletC)
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = f.svc.GetWhaleWallet(ctx, "  ")
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}

func TestGetTopWhaleWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transfers.set(
		usdTransfer("0x1", walletA, walletB, 100_000, time.Hour),
		usdTransfer("0x2", walletB, walletC, 100_000, time.Hour),
		usdTransfer("0x3", walletA, exchangeHW, 50_000, time.Hour),
	)
	_, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)

	top, err := f.svc.GetTopWhaleWallets(ctx, pepe, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, walletB, top[0].Address)
	assert.Equal(t, 200_000.0, top[0].TotalVolumeUSD)
	assert.Equal(t, walletA, top[1].Address)
	assert.Equal(t, 150_000.0, top[1].TotalVolumeUSD)

	all, err := f.svc.GetTopWhaleWallets(ctx, pepe, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, model.CategoryExchange, all[3].Category)
}

func TestGetWhaleTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transfers.set(
		usdTransfer("0x1", walletA, walletB, 10_000, 4*time.Hour),
		usdTransfer("0x2", walletA, walletB, 50_000, 3*time.Hour),
		usdTransfer("0x3", walletA, walletB, 20_000, 2*time.Hour),
		usdTransfer("0x4", walletA, walletB, 80_000, time.Hour),
	)
	_, err := f.svc.ProcessWhaleTransactions(ctx, pepe, contract, types.NetworkEthereum)
	require.NoError(t, err)

	page, err := f.svc.GetWhaleTransactions(ctx, pepe, model.TransactionQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.Equal(t, []string{"0x4", "0x3"}, hashes(page.Transactions), "Newest first")

	page, err = f.svc.GetWhaleTransactions(ctx, pepe, model.TransactionQuery{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"0x2", "0x1"}, hashes(page.Transactions))

	from := now.Add(-150 * time.Minute)
	page, err = f.svc.GetWhaleTransactions(ctx, pepe, model.TransactionQuery{FromDate: &from, MinUSDValue: 30_000})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total, "Filters are combined with AND")
	assert.Equal(t, []string{"0x4"}, hashes(page.Transactions))

	_, err = f.svc.GetWhaleTransactions(ctx, pepe, model.TransactionQuery{Offset: -1})
	assert.Error(t, err)
}
