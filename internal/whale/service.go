package whale

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yourorg/whale-intel/internal/aggregate"
	"github.com/yourorg/whale-intel/internal/cache"
	"github.com/yourorg/whale-intel/internal/events"
	"github.com/yourorg/whale-intel/internal/fetch"
	"github.com/yourorg/whale-intel/internal/httpclient"
	"github.com/yourorg/whale-intel/internal/metrics"
	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/otel"
	"github.com/yourorg/whale-intel/internal/storage"
	"github.com/yourorg/whale-intel/internal/types"
	"github.com/yourorg/whale-intel/internal/validation"
)

// DefaultTopWallets is used when GetTopWhaleWallets gets no limit.
const DefaultTopWallets = 10

// Options tunes the service.
type Options struct {
	MinUSDValue   float64
	TransferLimit int

	TransactionsTTL time.Duration
	AnalysisTTL     time.Duration
	WalletTTL       time.Duration

	// Wallets seen within this window are active
	ActiveWindow time.Duration

	Validation validation.ValidationOptions

	Now func() time.Time
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MinUSDValue:     DefaultMinUSDValue,
		TransferLimit:   fetch.DefaultTransferLimit,
		TransactionsTTL: 900 * time.Second,
		AnalysisTTL:     300 * time.Second,
		WalletTTL:       600 * time.Second,
		ActiveWindow:    7 * 24 * time.Hour,
		Validation:      validation.DefaultValidationOptions(),
		Now:             time.Now,
	}
}

// Deps are the collaborators of the service.
type Deps struct {
	Transfers   fetch.TransferSource
	Prices      fetch.PriceSource
	Store       storage.WhaleTransactionStore
	Cache       cache.Cache
	Publisher   events.Publisher
	AddressBook aggregate.AddressBook
}

// Service tracks whale transactions. It is safe for concurrent use; runs
// for the same coin are serialised.
type Service struct {
	deps Deps
	opts Options

	coinLocks sync.Map // coin id -> *sync.Mutex
}

// NewService wires the service. Zero options fall back to DefaultOptions.
func NewService(deps Deps, opts Options) *Service {
	def := DefaultOptions()
	if opts.MinUSDValue <= 0 {
		opts.MinUSDValue = def.MinUSDValue
	}
	if opts.TransferLimit <= 0 {
		opts.TransferLimit = def.TransferLimit
	}
	if opts.TransactionsTTL <= 0 {
		opts.TransactionsTTL = def.TransactionsTTL
	}
	if opts.AnalysisTTL <= 0 {
		opts.AnalysisTTL = def.AnalysisTTL
	}
	if opts.WalletTTL <= 0 {
		opts.WalletTTL = def.WalletTTL
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = def.ActiveWindow
	}
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Discard{}
	}
	if deps.AddressBook == nil {
		deps.AddressBook = aggregate.NewStaticAddressBook(nil, nil)
	}
	return &Service{deps: deps, opts: opts}
}

// Cache keys
func transactionsKey(coinID string) string { return "whale_transactions:" + coinID }
func analysisKey(coinID string, tf model.Timeframe) string {
	return "whale_analysis:" + coinID + ":" + string(tf)
}
func walletKey(address string) string { return "whale_wallet:" + address }

// ProcessWhaleTransactions fetches recent transfers of the coin's contract,
// detects whale transfers and stores those not seen before. It returns only
// the newly inserted rows, so re-running over overlapping data is a no-op.
//
// When the price is unavailable detection degrades to zero candidates and
// no error is returned.
func (s *Service) ProcessWhaleTransactions(ctx context.Context, coinID, contractAddress string, network types.Network) ([]*model.WhaleTransaction, error) {
	ctx, span := otel.Tracer().Start(ctx, "whale.ProcessWhaleTransactions")
	defer span.End()
	span.SetAttributes(attribute.String("coin_id", coinID), attribute.String("network", string(network)))

	unlock := s.lockCoin(coinID)
	defer unlock()

	log := logrus.WithFields(logrus.Fields{"coin_id": coinID, "network": network})

	transfers, err := s.deps.Transfers.GetTokenTransfers(ctx, contractAddress, network, s.opts.TransferLimit)
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, fmt.Errorf("process whales for %s: %w", coinID, err)
	}
	transfers = validation.FilterTransfers(transfers, s.opts.Validation, s.opts.Now())
	if len(transfers) == 0 {
		log.Debug("No transfers to inspect")
		return []*model.WhaleTransaction{}, nil
	}

	quote := s.price(ctx, log, contractAddress, network)
	candidates := Detect(transfers, quote, s.opts.MinUSDValue)
	metrics.WhaleCandidates.WithLabelValues(coinID).Add(float64(len(candidates)))

	inserted := make([]*model.WhaleTransaction, 0)
	current := make([]*model.WhaleTransaction, 0, len(candidates))
	var storeErr error

	for _, c := range candidates {
		tx, isNew, err := s.persist(ctx, coinID, network, c)
		if err != nil {
			storeErr = err
			break
		}
		current = append(current, tx)
		if isNew {
			inserted = append(inserted, tx)
			log.WithFields(logrus.Fields{
				"tx_hash": tx.TxHash,
				"from":    tx.FromAddress,
				"to":      tx.ToAddress,
			}).Infof("New whale transaction worth $%s", humanize.CommafWithDigits(tx.USDValue, 2))
		}
	}

	s.refreshCaches(ctx, coinID, current, inserted)

	now := s.opts.Now()
	for _, tx := range inserted {
		events.PublishBestEffort(ctx, s.deps.Publisher, events.NewWhaleMovement(tx, now))
	}

	log.WithFields(logrus.Fields{
		"transfers":  len(transfers),
		"candidates": len(candidates),
		"inserted":   len(inserted),
	}).Info("Whale transactions processed")

	if storeErr != nil {
		otel.RecordError(ctx, storeErr)
		return inserted, fmt.Errorf("process whales for %s: %w", coinID, storeErr)
	}
	return inserted, nil
}

// price fetches the quote, degrading every failure to a nil quote.
func (s *Service) price(ctx context.Context, log *logrus.Entry, contractAddress string, network types.Network) *model.PriceQuote {
	quote, err := s.deps.Prices.GetPrice(ctx, contractAddress, network)
	if err == nil {
		return quote
	}
	metrics.PriceUnavailable.WithLabelValues(string(network)).Inc()
	if errors.Is(err, fetch.ErrPriceUnavailable) {
		log.Warn("Price unavailable, whale detection degraded")
	} else {
		log.WithField("class", httpclient.Classify(err)).Warnf("Price lookup failed, whale detection degraded: %v", err)
	}
	return nil
}

// persist stores the candidate unless its hash exists. A concurrent insert
// of the same hash counts as existing.
func (s *Service) persist(ctx context.Context, coinID string, network types.Network, c model.WhaleCandidate) (*model.WhaleTransaction, bool, error) {
	existing, err := s.deps.Store.GetByHash(ctx, c.Transfer.TxHash)
	switch {
	case err == nil:
		metrics.WhaleTransactions.WithLabelValues("duplicate").Inc()
		return existing, false, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, false, fmt.Errorf("lookup %s: %w", c.Transfer.TxHash, err)
	}

	tx := model.NewWhaleTransaction(coinID, network, c, s.opts.Now())
	if err := s.deps.Store.Insert(ctx, tx); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			metrics.WhaleTransactions.WithLabelValues("duplicate").Inc()
			stored, err := s.deps.Store.GetByHash(ctx, tx.TxHash)
			if err != nil {
				return nil, false, fmt.Errorf("reload %s: %w", tx.TxHash, err)
			}
			return stored, false, nil
		}
		return nil, false, fmt.Errorf("insert %s: %w", c.Transfer.TxHash, err)
	}
	metrics.WhaleTransactions.WithLabelValues("inserted").Inc()
	return tx, true, nil
}

// refreshCaches stores the coin's current whale list and drops the views
// that new rows make stale.
func (s *Service) refreshCaches(ctx context.Context, coinID string, current, inserted []*model.WhaleTransaction) {
	if err := s.deps.Cache.Set(ctx, transactionsKey(coinID), current, s.opts.TransactionsTTL); err != nil {
		logrus.WithField("coin_id", coinID).Warnf("Failed to cache whale transactions: %v", err)
	}
	if len(inserted) == 0 {
		return
	}

	stale := make([]string, 0, len(model.Timeframes)+2*len(inserted))
	for _, tf := range model.Timeframes {
		stale = append(stale, analysisKey(coinID, tf))
	}
	seen := make(map[string]struct{})
	for _, tx := range inserted {
		for _, addr := range []string{tx.FromAddress, tx.ToAddress} {
			addr = strings.ToLower(addr)
			if _, ok := seen[addr]; ok {
				continue
			}
			seen[addr] = struct{}{}
			stale = append(stale, walletKey(addr))
		}
	}
	if err := s.deps.Cache.Delete(ctx, stale...); err != nil {
		logrus.WithField("coin_id", coinID).Warnf("Failed to invalidate whale caches: %v", err)
	}
}

// AnalyzeWhaleMovements summarises the coin's whale transactions within the
// timeframe. A coin without transactions yields a zeroed analysis.
func (s *Service) AnalyzeWhaleMovements(ctx context.Context, coinID string, tf model.Timeframe) (*model.WhaleAnalysis, error) {
	window, err := tf.Duration()
	if err != nil {
		return nil, err
	}

	ctx, span := otel.Tracer().Start(ctx, "whale.AnalyzeWhaleMovements")
	defer span.End()
	span.SetAttributes(attribute.String("coin_id", coinID), attribute.String("timeframe", string(tf)))

	key := analysisKey(coinID, tf)
	var cached model.WhaleAnalysis
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	now := s.opts.Now()
	from := now.Add(-window)
	txs, err := s.deps.Store.Find(ctx, storage.Filter{CoinID: coinID, From: &from})
	if err != nil {
		otel.RecordError(ctx, err)
		return nil, fmt.Errorf("analyze %s over %s: %w", coinID, tf, err)
	}

	analysis := aggregate.AnalyzeTransactions(coinID, tf, txs, s.deps.AddressBook, now)
	s.cacheSet(ctx, key, analysis, s.opts.AnalysisTTL)

	logrus.WithFields(logrus.Fields{
		"coin_id":   coinID,
		"timeframe": tf,
		"txs":       analysis.TotalTransactions,
		"net_flow":  humanize.CommafWithDigits(analysis.NetFlowUSD, 0),
	}).Debugf("Whale analysis computed, volume $%s", humanize.CommafWithDigits(analysis.TotalVolumeUSD, 0))
	return &analysis, nil
}

// GetWhaleWallet returns the wallet view of address, or nil when no whale
// transaction touches it.
func (s *Service) GetWhaleWallet(ctx context.Context, address string) (*model.WhaleWallet, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, fmt.Errorf("%w: empty address", storage.ErrInvalidInput)
	}

	key := walletKey(address)
	var cached model.WhaleWallet
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	txs, err := s.deps.Store.Find(ctx, storage.Filter{Address: address})
	if err != nil {
		return nil, fmt.Errorf("load wallet %s: %w", address, err)
	}
	wallet := aggregate.FoldWallet(address, txs, s.deps.AddressBook, s.opts.Now(), s.opts.ActiveWindow)
	if wallet == nil {
		return nil, nil
	}

	s.cacheSet(ctx, key, wallet, s.opts.WalletTTL)
	return wallet, nil
}

// GetTopWhaleWallets returns the coin's wallets with the highest whale volume.
func (s *Service) GetTopWhaleWallets(ctx context.Context, coinID string, limit int) ([]*model.WhaleWallet, error) {
	if limit <= 0 {
		limit = DefaultTopWallets
	}
	txs, err := s.deps.Store.Find(ctx, storage.Filter{CoinID: coinID})
	if err != nil {
		return nil, fmt.Errorf("load whales for %s: %w", coinID, err)
	}
	return aggregate.TopWallets(txs, s.deps.AddressBook, s.opts.Now(), s.opts.ActiveWindow, limit), nil
}

// GetWhaleTransactions returns one page of the coin's whale transactions,
// newest first, with the unpaged total.
func (s *Service) GetWhaleTransactions(ctx context.Context, coinID string, q model.TransactionQuery) (*model.TransactionPage, error) {
	q, err := validation.NormalizeQuery(q)
	if err != nil {
		return nil, err
	}

	f := storage.Filter{
		CoinID:      coinID,
		From:        q.FromDate,
		To:          q.ToDate,
		MinUSDValue: q.MinUSDValue,
		Limit:       q.Limit,
		Offset:      q.Offset,
	}
	txs, err := s.deps.Store.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list whales for %s: %w", coinID, err)
	}
	total, err := s.deps.Store.Count(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("count whales for %s: %w", coinID, err)
	}
	return &model.TransactionPage{Transactions: txs, Total: total}, nil
}

// cacheGet treats cache failures as misses.
func (s *Service) cacheGet(ctx context.Context, key string, dest any) bool {
	hit, err := s.deps.Cache.Get(ctx, key, dest)
	if err != nil {
		logrus.WithField("key", key).Warnf("Cache read failed: %v", err)
		return false
	}
	return hit
}

func (s *Service) cacheSet(ctx context.Context, key string, value any, ttl time.Duration) {
	if err := s.deps.Cache.Set(ctx, key, value, ttl); err != nil {
		logrus.WithField("key", key).Warnf("Cache write failed: %v", err)
	}
}

func (s *Service) lockCoin(coinID string) func() {
	mu, _ := s.coinLocks.LoadOrStore(coinID, &sync.Mutex{})
	m := mu.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
