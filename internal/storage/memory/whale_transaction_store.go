// Package memory provides in-memory storage backends for tests and
// single-process deployments without Postgres.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/storage"
)

// WhaleTransactionStore is an in-memory implementation of storage.WhaleTransactionStore.
type WhaleTransactionStore struct {
	mu   sync.RWMutex
	data map[string]*model.WhaleTransaction // keyed by tx hash
}

// NewWhaleTransactionStore creates an empty store.
func NewWhaleTransactionStore() *WhaleTransactionStore {
	return &WhaleTransactionStore{
		data: make(map[string]*model.WhaleTransaction),
	}
}

var _ storage.WhaleTransactionStore = (*WhaleTransactionStore)(nil)

// GetByHash retrieves a row by hash. Returns ErrNotFound if not exists.
func (s *WhaleTransactionStore) GetByHash(_ context.Context, txHash string) (*model.WhaleTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.data[strings.ToLower(txHash)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	txCopy := *tx
	return &txCopy, nil
}

// Insert adds a row. Returns ErrDuplicateKey if the hash exists.
func (s *WhaleTransactionStore) Insert(_ context.Context, tx *model.WhaleTransaction) error {
	if tx == nil || tx.TxHash == "" || tx.CoinID == "" {
		return storage.ErrInvalidInput
	}
	key := strings.ToLower(tx.TxHash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[key]; exists {
		return storage.ErrDuplicateKey
	}
	txCopy := *tx
	s.data[key] = &txCopy
	return nil
}

// Find returns matching rows, newest first unless f.Ascending.
func (s *WhaleTransactionStore) Find(_ context.Context, f storage.Filter) ([]*model.WhaleTransaction, error) {
	s.mu.RLock()
	matches := s.match(f)
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.BlockTimestamp.Equal(b.BlockTimestamp) {
			if f.Ascending {
				return a.BlockTimestamp.Before(b.BlockTimestamp)
			}
			return a.BlockTimestamp.After(b.BlockTimestamp)
		}
		if f.Ascending {
			return a.TxHash < b.TxHash
		}
		return a.TxHash > b.TxHash
	})

	if f.Offset > 0 {
		if f.Offset >= len(matches) {
			return []*model.WhaleTransaction{}, nil
		}
		matches = matches[f.Offset:]
	}
	if f.Limit > 0 && len(matches) > f.Limit {
		matches = matches[:f.Limit]
	}
	return matches, nil
}

// Count returns the number of matching rows.
func (s *WhaleTransactionStore) Count(_ context.Context, f storage.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.match(f)), nil
}

// match must be called with the read lock held. It returns copies.
func (s *WhaleTransactionStore) match(f storage.Filter) []*model.WhaleTransaction {
	result := make([]*model.WhaleTransaction, 0)
	for _, tx := range s.data {
		if f.CoinID != "" && tx.CoinID != f.CoinID {
			continue
		}
		if f.Address != "" && !strings.EqualFold(tx.FromAddress, f.Address) && !strings.EqualFold(tx.ToAddress, f.Address) {
			continue
		}
		if f.From != nil && tx.BlockTimestamp.Before(*f.From) {
			continue
		}
		if f.To != nil && tx.BlockTimestamp.After(*f.To) {
			continue
		}
		if f.MinUSDValue > 0 && tx.USDValue < f.MinUSDValue {
			continue
		}
		txCopy := *tx
		result = append(result, &txCopy)
	}
	return result
}
