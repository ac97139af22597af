// Package storage defines the persistence contract for whale transactions.
package storage

import (
	"context"
	"time"

	"github.com/yourorg/whale-intel/internal/model"
)

// Filter selects whale transactions. Set fields are combined with AND.
type Filter struct {
	CoinID string

	// Address matches either side of the transfer
	Address string

	// Inclusive block timestamp bounds
	From *time.Time
	To   *time.Time

	MinUSDValue float64

	// Limit 0 returns every match
	Limit  int
	Offset int

	// Default order is block timestamp descending
	Ascending bool
}

// WhaleTransactionStore persists whale transactions keyed by transaction hash.
type WhaleTransactionStore interface {
	// GetByHash returns ErrNotFound if no row has the hash.
	GetByHash(ctx context.Context, txHash string) (*model.WhaleTransaction, error)

	// Insert adds a row. Returns ErrDuplicateKey if the hash exists.
	Insert(ctx context.Context, tx *model.WhaleTransaction) error

	// Find returns the matching rows, ordered by block timestamp then hash.
	Find(ctx context.Context, f Filter) ([]*model.WhaleTransaction, error)

	// Count returns the number of matching rows, ignoring Limit and Offset.
	Count(ctx context.Context, f Filter) (int, error)
}
