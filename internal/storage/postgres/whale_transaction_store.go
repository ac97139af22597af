package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/yourorg/whale-intel/internal/model"
	"github.com/yourorg/whale-intel/internal/storage"
	"github.com/yourorg/whale-intel/internal/types"
)

// WhaleTransactionStore implements storage.WhaleTransactionStore using PostgreSQL.
type WhaleTransactionStore struct {
	pool *Pool
}

// NewWhaleTransactionStore creates a new WhaleTransactionStore.
func NewWhaleTransactionStore(pool *Pool) *WhaleTransactionStore {
	return &WhaleTransactionStore{pool: pool}
}

var _ storage.WhaleTransactionStore = (*WhaleTransactionStore)(nil)

const selectColumns = `
	SELECT tx_hash, id, coin_id, network, from_address, to_address, token_amount,
	       usd_value, block_number, block_timestamp, created_at
	FROM whale_transactions`

// GetByHash retrieves a row by hash. Returns ErrNotFound if not exists.
func (s *WhaleTransactionStore) GetByHash(ctx context.Context, txHash string) (*model.WhaleTransaction, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` WHERE tx_hash = $1`, strings.ToLower(txHash))
	tx, err := scanWhaleTransaction(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get whale transaction by hash: %w", err)
	}
	return tx, nil
}

// Insert adds a row. Returns ErrDuplicateKey if the hash exists, including
// when a concurrent writer inserted it after the caller's existence check.
func (s *WhaleTransactionStore) Insert(ctx context.Context, tx *model.WhaleTransaction) error {
	if tx == nil || tx.TxHash == "" || tx.CoinID == "" {
		return storage.ErrInvalidInput
	}
	id := tx.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	createdAt := tx.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO whale_transactions (
			tx_hash, id, coin_id, network, from_address, to_address, token_amount,
			usd_value, block_number, block_timestamp, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		strings.ToLower(tx.TxHash),
		id,
		tx.CoinID,
		string(tx.Network),
		strings.ToLower(tx.FromAddress),
		strings.ToLower(tx.ToAddress),
		tx.TokenAmount.String(),
		tx.USDValue,
		int64(tx.BlockNumber),
		tx.BlockTimestamp,
		createdAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert whale transaction: %w", err)
	}
	return nil
}

// Find returns matching rows ordered by block timestamp, then hash.
func (s *WhaleTransactionStore) Find(ctx context.Context, f storage.Filter) ([]*model.WhaleTransaction, error) {
	where, args := buildWhere(f)

	order := "DESC"
	if f.Ascending {
		order = "ASC"
	}
	query := selectColumns + where + fmt.Sprintf(" ORDER BY block_timestamp %s, tx_hash %s", order, order)

	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find whale transactions: %w", err)
	}
	defer rows.Close()

	result := make([]*model.WhaleTransaction, 0)
	for rows.Next() {
		tx, err := scanWhaleTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan whale transaction: %w", err)
		}
		result = append(result, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate whale transactions: %w", err)
	}
	return result, nil
}

// Count returns the number of matching rows.
func (s *WhaleTransactionStore) Count(ctx context.Context, f storage.Filter) (int, error) {
	where, args := buildWhere(f)

	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM whale_transactions`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count whale transactions: %w", err)
	}
	return n, nil
}

// buildWhere renders the filter as a WHERE clause with positional args.
func buildWhere(f storage.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.CoinID != "" {
		add("coin_id = $%d", f.CoinID)
	}
	if f.Address != "" {
		args = append(args, strings.ToLower(f.Address))
		conds = append(conds, fmt.Sprintf("(from_address = $%d OR to_address = $%d)", len(args), len(args)))
	}
	if f.From != nil {
		add("block_timestamp >= $%d", *f.From)
	}
	if f.To != nil {
		add("block_timestamp <= $%d", *f.To)
	}
	if f.MinUSDValue > 0 {
		add("usd_value >= $%d", f.MinUSDValue)
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanWhaleTransaction(row pgx.Row) (*model.WhaleTransaction, error) {
	var (
		tx       model.WhaleTransaction
		network  string
		amount   string
		blockNum int64
	)
	err := row.Scan(
		&tx.TxHash,
		&tx.ID,
		&tx.CoinID,
		&network,
		&tx.FromAddress,
		&tx.ToAddress,
		&amount,
		&tx.USDValue,
		&blockNum,
		&tx.BlockTimestamp,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Network = types.Network(network)
	tx.BlockNumber = uint64(blockNum)
	tx.TokenAmount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse token amount %q: %w", amount, err)
	}
	tx.BlockTimestamp = tx.BlockTimestamp.UTC()
	tx.CreatedAt = tx.CreatedAt.UTC()
	return &tx, nil
}
