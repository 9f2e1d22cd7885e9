package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore persists the blocks of one namespace to the ledger_blocks
// table, keyed by (namespace, idx). It implements the Store interface.
type PostgresStore struct {
	pool      *pgxpool.Pool
	namespace string
	logger    *zap.Logger
}

// NewPostgresStore creates a PostgresStore for namespace backed by pool.
// The pool is owned by the caller; Close does not close it.
func NewPostgresStore(pool *pgxpool.Pool, namespace string, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, namespace: namespace, logger: logger}
}

// LoadAll implements Store.
func (s *PostgresStore) LoadAll(ctx context.Context) ([]*Block, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT idx, timestamp, data, prev_hash, hash
		 FROM ledger_blocks WHERE namespace = $1 ORDER BY idx ASC`, s.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("query ledger blocks: %w", err)
	}
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// FindByIndex implements Store.
func (s *PostgresStore) FindByIndex(ctx context.Context, index int) (*Block, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT idx, timestamp, data, prev_hash, hash
		 FROM ledger_blocks WHERE namespace = $1 AND idx = $2`, s.namespace, index,
	)
	b, err := scanBlock(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBlockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger block %d: %w", index, err)
	}
	return b, nil
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, b *Block) error {
	data, err := json.Marshal(b.Data)
	if err != nil {
		return fmt.Errorf("marshal block data: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_blocks (namespace, idx, timestamp, data, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.namespace, b.Index, b.Timestamp, data, b.PreviousHash, b.Hash,
	); err != nil {
		return fmt.Errorf("insert ledger block %d: %w", b.Index, err)
	}
	s.logger.Debug("ledger block inserted",
		zap.String("namespace", s.namespace),
		zap.Int("idx", b.Index),
	)
	return nil
}

// Update implements Store.
func (s *PostgresStore) Update(ctx context.Context, b *Block) error {
	data, err := json.Marshal(b.Data)
	if err != nil {
		return fmt.Errorf("marshal block data: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ledger_blocks SET timestamp = $3, data = $4, prev_hash = $5, hash = $6
		 WHERE namespace = $1 AND idx = $2`,
		s.namespace, b.Index, b.Timestamp, data, b.PreviousHash, b.Hash,
	)
	if err != nil {
		return fmt.Errorf("update ledger block %d: %w", b.Index, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBlockNotFound
	}
	return nil
}

// Close implements Store.
func (s *PostgresStore) Close() error { return nil }

// scanBlock reads one ledger_blocks row.
// Column order: idx, timestamp, data, prev_hash, hash.
func scanBlock(row pgx.Row) (*Block, error) {
	var (
		b    Block
		data []byte
	)
	if err := row.Scan(&b.Index, &b.Timestamp, &data, &b.PreviousHash, &b.Hash); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &b.Data); err != nil {
			return nil, fmt.Errorf("decode block %d data: %w", b.Index, err)
		}
	}
	b.normalize()
	return &b, nil
}
