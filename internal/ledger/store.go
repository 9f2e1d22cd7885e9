package ledger

import "context"

// Store is durable keyed storage for the blocks of one ledger namespace.
// Blocks are keyed by Index; implementations must return LoadAll results in
// ascending index order.
type Store interface {
	// LoadAll returns every persisted block ordered by index ascending.
	LoadAll(ctx context.Context) ([]*Block, error)

	// FindByIndex returns the block stored at index, or ErrBlockNotFound.
	FindByIndex(ctx context.Context, index int) (*Block, error)

	// Insert persists a block that does not exist yet.
	Insert(ctx context.Context, b *Block) error

	// Update overwrites the stored fields of the block with the same index.
	Update(ctx context.Context, b *Block) error

	// Close releases any resources held by the store.
	Close() error
}
