package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SealHook is invoked after a block has been sealed, persisted and reloaded.
// Hook failures are logged and never fail the seal.
//
// Hooks run in seal order while the ledger lock is held, so every other read
// and write on the ledger waits for them; a hook must bound its own work. The
// context keeps the caller's values but is never cancelled by the caller.
type SealHook func(ctx context.Context, namespace string, b *Block) error

// Ledger owns the in-memory chain and pending buffer of one namespace.
//
// All operations are serialized by a single mutex that is held across store
// I/O, so a queued transaction and the seal that includes it can never
// interleave with another writer on the same instance.
type Ledger struct {
	mu        sync.Mutex
	namespace string
	store     Store
	logger    *zap.Logger
	chain     []*Block
	pending   []Transaction
	hooks     []SealHook
	now       func() time.Time
}

// New loads the chain of namespace from store, creating and persisting the
// genesis block when the store is empty. The returned Ledger is ready for use;
// a store failure returns an error wrapping ErrStoreUnavailable.
func New(ctx context.Context, store Store, namespace string, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{
		namespace: namespace,
		store:     store,
		logger:    logger.With(zap.String("namespace", namespace)),
		now:       time.Now,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		return nil, err
	}
	if len(l.chain) == 0 {
		if err := l.createGenesis(ctx); err != nil {
			return nil, err
		}
		l.logger.Info("ledger genesis block created", zap.String("hash", l.chain[0].Hash))
		return l, nil
	}

	l.logger.Info("ledger loaded",
		zap.Int("blocks", len(l.chain)),
		zap.String("root", l.chain[len(l.chain)-1].Hash),
	)
	return l, nil
}

// SetClock replaces the time source used for block and transaction timestamps.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AddSealHook registers fn to run after every successful seal.
func (l *Ledger) AddSealHook(fn SealHook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Namespace returns the namespace this ledger was created for.
func (l *Ledger) Namespace() string { return l.namespace }

func (l *Ledger) createGenesis(ctx context.Context) error {
	genesis, err := newBlock(0, millis(l.now()), nil, nil)
	if err != nil {
		return err
	}
	l.chain = append(l.chain, genesis)
	return l.save(ctx)
}

// CreateNewTransaction queues tx in the pending buffer and returns its
// position. Nothing is persisted until the next AddBlock.
func (l *Ledger) CreateNewTransaction(tx Transaction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.createNewTransaction(tx)
}

func (l *Ledger) createNewTransaction(tx Transaction) int {
	l.pending = append(l.pending, tx.Clone())
	return len(l.pending) - 1
}

// AddBlock seals the pending buffer into a new block chained to the last one,
// persists the whole chain and reloads it from the store. An empty buffer
// still produces a block with empty data.
//
// If persistence fails the block stays in the in-memory chain; the next
// successful save writes it out.
func (l *Ledger) AddBlock(ctx context.Context) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addBlock(ctx)
}

func (l *Ledger) addBlock(ctx context.Context) (*Block, error) {
	prev := l.chain[len(l.chain)-1]
	if len(l.pending) == 0 {
		l.logger.Warn("no pending transactions, sealing empty block", zap.Int("index", len(l.chain)))
	}

	data := make([]Transaction, len(l.pending))
	copy(data, l.pending)

	b, err := newBlock(len(l.chain), millis(l.now()), data, prev)
	if err != nil {
		return nil, err
	}
	l.pending = nil
	l.chain = append(l.chain, b)

	if err := l.save(ctx); err != nil {
		return nil, err
	}
	if err := l.load(ctx); err != nil {
		return nil, err
	}

	l.logger.Debug("block sealed",
		zap.Int("index", b.Index),
		zap.Int("transactions", len(b.Data)),
		zap.String("hash", b.Hash),
	)

	sealed := b.Clone()
	if b.Index < len(l.chain) {
		sealed = l.chain[b.Index].Clone()
	}
	hookCtx := context.WithoutCancel(ctx)
	for _, hook := range l.hooks {
		if err := hook(hookCtx, l.namespace, sealed.Clone()); err != nil {
			l.logger.Error("seal hook failed (non-fatal)", zap.Int("index", b.Index), zap.Error(err))
		}
	}
	return sealed, nil
}

// Submit queues tx and seals it into its own block as one logical append.
func (l *Ledger) Submit(ctx context.Context, tx Transaction) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.createNewTransaction(tx)
	return l.addBlock(ctx)
}

// UpdateTransactionHistory normalizes tx into canonical history shape and
// appends it in a block of its own. tx must carry a blockchain ID.
func (l *Ledger) UpdateTransactionHistory(ctx context.Context, tx *Transaction) error {
	if tx == nil || tx.BlockchainID == "" {
		return ErrInvalidTransaction
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.createNewTransaction(tx.Normalized(l.now()))
	_, err := l.addBlock(ctx)
	return err
}

// Save upserts every in-memory block into the store by index.
func (l *Ledger) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.save(ctx)
}

// save is not transactional across blocks: a failure part-way leaves the
// earlier blocks written.
func (l *Ledger) save(ctx context.Context) error {
	for _, b := range l.chain {
		_, err := l.store.FindByIndex(ctx, b.Index)
		switch {
		case errors.Is(err, ErrBlockNotFound):
			if err := l.store.Insert(ctx, b); err != nil {
				return fmt.Errorf("%w: insert block %d: %w", ErrStoreUnavailable, b.Index, err)
			}
		case err != nil:
			return fmt.Errorf("%w: find block %d: %w", ErrStoreUnavailable, b.Index, err)
		default:
			if err := l.store.Update(ctx, b); err != nil {
				return fmt.Errorf("%w: update block %d: %w", ErrStoreUnavailable, b.Index, err)
			}
		}
	}
	return nil
}

// Load replaces the in-memory chain with the stored one. An empty store leaves
// the in-memory chain untouched.
func (l *Ledger) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load(ctx)
}

func (l *Ledger) load(ctx context.Context) error {
	blocks, err := l.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load blocks: %w", ErrStoreUnavailable, err)
	}
	if len(blocks) == 0 {
		return nil
	}
	for _, b := range blocks {
		b.normalize()
	}
	l.chain = blocks
	return nil
}

// LastBlock returns a copy of the chain tip, or nil for an uninitialised chain.
func (l *Ledger) LastBlock() *Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.chain) == 0 {
		return nil
	}
	return l.chain[len(l.chain)-1].Clone()
}

// Blockchain returns a snapshot of the in-memory chain without reloading.
func (l *Ledger) Blockchain() []*Block {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Block, len(l.chain))
	for i, b := range l.chain {
		out[i] = b.Clone()
	}
	return out
}

// Block returns a copy of the in-memory block at index.
func (l *Ledger) Block(index int) (*Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.chain) {
		return nil, fmt.Errorf("block %d: %w", index, ErrBlockNotFound)
	}
	return l.chain[index].Clone(), nil
}

// TransactionByBlockchainID reloads the chain and returns the first
// transaction, in chain order, whose blockchain ID equals id. Later records
// for the same ID never replace the first one.
func (l *Ledger) TransactionByBlockchainID(ctx context.Context, id string) (*Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, ErrTransactionNotFound
	}
	for _, b := range l.chain {
		for _, tx := range b.Data {
			if tx.BlockchainID == id {
				found := tx.Clone()
				return &found, nil
			}
		}
	}
	return nil, ErrTransactionNotFound
}

// AllTransactions reloads the chain and returns every transaction in chain order.
func (l *Ledger) AllTransactions(ctx context.Context) ([]Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		return nil, err
	}
	var out []Transaction
	for _, b := range l.chain {
		for _, tx := range b.Data {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

// Verify reloads the chain and checks every hash link and digest.
func (l *Ledger) Verify(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(ctx); err != nil {
		return err
	}
	return VerifyChain(l.chain)
}

// VerifyChain checks that blocks form a consistent chain starting at genesis.
func VerifyChain(blocks []*Block) error {
	for i, curr := range blocks {
		if curr.Index != i {
			return fmt.Errorf("%w: block at position %d has index %d", ErrChainBroken, i, curr.Index)
		}
		if i == 0 {
			if curr.PreviousHash != GenesisPreviousHash {
				return fmt.Errorf("%w: genesis block has previous hash %q", ErrChainBroken, curr.PreviousHash)
			}
			if len(curr.Data) != 0 {
				return fmt.Errorf("%w: genesis block carries data", ErrChainBroken)
			}
		} else if curr.PreviousHash != blocks[i-1].Hash {
			return fmt.Errorf("%w: at index %d", ErrChainBroken, curr.Index)
		}

		want, err := computeHash(curr)
		if err != nil {
			return err
		}
		if curr.Hash != want {
			return fmt.Errorf("%w: block %d has invalid hash", ErrChainBroken, curr.Index)
		}
	}
	return nil
}

// Len returns the number of blocks in the in-memory chain, genesis included.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chain)
}

// Root returns the hash of the chain tip.
func (l *Ledger) Root() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.chain) == 0 {
		return ""
	}
	return l.chain[len(l.chain)-1].Hash
}

// Pending returns the number of queued, unsealed transactions.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
