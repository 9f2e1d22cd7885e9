//go:build !race

// badger v1.6.0 trips checkptr inside its bloom filter dependency under the
// race detector, so these tests only run in normal builds.

package ledger_test

import (
	"errors"
	"testing"

	"github.com/jmerrifield20/freshledger/internal/ledger"
	"go.uber.org/zap"
)

func TestBadgerStore_persistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := ledger.OpenBadgerStore(dir, "products")
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.New(ctx, store, "products", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 12; i++ {
		if _, err := l.Submit(ctx, ledger.Transaction{BlockchainID: "component", Quantity: float64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	want := l.Blockchain()
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := ledger.OpenBadgerStore(dir, "products")
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	blocks, err := reopened.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != len(want) {
		t.Fatalf("expected %d blocks, got %d", len(want), len(blocks))
	}
	for i, b := range blocks {
		if b.Index != i || b.Hash != want[i].Hash {
			t.Errorf("block %d: got index %d hash %q, want hash %q", i, b.Index, b.Hash, want[i].Hash)
		}
	}
	if err := ledger.VerifyChain(blocks); err != nil {
		t.Errorf("reopened chain does not verify: %v", err)
	}
}

func TestBadgerStore_namespacesAreIsolated(t *testing.T) {
	db, err := ledger.OpenBadger(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	food, err := ledger.New(ctx, ledger.NewBadgerStore(db, "food"), "food", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	products, err := ledger.New(ctx, ledger.NewBadgerStore(db, "products"), "products", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	_, _ = food.Submit(ctx, ledger.Transaction{BlockchainID: "tomato"})
	if _, err := products.TransactionByBlockchainID(ctx, "tomato"); !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Errorf("products ledger sees food transaction: %v", err)
	}
	if products.Len() != 1 {
		t.Errorf("products chain: got %d blocks, want 1", products.Len())
	}
}

func TestBadgerStore_findMissing(t *testing.T) {
	store, err := ledger.OpenBadgerStore(t.TempDir(), "food")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if _, err := store.FindByIndex(ctx, 7); !errors.Is(err, ledger.ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
	if err := store.Update(ctx, &ledger.Block{Index: 7}); !errors.Is(err, ledger.ErrBlockNotFound) {
		t.Errorf("update missing: expected ErrBlockNotFound, got %v", err)
	}
}
