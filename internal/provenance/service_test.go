package provenance_test

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/jmerrifield20/freshledger/internal/ledger"
	"github.com/jmerrifield20/freshledger/internal/provenance"
	"go.uber.org/zap"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *provenance.Service
	repo  *provenance.MemoryItemRepository
	store *ledger.MemoryStore
	led   *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := ledger.NewMemoryStore()
	led, err := ledger.New(context.Background(), store, "food", zap.NewNop())
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	led.SetClock(func() time.Time { return testNow })
	repo := provenance.NewMemoryItemRepository()
	svc := provenance.NewService(repo, led, zap.NewNop())
	svc.SetClock(func() time.Time { return testNow })
	return &fixture{svc: svc, repo: repo, store: store, led: led}
}

func date(t time.Time) provenance.Date { return provenance.Date{Time: t} }

func (f *fixture) addIngredient(t *testing.T, name string, expiresIn time.Duration) *provenance.Item {
	t.Helper()
	item, _, err := f.svc.AddPerishable(context.Background(), provenance.KindIngredient, &provenance.PerishableRequest{
		Name:        name,
		Description: name + " description",
		Origin:      "Farm",
		ExpiryDate:  date(testNow.Add(expiresIn)),
		Quantity:    10,
	})
	if err != nil {
		t.Fatalf("AddPerishable(%s): %v", name, err)
	}
	return item
}

func TestAddPerishable_RecordsFreshness(t *testing.T) {
	f := newFixture(t)
	item, tx, err := f.svc.AddPerishable(context.Background(), provenance.KindIngredient, &provenance.PerishableRequest{
		Name:        "Tomato",
		Description: "Red",
		Origin:      "Farm A",
		ExpiryDate:  date(testNow.Add(10 * 24 * time.Hour)),
		Quantity:    5,
	})
	if err != nil {
		t.Fatalf("AddPerishable: %v", err)
	}
	if len(item.BlockchainID) != 32 {
		t.Errorf("blockchain ID length = %d, want 32", len(item.BlockchainID))
	}
	if tx.QualityScore != 10 {
		t.Errorf("quality score = %v, want 10", tx.QualityScore)
	}

	rec, err := f.led.TransactionByBlockchainID(context.Background(), item.BlockchainID)
	if err != nil {
		t.Fatalf("TransactionByBlockchainID: %v", err)
	}
	if rec.Name != "Tomato" || rec.Action != nil {
		t.Errorf("unexpected ledger record: %+v", rec)
	}
	if f.led.Len() != 2 {
		t.Errorf("chain length = %d, want 2", f.led.Len())
	}
}

func TestAddPerishable_Validation(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.AddPerishable(context.Background(), provenance.KindIngredient, &provenance.PerishableRequest{
		Name: "Tomato",
	})
	if !errors.Is(err, provenance.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest, got %v", err)
	}
	_, _, err = f.svc.AddPerishable(context.Background(), provenance.KindDish, &provenance.PerishableRequest{})
	if !errors.Is(err, provenance.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for composite kind, got %v", err)
	}
}

func TestAddPerishable_LedgerFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.FailNext(1)

	_, _, err := f.svc.AddPerishable(context.Background(), provenance.KindIngredient, &provenance.PerishableRequest{
		Name:        "Tomato",
		Description: "Red",
		Origin:      "Farm",
		ExpiryDate:  date(testNow.Add(48 * time.Hour)),
		Quantity:    1,
	})
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	items, _ := f.repo.List(context.Background(), provenance.KindIngredient)
	if len(items) != 0 {
		t.Errorf("expected rollback to remove item, %d remain", len(items))
	}
}

func TestAddComposite_QualityScore(t *testing.T) {
	f := newFixture(t)
	// Recorded and current freshness: 10 for basil, 5 for cheese.
	fresh := f.addIngredient(t, "Basil", 10*24*time.Hour)
	older := f.addIngredient(t, "Cheese", 36*time.Hour)

	dish, tx, err := f.svc.AddComposite(context.Background(), provenance.KindDish, &provenance.CompositeRequest{
		Name:  "Pesto",
		Price: 12.5,
		Parts: []string{fresh.BlockchainID, older.BlockchainID},
	})
	if err != nil {
		t.Fatalf("AddComposite: %v", err)
	}
	// quality avg 7.5, freshness avg 7.5
	if dish.QualityScore != 7.5 {
		t.Errorf("quality score = %v, want 7.5", dish.QualityScore)
	}
	if !slices.Equal(tx.Ingredients, []string{fresh.BlockchainID, older.BlockchainID}) {
		t.Errorf("ingredients = %v", tx.Ingredients)
	}
}

func TestAddComposite_UnknownPart(t *testing.T) {
	f := newFixture(t)
	known := f.addIngredient(t, "Basil", 10*24*time.Hour)

	_, _, err := f.svc.AddComposite(context.Background(), provenance.KindDish, &provenance.CompositeRequest{
		Name:  "Pesto",
		Price: 10,
		Parts: []string{known.BlockchainID, "missing"},
	})
	if !errors.Is(err, provenance.ErrPartsNotFound) {
		t.Errorf("expected ErrPartsNotFound, got %v", err)
	}
}

func TestGet_QualityFromLedger(t *testing.T) {
	f := newFixture(t)
	item := f.addIngredient(t, "Tomato", 4*24*time.Hour)

	v, err := f.svc.Get(context.Background(), provenance.KindIngredient, item.BlockchainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.QualityScore == nil || *v.QualityScore != 8 {
		t.Errorf("quality score = %v, want 8", v.QualityScore)
	}
	if v.LedgerTimestamp != testNow.UnixMilli() {
		t.Errorf("ledger timestamp = %d, want %d", v.LedgerTimestamp, testNow.UnixMilli())
	}

	_, err = f.svc.Get(context.Background(), provenance.KindIngredient, "missing")
	if !errors.Is(err, provenance.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGet_NoLedgerRecord(t *testing.T) {
	f := newFixture(t)
	orphan := &provenance.Item{Kind: provenance.KindIngredient, BlockchainID: "orphan", Name: "Ghost"}
	if err := f.repo.Create(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}

	v, err := f.svc.Get(context.Background(), provenance.KindIngredient, "orphan")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.QualityScore != nil {
		t.Errorf("expected nil quality score, got %v", *v.QualityScore)
	}
	b, _ := json.Marshal(v)
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	if q, ok := out["qualityScore"]; !ok || q != nil {
		t.Errorf("qualityScore should render as null, got %v", out["qualityScore"])
	}
}

func TestUpdatePerishable_RecordsChange(t *testing.T) {
	f := newFixture(t)
	item := f.addIngredient(t, "Tomato", 10*24*time.Hour)

	res, err := f.svc.UpdatePerishable(context.Background(), provenance.KindIngredient, item.BlockchainID, &provenance.PerishableUpdate{
		Name:     "Cherry Tomato",
		Quantity: 10, // unchanged
	})
	if err != nil {
		t.Fatalf("UpdatePerishable: %v", err)
	}
	if !slices.Equal(res.UpdatedFields, []string{"name"}) {
		t.Errorf("updated fields = %v, want [name]", res.UpdatedFields)
	}
	if res.Transaction == nil || *res.Transaction.Action != ledger.ActionUpdate {
		t.Fatalf("expected update transaction, got %+v", res.Transaction)
	}
	if res.Transaction.PreviousState["name"] != "Tomato" {
		t.Errorf("previous name = %v", res.Transaction.PreviousState["name"])
	}

	// Lookups stay first-match.
	rec, _ := f.led.TransactionByBlockchainID(context.Background(), item.BlockchainID)
	if rec.Name != "Tomato" {
		t.Errorf("first record name = %q, want Tomato", rec.Name)
	}
	stored, _ := f.repo.GetByBlockchainID(context.Background(), provenance.KindIngredient, item.BlockchainID)
	if stored.Name != "Cherry Tomato" {
		t.Errorf("stored name = %q", stored.Name)
	}
}

func TestUpdatePerishable_NoChange(t *testing.T) {
	f := newFixture(t)
	item := f.addIngredient(t, "Tomato", 10*24*time.Hour)
	before := f.led.Len()

	res, err := f.svc.UpdatePerishable(context.Background(), provenance.KindIngredient, item.BlockchainID, &provenance.PerishableUpdate{
		Name: "Tomato",
	})
	if err != nil {
		t.Fatalf("UpdatePerishable: %v", err)
	}
	if len(res.UpdatedFields) != 0 || res.Transaction != nil {
		t.Errorf("expected no-op, got %+v", res)
	}
	if f.led.Len() != before {
		t.Errorf("chain grew from %d to %d", before, f.led.Len())
	}
}

func TestUpdatePerishable_LedgerFailureRestores(t *testing.T) {
	f := newFixture(t)
	item := f.addIngredient(t, "Tomato", 10*24*time.Hour)
	f.store.FailNext(1)

	_, err := f.svc.UpdatePerishable(context.Background(), provenance.KindIngredient, item.BlockchainID, &provenance.PerishableUpdate{
		Origin: "Farm B",
	})
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	stored, _ := f.repo.GetByBlockchainID(context.Background(), provenance.KindIngredient, item.BlockchainID)
	if stored.Origin != "Farm" {
		t.Errorf("origin = %q, want restored Farm", stored.Origin)
	}
}

func TestUpdateComposite_RecomputesQuality(t *testing.T) {
	f := newFixture(t)
	a := f.addIngredient(t, "Basil", 10*24*time.Hour)
	b := f.addIngredient(t, "Cheese", 12*time.Hour)

	dish, _, err := f.svc.AddComposite(context.Background(), provenance.KindDish, &provenance.CompositeRequest{
		Name: "Pesto", Price: 10, Parts: []string{a.BlockchainID},
	})
	if err != nil {
		t.Fatalf("AddComposite: %v", err)
	}

	res, err := f.svc.UpdateComposite(context.Background(), provenance.KindDish, dish.BlockchainID, &provenance.CompositeUpdate{
		Parts: []string{a.BlockchainID, b.BlockchainID},
	})
	if err != nil {
		t.Fatalf("UpdateComposite: %v", err)
	}
	if !slices.Equal(res.UpdatedFields, []string{"ingredients"}) {
		t.Errorf("updated fields = %v", res.UpdatedFields)
	}
	// quality (10+1)/2, freshness (10+1)/2
	if res.Item.QualityScore != 5.5 {
		t.Errorf("quality score = %v, want 5.5", res.Item.QualityScore)
	}
}

func TestDelete_RecordsDeletion(t *testing.T) {
	f := newFixture(t)
	item := f.addIngredient(t, "Tomato", 10*24*time.Hour)

	if _, err := f.svc.Delete(context.Background(), provenance.KindIngredient, item.BlockchainID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := f.repo.GetByBlockchainID(context.Background(), provenance.KindIngredient, item.BlockchainID); !errors.Is(err, provenance.ErrNotFound) {
		t.Errorf("expected item removed, got %v", err)
	}

	last := f.led.LastBlock()
	if len(last.Data) != 1 || last.Data[0].Action == nil || *last.Data[0].Action != ledger.ActionDelete {
		t.Errorf("last block does not hold a delete record: %+v", last.Data)
	}
}

func TestDelete_LedgerFailureKeepsItem(t *testing.T) {
	f := newFixture(t)
	item := f.addIngredient(t, "Tomato", 10*24*time.Hour)
	f.store.FailNext(1)

	if _, err := f.svc.Delete(context.Background(), provenance.KindIngredient, item.BlockchainID); err == nil {
		t.Fatal("expected error")
	}
	if _, err := f.repo.GetByBlockchainID(context.Background(), provenance.KindIngredient, item.BlockchainID); err != nil {
		t.Errorf("item should remain after failed ledger write: %v", err)
	}
}

func TestHistory_Composite(t *testing.T) {
	f := newFixture(t)
	a := f.addIngredient(t, "Basil", 10*24*time.Hour)
	dish, _, err := f.svc.AddComposite(context.Background(), provenance.KindDish, &provenance.CompositeRequest{
		Name: "Pesto", Price: 10, Parts: []string{a.BlockchainID},
	})
	if err != nil {
		t.Fatalf("AddComposite: %v", err)
	}
	if _, err := f.svc.UpdateComposite(context.Background(), provenance.KindDish, dish.BlockchainID, &provenance.CompositeUpdate{
		Price: 14,
	}); err != nil {
		t.Fatalf("UpdateComposite: %v", err)
	}

	h, err := f.svc.History(context.Background(), provenance.KindDish, dish.BlockchainID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if h.FirstRecord.Price != 10 || h.Current.Price != 14 {
		t.Errorf("prices first=%v current=%v", h.FirstRecord.Price, h.Current.Price)
	}
	if !slices.Equal(h.UpdatedFields, []string{"price"}) {
		t.Errorf("updated fields = %v", h.UpdatedFields)
	}
	if len(h.Parts) != 1 || h.Parts[0].FreshnessScore != 10 || h.Parts[0].QualityScore != 10 {
		t.Errorf("unexpected part history: %+v", h.Parts)
	}
}

func TestHistory_NotRecorded(t *testing.T) {
	f := newFixture(t)
	orphan := &provenance.Item{Kind: provenance.KindDish, BlockchainID: "orphan", Name: "Ghost"}
	if err := f.repo.Create(context.Background(), orphan); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.History(context.Background(), provenance.KindDish, "orphan")
	if !errors.Is(err, provenance.ErrNotRecorded) {
		t.Errorf("expected ErrNotRecorded, got %v", err)
	}
}

func TestList_CompositeRescoredAtReadTime(t *testing.T) {
	f := newFixture(t)
	basil := f.addIngredient(t, "Basil", 10*24*time.Hour)
	dish, _, err := f.svc.AddComposite(context.Background(), provenance.KindDish, &provenance.CompositeRequest{
		Name: "Pesto", Price: 10, Parts: []string{basil.BlockchainID},
	})
	if err != nil {
		t.Fatalf("AddComposite: %v", err)
	}
	if dish.QualityScore != 10 {
		t.Fatalf("quality at creation = %v, want 10", dish.QualityScore)
	}

	later := testNow.Add(8 * 24 * time.Hour)
	f.svc.SetClock(func() time.Time { return later })

	views, err := f.svc.List(context.Background(), provenance.KindDish)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 dish, got %d", len(views))
	}
	v := views[0]
	// recorded quality 10, freshness now 5 with two days left
	if v.QualityScore == nil || *v.QualityScore != 7.5 {
		t.Errorf("quality score = %v, want 7.5", v.QualityScore)
	}
	if len(v.Parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(v.Parts))
	}
	p := v.Parts[0]
	if p.Item.BlockchainID != basil.BlockchainID || p.FreshnessScore != 5 {
		t.Errorf("unexpected part view: %+v", p)
	}
	if p.QualityScore == nil || *p.QualityScore != 10 {
		t.Errorf("part quality = %v, want 10", p.QualityScore)
	}
	if p.LedgerTimestamp != testNow.UnixMilli() {
		t.Errorf("part ledger timestamp = %d, want %d", p.LedgerTimestamp, testNow.UnixMilli())
	}
}

func TestGet_CompositeWithoutRemainingParts(t *testing.T) {
	f := newFixture(t)
	basil := f.addIngredient(t, "Basil", 10*24*time.Hour)
	dish, _, err := f.svc.AddComposite(context.Background(), provenance.KindDish, &provenance.CompositeRequest{
		Name: "Pesto", Price: 10, Parts: []string{basil.BlockchainID},
	})
	if err != nil {
		t.Fatalf("AddComposite: %v", err)
	}
	if _, err := f.svc.Delete(context.Background(), provenance.KindIngredient, basil.BlockchainID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	v, err := f.svc.Get(context.Background(), provenance.KindDish, dish.BlockchainID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v.QualityScore != nil || len(v.Parts) != 0 {
		t.Errorf("expected unscored dish without parts, got quality=%v parts=%d", v.QualityScore, len(v.Parts))
	}
}
