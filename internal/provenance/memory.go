package provenance

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryItemRepository is an in-memory, thread-safe item repository for
// development runs without PostgreSQL.
type MemoryItemRepository struct {
	mu    sync.RWMutex
	items map[string]*Item
}

// NewMemoryItemRepository creates an empty MemoryItemRepository.
func NewMemoryItemRepository() *MemoryItemRepository {
	return &MemoryItemRepository{items: make(map[string]*Item)}
}

func cloneItem(i *Item) *Item {
	cp := *i
	cp.Parts = slices.Clone(i.Parts)
	if i.ExpiryDate != nil {
		e := *i.ExpiryDate
		cp.ExpiryDate = &e
	}
	return &cp
}

// Create inserts a new item, assigning its ID and timestamps.
func (r *MemoryItemRepository) Create(_ context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item.ID = uuid.New()
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Parts == nil {
		item.Parts = []string{}
	}
	r.items[item.BlockchainID] = cloneItem(item)
	return nil
}

// GetByBlockchainID retrieves an item of kind by its ledger identifier.
func (r *MemoryItemRepository) GetByBlockchainID(_ context.Context, kind Kind, blockchainID string) (*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[blockchainID]
	if !ok || item.Kind != kind {
		return nil, ErrNotFound
	}
	return cloneItem(item), nil
}

// List returns all items of kind, oldest first.
func (r *MemoryItemRepository) List(_ context.Context, kind Kind) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Item, 0)
	for _, item := range r.items {
		if item.Kind == kind {
			out = append(out, cloneItem(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListByBlockchainIDs returns the items of kind among ids. Unknown ids are
// skipped and duplicates collapse.
func (r *MemoryItemRepository) ListByBlockchainIDs(_ context.Context, kind Kind, ids []string) ([]*Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Item, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		item, ok := r.items[id]
		if !ok || item.Kind != kind || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, cloneItem(item))
	}
	return out, nil
}

// Update overwrites the mutable fields of an existing item.
func (r *MemoryItemRepository) Update(_ context.Context, item *Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.items[item.BlockchainID]
	if !ok || existing.Kind != item.Kind {
		return ErrNotFound
	}
	item.UpdatedAt = time.Now().UTC()
	r.items[item.BlockchainID] = cloneItem(item)
	return nil
}

// Delete removes an item of kind.
func (r *MemoryItemRepository) Delete(_ context.Context, kind Kind, blockchainID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[blockchainID]
	if !ok || item.Kind != kind {
		return ErrNotFound
	}
	delete(r.items, blockchainID)
	return nil
}

// MemoryRatingRepository is an in-memory, thread-safe rating repository.
type MemoryRatingRepository struct {
	mu      sync.RWMutex
	ratings []*Rating
}

// NewMemoryRatingRepository creates an empty MemoryRatingRepository.
func NewMemoryRatingRepository() *MemoryRatingRepository {
	return &MemoryRatingRepository{}
}

// CreateRating stores r, assigning its ID and creation time.
func (r *MemoryRatingRepository) CreateRating(_ context.Context, rating *Rating) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rating.ID = uuid.New()
	rating.CreatedAt = time.Now().UTC()
	cp := *rating
	r.ratings = append(r.ratings, &cp)
	return nil
}

// ListRatings returns the ratings of one composite, oldest first.
func (r *MemoryRatingRepository) ListRatings(_ context.Context, kind Kind, blockchainID string) ([]*Rating, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Rating, 0)
	for _, rating := range r.ratings {
		if rating.Kind == kind && rating.BlockchainID == blockchainID {
			cp := *rating
			out = append(out, &cp)
		}
	}
	return out, nil
}
