package provenance

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jmerrifield20/freshledger/internal/ledger"
	"go.uber.org/zap"
)

// itemRepo is the persistence interface for the provenance service.
// *ItemRepository satisfies this interface.
type itemRepo interface {
	Create(ctx context.Context, item *Item) error
	GetByBlockchainID(ctx context.Context, kind Kind, blockchainID string) (*Item, error)
	List(ctx context.Context, kind Kind) ([]*Item, error)
	ListByBlockchainIDs(ctx context.Context, kind Kind, ids []string) ([]*Item, error)
	Update(ctx context.Context, item *Item) error
	Delete(ctx context.Context, kind Kind, blockchainID string) error
}

// Recorder is the ledger surface used by producers.
// *ledger.Ledger satisfies this interface.
type Recorder interface {
	Submit(ctx context.Context, tx ledger.Transaction) (*ledger.Block, error)
	UpdateTransactionHistory(ctx context.Context, tx *ledger.Transaction) error
	TransactionByBlockchainID(ctx context.Context, id string) (*ledger.Transaction, error)
	Namespace() string
}

// Service records item lifecycle events in one ledger namespace while keeping
// current item state in the repository.
type Service struct {
	repo   itemRepo
	ledger Recorder
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a new Service.
func NewService(repo itemRepo, recorder Recorder, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		ledger: recorder,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock replaces the time source used for scoring and timestamps.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Namespace returns the ledger namespace the service records into.
func (s *Service) Namespace() string { return s.ledger.Namespace() }

// firstRecord returns the first ledger record for id, or nil when there is none.
func (s *Service) firstRecord(ctx context.Context, id string) (*ledger.Transaction, error) {
	tx, err := s.ledger.TransactionByBlockchainID(ctx, id)
	if errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger lookup %s: %w", id, err)
	}
	return tx, nil
}

// rollbackCreate removes an item whose creation could not be recorded.
func (s *Service) rollbackCreate(ctx context.Context, item *Item) {
	if err := s.repo.Delete(ctx, item.Kind, item.BlockchainID); err != nil {
		s.logger.Error("rollback of unrecorded item failed",
			zap.String("kind", string(item.Kind)),
			zap.String("blockchain_id", item.BlockchainID),
			zap.Error(err),
		)
	}
}

// AddPerishable creates an ingredient or product component and records it.
func (s *Service) AddPerishable(ctx context.Context, kind Kind, req *PerishableRequest) (*Item, *ledger.Transaction, error) {
	if kind.Composite() {
		return nil, nil, fmt.Errorf("%w: %s is not perishable", ErrInvalidRequest, kind)
	}
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	blockchainID, err := generateBlockchainID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate blockchain ID: %w", err)
	}
	expiry := req.ExpiryDate.UTC()
	item := &Item{
		Kind:         kind,
		BlockchainID: blockchainID,
		Name:         req.Name,
		Description:  req.Description,
		Origin:       req.Origin,
		ExpiryDate:   &expiry,
		Quantity:     req.Quantity,
	}
	if err := s.repo.Create(ctx, item); err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", kind, err)
	}

	now := s.now()
	tx := ledger.Transaction{
		Name:         item.Name,
		Description:  item.Description,
		Origin:       item.Origin,
		ExpiryDate:   item.expiryString(),
		Quantity:     item.Quantity,
		BlockchainID: item.BlockchainID,
		QualityScore: float64(FreshnessScore(expiry, now)),
		Timestamp:    now.UnixMilli(),
	}
	if _, err := s.ledger.Submit(ctx, tx); err != nil {
		s.rollbackCreate(ctx, item)
		return nil, nil, fmt.Errorf("record %s: %w", kind, err)
	}

	s.logger.Info("item recorded",
		zap.String("kind", string(kind)),
		zap.String("blockchain_id", item.BlockchainID),
	)
	return item, &tx, nil
}

// AddComposite creates a dish or product from existing parts and records it.
func (s *Service) AddComposite(ctx context.Context, kind Kind, req *CompositeRequest) (*Item, *ledger.Transaction, error) {
	if !kind.Composite() {
		return nil, nil, fmt.Errorf("%w: %s is not a composite", ErrInvalidRequest, kind)
	}
	if err := req.validate(); err != nil {
		return nil, nil, err
	}

	parts := slices.Clone(req.Parts)
	quality, err := s.compositeQuality(ctx, kind.PartKind(), parts)
	if err != nil {
		return nil, nil, err
	}

	blockchainID, err := generateBlockchainID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate blockchain ID: %w", err)
	}
	item := &Item{
		Kind:         kind,
		BlockchainID: blockchainID,
		Name:         req.Name,
		Price:        req.Price,
		Parts:        parts,
		QualityScore: quality,
		ImageURL:     req.ImageURL,
	}
	if err := s.repo.Create(ctx, item); err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", kind, err)
	}

	tx := ledger.Transaction{
		Name:         item.Name,
		Price:        item.Price,
		Ingredients:  slices.Clone(item.Parts),
		QualityScore: item.QualityScore,
		BlockchainID: item.BlockchainID,
		Timestamp:    s.now().UnixMilli(),
	}
	if _, err := s.ledger.Submit(ctx, tx); err != nil {
		s.rollbackCreate(ctx, item)
		return nil, nil, fmt.Errorf("record %s: %w", kind, err)
	}

	s.logger.Info("item recorded",
		zap.String("kind", string(kind)),
		zap.String("blockchain_id", item.BlockchainID),
		zap.Float64("quality_score", quality),
	)
	return item, &tx, nil
}

// compositeQuality scores the parts a composite is about to be built from.
func (s *Service) compositeQuality(ctx context.Context, partKind Kind, ids []string) (float64, error) {
	parts, err := s.repo.ListByBlockchainIDs(ctx, partKind, ids)
	if err != nil {
		return 0, fmt.Errorf("load parts: %w", err)
	}
	if len(parts) == 0 || len(parts) != len(uniqueStrings(ids)) {
		return 0, ErrPartsNotFound
	}
	_, quality, err := s.scoreParts(ctx, parts, s.now())
	return quality, err
}

// scoreParts averages the first recorded quality score of every part with its
// freshness at now. Parts without a ledger record count as zero quality.
func (s *Service) scoreParts(ctx context.Context, parts []*Item, now time.Time) ([]PartView, float64, error) {
	views := make([]PartView, 0, len(parts))
	var totalQuality, totalFreshness float64
	for _, part := range parts {
		rec, err := s.firstRecord(ctx, part.BlockchainID)
		if err != nil {
			return nil, 0, err
		}
		pv := PartView{Item: part, FreshnessScore: itemFreshness(part, now), first: rec}
		if rec != nil {
			q := rec.QualityScore
			pv.QualityScore = &q
			pv.LedgerTimestamp = rec.Timestamp
			totalQuality += q
		}
		totalFreshness += float64(pv.FreshnessScore)
		views = append(views, pv)
	}
	if len(parts) == 0 {
		return views, 0, nil
	}
	n := float64(len(parts))
	return views, (totalQuality/n + totalFreshness/n) / 2, nil
}

// view attaches the ledger's knowledge of item to it. Perishables score their
// current freshness; composites are rescored from their remaining parts.
func (s *Service) view(ctx context.Context, item *Item) (*ItemView, error) {
	rec, err := s.firstRecord(ctx, item.BlockchainID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	v := &ItemView{Item: item}

	score := float64(itemFreshness(item, now))
	if item.Kind.Composite() {
		parts, err := s.repo.ListByBlockchainIDs(ctx, item.Kind.PartKind(), item.Parts)
		if err != nil {
			return nil, fmt.Errorf("load parts: %w", err)
		}
		v.Parts, score, err = s.scoreParts(ctx, parts, now)
		if err != nil {
			return nil, err
		}
		if len(parts) == 0 {
			s.logger.Warn("no parts remain for composite",
				zap.String("kind", string(item.Kind)),
				zap.String("name", item.Name),
			)
			return v, nil
		}
	}

	if rec == nil {
		s.logger.Warn("ledger data not found for item",
			zap.String("kind", string(item.Kind)),
			zap.String("name", item.Name),
		)
		return v, nil
	}
	v.QualityScore = &score
	v.LedgerTimestamp = rec.Timestamp
	return v, nil
}

// Get returns an item with its ledger-derived quality score.
func (s *Service) Get(ctx context.Context, kind Kind, blockchainID string) (*ItemView, error) {
	item, err := s.repo.GetByBlockchainID(ctx, kind, blockchainID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, item)
}

// List returns every item of kind with its ledger-derived quality score.
func (s *Service) List(ctx context.Context, kind Kind) ([]*ItemView, error) {
	items, err := s.repo.List(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kind, err)
	}
	views := make([]*ItemView, 0, len(items))
	for _, item := range items {
		v, err := s.view(ctx, item)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

// UpdatePerishable applies req to an ingredient or product component and
// records the change. A request that changes nothing writes nothing.
func (s *Service) UpdatePerishable(ctx context.Context, kind Kind, blockchainID string, req *PerishableUpdate) (*UpdateResult, error) {
	item, err := s.repo.GetByBlockchainID(ctx, kind, blockchainID)
	if err != nil {
		return nil, err
	}
	before := *item

	var updated []string
	if req.Name != "" && req.Name != item.Name {
		item.Name = req.Name
		updated = append(updated, "name")
	}
	if req.Description != "" && req.Description != item.Description {
		item.Description = req.Description
		updated = append(updated, "description")
	}
	if req.Origin != "" && req.Origin != item.Origin {
		item.Origin = req.Origin
		updated = append(updated, "origin")
	}
	if req.ExpiryDate != nil && !req.ExpiryDate.IsZero() &&
		(item.ExpiryDate == nil || !req.ExpiryDate.Equal(*item.ExpiryDate)) {
		expiry := req.ExpiryDate.UTC()
		item.ExpiryDate = &expiry
		updated = append(updated, "expiryDate")
	}
	if req.Quantity != 0 && req.Quantity != item.Quantity {
		item.Quantity = req.Quantity
		updated = append(updated, "quantity")
	}

	if len(updated) == 0 {
		return &UpdateResult{Item: item, UpdatedFields: []string{}}, nil
	}

	rec, err := s.firstRecord(ctx, item.BlockchainID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotRecorded
	}

	if err := s.repo.Update(ctx, item); err != nil {
		return nil, fmt.Errorf("update %s: %w", kind, err)
	}

	now := s.now()
	tx := &ledger.Transaction{
		BlockchainID:  item.BlockchainID,
		Name:          item.Name,
		Description:   item.Description,
		Origin:        item.Origin,
		ExpiryDate:    item.expiryString(),
		Quantity:      item.Quantity,
		QualityScore:  float64(itemFreshness(item, now)),
		Timestamp:     now.UnixMilli(),
		Action:        ledger.Action(ledger.ActionUpdate),
		UpdatedFields: updated,
		PreviousState: map[string]any{
			"name":        before.Name,
			"description": before.Description,
			"origin":      before.Origin,
			"expiryDate":  before.expiryString(),
			"quantity":    before.Quantity,
		},
	}
	if err := s.recordUpdate(ctx, &before, tx); err != nil {
		return nil, err
	}
	return &UpdateResult{Item: item, UpdatedFields: updated, Transaction: tx}, nil
}

// UpdateComposite applies req to a dish or product, recomputes its quality
// and records the change.
func (s *Service) UpdateComposite(ctx context.Context, kind Kind, blockchainID string, req *CompositeUpdate) (*UpdateResult, error) {
	item, err := s.repo.GetByBlockchainID(ctx, kind, blockchainID)
	if err != nil {
		return nil, err
	}
	before := *item
	before.Parts = slices.Clone(item.Parts)

	var updated []string
	if req.Name != "" && req.Name != item.Name {
		item.Name = req.Name
		updated = append(updated, "name")
	}
	if req.Price != 0 && req.Price != item.Price {
		item.Price = req.Price
		updated = append(updated, "price")
	}
	if req.Parts != nil && !slices.Equal(req.Parts, item.Parts) {
		item.Parts = slices.Clone(req.Parts)
		updated = append(updated, "ingredients")
	}
	if req.ImageURL != "" && req.ImageURL != item.ImageURL {
		item.ImageURL = req.ImageURL
		updated = append(updated, "imageUrl")
	}

	if len(updated) == 0 {
		return &UpdateResult{Item: item, UpdatedFields: []string{}}, nil
	}

	quality, err := s.compositeQuality(ctx, kind.PartKind(), item.Parts)
	if err != nil {
		return nil, err
	}
	item.QualityScore = quality

	if err := s.repo.Update(ctx, item); err != nil {
		return nil, fmt.Errorf("update %s: %w", kind, err)
	}

	tx := &ledger.Transaction{
		BlockchainID:  item.BlockchainID,
		Action:        ledger.Action(ledger.ActionUpdate),
		Name:          item.Name,
		Price:         item.Price,
		Ingredients:   slices.Clone(item.Parts),
		QualityScore:  item.QualityScore,
		UpdatedFields: updated,
		PreviousState: map[string]any{
			"name":        before.Name,
			"price":       before.Price,
			"ingredients": before.Parts,
		},
		Timestamp: s.now().UnixMilli(),
	}
	if err := s.recordUpdate(ctx, &before, tx); err != nil {
		return nil, err
	}
	return &UpdateResult{Item: item, UpdatedFields: updated, Transaction: tx}, nil
}

// recordUpdate appends tx to the ledger, restoring the previous item state
// when the ledger write fails.
func (s *Service) recordUpdate(ctx context.Context, before *Item, tx *ledger.Transaction) error {
	if err := s.ledger.UpdateTransactionHistory(ctx, tx); err != nil {
		if rerr := s.repo.Update(ctx, before); rerr != nil {
			s.logger.Error("restore of unrecorded update failed",
				zap.String("blockchain_id", before.BlockchainID),
				zap.Error(rerr),
			)
		}
		return fmt.Errorf("record %s update: %w", before.Kind, err)
	}
	s.logger.Info("item update recorded",
		zap.String("kind", string(before.Kind)),
		zap.String("blockchain_id", before.BlockchainID),
		zap.Strings("updated_fields", tx.UpdatedFields),
	)
	return nil
}

// Delete records the deletion of an item, then removes it from the repository.
func (s *Service) Delete(ctx context.Context, kind Kind, blockchainID string) (*Item, error) {
	item, err := s.repo.GetByBlockchainID(ctx, kind, blockchainID)
	if err != nil {
		return nil, err
	}

	tx := ledger.Transaction{
		BlockchainID: item.BlockchainID,
		Action:       ledger.Action(ledger.ActionDelete),
		Timestamp:    s.now().UnixMilli(),
	}
	if _, err := s.ledger.Submit(ctx, tx); err != nil {
		return nil, fmt.Errorf("record %s deletion: %w", kind, err)
	}
	if err := s.repo.Delete(ctx, kind, blockchainID); err != nil {
		return nil, fmt.Errorf("delete %s: %w", kind, err)
	}

	s.logger.Info("item deletion recorded",
		zap.String("kind", string(kind)),
		zap.String("blockchain_id", blockchainID),
	)
	return item, nil
}

// History compares the first ledger record of an item with its current state,
// including the history of every part for composites.
func (s *Service) History(ctx context.Context, kind Kind, blockchainID string) (*History, error) {
	item, err := s.repo.GetByBlockchainID(ctx, kind, blockchainID)
	if err != nil {
		return nil, err
	}
	first, err := s.firstRecord(ctx, item.BlockchainID)
	if err != nil {
		return nil, err
	}
	if first == nil {
		return nil, ErrNotRecorded
	}

	now := s.now()
	h := &History{Item: item, FirstRecord: first}

	if !kind.Composite() {
		h.Current = ledger.Transaction{
			BlockchainID: item.BlockchainID,
			Name:         item.Name,
			Description:  item.Description,
			Origin:       item.Origin,
			ExpiryDate:   item.expiryString(),
			Quantity:     item.Quantity,
			QualityScore: float64(itemFreshness(item, now)),
			Timestamp:    now.UnixMilli(),
		}
		h.UpdatedFields = diffPerishable(first, &h.Current)
		return h, nil
	}

	parts, err := s.repo.ListByBlockchainIDs(ctx, kind.PartKind(), item.Parts)
	if err != nil {
		return nil, fmt.Errorf("load parts: %w", err)
	}
	scored, quality, err := s.scoreParts(ctx, parts, now)
	if err != nil {
		return nil, err
	}
	for _, pv := range scored {
		ph := PartHistory{Item: pv.Item, FirstRecord: pv.first, FreshnessScore: pv.FreshnessScore}
		if pv.QualityScore != nil {
			ph.QualityScore = *pv.QualityScore
		}
		h.Parts = append(h.Parts, ph)
	}
	h.Current = ledger.Transaction{
		BlockchainID: item.BlockchainID,
		Name:         item.Name,
		Price:        item.Price,
		Ingredients:  slices.Clone(item.Parts),
		QualityScore: quality,
		Timestamp:    now.UnixMilli(),
	}
	h.UpdatedFields = diffComposite(first, &h.Current)
	return h, nil
}

func diffPerishable(first, current *ledger.Transaction) []string {
	fields := []string{}
	if first.Name != current.Name {
		fields = append(fields, "name")
	}
	if first.Description != current.Description {
		fields = append(fields, "description")
	}
	if first.Origin != current.Origin {
		fields = append(fields, "origin")
	}
	if first.ExpiryDate != current.ExpiryDate {
		fields = append(fields, "expiryDate")
	}
	if first.Quantity != current.Quantity {
		fields = append(fields, "quantity")
	}
	return fields
}

func diffComposite(first, current *ledger.Transaction) []string {
	fields := []string{}
	if first.Name != current.Name {
		fields = append(fields, "name")
	}
	if first.Price != current.Price {
		fields = append(fields, "price")
	}
	if !slices.Equal(first.Ingredients, current.Ingredients) {
		fields = append(fields, "ingredients")
	}
	return fields
}

// generateBlockchainID returns a random 16-byte hex token.
func generateBlockchainID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
