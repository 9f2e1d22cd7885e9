package provenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ItemRepository stores the current state of tracked items in PostgreSQL.
type ItemRepository struct {
	db *pgxpool.Pool
}

// NewItemRepository creates a new ItemRepository.
func NewItemRepository(db *pgxpool.Pool) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, kind, blockchain_id, name, description, origin, expiry_date,
	quantity, price, parts, quality_score, image_url, created_at, updated_at`

// Create inserts a new item, assigning its ID and timestamps.
func (r *ItemRepository) Create(ctx context.Context, item *Item) error {
	item.ID = uuid.New()
	now := time.Now().UTC()
	item.CreatedAt = now
	item.UpdatedAt = now
	if item.Parts == nil {
		item.Parts = []string{}
	}

	query := `
		INSERT INTO items (` + itemColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.Exec(ctx, query,
		item.ID, item.Kind, item.BlockchainID, item.Name, item.Description,
		item.Origin, item.ExpiryDate, item.Quantity, item.Price, item.Parts,
		item.QualityScore, item.ImageURL, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// GetByBlockchainID retrieves an item of kind by its ledger identifier.
func (r *ItemRepository) GetByBlockchainID(ctx context.Context, kind Kind, blockchainID string) (*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE kind = $1 AND blockchain_id = $2`
	item, err := scanItem(r.db.QueryRow(ctx, query, kind, blockchainID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// List returns every item of kind, oldest first.
func (r *ItemRepository) List(ctx context.Context, kind Kind) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE kind = $1 ORDER BY created_at ASC`
	return r.query(ctx, query, kind)
}

// ListByBlockchainIDs returns the items of kind whose ledger identifier is in ids.
func (r *ItemRepository) ListByBlockchainIDs(ctx context.Context, kind Kind, ids []string) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE kind = $1 AND blockchain_id = ANY($2) ORDER BY created_at ASC`
	return r.query(ctx, query, kind, ids)
}

// Update overwrites the mutable fields of an item.
func (r *ItemRepository) Update(ctx context.Context, item *Item) error {
	item.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE items SET
			name = $2, description = $3, origin = $4, expiry_date = $5,
			quantity = $6, price = $7, parts = $8, quality_score = $9,
			image_url = $10, updated_at = $11
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query,
		item.ID, item.Name, item.Description, item.Origin, item.ExpiryDate,
		item.Quantity, item.Price, item.Parts, item.QualityScore,
		item.ImageURL, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the item of kind with the given ledger identifier.
func (r *ItemRepository) Delete(ctx context.Context, kind Kind, blockchainID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM items WHERE kind = $1 AND blockchain_id = $2`, kind, blockchainID)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ItemRepository) query(ctx context.Context, query string, args ...any) ([]*Item, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// scanItem reads one row in itemColumns order.
func scanItem(row pgx.Row) (*Item, error) {
	var item Item
	if err := row.Scan(
		&item.ID, &item.Kind, &item.BlockchainID, &item.Name, &item.Description,
		&item.Origin, &item.ExpiryDate, &item.Quantity, &item.Price, &item.Parts,
		&item.QualityScore, &item.ImageURL, &item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	return &item, nil
}

// RatingRepository stores customer ratings in PostgreSQL.
type RatingRepository struct {
	db *pgxpool.Pool
}

// NewRatingRepository creates a new RatingRepository.
func NewRatingRepository(db *pgxpool.Pool) *RatingRepository {
	return &RatingRepository{db: db}
}

// CreateRating inserts r, assigning its ID and creation time.
func (r *RatingRepository) CreateRating(ctx context.Context, rating *Rating) error {
	rating.ID = uuid.New()
	rating.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO ratings (id, kind, blockchain_id, food_quality, taste, ingredient_quality, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Exec(ctx, query,
		rating.ID, rating.Kind, rating.BlockchainID, rating.FoodQuality,
		rating.Taste, rating.IngredientQuality, rating.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

// ListRatings returns the ratings of one composite, oldest first.
func (r *RatingRepository) ListRatings(ctx context.Context, kind Kind, blockchainID string) ([]*Rating, error) {
	query := `
		SELECT id, kind, blockchain_id, food_quality, taste, ingredient_quality, created_at
		FROM ratings WHERE kind = $1 AND blockchain_id = $2
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, kind, blockchainID)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	defer rows.Close()

	var ratings []*Rating
	for rows.Next() {
		var rating Rating
		if err := rows.Scan(
			&rating.ID, &rating.Kind, &rating.BlockchainID, &rating.FoodQuality,
			&rating.Taste, &rating.IngredientQuality, &rating.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		ratings = append(ratings, &rating)
	}
	return ratings, rows.Err()
}
