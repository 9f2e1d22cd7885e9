package provenance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoRatings is returned when a composite has not been rated yet.
var ErrNoRatings = errors.New("no ratings found")

const (
	minRating = 1
	maxRating = 10
)

// Rating is one customer rating of a dish or product.
type Rating struct {
	ID                uuid.UUID `json:"id"                db:"id"`
	Kind              Kind      `json:"kind"              db:"kind"`
	BlockchainID      string    `json:"blockchainId"      db:"blockchain_id"`
	FoodQuality       int       `json:"foodQuality"       db:"food_quality"`
	Taste             int       `json:"taste"             db:"taste"`
	IngredientQuality int       `json:"ingredientQuality" db:"ingredient_quality"`
	CreatedAt         time.Time `json:"createdAt"         db:"created_at"`
}

// RatingRequest rates a composite on three dimensions, each an integer from
// 1 to 10.
type RatingRequest struct {
	FoodQuality       int `json:"foodQuality"`
	Taste             int `json:"taste"`
	IngredientQuality int `json:"ingredientQuality"`
}

func (r *RatingRequest) validate() error {
	for _, v := range []int{r.FoodQuality, r.Taste, r.IngredientQuality} {
		if v < minRating || v > maxRating {
			return fmt.Errorf("%w: ratings must be integers between %d and %d", ErrInvalidRequest, minRating, maxRating)
		}
	}
	return nil
}

// RatingSummary averages every rating of a composite. Percentages are the
// averages scaled to 100.
type RatingSummary struct {
	Count                    int     `json:"count"`
	AverageFoodQuality       float64 `json:"averageFoodQuality"`
	AverageTaste             float64 `json:"averageTaste"`
	AverageIngredientQuality float64 `json:"averageIngredientQuality"`
	FoodQualityPercent       float64 `json:"foodQualityPercent"`
	TastePercent             float64 `json:"tastePercent"`
	IngredientQualityPercent float64 `json:"ingredientQualityPercent"`
}

// ratingRepo is the persistence interface for ratings.
// *RatingRepository satisfies this interface.
type ratingRepo interface {
	CreateRating(ctx context.Context, r *Rating) error
	ListRatings(ctx context.Context, kind Kind, blockchainID string) ([]*Rating, error)
}

// RatingService collects customer ratings of dishes and products.
type RatingService struct {
	items   itemRepo
	ratings ratingRepo
	logger  *zap.Logger
}

// NewRatingService creates a new RatingService.
func NewRatingService(items itemRepo, ratings ratingRepo, logger *zap.Logger) *RatingService {
	return &RatingService{items: items, ratings: ratings, logger: logger}
}

// SubmitRating stores a rating of the composite identified by blockchainID.
func (s *RatingService) SubmitRating(ctx context.Context, kind Kind, blockchainID string, req *RatingRequest) (*Rating, error) {
	if !kind.Composite() {
		return nil, fmt.Errorf("%w: %s cannot be rated", ErrInvalidRequest, kind)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := s.items.GetByBlockchainID(ctx, kind, blockchainID); err != nil {
		return nil, err
	}

	r := &Rating{
		Kind:              kind,
		BlockchainID:      blockchainID,
		FoodQuality:       req.FoodQuality,
		Taste:             req.Taste,
		IngredientQuality: req.IngredientQuality,
	}
	if err := s.ratings.CreateRating(ctx, r); err != nil {
		return nil, fmt.Errorf("create rating: %w", err)
	}
	s.logger.Info("rating submitted",
		zap.String("kind", string(kind)),
		zap.String("blockchain_id", blockchainID),
	)
	return r, nil
}

// AverageRating summarises every rating of the composite identified by
// blockchainID. It returns ErrNoRatings when there are none.
func (s *RatingService) AverageRating(ctx context.Context, kind Kind, blockchainID string) (*RatingSummary, error) {
	ratings, err := s.ratings.ListRatings(ctx, kind, blockchainID)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	if len(ratings) == 0 {
		return nil, ErrNoRatings
	}

	var food, taste, ingredient float64
	for _, r := range ratings {
		food += float64(r.FoodQuality)
		taste += float64(r.Taste)
		ingredient += float64(r.IngredientQuality)
	}
	n := float64(len(ratings))
	sum := &RatingSummary{
		Count:                    len(ratings),
		AverageFoodQuality:       round2(food / n),
		AverageTaste:             round2(taste / n),
		AverageIngredientQuality: round2(ingredient / n),
	}
	sum.FoodQualityPercent = round2(food / n * 100 / maxRating)
	sum.TastePercent = round2(taste / n * 100 / maxRating)
	sum.IngredientQualityPercent = round2(ingredient / n * 100 / maxRating)
	return sum, nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
