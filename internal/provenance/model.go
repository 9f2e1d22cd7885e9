package provenance

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/freshledger/internal/ledger"
)

var (
	// ErrNotFound is returned when an item does not exist.
	ErrNotFound = errors.New("item not found")

	// ErrInvalidRequest is returned when a create or update request is malformed.
	ErrInvalidRequest = errors.New("invalid item request")

	// ErrPartsNotFound is returned when a composite references unknown parts.
	ErrPartsNotFound = errors.New("some parts not found")

	// ErrNotRecorded is returned when an item exists but the ledger holds no
	// record for it.
	ErrNotRecorded = errors.New("ledger data not found for item")
)

// Kind identifies the type of tracked item.
type Kind string

const (
	KindIngredient Kind = "ingredient"
	KindDish       Kind = "dish"
	KindComponent  Kind = "component"
	KindProduct    Kind = "product"
)

// Composite reports whether items of this kind are assembled from parts.
func (k Kind) Composite() bool {
	return k == KindDish || k == KindProduct
}

// PartKind returns the kind of the parts a composite is built from.
// Perishable kinds return themselves.
func (k Kind) PartKind() Kind {
	switch k {
	case KindDish:
		return KindIngredient
	case KindProduct:
		return KindComponent
	default:
		return k
	}
}

// Date is a calendar date or timestamp accepted as "2006-01-02" or RFC 3339.
type Date struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		d.Time = time.Time{}
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognised date %q", s)
}

// MarshalJSON implements json.Marshaler.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(d.UTC().Format(time.RFC3339))
}

// Item is the current state of a tracked item. The ledger keeps its history.
type Item struct {
	ID           uuid.UUID  `json:"id"                     db:"id"`
	Kind         Kind       `json:"kind"                   db:"kind"`
	BlockchainID string     `json:"blockchainId"           db:"blockchain_id"`
	Name         string     `json:"name"                   db:"name"`
	Description  string     `json:"description,omitempty"  db:"description"`
	Origin       string     `json:"origin,omitempty"       db:"origin"`
	ExpiryDate   *time.Time `json:"expiryDate,omitempty"   db:"expiry_date"`
	Quantity     float64    `json:"quantity,omitempty"     db:"quantity"`
	Price        float64    `json:"price,omitempty"        db:"price"`
	Parts        []string   `json:"ingredients,omitempty"  db:"parts"`
	QualityScore float64    `json:"qualityScore,omitempty" db:"quality_score"`
	ImageURL     string     `json:"imageUrl,omitempty"     db:"image_url"`
	CreatedAt    time.Time  `json:"createdAt"              db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt"              db:"updated_at"`
}

// expiryString formats the expiry date the way it is recorded in the ledger.
func (i *Item) expiryString() string {
	if i.ExpiryDate == nil {
		return ""
	}
	return i.ExpiryDate.UTC().Format(time.RFC3339)
}

// PerishableRequest creates an ingredient or product component.
type PerishableRequest struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Origin      string  `json:"origin"`
	ExpiryDate  Date    `json:"expiryDate"`
	Quantity    float64 `json:"quantity"`
}

func (r *PerishableRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Description) == "":
		return fmt.Errorf("%w: description is required", ErrInvalidRequest)
	case strings.TrimSpace(r.Origin) == "":
		return fmt.Errorf("%w: origin is required", ErrInvalidRequest)
	case r.ExpiryDate.IsZero():
		return fmt.Errorf("%w: expiryDate is required", ErrInvalidRequest)
	case r.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	}
	return nil
}

// PerishableUpdate changes an ingredient or product component. Zero fields are
// left unchanged.
type PerishableUpdate struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Origin      string  `json:"origin"`
	ExpiryDate  *Date   `json:"expiryDate"`
	Quantity    float64 `json:"quantity"`
}

// CompositeRequest creates a dish or product from existing parts.
type CompositeRequest struct {
	Name     string   `json:"name"`
	Price    float64  `json:"price"`
	Parts    []string `json:"ingredientBlockchainIds"`
	ImageURL string   `json:"imageUrl"`
}

func (r *CompositeRequest) validate() error {
	switch {
	case strings.TrimSpace(r.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	case r.Price <= 0:
		return fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	case len(r.Parts) == 0:
		return fmt.Errorf("%w: at least one part is required", ErrInvalidRequest)
	}
	return nil
}

// CompositeUpdate changes a dish or product. Zero fields are left unchanged.
type CompositeUpdate struct {
	Name     string   `json:"name"`
	Price    float64  `json:"price"`
	Parts    []string `json:"ingredientBlockchainIds"`
	ImageURL string   `json:"imageUrl"`
}

// ItemView is an item together with what the ledger knows about it.
// QualityScore is nil when the ledger has no record of the item.
type ItemView struct {
	Item            *Item      `json:"item"`
	QualityScore    *float64   `json:"qualityScore"`
	LedgerTimestamp int64      `json:"blockchainTimestamp,omitempty"`
	Parts           []PartView `json:"parts,omitempty"`
}

// PartView is one part of a composite, scored when the composite is read.
// QualityScore is nil when the ledger holds no record of the part.
type PartView struct {
	Item            *Item    `json:"item"`
	QualityScore    *float64 `json:"qualityScore"`
	FreshnessScore  int      `json:"freshnessScore"`
	LedgerTimestamp int64    `json:"blockchainTimestamp,omitempty"`

	first *ledger.Transaction
}

// UpdateResult describes the outcome of an update. Transaction is nil when
// the request changed nothing.
type UpdateResult struct {
	Item          *Item               `json:"item"`
	UpdatedFields []string            `json:"updatedFields"`
	Transaction   *ledger.Transaction `json:"blockchainTransaction,omitempty"`
}

// PartHistory is the ledger history of one part of a composite.
type PartHistory struct {
	Item           *Item               `json:"ingredient"`
	FirstRecord    *ledger.Transaction `json:"previousState"`
	FreshnessScore int                 `json:"freshnessScore"`
	QualityScore   float64             `json:"qualityScore"`
}

// History compares the first ledger record of an item with its current state.
type History struct {
	Item          *Item               `json:"item"`
	FirstRecord   *ledger.Transaction `json:"previousState"`
	Current       ledger.Transaction  `json:"currentState"`
	UpdatedFields []string            `json:"updatedFields"`
	Parts         []PartHistory       `json:"ingredientHistories,omitempty"`
}
