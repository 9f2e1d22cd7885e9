package ledger

import (
	"time"
)

// Well-known values for Transaction.Action.
const (
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Transaction is a caller-defined record describing an item event. The ledger
// only interprets BlockchainID, which is the lookup key; records without one
// are stored but cannot be retrieved by ID.
type Transaction struct {
	BlockchainID  string         `json:"blockchainId"`
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	Origin        string         `json:"origin"`
	ExpiryDate    string         `json:"expiryDate"`
	Quantity      float64        `json:"quantity"`
	Price         float64        `json:"price"`
	Ingredients   []string       `json:"ingredients"`
	QualityScore  float64        `json:"qualityScore"`
	Timestamp     int64          `json:"timestamp"` // milliseconds since epoch
	Action        *string        `json:"action"`
	UpdatedFields []string       `json:"updatedFields"`
	PreviousState map[string]any `json:"previousState,omitempty"`
}

// Action returns a pointer suitable for Transaction.Action.
func Action(name string) *string {
	return &name
}

// IsZero reports whether t carries no identifying content at all.
func (t Transaction) IsZero() bool {
	return t.BlockchainID == "" && t.Name == "" && t.Action == nil && t.Timestamp == 0
}

// Normalized returns t in canonical history shape: absent sequences become
// empty, a missing timestamp becomes now.
func (t Transaction) Normalized(now time.Time) Transaction {
	n := t.Clone()
	if n.Timestamp == 0 {
		n.Timestamp = now.UnixMilli()
	}
	if n.UpdatedFields == nil {
		n.UpdatedFields = []string{}
	}
	if n.Ingredients == nil {
		n.Ingredients = []string{}
	}
	return n
}

// Clone returns a deep copy of t.
func (t Transaction) Clone() Transaction {
	cp := t
	if t.Ingredients != nil {
		cp.Ingredients = append([]string{}, t.Ingredients...)
	}
	if t.UpdatedFields != nil {
		cp.UpdatedFields = append([]string{}, t.UpdatedFields...)
	}
	if t.Action != nil {
		cp.Action = Action(*t.Action)
	}
	if t.PreviousState != nil {
		cp.PreviousState = make(map[string]any, len(t.PreviousState))
		for k, v := range t.PreviousState {
			cp.PreviousState[k] = v
		}
	}
	return cp
}
