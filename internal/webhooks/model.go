package webhooks

import (
	"slices"
	"time"

	"github.com/jmerrifield20/freshledger/internal/ledger"
)

// Event types dispatched by the system.
const (
	EventBlockSealed       = "block.sealed"
	EventIntegrityFailed   = "ledger.integrity_failed"
	EventIntegrityRestored = "ledger.integrity_restored"
)

// Endpoint is a configured webhook receiver. An empty Events list receives
// every event.
type Endpoint struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

func (e Endpoint) wants(eventType string) bool {
	return len(e.Events) == 0 || slices.Contains(e.Events, eventType)
}

// Event is the body POSTed to matching endpoints.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Namespace string            `json:"namespace,omitempty"`
	Payload   map[string]string `json:"payload,omitempty"`
	Block     *ledger.Block     `json:"block,omitempty"`
}
