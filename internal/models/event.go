package models

import (
	"time"

	"github.com/google/uuid"
)

// Processed event outcomes.
const (
	EventOutcomeAccepted = "accepted"
	EventOutcomeIgnored  = "ignored"
)

// ProcessedEvent records a gateway event id that has been consumed. At most one
// row exists per event id.
type ProcessedEvent struct {
	EventID    string     `json:"event_id"`
	EventType  string     `json:"event_type"`
	EscrowID   *uuid.UUID `json:"escrow_id,omitempty"`
	Outcome    string     `json:"outcome"`
	ReceivedAt time.Time  `json:"received_at"`
}
