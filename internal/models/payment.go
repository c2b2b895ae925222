package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment status enums.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusCancelled = "cancelled"
)

// Payment types written by escrow transitions.
const (
	PaymentTypeEscrowRelease     = "escrow_release"
	PaymentTypeDisputeResolution = "dispute_resolution"
	PaymentTypeDisputeSplit      = "dispute_split"
)

// Payment is an immutable transfer from sender to recipient. Once completed it
// is never deleted.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	SenderID    int64           `json:"sender_id"`
	RecipientID int64           `json:"recipient_id"`
	TaskID      *int64          `json:"task_id,omitempty"`
	EscrowID    *uuid.UUID      `json:"escrow_id,omitempty"`
	Status      string          `json:"status"`
	PaymentType string          `json:"payment_type"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (p Payment) MarshalJSON() ([]byte, error) {
	type plain Payment
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(p), FormatMoney(p.Amount)})
}
