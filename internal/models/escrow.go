package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow status enums. in_progress is only ever read from legacy rows; it is a
// valid dispute source but nothing transitions into it.
const (
	EscrowStatusPending    = "pending"
	EscrowStatusFunded     = "funded"
	EscrowStatusInProgress = "in_progress"
	EscrowStatusDisputed   = "disputed"
	EscrowStatusReleased   = "released"
	EscrowStatusRefunded   = "refunded"
	EscrowStatusSplit      = "split"
)

// Dispute resolutions.
const (
	ResolutionClientWin     = "client_win"
	ResolutionFreelancerWin = "freelancer_win"
	ResolutionSplit         = "split"
)

// ValidResolution reports whether r is one of the known resolutions.
func ValidResolution(r string) bool {
	switch r {
	case ResolutionClientWin, ResolutionFreelancerWin, ResolutionSplit:
		return true
	}
	return false
}

type Escrow struct {
	ID               uuid.UUID       `json:"id"`
	TaskID           int64           `json:"task_id"`
	ClientID         int64           `json:"client_id"`
	FreelancerID     int64           `json:"freelancer_id"`
	Amount           decimal.Decimal `json:"amount"`
	PlatformFee      decimal.Decimal `json:"platform_fee"`
	FreelancerAmount decimal.Decimal `json:"freelancer_amount"`
	Currency         string          `json:"currency"`
	Status           string          `json:"status"`
	FundedAt         *time.Time      `json:"funded_at,omitempty"`
	ReleasedAt       *time.Time      `json:"released_at,omitempty"`
	ExpiresAt        time.Time       `json:"expires_at"`
	DisputeReason    *string         `json:"dispute_reason,omitempty"`
	DisputedBy       *int64          `json:"disputed_by,omitempty"`
	DisputedAt       *time.Time      `json:"disputed_at,omitempty"`
	Resolution       *string         `json:"resolution,omitempty"`
	ResolvedBy       *int64          `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Terminal reports whether no further transition is possible.
func (e *Escrow) Terminal() bool {
	switch e.Status {
	case EscrowStatusReleased, EscrowStatusRefunded, EscrowStatusSplit:
		return true
	}
	return false
}

// IsParticipant reports whether userID is the client or the freelancer.
func (e *Escrow) IsParticipant(userID int64) bool {
	return e.ClientID == userID || e.FreelancerID == userID
}

// EscrowStatusSummary aggregates escrows in one status.
type EscrowStatusSummary struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// EscrowStats summarises the escrows visible to one actor.
type EscrowStats struct {
	Total    int                            `json:"total"`
	Amount   decimal.Decimal                `json:"amount"`
	ByStatus map[string]EscrowStatusSummary `json:"by_status"`
}

func (e Escrow) MarshalJSON() ([]byte, error) {
	type plain Escrow
	return json.Marshal(struct {
		plain
		Amount           string `json:"amount"`
		PlatformFee      string `json:"platform_fee"`
		FreelancerAmount string `json:"freelancer_amount"`
	}{plain(e), FormatMoney(e.Amount), FormatMoney(e.PlatformFee), FormatMoney(e.FreelancerAmount)})
}

func (s EscrowStatusSummary) MarshalJSON() ([]byte, error) {
	type plain EscrowStatusSummary
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(s), FormatMoney(s.Amount)})
}

func (s EscrowStats) MarshalJSON() ([]byte, error) {
	type plain EscrowStats
	return json.Marshal(struct {
		plain
		Amount string `json:"amount"`
	}{plain(s), FormatMoney(s.Amount)})
}
