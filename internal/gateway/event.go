package gateway

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/taras-bel/freelance/backend/internal/models"
)

// EventPaymentSucceeded is the gateway event that confirms escrow funding.
const EventPaymentSucceeded = "payment_intent.succeeded"

// Event is the part of a gateway event the bridge acts on.
type Event struct {
	ID       string
	Type     string
	EscrowID *uuid.UUID
}

// ParseEvent extracts id, type and escrow id from a raw event. The escrow id is
// read from data.object.metadata.escrow_id, falling back to metadata.escrow_id.
func ParseEvent(payload []byte) (Event, error) {
	if !gjson.ValidBytes(payload) {
		return Event{}, fmt.Errorf("%w: event is not valid JSON", models.ErrValidation)
	}
	res := gjson.GetManyBytes(payload, "id", "type", "event_type", "data.object.metadata.escrow_id", "metadata.escrow_id")
	evt := Event{ID: res[0].String(), Type: res[1].String()}
	if evt.Type == "" {
		evt.Type = res[2].String()
	}
	if evt.ID == "" || evt.Type == "" {
		return Event{}, fmt.Errorf("%w: event id and type are required", models.ErrValidation)
	}
	raw := res[3].String()
	if raw == "" {
		raw = res[4].String()
	}
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Event{}, fmt.Errorf("%w: escrow_id %q is not a uuid", models.ErrValidation, raw)
		}
		evt.EscrowID = &id
	}
	return evt, nil
}
