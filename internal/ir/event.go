package ir

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the closed set of consumer actions the engine accepts.
type EventType string

const (
	EventPurchase     EventType = "PURCHASE"
	EventRegistration EventType = "REGISTRATION"
	EventRecycle      EventType = "RECYCLE"
	EventConsultation EventType = "CONSULTATION"
	EventAdjustment   EventType = "ADJUSTMENT"
	EventRedemption   EventType = "REDEMPTION"
)

// ValidEventTypes lists the accepted event types in declaration order.
var ValidEventTypes = []EventType{
	EventPurchase,
	EventRegistration,
	EventRecycle,
	EventConsultation,
	EventAdjustment,
	EventRedemption,
}

// Valid reports whether t is one of the declared event types.
func (t EventType) Valid() bool {
	for _, v := range ValidEventTypes {
		if v == t {
			return true
		}
	}
	return false
}

// ParseEventType normalizes s (case-insensitive) into an EventType.
func ParseEventType(s string) (EventType, error) {
	t := EventType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// Well-known context keys read by facts and calculations.
const (
	KeyAmount           = "amount"
	KeyRetailAmount     = "retailAmount"
	KeyDiscountedAmount = "discountedAmount"
	KeyUnitCount        = "unitCount"
	KeyRequestedPoints  = "requestedPoints"
	KeyAdjustmentPoints = "adjustmentPoints"
)

// Event is an immutable consumer action submitted for evaluation.
// Context carries transaction data (amounts, counts); Attributes carries
// free-form tags supplied by the channel.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	Market     string    `json:"market"`
	Channel    string    `json:"channel,omitempty"`
	ConsumerID string    `json:"consumerId"`
	Context    IRObject  `json:"context,omitempty"`
	Attributes IRObject  `json:"attributes,omitempty"`
}

// Lookup returns the named value from Context, falling back to Attributes.
func (e Event) Lookup(key string) (IRValue, bool) {
	if v, ok := e.Context[key]; ok {
		return v, true
	}
	v, ok := e.Attributes[key]
	return v, ok
}

// Number returns a numeric value from Context or Attributes.
func (e Event) Number(key string) (float64, bool) {
	v, ok := e.Lookup(key)
	if !ok {
		return 0, false
	}
	return AsNumber(v)
}

// DecodeEvent parses an event from JSON. Top-level amount-style fields that
// callers commonly send flat (amount, requestedPoints, ...) are folded into
// Context so that {"type":"REDEMPTION","requestedPoints":40} and the nested
// form are equivalent.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}

	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	for _, key := range []string{KeyAmount, KeyRetailAmount, KeyDiscountedAmount, KeyUnitCount, KeyRequestedPoints, KeyAdjustmentPoints} {
		raw, ok := flat[key]
		if !ok {
			continue
		}
		if _, exists := ev.Context[key]; exists {
			continue
		}
		v, err := UnmarshalIRValue(raw)
		if err != nil {
			return Event{}, fmt.Errorf("decode event field %q: %w", key, err)
		}
		if ev.Context == nil {
			ev.Context = IRObject{}
		}
		ev.Context[key] = v
	}
	ev.Type = EventType(strings.ToUpper(string(ev.Type)))
	return ev, nil
}
