package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/loyalty/internal/ir"
)

// timeLayout is RFC 3339 with a fixed-width fraction, so stored
// timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders t in UTC. The zero time is stored as "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

// parseTime is the inverse of formatTime.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// marshalCanonical converts a JSON-tagged value to canonical JSON TEXT.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalCanonical(what string, v any) (string, error) {
	data, err := ir.CanonicalizeStruct(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

func unmarshalEvent(data string) (ir.Event, error) {
	var ev ir.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return ir.Event{}, fmt.Errorf("unmarshal event: %w", err)
	}
	return ev, nil
}

func unmarshalResult(data string) (ir.EventResult, error) {
	var res ir.EventResult
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return ir.EventResult{}, fmt.Errorf("unmarshal result: %w", err)
	}
	if res.PointBreakdown == nil {
		res.PointBreakdown = []ir.RewardLine{}
	}
	if res.Errors == nil {
		res.Errors = []string{}
	}
	return res, nil
}

func unmarshalStates(data string) ([]string, error) {
	var states []string
	if err := json.Unmarshal([]byte(data), &states); err != nil {
		return nil, fmt.Errorf("unmarshal states: %w", err)
	}
	return states, nil
}
