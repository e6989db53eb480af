package ir

import "time"

// ComputationTrace explains how a RewardLine's points were derived.
type ComputationTrace struct {
	Method  string             `json:"method"`
	Formula string             `json:"formula"`
	Inputs  map[string]float64 `json:"inputs"`
	Result  int64              `json:"result"`
}

// RewardLine is one matched rule's contribution to an event.
type RewardLine struct {
	RuleID      string           `json:"ruleId"`
	Points      int64            `json:"points"`
	Description string           `json:"description"`
	Computation ComputationTrace `json:"computation"`
}

// ConsumerBalance is the ledger state for one consumer.
// Total is cumulative earned and never decreases. Available is never negative.
type ConsumerBalance struct {
	ConsumerID       string `json:"-"`
	Total            int64  `json:"total"`
	Available        int64  `json:"available"`
	Used             int64  `json:"used"`
	TransactionCount int64  `json:"transactionCount"`
}

// EventResult is the externally visible outcome of one processed event.
// RunID identifies the processing run; it is carried beside the result
// rather than in it.
type EventResult struct {
	RunID              string          `json:"-"`
	ConsumerID         string          `json:"consumerId"`
	EventID            string          `json:"eventId"`
	EventType          EventType       `json:"eventType"`
	TotalPointsAwarded int64           `json:"totalPointsAwarded"`
	PointBreakdown     []RewardLine    `json:"pointBreakdown"`
	Errors             []string        `json:"errors"`
	ResultingBalance   ConsumerBalance `json:"resultingBalance"`
}

// NewEventResult returns a result for ev with non-nil slices, so it
// serializes as [] rather than null.
func NewEventResult(ev Event) EventResult {
	return EventResult{
		ConsumerID:     ev.ConsumerID,
		EventID:        ev.ID,
		EventType:      ev.Type,
		PointBreakdown: []RewardLine{},
		Errors:         []string{},
	}
}

// HistoryEntry is one applied ledger mutation as seen by expiration.
type HistoryEntry struct {
	EventID    string    `json:"eventId"`
	EventType  EventType `json:"eventType"`
	Points     int64     `json:"points"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Profile is the external consumer profile used by enrichment and expiry.
// Zero times mean "not recorded".
type Profile struct {
	ConsumerID             string    `json:"consumerId" yaml:"consumerId"`
	Market                 string    `json:"market" yaml:"market"`
	Tier                   string    `json:"tier" yaml:"tier"`
	BirthDate              time.Time `json:"birthDate" yaml:"birthDate"`
	RegistrationDate       time.Time `json:"registrationDate" yaml:"registrationDate"`
	FirstPurchaseDate      time.Time `json:"firstPurchaseDate" yaml:"firstPurchaseDate"`
	LastPurchaseDate       time.Time `json:"lastPurchaseDate" yaml:"lastPurchaseDate"`
	PurchaseCount          int64     `json:"purchaseCount" yaml:"purchaseCount"`
	RecyclingCountThisYear int64     `json:"recyclingCountThisYear" yaml:"recyclingCountThisYear"`
}

// ExpirationMode selects how a market computes point expiry.
type ExpirationMode string

const (
	ExpirationRolling    ExpirationMode = "rolling"
	ExpirationFiscalYear ExpirationMode = "fiscal-year"
)

// ExpirationPolicy is the per-market expiry configuration.
type ExpirationPolicy struct {
	Mode ExpirationMode `json:"mode" yaml:"mode"`

	// Rolling mode.
	WindowDays         int         `json:"windowDays,omitempty" yaml:"windowDays"`
	QualifyingTypes    []EventType `json:"qualifyingTypes,omitempty" yaml:"qualifyingTypes"`
	ExtendOnAdjustment bool        `json:"extendOnAdjustment,omitempty" yaml:"extendOnAdjustment"`

	// Fiscal-year mode.
	FiscalStartMonth time.Month `json:"fiscalStartMonth,omitempty" yaml:"fiscalStartMonth"`
	FiscalStartDay   int        `json:"fiscalStartDay,omitempty" yaml:"fiscalStartDay"`
}
