package harness

// Trace event kinds.
const (
	KindEvent      = "event"
	KindExpiration = "expiration"
)

// TraceLine is one rule's contribution to a processed event.
type TraceLine struct {
	RuleID  string `json:"rule_id"`
	Method  string `json:"method"`
	Formula string `json:"formula"`
	Points  int64  `json:"points"`
}

// TraceEvent records one executed step for assertions and golden comparison.
// Kind is "event" for a processed event or "expiration" for an expiry query.
type TraceEvent struct {
	Seq            int           `json:"seq"`
	Kind           string        `json:"kind"`
	EventID        string        `json:"event_id,omitempty"`
	EventType      string        `json:"event_type,omitempty"`
	ConsumerID     string        `json:"consumer_id"`
	Market         string        `json:"market,omitempty"`
	Outcome        string        `json:"outcome,omitempty"`
	Points         int64         `json:"points"`
	Lines          []TraceLine   `json:"lines,omitempty"`
	Errors         []string      `json:"errors,omitempty"`
	Balance        *TraceBalance `json:"balance,omitempty"`
	NextExpiration string        `json:"next_expiration,omitempty"`
}

// TraceBalance is the consumer balance after a step.
type TraceBalance struct {
	Total            int64 `json:"total"`
	Available        int64 `json:"available"`
	Used             int64 `json:"used"`
	TransactionCount int64 `json:"transaction_count"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains one entry per executed step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends ev to the trace.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

// Fired returns the rule IDs that contributed lines to ev, in order.
func (ev TraceEvent) Fired() []string {
	ids := make([]string, 0, len(ev.Lines))
	for _, l := range ev.Lines {
		ids = append(ids, l.RuleID)
	}
	return ids
}
