package ir

import "time"

// AuditRecord is what the orchestrator hands to the audit log after a run.
type AuditRecord struct {
	RunID            string      `json:"runId"`
	Event            Event       `json:"event"`
	Result           EventResult `json:"result"`
	EventFingerprint string      `json:"eventFingerprint"`
	RuleSetHash      string      `json:"ruleSetHash"`
	States           []string    `json:"states"`
	Outcome          string      `json:"outcome"`
	NextExpiration   *time.Time  `json:"nextExpiration,omitempty"`
	ProcessedAt      time.Time   `json:"processedAt"`
}
