package ir

// Version constants for the rule schema and engine.
const (
	// RuleSchemaVersion is the rule document schema version.
	RuleSchemaVersion = "1"

	// EngineVersion is the loyalty engine version.
	EngineVersion = "0.1.0"
)
