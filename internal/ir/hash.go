package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainRuleSet = "loyalty/ruleset/v1"
	DomainEvent   = "loyalty/event/v1"
	DomainResult  = "loyalty/result/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// RuleSetHash identifies a loaded rule set. Load order is part of the
// identity because ties in priority are broken by it.
func RuleSetHash(rules []Rule) (string, error) {
	arr := make(IRArray, len(rules))
	for i, r := range rules {
		arr[i] = r.ToIR()
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("RuleSetHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRuleSet, canonical), nil
}

// EventFingerprint computes a content hash of an event. Two submissions of
// the same event produce the same fingerprint, which the audit log records
// so retried deliveries can be spotted.
func EventFingerprint(ev Event) (string, error) {
	canonical, err := CanonicalizeStruct(ev)
	if err != nil {
		return "", fmt.Errorf("EventFingerprint: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// ResultHash computes a content hash of an EventResult.
func ResultHash(res EventResult) (string, error) {
	canonical, err := CanonicalizeStruct(res)
	if err != nil {
		return "", fmt.Errorf("ResultHash: %w", err)
	}
	return hashWithDomain(DomainResult, canonical), nil
}

// MustRuleSetHash is like RuleSetHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustRuleSetHash(rules []Rule) string {
	h, err := RuleSetHash(rules)
	if err != nil {
		panic(err)
	}
	return h
}
