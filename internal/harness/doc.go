// Package harness runs loyalty scenarios end to end against the real
// engine, ledger and expiry calculator.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: jp_base_purchase
//	description: "A JP purchase earns 10% of the amount"
//	now: 2024-03-01T00:00:00Z
//	rules:
//	  - name: jp-base
//	    conditions:
//	      all:
//	        - { fact: market, operator: equal, value: JP }
//	    event: { type: base }
//	profiles:
//	  - { consumerId: c-1, market: JP, tier: gold }
//	balances:
//	  - { consumer_id: c-2, available: 100 }
//	steps:
//	  - event: { id: e-1, type: PURCHASE, market: JP, consumerId: c-1, amount: 5000 }
//	    expect:
//	      points: 500
//	      rules: [jp-base]
//	      balance: { available: 500 }
//	  - at: 2024-06-30T16:00:00Z
//	    expiration: { consumer_id: c-1, market: JP }
//	    expect:
//	      next_expiration: 2025-03-01T09:00:00+09:00
//	assertions:
//	  - type: trace_contains
//	    rule: jp-base
//	  - type: final_state
//	    table: balances
//	    where: { consumer_id: c-1 }
//	    expect: { available: 500 }
//
// Markets default to the built-in table (config.DefaultMarkets) unless the
// scenario lists its own.
//
// # Assertion Types
//
//   - trace_contains: a rule fired, optionally for one event
//   - trace_order: rules first fired in the given order
//   - trace_count: a rule fired exactly N times
//   - final_state: a store table row has the expected column values
//
// # Deterministic Testing
//
// Each scenario gets a fresh in-memory SQLite store, a settable clock that
// only moves on "at" and "advance", and run IDs of the form
// "<scenario>-0001". Traces are therefore identical across runs and can be
// compared against golden files with RunWithGolden.
package harness
