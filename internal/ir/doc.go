// Package ir provides the value model and domain types shared by every
// loyalty engine package.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps ir the foundational
// layer with no circular dependencies.
//
// Key design constraints:
//   - IRValue and Condition are sealed sum types; switches over them are exhaustive
//   - Amounts and rates are float64; points are always int64
//   - Events, rules and conditions are immutable once constructed
//   - Wire-facing JSON tags use camelCase to match the EventResult shape
package ir
