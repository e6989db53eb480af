// Package compiler turns rule documents into ir.Rule values.
//
// Three document formats are accepted and produce identical rules:
//
//	rules.cue   rule: "jp-base": { priority: 1, conditions: {...}, event: {...} }
//	rules.yaml  rules: [ { name: jp-base, priority: 1, conditions: {...}, event: {...} } ]
//	rules.json  {"rules": [ ... ]}
//
// Conditions use the json-rules-engine shape: a node is either
// {all: [...]}, {any: [...]} or a leaf {fact, operator, value}.
//
// DirSource loads every document in a directory in lexical file order and
// declaration order within each file. That order is the rule set's load
// order, which breaks priority ties at match time.
package compiler
