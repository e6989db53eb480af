package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateReceived, StateValidated))
	assert.True(t, CanTransition(StateLedgerApplied, StateRejected), "insufficient balance rejects at the ledger step")
	assert.False(t, CanTransition(StateCalculated, StateRejected), "calculation never rejects")
	assert.False(t, CanTransition(StateReceived, StateEnriched))
	assert.False(t, CanTransition(StateCompleted, StateReceived))
}

func TestRunState_PathAndOutcome(t *testing.T) {
	r := newRunState()
	r.advance(StateValidated)
	r.reject()
	assert.Equal(t, []string{"Received", "Validated", "Rejected"}, r.strings())
	assert.Equal(t, OutcomeRejected, r.outcome())
	assert.True(t, r.current().Terminal())
}

func TestRunState_IllegalTransitionPanics(t *testing.T) {
	r := newRunState()
	assert.Panics(t, func() { r.advance(StateCompleted) })
}
