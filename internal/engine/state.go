package engine

// State is a stage of one event's processing run.
type State string

const (
	StateReceived      State = "Received"
	StateValidated     State = "Validated"
	StateEnriched      State = "Enriched"
	StateEvaluated     State = "Evaluated"
	StateCalculated    State = "Calculated"
	StateLedgerApplied State = "LedgerApplied"
	StateCompleted     State = "Completed"
	StateRejected      State = "Rejected"
)

// Outcome labels used in metrics and the audit log.
const (
	OutcomeCompleted = "completed"
	OutcomeRejected  = "rejected"
)

// transitions lists the legal successor states.
var transitions = map[State][]State{
	StateReceived:      {StateValidated, StateRejected},
	StateValidated:     {StateEnriched, StateRejected},
	StateEnriched:      {StateEvaluated, StateRejected},
	StateEvaluated:     {StateCalculated, StateRejected},
	StateCalculated:    {StateLedgerApplied},
	StateLedgerApplied: {StateCompleted, StateRejected},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// runState records the path one event took through the state machine.
type runState struct {
	path []State
}

func newRunState() *runState {
	return &runState{path: []State{StateReceived}}
}

func (r *runState) current() State {
	return r.path[len(r.path)-1]
}

// advance moves to next. An illegal transition is a programming error.
func (r *runState) advance(next State) {
	if !CanTransition(r.current(), next) {
		panic("engine: illegal state transition " + string(r.current()) + " -> " + string(next))
	}
	r.path = append(r.path, next)
}

func (r *runState) reject() {
	r.advance(StateRejected)
}

func (r *runState) outcome() string {
	if r.current() == StateRejected {
		return OutcomeRejected
	}
	return OutcomeCompleted
}

func (r *runState) strings() []string {
	out := make([]string, len(r.path))
	for i, s := range r.path {
		out[i] = string(s)
	}
	return out
}
