package models

import "fmt"

// IntentState is the lifecycle position of a purchase intent
type IntentState string

const (
	IntentStateUnknown           IntentState = ""
	IntentStateCreated           IntentState = "created"
	IntentStateAwaitingSignature IntentState = "awaiting_signature"
	IntentStateSigned            IntentState = "signed"
	IntentStatePaymentSubmitted  IntentState = "payment_submitted"
	IntentStateConfirmed         IntentState = "confirmed"
	IntentStateFailed            IntentState = "failed"
)

var intentStateOrder = map[IntentState]int{
	IntentStateUnknown:           0,
	IntentStateCreated:           1,
	IntentStateAwaitingSignature: 2,
	IntentStateSigned:            3,
	IntentStatePaymentSubmitted:  4,
	IntentStateConfirmed:         5,
}

// Rank orders states along the lifecycle. Failed ranks above every other state.
func (s IntentState) Rank() int {
	if s == IntentStateFailed {
		return len(intentStateOrder)
	}
	return intentStateOrder[s]
}

// IsTerminal reports whether no further transition is possible
func (s IntentState) IsTerminal() bool {
	return s == IntentStateConfirmed || s == IntentStateFailed
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
// Any non-terminal state may fail. Re-entering the same state is allowed.
func (s IntentState) CanTransition(next IntentState) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == IntentStateFailed {
		return true
	}
	from, okFrom := intentStateOrder[s]
	to, okTo := intentStateOrder[next]
	return okFrom && okTo && to > from
}

// ParseIntentState validates a stored state name. The empty name is a queued job whose intent is not known yet.
func ParseIntentState(s string) (IntentState, error) {
	state := IntentState(s)
	if state == IntentStateFailed {
		return state, nil
	}
	if _, ok := intentStateOrder[state]; !ok {
		return IntentStateUnknown, fmt.Errorf("unknown intent state: %q", s)
	}
	return state, nil
}
