package domain

import "fmt"

type IntentState string

const (
	StateProposed       IntentState = "proposed"
	StatePlanning       IntentState = "planning"
	StateReady          IntentState = "ready"
	StateBlocked        IntentState = "blocked"
	StateExecuting      IntentState = "executing"
	StateSuccess        IntentState = "success"
	StateFailure        IntentState = "failure"
	StateAwaitingReview IntentState = "awaiting_review"
	StateMerged         IntentState = "merged"
	StatePromoted       IntentState = "promoted"
	StateDiscarded      IntentState = "discarded"
)

var allowedTransitions = map[IntentState]map[IntentState]struct{}{
	StateProposed: {
		StatePlanning:  {},
		StateDiscarded: {},
	},
	StatePlanning: {
		StateReady:     {},
		StateDiscarded: {},
	},
	StateReady: {
		StateExecuting: {},
		StateBlocked:   {},
		StateDiscarded: {},
	},
	StateBlocked: {
		StateReady:     {},
		StateSuccess:   {},
		StateDiscarded: {},
	},
	StateExecuting: {
		StateSuccess:   {},
		StateFailure:   {},
		StateDiscarded: {},
	},
	StateSuccess: {
		StateMerged:         {},
		StateAwaitingReview: {},
		StateBlocked:        {},
		StateDiscarded:      {},
	},
	StateFailure: {
		StateDiscarded: {},
	},
	StateAwaitingReview: {
		StateMerged:    {},
		StateBlocked:   {},
		StateDiscarded: {},
	},
	StateMerged: {
		StatePromoted: {},
	},
	StatePromoted:  {},
	StateDiscarded: {},
}

func ValidateState(s IntentState) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid intent state: %q", s)
	}
	return nil
}

// ValidateTransition checks a single state change. root reports whether the intent
// has no parent; only roots may be promoted.
func ValidateTransition(from, to IntentState, root bool) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid intent transition %s -> %s", from, to)
	}
	if to == StatePromoted && !root {
		return fmt.Errorf("only root intents can be promoted")
	}
	if to == StateAwaitingReview && !root {
		return fmt.Errorf("only root intents await human review")
	}
	return nil
}

// Terminal reports whether no further transition is possible for an intent.
// A merged root still has its promotion ahead of it.
func Terminal(s IntentState, root bool) bool {
	switch s {
	case StatePromoted, StateDiscarded:
		return true
	case StateMerged:
		return !root
	}
	return false
}

// Settled reports whether an intent is done from its parent's point of view.
func Settled(s IntentState) bool {
	return s == StateMerged || s == StatePromoted || s == StateDiscarded
}
