package collections

import "fmt"

var transitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusReminded:       {},
		StatusAwaitingReview: {},
	},
	StatusReminded: {
		StatusReminded:       {},
		StatusAwaitingReview: {},
	},
	StatusAwaitingReview: {
		StatusResolved:  {},
		StatusEscalated: {},
	},
	StatusEscalated: {
		StatusResolved: {},
	},
	StatusResolved: {},
}

// resets are only reachable through Engine.Reset.
var resets = map[Status]map[Status]struct{}{
	StatusResolved:  {StatusPending: {}},
	StatusEscalated: {StatusPending: {}},
}

// CanTransition reports whether the workflow may move an invoice from one status to another.
func CanTransition(from, to Status) bool {
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// CanReset reports whether an explicit external reset may move from -> to.
func CanReset(from, to Status) bool {
	_, ok := resets[from][to]
	return ok
}

func checkTransition(invoiceID string, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &Failure{
		Kind:      ErrPolicyViolation,
		InvoiceID: invoiceID,
		Err:       fmt.Errorf("invalid status transition %s -> %s", from, to),
	}
}
