package orders

// transitions is the full legality table of the order state machine. Anything
// not listed is rejected with ErrIllegalTransition and the order is left
// untouched.
var transitions = map[Status]map[Status]bool{
	StatusPendingNew: {
		StatusAcknowledged:    true,
		StatusPartiallyFilled: true, // ack and first fill may arrive in one report
		StatusFilled:          true,
		StatusRejected:        true,
		StatusExpired:         true,
	},
	StatusAcknowledged: {
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusPendingCancel:   true,
		StatusPendingReplace:  true,
		StatusCancelled:       true, // unsolicited venue cancel
		StatusExpired:         true,
		StatusRejected:        true,
	},
	StatusPartiallyFilled: {
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusPendingCancel:   true,
		StatusPendingReplace:  true,
		StatusCancelled:       true,
		StatusExpired:         true,
	},
	StatusPendingCancel: {
		StatusCancelled: true,
		// reject reverts to the prior state; handled via revertPending
		StatusAcknowledged:    true,
		StatusPartiallyFilled: true,
		// fills can still arrive while the cancel is in flight
		StatusFilled: true,
	},
	StatusPendingReplace: {
		StatusAcknowledged:    true,
		StatusPartiallyFilled: true,
		StatusFilled:          true,
		StatusCancelled:       true,
	},
	// Terminal states have no exits.
	StatusFilled:    {},
	StatusCancelled: {},
	StatusRejected:  {},
	StatusExpired:   {},
}

func legalTransition(from, to Status) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}
