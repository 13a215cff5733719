package dispute

// transitions lists every legal move. Terminal statuses have no entry.
var transitions = map[Status][]Status{
	StatusPending:              {StatusRouted, StatusUnroutable},
	StatusUnroutable:           {StatusRouted},
	StatusRouted:               {StatusCounterpartyAccepted, StatusCounterpartyRejected},
	StatusCounterpartyAccepted: {StatusAdjudicatorApproved, StatusAdjudicatorRejected},
	StatusCounterpartyRejected: {StatusAdjudicatorApproved, StatusAdjudicatorRejected},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AfterResponse maps a counter-party response to the next status
func AfterResponse(r Response) Status {
	if r == ResponseAccept {
		return StatusCounterpartyAccepted
	}
	return StatusCounterpartyRejected
}

// AfterDecision maps an adjudicator decision to the terminal status
func AfterDecision(d Decision) Status {
	if d == DecisionApprove {
		return StatusAdjudicatorApproved
	}
	return StatusAdjudicatorRejected
}

// DescribeResponse explains what a response means for the dispute type. The
// meaning of accept and reject is inverted between the two types.
func DescribeResponse(t Type, r Response) string {
	switch {
	case t == TypeIncoming && r == ResponseAccept:
		return "Counter-party confirmed the payment was received"
	case t == TypeIncoming:
		return "Counter-party denied receiving the payment"
	case r == ResponseAccept:
		return "Counter-party confirmed the payout was not sent"
	default:
		return "Counter-party states the payout was sent and supplied proof"
	}
}
