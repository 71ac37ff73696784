package incident

// allowedPredecessors is the explicit transition table: the set of
// statuses an incident may be in for each target status to be accepted.
// Forward jumps are allowed (an open incident may resolve directly);
// the only way back from resolved or closed is the reopen edge into
// investigating. Open is the sole initial state and is never a target.
var allowedPredecessors = map[Status][]Status{
	StatusAcknowledged:  {StatusOpen},
	StatusInvestigating: {StatusOpen, StatusAcknowledged, StatusResolved, StatusClosed},
	StatusMitigated:     {StatusOpen, StatusAcknowledged, StatusInvestigating},
	StatusResolved:      {StatusOpen, StatusAcknowledged, StatusInvestigating, StatusMitigated},
	StatusClosed:        {StatusResolved},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range allowedPredecessors[to] {
		if s == from {
			return true
		}
	}
	return false
}
