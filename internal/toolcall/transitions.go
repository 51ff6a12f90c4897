package toolcall

// transitions is the full status graph. Every store-level conditional update
// and every coordinator step must follow an edge in this map; there is no
// other way to change a call's status.
var transitions = map[Status][]Status{
	StatusPending:   {StatusModified, StatusExecuting, StatusCancelled},
	StatusModified:  {StatusModified, StatusExecuting, StatusCancelled},
	StatusExecuting: {StatusPrepared, StatusCancelled, StatusFailed},
	StatusPrepared:  {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the status graph.
// Terminal statuses have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidPath reports whether the ordered status sequence is a walk through
// the graph starting at PENDING. Used to audit status_history. A repeated
// status is an annotation row (a note appended under the current status),
// not a transition, so consecutive duplicates are always allowed.
func ValidPath(path []Status) bool {
	if len(path) == 0 {
		return false
	}
	if path[0] != StatusPending {
		return false
	}
	for i := 1; i < len(path); i++ {
		if path[i] == path[i-1] {
			continue
		}
		if !CanTransition(path[i-1], path[i]) {
			return false
		}
	}
	return true
}
