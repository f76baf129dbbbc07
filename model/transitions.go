package model

// predecessors maps each status to the statuses a notification may move to it from.
var predecessors = map[Status][]Status{
	StatusSent:        {StatusPending},
	StatusBroadcasted: {StatusSent},
	StatusDelivered:   {StatusBroadcasted},
	StatusFailed:      {StatusPending, StatusSent, StatusBroadcasted},
}

// Predecessors returns the statuses that may legally transition to the given status. The result
// is empty for StatusPending, which is only ever assigned at creation time.
func Predecessors(to Status) []Status {
	result := make([]Status, len(predecessors[to]))
	copy(result, predecessors[to])
	return result
}

// CanTransition returns true if a notification may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Terminal returns true if no transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Rank orders statuses along the delivery path. Failed ranks above everything because it can be
// entered from any non-terminal status.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusBroadcasted:
		return 2
	case StatusDelivered:
		return 3
	case StatusFailed:
		return 4
	default:
		return -1
	}
}
