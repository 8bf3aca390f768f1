package eventbus

import "strings"

// Status is the delivery state of an EventRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

var statusTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusFailed:     true,
		StatusCompleted:  true,
		StatusDeadLetter: true,
	},
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

func NormalizeStatus(raw string) Status {
	return Status(normalize(raw))
}

// CanTransition reports whether the dispatcher may move a record from one
// status to another. Replay is the single exception: it re-enters terminal
// records and does not consult this table.
func CanTransition(from Status, to Status) bool {
	if from == to {
		return true
	}
	next := statusTransitions[from]
	if next == nil {
		return false
	}
	return next[to]
}

// IsTerminal reports whether a status accepts no further automatic work.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusCompleted,
		StatusFailed,
		StatusDeadLetter,
	}
}
